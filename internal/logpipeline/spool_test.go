package logpipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func TestSpool_WriteAndCursors(t *testing.T) {
	dir := t.TempDir()

	spool, err := OpenSpool(dir, "run-1", domain.LogStdout)
	require.NoError(t, err)
	defer spool.Close()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, spool.Write(domain.LogEntry{
			RunID: "run-1", Stream: domain.LogStdout, Seq: i,
			Timestamp: time.Unix(0, 0), Content: "line",
		}))
	}

	last, err := spool.LastSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	acked, err := spool.AckedSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(0), acked)

	unacked, err := spool.IterUnacked()
	require.NoError(t, err)
	require.Len(t, unacked, 3)
}

func TestSpool_AdvanceAckedPrunesRecords(t *testing.T) {
	dir := t.TempDir()

	spool, err := OpenSpool(dir, "run-2", domain.LogStdout)
	require.NoError(t, err)
	defer spool.Close()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, spool.Write(domain.LogEntry{RunID: "run-2", Stream: domain.LogStdout, Seq: i, Content: "line"}))
	}

	require.NoError(t, spool.AdvanceAcked(3))

	acked, err := spool.AckedSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(3), acked)

	unacked, err := spool.IterUnacked()
	require.NoError(t, err)
	require.Len(t, unacked, 2)
	for _, e := range unacked {
		require.Greater(t, e.Seq, uint64(3))
	}
}

func TestSpool_AdvanceAckedIsMonotonic(t *testing.T) {
	dir := t.TempDir()

	spool, err := OpenSpool(dir, "run-3", domain.LogStdout)
	require.NoError(t, err)
	defer spool.Close()

	require.NoError(t, spool.Write(domain.LogEntry{RunID: "run-3", Stream: domain.LogStdout, Seq: 1, Content: "a"}))
	require.NoError(t, spool.AdvanceAcked(1))
	require.NoError(t, spool.AdvanceAcked(0))

	acked, err := spool.AckedSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(1), acked)
}
