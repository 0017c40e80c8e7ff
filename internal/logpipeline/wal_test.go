package logpipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func TestWAL_AppendAndReadAll(t *testing.T) {
	dir := t.TempDir()

	wal, err := OpenWAL(dir, "run-1", domain.LogStdout)
	require.NoError(t, err)

	require.NoError(t, wal.Append(walRecord{Seq: 1, Timestamp: 1000, Content: "line one"}))
	require.NoError(t, wal.Append(walRecord{Seq: 2, Timestamp: 2000, Content: "line two"}))
	require.NoError(t, wal.Close())

	wal2, err := OpenWAL(dir, "run-1", domain.LogStdout)
	require.NoError(t, err)
	defer wal2.Close()

	records, err := wal2.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "line one", records[0].Content)
	require.Equal(t, "line two", records[1].Content)
}

func TestWAL_Purge(t *testing.T) {
	dir := t.TempDir()

	wal, err := OpenWAL(dir, "run-2", domain.LogStderr)
	require.NoError(t, err)
	require.NoError(t, wal.Append(walRecord{Seq: 1, Content: "x"}))
	require.NoError(t, wal.Purge())

	wal2, err := OpenWAL(dir, "run-2", domain.LogStderr)
	require.NoError(t, err)
	defer wal2.Close()

	records, err := wal2.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}
