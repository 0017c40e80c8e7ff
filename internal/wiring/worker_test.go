package wiring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
	"antcode/internal/transport"
)

type fakeTransport struct {
	closed     bool
	heartbeats []domain.Heartbeat
	logBatches [][]domain.LogEntry
}

func (f *fakeTransport) Register(context.Context, domain.WorkerInfo) error { return nil }
func (f *fakeTransport) PollTask(context.Context, string) (*transport.PolledTask, error) {
	return nil, nil
}
func (f *fakeTransport) AckTask(context.Context, string, bool) error           { return nil }
func (f *fakeTransport) ReportResult(context.Context, domain.TaskResult) error { return nil }
func (f *fakeTransport) SendLogBatch(_ context.Context, entries []domain.LogEntry) error {
	f.logBatches = append(f.logBatches, entries)
	return nil
}
func (f *fakeTransport) SendHeartbeat(_ context.Context, hb domain.Heartbeat) error {
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}
func (f *fakeTransport) PollControl(context.Context, string) (*transport.ControlMessage, error) {
	return nil, nil
}
func (f *fakeTransport) AckControl(context.Context, string) error { return nil }
func (f *fakeTransport) Close() error                             { f.closed = true; return nil }

var _ transport.Transport = (*fakeTransport)(nil)

func TestTransportHandle_SwapClosesOld(t *testing.T) {
	old := &fakeTransport{}
	next := &fakeTransport{}
	h := &transportHandle{t: old}

	h.swap(next)

	require.True(t, old.closed)
	require.False(t, next.closed)
	require.Same(t, next, h.get())
}

func TestHeartbeatSender_DelegatesToLiveTransport(t *testing.T) {
	ft := &fakeTransport{}
	h := &transportHandle{t: ft}
	sender := &heartbeatSender{handle: h}

	require.NoError(t, sender.SendHeartbeat(context.Background(), domain.Heartbeat{WorkerID: "w1"}))
	require.Len(t, ft.heartbeats, 1)
	require.Equal(t, "w1", ft.heartbeats[0].WorkerID)
}

func TestLogSender_DelegatesToLiveTransport(t *testing.T) {
	ft := &fakeTransport{}
	h := &transportHandle{t: ft}
	sender := &logSender{handle: h}

	entries := []domain.LogEntry{{RunID: "r1", Content: "hello"}}
	require.NoError(t, sender.SendBatch(context.Background(), entries))
	require.Len(t, ft.logBatches, 1)
	require.Equal(t, entries, ft.logBatches[0])
}

func TestResourceSampler_SampleReturnsBoundedMemPercent(t *testing.T) {
	cpu, mem, disk := resourceSampler{}.Sample()
	require.Equal(t, 0.0, cpu)
	require.Equal(t, 0.0, disk)
	require.GreaterOrEqual(t, mem, 0.0)
	require.LessOrEqual(t, mem, 100.0)
}

func TestLastSlash(t *testing.T) {
	require.Equal(t, 7, lastSlash("/etc/antcode/worker.yaml"))
	require.Equal(t, -1, lastSlash("worker.yaml"))
}

func TestMaxInt(t *testing.T) {
	require.Equal(t, 5, maxInt(5, 1))
	require.Equal(t, 3, maxInt(1, 3))
}
