package wiring

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"antcode/internal/dispatcher"
	"antcode/internal/domain"
	"antcode/internal/registry"
)

func newTestMasterService(t *testing.T) (*MasterService, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	reg, err := registry.New(context.Background(), "redis://"+mr.Addr(), registry.Config{
		Namespace:    "ns",
		HeartbeatTTL: 3 * time.Second,
	}, nil, nil)
	require.NoError(t, err)

	queue := dispatcher.NewMemoryQueueBackend(10, nil)
	disp := dispatcher.New(reg, nil, queue, nil, nil)
	return NewMasterService(reg, disp, queue, nil), mr
}

func TestMasterService_RegisterAndHeartbeat(t *testing.T) {
	svc, _ := newTestMasterService(t)
	ctx := context.Background()

	accepted, reason, err := svc.Register(ctx, domain.WorkerInfo{WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, accepted)
	require.Empty(t, reason)

	state, err := svc.SendHeartbeat(ctx, domain.Heartbeat{WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, domain.HeartbeatRunning, state)
}

func TestMasterService_PollTaskReturnsNilWhenEmpty(t *testing.T) {
	svc, _ := newTestMasterService(t)
	task, receipt, err := svc.PollTask(context.Background(), "w1")
	require.NoError(t, err)
	require.Nil(t, task)
	require.Empty(t, receipt)
}

func TestMasterService_PollTaskReturnsEnqueuedTask(t *testing.T) {
	svc, _ := newTestMasterService(t)
	ctx := context.Background()

	require.NoError(t, svc.queue.Enqueue(ctx, "w1", domain.Task{TaskID: "t1", RunID: "r1", Receipt: "rcpt-1"}))

	task, receipt, err := svc.PollTask(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "t1", task.TaskID)
	require.Equal(t, "rcpt-1", receipt)
}

func TestMasterService_PushAndPollControl(t *testing.T) {
	svc, _ := newTestMasterService(t)
	ctx := context.Background()

	resp, err := svc.PollControl(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, resp)

	svc.PushControl("w1", "cancel", "r1", map[string]any{"reason": "batch cancelled"}, "ctrl-1")

	resp, err = svc.PollControl(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "cancel", resp.Type)
	require.Equal(t, "r1", resp.RunID)
	require.Equal(t, "ctrl-1", resp.Receipt)

	resp, err = svc.PollControl(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, resp)
}
