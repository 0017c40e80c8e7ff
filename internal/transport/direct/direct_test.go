package direct

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func newTestDirect(t *testing.T) (*Direct, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	d, err := New(context.Background(), Config{
		RedisURL:          "redis://" + mr.Addr(),
		Namespace:         "ns",
		ReadyStreamMaxLen: 1000,
		LogStreamMaxLen:   1000,
		MaxRetries:        2,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return d, mr
}

func TestDirect_RegisterCreatesGroupsAndProofKey(t *testing.T) {
	d, mr := newTestDirect(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, domain.WorkerInfo{WorkerID: "worker-1"}))
	require.True(t, mr.Exists("ns:direct:proof:worker-1"))
}

func TestDirect_PollAndAckTask(t *testing.T) {
	d, _ := newTestDirect(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, domain.WorkerInfo{WorkerID: "worker-1"}))

	task := domain.Task{TaskID: "t1", RunID: "r1", ProjectType: domain.ProjectTypeCode}
	data, err := json.Marshal(task)
	require.NoError(t, err)

	require.NoError(t, d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.readyStream("worker-1"),
		Values: map[string]interface{}{"payload": string(data)},
	}).Err())

	polled, err := d.PollTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, polled)
	require.Equal(t, "t1", polled.Task.TaskID)

	require.NoError(t, d.AckTask(ctx, polled.Receipt, true))
}

func TestDirect_AckTaskRejectedRequeues(t *testing.T) {
	d, _ := newTestDirect(t)
	ctx := context.Background()
	require.NoError(t, d.Register(ctx, domain.WorkerInfo{WorkerID: "worker-1"}))

	task := domain.Task{TaskID: "t2", RunID: "r2"}
	data, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.readyStream("worker-1"),
		Values: map[string]interface{}{"payload": string(data)},
	}).Err())

	polled, err := d.PollTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, polled)

	require.NoError(t, d.AckTask(ctx, polled.Receipt, false))

	polled2, err := d.PollTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, polled2, "rejected task must be requeued and re-pollable")
	require.Equal(t, "t2", polled2.Task.TaskID)
}

func TestDirect_SendLogBatchDedupesByExplicitID(t *testing.T) {
	d, _ := newTestDirect(t)
	ctx := context.Background()

	entry := domain.LogEntry{RunID: "r1", Stream: domain.LogStdout, Seq: 1, Timestamp: time.Unix(1000, 0), Content: "hello"}

	require.NoError(t, d.SendLogBatch(ctx, []domain.LogEntry{entry}))
	// Re-sending the same (run_id, seq) must be treated as success, not
	// an error, per spec.md §4.5's idempotency rule.
	require.NoError(t, d.SendLogBatch(ctx, []domain.LogEntry{entry}))
}

func TestDirect_ReportResultPublishesToSpiderChannelWhenRequested(t *testing.T) {
	d, mr := newTestDirect(t)
	ctx := context.Background()

	result := domain.TaskResult{RunID: "r1", Status: domain.StatusSuccess, Data: map[string]any{"spider_channel": true}}
	require.NoError(t, d.ReportResult(ctx, result))

	require.True(t, mr.Exists("ns:spider:data:r1"))
}
