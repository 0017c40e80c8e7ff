package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, Config{Namespace: "ns", MaxRetries: 2, BloomExpectedN: 1000, BloomFalsePositive: 0.01}, nil, nil)
	return q, mr
}

func TestQueue_EnqueueBatchDedupesByURL(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tasks := []domain.CrawlTask{
		{TaskID: "t1", URL: "https://example.com/a", Priority: domain.PriorityHigh},
		{TaskID: "t2", URL: "https://example.com/a", Priority: domain.PriorityHigh},
		{TaskID: "t3", URL: "https://example.com/b", Priority: domain.PriorityNormal},
	}

	result, err := q.EnqueueBatch(ctx, "p1", tasks, false)
	require.NoError(t, err)
	require.Equal(t, 3, result.Total)
	require.Equal(t, 2, result.Enqueued)
	require.Equal(t, 1, result.Duplicate)
}

func TestQueue_EnqueueBatchSkipDedupBypassesBloom(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tasks := []domain.CrawlTask{
		{TaskID: "t1", URL: "https://example.com/a", Priority: domain.PriorityHigh},
		{TaskID: "t2", URL: "https://example.com/a", Priority: domain.PriorityHigh},
	}
	result, err := q.EnqueueBatch(ctx, "p1", tasks, true)
	require.NoError(t, err)
	require.Equal(t, 2, result.Enqueued)
	require.Equal(t, 0, result.Duplicate)
}

func TestQueue_DequeuePrefersHighOverNormalOverLow(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueBatch(ctx, "p1", []domain.CrawlTask{
		{TaskID: "low", URL: "https://x/low", Priority: domain.PriorityLow},
		{TaskID: "normal", URL: "https://x/normal", Priority: domain.PriorityNormal},
		{TaskID: "high", URL: "https://x/high", Priority: domain.PriorityHigh},
	}, true)
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, "p1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "high", got.Task.TaskID)
}

func TestQueue_DequeueReturnsNilOnTimeout(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.Dequeue(context.Background(), "empty-project", 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestQueue_RetryDeadLettersAfterMaxRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := domain.CrawlTask{TaskID: "t1", URL: "https://x/a", Priority: domain.PriorityHigh, Status: domain.CrawlRunning, RetryCount: 2}
	require.NoError(t, q.Retry(ctx, "p1", task)) // retry_count becomes 3 > MaxRetries(2)

	n, err := q.client.XLen(ctx, q.deadLetterStream("p1")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestQueue_RetryReenqueuesUnderThreshold(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := domain.CrawlTask{TaskID: "t1", URL: "https://x/a", Priority: domain.PriorityHigh, Status: domain.CrawlRunning, RetryCount: 0}
	require.NoError(t, q.Retry(ctx, "p1", task))

	n, err := q.client.XLen(ctx, q.stream("p1", domain.PriorityHigh)).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
