package dispatcher

import (
	"context"

	"antcode/internal/domain"
)

// directEnqueuer is the narrow slice of *direct.Direct the "redis" queue
// backend needs; kept as an interface so this package doesn't import
// internal/transport/direct directly and risk a cycle.
type directEnqueuer interface {
	EnqueueTask(ctx context.Context, workerID string, task domain.Task) error
}

// RedisQueueBackend is the "redis" queue backend: XADDs tasks straight
// onto the Direct transport's per-worker ready streams, so multiple
// Master instances share one dispatch surface (spec.md §4.8).
type RedisQueueBackend struct {
	direct directEnqueuer
}

// NewRedisQueueBackend builds a RedisQueueBackend around a
// *direct.Direct (or anything exposing EnqueueTask).
func NewRedisQueueBackend(direct directEnqueuer) *RedisQueueBackend {
	return &RedisQueueBackend{direct: direct}
}

// Enqueue implements QueueBackend.
func (r *RedisQueueBackend) Enqueue(ctx context.Context, workerID string, task domain.Task) error {
	return r.direct.EnqueueTask(ctx, workerID, task)
}
