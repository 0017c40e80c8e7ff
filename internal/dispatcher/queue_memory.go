package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"antcode/internal/domain"
	"antcode/internal/scheduler"
)

// MemoryQueueBackend is the "memory" queue backend: one
// internal/scheduler.Scheduler per worker, for single-Master
// deployments (spec.md §4.8).
type MemoryQueueBackend struct {
	maxQueueSize int
	logger       *slog.Logger

	mu    sync.Mutex
	byWkr map[string]*scheduler.Scheduler
}

// NewMemoryQueueBackend builds a MemoryQueueBackend.
func NewMemoryQueueBackend(maxQueueSize int, logger *slog.Logger) *MemoryQueueBackend {
	return &MemoryQueueBackend{maxQueueSize: maxQueueSize, logger: logger, byWkr: make(map[string]*scheduler.Scheduler)}
}

func (m *MemoryQueueBackend) schedulerFor(workerID string) *scheduler.Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byWkr[workerID]
	if !ok {
		s = scheduler.New(m.maxQueueSize, m.logger)
		m.byWkr[workerID] = s
	}
	return s
}

// Enqueue implements QueueBackend.
func (m *MemoryQueueBackend) Enqueue(_ context.Context, workerID string, task domain.Task) error {
	return m.schedulerFor(workerID).Enqueue(task.RunID, task, task.Priority)
}

// Dequeue pops the next task destined for workerID, blocking up to
// timeout; a Worker transport shim uses this when running against the
// "memory" backend in single-process deployments.
func (m *MemoryQueueBackend) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (domain.Task, bool, error) {
	item, err := m.schedulerFor(workerID).Dequeue(ctx, timeout)
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	task, _ := item.Data.(domain.Task)
	return task, true, nil
}
