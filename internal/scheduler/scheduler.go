// Package scheduler implements the Worker's bounded priority queue and
// per-run state manager (spec.md §4.4).
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"antcode/internal/domain"
)

// Item is one scheduled unit of work.
type Item struct {
	RunID      string
	Data       any
	Priority   int
	EnqueuedAt time.Time

	index int
}

// priorityQueue is a container/heap.Interface ordered by
// (priority_int ASC, enqueue_time ASC) — spec.md §4.4.
type priorityQueue []*Item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority < pq[j].Priority
	}
	return pq[i].EnqueuedAt.Before(pq[j].EnqueuedAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// ErrQueueFull is returned by Enqueue when max_queue_size is reached.
var ErrQueueFull = fmt.Errorf("scheduler: queue full")

// Scheduler is a concurrency-safe bounded priority min-heap with a
// blocking Dequeue, plus the run_id-keyed RunState state manager.
type Scheduler struct {
	maxQueueSize int
	logger       *slog.Logger

	mu    sync.Mutex
	pq    priorityQueue
	avail chan struct{}

	states map[string]domain.RunState
}

// New creates a Scheduler bounded to maxQueueSize entries.
func New(maxQueueSize int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		maxQueueSize: maxQueueSize,
		logger:       logger,
		pq:           priorityQueue{},
		avail:        make(chan struct{}, 1),
		states:       make(map[string]domain.RunState),
	}
}

// Enqueue adds (run_id, data, priority) to the queue, rejecting with
// ErrQueueFull if max_queue_size would be exceeded, and registers the
// run in the QUEUED state.
func (s *Scheduler) Enqueue(runID string, data any, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxQueueSize > 0 && len(s.pq) >= s.maxQueueSize {
		return ErrQueueFull
	}

	heap.Push(&s.pq, &Item{RunID: runID, Data: data, Priority: priority, EnqueuedAt: time.Now()})
	s.states[runID] = domain.RunQueued

	select {
	case s.avail <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until an item is available, ctx is cancelled, or timeout
// elapses (timeout<=0 means wait indefinitely bounded only by ctx).
func (s *Scheduler) Dequeue(ctx context.Context, timeout time.Duration) (*Item, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		s.mu.Lock()
		if len(s.pq) > 0 {
			item := heap.Pop(&s.pq).(*Item)
			s.mu.Unlock()
			return item, nil
		}
		s.mu.Unlock()

		select {
		case <-s.avail:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, context.DeadlineExceeded
		}
	}
}

// Len returns the current queue depth.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pq)
}

// Transition applies a RunState edge for runID if legal, rejecting an
// illegal edge as a logged no-op (spec.md §4.4). ok reports whether the
// transition was applied.
func (s *Scheduler) Transition(runID string, to domain.RunState) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, tracked := s.states[runID]
	if !tracked {
		s.logger.Warn("transition on untracked run", "run_id", runID, "to", to)
		return false
	}
	if !domain.CanTransition(from, to) {
		s.logger.Warn("illegal run state transition rejected", "run_id", runID, "from", from, "to", to)
		return false
	}
	s.states[runID] = to
	return true
}

// State returns the tracked RunState for runID, if any.
func (s *Scheduler) State(runID string) (domain.RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[runID]
	return st, ok
}

// Remove frees the state-manager entry for a terminal run_id (spec.md
// §4.4 "remove(run_id) frees the entry"). It is a no-op if the run is
// not tracked or not yet terminal.
func (s *Scheduler) Remove(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[runID]; ok && st.IsTerminal() {
		delete(s.states, runID)
	}
}
