package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func TestScheduler_DequeueOrdersByPriorityThenEnqueueTime(t *testing.T) {
	s := New(0, nil)

	require.NoError(t, s.Enqueue("low-1", nil, 10))
	require.NoError(t, s.Enqueue("high-1", nil, 1))
	require.NoError(t, s.Enqueue("high-2", nil, 1))

	ctx := context.Background()
	first, err := s.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "high-1", first.RunID)

	second, err := s.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "high-2", second.RunID)

	third, err := s.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "low-1", third.RunID)
}

func TestScheduler_EnqueueRejectsWhenFull(t *testing.T) {
	s := New(2, nil)

	require.NoError(t, s.Enqueue("a", nil, 1))
	require.NoError(t, s.Enqueue("b", nil, 1))

	err := s.Enqueue("c", nil, 1)
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 2, s.Len())
}

func TestScheduler_DequeueBlocksUntilEnqueue(t *testing.T) {
	s := New(0, nil)

	done := make(chan *Item, 1)
	go func() {
		item, err := s.Dequeue(context.Background(), 2*time.Second)
		require.NoError(t, err)
		done <- item
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Enqueue("late", "payload", 5))

	select {
	case item := <-done:
		require.Equal(t, "late", item.RunID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock after enqueue")
	}
}

func TestScheduler_DequeueTimesOut(t *testing.T) {
	s := New(0, nil)
	_, err := s.Dequeue(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_StateTransitions(t *testing.T) {
	s := New(0, nil)
	require.NoError(t, s.Enqueue("run-1", nil, 1))

	st, ok := s.State("run-1")
	require.True(t, ok)
	require.Equal(t, domain.RunQueued, st)

	require.True(t, s.Transition("run-1", domain.RunPreparing))
	require.True(t, s.Transition("run-1", domain.RunRunning))

	// illegal: RUNNING -> QUEUED
	require.False(t, s.Transition("run-1", domain.RunQueued))

	require.True(t, s.Transition("run-1", domain.RunCompleted))

	s.Remove("run-1")
	_, ok = s.State("run-1")
	require.False(t, ok)
}

func TestScheduler_RemoveNoopOnNonTerminal(t *testing.T) {
	s := New(0, nil)
	require.NoError(t, s.Enqueue("run-1", nil, 1))

	s.Remove("run-1")
	_, ok := s.State("run-1")
	require.True(t, ok, "non-terminal run must not be removed")
}
