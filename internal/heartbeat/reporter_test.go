package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

type fakeSender struct {
	mu      sync.Mutex
	calls   int
	failing atomic.Bool
	sent    []domain.Heartbeat
}

func (f *fakeSender) SendHeartbeat(_ context.Context, hb domain.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, hb)
	if f.failing.Load() {
		return errors.New("send failed")
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReconnector struct {
	attempts atomic.Int32
	succeeds atomic.Bool
}

func (r *fakeReconnector) Reconnect(_ context.Context) error {
	r.attempts.Add(1)
	if r.succeeds.Load() {
		return nil
	}
	return errors.New("still unreachable")
}

func TestReporter_SuccessKeepsRunning(t *testing.T) {
	sender := &fakeSender{}
	r := New(Config{WorkerID: "w1", Interval: 10 * time.Millisecond}, sender, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	require.Eventually(t, func() bool { return sender.count() >= 2 }, time.Second, time.Millisecond)
	require.Equal(t, domain.HeartbeatRunning, r.State())

	cancel()
	r.Stop()
}

func TestReporter_SustainedFailureEntersDegradedAndReconnects(t *testing.T) {
	sender := &fakeSender{}
	sender.failing.Store(true)
	recon := &fakeReconnector{}

	r := New(Config{
		WorkerID:               "w1",
		Interval:               5 * time.Millisecond,
		MinInterval:            2 * time.Millisecond,
		DegradedInterval:       5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		ReconnectBackoffMax:    20 * time.Millisecond,
	}, sender, recon, nil, nil, nil, nil)

	var disconnected atomic.Bool
	r.OnDisconnect(func() { disconnected.Store(true) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool { return r.State() == domain.HeartbeatDegraded }, time.Second, time.Millisecond)
	require.True(t, disconnected.Load())
	require.Eventually(t, func() bool { return recon.attempts.Load() > 0 }, time.Second, time.Millisecond)

	recon.succeeds.Store(true)
	sender.failing.Store(false)

	require.Eventually(t, func() bool { return r.State() == domain.HeartbeatRunning }, 2*time.Second, time.Millisecond)

	r.Stop()
}

func TestReporter_StopHaltsLoop(t *testing.T) {
	sender := &fakeSender{}
	r := New(Config{WorkerID: "w1", Interval: 5 * time.Millisecond}, sender, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool { return sender.count() >= 1 }, time.Second, time.Millisecond)
	r.Stop()

	n := sender.count()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, sender.count(), "no further heartbeats should be sent after Stop")
}
