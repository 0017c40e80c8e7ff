// Package heartbeat implements the Heartbeat Reporter: a periodic
// liveness/metrics upload loop with degraded-mode backoff and
// exponential-backoff reconnect (spec.md §4.7).
package heartbeat

import (
	"context"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"antcode/internal/domain"
	"antcode/pkg/metrics"
)

// Sender is the subset of transport.Transport the Reporter needs; kept
// narrow so tests can supply a fake without a full transport.
type Sender interface {
	SendHeartbeat(ctx context.Context, hb domain.Heartbeat) error
}

// Reconnector performs the actual reconnect attempt (re-dial/re-register)
// when the Reporter gives up on heartbeats and needs a fresh connection.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// MetricsSource supplies the live system/runtime metrics folded into
// each heartbeat payload; production wires this to the Worker's own
// resource sampler.
type MetricsSource interface {
	Sample() (cpuPercent, memPercent, diskPercent float64)
}

// Config tunes the Reporter's timing, matching spec.md §4.7's named
// constants.
type Config struct {
	WorkerID              string
	Interval              time.Duration
	MinInterval           time.Duration
	DegradedInterval      time.Duration
	MaxConsecutiveFailures int
	ReconnectBackoffMax   time.Duration
	ReconnectJitter       float64 // fraction of backoff, e.g. 0.2 = ±20%
	MaxConcurrent         int
	Capabilities          map[string]domain.Capability
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Second
	}
	if c.DegradedInterval <= 0 {
		c.DegradedInterval = 30 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = 60 * time.Second
	}
}

// Reporter runs the periodic heartbeat loop described in spec.md §4.7.
type Reporter struct {
	cfg     Config
	sender  Sender
	recon   Reconnector
	metrics *metrics.Metrics
	logger  *slog.Logger
	source  MetricsSource

	mu               sync.Mutex
	state            domain.HeartbeatState
	consecutiveFails int
	runningTasks     func() int

	onDisconnect func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Reporter. runningTasks reports the Worker's current
// in-flight task count for the {running_tasks} field of each payload.
func New(cfg Config, sender Sender, recon Reconnector, source MetricsSource, runningTasks func() int, m *metrics.Metrics, logger *slog.Logger) *Reporter {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if runningTasks == nil {
		runningTasks = func() int { return 0 }
	}
	return &Reporter{
		cfg:          cfg,
		sender:       sender,
		recon:        recon,
		metrics:      m,
		logger:       logger,
		source:       source,
		state:        domain.HeartbeatRunning,
		runningTasks: runningTasks,
		stopCh:       make(chan struct{}),
	}
}

// OnDisconnect registers a callback fired the moment the Reporter
// transitions to DEGRADED.
func (r *Reporter) OnDisconnect(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// State returns the Reporter's current connection state.
func (r *Reporter) State() domain.HeartbeatState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run blocks sending heartbeats at the configured interval (longer
// while DEGRADED) until ctx is cancelled or Stop is called.
func (r *Reporter) Run(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
			next := r.tick(ctx)
			timer.Reset(next)
		}
	}
}

// Stop halts the reporting loop; safe to call once.
func (r *Reporter) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// tick sends one heartbeat and returns the delay before the next one.
func (r *Reporter) tick(ctx context.Context) time.Duration {
	payload := r.buildPayload()

	err := r.sender.SendHeartbeat(ctx, payload)
	if err == nil {
		return r.onSuccess()
	}
	return r.onFailure(ctx, err)
}

func (r *Reporter) buildPayload() domain.Heartbeat {
	var cpu, mem, disk float64
	if r.source != nil {
		cpu, mem, disk = r.source.Sample()
	}
	return domain.Heartbeat{
		WorkerID:      r.cfg.WorkerID,
		Status:        string(r.State()),
		CPUPercent:    cpu,
		MemPercent:    mem,
		DiskPercent:   disk,
		RunningTasks:  r.runningTasks(),
		MaxConcurrent: r.cfg.MaxConcurrent,
		Timestamp:     time.Now(),
		OSInfo:        map[string]string{"os": runtime.GOOS, "arch": runtime.GOARCH},
		Capabilities:  r.cfg.Capabilities,
	}
}

func (r *Reporter) onSuccess() time.Duration {
	r.mu.Lock()
	wasDegraded := r.state == domain.HeartbeatDegraded
	r.consecutiveFails = 0
	r.state = domain.HeartbeatRunning
	r.mu.Unlock()

	if wasDegraded {
		r.logger.Info("heartbeat recovered", "worker_id", r.cfg.WorkerID)
	}
	return r.cfg.Interval
}

func (r *Reporter) onFailure(ctx context.Context, err error) time.Duration {
	r.mu.Lock()
	r.consecutiveFails++
	fails := r.consecutiveFails
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordHeartbeatFailure(r.cfg.WorkerID)
	}
	r.logger.Warn("heartbeat failed", "worker_id", r.cfg.WorkerID, "consecutive_failures", fails, "error", err)

	if fails < r.cfg.MaxConsecutiveFailures {
		return r.cfg.MinInterval
	}

	r.enterDegraded(ctx)
	return r.cfg.DegradedInterval
}

func (r *Reporter) enterDegraded(ctx context.Context) {
	r.mu.Lock()
	wasDegraded := r.state == domain.HeartbeatDegraded
	r.state = domain.HeartbeatDegraded
	cb := r.onDisconnect
	r.mu.Unlock()

	if !wasDegraded {
		r.logger.Warn("heartbeat entering degraded mode", "worker_id", r.cfg.WorkerID)
		if cb != nil {
			cb()
		}
	}

	if r.recon == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconnectLoop(ctx)
	}()
}

// reconnectLoop retries Reconnect with exponential backoff (+ jitter)
// capped at ReconnectBackoffMax until it succeeds, ctx is cancelled, or
// Stop is called.
func (r *Reporter) reconnectLoop(ctx context.Context) {
	backoff := r.cfg.MinInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		if r.State() != domain.HeartbeatDegraded {
			return
		}

		if err := r.recon.Reconnect(ctx); err == nil {
			r.mu.Lock()
			r.state = domain.HeartbeatRunning
			r.consecutiveFails = 0
			r.mu.Unlock()
			r.logger.Info("heartbeat reconnect succeeded", "worker_id", r.cfg.WorkerID)
			return
		}

		backoff = jitter(backoff*2, r.cfg.ReconnectJitter)
		if backoff > r.cfg.ReconnectBackoffMax {
			backoff = r.cfg.ReconnectBackoffMax
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-time.After(backoff):
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + delta)
}
