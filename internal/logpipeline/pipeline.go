package logpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"antcode/internal/domain"
	"antcode/pkg/metrics"
)

// BackpressureState is the log pipeline's queue-depth classification
// (spec.md §4.3).
type BackpressureState int

const (
	BackpressureNormal BackpressureState = iota
	BackpressureWarning
	BackpressureCritical
	BackpressureBlocked
)

func (s BackpressureState) String() string {
	switch s {
	case BackpressureNormal:
		return "NORMAL"
	case BackpressureWarning:
		return "WARNING"
	case BackpressureCritical:
		return "CRITICAL"
	case BackpressureBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Sender delivers a batch of log entries to the transport. A nil error
// means every entry in the batch is now durably stored downstream.
type Sender interface {
	SendBatch(ctx context.Context, entries []domain.LogEntry) error
}

// Config configures one run's Pipeline.
type Config struct {
	WALDir            string
	SpoolDir          string
	BatchSize         int
	FlushInterval     time.Duration
	MaxQueueSize      int
	WarningThreshold  float64
	CriticalThreshold float64
	DropOnCritical    bool
}

// Pipeline is the per-run log pipeline: WAL append, in-memory ring,
// batch sender and backpressure state machine (spec.md §4.3).
type Pipeline struct {
	runID  string
	stream domain.LogStream
	cfg    Config
	wal    *WAL
	spool  *Spool
	sender Sender
	logger *slog.Logger
	metr   *metrics.Metrics

	ring chan domain.LogEntry

	mu            sync.Mutex
	state         BackpressureState
	onStateChange func(BackpressureState)
	totalDropped  atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New opens a Pipeline for one (run_id, stream) pair.
func New(cfg Config, runID string, stream domain.LogStream, sender Sender, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	wal, err := OpenWAL(cfg.WALDir, runID, stream)
	if err != nil {
		return nil, err
	}

	spool, err := OpenSpool(cfg.SpoolDir, runID, stream)
	if err != nil {
		_ = wal.Close()
		return nil, err
	}

	queueSize := cfg.MaxQueueSize
	if queueSize <= 0 {
		queueSize = 10000
	}

	p := &Pipeline{
		runID:  runID,
		stream: stream,
		cfg:    cfg,
		wal:    wal,
		spool:  spool,
		sender: sender,
		logger: logger,
		metr:   m,
		ring:   make(chan domain.LogEntry, queueSize),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.senderLoop()

	return p, nil
}

// OnBackpressureChange registers a listener invoked whenever the
// backpressure state transitions (spec.md §4.3).
func (p *Pipeline) OnBackpressureChange(fn func(BackpressureState)) {
	p.mu.Lock()
	p.onStateChange = fn
	p.mu.Unlock()
}

// Emit implements executor.LogSink: it appends entry to the WAL, buffers
// it in the durable spool, then attempts to enqueue it onto the ring for
// the batch sender, applying backpressure policy.
func (p *Pipeline) Emit(entry domain.LogEntry) error {
	if err := p.wal.Append(walRecord{Seq: entry.Seq, Timestamp: entry.Timestamp.UnixMilli(), Content: entry.Content, Level: entry.Level}); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	if err := p.spool.Write(entry); err != nil {
		return fmt.Errorf("spool write: %w", err)
	}

	state := p.updateBackpressure()

	switch state {
	case BackpressureBlocked:
		if p.cfg.DropOnCritical {
			p.totalDropped.Add(1)
			if p.metr != nil {
				p.metr.RecordDeadLetter(p.runID)
			}
			return nil
		}
		select {
		case p.ring <- entry:
		case <-p.stopCh:
		}
	case BackpressureCritical:
		if p.cfg.DropOnCritical {
			p.totalDropped.Add(1)
			return nil
		}
		p.ring <- entry
	default:
		p.ring <- entry
	}

	return nil
}

// updateBackpressure recomputes the current state from ring occupancy
// and fires the listener on transition.
func (p *Pipeline) updateBackpressure() BackpressureState {
	depth := float64(len(p.ring))
	capacity := float64(cap(p.ring))

	var next BackpressureState
	switch {
	case capacity > 0 && depth >= capacity:
		next = BackpressureBlocked
	case depth/capacity >= p.cfg.CriticalThreshold:
		next = BackpressureCritical
	case depth/capacity >= p.cfg.WarningThreshold:
		next = BackpressureWarning
	default:
		next = BackpressureNormal
	}

	p.mu.Lock()
	changed := next != p.state
	p.state = next
	listener := p.onStateChange
	p.mu.Unlock()

	if p.metr != nil {
		p.metr.SetBackpressureState(p.runID, int(next))
	}

	if changed {
		p.logger.Info("backpressure state changed", "run_id", p.runID, "stream", p.stream, "state", next.String())
		if listener != nil {
			listener(next)
		}
	}

	return next
}

// State returns the current backpressure classification.
func (p *Pipeline) State() BackpressureState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// TotalDropped returns the number of entries dropped under CRITICAL
// backpressure with drop_on_critical enabled.
func (p *Pipeline) TotalDropped() int64 {
	return p.totalDropped.Load()
}

// RecoverFromSpool re-emits every unacked entry in (acked_seq, last_seq]
// onto the ring, used after a transport reconnect (spec.md §4.3).
// Downstream dedup is by (run_id, seq).
func (p *Pipeline) RecoverFromSpool() error {
	entries, err := p.spool.IterUnacked()
	if err != nil {
		return err
	}
	for _, e := range entries {
		p.ring <- e
	}
	return nil
}

func (p *Pipeline) senderLoop() {
	defer p.wg.Done()

	batchSize := p.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := p.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []domain.LogEntry

	flush := func() {
		if len(batch) == 0 || p.sender == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := p.sender.SendBatch(ctx, batch)
		cancel()
		if err != nil {
			p.logger.Warn("batch send failed; entries remain in spool for retry", "run_id", p.runID, "error", err)
			return
		}
		last := batch[len(batch)-1].Seq
		if aerr := p.spool.AdvanceAcked(last); aerr != nil {
			p.logger.Warn("failed to advance spool cursor", "run_id", p.runID, "error", aerr)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-p.stopCh:
			flush()
			return
		case entry := <-p.ring:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops the sender loop, closes the WAL and spool, and purges the
// WAL if every entry has been acked.
func (p *Pipeline) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	lastSeq, _ := p.spool.LastSeq()
	ackedSeq, _ := p.spool.AckedSeq()

	if err := p.spool.Close(); err != nil {
		return err
	}

	if lastSeq > 0 && lastSeq == ackedSeq {
		return p.wal.Purge()
	}
	return p.wal.Close()
}
