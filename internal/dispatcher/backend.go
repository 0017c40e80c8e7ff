package dispatcher

import (
	"context"
	"fmt"

	"antcode/internal/domain"
	"antcode/internal/transport/gateway"
)

// Registry is the slice of the Worker Registry the Gateway-facing
// Backend needs; internal/registry implements it.
type Registry interface {
	RegisterWorker(ctx context.Context, info domain.WorkerInfo) error
	Heartbeat(ctx context.Context, hb domain.Heartbeat) (domain.HeartbeatState, error)
}

// LogSink is the slice of internal/logpipeline the Backend forwards
// SendLogBatch entries to.
type LogSink interface {
	Emit(entry domain.LogEntry) error
}

// ResultSink receives terminal task outcomes, e.g. for checkpointing
// batch progress.
type ResultSink interface {
	ReportResult(ctx context.Context, result domain.TaskResult) error
}

// Backend adapts a Dispatcher plus a Registry, a per-worker dequeue
// source, and a log/result sink into the gateway.Backend interface, so
// the Gateway's gRPC surface and the Direct transport share one
// dispatch core instead of duplicating Master-side logic per transport
// (spec.md §9 "two transports, one contract").
type Backend struct {
	dispatcher *Dispatcher
	registry   Registry
	dequeue    func(ctx context.Context, workerID string) (domain.Task, string, bool, error)
	logs       LogSink
	results    ResultSink
}

// NewBackend builds a Backend. dequeue pulls the next ready task for a
// worker and returns (task, receipt, found, err); callers typically
// close over a MemoryQueueBackend.Dequeue with a fixed poll timeout.
func NewBackend(d *Dispatcher, registry Registry, dequeue func(ctx context.Context, workerID string) (domain.Task, string, bool, error), logs LogSink, results ResultSink) *Backend {
	return &Backend{dispatcher: d, registry: registry, dequeue: dequeue, logs: logs, results: results}
}

// Register implements gateway.Backend.
func (b *Backend) Register(ctx context.Context, info domain.WorkerInfo) (bool, string, error) {
	if err := b.registry.RegisterWorker(ctx, info); err != nil {
		return false, err.Error(), nil
	}
	return true, "", nil
}

// PollTask implements gateway.Backend.
func (b *Backend) PollTask(ctx context.Context, workerID string) (*domain.Task, string, error) {
	task, receipt, found, err := b.dequeue(ctx, workerID)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", nil
	}
	return &task, receipt, nil
}

// AckTask implements gateway.Backend. The in-memory queue backend has
// no pending-entries list to ack against (unlike Redis Streams), so
// acceptance is a no-op other than bookkeeping a rejected task would
// trigger upstream; acceptance itself was already final at dequeue.
func (b *Backend) AckTask(_ context.Context, _ string, _ bool) error {
	return nil
}

// ReportResult implements gateway.Backend.
func (b *Backend) ReportResult(ctx context.Context, result domain.TaskResult) error {
	if b.results == nil {
		return nil
	}
	return b.results.ReportResult(ctx, result)
}

// SendLogBatch implements gateway.Backend.
func (b *Backend) SendLogBatch(_ context.Context, entries []domain.LogEntry) (int, error) {
	if b.logs == nil {
		return len(entries), nil
	}
	accepted := 0
	for _, e := range entries {
		if err := b.logs.Emit(e); err != nil {
			return accepted, fmt.Errorf("emit log entry seq=%d: %w", e.Seq, err)
		}
		accepted++
	}
	return accepted, nil
}

// SendHeartbeat implements gateway.Backend.
func (b *Backend) SendHeartbeat(ctx context.Context, hb domain.Heartbeat) (domain.HeartbeatState, error) {
	return b.registry.Heartbeat(ctx, hb)
}

// PollControl implements gateway.Backend. The Master-initiated control
// plane (cancel/config-update/runtime-control) is pushed over the bidi
// WorkerStream in this module's deployments; PollControl exists for
// Workers that only dial the unary surface and always finds nothing
// pending.
func (b *Backend) PollControl(_ context.Context, _ string) (*gateway.PollControlResponse, error) {
	return &gateway.PollControlResponse{}, nil
}

// AckControl implements gateway.Backend.
func (b *Backend) AckControl(_ context.Context, _ string) error {
	return nil
}

var _ gateway.Backend = (*Backend)(nil)
