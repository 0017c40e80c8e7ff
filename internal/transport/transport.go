// Package transport defines the single contract both the Direct
// (Redis Streams) and Gateway (gRPC) transports implement, so the
// Worker's engine loop is wire-mechanism agnostic (spec.md §4.5, §4.6,
// §9 "two transports, one contract").
package transport

import (
	"context"

	"antcode/internal/domain"
)

// PolledTask is one task delivered by PollTask, carrying whatever
// opaque receipt the transport needs to Ack it later.
type PolledTask struct {
	Task    domain.Task
	Receipt string
}

// Transport is the contract a Worker uses to exchange tasks, results,
// logs, heartbeats and control messages with the Master, regardless of
// whether the underlying mechanism is Redis Streams or gRPC.
type Transport interface {
	// Register announces the Worker to the Master/registry.
	Register(ctx context.Context, info domain.WorkerInfo) error

	// PollTask waits up to timeout for one ready task.
	PollTask(ctx context.Context, workerID string) (*PolledTask, error)

	// AckTask finalizes delivery of a polled task. accepted=false
	// requeues the original payload before acking the receipt
	// (spec.md §4.4 "acceptance contract").
	AckTask(ctx context.Context, receipt string, accepted bool) error

	// ReportResult delivers the terminal outcome of one run.
	ReportResult(ctx context.Context, result domain.TaskResult) error

	// SendLogBatch delivers a batch of log entries for one run.
	SendLogBatch(ctx context.Context, entries []domain.LogEntry) error

	// SendHeartbeat reports the Worker's current liveness snapshot.
	SendHeartbeat(ctx context.Context, hb domain.Heartbeat) error

	// PollControl waits up to timeout for one control message.
	PollControl(ctx context.Context, workerID string) (*ControlMessage, error)

	// AckControl acknowledges a delivered control message.
	AckControl(ctx context.Context, receipt string) error

	// Close releases the transport's underlying connection(s).
	Close() error
}

// ControlMessageType enumerates the control-plane message kinds a
// Worker may receive out of band from task delivery.
type ControlMessageType string

const (
	ControlCancel       ControlMessageType = "cancel"
	ControlConfigUpdate ControlMessageType = "config_update"
	ControlRuntime      ControlMessageType = "runtime_control"
)

// ControlMessage is one out-of-band instruction to a running Worker.
type ControlMessage struct {
	Type    ControlMessageType
	RunID   string
	Payload map[string]any
	Receipt string
}
