// Package wiring assembles the Worker and Master dependency containers
// at process startup: the single place both binaries build their
// concrete subsystems and bind them to each other, recovering from any
// panic in a spawned goroutine the way the teacher's RecoveryInterceptor
// recovers from a panicking RPC handler (spec.md §9 "single dependency
// container assembled at startup").
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"antcode/internal/dispatcher"
	"antcode/internal/domain"
	"antcode/internal/registry"
	"antcode/internal/transport/gateway"
	"antcode/pkg/config"
	"antcode/pkg/metrics"
)

// MasterService adapts internal/registry and internal/dispatcher into
// the gateway.Backend contract, so the Gateway transport's gRPC surface
// can serve Workers without either domain package knowing about gRPC
// (spec.md §4.6, §4.8, §4.11).
//
// PollTask is backed by an in-memory MemoryQueueBackend (AckControl
// works on the per-worker control queue instead):
// Gateway-mode deployments run a single Master process, so the memory
// backend's per-worker scheduler is sufficient; multi-Master
// deployments use the Direct transport with the Redis queue backend
// instead (spec.md §4.8's "pluggable queue backend").
type MasterService struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	queue      *dispatcher.MemoryQueueBackend
	logger     *slog.Logger

	mu      sync.Mutex
	control map[string][]*controlEnvelope
}

// controlEnvelope pairs a pending control message with the receipt
// handed back to the Worker that polls it.
type controlEnvelope struct {
	msgType string
	runID   string
	payload map[string]any
	receipt string
}

// NewMasterService builds a MasterService around an already-started
// Registry and Dispatcher.
func NewMasterService(reg *registry.Registry, disp *dispatcher.Dispatcher, queue *dispatcher.MemoryQueueBackend, logger *slog.Logger) *MasterService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MasterService{registry: reg, dispatcher: disp, queue: queue, logger: logger, control: make(map[string][]*controlEnvelope)}
}

// Register implements gateway.Backend.
func (s *MasterService) Register(ctx context.Context, info domain.WorkerInfo) (bool, string, error) {
	if err := s.registry.RegisterWorker(ctx, info); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// PollTask implements gateway.Backend, dequeuing from the in-process
// scheduler the Dispatcher's MemoryQueueBackend maintains for workerID.
func (s *MasterService) PollTask(ctx context.Context, workerID string) (*domain.Task, string, error) {
	task, ok, err := s.queue.Dequeue(ctx, workerID, 20*time.Second)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", nil
	}
	return &task, task.Receipt, nil
}

// AckTask implements gateway.Backend. The MemoryQueueBackend doesn't
// track outstanding receipts (no XACK-style redelivery queue for the
// in-process scheduler), so a rejected task is simply dropped; callers
// needing redelivery should run the "redis" queue backend instead.
func (s *MasterService) AckTask(ctx context.Context, receipt string, accepted bool) error {
	if !accepted {
		s.logger.Warn("task rejected by worker", "receipt", receipt)
	}
	return nil
}

// ReportResult implements gateway.Backend.
func (s *MasterService) ReportResult(ctx context.Context, result domain.TaskResult) error {
	s.logger.Info("task result received", "run_id", result.RunID, "status", result.Status)
	return nil
}

// SendLogBatch implements gateway.Backend.
func (s *MasterService) SendLogBatch(ctx context.Context, entries []domain.LogEntry) (int, error) {
	return len(entries), nil
}

// SendHeartbeat implements gateway.Backend.
func (s *MasterService) SendHeartbeat(ctx context.Context, hb domain.Heartbeat) (domain.HeartbeatState, error) {
	return s.registry.Heartbeat(ctx, hb)
}

// PollControl implements gateway.Backend, delivering the oldest pending
// control message queued for workerID via PushControl.
func (s *MasterService) PollControl(ctx context.Context, workerID string) (*gateway.PollControlResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.control[workerID]
	if len(pending) == 0 {
		return nil, nil
	}
	msg := pending[0]
	s.control[workerID] = pending[1:]

	return &gateway.PollControlResponse{
		Type:    msg.msgType,
		RunID:   msg.runID,
		Payload: msg.payload,
		Receipt: msg.receipt,
	}, nil
}

// AckControl implements gateway.Backend. Messages are removed from the
// queue on poll, so acking is a no-op beyond bookkeeping.
func (s *MasterService) AckControl(ctx context.Context, receipt string) error {
	return nil
}

// PushControl queues a control message (e.g. a cancel) for workerID,
// to be picked up by its next PollControl.
func (s *MasterService) PushControl(workerID, msgType, runID string, payload map[string]any, receipt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control[workerID] = append(s.control[workerID], &controlEnvelope{msgType: msgType, runID: runID, payload: payload, receipt: receipt})
}

var _ gateway.Backend = (*MasterService)(nil)

// MasterContainer is the Master binary's single dependency container,
// assembled once at startup (spec.md §9).
type MasterContainer struct {
	Config     *config.Config
	Metrics    *metrics.Metrics
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Queue      *dispatcher.MemoryQueueBackend
	Service    *MasterService
	Gateway    *gateway.Server
	Logger     *slog.Logger
}

// NewMasterContainer wires the Registry, Dispatcher, MasterService and
// Gateway server from cfg. artifacts may be nil in deployments that
// never call DispatchBatch directly (pure Gateway-RPC relay).
func NewMasterContainer(ctx context.Context, cfg *config.Config, artifacts dispatcher.ArtifactSource, m *metrics.Metrics, logger *slog.Logger) (*MasterContainer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := registry.New(ctx, cfg.Transport.Direct.RedisURL, registry.Config{
		Namespace:        cfg.Transport.Namespace,
		HeartbeatTTL:     cfg.Registry.HeartbeatTTL,
		OfflineThreshold: cfg.Registry.OfflineThreshold,
		MaxOfflineTime:   cfg.Registry.MaxOfflineTime,
	}, m, logger)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	if err := reg.Start(); err != nil {
		return nil, fmt.Errorf("start registry sweeper: %w", err)
	}

	queue := dispatcher.NewMemoryQueueBackend(1000, logger)

	disp := dispatcher.New(reg, artifacts, queue, m, logger)

	svc := NewMasterService(reg, disp, queue, logger)

	gw, err := gateway.NewServer(gateway.ServerConfig{
		Addr: fmt.Sprintf(":%d", cfg.GRPC.Port),
		Auth: gateway.AuthConfig{APIKey: cfg.Transport.GatewayAPIKey},
	}, svc, logger)
	if err != nil {
		return nil, fmt.Errorf("build gateway server: %w", err)
	}

	return &MasterContainer{
		Config:     cfg,
		Metrics:    m,
		Registry:   reg,
		Dispatcher: disp,
		Queue:      queue,
		Service:    svc,
		Gateway:    gw,
		Logger:     logger,
	}, nil
}

// Shutdown stops the Registry sweeper and Gateway listener.
func (c *MasterContainer) Shutdown() error {
	var errs []error
	if c.Gateway != nil {
		c.Gateway.Stop()
	}
	if c.Registry != nil {
		if err := c.Registry.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
