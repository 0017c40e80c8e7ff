// Package batch implements the Crawl Batch Lifecycle: the
// start/pause/resume/cancel/complete operations over domain.CrawlBatch,
// checkpointed through internal/checkpoint and fed by
// internal/queue (spec.md §4.9).
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"antcode/internal/checkpoint"
	"antcode/internal/domain"
	"antcode/internal/queue"
	"antcode/internal/report"
	"antcode/pkg/apperror"
	"antcode/pkg/telemetry"
)

// QueueEnsurer is the slice of internal/queue.Queue the lifecycle needs
// to seed a project's crawl queue.
type QueueEnsurer interface {
	EnqueueBatch(ctx context.Context, projectID string, tasks []domain.CrawlTask, skipDedup bool) (queue.EnqueueResult, error)
}

// Checkpointer is the slice of internal/checkpoint.Store the lifecycle
// needs.
type Checkpointer interface {
	Save(ctx context.Context, batchID string, status domain.BatchStatus, progress checkpoint.Progress) error
	Load(ctx context.Context, batchID string) (domain.BatchStatus, checkpoint.Progress, error)
	Delete(ctx context.Context, batchID string) error
}

// Reporter is the slice of internal/report.Generator the lifecycle
// uses to emit a PDF/XLSX summary when a batch completes. A nil
// Reporter (the zero value passed to New) disables report generation
// entirely, same as report.Generator's own Enabled flag.
type Reporter interface {
	Write(summary report.Summary) ([]string, error)
}

// Manager orchestrates CrawlBatch state transitions.
type Manager struct {
	queue        QueueEnsurer
	checkpoints  Checkpointer
	reporter     Reporter
	logger       *slog.Logger

	mu      sync.Mutex
	batches map[string]*domain.CrawlBatch
}

// New builds a Manager. reporter may be nil to disable report
// generation on batch completion.
func New(q QueueEnsurer, checkpoints Checkpointer, reporter Reporter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{queue: q, checkpoints: checkpoints, reporter: reporter, logger: logger, batches: make(map[string]*domain.CrawlBatch)}
}

// Register adds a freshly created PENDING batch to the manager.
func (m *Manager) Register(b *domain.CrawlBatch) {
	b.ClampTestLimits()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.BatchID] = b
}

func (m *Manager) get(batchID string) (*domain.CrawlBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, apperror.NewWithField(apperror.CodeNotFound, "batch not found", batchID)
	}
	return b, nil
}

func (m *Manager) transition(ctx context.Context, b *domain.CrawlBatch, to domain.BatchStatus) error {
	if !domain.CanTransitionBatch(b.Status, to) {
		err := apperror.New(apperror.CodeInvalidStateTransition,
			fmt.Sprintf("illegal batch transition %s -> %s", b.Status, to))
		telemetry.SetError(ctx, err)
		return err
	}
	b.Status = to
	telemetry.SetAttributes(ctx, telemetry.BatchAttributes(b.BatchID, string(to), b.TotalTasks)...)
	return nil
}

func (m *Manager) progress(b *domain.CrawlBatch) checkpoint.Progress {
	return checkpoint.Progress{
		TotalTasks:     b.TotalTasks,
		EnqueuedTasks:  b.EnqueuedTasks,
		CompletedTasks: b.CompletedTasks,
		FailedTasks:    b.FailedTasks,
	}
}

// StartBatch transitions PENDING→RUNNING, seeds the project queue with
// the batch's seed URLs at skip_dedup=true, and initializes progress
// counters (spec.md §4.9 start_batch).
func (m *Manager) StartBatch(ctx context.Context, batchID string) error {
	ctx, span := telemetry.StartSpan(ctx, "batch.StartBatch")
	defer span.End()

	b, err := m.get(batchID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, b, domain.BatchRunning); err != nil {
		return err
	}

	b.TotalTasks = len(b.SeedURLs)
	tasks := make([]domain.CrawlTask, len(b.SeedURLs))
	for i, url := range b.SeedURLs {
		tasks[i] = domain.CrawlTask{
			TaskID:   fmt.Sprintf("%s-seed-%d", b.BatchID, i),
			ProjectID: b.ProjectID,
			URL:      url,
			Priority: domain.PriorityNormal,
			Status:   domain.CrawlPending,
		}
	}

	result, err := m.queue.EnqueueBatch(ctx, b.ProjectID, tasks, true)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, fmt.Sprintf("enqueue seeds for batch %s", batchID))
	}
	b.EnqueuedTasks = result.Enqueued

	m.logger.Info("batch started", "batch_id", batchID, "project_id", b.ProjectID, "seeds", len(b.SeedURLs))
	return nil
}

// PauseBatch transitions RUNNING→PAUSED and saves a progress
// checkpoint; in-flight tasks are left to finish (spec.md §4.9
// pause_batch).
func (m *Manager) PauseBatch(ctx context.Context, batchID string) error {
	ctx, span := telemetry.StartSpan(ctx, "batch.PauseBatch")
	defer span.End()

	b, err := m.get(batchID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, b, domain.BatchPaused); err != nil {
		return err
	}
	if err := m.checkpoints.Save(ctx, batchID, b.Status, m.progress(b)); err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "save checkpoint on pause")
	}
	m.logger.Info("batch paused", "batch_id", batchID)
	return nil
}

// ResumeBatch transitions PAUSED→RUNNING and restores the last
// checkpoint's progress counters (spec.md §4.9 resume_batch).
func (m *Manager) ResumeBatch(ctx context.Context, batchID string) error {
	ctx, span := telemetry.StartSpan(ctx, "batch.ResumeBatch")
	defer span.End()

	b, err := m.get(batchID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, b, domain.BatchRunning); err != nil {
		return err
	}

	_, progress, err := m.checkpoints.Load(ctx, batchID)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "restore checkpoint on resume")
	}
	b.TotalTasks = progress.TotalTasks
	b.EnqueuedTasks = progress.EnqueuedTasks
	b.CompletedTasks = progress.CompletedTasks
	b.FailedTasks = progress.FailedTasks

	m.logger.Info("batch resumed", "batch_id", batchID)
	return nil
}

// CancelBatch transitions any non-terminal batch to CANCELLED and, when
// purge is set, drops its checkpoint (spec.md §4.9 cancel_batch,
// "optionally purge project queues, progress, dedup filter" — the
// project-queue/dedup-filter purge is internal/queue's responsibility,
// invoked by the caller alongside this).
func (m *Manager) CancelBatch(ctx context.Context, batchID string, purge bool) error {
	ctx, span := telemetry.StartSpan(ctx, "batch.CancelBatch")
	defer span.End()

	b, err := m.get(batchID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, b, domain.BatchCancelled); err != nil {
		return err
	}
	if purge {
		if err := m.checkpoints.Delete(ctx, batchID); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "purge checkpoint on cancel")
		}
	}
	m.logger.Info("batch cancelled", "batch_id", batchID, "purged", purge)
	return nil
}

// CompleteBatch transitions RUNNING→COMPLETED and saves the final
// checkpoint (spec.md §4.9 complete_batch). A test batch is then
// auto-cleaned up here: it is dropped from the manager and its
// checkpoint is deleted.
func (m *Manager) CompleteBatch(ctx context.Context, batchID string) error {
	ctx, span := telemetry.StartSpan(ctx, "batch.CompleteBatch")
	defer span.End()

	b, err := m.get(batchID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, b, domain.BatchCompleted); err != nil {
		return err
	}
	if err := m.checkpoints.Save(ctx, batchID, b.Status, m.progress(b)); err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "save final checkpoint")
	}
	m.logger.Info("batch completed", "batch_id", batchID)

	if m.reporter != nil {
		paths, err := m.reporter.Write(report.Summary{
			Batch:       *b,
			GeneratedAt: time.Now(),
		})
		if err != nil {
			m.logger.Error("batch report generation failed", "batch_id", batchID, "error", err)
		} else if len(paths) > 0 {
			m.logger.Info("batch report written", "batch_id", batchID, "paths", paths)
		}
	}

	if b.IsTest {
		m.mu.Lock()
		delete(m.batches, batchID)
		m.mu.Unlock()
		if err := m.checkpoints.Delete(ctx, batchID); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, fmt.Sprintf("auto-cleanup test batch %s", batchID))
		}
		m.logger.Info("test batch auto-cleaned up", "batch_id", batchID)
	}
	return nil
}

// Get returns a copy of the current state of batchID.
func (m *Manager) Get(batchID string) (domain.CrawlBatch, error) {
	b, err := m.get(batchID)
	if err != nil {
		return domain.CrawlBatch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return *b, nil
}
