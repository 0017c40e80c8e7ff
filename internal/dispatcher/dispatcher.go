// Package dispatcher implements the Master Dispatcher: worker selection
// by load score, project-grouped batch dispatch with artifact sync, and
// a pluggable queue backend (spec.md §4.8).
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"antcode/internal/domain"
	"antcode/pkg/metrics"
)

// ArtifactMeta is the project artifact metadata synced to a Worker
// before its tasks are enqueued (spec.md §4.8).
type ArtifactMeta struct {
	FileHash     string
	DownloadURL  string
	EntryPoint   string
	IsCompressed bool
}

// ArtifactSource resolves a project's current artifact metadata, e.g.
// via the one HTTP call spec.md §4.8 describes.
type ArtifactSource interface {
	SyncArtifact(ctx context.Context, projectID string) (ArtifactMeta, error)
}

// WorkerSource supplies the pool of candidate workers; internal/registry
// implements it in production.
type WorkerSource interface {
	OnlineWorkers(ctx context.Context) ([]domain.WorkerInfo, error)
}

// QueueBackend is the pluggable dispatch sink: "memory" wraps
// internal/scheduler's local priority queue, "redis" wraps
// internal/transport/direct's ready streams so multiple Master
// instances coordinate (spec.md §4.8).
type QueueBackend interface {
	Enqueue(ctx context.Context, workerID string, task domain.Task) error
}

// Dispatcher selects workers and dispatches tasks onto a QueueBackend.
type Dispatcher struct {
	workers   WorkerSource
	artifacts ArtifactSource
	queue     QueueBackend
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds a Dispatcher.
func New(workers WorkerSource, artifacts ArtifactSource, queue QueueBackend, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{workers: workers, artifacts: artifacts, queue: queue, metrics: m, logger: logger}
}

// ErrNoEligibleWorker is returned when every candidate fails the hard
// rejection thresholds or none advertise the required capability.
var ErrNoEligibleWorker = fmt.Errorf("dispatcher: no eligible worker")

// SelectWorker picks the minimum-load-score online worker that
// advertises requiredCapability (when non-empty), tie-breaking by
// worker_id (spec.md §4.8).
func (d *Dispatcher) SelectWorker(ctx context.Context, requiredCapability string) (domain.WorkerInfo, error) {
	candidates, err := d.workers.OnlineWorkers(ctx)
	if err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("list online workers: %w", err)
	}

	type scored struct {
		worker domain.WorkerInfo
		score  float64
	}
	var eligible []scored

	for _, w := range candidates {
		if requiredCapability != "" {
			cap, ok := w.Capabilities[requiredCapability]
			if !ok || !cap.Enabled {
				continue
			}
		}

		score, reject := LoadScore(ScoreInput{
			CPUPercent:    w.CPUPercent,
			MemPercent:    w.MemPercent,
			RunningTasks:  w.RunningTasks,
			QueuedTasks:   w.QueuedTasks,
			MaxConcurrent: w.MaxConcurrent,
			LatencyMs:     w.LatencyMs,
			SuccessRate:   w.SuccessRate,
		})
		if reject {
			continue
		}

		if d.metrics != nil {
			d.metrics.SetWorkerLoadScore(w.WorkerID, score)
		}
		eligible = append(eligible, scored{worker: w, score: score})
	}

	if len(eligible) == 0 {
		return domain.WorkerInfo{}, ErrNoEligibleWorker
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score < eligible[j].score
		}
		return eligible[i].worker.WorkerID < eligible[j].worker.WorkerID
	})

	return eligible[0].worker, nil
}

// DispatchBatch groups tasks by ProjectID, syncs each project's
// artifact metadata once, selects a worker for each task, merges the
// artifact fields in, and enqueues onto the QueueBackend (spec.md
// §4.8's "batch dispatch").
func (d *Dispatcher) DispatchBatch(ctx context.Context, tasks []domain.Task, requiredCapability string) error {
	byProject := make(map[string][]int)
	for i, t := range tasks {
		byProject[t.ProjectID] = append(byProject[t.ProjectID], i)
	}

	for projectID, idxs := range byProject {
		artifact, err := d.artifacts.SyncArtifact(ctx, projectID)
		if err != nil {
			return fmt.Errorf("sync artifact for project %s: %w", projectID, err)
		}

		for _, i := range idxs {
			t := tasks[i]
			if t.TaskID == "" {
				t.TaskID = uuid.NewString()
			}
			if t.RunID == "" {
				t.RunID = uuid.NewString()
			}
			t.FileHash = artifact.FileHash
			t.DownloadURL = artifact.DownloadURL
			t.EntryPoint = artifact.EntryPoint
			t.IsCompressed = artifact.IsCompressed

			worker, err := d.SelectWorker(ctx, requiredCapability)
			if err != nil {
				return fmt.Errorf("select worker for task %s: %w", t.TaskID, err)
			}

			if err := d.queue.Enqueue(ctx, worker.WorkerID, t); err != nil {
				return fmt.Errorf("enqueue task %s to worker %s: %w", t.TaskID, worker.WorkerID, err)
			}

			if d.metrics != nil {
				d.metrics.RecordDispatch(projectID)
			}
			d.logger.Info("dispatched task", "task_id", t.TaskID, "run_id", t.RunID, "worker_id", worker.WorkerID, "project_id", projectID)
		}
	}

	return nil
}
