package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func TestLoadScore_RejectsHighCPU(t *testing.T) {
	_, reject := LoadScore(ScoreInput{CPUPercent: 95})
	require.True(t, reject)
}

func TestLoadScore_RejectsHighMem(t *testing.T) {
	_, reject := LoadScore(ScoreInput{MemPercent: 91})
	require.True(t, reject)
}

func TestLoadScore_RejectsNearCapacity(t *testing.T) {
	_, reject := LoadScore(ScoreInput{RunningTasks: 8, MaxConcurrent: 10})
	require.True(t, reject)
}

func TestLoadScore_ComputesWeightedFormula(t *testing.T) {
	score, reject := LoadScore(ScoreInput{
		CPUPercent:    50,
		MemPercent:    40,
		RunningTasks:  2,
		QueuedTasks:   1,
		MaxConcurrent: 10,
		LatencyMs:     100,
		SuccessRate:   90,
	})
	require.False(t, reject)
	require.Greater(t, score, 0.0)
}

type fakeWorkerSource struct {
	workers []domain.WorkerInfo
}

func (f *fakeWorkerSource) OnlineWorkers(_ context.Context) ([]domain.WorkerInfo, error) {
	return f.workers, nil
}

type fakeArtifactSource struct{}

func (fakeArtifactSource) SyncArtifact(_ context.Context, projectID string) (ArtifactMeta, error) {
	return ArtifactMeta{FileHash: "h-" + projectID, DownloadURL: "https://artifacts/" + projectID, EntryPoint: "main.py"}, nil
}

type fakeQueue struct {
	enqueued map[string][]domain.Task
}

func (f *fakeQueue) Enqueue(_ context.Context, workerID string, task domain.Task) error {
	if f.enqueued == nil {
		f.enqueued = make(map[string][]domain.Task)
	}
	f.enqueued[workerID] = append(f.enqueued[workerID], task)
	return nil
}

func TestDispatcher_SelectWorkerPicksLowestScoreTieBreakByID(t *testing.T) {
	workers := &fakeWorkerSource{workers: []domain.WorkerInfo{
		{WorkerID: "w2", CPUPercent: 10, MemPercent: 10, MaxConcurrent: 10, SuccessRate: 100},
		{WorkerID: "w1", CPUPercent: 10, MemPercent: 10, MaxConcurrent: 10, SuccessRate: 100},
		{WorkerID: "w3", CPUPercent: 95, MemPercent: 10, MaxConcurrent: 10, SuccessRate: 100},
	}}
	d := New(workers, fakeArtifactSource{}, &fakeQueue{}, nil, nil)

	worker, err := d.SelectWorker(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "w1", worker.WorkerID, "equal scores must tie-break by worker_id")
}

func TestDispatcher_SelectWorkerFiltersByCapability(t *testing.T) {
	workers := &fakeWorkerSource{workers: []domain.WorkerInfo{
		{WorkerID: "w1", MaxConcurrent: 10, Capabilities: map[string]domain.Capability{}},
		{WorkerID: "w2", MaxConcurrent: 10, Capabilities: map[string]domain.Capability{"headless_browser": {Enabled: true}}},
	}}
	d := New(workers, fakeArtifactSource{}, &fakeQueue{}, nil, nil)

	worker, err := d.SelectWorker(context.Background(), "headless_browser")
	require.NoError(t, err)
	require.Equal(t, "w2", worker.WorkerID)
}

func TestDispatcher_SelectWorkerReturnsErrWhenNoneEligible(t *testing.T) {
	workers := &fakeWorkerSource{workers: []domain.WorkerInfo{
		{WorkerID: "w1", CPUPercent: 99, MaxConcurrent: 10},
	}}
	d := New(workers, fakeArtifactSource{}, &fakeQueue{}, nil, nil)

	_, err := d.SelectWorker(context.Background(), "")
	require.ErrorIs(t, err, ErrNoEligibleWorker)
}

func TestDispatcher_DispatchBatchGroupsByProjectAndMergesArtifact(t *testing.T) {
	workers := &fakeWorkerSource{workers: []domain.WorkerInfo{
		{WorkerID: "w1", MaxConcurrent: 10, SuccessRate: 100},
	}}
	queue := &fakeQueue{}
	d := New(workers, fakeArtifactSource{}, queue, nil, nil)

	tasks := []domain.Task{
		{ProjectID: "p1", Priority: 1},
		{ProjectID: "p1", Priority: 2},
		{ProjectID: "p2", Priority: 1},
	}
	require.NoError(t, d.DispatchBatch(context.Background(), tasks, ""))

	require.Len(t, queue.enqueued["w1"], 3)
	for _, task := range queue.enqueued["w1"] {
		require.NotEmpty(t, task.TaskID)
		require.NotEmpty(t, task.RunID)
		if task.ProjectID == "p1" {
			require.Equal(t, "h-p1", task.FileHash)
		} else {
			require.Equal(t, "h-p2", task.FileHash)
		}
	}
}

func TestMemoryQueueBackend_EnqueueAndDequeue(t *testing.T) {
	q := NewMemoryQueueBackend(10, nil)
	task := domain.Task{RunID: "r1", Priority: 1}
	require.NoError(t, q.Enqueue(context.Background(), "w1", task))

	got, ok, err := q.Dequeue(context.Background(), "w1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", got.RunID)
}
