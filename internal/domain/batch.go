package domain

import "time"

// BatchStatus is the Crawl Batch Lifecycle FSM (spec.md §4.9).
type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchRunning   BatchStatus = "RUNNING"
	BatchPaused    BatchStatus = "PAUSED"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
	BatchCancelled BatchStatus = "CANCELLED"
)

var batchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchPending: {BatchRunning: true, BatchCancelled: true},
	BatchRunning: {BatchPaused: true, BatchCompleted: true, BatchFailed: true, BatchCancelled: true},
	BatchPaused:  {BatchRunning: true, BatchCancelled: true},
}

// CanTransitionBatch reports whether from->to is a legal BatchStatus edge.
func CanTransitionBatch(from, to BatchStatus) bool {
	return batchTransitions[from][to]
}

// IsTerminal reports whether s is an absorbing BatchStatus.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// BatchConfig bounds a batch's crawl parameters; test batches cap these
// (spec.md §4.9).
type BatchConfig struct {
	MaxDepth       int
	MaxPages       int
	MaxConcurrency int
	RequestDelay   time.Duration
	Timeout        time.Duration
	MaxRetries     int
}

// Test batch caps, enforced by (*CrawlBatch).ClampTestLimits.
const (
	TestMaxDepth       = 3
	TestMaxPages       = 100
	TestMaxConcurrency = 10
	TestMaxTimeout     = 300 * time.Second
)

// CrawlBatch is one Master-orchestrated crawl job.
type CrawlBatch struct {
	BatchID     string
	ProjectID   string
	Status      BatchStatus
	SeedURLs    []string
	Config      BatchConfig
	IsTest      bool
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	TotalTasks     int
	EnqueuedTasks  int
	CompletedTasks int
	FailedTasks    int
}

// ClampTestLimits caps crawl parameters for is_test=true batches.
func (b *CrawlBatch) ClampTestLimits() {
	if !b.IsTest {
		return
	}
	if b.Config.MaxDepth > TestMaxDepth {
		b.Config.MaxDepth = TestMaxDepth
	}
	if b.Config.MaxPages > TestMaxPages {
		b.Config.MaxPages = TestMaxPages
	}
	if b.Config.MaxConcurrency > TestMaxConcurrency {
		b.Config.MaxConcurrency = TestMaxConcurrency
	}
	if b.Config.Timeout > TestMaxTimeout || b.Config.Timeout == 0 {
		b.Config.Timeout = TestMaxTimeout
	}
}

// Priority is the crawl queue's three-band priority (spec.md §4.10).
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Priorities lists the three bands in strict dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// CrawlTaskStatus is the per-crawl-task FSM, distinct from RunState
// (spec.md §4.10).
type CrawlTaskStatus string

const (
	CrawlPending    CrawlTaskStatus = "PENDING"
	CrawlDispatched CrawlTaskStatus = "DISPATCHED"
	CrawlRunning    CrawlTaskStatus = "RUNNING"
	CrawlSuccess    CrawlTaskStatus = "SUCCESS"
	CrawlRetry      CrawlTaskStatus = "RETRY"
	CrawlTimeout    CrawlTaskStatus = "TIMEOUT"
	CrawlFailed     CrawlTaskStatus = "FAILED"
)

var crawlTransitions = map[CrawlTaskStatus]map[CrawlTaskStatus]bool{
	CrawlPending:    {CrawlDispatched: true},
	CrawlDispatched: {CrawlRunning: true},
	CrawlRunning:    {CrawlSuccess: true, CrawlRetry: true, CrawlTimeout: true, CrawlFailed: true},
	CrawlRetry:      {CrawlDispatched: true},
	CrawlTimeout:    {CrawlDispatched: true, CrawlFailed: true},
}

// CanTransitionCrawlTask reports whether from->to is a legal
// CrawlTaskStatus edge.
func CanTransitionCrawlTask(from, to CrawlTaskStatus) bool {
	return crawlTransitions[from][to]
}

// IsTerminal reports whether s is absorbing.
func (s CrawlTaskStatus) IsTerminal() bool {
	return s == CrawlSuccess || s == CrawlFailed
}

// CrawlTask is one queued unit of crawl work, tracked separately from the
// wire Task it is dispatched as.
type CrawlTask struct {
	TaskID        string
	ProjectID     string
	URL           string
	Priority      Priority
	Status        CrawlTaskStatus
	DeliveryCount int
	RetryCount    int
	EnqueuedAt    time.Time
}
