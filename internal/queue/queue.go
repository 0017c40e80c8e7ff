// Package queue implements the Crawl Multi-Priority Queue: three
// priority-banded Redis Streams per project_id, Bloom-filter dedup,
// and reclaim/dead-letter handling (spec.md §4.10).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"

	"antcode/internal/domain"
	"antcode/pkg/metrics"
)

const (
	workersGroup = "workers"
)

// Config tunes the queue's key layout, dedup filter sizing, and retry
// policy.
type Config struct {
	Namespace       string
	StreamMaxLen    int64
	MaxRetries      int
	BloomExpectedN  uint
	BloomFalsePositive float64
}

func (c *Config) setDefaults() {
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 100_000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BloomExpectedN == 0 {
		c.BloomExpectedN = 1_000_000
	}
	if c.BloomFalsePositive == 0 {
		c.BloomFalsePositive = 0.01
	}
}

// EnqueueResult is returned by Enqueue/EnqueueBatch (spec.md §4.10).
type EnqueueResult struct {
	Total     int
	Enqueued  int
	Duplicate int
	MsgIDs    []string
}

// Queue is one project's multi-priority crawl queue: three Redis
// Streams (one per domain.Priority) plus a dead-letter stream, with a
// per-project Bloom filter used for best-effort URL dedup.
type Queue struct {
	cfg     Config
	client  *redis.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex // guards filters
	filters map[string]*bloom.BloomFilter
}

// New builds a Queue around an existing Redis client.
func New(client *redis.Client, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Queue {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{cfg: cfg, client: client, metrics: m, logger: logger, filters: make(map[string]*bloom.BloomFilter)}
}

func (q *Queue) key(parts ...string) string {
	full := q.cfg.Namespace
	for _, p := range parts {
		full += ":" + p
	}
	return full
}

func (q *Queue) stream(projectID string, priority domain.Priority) string {
	return q.key("crawl", projectID, strings.ToLower(string(priority)))
}

func (q *Queue) deadLetterStream(projectID string) string {
	return q.key("crawl", projectID, "deadletter")
}

func (q *Queue) filterFor(projectID string) *bloom.BloomFilter {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.filters[projectID]
	if !ok {
		f = bloom.NewWithEstimates(q.cfg.BloomExpectedN, q.cfg.BloomFalsePositive)
		q.filters[projectID] = f
	}
	return f
}

// exists reports whether url was already seen for projectID, per
// spec.md §4.10's "exists(project_id, url)" dedup check. False
// positives are possible by construction (Bloom filter); false
// negatives are not.
func (q *Queue) exists(projectID, url string) bool {
	return q.filterFor(projectID).TestString(url)
}

func (q *Queue) remember(projectID, url string) {
	q.filterFor(projectID).AddString(url)
}

// EnqueueBatch pipelines a batch of crawl tasks onto their
// priority-banded streams, applying Bloom dedup unless skipDedup is
// set (spec.md §4.9's "enqueue seeds with skip_dedup=true").
func (q *Queue) EnqueueBatch(ctx context.Context, projectID string, tasks []domain.CrawlTask, skipDedup bool) (EnqueueResult, error) {
	result := EnqueueResult{Total: len(tasks)}

	type pending struct {
		task   domain.CrawlTask
		stream string
	}
	var toEnqueue []pending

	for _, t := range tasks {
		if !skipDedup && q.exists(projectID, t.URL) {
			result.Duplicate++
			continue
		}
		toEnqueue = append(toEnqueue, pending{task: t, stream: q.stream(projectID, t.Priority)})
	}

	if len(toEnqueue) == 0 {
		return result, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(toEnqueue))
	for i, p := range toEnqueue {
		payload, err := json.Marshal(p.task)
		if err != nil {
			return result, fmt.Errorf("marshal crawl task: %w", err)
		}
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: q.cfg.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"payload": string(payload)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return result, fmt.Errorf("pipelined enqueue: %w", err)
	}

	for i, p := range toEnqueue {
		id, err := cmds[i].Result()
		if err != nil {
			return result, fmt.Errorf("xadd result: %w", err)
		}
		result.MsgIDs = append(result.MsgIDs, id)
		result.Enqueued++
		if !skipDedup {
			q.remember(projectID, p.task.URL)
		}
	}

	if q.metrics != nil {
		for _, pr := range domain.Priorities {
			n, err := q.client.XLen(ctx, q.stream(projectID, pr)).Result()
			if err == nil {
				q.metrics.SetQueueDepth(projectID, string(pr), int(n))
			}
		}
	}

	return result, nil
}

// Dequeued is one popped crawl task plus its transport-opaque ack
// receipt ("<stream>|<msg_id>").
type Dequeued struct {
	Task    domain.CrawlTask
	Receipt string
}

// Dequeue attempts HIGH, then NORMAL, then LOW, blocking up to
// timeout total across all three bands (spec.md §4.10 "strict
// priority").
func (q *Queue) Dequeue(ctx context.Context, projectID string, timeout time.Duration) (*Dequeued, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, pr := range domain.Priorities {
			stream := q.stream(projectID, pr)
			if err := q.ensureGroup(ctx, stream); err != nil {
				return nil, err
			}

			res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    workersGroup,
				Consumer: "queue-dequeue",
				Streams:  []string{stream, ">"},
				Count:    1,
				Block:    10 * time.Millisecond,
			}).Result()
			if err != nil && err != redis.Nil {
				return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
			}
			if len(res) == 1 && len(res[0].Messages) == 1 {
				msg := res[0].Messages[0]
				task, derr := decodeCrawlTask(msg.Values)
				if derr != nil {
					return nil, derr
				}
				return &Dequeued{Task: task, Receipt: stream + "|" + msg.ID}, nil
			}
		}

		if timeout > 0 && time.Now().After(deadline) {
			return nil, nil
		}
		if timeout <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *Queue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, workersGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func decodeCrawlTask(values map[string]interface{}) (domain.CrawlTask, error) {
	var t domain.CrawlTask
	raw, ok := values["payload"].(string)
	if !ok {
		return t, fmt.Errorf("missing or malformed payload field")
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return t, err
	}
	return t, nil
}

// Ack acknowledges a dequeued crawl task by its opaque receipt.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	stream, id, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	return q.client.XAck(ctx, stream, workersGroup, id).Err()
}

func parseReceipt(receipt string) (stream, id string, err error) {
	parts := strings.SplitN(receipt, "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed receipt %q", receipt)
	}
	return parts[0], parts[1], nil
}

// Retry re-enqueues task at its original priority after a recoverable
// failure, incrementing retry_count; once retry_count exceeds
// MaxRetries it is dead-lettered instead (spec.md §4.10 "Retry").
func (q *Queue) Retry(ctx context.Context, projectID string, task domain.CrawlTask) error {
	task.RetryCount++
	if task.RetryCount > q.cfg.MaxRetries {
		return q.deadLetter(ctx, projectID, task)
	}

	if domain.CanTransitionCrawlTask(task.Status, domain.CrawlRetry) {
		task.Status = domain.CrawlRetry
	}
	if !domain.CanTransitionCrawlTask(task.Status, domain.CrawlDispatched) {
		return fmt.Errorf("illegal crawl task transition %s -> %s", task.Status, domain.CrawlDispatched)
	}
	task.Status = domain.CrawlDispatched

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal retried task: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(projectID, task.Priority),
		MaxLen: q.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (q *Queue) deadLetter(ctx context.Context, projectID string, task domain.CrawlTask) error {
	task.Status = domain.CrawlFailed
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal dead-lettered task: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadLetterStream(projectID),
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd dead letter: %w", err)
	}
	if q.metrics != nil {
		q.metrics.RecordDeadLetter(projectID)
	}
	return nil
}

// Reclaim scans pending entries idle longer than minIdle across all
// three priority bands and redelivers or dead-letters them once
// delivery_count exceeds max_retries (spec.md §4.10 "same as §4.5
// reclaim").
func (q *Queue) Reclaim(ctx context.Context, projectID string, minIdle time.Duration, count int64) (reclaimed int, deadLettered int, err error) {
	for _, pr := range domain.Priorities {
		stream := q.stream(projectID, pr)
		msgs, _, rerr := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    workersGroup,
			Consumer: "queue-reclaimer",
			MinIdle:  minIdle,
			Start:    "0-0",
			Count:    count,
		}).Result()
		if rerr != nil && rerr != redis.Nil {
			return reclaimed, deadLettered, fmt.Errorf("xautoclaim %s: %w", stream, rerr)
		}

		for _, msg := range msgs {
			task, derr := decodeCrawlTask(msg.Values)
			if derr != nil {
				continue
			}

			pending, perr := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream, Group: workersGroup, Start: msg.ID, End: msg.ID, Count: 1,
			}).Result()
			deliveryCount := int64(1)
			if perr == nil && len(pending) == 1 {
				deliveryCount = pending[0].RetryCount
			}

			if int(deliveryCount) > q.cfg.MaxRetries {
				if derr := q.deadLetter(ctx, projectID, task); derr != nil {
					return reclaimed, deadLettered, derr
				}
				_ = q.client.XAck(ctx, stream, workersGroup, msg.ID).Err()
				deadLettered++
				continue
			}
			reclaimed++
		}
	}
	return reclaimed, deadLettered, nil
}
