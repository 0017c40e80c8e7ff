// Package direct implements the Direct transport: Worker<->Master
// exchange over Redis Streams with consumer groups, XAUTOCLAIM reclaim
// and dead-lettering (spec.md §4.5).
package direct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"antcode/internal/domain"
	"antcode/internal/transport"
	"antcode/pkg/metrics"
)

const (
	workersGroup = "ns:workers"
	controlGroup = "ns:control"
)

// Config configures a Direct transport client.
type Config struct {
	RedisURL          string
	Namespace         string
	PoolSize          int
	ReadyStreamMaxLen int64
	LogStreamMaxLen   int64
	MaxRetries        int
}

// Direct is a Transport backed by Redis Streams (spec.md §4.5).
type Direct struct {
	cfg     Config
	client  *redis.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	backoff atomic.Int64 // current backoff in milliseconds
}

// New connects to Redis and ensures the consumer groups exist.
func New(ctx context.Context, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Direct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ns"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	d := &Direct{cfg: cfg, client: client, logger: logger, metrics: m}
	return d, nil
}

func (d *Direct) key(parts ...string) string {
	return d.cfg.Namespace + ":" + strings.Join(parts, ":")
}

func (d *Direct) readyStream(workerID string) string { return d.key("task", "ready", workerID) }
func (d *Direct) resultStream() string                { return d.key("task", "result") }
func (d *Direct) logStream(runID string) string       { return d.key("log", "stream", runID) }
func (d *Direct) logChunkStream(runID string) string  { return d.key("log", "chunk", runID) }
func (d *Direct) controlStream(workerID string) string {
	return d.key("control", workerID)
}
func (d *Direct) controlGlobalStream() string  { return d.key("control", "global") }
func (d *Direct) heartbeatKey(workerID string) string { return d.key("heartbeat", workerID) }
func (d *Direct) deadLetterStream() string             { return d.key("task", "deadletter") }

// spiderResultChannel is the spider-specific result destination
// supplemented from original_source/ (SPEC_FULL.md "Supplemented
// features"): crawl projects publish extracted records here instead of
// (or in addition to) the generic result stream.
func (d *Direct) spiderResultChannel(runID string) string {
	return d.key("spider", "data", runID)
}

// ensureGroup idempotently creates a consumer group, tolerating
// BUSYGROUP (spec.md §4.5).
func (d *Direct) ensureGroup(ctx context.Context, stream, group string) error {
	err := d.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Register proves Direct-mode Worker identity with a short-TTL key and
// ensures this Worker's consumer groups exist (spec.md §4.5).
func (d *Direct) Register(ctx context.Context, info domain.WorkerInfo) error {
	if err := d.ensureGroup(ctx, d.readyStream(info.WorkerID), workersGroup); err != nil {
		return fmt.Errorf("ensure ready group: %w", err)
	}
	if err := d.ensureGroup(ctx, d.controlStream(info.WorkerID), controlGroup); err != nil {
		return fmt.Errorf("ensure control group: %w", err)
	}
	if err := d.ensureGroup(ctx, d.controlGlobalStream(), controlGroup); err != nil {
		return fmt.Errorf("ensure global control group: %w", err)
	}

	proofKey := d.key("direct", "proof", info.WorkerID)
	return d.client.Set(ctx, proofKey, time.Now().Format(time.RFC3339), 30*time.Second).Err()
}

// EnqueueTask is the Master-side half of the Direct transport contract:
// it XADDs task onto the named Worker's ready stream with artifact
// fields already merged in, matching spec.md §4.8's batch dispatch
// ("XADD each task to that Worker's ready stream"). Workers never call
// this; they only PollTask.
func (d *Direct) EnqueueTask(ctx context.Context, workerID string, task domain.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.readyStream(workerID),
		MaxLen: d.cfg.ReadyStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

// PollTask implements XREADGROUP with capped exponential backoff on
// consecutive errors (base 0.5s, max 30s, doubled each failure).
func (d *Direct) PollTask(ctx context.Context, workerID string) (*transport.PolledTask, error) {
	stream := d.readyStream(workerID)

	res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    workersGroup,
		Consumer: workerID,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			d.backoff.Store(0)
			return nil, nil
		}
		d.recordPollFailure()
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	d.backoff.Store(0)

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	task, err := decodeTask(msg.Values)
	if err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	return &transport.PolledTask{Task: task, Receipt: stream + "|" + msg.ID}, nil
}

// recordPollFailure applies the capped exponential backoff policy on a
// consecutive poll error (spec.md §4.5).
func (d *Direct) recordPollFailure() {
	const base = 500 * time.Millisecond
	const max = 30 * time.Second

	cur := d.backoff.Load()
	next := time.Duration(cur) * 2
	if next < base {
		next = base
	}
	if next > max {
		next = max
	}
	d.backoff.Store(int64(next))
	time.Sleep(next)
}

func decodeTask(values map[string]interface{}) (domain.Task, error) {
	var t domain.Task
	raw, ok := values["payload"]
	if !ok {
		return t, fmt.Errorf("missing payload field")
	}
	s, ok := raw.(string)
	if !ok {
		return t, fmt.Errorf("payload field is not a string")
	}
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return t, err
	}
	return t, nil
}

// parseReceipt splits the opaque "<stream>|<msg_id>" receipt produced
// by PollTask/PollControl.
func parseReceipt(receipt string) (stream, id string, err error) {
	parts := strings.SplitN(receipt, "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed receipt %q", receipt)
	}
	return parts[0], parts[1], nil
}

// AckTask acks a delivered task, or requeues it first when rejected
// (spec.md §4.4 "acceptance contract").
func (d *Direct) AckTask(ctx context.Context, receipt string, accepted bool) error {
	stream, id, err := parseReceipt(receipt)
	if err != nil {
		return err
	}

	if !accepted {
		vals, gerr := d.client.XRange(ctx, stream, id, id).Result()
		if gerr != nil {
			return fmt.Errorf("read original entry for requeue: %w", gerr)
		}
		if len(vals) == 1 {
			fields := vals[0].Values
			fields["requeue_reason"] = "rejected"
			fields["requeue_at"] = time.Now().Format(time.RFC3339)
			if addErr := d.client.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				MaxLen: d.cfg.ReadyStreamMaxLen,
				Approx: true,
				Values: fields,
			}).Err(); addErr != nil {
				return fmt.Errorf("requeue: %w", addErr)
			}
		}
	}

	return d.client.XAck(ctx, stream, workersGroup, id).Err()
}

// ReportResult publishes the terminal outcome to the shared result
// stream, and additionally to the spider result channel for crawl
// projects that opted into it via result.Data["spider_channel"].
func (d *Direct) ReportResult(ctx context.Context, result domain.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.resultStream(),
		Values: map[string]interface{}{"run_id": result.RunID, "payload": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd result: %w", err)
	}

	if _, ok := result.Data["spider_channel"]; ok {
		if err := d.client.XAdd(ctx, &redis.XAddArgs{
			Stream: d.spiderResultChannel(result.RunID),
			Values: map[string]interface{}{"payload": string(data)},
		}).Err(); err != nil {
			d.logger.Warn("spider result channel publish failed", "run_id", result.RunID, "error", err)
		}
	}

	return nil
}

// SendLogBatch XADDs each entry with an explicit "<ts_ms>-<seq>" ID for
// order and idempotency; a Redis "smaller-or-equal" rejection on a
// duplicate ID is treated as success (spec.md §4.5).
func (d *Direct) SendLogBatch(ctx context.Context, entries []domain.LogEntry) error {
	for _, e := range entries {
		stream := d.logStream(e.RunID)
		id := fmt.Sprintf("%d-%d", e.Timestamp.UnixMilli(), e.Seq)

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}

		err = d.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			ID:     id,
			MaxLen: d.cfg.LogStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"payload": string(data)},
		}).Err()
		if err != nil {
			if isSmallerOrEqualErr(err) {
				continue
			}
			return fmt.Errorf("xadd log entry: %w", err)
		}
	}
	return nil
}

func isSmallerOrEqualErr(err error) bool {
	return strings.Contains(err.Error(), "equal or smaller")
}

// SendHeartbeat writes the Worker's liveness snapshot to a Redis HASH.
// No TTL is set on the key; it stays until overwritten or deleted.
func (d *Direct) SendHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	key := d.heartbeatKey(hb.WorkerID)
	fields := map[string]interface{}{
		"status":         hb.Status,
		"cpu_percent":    strconv.FormatFloat(hb.CPUPercent, 'f', 2, 64),
		"mem_percent":    strconv.FormatFloat(hb.MemPercent, 'f', 2, 64),
		"disk_percent":   strconv.FormatFloat(hb.DiskPercent, 'f', 2, 64),
		"running_tasks":  strconv.Itoa(hb.RunningTasks),
		"max_concurrent": strconv.Itoa(hb.MaxConcurrent),
		"timestamp":      hb.Timestamp.Format(time.RFC3339),
	}
	if err := d.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset heartbeat: %w", err)
	}
	return nil
}

// PollControl reads one control message from either this Worker's
// private control stream or the global one.
func (d *Direct) PollControl(ctx context.Context, workerID string) (*transport.ControlMessage, error) {
	res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    controlGroup,
		Consumer: workerID,
		Streams:  []string{d.controlStream(workerID), d.controlGlobalStream(), ">", ">"},
		Count:    1,
		Block:    time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup control: %w", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	cm := &transport.ControlMessage{Receipt: res[0].Stream + "|" + msg.ID}
	if t, ok := msg.Values["type"].(string); ok {
		cm.Type = transport.ControlMessageType(t)
	}
	if r, ok := msg.Values["run_id"].(string); ok {
		cm.RunID = r
	}
	if p, ok := msg.Values["payload"].(string); ok {
		_ = json.Unmarshal([]byte(p), &cm.Payload)
	}
	return cm, nil
}

// AckControl acks a delivered control message.
func (d *Direct) AckControl(ctx context.Context, receipt string) error {
	stream, id, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	return d.client.XAck(ctx, stream, controlGroup, id).Err()
}

// Reclaim runs one XAUTOCLAIM pass over workerID's ready stream,
// dead-lettering any entry whose delivery_count exceeds maxRetries
// (strictly greater-than, spec.md §9 Open Question) and acking it.
func (d *Direct) Reclaim(ctx context.Context, workerID string, minIdle time.Duration, count int64) (reclaimed int, deadLettered int, err error) {
	stream := d.readyStream(workerID)

	msgs, _, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    workersGroup,
		Consumer: workerID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("xautoclaim: %w", err)
	}

	for _, msg := range msgs {
		reclaimed++

		pending, perr := d.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream, Group: workersGroup, Start: msg.ID, End: msg.ID, Count: 1,
		}).Result()

		deliveryCount := int64(1)
		if perr == nil && len(pending) == 1 {
			deliveryCount = pending[0].RetryCount
		}

		if deliveryCount > int64(d.cfg.MaxRetries) {
			if addErr := d.client.XAdd(ctx, &redis.XAddArgs{
				Stream: d.deadLetterStream(),
				Values: msg.Values,
			}).Err(); addErr != nil {
				return reclaimed, deadLettered, fmt.Errorf("dead-letter: %w", addErr)
			}
			if ackErr := d.client.XAck(ctx, stream, workersGroup, msg.ID).Err(); ackErr != nil {
				return reclaimed, deadLettered, fmt.Errorf("ack dead-lettered: %w", ackErr)
			}
			deadLettered++
			if d.metrics != nil {
				d.metrics.RecordDeadLetter(workerID)
			}
		}
	}

	if d.metrics != nil && reclaimed > 0 {
		d.metrics.RecordReclaim(workerID)
	}

	return reclaimed, deadLettered, nil
}

// Close closes the underlying Redis client.
func (d *Direct) Close() error {
	return d.client.Close()
}

var _ transport.Transport = (*Direct)(nil)
