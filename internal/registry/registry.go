// Package registry implements the Worker Registry: a Redis
// hash-backed directory of active workers with a parallel
// heartbeat-TTL key per worker and a background offline sweeper
// (spec.md §4.11).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"antcode/internal/domain"
	"antcode/pkg/metrics"
)

// Config tunes the registry's key layout and sweep timing.
type Config struct {
	Namespace       string
	HeartbeatTTL    time.Duration // must be >= 3x the nominal heartbeat interval
	OfflineThreshold time.Duration
	MaxOfflineTime  time.Duration // default 1h; eviction threshold
	CleanupCron     string        // robfig/cron expression, default every minute
}

func (c *Config) setDefaults() {
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 90 * time.Second
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 60 * time.Second
	}
	if c.MaxOfflineTime <= 0 {
		c.MaxOfflineTime = time.Hour
	}
	if c.CleanupCron == "" {
		c.CleanupCron = "@every 1m"
	}
}

// Registry is the Redis-backed Worker Registry.
type Registry struct {
	cfg     Config
	client  *redis.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	sweeper *cron.Cron
}

// New connects to Redis and builds a Registry; call Start to begin the
// offline sweeper.
func New(ctx context.Context, redisURL string, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Registry, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Registry{cfg: cfg, client: client, metrics: m, logger: logger}, nil
}

func (r *Registry) key(parts ...string) string {
	full := r.cfg.Namespace
	for _, p := range parts {
		full += ":" + p
	}
	return full
}

func (r *Registry) registryHash() string             { return r.key("worker", "registry") }
func (r *Registry) heartbeatKey(workerID string) string { return r.key("worker", "heartbeat", workerID) }
func (r *Registry) batchSet(batchID string) string    { return r.key("worker", "batch", batchID) }

// RegisterWorker writes the initial WorkerInfo, sets the heartbeat TTL
// key, and joins the worker to its batch's set if batch-scoped
// (spec.md §4.11 "Register").
func (r *Registry) RegisterWorker(ctx context.Context, info domain.WorkerInfo) error {
	info.Status = domain.WorkerOnline
	info.RegisteredAt = time.Now()
	info.LastHeartbeat = info.RegisteredAt

	if err := r.upsert(ctx, info); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.heartbeatKey(info.WorkerID), "1", r.cfg.HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("set heartbeat ttl key: %w", err)
	}
	if info.BatchID != "" {
		if err := r.client.SAdd(ctx, r.batchSet(info.BatchID), info.WorkerID).Err(); err != nil {
			return fmt.Errorf("join batch set: %w", err)
		}
	}
	return nil
}

func (r *Registry) upsert(ctx context.Context, info domain.WorkerInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}
	return r.client.HSet(ctx, r.registryHash(), info.WorkerID, raw).Err()
}

// Get fetches one worker's current WorkerInfo.
func (r *Registry) Get(ctx context.Context, workerID string) (domain.WorkerInfo, bool, error) {
	raw, err := r.client.HGet(ctx, r.registryHash(), workerID).Result()
	if err == redis.Nil {
		return domain.WorkerInfo{}, false, nil
	}
	if err != nil {
		return domain.WorkerInfo{}, false, fmt.Errorf("hget worker: %w", err)
	}
	var info domain.WorkerInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return domain.WorkerInfo{}, false, fmt.Errorf("unmarshal worker info: %w", err)
	}
	return info, true, nil
}

// Heartbeat upserts WorkerInfo from a heartbeat payload (status=online,
// last_heartbeat set to the payload's timestamp, cpu/mem/running/
// max_concurrent/capabilities copied in) and refreshes the TTL key.
// Disk usage is not stored, TotalCompleted/TotalFailed are not updated,
// and batch-set membership is left as RegisterWorker set it. Heartbeats
// use last-writer-wins semantics by timestamp (spec.md §5), so a
// heartbeat older than the stored LastHeartbeat is dropped.
func (r *Registry) Heartbeat(ctx context.Context, hb domain.Heartbeat) (domain.HeartbeatState, error) {
	info, found, err := r.Get(ctx, hb.WorkerID)
	if err != nil {
		return "", err
	}
	if found && hb.Timestamp.Before(info.LastHeartbeat) {
		return domain.HeartbeatRunning, nil
	}

	if !found {
		info = domain.WorkerInfo{WorkerID: hb.WorkerID, RegisteredAt: time.Now()}
	}
	info.Status = domain.WorkerOnline
	info.LastHeartbeat = hb.Timestamp
	info.CPUPercent = hb.CPUPercent
	info.MemPercent = hb.MemPercent
	info.RunningTasks = hb.RunningTasks
	info.MaxConcurrent = hb.MaxConcurrent
	info.Capabilities = hb.Capabilities

	if err := r.upsert(ctx, info); err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, r.heartbeatKey(hb.WorkerID), "1", r.cfg.HeartbeatTTL).Err(); err != nil {
		return "", fmt.Errorf("refresh heartbeat ttl key: %w", err)
	}
	return domain.HeartbeatRunning, nil
}

// OnlineWorkers implements dispatcher.WorkerSource: returns every
// registry entry currently marked online.
func (r *Registry) OnlineWorkers(ctx context.Context) ([]domain.WorkerInfo, error) {
	raw, err := r.client.HGetAll(ctx, r.registryHash()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall registry: %w", err)
	}
	var out []domain.WorkerInfo
	for _, v := range raw {
		var info domain.WorkerInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			continue
		}
		if info.Status == domain.WorkerOnline {
			out = append(out, info)
		}
	}
	return out, nil
}

// Start launches the background offline sweeper on the configured cron
// schedule (spec.md §4.11 "Offline detection").
func (r *Registry) Start() error {
	r.sweeper = cron.New()
	_, err := r.sweeper.AddFunc(r.cfg.CleanupCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.sweep(ctx); err != nil {
			r.logger.Error("registry sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup cron: %w", err)
	}
	r.sweeper.Start()
	return nil
}

// Stop halts the sweeper and closes the Redis connection.
func (r *Registry) Stop() error {
	if r.sweeper != nil {
		ctx := r.sweeper.Stop()
		<-ctx.Done()
	}
	return r.client.Close()
}

// sweep marks workers offline whose heartbeat key is missing or whose
// last_heartbeat is stale, and evicts workers offline longer than
// MaxOfflineTime (spec.md §4.11, edge case S6).
func (r *Registry) sweep(ctx context.Context) error {
	raw, err := r.client.HGetAll(ctx, r.registryHash()).Result()
	if err != nil {
		return fmt.Errorf("hgetall registry: %w", err)
	}

	now := time.Now()
	for workerID, v := range raw {
		var info domain.WorkerInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			continue
		}

		exists, err := r.client.Exists(ctx, r.heartbeatKey(workerID)).Result()
		if err != nil {
			r.logger.Error("sweep: check heartbeat key", "worker_id", workerID, "error", err)
			continue
		}

		stale := now.Sub(info.LastHeartbeat) > r.cfg.OfflineThreshold
		if exists == 0 || stale {
			if info.Status != domain.WorkerOffline {
				info.Status = domain.WorkerOffline
				if err := r.upsert(ctx, info); err != nil {
					r.logger.Error("sweep: mark offline", "worker_id", workerID, "error", err)
				}
			}

			if now.Sub(info.LastHeartbeat) > r.cfg.MaxOfflineTime {
				if err := r.evict(ctx, info); err != nil {
					r.logger.Error("sweep: evict", "worker_id", workerID, "error", err)
				}
			}
		}
	}
	return nil
}

func (r *Registry) evict(ctx context.Context, info domain.WorkerInfo) error {
	if err := r.client.HDel(ctx, r.registryHash(), info.WorkerID).Err(); err != nil {
		return fmt.Errorf("evict worker %s: %w", info.WorkerID, err)
	}
	if info.BatchID != "" {
		_ = r.client.SRem(ctx, r.batchSet(info.BatchID), info.WorkerID).Err()
	}
	r.logger.Info("worker evicted after max_offline_time", "worker_id", info.WorkerID)
	return nil
}
