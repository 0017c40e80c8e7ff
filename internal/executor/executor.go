// Package executor launches sandboxed child processes, streams their
// output line-by-line and enforces timeout/grace-period/cancellation
// semantics (spec.md §4.2).
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"antcode/internal/domain"
	"antcode/pkg/apperror"
	"antcode/pkg/metrics"
	"antcode/pkg/telemetry"
)

// ExecPlan describes one process invocation.
type ExecPlan struct {
	Command             string
	Args                []string
	Env                 map[string]string
	Cwd                 string
	TimeoutSeconds      int
	GracePeriodSeconds  int
	CPULimitSeconds     int
	MemoryLimitMB       int
}

// ExecResult is the terminal outcome of one process invocation.
type ExecResult struct {
	Status       domain.Status
	ExitCode     int
	StartedAt    time.Time
	FinishedAt   time.Time
	DurationMs   int64
	ErrorMessage string
}

// LogSink receives streamed log lines as they're produced.
type LogSink interface {
	Emit(entry domain.LogEntry) error
}

// Executor runs ExecPlans under a concurrency-limited slot semaphore.
type Executor struct {
	maxLogLineBytes int
	sem             chan struct{}
	metrics         *metrics.Metrics
	logger          *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an Executor with maxConcurrent execution slots.
func New(maxConcurrent, maxLogLineBytes int, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		maxLogLineBytes: maxLogLineBytes,
		sem:             make(chan struct{}, maxConcurrent),
		metrics:         m,
		logger:          logger,
		running:         make(map[string]context.CancelFunc),
	}
}

// Cancel triggers the polite-stop -> hard-kill sequence for an in-flight
// run, mirroring what a timeout does internally (spec.md §4.2, §5).
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Run blocks acquiring an execution slot, then spawns plan.Command,
// streaming stdout/stderr to sink and enforcing timeout + grace period.
func (e *Executor) Run(ctx context.Context, runID string, plan ExecPlan, handle *domain.RuntimeHandle, sink LogSink) (ExecResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "executor.Run",
		telemetry.WithAttributes(telemetry.TaskAttributes(runID, "", "", 0)...))
	defer span.End()
	if handle != nil {
		telemetry.SetAttributes(ctx, telemetry.RuntimeAttributes(handle.PythonExecutable, handle.RuntimeHash, true)...)
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
	defer func() { <-e.sem }()

	started := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, runID)
		e.mu.Unlock()
		cancel()
	}()

	timeout := time.Duration(plan.TimeoutSeconds) * time.Second
	grace := time.Duration(plan.GracePeriodSeconds) * time.Second

	deadlineCtx := runCtx
	var timeoutCancel context.CancelFunc
	if timeout > 0 {
		deadlineCtx, timeoutCancel = context.WithTimeout(runCtx, timeout)
		defer timeoutCancel()
	}

	cmd := exec.Command(plan.Command, plan.Args...)
	cmd.Dir = plan.Cwd
	cmd.Env = mergeEnv(os.Environ(), plan.Env, handle)
	applyResourceLimits(cmd, plan)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		wrapped := apperror.Wrap(err, apperror.CodeExecutionFailure, "stdout pipe")
		telemetry.SetError(ctx, wrapped)
		return ExecResult{}, wrapped
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		wrapped := apperror.Wrap(err, apperror.CodeExecutionFailure, "stderr pipe")
		telemetry.SetError(ctx, wrapped)
		return ExecResult{}, wrapped
	}

	if err := cmd.Start(); err != nil {
		wrapped := apperror.Wrap(err, apperror.CodeExecutionFailure, "start process")
		telemetry.SetError(ctx, wrapped)
		return ExecResult{}, wrapped
	}

	var seqStdout, seqStderr atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(2)
	go e.streamLines(&wg, runID, domain.LogStdout, stdout, &seqStdout, sink)
	go e.streamLines(&wg, runID, domain.LogStderr, stderr, &seqStderr, sink)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	var killedTimeout, killedCancel bool

	select {
	case waitErr = <-waitCh:
	case <-deadlineCtx.Done():
		if runCtx.Err() != nil {
			killedCancel = true
		} else {
			killedTimeout = true
		}
		e.politeThenHardKill(cmd, waitCh, grace)
		waitErr = <-waitCh
	}

	wg.Wait()
	finished := time.Now()

	result := ExecResult{
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
	}

	switch {
	case killedTimeout:
		result.Status = domain.StatusTimeout
		result.ExitCode = 124
		result.ErrorMessage = "execution exceeded timeout_seconds"
	case killedCancel:
		result.Status = domain.StatusCancelled
		result.ExitCode = exitCodeFromWait(waitErr)
		result.ErrorMessage = "execution cancelled"
	case waitErr != nil:
		result.Status = domain.StatusFailed
		result.ExitCode = exitCodeFromWait(waitErr)
		result.ErrorMessage = waitErr.Error()
	default:
		result.Status = domain.StatusSuccess
		result.ExitCode = 0
	}

	if e.metrics != nil {
		e.metrics.RecordTaskDuration(string(result.Status), finished.Sub(started))
	}

	telemetry.SetAttributes(ctx, telemetry.ExecutionAttributes(result.ExitCode, result.DurationMs, 0)...)
	if result.Status == domain.StatusFailed || result.Status == domain.StatusTimeout {
		telemetry.RecordError(ctx, apperror.New(apperror.CodeExecutionFailure, result.ErrorMessage))
	}

	return result, nil
}

func (e *Executor) politeThenHardKill(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	if grace <= 0 {
		grace = 1 * time.Second
	}
	select {
	case <-waitCh:
		return
	case <-time.After(grace):
	}
	_ = cmd.Process.Kill()
}

func (e *Executor) streamLines(wg *sync.WaitGroup, runID string, stream domain.LogStream, r io.Reader, seq *atomic.Uint64, sink LogSink) {
	defer wg.Done()
	if sink == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}

	maxLine := e.maxLogLineBytes
	if maxLine <= 0 {
		maxLine = 65536
	}

	reader := bufio.NewReaderSize(r, maxLine)
	for {
		line, err := readLineCapped(reader, maxLine)
		if len(line) > 0 {
			entry := domain.LogEntry{
				RunID:     runID,
				Stream:    stream,
				Seq:       seq.Add(1),
				Timestamp: time.Now(),
				Content:   string(line),
			}
			if sinkErr := sink.Emit(entry); sinkErr != nil {
				e.logger.Warn("log sink emit failed", "run_id", runID, "error", sinkErr)
			}
		}
		if err != nil {
			return
		}
	}
}

// readLineCapped reads one line, splitting at maxLine bytes if the line
// is longer (spec.md §4.2).
func readLineCapped(r *bufio.Reader, maxLine int) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		buf = append(buf, chunk...)
		if !isPrefix || len(buf) >= maxLine {
			return buf, err
		}
		if err != nil {
			return buf, err
		}
	}
}

func mergeEnv(base []string, overrides map[string]string, handle *domain.RuntimeHandle) []string {
	merged := append([]string(nil), base...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	if handle != nil {
		binDir := filepath.Dir(handle.PythonExecutable)
		merged = append(merged, "PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	return merged
}

func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
