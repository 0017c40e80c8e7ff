// Package domain holds the wire and in-process types shared by every
// Worker/Master subsystem: tasks, runs, results, log entries, batches and
// worker registry entries, plus the FSMs that govern their transitions.
package domain

import "time"

// Status is the closed set of terminal/near-terminal task outcomes
// (spec.md §9 "tagged result variants"), with explicit wire mapping so no
// subsystem compares against ad-hoc string literals.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// ParseStatus decodes a wire status string, returning ok=false for any
// value outside the closed set.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return Status(s), true
	default:
		return "", false
	}
}

// ProjectType enumerates the task payload kinds a Worker can execute.
type ProjectType string

const (
	ProjectTypeCode   ProjectType = "code"
	ProjectTypeSpider ProjectType = "spider"
	ProjectTypeFile   ProjectType = "file"
)

// RuntimeSpec identifies a requested Python execution environment.
// Hash = SHA-256 over {python_version, sorted(requirements), constraints}
// only; env_vars never participate so two specs differing solely in
// env_vars share a runtime (spec.md §3, invariant 1).
type RuntimeSpec struct {
	PythonVersion string
	Requirements  []string
	Constraints   []string
	EnvVars       map[string]string
}

// RuntimeHandle is the resolver's output: an immutable, cached venv.
type RuntimeHandle struct {
	Path             string
	RuntimeHash      string
	PythonExecutable string
}

// Task is the wire representation of one unit of work dispatched to a
// Worker. Lower Priority values mean higher priority (spec.md §3).
type Task struct {
	TaskID       string
	RunID        string
	ProjectID    string
	ProjectType  ProjectType
	Priority     int
	Params       map[string]any
	Environment  map[string]string
	TimeoutS     int
	DownloadURL  string
	FileHash     string
	EntryPoint   string
	IsCompressed bool
	Receipt      string
}

// RunState is the Worker-side per-execution FSM (spec.md §4.4).
type RunState string

const (
	RunQueued     RunState = "QUEUED"
	RunPreparing  RunState = "PREPARING"
	RunRunning    RunState = "RUNNING"
	RunCompleted  RunState = "COMPLETED"
	RunFailed     RunState = "FAILED"
	RunCancelled  RunState = "CANCELLED"
	RunTimeout    RunState = "TIMEOUT"
)

// runTransitions enumerates every legal RunState edge. Anything absent is
// rejected as a no-op per spec.md §4.4.
var runTransitions = map[RunState]map[RunState]bool{
	RunQueued:    {RunPreparing: true},
	RunPreparing: {RunRunning: true, RunFailed: true},
	RunRunning:   {RunCompleted: true, RunFailed: true, RunCancelled: true, RunTimeout: true},
}

// CanTransition reports whether from->to is a legal RunState edge.
func CanTransition(from, to RunState) bool {
	return runTransitions[from][to]
}

// IsTerminal reports whether s is an absorbing RunState.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

// RunContext is the Worker-side per-execution record; exactly one exists
// per in-flight task.
type RunContext struct {
	RunID             string
	TaskID            string
	State             RunState
	StartedAt         time.Time
	Deadline          time.Time
	RuntimeHandle     *RuntimeHandle
	ProcessHandle     int
	LogPipelineHandle string
}

// TaskResult is the terminal outcome reported for one run.
type TaskResult struct {
	RunID        string
	TaskID       string
	Status       Status
	ExitCode     int
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
	DurationMs   int64
	Data         map[string]any
}

// LogStream distinguishes the three channels a run emits on.
type LogStream string

const (
	LogStdout LogStream = "stdout"
	LogStderr LogStream = "stderr"
	LogSystem LogStream = "system"
)

// LogEntry is one line of captured output. Seq is monotonic per
// (RunID, Stream) starting at 1; gaps are disallowed (spec.md §3).
type LogEntry struct {
	RunID     string
	Stream    LogStream
	Seq       uint64
	Timestamp time.Time
	Content   string
	Level     string
}
