package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard span attribute keys.
const (
	// Task
	AttrTaskID       = "task.id"
	AttrBatchID      = "task.batch_id"
	AttrTaskPriority = "task.priority"
	AttrWorkerID     = "task.worker_id"

	// Runtime
	AttrPythonVersion = "runtime.python_version"
	AttrRuntimeHash   = "runtime.hash"
	AttrRuntimeCached = "runtime.cache_hit"

	// Execution
	AttrExitCode   = "execution.exit_code"
	AttrDurationMs = "execution.duration_ms"
	AttrLogLines   = "execution.log_lines"

	// Transport
	AttrTransportMode = "transport.mode"
	AttrStreamName    = "transport.stream"

	// Batch lifecycle
	AttrBatchState     = "batch.state"
	AttrBatchTaskCount = "batch.task_count"
)

// TaskAttributes returns the attributes identifying a task run.
func TaskAttributes(taskID, batchID, workerID string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrBatchID, batchID),
		attribute.String(AttrWorkerID, workerID),
		attribute.Int(AttrTaskPriority, priority),
	}
}

// RuntimeAttributes returns the attributes describing a resolved runtime.
func RuntimeAttributes(pythonVersion, runtimeHash string, cacheHit bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPythonVersion, pythonVersion),
		attribute.String(AttrRuntimeHash, runtimeHash),
		attribute.Bool(AttrRuntimeCached, cacheHit),
	}
}

// ExecutionAttributes returns the attributes describing a finished task run.
func ExecutionAttributes(exitCode int, durationMs int64, logLines int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrExitCode, exitCode),
		attribute.Int64(AttrDurationMs, durationMs),
		attribute.Int(AttrLogLines, logLines),
	}
}

// BatchAttributes returns the attributes describing a batch lifecycle event.
func BatchAttributes(batchID, state string, taskCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrBatchID, batchID),
		attribute.String(AttrBatchState, state),
		attribute.Int(AttrBatchTaskCount, taskCount),
	}
}
