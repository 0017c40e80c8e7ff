//go:build !linux

package executor

import (
	"log/slog"
	"os/exec"
)

// applyResourceLimits is a soft-warn no-op on platforms without rlimit
// support (spec.md §4.2: "missing primitives => soft-warn, continue").
func applyResourceLimits(cmd *exec.Cmd, plan ExecPlan) {
	if plan.CPULimitSeconds > 0 || plan.MemoryLimitMB > 0 {
		slog.Default().Warn("resource limits requested but unsupported on this platform",
			"cpu_limit_seconds", plan.CPULimitSeconds, "memory_limit_mb", plan.MemoryLimitMB)
	}
}
