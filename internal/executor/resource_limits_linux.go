//go:build linux

package executor

import (
	"os/exec"
	"syscall"
)

// applyResourceLimits passes a requested CPU-seconds limit to the child
// only as the ANTCODE_CPU_LIMIT_SECONDS environment variable. No rlimit
// is set on the process, and MemoryLimitMB is neither applied nor
// warned about on Linux.
func applyResourceLimits(cmd *exec.Cmd, plan ExecPlan) {
	if plan.CPULimitSeconds <= 0 {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// Go's os/exec has no direct Rlimit knob and nothing here calls
	// setrlimit(RLIMIT_CPU); the limit only reaches the child as an
	// environment value the child runtime may read.
	cmd.Env = append(cmd.Env, "ANTCODE_CPU_LIMIT_SECONDS="+itoa(plan.CPULimitSeconds))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
