// Package process provides OS-level helpers: finding orphaned CLI
// processes from a previous run, killing by pid, and sampling resource
// usage for the health monitor.
package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/zhubert/relay-core/logger"
)

// FindOrphanProcesses returns the pids of running processes whose command
// line matches the given CLI binary. Used at startup to reap leftovers from
// a previous run. A missing pgrep or no matches yields an empty list.
func FindOrphanProcesses(binary string) []int {
	out, err := exec.Command("pgrep", "-f", binary).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches
		return nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// KillPID sends SIGKILL to the pid. Already-dead processes are not an
// error.
func KillPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	logger.WithComponent("process").Info("killed process", "pid", pid)
	return nil
}

// IsAlive reports whether the pid refers to a running process.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Sample is one resource-usage observation for a process.
type Sample struct {
	RSSBytes   uint64
	CPUPercent float64
}

// SampleProcess reads the current RSS and CPU usage of a pid via ps.
// Returns an error when the process is gone.
func SampleProcess(pid int) (Sample, error) {
	if pid <= 0 {
		return Sample{}, fmt.Errorf("invalid pid %d", pid)
	}
	out, err := exec.Command("ps", "-o", "rss=,%cpu=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return Sample{}, fmt.Errorf("sample pid %d: %w", pid, err)
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return Sample{}, fmt.Errorf("sample pid %d: unexpected ps output %q", pid, string(out))
	}

	rssKB, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("sample pid %d: parse rss: %w", pid, err)
	}
	cpu, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("sample pid %d: parse cpu: %w", pid, err)
	}

	return Sample{RSSBytes: rssKB * 1024, CPUPercent: cpu}, nil
}
