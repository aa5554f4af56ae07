// Package cli probes whether the AICLI binary is present and runnable.
package cli

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/zhubert/relay-core/logger"
)

// probeTimeout bounds the --version invocation so a wedged binary cannot
// hang an availability check.
const probeTimeout = 5 * time.Second

// AvailabilityResult is the outcome of probing the CLI binary.
type AvailabilityResult struct {
	Available bool
	Path      string
	Version   string
	Error     string
}

// CheckAvailability locates the binary on PATH and asks it for its version.
// A binary that resolves but fails to run is reported unavailable with the
// failure captured.
func CheckAvailability(binary string) AvailabilityResult {
	path, err := exec.LookPath(binary)
	if err != nil {
		return AvailabilityResult{Error: "not found on PATH"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		logger.WithComponent("cli").Warn("version probe failed", "binary", binary, "error", err)
		return AvailabilityResult{Path: path, Error: "found but not runnable: " + err.Error()}
	}

	version := firstLine(strings.TrimSpace(string(out)))
	return AvailabilityResult{Available: true, Path: path, Version: version}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
