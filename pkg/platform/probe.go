package platform

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultProbeTimeout bounds a single variant invocation.
const DefaultProbeTimeout = 5 * time.Second

// probeFlag is cheap for the binary to answer and exercises its dynamic
// linkage without starting the server.
const probeFlag = "--version"

// ProbeCandidate runs the candidate with the probe flag under a bounded
// timeout. A clean exit means this variant can run on the host.
func ProbeCandidate(path string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, probeFlag)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// SelectWorking probes each candidate name under dir in order and returns
// the first one that runs. The second return is false when no variant works,
// even if candidate files are present.
func SelectWorking(dir string, candidates []string, timeout time.Duration) (string, bool) {
	for _, name := range candidates {
		if ProbeCandidate(filepath.Join(dir, name), timeout) {
			return name, true
		}
	}
	return "", false
}
