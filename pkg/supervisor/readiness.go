package supervisor

import (
	"os"
	"time"

	"github.com/tidwall/gjson"
)

// awaitReady polls the runtime config file until the server merges its
// endpoint report into it, the process exits, or the deadline passes.
// Transient read failures (file not written yet, JSON mid-write) are
// expected and silent.
func (s *Supervisor) awaitReady(configFile string, exitCh <-chan struct{}) (*Endpoints, error) {
	deadline := time.After(s.pollTimeout)
	overall := time.After(s.startupTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-exitCh:
			// Process died during startup; reap has already captured
			// exit code and stderr.
			s.mu.Lock()
			code, stderr := s.exitCode, s.lastStderr
			s.mu.Unlock()
			return nil, classifyExit(code, stderr)

		case <-deadline:
			return nil, s.startupTimeoutError()

		case <-overall:
			return nil, s.startupTimeoutError()

		case <-ticker.C:
			if ep, ok := readEndpoints(configFile); ok {
				return ep, nil
			}
		}
	}
}

func (s *Supervisor) startupTimeoutError() *StartupError {
	s.mu.Lock()
	tail := s.readStderrTailLocked()
	s.mu.Unlock()
	return &StartupError{Kind: FailureStartupTimeout, Stderr: tail}
}

// readEndpoints parses the config file and extracts the endpoint report,
// tolerating a missing file, partial writes and missing keys.
func readEndpoints(configFile string) (*Endpoints, bool) {
	data, err := os.ReadFile(configFile)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	if !gjson.ValidBytes(data) {
		return nil, false
	}

	server := gjson.GetBytes(data, ServerKey)
	if !server.IsObject() {
		return nil, false
	}

	frontend := server.Get("frontend_port")
	api := server.Get("api_port")
	ws := server.Get("ws_port")
	if !frontend.Exists() || !api.Exists() || !ws.Exists() {
		return nil, false
	}

	ep := &Endpoints{
		FrontendPort: int(frontend.Int()),
		APIPort:      int(api.Int()),
		WSPort:       int(ws.Int()),
	}
	if single := server.Get("single_port"); single.Exists() && single.Bool() {
		ep.SinglePort = true
		ep.Port = int(server.Get("port").Int())
	}
	return ep, true
}
