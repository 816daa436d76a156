// Package supervisor runs the langkit server binary and watches it: start
// with a readiness handshake over a shared config file, monitor for
// crashes, stop with bounded escalation.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/config"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/logging"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/metrics"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/platform"
)

const (
	stderrTailLines        = 20
	defaultMonitorInterval = time.Second
	defaultStopGrace       = 5 * time.Second
	defaultRestartPause    = time.Second
)

// Supervisor manages exactly one instance of the server process.
type Supervisor struct {
	log     *logging.Logger
	metrics *metrics.Metrics

	binaryPath      string
	startupTimeout  time.Duration
	pollInterval    time.Duration
	pollTimeout     time.Duration
	monitorInterval time.Duration
	stopGrace       time.Duration
	restartPause    time.Duration

	mu         sync.Mutex
	state      State
	cmd        *exec.Cmd
	pid        int
	configFile string
	stderrFile string
	endpoints  *Endpoints
	exitCh     chan struct{}
	exitCode   int
	lastStderr string

	// Set before any termination signal is sent so the monitor never
	// mistakes a requested stop for a crash.
	stopRequested atomic.Bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithMonitorInterval overrides the background liveness check interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.monitorInterval = d
		}
	}
}

// WithStopGrace overrides the graceful-termination grace period.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithRestartPause overrides the pause between stop and start on restart.
func WithRestartPause(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.restartPause = d
		}
	}
}

// New creates a supervisor for the given binary. Timeouts come from the
// settings; the binary path comes from the artifact manager.
func New(binaryPath string, settings *config.Settings, log *logging.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:             log,
		binaryPath:      binaryPath,
		startupTimeout:  settings.ProcessStartupTimeout,
		pollInterval:    settings.ConfigPollInterval,
		pollTimeout:     settings.ConfigPollTimeout,
		monitorInterval: defaultMonitorInterval,
		stopGrace:       defaultStopGrace,
		restartPause:    defaultRestartPause,
		state:           StateStopped,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 500 * time.Millisecond
	}
	if s.pollTimeout <= 0 {
		s.pollTimeout = 10 * time.Second
	}
	if s.startupTimeout <= 0 {
		s.startupTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the process id of the supervised process, 0 when none.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return 0
	}
	return s.pid
}

// IsRunning reports whether a process handle exists and a non-blocking
// liveness check shows it has not exited.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	cmd, exitCh := s.cmd, s.exitCh
	s.mu.Unlock()
	if cmd == nil || exitCh == nil {
		return false
	}
	select {
	case <-exitCh:
		return false
	default:
		return true
	}
}

// Endpoints returns the ports captured during the last successful start,
// or nil if the process never reported readiness (or has since stopped).
func (s *Supervisor) Endpoints() *Endpoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoints == nil {
		return nil
	}
	ep := *s.endpoints
	return &ep
}

// Start launches the process and blocks until it reports its endpoints or
// the attempt fails. Calling Start while running is a no-op success.
func (s *Supervisor) Start() error {
	if s.IsRunning() {
		return nil
	}

	s.mu.Lock()
	s.state = StateStarting
	s.lastStderr = ""
	s.exitCode = 0

	configFile, err := s.writeInitialConfig()
	if err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}
	s.configFile = configFile

	stderrSink, err := os.CreateTemp("", "langkit_host_stderr_*.log")
	if err != nil {
		os.Remove(configFile)
		s.configFile = ""
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("failed to create stderr sink: %w", err)
	}
	s.stderrFile = stderrSink.Name()

	execPath := platform.ExecutablePath(s.binaryPath)
	cmd := exec.Command(execPath, "--server", configFile)
	// Stdout stays untouched: capturing it through a pipe nobody drains
	// would deadlock the server once the buffer fills.
	cmd.Stdout = nil
	cmd.Stderr = stderrSink

	if err := cmd.Start(); err != nil {
		stderrSink.Close()
		s.cleanupFilesLocked()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", execPath, err)
	}
	// The sink file descriptor is inherited by the child; our handle can go.
	stderrSink.Close()

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.stopRequested.Store(false)
	exitCh := make(chan struct{})
	s.exitCh = exitCh
	s.mu.Unlock()

	s.log.Info("Server process started", map[string]interface{}{"pid": cmd.Process.Pid})
	s.metrics.SetProcessUp(true)

	go s.reap(cmd, exitCh)
	go s.monitor(exitCh)

	endpoints, err := s.awaitReady(configFile, exitCh)
	if err != nil {
		s.log.Error("Server failed to become ready", map[string]interface{}{"error": err.Error()})
		s.Stop()
		return err
	}

	s.mu.Lock()
	s.endpoints = endpoints
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info("Server ready", map[string]interface{}{"url": endpoints.FrontendURL()})
	return nil
}

// Stop terminates the process if one is running: graceful signal, bounded
// grace period, then forced kill. Idempotent; always removes the runtime
// config file and stderr sink and clears captured endpoints.
func (s *Supervisor) Stop() error {
	// Flag first, then signal: the monitor must never observe the exit
	// before it can tell the stop was requested.
	s.stopRequested.Store(true)

	s.mu.Lock()
	cmd, exitCh := s.cmd, s.exitCh
	if cmd != nil {
		s.state = StateStopping
	}
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		s.terminate(cmd)
		if exitCh != nil {
			select {
			case <-exitCh:
			case <-time.After(s.stopGrace):
				s.log.Warn("Graceful shutdown timed out, killing process")
				cmd.Process.Kill()
				select {
				case <-exitCh:
				case <-time.After(2 * time.Second):
				}
			}
		}
	}

	s.mu.Lock()
	s.cmd = nil
	s.pid = 0
	s.exitCh = nil
	s.endpoints = nil
	s.cleanupFilesLocked()
	s.state = StateStopped
	s.mu.Unlock()

	s.metrics.SetProcessUp(false)
	return nil
}

// Restart stops the process, pauses briefly, and starts it again. Not
// atomic: a failed start leaves the supervisor stopped.
func (s *Supervisor) Restart() error {
	s.Stop()
	time.Sleep(s.restartPause)
	s.metrics.ProcessRestarted()
	return s.Start()
}

// LastStderr returns the captured stderr tail from the most recent exit.
func (s *Supervisor) LastStderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStderr
}

// Diagnostics is a point-in-time snapshot for status reporting.
type Diagnostics struct {
	State       State      `json:"state"`
	Running     bool       `json:"running"`
	PID         int        `json:"pid,omitempty"`
	BinaryPath  string     `json:"binary_path"`
	ConfigFile  string     `json:"config_file,omitempty"`
	Endpoints   *Endpoints `json:"endpoints,omitempty"`
	FrontendURL string     `json:"frontend_url,omitempty"`
	CPUPercent  float64    `json:"cpu_percent,omitempty"`
	MemoryBytes uint64     `json:"memory_bytes,omitempty"`
}

// Diagnostics reports the current state of the supervised process,
// sampling CPU and memory when it is alive.
func (s *Supervisor) Diagnostics() Diagnostics {
	s.mu.Lock()
	d := Diagnostics{
		State:      s.state,
		PID:        s.pid,
		BinaryPath: s.binaryPath,
		ConfigFile: s.configFile,
	}
	if s.endpoints != nil {
		ep := *s.endpoints
		d.Endpoints = &ep
		d.FrontendURL = ep.FrontendURL()
	}
	s.mu.Unlock()

	d.Running = s.IsRunning()
	if d.Running && d.PID > 0 {
		if proc, err := process.NewProcess(int32(d.PID)); err == nil {
			if cpu, err := proc.CPUPercent(); err == nil {
				d.CPUPercent = cpu
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				d.MemoryBytes = mem.RSS
			}
		}
	}
	return d
}

// writeInitialConfig creates the runtime config file the server will later
// merge its endpoint report into.
func (s *Supervisor) writeInitialConfig() (string, error) {
	f, err := os.CreateTemp("", "langkit_host_*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create runtime config file: %w", err)
	}
	initial := map[string]interface{}{
		"addon_instance": true,
		"created_at":     time.Now().Unix(),
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(initial); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write runtime config file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close runtime config file: %w", err)
	}
	return f.Name(), nil
}

// reap waits on the process and records its exit.
func (s *Supervisor) reap(cmd *exec.Cmd, exitCh chan struct{}) {
	err := cmd.Wait()

	code := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.exitCode = code
	s.lastStderr = s.readStderrTailLocked()
	s.mu.Unlock()

	close(exitCh)
}

// monitor watches for unrequested termination and samples resource usage
// while the process lives.
func (s *Supervisor) monitor(exitCh <-chan struct{}) {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-exitCh:
			if s.stopRequested.Load() {
				return
			}
			s.handleCrash()
			return
		case <-ticker.C:
			if s.stopRequested.Load() {
				return
			}
			s.sampleUsage()
		}
	}
}

func (s *Supervisor) handleCrash() {
	s.mu.Lock()
	code := s.exitCode
	stderr := s.lastStderr
	wasRunning := s.state == StateRunning
	s.cmd = nil
	s.pid = 0
	s.endpoints = nil
	// The stderr tail is already captured; the dead process's runtime
	// files can go now rather than waiting for the next Stop
	s.cleanupFilesLocked()
	if wasRunning {
		s.state = StateCrashed
	}
	s.mu.Unlock()

	s.metrics.SetProcessUp(false)
	if wasRunning {
		s.metrics.ProcessCrashed()
	}

	diag := classifyExit(code, stderr)
	s.log.Error("Server process terminated unexpectedly", map[string]interface{}{
		"exit_code": code,
		"kind":      string(diag.Kind),
	})
	if stderr != "" {
		s.log.Error("Server stderr", map[string]interface{}{"output": stderr})
	}
}

func (s *Supervisor) sampleUsage() {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	cpu, _ := proc.CPUPercent()
	var rss uint64
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	s.metrics.SetProcessUsage(cpu, rss)
}

// terminate sends the platform-appropriate graceful termination signal.
func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" {
		cmd.Process.Kill()
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.Debug("SIGTERM failed", map[string]interface{}{"error": err.Error()})
	}
}

// readStderrTailLocked returns the last lines of the capture sink.
// Callers hold s.mu.
func (s *Supervisor) readStderrTailLocked() string {
	if s.stderrFile == "" {
		return ""
	}
	data, err := os.ReadFile(s.stderrFile)
	if err != nil || len(data) == 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.Join(lines, "\n")
}

// cleanupFilesLocked removes the runtime config file and stderr sink.
// Callers hold s.mu.
func (s *Supervisor) cleanupFilesLocked() {
	if s.configFile != "" {
		os.Remove(s.configFile)
		s.configFile = ""
	}
	if s.stderrFile != "" {
		os.Remove(s.stderrFile)
		s.stderrFile = ""
	}
}
