// Package cleanup removes stale runtime files left behind by hosts that
// exited without shutting down: orphaned runtime config files and stderr
// sinks in the temp directory. Files younger than the retention age are
// never touched, so a concurrently running host is safe.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/logging"
)

// patterns are the temp-file name patterns the supervisor creates.
var patterns = []string{
	"langkit_host_*.json",
	"langkit_host_stderr_*.log",
}

// Config defines retention policy and sweep interval.
type Config struct {
	Enabled  bool
	MaxAge   time.Duration
	Interval time.Duration
}

// DefaultConfig returns sensible defaults for stale-file cleanup.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		MaxAge:   24 * time.Hour,
		Interval: 6 * time.Hour,
	}
}

// Stats tracks sweep operations.
type Stats struct {
	LastSweepTime     time.Time
	LastSweepDuration time.Duration
	TotalFilesRemoved int64
}

// Manager periodically sweeps the temp directory for stale runtime files.
type Manager struct {
	config Config
	log    *logging.Logger
	dir    string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New creates a cleanup manager sweeping the system temp directory.
func New(config Config, log *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		log:    log,
		dir:    os.TempDir(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs an immediate sweep and begins the periodic loop.
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.log.Debug("Stale-file cleanup disabled")
		return
	}

	m.sweep()

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the periodic loop.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// SweepNow triggers an immediate sweep.
func (m *Manager) SweepNow() {
	m.sweep()
}

// GetStats returns current sweep statistics.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes matching files whose modification time is older than the
// retention age. Removal errors are logged and skipped; another host may
// have raced us to the file.
func (m *Manager) sweep() {
	startTime := time.Now()
	cutoff := startTime.Add(-m.config.MaxAge)
	removed := 0

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(m.dir, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				m.log.Debug("Failed to remove stale file", map[string]interface{}{
					"path":  path,
					"error": err.Error(),
				})
				continue
			}
			removed++
		}
	}

	duration := time.Since(startTime)

	m.mu.Lock()
	m.stats.LastSweepTime = time.Now()
	m.stats.LastSweepDuration = duration
	m.stats.TotalFilesRemoved += int64(removed)
	m.mu.Unlock()

	if removed > 0 {
		m.log.Info("Removed stale runtime files", map[string]interface{}{
			"count":    removed,
			"max_age":  m.config.MaxAge.String(),
			"duration": duration.String(),
		})
	}
}
