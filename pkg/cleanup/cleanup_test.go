package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/logging"
)

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(os.Stderr)
	return l
}

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("Failed to age %s: %v", name, err)
	}
	return path
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{Enabled: true, MaxAge: 24 * time.Hour, Interval: time.Hour}, testLogger())
	m.dir = dir

	stale := writeAged(t, dir, "langkit_host_abc123.json", 48*time.Hour)
	staleSink := writeAged(t, dir, "langkit_host_stderr_xyz.log", 48*time.Hour)
	fresh := writeAged(t, dir, "langkit_host_def456.json", time.Minute)
	unrelated := writeAged(t, dir, "someone_elses_file.json", 48*time.Hour)

	m.SweepNow()

	for _, path := range []string{stale, staleSink} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("Expected stale file removed: %s", path)
		}
	}
	for _, path := range []string{fresh, unrelated} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected file kept: %s (%v)", path, err)
		}
	}

	stats := m.GetStats()
	if stats.TotalFilesRemoved != 2 {
		t.Errorf("Expected 2 removals recorded, got %d", stats.TotalFilesRemoved)
	}
	if stats.LastSweepTime.IsZero() {
		t.Error("Expected sweep time recorded")
	}
}

func TestStart_Disabled(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{Enabled: false}, testLogger())
	m.dir = dir

	stale := writeAged(t, dir, "langkit_host_abc123.json", 48*time.Hour)

	m.Start()
	m.Stop()

	if _, err := os.Stat(stale); err != nil {
		t.Error("Disabled manager must not remove anything")
	}
	if m.GetStats().TotalFilesRemoved != 0 {
		t.Error("Expected no removals recorded")
	}
}

func TestStartStop(t *testing.T) {
	m := New(Config{Enabled: true, MaxAge: 24 * time.Hour, Interval: time.Hour}, testLogger())
	m.dir = t.TempDir()
	m.Start()
	m.Stop() // must not hang or panic
}
