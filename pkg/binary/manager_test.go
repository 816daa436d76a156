package binary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/config"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/logging"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/platform"
)

var linuxKey = platform.Key{OS: "linux", Arch: "x86_64"}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		GitHubRepo:      "owner/repo",
		BinariesDir:     t.TempDir(),
		DownloadTimeout: 30 * time.Second,
	}
}

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(os.Stderr)
	return l
}

func digestFor(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// mockRelease describes what the fake release endpoint serves.
type mockRelease struct {
	tag       string
	assetName string
	data      []byte
	digest    string
	downloads int
}

func newReleaseServer(t *testing.T, mr *mockRelease) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/owner/repo/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"tag_name": %q, "assets": [{"name": %q, "browser_download_url": %q, "digest": %q}]}`,
			mr.tag, mr.assetName, server.URL+"/dl/"+mr.assetName, mr.digest)
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		mr.downloads++
		w.Write(mr.data)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestManager(t *testing.T, settings *config.Settings, server *httptest.Server) *Manager {
	t.Helper()
	client := NewClient(WithAPIBase(server.URL))
	mgr, err := NewManager(settings, testLogger(),
		WithClient(client),
		WithKey(linuxKey),
		WithProbeTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr
}

// linuxArchive builds a release tar.xz with the two candidate binaries:
// the primary fails the probe, the compat variant passes.
func linuxArchive(t *testing.T) []byte {
	return buildTarXz(t, []tarEntry{
		{name: "langkit-app-linux", body: "#!/bin/sh\nexit 1\n", mode: 0644},
		{name: "langkit-app-linux-compat", body: "#!/bin/sh\nexit 0\n", mode: 0644},
	})
}

// TestCheckForUpdate_FirstRun tests that with no persisted baseline the
// remote version is always reported as new
func TestCheckForUpdate_FirstRun(t *testing.T) {
	mr := &mockRelease{tag: "v0.9.2", assetName: "langkit-app-linux.tar.xz"}
	settings := testSettings(t)
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	version, ok := mgr.CheckForUpdate()
	if !ok {
		t.Fatal("Expected first-run check to report an update")
	}
	if version != "0.9.2" {
		t.Errorf("Expected 0.9.2, got %s", version)
	}
}

// TestCheckForUpdate_NumericComparison tests that version ordering is
// numeric per segment, not lexical
func TestCheckForUpdate_NumericComparison(t *testing.T) {
	mr := &mockRelease{tag: "v0.10.0", assetName: "langkit-app-linux.tar.xz"}
	settings := testSettings(t)
	settings.LastKnownVersion = "0.9.2"
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	version, ok := mgr.CheckForUpdate()
	if !ok {
		t.Fatal("Expected 0.10.0 to be newer than 0.9.2")
	}
	if version != "0.10.0" {
		t.Errorf("Expected 0.10.0, got %s", version)
	}

	settings.LastKnownVersion = "0.10.0"
	if _, ok := mgr.CheckForUpdate(); ok {
		t.Error("Expected no update when versions match")
	}
}

// TestCheckForUpdate_FailsClosed tests that any failure in the check path
// is reported as "no update available"
func TestCheckForUpdate_FailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	settings := testSettings(t)
	mgr := newTestManager(t, settings, server)
	if _, ok := mgr.CheckForUpdate(); ok {
		t.Error("Expected fetch failure to report no update")
	}
}

// TestDownload_ChecksumMismatch tests that corrupted bytes are rejected
// before extraction and leave nothing on disk
func TestDownload_ChecksumMismatch(t *testing.T) {
	data := linuxArchive(t)
	mr := &mockRelease{
		tag:       "v0.9.2",
		assetName: "langkit-app-linux.tar.xz",
		data:      data,
		digest:    digestFor([]byte("different bytes")),
	}
	settings := testSettings(t)
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	_, err := mgr.Download(context.Background())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Expected ErrVerificationFailed, got %v", err)
	}

	entries, _ := os.ReadDir(settings.BinariesDir)
	if len(entries) != 0 {
		t.Errorf("Expected empty binaries dir after failed verification, found %v", entries)
	}
	if settings.LastKnownVersion != "" {
		t.Error("Version must not be persisted after a failed download")
	}
}

// TestDownload_SelectsWorkingVariant tests the end-to-end Linux flow:
// extract, mark executable, probe, select the variant that runs
func TestDownload_SelectsWorkingVariant(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("probe scripts require a Unix shell")
	}

	data := linuxArchive(t)
	mr := &mockRelease{
		tag:       "v0.9.2",
		assetName: "langkit-app-linux.tar.xz",
		data:      data,
		digest:    digestFor(data),
	}
	settings := testSettings(t)
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	path, err := mgr.Download(context.Background())
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if filepath.Base(path) != "langkit-app-linux-compat" {
		t.Errorf("Expected compat variant selected, got %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Selected binary missing: %v", err)
	}
	if info.Mode()&0111 == 0 {
		t.Error("Expected exec bit set on selected binary")
	}

	if settings.LastKnownVersion != "0.9.2" {
		t.Errorf("Expected version persisted as 0.9.2, got %q", settings.LastKnownVersion)
	}

	// The working variant is a session cache: Exists must use it
	if !mgr.Exists() {
		t.Error("Expected Exists true after download")
	}
}

// TestDownload_Cancellation tests that a cancelled context aborts the
// download without leaving a partial artifact
func TestDownload_Cancellation(t *testing.T) {
	data := linuxArchive(t)
	mr := &mockRelease{
		tag:       "v0.9.2",
		assetName: "langkit-app-linux.tar.xz",
		data:      data,
		digest:    digestFor(data),
	}
	settings := testSettings(t)
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.Download(ctx); err == nil {
		t.Fatal("Expected cancelled download to fail")
	}

	entries, _ := os.ReadDir(settings.BinariesDir)
	if len(entries) != 0 {
		t.Errorf("Expected no partial artifact after cancellation, found %v", entries)
	}
}

// TestExtract_UnsupportedFormat tests the unknown-suffix error path
func TestExtract_UnsupportedFormat(t *testing.T) {
	settings := testSettings(t)
	mgr := newTestManager(t, settings, newReleaseServer(t, &mockRelease{tag: "v1"}))

	temp := filepath.Join(settings.BinariesDir, "x.tar.bz2")
	if err := os.WriteFile(temp, []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to write temp: %v", err)
	}
	if _, err := mgr.extract("x.tar.bz2", temp); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Error("Expected temp file removed for unsupported format")
	}
}

// TestUpdate_RollsBackOnFailure tests the all-or-nothing guarantee: a
// failed update restores the previous artifact byte-identical and leaves
// no backup files behind
func TestUpdate_RollsBackOnFailure(t *testing.T) {
	data := linuxArchive(t)
	mr := &mockRelease{
		tag:       "v0.2.0",
		assetName: "langkit-app-linux.tar.xz",
		data:      data,
		digest:    digestFor([]byte("corrupted")), // force verification failure
	}
	settings := testSettings(t)
	settings.LastKnownVersion = "0.1.0"
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	current := filepath.Join(settings.BinariesDir, "langkit-app-linux")
	if err := os.WriteFile(current, []byte("old-binary"), 0755); err != nil {
		t.Fatalf("Failed to seed current binary: %v", err)
	}

	updated, err := mgr.Update(context.Background())
	if updated {
		t.Error("Expected update to fail")
	}
	if !errors.Is(err, ErrUpdateRolledBack) {
		t.Fatalf("Expected ErrUpdateRolledBack, got %v", err)
	}

	body, err := os.ReadFile(current)
	if err != nil {
		t.Fatalf("Original binary missing after rollback: %v", err)
	}
	if string(body) != "old-binary" {
		t.Errorf("Original binary not byte-identical after rollback: %q", body)
	}

	assertNoBackups(t, settings.BinariesDir)
}

// TestUpdate_BackupPhaseFailureRollsBack tests that a failure while
// backing up the second candidate restores the first one: the directory
// must hold the full pre-update state, never one candidate replaced and
// another still backed up
func TestUpdate_BackupPhaseFailureRollsBack(t *testing.T) {
	data := linuxArchive(t)
	mr := &mockRelease{
		tag:       "v0.2.0",
		assetName: "langkit-app-linux.tar.xz",
		data:      data,
		digest:    digestFor(data),
	}
	settings := testSettings(t)
	settings.LastKnownVersion = "0.1.0"
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	primary := filepath.Join(settings.BinariesDir, "langkit-app-linux")
	compat := filepath.Join(settings.BinariesDir, "langkit-app-linux-compat")
	if err := os.WriteFile(primary, []byte("old-primary"), 0755); err != nil {
		t.Fatalf("Failed to seed primary: %v", err)
	}
	if err := os.WriteFile(compat, []byte("old-compat"), 0755); err != nil {
		t.Fatalf("Failed to seed compat: %v", err)
	}
	staleBackup := compat + backupSuffix
	if err := os.WriteFile(staleBackup, []byte("stale"), 0644); err != nil {
		t.Fatalf("Failed to seed stale backup: %v", err)
	}

	// The compat candidate's stale backup refuses to go away, after the
	// primary has already been moved aside
	defer func(orig func(string) error) { removeAll = orig }(removeAll)
	removeAll = func(path string) error {
		if path == staleBackup {
			return errors.New("device or resource busy")
		}
		return os.RemoveAll(path)
	}

	updated, err := mgr.Update(context.Background())
	if updated {
		t.Error("Expected update not to apply")
	}
	if err == nil {
		t.Fatal("Expected backup-phase failure to surface")
	}

	body, err := os.ReadFile(primary)
	if err != nil {
		t.Fatalf("Primary missing after backup-phase rollback: %v", err)
	}
	if string(body) != "old-primary" {
		t.Errorf("Primary not byte-identical after rollback: %q", body)
	}
	if body, _ := os.ReadFile(compat); string(body) != "old-compat" {
		t.Errorf("Compat candidate changed during failed backup phase: %q", body)
	}

	if _, err := os.Stat(primary + backupSuffix); !os.IsNotExist(err) {
		t.Error("Primary backup left behind after rollback")
	}
	if mr.downloads != 0 {
		t.Errorf("Expected no download after backup-phase failure, got %d", mr.downloads)
	}
	if settings.LastKnownVersion != "0.1.0" {
		t.Errorf("Version baseline must not move, got %s", settings.LastKnownVersion)
	}
}

// TestUpdate_Success tests the commit path: new artifact present, backups
// deleted, version persisted
func TestUpdate_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("probe scripts require a Unix shell")
	}

	data := linuxArchive(t)
	mr := &mockRelease{
		tag:       "v0.2.0",
		assetName: "langkit-app-linux.tar.xz",
		data:      data,
		digest:    digestFor(data),
	}
	settings := testSettings(t)
	settings.LastKnownVersion = "0.1.0"
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	current := filepath.Join(settings.BinariesDir, "langkit-app-linux")
	if err := os.WriteFile(current, []byte("old-binary"), 0755); err != nil {
		t.Fatalf("Failed to seed current binary: %v", err)
	}

	updated, err := mgr.Update(context.Background())
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !updated {
		t.Fatal("Expected update to apply")
	}

	body, err := os.ReadFile(current)
	if err != nil {
		t.Fatalf("Updated binary missing: %v", err)
	}
	if string(body) == "old-binary" {
		t.Error("Expected binary replaced by the new release")
	}
	if settings.LastKnownVersion != "0.2.0" {
		t.Errorf("Expected version 0.2.0 persisted, got %s", settings.LastKnownVersion)
	}

	assertNoBackups(t, settings.BinariesDir)
}

// TestUpdate_NoOpWhenCurrent tests that update does nothing when already
// on the latest version
func TestUpdate_NoOpWhenCurrent(t *testing.T) {
	mr := &mockRelease{tag: "v0.1.0", assetName: "langkit-app-linux.tar.xz"}
	settings := testSettings(t)
	settings.LastKnownVersion = "0.1.0"
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	updated, err := mgr.Update(context.Background())
	if err != nil {
		t.Fatalf("Expected no-op update, got %v", err)
	}
	if updated {
		t.Error("Expected updated=false when current")
	}
	if mr.downloads != 0 {
		t.Errorf("Expected no download attempts, got %d", mr.downloads)
	}
}

// TestUpdate_FreshInstallFailure tests the open question resolution: with
// nothing to back up, a failed update deletes the partial artifact rather
// than leaving it
func TestUpdate_FreshInstallFailure(t *testing.T) {
	data := linuxArchive(t)
	mr := &mockRelease{
		tag:       "v0.2.0",
		assetName: "langkit-app-linux.tar.xz",
		data:      data,
		digest:    digestFor([]byte("corrupted")),
	}
	settings := testSettings(t)
	mgr := newTestManager(t, settings, newReleaseServer(t, mr))

	if _, err := mgr.Update(context.Background()); !errors.Is(err, ErrUpdateRolledBack) {
		t.Fatalf("Expected ErrUpdateRolledBack, got %v", err)
	}

	entries, _ := os.ReadDir(settings.BinariesDir)
	if len(entries) != 0 {
		t.Errorf("Expected empty binaries dir after fresh-install failure, found %v", entries)
	}
}

// TestExists_Override tests the binary_path override short-circuit
func TestExists_Override(t *testing.T) {
	settings := testSettings(t)
	settings.BinaryPath = filepath.Join(t.TempDir(), "custom-langkit")
	mgr := newTestManager(t, settings, newReleaseServer(t, &mockRelease{tag: "v1"}))

	if mgr.Exists() {
		t.Error("Expected Exists false for missing override path")
	}

	if err := os.WriteFile(settings.BinaryPath, []byte("bin"), 0644); err != nil {
		t.Fatalf("Failed to write override: %v", err)
	}
	if !mgr.Exists() {
		t.Error("Expected Exists true for present override path")
	}

	path, ok := mgr.PathIfExists()
	if !ok || path != settings.BinaryPath {
		t.Errorf("Expected override path returned, got %s ok=%t", path, ok)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if info.Mode()&0111 == 0 {
			t.Error("Expected exec bit asserted on override path")
		}
	}
}

func assertNoBackups(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), backupSuffix) {
			t.Errorf("Backup file left behind: %s", e.Name())
		}
	}
}
