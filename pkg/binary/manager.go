// Package binary manages the langkit application artifact: platform
// discovery, download with checksum verification, extraction, and
// transactional updates with rollback.
package binary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/config"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/logging"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/metrics"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/platform"
)

const backupSuffix = ".backup"

// Manager owns the on-disk artifact for exactly one platform key.
type Manager struct {
	log      *logging.Logger
	settings *config.Settings
	client   *Client
	metrics  *metrics.Metrics

	key          platform.Key
	binariesDir  string
	probeTimeout time.Duration

	// Working-variant cache lives for the process lifetime only; it is
	// never serialized. Distinct from the persisted last_known_version.
	mu             sync.Mutex
	workingVariant string
	probed         bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClient overrides the release client.
func WithClient(c *Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithKey overrides the platform key (tests exercise foreign platforms).
func WithKey(k platform.Key) Option {
	return func(m *Manager) {
		m.key = k
	}
}

// WithMetrics attaches instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mx
	}
}

// WithProbeTimeout bounds each variant probe invocation.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// NewManager creates a Manager rooted at the settings' binaries directory.
func NewManager(settings *config.Settings, log *logging.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		log:          log,
		settings:     settings,
		client:       NewClient(WithDownloadTimeout(settings.DownloadTimeout)),
		key:          platform.Resolve(),
		binariesDir:  settings.BinariesDir,
		probeTimeout: platform.DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(m.binariesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create binaries directory %s: %w", m.binariesDir, err)
	}
	return m, nil
}

// Key returns the platform key the manager resolves artifacts for.
func (m *Manager) Key() platform.Key {
	return m.key
}

// BinariesDir returns the directory artifacts are materialized in.
func (m *Manager) BinariesDir() string {
	return m.binariesDir
}

// ArtifactName returns the release asset name for this platform, or
// platform.ErrUnsupported.
func (m *Manager) ArtifactName() (string, error) {
	return platform.ArtifactName(m.key)
}

// workingLocalName resolves the on-disk name of the runnable artifact.
// On Linux this defers to the variant probe; the result is cached for
// the session. The second return is false when nothing runnable exists.
func (m *Manager) workingLocalName() (string, bool) {
	artifact, err := platform.ArtifactName(m.key)
	if err != nil {
		return "", false
	}

	if m.key.OS != "linux" {
		name := platform.LocalName(m.key.OS, artifact)
		if _, err := os.Stat(filepath.Join(m.binariesDir, name)); err != nil {
			return "", false
		}
		return name, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probed {
		return m.workingVariant, m.workingVariant != ""
	}

	candidates, _ := platform.Candidates(m.key)
	name, ok := platform.SelectWorking(m.binariesDir, candidates, m.probeTimeout)
	m.probed = true
	if ok {
		m.workingVariant = name
		m.log.Debug("Variant probe selected binary", map[string]interface{}{"name": name})
		return name, true
	}
	return "", false
}

// invalidateVariantCache drops the session probe result, forcing the next
// query to probe again (after downloads and updates).
func (m *Manager) invalidateVariantCache() {
	m.mu.Lock()
	m.probed = false
	m.workingVariant = ""
	m.mu.Unlock()
}

// Exists reports whether a runnable artifact is present without touching
// the network. A configured binary_path override wins; on Linux, present
// files that fail the variant probe do not count.
func (m *Manager) Exists() bool {
	if m.settings.BinaryPath != "" {
		_, err := os.Stat(m.settings.BinaryPath)
		return err == nil
	}
	_, ok := m.workingLocalName()
	return ok
}

// PathIfExists returns the artifact path only if one is already present,
// re-asserting the exec bit on Unix.
func (m *Manager) PathIfExists() (string, bool) {
	if m.settings.BinaryPath != "" {
		if _, err := os.Stat(m.settings.BinaryPath); err == nil {
			if err := markExecutable(m.settings.BinaryPath); err != nil {
				m.log.Warn("Failed to set exec bit on override path", map[string]interface{}{"error": err.Error()})
			}
			return m.settings.BinaryPath, true
		}
		return "", false
	}

	name, ok := m.workingLocalName()
	if !ok {
		return "", false
	}
	path := filepath.Join(m.binariesDir, name)
	if err := markExecutable(path); err != nil {
		m.log.Warn("Failed to set exec bit", map[string]interface{}{"path": path, "error": err.Error()})
	}
	return path, true
}

// EnsurePresent returns the path to a runnable artifact, downloading the
// latest release if none exists yet.
func (m *Manager) EnsurePresent(ctx context.Context) (string, error) {
	if path, ok := m.PathIfExists(); ok {
		return path, nil
	}
	if _, err := m.ArtifactName(); err != nil {
		return "", fmt.Errorf("langkit is not available for %s: %w", m.key, err)
	}
	return m.Download(ctx)
}

// CheckForUpdate reports a newer remote version, or ok=false when up to
// date. Every failure in this path is treated as "no update available";
// update checks never fail loud.
func (m *Manager) CheckForUpdate() (string, bool) {
	release, err := m.client.FetchRelease(m.settings.GitHubRepo)
	if err != nil {
		m.log.Debug("Update check failed", map[string]interface{}{"error": err.Error()})
		return "", false
	}

	latest := release.Version()
	if latest == "" {
		return "", false
	}
	current := strings.TrimPrefix(m.settings.LastKnownVersion, "v")
	if current == "" {
		// First run: no baseline, report whatever is remote as new
		return latest, true
	}
	if CompareVersions(latest, current) > 0 {
		return latest, true
	}
	return "", false
}

// Download fetches the latest release, verifies it, extracts it into the
// binaries directory and persists the release tag. Returns the path of the
// runnable artifact.
func (m *Manager) Download(ctx context.Context) (string, error) {
	release, err := m.client.FetchRelease(m.settings.GitHubRepo)
	if err != nil {
		m.metrics.DownloadFinished("failure", 0)
		return "", err
	}
	return m.downloadRelease(ctx, release)
}

func (m *Manager) downloadRelease(ctx context.Context, release *ReleaseInfo) (string, error) {
	artifactName, err := m.ArtifactName()
	if err != nil {
		return "", err
	}

	asset := release.FindAsset(artifactName)
	if asset == nil {
		m.metrics.DownloadFinished("failure", 0)
		return "", fmt.Errorf("%w: %s in release %s", ErrNoAsset, artifactName, release.TagName)
	}

	m.log.Info("Downloading artifact", map[string]interface{}{
		"asset":   asset.Name,
		"version": release.TagName,
	})

	tempPath := filepath.Join(m.binariesDir, artifactName+".tmp")
	written, err := m.fetchVerified(ctx, asset, tempPath)
	if err != nil {
		m.metrics.DownloadFinished("failure", written)
		return "", err
	}

	finalPath, err := m.extract(artifactName, tempPath)
	if err != nil {
		m.metrics.DownloadFinished("failure", written)
		return "", err
	}

	if err := m.settings.SetLastKnownVersion(release.Version()); err != nil {
		m.log.Warn("Artifact installed but version not persisted", map[string]interface{}{"error": err.Error()})
	}

	m.metrics.DownloadFinished("success", written)
	m.log.Info("Artifact installed", map[string]interface{}{"path": finalPath})
	return finalPath, nil
}

// fetchVerified streams the asset to tempPath while hashing, checking for
// cancellation between chunks. A digest mismatch removes the temp file
// before anything is extracted.
func (m *Manager) fetchVerified(ctx context.Context, asset *Asset, tempPath string) (int64, error) {
	body, _, err := m.client.Get(asset.BrowserDownloadURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: create temp file: %v", ErrNetworkFailure, err)
	}

	hash := sha256.New()
	buf := make([]byte, 64*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			out.Close()
			os.Remove(tempPath)
			return written, fmt.Errorf("download cancelled: %w", ctx.Err())
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				os.Remove(tempPath)
				return written, fmt.Errorf("%w: write temp file: %v", ErrNetworkFailure, err)
			}
			written += int64(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			out.Close()
			os.Remove(tempPath)
			return written, fmt.Errorf("%w: read body: %v", ErrNetworkFailure, readErr)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return written, fmt.Errorf("%w: close temp file: %v", ErrNetworkFailure, err)
	}

	if expected := asset.SHA256(); expected != "" {
		actual := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(actual, expected) {
			os.Remove(tempPath)
			return written, fmt.Errorf("%w: got %s, want %s", ErrVerificationFailed, actual, expected)
		}
	}

	return written, nil
}

// extract unpacks the verified temp file and resolves the runnable path.
// The temp file is always removed.
func (m *Manager) extract(artifactName, tempPath string) (string, error) {
	defer os.Remove(tempPath)

	switch {
	case strings.HasSuffix(artifactName, ".zip"):
		if err := extractZip(tempPath, m.binariesDir); err != nil {
			return "", err
		}
		if m.key.OS == "darwin" {
			return findBundle(m.binariesDir)
		}
		return filepath.Join(m.binariesDir, platform.LocalName(m.key.OS, artifactName)), nil

	case strings.HasSuffix(artifactName, ".tar.xz"):
		if err := extractTarXz(tempPath, m.binariesDir); err != nil {
			return "", err
		}
		return m.selectExtracted()

	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, artifactName)
	}
}

// selectExtracted marks all candidate binaries executable and runs the
// variant probe. When no variant probes clean the first candidate present
// is still returned: a stale archive may be partially usable.
func (m *Manager) selectExtracted() (string, error) {
	candidates, err := platform.Candidates(m.key)
	if err != nil {
		return "", err
	}

	var present []string
	for _, name := range candidates {
		path := filepath.Join(m.binariesDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := markExecutable(path); err != nil {
			m.log.Warn("Failed to set exec bit", map[string]interface{}{"path": path, "error": err.Error()})
		}
		present = append(present, name)
	}
	if len(present) == 0 {
		return "", fmt.Errorf("%w: archive contained no known binary", ErrExtractionFailed)
	}

	m.invalidateVariantCache()
	if name, ok := m.workingLocalName(); ok {
		return filepath.Join(m.binariesDir, name), nil
	}

	m.log.Warn("No binary variant passed the probe, falling back to first candidate", map[string]interface{}{
		"candidate": present[0],
	})
	return filepath.Join(m.binariesDir, present[0]), nil
}

// backupEntry records one candidate moved aside during an update.
type backupEntry struct {
	current string
	saved   string
}

// restoreBackups copies every saved artifact back over its original path
// and deletes the backup copy. Unconditional; a restore error is logged
// but must not leave backup files behind after a successful copy.
func (m *Manager) restoreBackups(backups []backupEntry) {
	for _, b := range backups {
		if err := copyPath(b.saved, b.current); err != nil {
			m.log.Error("Rollback restore failed", map[string]interface{}{
				"path":  b.current,
				"error": err.Error(),
			})
			continue
		}
		removePath(b.saved)
	}
}

// Update applies a transactional update: back up everything present,
// download the new release, and either commit (backups deleted) or roll
// back (backups restored, then deleted). Returns false with a nil error
// when already up to date.
func (m *Manager) Update(ctx context.Context) (bool, error) {
	newVersion, ok := m.CheckForUpdate()
	if !ok {
		m.log.Info("Already up to date")
		return false, nil
	}
	m.log.Info("Updating artifact", map[string]interface{}{
		"from": m.settings.LastKnownVersion,
		"to":   newVersion,
	})

	candidates, err := platform.Candidates(m.key)
	if err != nil {
		m.metrics.UpdateFinished("failure")
		return false, err
	}

	// Copy, not move: restore must be possible even if the download
	// partially clobbers the originals. Any failure in this phase rolls
	// back the candidates already moved aside; the directory must never
	// end up with one candidate replaced and another still backed up.
	var backups []backupEntry
	for _, name := range candidates {
		current := filepath.Join(m.binariesDir, name)
		if _, err := os.Lstat(current); err != nil {
			continue
		}
		saved := current + backupSuffix
		if err := removePath(saved); err != nil {
			m.restoreBackups(backups)
			m.metrics.UpdateFinished("failure")
			return false, fmt.Errorf("failed to clear stale backup: %w", err)
		}
		if err := copyPath(current, saved); err != nil {
			removePath(saved)
			m.restoreBackups(backups)
			m.metrics.UpdateFinished("failure")
			return false, fmt.Errorf("failed to back up %s: %w", name, err)
		}
		if err := removePath(current); err != nil {
			m.restoreBackups(append(backups, backupEntry{current: current, saved: saved}))
			m.metrics.UpdateFinished("failure")
			return false, fmt.Errorf("failed to remove current artifact %s: %w", name, err)
		}
		backups = append(backups, backupEntry{current: current, saved: saved})
	}

	m.invalidateVariantCache()

	if _, err := m.Download(ctx); err != nil {
		// Drop whatever the failed download left behind, then restore
		// every backup.
		for _, name := range candidates {
			removePath(filepath.Join(m.binariesDir, name))
		}
		m.restoreBackups(backups)
		m.invalidateVariantCache()
		m.metrics.UpdateFinished("failure")
		return false, fmt.Errorf("%w: %v", ErrUpdateRolledBack, err)
	}

	for _, b := range backups {
		if err := removePath(b.saved); err != nil {
			m.log.Warn("Failed to delete backup after update", map[string]interface{}{"path": b.saved})
		}
	}

	m.metrics.UpdateFinished("success")
	m.log.Info("Update complete", map[string]interface{}{"version": newVersion})
	return true, nil
}
