// Package platform maps the running host to the langkit release artifact
// built for it, and selects a working binary variant where several exist.
package platform

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrUnsupported is returned when no langkit build exists for the host.
// Terminal: callers must not retry.
var ErrUnsupported = errors.New("platform not supported")

// Key identifies a (OS family, CPU architecture) pair with the architecture
// token normalized to the convention the release pipeline uses.
type Key struct {
	OS   string
	Arch string
}

func (k Key) String() string {
	return k.OS + "/" + k.Arch
}

// artifactNames maps a platform key to the release asset name.
// The macOS build is a universal binary, so both architectures share it.
var artifactNames = map[Key]string{
	{OS: "windows", Arch: "AMD64"}: "langkit-app-windows.zip",
	{OS: "darwin", Arch: "x86_64"}: "langkit-app-macos.zip",
	{OS: "darwin", Arch: "arm64"}:  "langkit-app-macos.zip",
	{OS: "linux", Arch: "x86_64"}:  "langkit-app-linux.tar.xz",
}

// BundleName is the fixed on-disk name of the macOS app bundle.
const BundleName = "langkit.app"

// linuxCandidates lists the Linux binary variants in preference order.
// The primary build links against the current webkit2gtk; the compat build
// carries older linkage for distributions that still ship it.
var linuxCandidates = []string{
	"langkit-app-linux",
	"langkit-app-linux-compat",
}

// Resolve returns the normalized key for the running host. Deterministic,
// no I/O.
func Resolve() Key {
	return Normalize(runtime.GOOS, runtime.GOARCH)
}

// Normalize collapses architecture synonyms (amd64/x86_64/AMD64,
// aarch64/arm64) into one canonical token per OS convention.
func Normalize(osName, arch string) Key {
	switch strings.ToLower(arch) {
	case "amd64", "x86_64":
		if osName == "windows" {
			arch = "AMD64"
		} else {
			arch = "x86_64"
		}
	case "aarch64", "arm64":
		arch = "arm64"
	}
	return Key{OS: osName, Arch: arch}
}

// ArtifactName returns the release asset name for the key, or
// ErrUnsupported when no build exists for this platform.
func ArtifactName(k Key) (string, error) {
	name, ok := artifactNames[k]
	if !ok {
		return "", ErrUnsupported
	}
	return name, nil
}

// LocalName derives the on-disk runnable name from a release asset name.
func LocalName(osName, artifactName string) string {
	local := strings.TrimSuffix(artifactName, ".zip")
	local = strings.TrimSuffix(local, ".tar.xz")

	switch osName {
	case "darwin":
		return BundleName
	case "windows":
		if !strings.HasSuffix(local, ".exe") {
			return local + ".exe"
		}
		return local
	default:
		return local
	}
}

// Candidates returns the local binary names to consider for the key, in
// preference order. Only Linux ships more than one variant.
func Candidates(k Key) ([]string, error) {
	artifact, err := ArtifactName(k)
	if err != nil {
		return nil, err
	}
	if k.OS == "linux" {
		out := make([]string, len(linuxCandidates))
		copy(out, linuxCandidates)
		return out, nil
	}
	return []string{LocalName(k.OS, artifact)}, nil
}

// ExecutablePath resolves the path actually handed to exec. For the macOS
// app bundle the binary lives at a fixed location inside the directory.
func ExecutablePath(artifactPath string) string {
	if strings.HasSuffix(artifactPath, ".app") {
		return filepath.Join(artifactPath, "Contents", "MacOS", "langkit")
	}
	return artifactPath
}
