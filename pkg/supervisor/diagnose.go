package supervisor

import (
	"fmt"
	"strings"
)

// exitCodeNotRunnable is the shell sentinel for a command that could not
// be executed at all, typically a dynamic-loader failure.
const exitCodeNotRunnable = 127

// FailureKind classifies why a start attempt or running process failed.
type FailureKind string

const (
	// FailureCrash is an unexpected exit with no better diagnosis.
	FailureCrash FailureKind = "crash"
	// FailureMissingLibrary is a crash traced to missing shared libraries.
	FailureMissingLibrary FailureKind = "missing_library"
	// FailureStartupTimeout means readiness was never observed in time.
	FailureStartupTimeout FailureKind = "startup_timeout"
)

// StartupError carries enough captured diagnostics to be shown verbatim.
type StartupError struct {
	Kind     FailureKind
	ExitCode int
	Stderr   string
	Library  string // probable missing library, when classified
}

func (e *StartupError) Error() string {
	switch e.Kind {
	case FailureMissingLibrary:
		msg := "langkit cannot run in this environment due to missing system libraries.\n\n" +
			"This typically happens when:\n" +
			"- the embedding application runs from Flatpak or Snap\n" +
			"- WebView libraries are not installed\n\n"
		if e.Library != "" {
			msg += fmt.Sprintf("Probable missing library: %s\n\n", e.Library)
		}
		msg += fmt.Sprintf("Technical details:\n%s", e.Stderr)
		return msg
	case FailureStartupTimeout:
		return fmt.Sprintf("server did not report its ports in time\n\n%s", e.Stderr)
	default:
		return fmt.Sprintf("process terminated unexpectedly (exit code %d)\n\n%s", e.ExitCode, e.Stderr)
	}
}

// linkingPatterns are stderr fragments produced by the dynamic loaders of
// each OS family when a shared library is missing.
var linkingPatterns = []string{
	// Linux
	"error while loading shared libraries",
	"cannot open shared object file",
	// Windows
	"the code execution cannot proceed because",
	"was not found",
	"is missing from your computer",
	// macOS
	"dyld: library not loaded",
	"dyld: symbol not found",
	"reason: image not found",
}

// libraryFragments are the library names the langkit build is known to
// link against; matched against stderr to name the probable culprit.
var libraryFragments = []string{
	"libwebkit2gtk",
	"webkit2gtk",
	"libjavascriptcoregtk",
	"libgtk",
	"libglib",
	"libsoup",
	"libgdk",
	"libpango",
	"libcairo",
}

// isLinkingError reports whether stderr looks like a dynamic-linkage
// failure.
func isLinkingError(stderr string) bool {
	if stderr == "" {
		return false
	}
	lower := strings.ToLower(stderr)
	for _, pattern := range linkingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// probableLibrary names the first known library fragment found in stderr.
func probableLibrary(stderr string) string {
	lower := strings.ToLower(stderr)
	for _, fragment := range libraryFragments {
		if strings.Contains(lower, fragment) {
			return fragment
		}
	}
	return ""
}

// classifyExit turns an exit code and captured stderr into a diagnostic.
func classifyExit(exitCode int, stderr string) *StartupError {
	if exitCode == exitCodeNotRunnable || isLinkingError(stderr) {
		return &StartupError{
			Kind:     FailureMissingLibrary,
			ExitCode: exitCode,
			Stderr:   stderr,
			Library:  probableLibrary(stderr),
		}
	}
	return &StartupError{
		Kind:     FailureCrash,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}
