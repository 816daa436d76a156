package binary

import "errors"

var (
	// ErrNetworkFailure covers release fetches and downloads that did not
	// complete. The caller may retry later; the manager never retries on
	// its own.
	ErrNetworkFailure = errors.New("network failure")

	// ErrVerificationFailed means the downloaded bytes did not match the
	// published digest. The bytes are discarded before extraction.
	ErrVerificationFailed = errors.New("checksum verification failed")

	// ErrExtractionFailed means the archive was corrupt or laid out
	// unexpectedly.
	ErrExtractionFailed = errors.New("archive extraction failed")

	// ErrUnsupportedFormat means the asset carries an archive suffix the
	// manager does not handle.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrUpdateRolledBack means an update failed after backup; the
	// pre-update artifact has been restored.
	ErrUpdateRolledBack = errors.New("update failed, previous version restored")

	// ErrNoAsset means the release exists but carries no asset for this
	// platform.
	ErrNoAsset = errors.New("no matching asset in release")
)
