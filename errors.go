package filecache

import (
	"errors"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/filecache/internal/store"
)

// Sentinel errors re-exported for errors.Is checks on surfaced failures.
// Read-path corruption and expiry never surface as errors: they degrade to
// ordinary misses so a damaged cache cannot crash the host application.
var (
	// ErrInvalidKey indicates a malformed key: empty or longer than the
	// maximum key length.
	ErrInvalidKey = store.ErrInvalidKey

	// ErrCorrupt indicates entry bytes that failed to decode.
	ErrCorrupt = store.ErrCorrupt
)

// mapWriteError converts a write-path failure into a coded platform error.
// Write failures are always surfaced: a caller must know its write did not
// persist.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrInvalidKey) {
		return platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid cache key")
	}
	return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache write failed")
}

// mapKeyError converts key validation failures on non-write paths.
func mapKeyError(err error) error {
	if err == nil {
		return nil
	}
	return platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid cache key")
}

// mapIOError converts read-side infrastructure failures that must surface,
// such as listing a scope for Keys or Size.
func mapIOError(err error) error {
	if err == nil {
		return nil
	}
	return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache storage unavailable")
}

// mapComputeError wraps a failure raised by a caller-supplied compute
// callback. The failure propagates uncached so a broken computation never
// poisons the cache.
func mapComputeError(err error) error {
	return platformerrors.Wrap(err, platformerrors.CodeExecutionFailed, "cache compute callback failed")
}

// mapLockError converts lock-marker infrastructure failures. Contention is
// not an error (Acquire reports it as false); only filesystem faults reach
// this path.
func mapLockError(err error) error {
	if err == nil {
		return nil
	}
	return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache lock operation failed")
}
