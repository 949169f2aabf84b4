// Package dynerr implements the error taxonomy of spec.md §7: a small set
// of sentinel conditions plus a wrapped type for engine-internal failures
// that carries enough context for the fatal-exit diagnostic record. Modeled
// on gvisor's split between plain sentinel errors (pkg/syserror) and richer
// wrapped errors (pkg/errors) for the same reason: callers on the hot path
// want cheap identity comparison, callers building a diagnostic want a
// message and a cause.
package dynerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the §7 taxonomy's recoverable conditions.
var (
	// ErrDecodeFailure means decoding hit bytes that are not valid
	// instructions, or an unreadable page. Decode failures on application
	// bytes surface as the fault the CPU would have raised; decode
	// failures on engine-emitted bytes are fatal (see Fatal).
	ErrDecodeFailure = errors.New("dynerr: decode failure")

	// ErrOutOfCache means a code cache partition could not satisfy an
	// allocation. pkg/cache returns it as soon as a partition's unit budget
	// is exhausted; pkg/dispatch evicts once and retries before passing it
	// on.
	ErrOutOfCache = errors.New("dynerr: out of cache memory")

	// ErrTranslationFailure means a cache PC fell inside a non-restartable
	// mangling sequence with no recorded boundary to advance or rewind to.
	ErrTranslationFailure = errors.New("dynerr: translation failure")

	// ErrSynchallTimeout means cooperative safe-point wait exceeded its
	// bound; callers should escalate to forced suspension.
	ErrSynchallTimeout = errors.New("dynerr: synchall cooperative wait timed out")

	// ErrForcedSuspendFailed means OS-level thread suspension failed
	// (typically a privilege error); the affected thread is skipped.
	ErrForcedSuspendFailed = errors.New("dynerr: forced suspension failed")

	// ErrDetachFailed means detach could not complete; the engine remains
	// in place and continues running.
	ErrDetachFailed = errors.New("dynerr: detach failed")

	// ErrAlreadyPresent means an insert raced another insert of the same
	// key and lost.
	ErrAlreadyPresent = errors.New("dynerr: entry already present")

	// ErrWrapMisuse means a wrap callback used an API not valid in its
	// phase (e.g. set_arg from a post-callback); flagged, not fatal.
	ErrWrapMisuse = errors.New("dynerr: wrap callback misuse")

	// ErrReplaceExists means Replace was called on an address that
	// already has a replacement and override was false.
	ErrReplaceExists = errors.New("dynerr: replacement already installed")
)

// FatalError marks a condition that §7 says must terminate the process: an
// engine-code decode failure, a translation failure with no recorded
// boundary, or any other state the engine cannot recover from locally.
type FatalError struct {
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dynerr: fatal: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("dynerr: fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Fatal constructs a FatalError, the input to the central fatal-exit routine
// (spec.md §7 "Propagation").
func Fatal(reason string, cause error) *FatalError {
	return &FatalError{Reason: reason, Cause: cause}
}

// IsFatal reports whether err (or something it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
