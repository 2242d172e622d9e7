package entity

import "errors"

// Error taxonomy shared by the registry, drivers and dispatch workers.
// Callers wrap these with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrInvalidArgument is returned for malformed input (bad IP, bad config).
	// It is always rejected synchronously and never enqueued.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned for unknown ban, integration or rule ids.
	ErrNotFound = errors.New("not found")

	// ErrDriverUnavailable covers auth failures, network errors and
	// backend-reported errors. Dispatch retries it.
	ErrDriverUnavailable = errors.New("driver unavailable")

	// ErrTimeout is a driver call that exceeded its deadline.
	// It is handled exactly like ErrDriverUnavailable.
	ErrTimeout = errors.New("driver timeout")

	// ErrConflict signals a concurrent duplicate write. The ban registry
	// resolves it internally through its upsert.
	ErrConflict = errors.New("conflict")
)

// IsRetryable reports whether a dispatch failure should be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDriverUnavailable) || errors.Is(err, ErrTimeout)
}
