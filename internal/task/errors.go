package task

import (
	"errors"
	"fmt"
)

var (
	// ErrRangeUnsupported signals that a ranged request was refused,
	// forcing a re-probe and single-stream fallback.
	ErrRangeUnsupported = errors.New("range requests are not supported")

	// ErrValidatorMismatch signals that the remote resource changed
	// since progress was recorded; all recorded progress is invalid.
	ErrValidatorMismatch = errors.New("remote resource changed since last attempt")

	// ErrQueueCorrupt marks an unreadable queue entry. Entries carrying
	// it are dropped with a warning instead of failing the whole queue.
	ErrQueueCorrupt = errors.New("corrupt queue entry")
)

// NetworkError wraps a transport-level failure. These are transient
// and retried with backoff by whichever component owns the attempt.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteError is a non-2xx HTTP response. 429, 503 and all 5xx are
// worth retrying; remaining 4xx are fatal for the task.
type RemoteError struct {
	Status int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Status)
}

// Retryable reports whether another attempt can reasonably succeed.
func (e *RemoteError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// DiskError is a failure writing the destination. Never retried: the
// partial state on disk can no longer be trusted.
type DiskError struct {
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk error on %s: %v", e.Path, e.Err)
}

func (e *DiskError) Unwrap() error { return e.Err }

// Retryable classifies an error for the chunk and probe retry loops.
func Retryable(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable()
	}
	var disk *DiskError
	if errors.As(err, &disk) {
		return false
	}
	var network *NetworkError
	if errors.As(err, &network) {
		return true
	}
	// Premature stream termination and similar read errors arrive
	// unwrapped from the response body.
	return err != nil
}
