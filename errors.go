package lockstep

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the lockstep package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrQueueFull is returned when the action queue is at capacity.
	ErrQueueFull = errors.New("action queue is full")

	// ErrNotFound is returned when a queue item, cached record, or conflict
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned when an operation is denied by the rate limiter.
	ErrRateLimited = errors.New("rate limited")

	// ErrStorageUnavailable is returned when the durable store cannot be used
	// and the engine has degraded to in-memory operation.
	ErrStorageUnavailable = errors.New("durable storage unavailable")

	// ErrSyncInProgress is returned when a sync cycle is requested while one
	// is already draining. The request is coalesced into a follow-up cycle.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrStaleItem is returned when a queue item state transition loses a
	// compare-and-swap race, meaning another path already moved the item.
	ErrStaleItem = errors.New("stale queue item state")
)

// NetworkError indicates a transient delivery failure: a transport-level
// fault, a timeout, or a retryable remote status such as 5xx or 429.
type NetworkError struct {
	Op     string
	URL    string
	Status int
	Cause  error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: remote status %d", e.Op, e.URL, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Cause)
	}
	return fmt.Sprintf("%s %s: network error", e.Op, e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the underlying cause was a timeout.
func (e *NetworkError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Cause, &t) {
		return t.Timeout()
	}
	return false
}

// newNetworkError creates a new NetworkError.
func newNetworkError(op, url string, status int, cause error) *NetworkError {
	return &NetworkError{Op: op, URL: url, Status: status, Cause: cause}
}

// ValidationError indicates a permanent rejection: the remote or the engine
// determined the action can never succeed as submitted. Validation errors
// are not retried.
type ValidationError struct {
	Action  string
	Message string
	Status  int
	Cause   error
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "validation failed"
	}
	if e.Action != "" {
		msg = fmt.Sprintf("%s: %s", e.Action, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// newValidationError creates a new ValidationError.
func newValidationError(action, message string, status int, cause error) *ValidationError {
	return &ValidationError{Action: action, Message: message, Status: status, Cause: cause}
}

// VersionConflictError indicates the remote rejected a write because its
// copy of the record advanced past the version the action was based on.
// RemoteData carries the remote copy when the server provided one, so a
// conflict record can be created without another round trip.
type VersionConflictError struct {
	Table         string
	RecordID      string
	LocalVersion  int64
	RemoteVersion int64
	RemoteData    []byte
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: local v%d, remote v%d",
		e.Table, e.RecordID, e.LocalVersion, e.RemoteVersion)
}

// StorageErrorType categorizes storage errors.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeUnavailable indicates the backing store cannot be
	// opened or has stopped accepting operations.
	StorageErrorTypeUnavailable
	// StorageErrorTypeCorruption indicates stored data failed to decode.
	StorageErrorTypeCorruption
)

// StorageError provides detailed information about durable store failures.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	return e.Type == StorageErrorTypeUnavailable && target == ErrStorageUnavailable
}

// newStorageError creates a new StorageError.
func newStorageError(errType StorageErrorType, message, path string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}
