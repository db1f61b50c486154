package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common sentinel errors for the fieldsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when an action or conflict id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrSyncInProgress is returned when a sync pass is already in flight.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrOffline is returned when an operation requires connectivity.
	ErrOffline = errors.New("device is offline")

	// ErrIntegrity is returned when a payload fails its checksum after decrypt.
	ErrIntegrity = errors.New("payload integrity check failed")

	// ErrDependencyCycle is returned when the dependency graph contains a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrUnknownKind is returned when no executor is registered for an action kind.
	ErrUnknownKind = errors.New("no executor for action kind")
)

// StorageErrorType categorizes durable-store failures.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeOpen indicates the store could not be opened.
	StorageErrorTypeOpen
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeCorruption indicates on-disk data corruption.
	StorageErrorTypeCorruption
)

// StorageError provides detailed information about durable-store failures.
// A StorageError is fatal to the operation that raised it; the engine never
// retries storage failures automatically.
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

// newStorageError creates a new StorageError.
func newStorageError(errType StorageErrorType, message, path string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}

// IntegrityError reports a checksum mismatch detected after decrypting a
// stored payload. The affected record is quarantined as failed and never
// replayed.
type IntegrityError struct {
	ActionID string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for action %s: checksum %s, expected %s",
		e.ActionID, e.Actual, e.Expected)
}

// Is implements error matching for IntegrityError.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// TransientError reports a network or server-side failure that is expected
// to succeed on a later attempt. The executor counts it against the action's
// retry budget and re-queues with backoff.
type TransientError struct {
	Message string
	Status  int
	Cause   error
}

func (e *TransientError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "transient failure"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err should be counted against the retry budget
// rather than failing the action outright. Typed TransientErrors qualify, as
// do common network error shapes from transports that do not classify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"502",
		"503",
		"504",
		"429",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Divergence reports that the remote system's state did not match what the
// queued action assumed. It is routed to the conflict resolver rather than
// treated as a failure.
type Divergence struct {
	Class           ConflictClass
	Message         string
	RemotePayload   []byte
	RemoteUpdatedAt time.Time
}

func (e *Divergence) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote state diverged (%s): %s", e.Class, e.Message)
	}
	return fmt.Sprintf("remote state diverged (%s)", e.Class)
}

// AsDivergence unwraps err into a Divergence if it carries one.
func AsDivergence(err error) (*Divergence, bool) {
	var d *Divergence
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// CycleError reports a cycle in the dependency graph. At enqueue time it
// rejects the offending action; at schedule time it aborts the sync pass,
// since a cycle among persisted actions indicates an integrity violation
// elsewhere.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// Is implements error matching for CycleError.
func (e *CycleError) Is(target error) bool {
	return target == ErrDependencyCycle
}
