// ABOUTME: Error taxonomy shared across the relay: validation, communication, storage.
// ABOUTME: Typed categories let callers branch with errors.As/Is without string matching.

package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is. These are wrapped with
// context at the call site, never returned bare to users of the public API.
var (
	// ErrShuttingDown is returned by operations that arrive after shutdown
	// has begun, and is the rejection cause for every pending request.
	ErrShuttingDown = errors.New("shutting down")

	// ErrTimeout is the cause carried by request/response deadline failures.
	ErrTimeout = errors.New("timed out")

	// ErrAgentNotFound is returned when no directory entry can satisfy a
	// lookup or selection.
	ErrAgentNotFound = errors.New("agent not found")
)

// ValidationError reports input rejected before any side effect took place.
// Validation failures are never retried and never persisted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// CommunicationError reports a delivery or connectivity failure: transport
// send errors, request timeouts, unknown destinations. Op names the failed
// operation, Target the destination agent when one is known.
type CommunicationError struct {
	Op     string
	Target string
	Err    error
}

func (e *CommunicationError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s to %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// Communication wraps err as a CommunicationError.
func Communication(op, target string, err error) error {
	return &CommunicationError{Op: op, Target: target, Err: err}
}

// IsCommunication reports whether err is (or wraps) a CommunicationError.
func IsCommunication(err error) bool {
	var c *CommunicationError
	return errors.As(err, &c)
}

// StorageError reports a persistence failure. Storage failures are fatal to
// the operation that triggered them; they are surfaced, never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err as a StorageError.
func Storage(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
