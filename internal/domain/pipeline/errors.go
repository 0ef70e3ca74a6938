package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy for a run. Retryability is carried in the error chain:
// anything wrapping ErrTransient is worth another attempt, everything else
// fails the run (or the process, for ErrConfiguration) on first sight.
var (
	// ErrConfiguration marks a fatal startup problem (missing credentials,
	// unreachable storage at boot). Never raised per-event.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation marks a malformed event. Fatal for the run, not retried.
	ErrValidation = errors.New("validation error")

	ErrEmptyPayload      = fmt.Errorf("empty image payload: %w", ErrValidation)
	ErrUnsupportedFormat = fmt.Errorf("undecodable image payload: %w", ErrValidation)

	// ErrTransient is the marker retry classification looks for.
	ErrTransient = errors.New("transient failure")

	ErrServiceUnavailable = fmt.Errorf("vision service unavailable: %w", ErrTransient)
	ErrStorageUnavailable = fmt.Errorf("storage unavailable: %w", ErrTransient)

	// Permanent per-event failures: retrying cannot help.
	ErrInvalidResponse     = errors.New("unparseable vision response")
	ErrAuthentication      = errors.New("vision credentials rejected")
	ErrStorageAccessDenied = errors.New("storage access denied")

	// ErrNotFound covers a missing source object or an unknown run id.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateDelivery means the event was already handled (or is being
	// handled) under the same delivery id. Not a failure; the trigger side
	// acknowledges it without starting a run.
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrNotifyFailed never fails a run; it exists so the miss is
	// distinguishable in logs from pipeline failures.
	ErrNotifyFailed = errors.New("next-stage notification failed")
)

// IsTransient reports whether err is worth retrying. Besides the explicit
// marker it probes the net-style Timeout/Temporary contracts so raw I/O
// errors from storage drivers classify correctly.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
