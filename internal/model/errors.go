package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a browser session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnauthorized is returned when a request carries no caller identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrQueueFull is returned when a caller's pending list is at its bound.
	ErrQueueFull = errors.New("admission queue full")

	// ErrQueueDraining is returned for submissions made after drain started.
	ErrQueueDraining = errors.New("admission queue draining")

	// ErrAdmissionTimeout is returned when an admitted item exceeds its deadline.
	ErrAdmissionTimeout = errors.New("admission item timed out")

	// ErrQueueBusy is returned when evicting a caller queue that still has work.
	ErrQueueBusy = errors.New("caller queue busy")

	// ErrQueueNotFound is returned when no queue exists for a caller.
	ErrQueueNotFound = errors.New("caller queue not found")

	// ErrReconnectWindowExceeded is returned when the upstream link could not
	// reconnect within its aggregate window.
	ErrReconnectWindowExceeded = errors.New("upstream reconnect window exceeded")

	// ErrClientDisconnected is returned by a client connection after an
	// explicit disconnect.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrBackendUnavailable is returned when the task processor cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrOutboundQueueFull is returned when the client outbound queue is at its bound.
	ErrOutboundQueueFull = errors.New("outbound queue full")
)

// AdmissionReason is the machine-readable reason carried by an AdmissionError.
type AdmissionReason string

const (
	ReasonQueueFull AdmissionReason = "queue_full"
	ReasonDraining  AdmissionReason = "draining"
	ReasonTimeout   AdmissionReason = "timeout"
)

// AdmissionError reports why a submission was not run to completion.
type AdmissionError struct {
	Reason   AdmissionReason
	CallerID string
	Err      error
}

// NewAdmissionError builds an AdmissionError wrapping the sentinel for reason.
func NewAdmissionError(reason AdmissionReason, callerID string) *AdmissionError {
	var err error
	switch reason {
	case ReasonQueueFull:
		err = ErrQueueFull
	case ReasonDraining:
		err = ErrQueueDraining
	case ReasonTimeout:
		err = ErrAdmissionTimeout
	default:
		err = fmt.Errorf("admission rejected: %s", reason)
	}
	return &AdmissionError{Reason: reason, CallerID: callerID, Err: err}
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("caller %s: %v", e.CallerID, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}
