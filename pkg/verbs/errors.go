package verbs

import "errors"

// Error taxonomy. Resource errors are recoverable by retrying or
// freeing resources; validation errors reject the single offending
// operation and never partially apply it; protocol errors drive the QP
// state machine; fatal errors terminate the owning device context.
var (
	// Resource errors.
	ErrQueueFull         = errors.New("queue full")
	ErrResourceBusy      = errors.New("resource busy")
	ErrDeviceUnavailable = errors.New("device unavailable")

	// Validation errors.
	ErrAccessViolation = errors.New("access violation")
	ErrInvalidState    = errors.New("invalid queue pair state")
	ErrInvalidParam    = errors.New("invalid parameter")
	ErrMalformedPacket = errors.New("malformed packet")

	// Lookup failures.
	ErrQPNotFound      = errors.New("queue pair not found")
	ErrCQNotFound      = errors.New("completion queue not found")
	ErrContextNotFound = errors.New("context not found")

	// Registration failures.
	ErrRegistrationFailed = errors.New("memory registration failed")
	ErrUnknownKey         = errors.New("unknown registration key")

	// Protocol errors.
	ErrRetryExceeded = errors.New("retry count exceeded")

	// Fatal local errors.
	ErrTableExhausted = errors.New("resource table exhausted")
)
