package types

import "errors"

var (
	// ErrResolution is matched by every MX resolution failure.
	ErrResolution = errors.New("verifyengine: mx resolution failed")

	// ErrConnectTimeout and ErrReadTimeout classify an attempt as tempfail.
	ErrConnectTimeout = errors.New("verifyengine: smtp connect timeout")
	ErrReadTimeout    = errors.New("verifyengine: smtp read timeout")

	// ErrPermanentReject is a 5xx reply to RCPT TO.
	ErrPermanentReject = errors.New("verifyengine: smtp permanent reject")

	// ErrNoServerAvailable means the chunk must be requeued, not failed.
	ErrNoServerAvailable = errors.New("verifyengine: no engine server available")

	// ErrCircuitOpen means the attempt was deferred without connecting.
	ErrCircuitOpen = errors.New("verifyengine: circuit open")

	ErrPayloadTooLarge  = errors.New("verifyengine: payload too large")
	ErrTooManyItems     = errors.New("verifyengine: item count exceeds maximum")
	ErrFeedbackDisabled = errors.New("verifyengine: feedback ingestion disabled")

	// ErrEmptyJob is returned at intake for a job without addresses.
	ErrEmptyJob = errors.New("verifyengine: job has no addresses")

	// ErrPaused is returned by a worker cycle while the engine is paused.
	ErrPaused = errors.New("verifyengine: engine paused")

	// ErrInvalidInput marks a request that fails validation.
	ErrInvalidInput = errors.New("verifyengine: invalid input")

	ErrNotFound      = errors.New("verifyengine: not found")
	ErrConflict      = errors.New("verifyengine: concurrent modification")
	ErrInvalidPolicy = errors.New("verifyengine: invalid policy")
)
