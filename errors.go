package verifyengine

import (
	"errors"

	"github.com/optimode/verifyengine/types"
)

var (
	// ErrInvalidConfig is returned by New when the configuration does not
	// validate or a backend cannot be selected from it.
	ErrInvalidConfig = errors.New("verifyengine: invalid configuration")

	// ErrRunning is returned by Run when the engine is already running.
	ErrRunning = errors.New("verifyengine: engine already running")

	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("verifyengine: engine closed")
)

// Engine errors re-exported for errors.Is checks.
var (
	ErrEmptyJob          = types.ErrEmptyJob
	ErrPaused            = types.ErrPaused
	ErrNoServerAvailable = types.ErrNoServerAvailable
	ErrNotFound          = types.ErrNotFound
	ErrFeedbackDisabled  = types.ErrFeedbackDisabled
	ErrTooManyItems      = types.ErrTooManyItems
)
