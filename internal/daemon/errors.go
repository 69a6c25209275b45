package daemon

import "errors"

var (
	// ErrInvalidTransition is returned when a lifecycle call is not valid in
	// the current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrSetupInProgress is returned by Stop and Destroy while Init is running.
	ErrSetupInProgress = errors.New("setup in progress")

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("daemon already initialized")

	// ErrInterrupted is returned by an Activate that a signal interrupted.
	ErrInterrupted = errors.New("startup interrupted")

	// ErrNotInitialized is returned when the transports are used before setup
	// has constructed them.
	ErrNotInitialized = errors.New("setup must be completed first")

	// ErrMissingDependency is returned by Deps.Validate.
	ErrMissingDependency = errors.New("missing daemon dependency")

	// ErrStageOrder is returned by ValidateOrder.
	ErrStageOrder = errors.New("stage ordering violated")
)
