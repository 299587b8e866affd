package engine

import "errors"

var (
	// ErrInvalidState is returned when an operation does not fit the
	// conversation's current state, e.g. resolving with nothing pending.
	ErrInvalidState = errors.New("invalid conversation state")

	// ErrInvalidInput is returned for empty thread ids or messages.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTurn is returned when an append would break the tool-call pairing rules.
	ErrInvalidTurn = errors.New("invalid turn")

	// ErrModelInvocation wraps provider failures and timeouts.
	ErrModelInvocation = errors.New("model invocation failed")

	// ErrMaxIterations is returned, alongside ErrModelInvocation, when the model
	// keeps requesting tools past the configured iteration limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrPersistence wraps checkpoint store failures.
	ErrPersistence = errors.New("persistence failure")
)
