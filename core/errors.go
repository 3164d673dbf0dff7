package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent-related errors
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentNotReady = errors.New("agent not ready")
	ErrInvalidState  = errors.New("invalid lifecycle state")
	ErrAgentTerminal = errors.New("agent is in a terminal state")

	// Step-related errors
	ErrStepNotFound   = errors.New("step not found")
	ErrOutputNotFound = errors.New("named output not found")
	ErrInvalidPlan    = errors.New("invalid plan description")

	// Registry and delegation errors
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrDelegationFailed    = errors.New("delegation failed")
	ErrLocationNotFound    = errors.New("step location not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrReflectionLoop     = errors.New("infinite reflection loop")

	// HTTP/Network errors
	ErrConnectionFailed   = errors.New("connection failed")
	ErrRequestFailed      = errors.New("request failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// MissionError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type MissionError struct {
	Op      string // Operation that failed (e.g., "resolver.Hydrate")
	Kind    string // Error kind (e.g., "step", "registry", "config")
	StepID  string // Optional step involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *MissionError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.StepID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.StepID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *MissionError) Unwrap() error {
	return e.Err
}

// NewMissionError creates a new MissionError
func NewMissionError(op, kind string, err error) *MissionError {
	return &MissionError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRegistryUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrOutputNotFound) ||
		errors.Is(err, ErrLocationNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAgentTerminal) ||
		errors.Is(err, ErrAgentNotReady)
}
