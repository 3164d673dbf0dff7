package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentmesh/agentmesh/core"
)

// FailureKind is the classifier's verdict on a step failure.
type FailureKind string

const (
	FailureTransient       FailureKind = "TRANSIENT"
	FailureValidation      FailureKind = "VALIDATION"
	FailureRecoverable     FailureKind = "RECOVERABLE"
	FailurePermanent       FailureKind = "PERMANENT"
	FailureUserInputNeeded FailureKind = "USER_INPUT_NEEDED"
)

// StepError is a structured failure from a capability or reasoning call.
// Code and HTTPStatus are optional; either gives the classifier a stronger
// signal than the message text.
type StepError struct {
	Code       string
	HTTPStatus int
	Message    string
	Err        error
}

func (e *StepError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "step error"
	}
}

func (e *StepError) Unwrap() error { return e.Err }

// Classification priority: structured code, then HTTP status, then message
// patterns. Unknown errors default to RECOVERABLE so the system errs toward
// reflective recovery rather than hard failure.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureRecoverable
	}

	var se *StepError
	if errors.As(err, &se) {
		if kind, ok := classifyCode(se.Code); ok {
			return kind
		}
		if kind, ok := classifyHTTPStatus(se.HTTPStatus); ok {
			return kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) ||
		errors.Is(err, core.ErrConnectionFailed) || errors.Is(err, core.ErrCircuitBreakerOpen) {
		return FailureTransient
	}
	if errors.Is(err, core.ErrOutputNotFound) || errors.Is(err, core.ErrStepNotFound) {
		return FailureRecoverable
	}

	return classifyMessage(err.Error())
}

func classifyCode(code string) (FailureKind, bool) {
	switch strings.ToUpper(code) {
	case "VALIDATION_ERROR", "INVALID_INPUT", "SCHEMA_ERROR", "MISSING_INPUT":
		return FailureValidation, true
	case "TIMEOUT", "RATE_LIMITED", "UNAVAILABLE", "CONNECTION_RESET":
		return FailureTransient, true
	case "MISSING_DEPENDENCY", "DATA_SHAPE_ERROR", "NOT_READY":
		return FailureRecoverable, true
	case "USER_INPUT_NEEDED":
		return FailureUserInputNeeded, true
	case "PERMANENT", "UNSUPPORTED", "FORBIDDEN":
		return FailurePermanent, true
	default:
		return "", false
	}
}

func classifyHTTPStatus(status int) (FailureKind, bool) {
	switch {
	case status == 0:
		return "", false
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return FailureValidation, true
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return FailureTransient, true
	case status >= 500:
		return FailureTransient, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return FailurePermanent, true
	default:
		return "", false
	}
}

func classifyMessage(msg string) FailureKind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "timed out", "connection reset", "connection refused",
		"rate limit", "temporarily unavailable", "too many requests", "service unavailable"):
		return FailureTransient
	case containsAny(lower, "validation", "invalid input", "missing required", "schema", "malformed input"):
		return FailureValidation
	case containsAny(lower, "user input", "needs user", "awaiting user"):
		return FailureUserInputNeeded
	case containsAny(lower, "unauthorized", "forbidden", "unsupported verb", "not implemented"):
		return FailurePermanent
	default:
		return FailureRecoverable
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
