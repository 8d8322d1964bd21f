package agent

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/haasonsaas/loom/internal/backoff"
)

// Sentinel errors for turn execution.
var (
	// ErrMaxIterations indicates the tool-use loop exceeded its iteration
	// bound. Never retryable.
	ErrMaxIterations = errors.New("max tool iterations exceeded")

	// ErrEmptyInput indicates the caller supplied blank user input.
	ErrEmptyInput = errors.New("empty input")
)

// APIError wraps a model API failure with its service error code, HTTP
// status when known, and retry classification.
type APIError struct {
	Code       string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("model API error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("model API error: %v", e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RetryableError reports the retry classification; the backoff package
// checks for this interface.
func (e *APIError) RetryableError() bool {
	return e.Retryable
}

// wrapAPIError classifies a raw model client failure. Already-wrapped
// errors pass through unchanged.
func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	wrapped := &APIError{Err: err, Retryable: backoff.Retryable(err)}
	var smithyErr smithy.APIError
	if errors.As(err, &smithyErr) {
		wrapped.Code = smithyErr.ErrorCode()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		wrapped.StatusCode = respErr.HTTPStatusCode()
	}
	return wrapped
}

// StreamError reports a broken model response stream: no events, a missing
// message_stop, or a wall-clock timeout.
type StreamError struct {
	Reason string
}

func (e *StreamError) Error() string {
	return "stream error: " + e.Reason
}

// TurnPhase identifies where in the turn lifecycle an error occurred.
type TurnPhase string

const (
	PhaseInit      TurnPhase = "init"
	PhaseModelCall TurnPhase = "model_call"
	PhaseStream    TurnPhase = "stream"
	PhaseComplete  TurnPhase = "complete"
)

// TurnError carries the phase and iteration context of a failed turn.
type TurnError struct {
	Phase     TurnPhase
	Iteration int
	Cause     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}
