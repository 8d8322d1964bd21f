package backoff

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

type flaggedError struct {
	retryable bool
}

func (e *flaggedError) Error() string        { return "flagged" }
func (e *flaggedError) RetryableError() bool { return e.retryable }

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"flag set", &flaggedError{retryable: true}, true},
		{"flag cleared overrides message", &flaggedError{retryable: false}, false},
		{"throttling code", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}, true},
		{"service unavailable code", &smithy.GenericAPIError{Code: "ServiceUnavailableException", Message: "x"}, true},
		{"model not ready code", &smithy.GenericAPIError{Code: "ModelNotReadyException", Message: "x"}, true},
		{"validation code", &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}, false},
		{"rate limit message", errors.New("rate limit exceeded"), true},
		{"429 message", errors.New("unexpected status 429"), true},
		{"timeout message", errors.New("request timeout"), true},
		{"deadline message", errors.New("context deadline exceeded"), true},
		{"connection reset message", errors.New("read tcp: connection reset by peer"), true},
		{"plain failure", errors.New("no such tool"), false},
		{"wrapped smithy code", fmt.Errorf("model call: %w", &smithy.GenericAPIError{Code: "InternalServerException"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
