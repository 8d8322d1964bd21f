package backoff

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// retryableCodes are model-API error codes known to be transient.
var retryableCodes = map[string]bool{
	"ThrottlingException":         true,
	"TooManyRequestsException":    true,
	"ServiceUnavailableException": true,
	"ModelNotReadyException":      true,
	"InternalServerException":     true,
	"ModelTimeoutException":       true,
}

// transientPatterns match error text from layers that do not expose a
// structured code.
var transientPatterns = []string{
	"throttling",
	"rate limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"service unavailable",
}

// Retryable reports whether err looks transient. It checks, in order, an
// explicit RetryableError flag on the error chain, smithy API error codes,
// and finally transient message patterns.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var flagged interface{ RetryableError() bool }
	if errors.As(err, &flagged) {
		return flagged.RetryableError()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && retryableCodes[apiErr.ErrorCode()] {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
