package gateway

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies a structured call failure. The orchestrator's
// retry policy branches on the category; the gateway itself never retries.
type ErrorCategory string

const (
	// CategoryRateLimited is an upstream 429.
	CategoryRateLimited ErrorCategory = "rate_limited"
	// CategoryUnavailable is an upstream 5xx or connection failure.
	CategoryUnavailable ErrorCategory = "unavailable"
	// CategoryTimeout is a per-call deadline expiry.
	CategoryTimeout ErrorCategory = "timeout"
	// CategorySchema is malformed JSON, missing response fields, or output
	// that does not conform to the requested schema.
	CategorySchema ErrorCategory = "schema"
	// CategoryInvalid is a non-retryable failure: bad request, bad
	// credentials, unknown model.
	CategoryInvalid ErrorCategory = "invalid"
)

// Retryable reports whether a fresh attempt with a new sampling seed could
// plausibly succeed.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryRateLimited, CategoryUnavailable, CategoryTimeout, CategorySchema:
		return true
	}
	return false
}

// Error is a typed gateway failure.
type Error struct {
	Category ErrorCategory
	Provider string
	Model    string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s/%s: %s: %v", e.Provider, e.Model, e.Category, e.Err)
	}
	return fmt.Sprintf("gateway: %s/%s: %s: %s", e.Provider, e.Model, e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf extracts the error category, or CategoryInvalid for errors
// that did not originate in the gateway.
func CategoryOf(err error) ErrorCategory {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Category
	}
	return CategoryInvalid
}
