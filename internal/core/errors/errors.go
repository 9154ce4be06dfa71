package errors

import "errors"

// ErrInvariant is returned when aggregation state violates an internal
// invariant (negative counts, min above max). Not recoverable.
var ErrInvariant = errors.New("aggregation invariant violated")

// ErrRetryBudget is returned when an external collaborator kept failing
// past the configured retry budget.
var ErrRetryBudget = errors.New("retry budget exhausted")

// ErrBadConfig is returned for configuration that fails validation at startup.
var ErrBadConfig = errors.New("invalid configuration")

const (
	HttpInternalError       = "internal_error"
	HttpInvalidRequestError = "invalid_request"
	HttpNotFoundError       = "not_found"
)

// ErrorResponse is the error response body for feed API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
