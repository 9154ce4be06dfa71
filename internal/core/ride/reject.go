package ride

import (
	"errors"
	"fmt"
)

// RejectReason labels why a raw event was refused. The values double as the
// `reason` label on the rejection counter, so they stay lower_snake.
type RejectReason string

const (
	ReasonInvalidTimestamp RejectReason = "invalid_timestamp"
	ReasonInvalidLocation  RejectReason = "invalid_location"
	ReasonInvalidFare      RejectReason = "invalid_fare"
	ReasonInvalidStatus    RejectReason = "invalid_status"

	// ReasonMissingID covers events without an event_id. An id-less event
	// cannot participate in idempotent merging, so it cannot be accepted.
	ReasonMissingID RejectReason = "missing_event_id"
)

// RejectError reports a per-event validation failure. Rejections are counted
// and logged, never propagated as stream failures.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("event rejected (%s): %s", e.Reason, e.Detail)
}

// Rejectf builds a RejectError with a formatted detail message.
func Rejectf(reason RejectReason, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsReject unwraps err into a RejectError when it is one.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
