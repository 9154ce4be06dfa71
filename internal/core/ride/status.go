package ride

import "strings"

// Status is the lifecycle state a ride event reports.
type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus canonicalizes a wire status string. Matching is
// case-insensitive because older producers emitted upper-case symbols.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusRequested:
		return StatusRequested, true
	case StatusAccepted:
		return StatusAccepted, true
	case StatusStarted:
		return StatusStarted, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}
