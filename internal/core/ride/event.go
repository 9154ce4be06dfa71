package ride

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
)

// RawEvent is the untrusted wire shape of a ride event as producers publish
// it. Nothing in it is validated: coordinates may be absent, timestamps may
// lie in the past or future, fares may be negative. Optional coordinates are
// pointers so an absent field is distinguishable from zero.
type RawEvent struct {
	// EventID is the unique identifier assigned by the producer. It is the
	// idempotency key: redelivered events with the same EventID must not be
	// double counted.
	EventID string `json:"event_id"`

	// RideID groups the lifecycle events of one ride
	// (requested, accepted, started, completed or cancelled).
	RideID string `json:"ride_id"`

	// DriverID and RiderID are producer-side attribution, passed through
	// untouched.
	DriverID string `json:"driver_id,omitempty"`
	RiderID  string `json:"rider_id,omitempty"`

	// Timestamp is the producer-assigned event time in Unix seconds.
	// Events arrive out of order relative to it.
	Timestamp int64 `json:"timestamp"`

	PickupLat *float64 `json:"pickup_lat"`
	PickupLon *float64 `json:"pickup_lon"`

	DropoffLat *float64 `json:"dropoff_lat,omitempty"`
	DropoffLon *float64 `json:"dropoff_lon,omitempty"`

	// Fare is the ride fare in the operating currency. Only meaningful on
	// completed events.
	Fare decimal.Decimal `json:"fare"`

	Status string `json:"status"`
}

// Event is a validated, normalized ride event. Every Event carries a pickup
// cell (possibly the out-of-bounds sentinel) and an event time; nothing else
// about it needs re-checking downstream.
type Event struct {
	EventID  string
	RideID   string
	DriverID string
	RiderID  string

	// Timestamp is the event time in UTC.
	Timestamp time.Time

	Status Status
	Fare   decimal.Decimal

	PickupLat float64
	PickupLon float64

	// PickupCell is the grid cell of the pickup location. Never unset:
	// coordinates outside the service area map to geo.OutOfBoundsCell.
	PickupCell geo.Cell

	// DropoffCell is nil when the event carried no usable dropoff location.
	DropoffCell *geo.Cell
}

// Completed reports whether this event closes a ride with a fare.
func (e Event) Completed() bool {
	return e.Status == StatusCompleted
}
