package normalize

import (
	"log/slog"
	"math"
	"time"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/core/ride"
	"github.com/gridflow-lab/gridflow/internal/observability/metrics"
)

// Normalizer turns untrusted raw events into validated engine events,
// attaching grid cells along the way. Rejections are counted per reason and
// returned as *ride.RejectError; they never stop the stream.
type Normalizer struct {
	grid *geo.Grid
}

func New(grid *geo.Grid) *Normalizer {
	if grid == nil {
		panic("normalize: grid must not be nil")
	}
	return &Normalizer{grid: grid}
}

// Normalize validates raw and converts it. The first failing check wins and
// no partial event is returned. Coordinates outside the service area are not
// a failure: they map to the out-of-bounds cell so downstream can still count
// them.
func (n *Normalizer) Normalize(raw ride.RawEvent) (ride.Event, error) {
	if raw.Timestamp <= 0 {
		return ride.Event{}, n.reject(raw,
			ride.Rejectf(ride.ReasonInvalidTimestamp, "timestamp %d is not a positive epoch second", raw.Timestamp))
	}
	if !numeric(raw.PickupLat) || !numeric(raw.PickupLon) {
		return ride.Event{}, n.reject(raw,
			ride.Rejectf(ride.ReasonInvalidLocation, "pickup coordinates missing or not numeric"))
	}
	status, known := ride.ParseStatus(raw.Status)
	if known && status == ride.StatusCompleted && raw.Fare.IsNegative() {
		return ride.Event{}, n.reject(raw,
			ride.Rejectf(ride.ReasonInvalidFare, "fare %s is negative on a completed ride", raw.Fare))
	}
	if !known {
		return ride.Event{}, n.reject(raw,
			ride.Rejectf(ride.ReasonInvalidStatus, "unknown status %q", raw.Status))
	}
	if raw.EventID == "" {
		return ride.Event{}, n.reject(raw,
			ride.Rejectf(ride.ReasonMissingID, "event_id is empty"))
	}

	ev := ride.Event{
		EventID:    raw.EventID,
		RideID:     raw.RideID,
		DriverID:   raw.DriverID,
		RiderID:    raw.RiderID,
		Timestamp:  time.Unix(raw.Timestamp, 0).UTC(),
		Status:     status,
		Fare:       raw.Fare,
		PickupLat:  *raw.PickupLat,
		PickupLon:  *raw.PickupLon,
		PickupCell: n.grid.CellOf(*raw.PickupLat, *raw.PickupLon),
	}
	// A dropoff that is absent or not numeric leaves DropoffCell nil; only
	// pickup coordinates can reject an event.
	if numeric(raw.DropoffLat) && numeric(raw.DropoffLon) {
		cell := n.grid.CellOf(*raw.DropoffLat, *raw.DropoffLon)
		ev.DropoffCell = &cell
	}
	return ev, nil
}

func (n *Normalizer) reject(raw ride.RawEvent, re *ride.RejectError) error {
	metrics.IncEventRejected(string(re.Reason))
	slog.Debug("[Normalizer] event rejected",
		"event_id", raw.EventID,
		"ride_id", raw.RideID,
		"reason", re.Reason,
		"detail", re.Detail)
	return re
}

func numeric(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
