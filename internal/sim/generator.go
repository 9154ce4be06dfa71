package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/core/ride"
)

const (
	// Fare model of the producer fleet: base plus per-km plus per-minute.
	baseFare      = 2.50
	perKmRate     = 1.75
	perMinuteRate = 0.35

	// City driving speed range in km/h, with up to ten minutes of traffic
	// delay added to every trip.
	minSpeedKmh     = 15.0
	maxSpeedKmh     = 35.0
	maxTrafficDelay = 10.0 // minutes

	earthRadiusKm = 6371.0

	// batchPeriod is how far the simulated clock advances per batch.
	batchPeriod = 5 * time.Second

	// progressChance is the per-batch probability that an in-flight ride
	// moves one lifecycle step.
	progressChance = 0.6

	defaultDrivers     = 25
	defaultRiders      = 200
	defaultRequestRate = 5.0
)

// Options configures a Generator.
type Options struct {
	// Box bounds uniform locations; hotspot draws may leave it, exactly
	// like real pickups just outside the service area.
	Box   geo.BoundingBox
	Zones []Zone

	Drivers int
	Riders  int

	// HotspotBias is the probability that a location is drawn from a
	// hotspot zone instead of uniformly from the box.
	HotspotBias float64

	// Jitter shifts each event time forward by a random amount in
	// [0, Jitter], so consumers see out-of-order arrival.
	Jitter time.Duration

	// InvalidRatio is the fraction of events corrupted before emission.
	InvalidRatio float64

	// RequestRate is the mean number of new ride requests per batch.
	RequestRate float64

	// Start anchors the simulated clock; zero means the wall clock.
	Start time.Time

	// Seed makes the run reproducible; zero seeds from the clock.
	Seed int64
}

func (o Options) normalized() Options {
	n := o
	if n.Drivers <= 0 {
		n.Drivers = defaultDrivers
	}
	if n.Riders <= 0 {
		n.Riders = defaultRiders
	}
	if n.RequestRate <= 0 {
		n.RequestRate = defaultRequestRate
	}
	if n.Start.IsZero() {
		n.Start = time.Now().UTC().Truncate(time.Second)
	}
	if n.Seed == 0 {
		n.Seed = time.Now().UnixNano()
	}
	return n
}

type simRider struct {
	id         string
	homeLat    float64
	homeLon    float64
	workLat    float64
	workLon    float64
	cancelProb float64
}

type activeRide struct {
	rideID     string
	riderID    string
	driverID   string
	cancelProb float64
	stage      ride.Status

	pickupLat float64
	pickupLon float64
	destLat   float64
	destLon   float64
}

// Generator produces ride lifecycle events over a simulated clock. Not safe
// for concurrent use: one producer loop owns it.
type Generator struct {
	rng  *rand.Rand
	box  geo.BoundingBox
	bias float64

	categories []string
	byCategory map[string][]Zone

	jitter      time.Duration
	invalid     float64
	requestRate float64

	drivers []string
	riders  []simRider
	active  []*activeRide
	now     time.Time
}

// NewGenerator builds the driver and rider pools and anchors the simulated
// clock.
func NewGenerator(opts Options) (*Generator, error) {
	opts = opts.normalized()
	if opts.Box.MaxLat <= opts.Box.MinLat || opts.Box.MaxLon <= opts.Box.MinLon {
		return nil, fmt.Errorf("sim: bounding box %+v is empty", opts.Box)
	}
	if opts.HotspotBias < 0 || opts.HotspotBias > 1 {
		return nil, fmt.Errorf("sim: hotspot bias %v must be in [0, 1]", opts.HotspotBias)
	}
	if opts.InvalidRatio < 0 || opts.InvalidRatio >= 1 {
		return nil, fmt.Errorf("sim: invalid ratio %v must be in [0, 1)", opts.InvalidRatio)
	}
	if opts.Jitter < 0 {
		return nil, fmt.Errorf("sim: jitter must not be negative, got %s", opts.Jitter)
	}

	g := &Generator{
		rng:         rand.New(rand.NewSource(opts.Seed)),
		box:         opts.Box,
		bias:        opts.HotspotBias,
		byCategory:  make(map[string][]Zone),
		jitter:      opts.Jitter,
		invalid:     opts.InvalidRatio,
		requestRate: opts.RequestRate,
		now:         opts.Start,
	}

	// Categories are drawn uniformly, then a zone within the category, so
	// sparse categories keep their share of demand. Sorted for seeded runs.
	for _, z := range opts.Zones {
		g.byCategory[z.Category] = append(g.byCategory[z.Category], z)
	}
	for cat := range g.byCategory {
		g.categories = append(g.categories, cat)
	}
	sort.Strings(g.categories)

	for i := 0; i < opts.Drivers; i++ {
		g.drivers = append(g.drivers, shortID("D"))
	}
	for i := 0; i < opts.Riders; i++ {
		homeLat, homeLon := g.randomLocation()
		workLat, workLon := g.randomLocation()
		g.riders = append(g.riders, simRider{
			id:         shortID("U"),
			homeLat:    homeLat,
			homeLon:    homeLon,
			workLat:    workLat,
			workLon:    workLon,
			cancelProb: 0.02 + g.rng.Float64()*0.06,
		})
	}
	return g, nil
}

// ActiveRides reports how many rides are mid-lifecycle.
func (g *Generator) ActiveRides() int { return len(g.active) }

// Batch advances the simulated clock one period and returns the events it
// produced: lifecycle steps for in-flight rides plus a burst of new requests.
func (g *Generator) Batch() []ride.RawEvent {
	out := g.progressActive()

	n := int(math.Round(g.rng.NormFloat64() + g.requestRate))
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		out = append(out, g.newRequest())
	}

	for i := range out {
		if g.rng.Float64() < g.invalid {
			g.corrupt(&out[i])
		}
	}

	g.now = g.now.Add(batchPeriod)
	return out
}

func (g *Generator) newRequest() ride.RawEvent {
	rider := g.riders[g.rng.Intn(len(g.riders))]
	r := &activeRide{
		rideID:     shortID("R"),
		riderID:    rider.id,
		cancelProb: rider.cancelProb,
		stage:      ride.StatusRequested,
		pickupLat:  rider.homeLat,
		pickupLon:  rider.homeLon,
		destLat:    rider.workLat,
		destLon:    rider.workLon,
	}
	g.active = append(g.active, r)
	return g.event(r, ride.StatusRequested)
}

func (g *Generator) progressActive() []ride.RawEvent {
	var out []ride.RawEvent
	remaining := g.active[:0]
	for _, r := range g.active {
		if g.rng.Float64() > progressChance {
			remaining = append(remaining, r)
			continue
		}
		switch r.stage {
		case ride.StatusRequested:
			if g.rng.Float64() < r.cancelProb {
				r.stage = ride.StatusCancelled
				out = append(out, g.event(r, ride.StatusCancelled))
				continue
			}
			r.stage = ride.StatusAccepted
			r.driverID = g.drivers[g.rng.Intn(len(g.drivers))]
			out = append(out, g.event(r, ride.StatusAccepted))
			remaining = append(remaining, r)
		case ride.StatusAccepted:
			r.stage = ride.StatusStarted
			out = append(out, g.event(r, ride.StatusStarted))
			remaining = append(remaining, r)
		case ride.StatusStarted:
			r.stage = ride.StatusCompleted
			out = append(out, g.completedEvent(r))
		}
	}
	g.active = remaining
	return out
}

// event assembles the wire shape of one lifecycle step. Status symbols go out
// upper-case, matching the producer fleet.
func (g *Generator) event(r *activeRide, status ride.Status) ride.RawEvent {
	return ride.RawEvent{
		EventID:   shortID("E"),
		RideID:    r.rideID,
		DriverID:  r.driverID,
		RiderID:   r.riderID,
		Timestamp: g.eventTime().Unix(),
		PickupLat: ptrFloat(r.pickupLat),
		PickupLon: ptrFloat(r.pickupLon),
		Status:    strings.ToUpper(string(status)),
	}
}

func (g *Generator) completedEvent(r *activeRide) ride.RawEvent {
	ev := g.event(r, ride.StatusCompleted)
	ev.DropoffLat = ptrFloat(r.destLat)
	ev.DropoffLon = ptrFloat(r.destLon)
	ev.Fare = g.tripFare(haversineKm(r.pickupLat, r.pickupLon, r.destLat, r.destLon))
	return ev
}

// tripFare prices a trip: duration from distance at a random city speed plus
// traffic delay, then base + per-km + per-minute.
func (g *Generator) tripFare(distanceKm float64) decimal.Decimal {
	speed := minSpeedKmh + g.rng.Float64()*(maxSpeedKmh-minSpeedKmh)
	durationMin := distanceKm/speed*60 + g.rng.Float64()*maxTrafficDelay
	fare := baseFare + distanceKm*perKmRate + durationMin*perMinuteRate
	return decimal.NewFromFloat(fare).Round(2)
}

// eventTime jitters the simulated clock forward by up to the configured
// skew, so event times arrive out of order.
func (g *Generator) eventTime() time.Time {
	if g.jitter <= 0 {
		return g.now
	}
	return g.now.Add(time.Duration(g.rng.Int63n(int64(g.jitter) + 1)))
}

// randomLocation draws a point near a hotspot with probability bias, else
// uniformly from the bounding box.
func (g *Generator) randomLocation() (lat, lon float64) {
	if len(g.categories) > 0 && g.rng.Float64() < g.bias {
		cat := g.categories[g.rng.Intn(len(g.categories))]
		zones := g.byCategory[cat]
		z := zones[g.rng.Intn(len(zones))]

		angle := g.rng.Float64() * 2 * math.Pi
		radius := g.rng.Float64() * z.Radius
		return z.CenterLat + radius*math.Cos(angle), z.CenterLon + radius*math.Sin(angle)
	}
	return g.box.MinLat + g.rng.Float64()*(g.box.MaxLat-g.box.MinLat),
		g.box.MinLon + g.rng.Float64()*(g.box.MaxLon-g.box.MinLon)
}

// corrupt damages one field so downstream validation has something to catch.
func (g *Generator) corrupt(ev *ride.RawEvent) {
	switch g.rng.Intn(5) {
	case 0:
		ev.Status = strings.ToUpper(string(ride.StatusCompleted))
		ev.Fare = decimal.NewFromFloat(-5.0)
	case 1:
		ev.PickupLat = nil
		ev.PickupLon = nil
	case 2:
		ev.Status = "TELEPORTED"
	case 3:
		ev.Timestamp = 0
	case 4:
		ev.EventID = ""
	}
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func shortID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func ptrFloat(v float64) *float64 { return &v }
