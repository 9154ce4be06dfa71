package window

import (
	"fmt"
	"time"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
)

// Span is one time window, left inclusive and right exclusive: [Start, End).
// Spans are aligned to the Unix epoch and always carried in UTC so they are
// safe to use inside comparable map keys.
type Span struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the span.
func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

func (s Span) String() string {
	return fmt.Sprintf("[%s, %s)", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
}

// Key identifies one aggregation bucket: a grid cell crossed with a window
// span. It is the map key of the aggregation arena and the upsert key of
// every downstream sink.
type Key struct {
	Cell geo.Cell
	Span
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Cell, k.Span)
}

// ParseSize parses a window duration string. Supports Go duration syntax
// (e.g., "30s", "5m", "1h") plus "Xd" for days.
func ParseSize(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("window size must not be empty")
	}

	// Handle "d" suffix (days), which time.ParseDuration does not support.
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid window size %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("window size must be positive, got %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window size %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window size must be positive, got %q", s)
	}
	return d, nil
}

// Assigner maps event times to the window spans they belong to. With
// slide == length it produces tumbling windows (exactly one span per event);
// with slide < length it produces sliding windows (every span whose slide
// boundary covers the event).
type Assigner struct {
	length time.Duration
	slide  time.Duration
}

// NewAssigner validates the window geometry. slide must be in (0, length].
func NewAssigner(length, slide time.Duration) (*Assigner, error) {
	if length < time.Millisecond {
		return nil, fmt.Errorf("window length must be at least 1ms, got %s", length)
	}
	if slide < time.Millisecond || slide > length {
		return nil, fmt.Errorf("slide %s must be in [1ms, %s]", slide, length)
	}
	return &Assigner{length: length, slide: slide}, nil
}

// Length returns the window length.
func (a *Assigner) Length() time.Duration { return a.length }

// Tumbling reports whether the assigner degenerates to tumbling windows.
func (a *Assigner) Tumbling() bool { return a.slide == a.length }

// AssignSpans returns every span containing t, earliest first. The highest
// slide multiple at or before t starts the latest span; earlier spans are
// found by walking back one slide at a time while they still contain t.
func (a *Assigner) AssignSpans(t time.Time) []Span {
	latest := alignDown(t, a.slide)
	if a.Tumbling() {
		return []Span{{Start: latest, End: latest.Add(a.length)}}
	}
	var spans []Span
	for start := latest; start.Add(a.length).After(t); start = start.Add(-a.slide) {
		spans = append(spans, Span{Start: start, End: start.Add(a.length)})
	}
	for i, j := 0, len(spans)-1; i < j; i, j = i+1, j-1 {
		spans[i], spans[j] = spans[j], spans[i]
	}
	return spans
}

// AssignKeys crosses the spans for t with a grid cell.
func (a *Assigner) AssignKeys(cell geo.Cell, t time.Time) []Key {
	spans := a.AssignSpans(t)
	keys := make([]Key, len(spans))
	for i, s := range spans {
		keys[i] = Key{Cell: cell, Span: s}
	}
	return keys
}

// alignDown truncates t to the highest multiple of d at or before it,
// counting from the Unix epoch.
func alignDown(t time.Time, d time.Duration) time.Time {
	dm := d.Milliseconds()
	return time.UnixMilli((t.UnixMilli() / dm) * dm).UTC()
}

// Watermark is the engine's monotonic event-time floor: a claim that no
// event older than Time will be merged anymore. The zero value stands for
// the minimum possible timestamp.
type Watermark struct {
	t time.Time
}

// At builds a watermark positioned at t.
func At(t time.Time) Watermark {
	return Watermark{t: t.UTC()}
}

// Time returns the watermark position. Zero when nothing has been observed.
func (w Watermark) Time() time.Time { return w.t }

// IsZero reports whether the watermark has never advanced.
func (w Watermark) IsZero() bool { return w.t.IsZero() }

// Advance moves the watermark to candidate if that is later. Watermarks
// never regress: an older candidate leaves the watermark unchanged.
func (w Watermark) Advance(candidate time.Time) Watermark {
	if candidate.After(w.t) {
		return Watermark{t: candidate.UTC()}
	}
	return w
}

// Reached reports whether the watermark is at or past threshold. A zero
// watermark has reached nothing.
func (w Watermark) Reached(threshold time.Time) bool {
	if w.IsZero() {
		return false
	}
	return !w.t.Before(threshold)
}

func (w Watermark) String() string {
	if w.IsZero() {
		return "wm(-)"
	}
	return "wm(" + w.t.Format(time.RFC3339) + ")"
}
