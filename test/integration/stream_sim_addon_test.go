//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridflow-lab/gridflow/internal/emit"
	"github.com/gridflow-lab/gridflow/internal/feed"
	"github.com/gridflow-lab/gridflow/internal/sim"
)

// sseFrame is one decoded server-sent event.
type sseFrame struct {
	event string
	data  string
}

// streamPayload mirrors the JSON carried by snapshot and aggregates frames.
type streamPayload struct {
	Rows      []emit.Row `json:"rows"`
	EmittedAt time.Time  `json:"emitted_at"`
}

// openStream subscribes to the SSE endpoint and decodes frames into a
// channel until the context ends. The returned client has no timeout; the
// context bounds the stream's lifetime instead.
func openStream(t *testing.T, ctx context.Context, url string) <-chan sseFrame {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	client := &http.Client{}
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := make(chan sseFrame, 64)
	go func() {
		defer resp.Body.Close()
		defer close(frames)

		var frame sseFrame
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				frame.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				frame.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if frame.event != "" || frame.data != "" {
					select {
					case frames <- frame:
					case <-ctx.Done():
						return
					}
				}
				frame = sseFrame{}
			}
		}
	}()
	return frames
}

// nextFrame waits for the next frame of the given event type, skipping
// heartbeats and anything else.
func nextFrame(t *testing.T, frames <-chan sseFrame, event string, timeout time.Duration) sseFrame {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream closed while waiting for %q frame", event)
			if f.event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("no %q frame within %s", event, timeout)
		}
	}
}

func TestPipelineE2E_StreamAddOn(t *testing.T) {
	h := startHarness(t)
	defer h.close(t)

	streamCtx, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()

	t.Run("live frames reach subscribers", func(t *testing.T) {
		frames := openStream(t, streamCtx, h.baseURL+"/api/v1/stream")

		h.mem.Push(
			completedEvent("stream-1", "ride-s1", 7, "11.00"),
			completedEvent("stream-2", "ride-s2", 9, "13.00"),
		)

		frame := nextFrame(t, frames, "aggregates", 5*time.Second)
		var payload streamPayload
		require.NoError(t, json.Unmarshal([]byte(frame.data), &payload), frame.data)
		require.NotEmpty(t, payload.Rows)
		require.Equal(t, int64(2), payload.Rows[0].EventCount)
		require.False(t, payload.Rows[0].Finalized)
	})

	t.Run("snapshot greets a late subscriber", func(t *testing.T) {
		// The previous subtest already put rows in the store.
		frames := openStream(t, streamCtx, h.baseURL+"/api/v1/stream")

		frame := nextFrame(t, frames, "snapshot", 5*time.Second)
		var payload streamPayload
		require.NoError(t, json.Unmarshal([]byte(frame.data), &payload), frame.data)
		require.NotEmpty(t, payload.Rows)
	})

	t.Run("finalized only filter", func(t *testing.T) {
		frames := openStream(t, streamCtx, h.baseURL+"/api/v1/stream?finalized_only=true")

		// Provisional activity first, then an event far enough ahead to
		// finalize the first window.
		h.mem.Push(completedEvent("stream-3", "ride-s3", 12, "17.00"))
		time.Sleep(200 * time.Millisecond)
		h.mem.Push(completedEvent("stream-4", "ride-s4", 50, "19.00"))

		frame := nextFrame(t, frames, "aggregates", 5*time.Second)
		var payload streamPayload
		require.NoError(t, json.Unmarshal([]byte(frame.data), &payload), frame.data)
		require.NotEmpty(t, payload.Rows)
		for _, row := range payload.Rows {
			require.True(t, row.Finalized, "filtered stream must only carry finalized rows")
		}
	})

	t.Run("invalid filter value is rejected", func(t *testing.T) {
		status := getJSON(t, h.client, h.baseURL+"/api/v1/stream?finalized_only=maybe", nil)
		require.Equal(t, http.StatusBadRequest, status)
	})
}

// TestPipelineE2E_SimulatorSoak drives the pipeline with the ride simulator
// and checks aggregate invariants rather than exact values: lifecycle mix,
// hotspot skew and corrupted events vary with the generator's draw order.
func TestPipelineE2E_SimulatorSoak(t *testing.T) {
	h := startHarness(t)
	defer h.close(t)

	zones, err := sim.LoadZones(filepath.Join(projectRoot(t), "config", "hotspots"))
	require.NoError(t, err)
	require.NotEmpty(t, zones)

	gen, err := sim.NewGenerator(sim.Options{
		Box:          harnessBox,
		Zones:        zones,
		HotspotBias:  0.7,
		Jitter:       2 * time.Second,
		InvalidRatio: 0.1,
		RequestRate:  6,
		Start:        time.Unix(1_700_000_000, 0).UTC(),
		Seed:         42,
	})
	require.NoError(t, err)

	ingested := readMetric(t, h, "gridflow_events_ingested_total")

	var produced int
	for i := 0; i < 40; i++ {
		batch := gen.Batch()
		produced += len(batch)
		h.mem.Push(batch...)
	}
	require.Greater(t, produced, 100, "generator output unexpectedly small")

	// One guaranteed-bad event so the rejection path is exercised even if
	// the generator's corruptions all happened to stay parseable.
	rejected := readMetric(t, h, "gridflow_events_rejected_total")
	h.mem.Push(completedEvent("soak-bad", "ride-soak", -1, "1.00"))
	waitForMetric(t, h, "gridflow_events_rejected_total", rejected+1)

	waitForMetric(t, h, "gridflow_events_ingested_total", ingested+float64(produced))

	var resp feed.RowsResponse
	status := getJSON(t, h.client, h.baseURL+"/api/v1/aggregates/latest?limit=1000", &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Rows)

	simStart := time.Unix(1_700_000_000, 0).UTC()
	for _, row := range resp.Rows {
		require.False(t, row.WindowStart.Before(simStart.Add(-harnessWindowLength)),
			"row window %s predates the simulated clock", row.WindowStart)
		require.True(t, row.WindowEnd.Equal(row.WindowStart.Add(harnessWindowLength)))
		require.Positive(t, row.EventCount)
		require.GreaterOrEqual(t, row.EventCount, row.CompletedCount)
		require.False(t, row.TotalFare.IsNegative())
		if row.CompletedCount > 0 {
			require.True(t, row.MinFare.LessThanOrEqual(row.MaxFare))
			require.True(t, row.TotalFare.GreaterThanOrEqual(row.MaxFare))
		}
	}

	// The soak must have closed at least one window: 40 batches advance the
	// simulated clock well past window end plus lateness.
	var finalized feed.RowsResponse
	status = getJSON(t, h.client, h.baseURL+"/api/v1/aggregates/latest?finalized=true&limit=1000", &finalized)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, finalized.Rows, "no window finalized during the soak")

	var city feed.CitySummary
	status = getJSON(t, h.client, h.baseURL+"/api/v1/aggregates/citywide", &city)
	require.Equal(t, http.StatusOK, status)
	require.Positive(t, city.ActiveCells)
	require.Positive(t, city.EventCount)
	require.NotNil(t, city.BusiestCell)
}

func projectRoot(t *testing.T) string {
	t.Helper()

	root, err := filepath.Abs(filepath.Join("..", ".."))
	require.NoError(t, err)
	return root
}
