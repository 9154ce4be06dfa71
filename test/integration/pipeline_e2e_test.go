//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/core/ride"
	"github.com/gridflow-lab/gridflow/internal/emit"
	"github.com/gridflow-lab/gridflow/internal/engine"
	"github.com/gridflow-lab/gridflow/internal/feed"
	"github.com/gridflow-lab/gridflow/internal/normalize"
	"github.com/gridflow-lab/gridflow/internal/observability/metrics"
	"github.com/gridflow-lab/gridflow/internal/server"
	"github.com/gridflow-lab/gridflow/internal/sink"
	"github.com/gridflow-lab/gridflow/internal/source"
)

// The harness runs the full in-process stack: memory source -> normalizer ->
// aggregator -> feed sink -> gin server, with a fast batch tick so tests
// observe window transitions within milliseconds. Event times are scripted in
// low epoch seconds; only the watermark decides window lifecycles, so the
// wall clock never matters.
const (
	harnessWindowLength = 30 * time.Second
	harnessLateness     = 5 * time.Second
)

var harnessBox = geo.BoundingBox{MinLat: 40.70, MaxLat: 40.85, MinLon: -74.05, MaxLon: -73.90}

type pipelineHarness struct {
	baseURL     string
	client      *http.Client
	mem         *source.Memory
	checkpoints *memCheckpoints

	cancel       context.CancelFunc
	serverDone   chan error
	pipelineDone chan error
	closeOnce    sync.Once
}

func startHarness(t *testing.T) *pipelineHarness {
	t.Helper()

	metrics.Init()

	grid, err := geo.NewGrid(harnessBox, 0.01, 0.01)
	require.NoError(t, err)

	agg, err := engine.NewAggregator(engine.Options{
		WindowLength:    harnessWindowLength,
		AllowedLateness: harnessLateness,
		Mode:            engine.ModeUpdate,
		WorkerCount:     4,
	})
	require.NoError(t, err)

	mem := source.NewMemory(1024)
	checkpoints := newMemCheckpoints()

	dash := feed.New(feed.GridInfo{
		Rows:            grid.Rows(),
		Cols:            grid.Cols(),
		MinLat:          harnessBox.MinLat,
		MaxLat:          harnessBox.MaxLat,
		MinLon:          harnessBox.MinLon,
		MaxLon:          harnessBox.MaxLon,
		LatStep:         0.01,
		LonStep:         0.01,
		WindowLength:    harnessWindowLength.String(),
		WindowSlide:     harnessWindowLength.String(),
		AllowedLateness: harnessLateness.String(),
		EmissionMode:    string(engine.ModeUpdate),
	}, feed.Options{MaxRows: 10000, SubscriberBuffer: 64})

	pipeline := engine.NewPipeline(mem, normalize.New(grid), agg, sink.NewFanout(dash), checkpoints, engine.PipelineOptions{
		BatchInterval:  20 * time.Millisecond,
		RetryBudget:    3,
		CheckpointName: "e2e",
		DrainTimeout:   5 * time.Second,
	})

	port := freePort(t)
	srv := server.New(fmt.Sprintf("127.0.0.1:%d", port), nil, "release")
	dash.RegisterRoutes(srv.Engine)

	ctx, cancel := context.WithCancel(context.Background())
	h := &pipelineHarness{
		baseURL:      fmt.Sprintf("http://127.0.0.1:%d", port),
		client:       &http.Client{Timeout: 5 * time.Second},
		mem:          mem,
		checkpoints:  checkpoints,
		cancel:       cancel,
		serverDone:   make(chan error, 1),
		pipelineDone: make(chan error, 1),
	}

	go func() { h.serverDone <- srv.Run(ctx) }()
	go func() { h.pipelineDone <- pipeline.Run(ctx) }()

	waitForHealthy(t, h.client, h.baseURL)
	return h
}

// close is idempotent so tests can shut the stack down explicitly to assert
// drain behavior and still keep the deferred call.
func (h *pipelineHarness) close(t *testing.T) {
	t.Helper()

	h.closeOnce.Do(func() {
		h.cancel()

		select {
		case err := <-h.pipelineDone:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Log("pipeline shutdown timed out")
		}

		select {
		case err := <-h.serverDone:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Log("server shutdown timed out")
		}
	})
}

// memCheckpoints keeps watermark checkpoints in memory, standing in for the
// Postgres store that production wires here.
type memCheckpoints struct {
	mu  sync.Mutex
	wms map[string]time.Time
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{wms: make(map[string]time.Time)}
}

func (c *memCheckpoints) SaveWatermark(ctx context.Context, name string, wm time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wm.After(c.wms[name]) {
		c.wms[name] = wm
	}
	return nil
}

func (c *memCheckpoints) LoadWatermark(ctx context.Context, name string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wms[name], nil
}

func TestPipelineE2E_WindowLifecycle(t *testing.T) {
	h := startHarness(t)
	defer h.close(t)

	// All scripted pickups land in the same cell.
	pickupCell := geo.Cell{Row: 5, Col: 6}
	windowStart := time.Unix(0, 0).UTC()
	nextWindowStart := windowStart.Add(harnessWindowLength)

	t.Run("grid metadata", func(t *testing.T) {
		var info feed.GridInfo
		status := getJSON(t, h.client, h.baseURL+"/api/v1/grid", &info)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 15, info.Rows)
		require.Equal(t, 15, info.Cols)
		require.Equal(t, harnessWindowLength.String(), info.WindowLength)
		require.Equal(t, "update", info.EmissionMode)
	})

	t.Run("provisional aggregates in update mode", func(t *testing.T) {
		h.mem.Push(
			completedEvent("evt-1", "ride-1", 5, "10.00"),
			completedEvent("evt-2", "ride-2", 15, "20.00"),
			completedEvent("evt-3", "ride-3", 25, "30.00"),
		)

		row := waitForRow(t, h, 5*time.Second, func(r emit.Row) bool {
			return r.Cell == pickupCell && r.WindowStart.Equal(windowStart) && r.EventCount == 3
		})
		require.False(t, row.Finalized)
		require.Equal(t, int64(3), row.CompletedCount)
		requireDecimal(t, "60", row.TotalFare)
		requireDecimal(t, "10", row.MinFare)
		requireDecimal(t, "30", row.MaxFare)
		requireDecimal(t, "20", row.AvgFare)
		require.True(t, row.WindowEnd.Equal(windowStart.Add(harnessWindowLength)))
	})

	t.Run("duplicate delivery is absorbed", func(t *testing.T) {
		deduped := readMetric(t, h, "gridflow_events_deduped_total")

		h.mem.Push(completedEvent("evt-2", "ride-2", 15, "20.00"))
		waitForMetric(t, h, "gridflow_events_deduped_total", deduped+1)

		row := waitForRow(t, h, 5*time.Second, func(r emit.Row) bool {
			return r.Cell == pickupCell && r.WindowStart.Equal(windowStart)
		})
		require.Equal(t, int64(3), row.EventCount, "replayed event must not double count")
		requireDecimal(t, "60", row.TotalFare)
	})

	t.Run("watermark finalizes the window", func(t *testing.T) {
		// Event time 41 puts the watermark at 36, past window end 30 plus
		// the 5s grace.
		h.mem.Push(completedEvent("evt-4", "ride-4", 41, "12.34"))

		row := waitForRow(t, h, 5*time.Second, func(r emit.Row) bool {
			return r.Cell == pickupCell && r.WindowStart.Equal(windowStart) && r.Finalized
		})
		require.Equal(t, int64(3), row.EventCount)
		require.Equal(t, int64(3), row.CompletedCount)
		requireDecimal(t, "60", row.TotalFare)
		requireDecimal(t, "20", row.AvgFare)
	})

	t.Run("late event is dropped", func(t *testing.T) {
		lateDropped := readMetric(t, h, "gridflow_events_late_dropped_total")

		h.mem.Push(completedEvent("evt-late", "ride-5", 10, "99.00"))
		waitForMetric(t, h, "gridflow_events_late_dropped_total", lateDropped+1)

		row := waitForRow(t, h, 5*time.Second, func(r emit.Row) bool {
			return r.Cell == pickupCell && r.WindowStart.Equal(windowStart) && r.Finalized
		})
		require.Equal(t, int64(3), row.EventCount, "finalized window must stay immutable")
		requireDecimal(t, "60", row.TotalFare)
	})

	t.Run("invalid event is rejected and counted", func(t *testing.T) {
		rejected := readMetric(t, h, "gridflow_events_rejected_total")

		h.mem.Push(ride.RawEvent{
			EventID:   "evt-bad",
			RideID:    "ride-bad",
			Timestamp: 42,
			Status:    "completed",
			Fare:      decimal.RequireFromString("5.00"),
			// pickup coordinates intentionally missing
		})
		waitForMetric(t, h, "gridflow_events_rejected_total", rejected+1)
	})

	t.Run("cell history", func(t *testing.T) {
		var resp feed.CellResponse
		url := fmt.Sprintf("%s/api/v1/aggregates/cells/%d/%d", h.baseURL, pickupCell.Row, pickupCell.Col)
		status := getJSON(t, h.client, url, &resp)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, pickupCell, resp.Cell)
		require.NotEmpty(t, resp.Rows)
		for _, row := range resp.Rows {
			require.Equal(t, pickupCell, row.Cell)
		}

		status = getJSON(t, h.client, h.baseURL+"/api/v1/aggregates/cells/99/99", nil)
		require.Equal(t, http.StatusNotFound, status)
	})

	t.Run("citywide summary covers the newest span", func(t *testing.T) {
		var summary feed.CitySummary
		status := getJSON(t, h.client, h.baseURL+"/api/v1/aggregates/citywide", &summary)
		require.Equal(t, http.StatusOK, status)

		// evt-4 opened the second window, which is now the newest span.
		require.True(t, summary.WindowStart.Equal(nextWindowStart),
			"citywide window start %s, want %s", summary.WindowStart, nextWindowStart)
		require.Equal(t, 1, summary.ActiveCells)
		require.Equal(t, int64(1), summary.EventCount)
		requireDecimal(t, "12.34", summary.TotalFare)
		require.NotNil(t, summary.BusiestCell)
		require.Equal(t, pickupCell, *summary.BusiestCell)
	})

	t.Run("finalized filter", func(t *testing.T) {
		var resp feed.RowsResponse
		status := getJSON(t, h.client, h.baseURL+"/api/v1/aggregates/latest?finalized=true", &resp)
		require.Equal(t, http.StatusOK, status)
		require.NotEmpty(t, resp.Rows)
		for _, row := range resp.Rows {
			require.True(t, row.Finalized)
		}
	})

	t.Run("watermark checkpoint persists on shutdown", func(t *testing.T) {
		h.close(t)

		wm, err := h.checkpoints.LoadWatermark(context.Background(), "e2e")
		require.NoError(t, err)
		require.True(t, wm.Equal(time.Unix(41, 0).Add(-harnessLateness)),
			"checkpointed watermark %s, want 36s after epoch", wm)
	})
}

func completedEvent(eventID, rideID string, ts int64, fare string) ride.RawEvent {
	lat, lon := 40.755, -73.985
	return ride.RawEvent{
		EventID:   eventID,
		RideID:    rideID,
		DriverID:  "drv-e2e",
		RiderID:   "rid-e2e",
		Timestamp: ts,
		PickupLat: &lat,
		PickupLon: &lon,
		Fare:      decimal.RequireFromString(fare),
		Status:    "completed",
	}
}

func getJSON(t *testing.T, client *http.Client, url string, out interface{}) int {
	t.Helper()

	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func waitForRow(t *testing.T, h *pipelineHarness, timeout time.Duration, match func(emit.Row) bool) emit.Row {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var resp feed.RowsResponse
		if status := getJSON(t, h.client, h.baseURL+"/api/v1/aggregates/latest?limit=500", &resp); status == http.StatusOK {
			for _, row := range resp.Rows {
				if match(row) {
					return row
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected row did not appear within %s", timeout)
	return emit.Row{}
}

// readMetric sums the exposition values of one metric family, across labels.
func readMetric(t *testing.T, h *pipelineHarness, name string) float64 {
	t.Helper()

	resp, err := h.client.Get(h.baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var total float64
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, name) {
			continue
		}
		rest := line[len(name):]
		if rest == "" || (rest[0] != ' ' && rest[0] != '{') {
			continue
		}
		fields := strings.Fields(line)
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		require.NoError(t, err)
		total += v
	}
	return total
}

func waitForMetric(t *testing.T, h *pipelineHarness, name string, min float64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if readMetric(t, h, name) >= min {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("metric %s did not reach %v within 5s", name, min)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got)
}

func waitForHealthy(t *testing.T, client *http.Client, baseURL string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("server did not become healthy within 10s")
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
