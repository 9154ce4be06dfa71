package feed

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/emit"
)

// GridInfo describes the deployment's grid and window geometry. Dashboards
// read it once at startup to draw the map overlay.
type GridInfo struct {
	Rows            int     `json:"rows"`
	Cols            int     `json:"cols"`
	MinLat          float64 `json:"min_lat"`
	MaxLat          float64 `json:"max_lat"`
	MinLon          float64 `json:"min_lon"`
	MaxLon          float64 `json:"max_lon"`
	LatStep         float64 `json:"lat_step"`
	LonStep         float64 `json:"lon_step"`
	WindowLength    string  `json:"window_length"`
	WindowSlide     string  `json:"window_slide"`
	AllowedLateness string  `json:"allowed_lateness"`
	EmissionMode    string  `json:"emission_mode"`
}

// RowsResponse is the envelope for aggregate row queries.
type RowsResponse struct {
	Count       int        `json:"count"`
	GeneratedAt time.Time  `json:"generated_at"`
	Rows        []emit.Row `json:"rows"`
}

// CellResponse is the envelope for a single cell's recent windows.
type CellResponse struct {
	Cell        geo.Cell   `json:"cell"`
	Count       int        `json:"count"`
	GeneratedAt time.Time  `json:"generated_at"`
	Rows        []emit.Row `json:"rows"`
}

// CitySummary rolls the most recent window span up across all cells.
type CitySummary struct {
	WindowStart    time.Time       `json:"window_start"`
	WindowEnd      time.Time       `json:"window_end"`
	ActiveCells    int             `json:"active_cells"`
	EventCount     int64           `json:"event_count"`
	CompletedCount int64           `json:"completed_count"`
	TotalFare      decimal.Decimal `json:"total_fare"`
	MinFare        decimal.Decimal `json:"min_fare"`
	MaxFare        decimal.Decimal `json:"max_fare"`
	AvgFare        decimal.Decimal `json:"avg_fare"`
	BusiestCell    *geo.Cell       `json:"busiest_cell,omitempty"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// streamEvent is what goes over the SSE channel.
type streamEvent struct {
	Rows      []emit.Row `json:"rows"`
	EmittedAt time.Time  `json:"emitted_at"`
}
