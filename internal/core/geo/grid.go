package geo

import (
	"fmt"
	"math"
)

// Cell identifies one grid cell by row (latitude band) and column
// (longitude band).
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// OutOfBoundsCell is the sentinel cell for coordinates outside the service
// area or not finite. It never collides with a real cell.
var OutOfBoundsCell = Cell{Row: -1, Col: -1}

// OutOfBounds reports whether the cell is the out-of-bounds sentinel.
func (c Cell) OutOfBounds() bool {
	return c.Row < 0 || c.Col < 0
}

func (c Cell) String() string {
	if c.OutOfBounds() {
		return "oob"
	}
	return fmt.Sprintf("%d:%d", c.Row, c.Col)
}

// BoundingBox is the service area in decimal degrees. Both edges are
// inclusive.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether the point lies inside the box. NaN and infinite
// coordinates are outside by definition.
func (b BoundingBox) Contains(lat, lon float64) bool {
	if !finite(lat) || !finite(lon) {
		return false
	}
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Grid maps geographic coordinates onto a fixed rectangular grid over the
// service area. Mapping is total: every input yields a cell, with points
// outside the box mapped to OutOfBoundsCell. Safe for concurrent use.
type Grid struct {
	box     BoundingBox
	latStep float64
	lonStep float64
	rows    int
	cols    int
}

// NewGrid builds a grid over box with the given cell size in degrees.
// Interior band boundaries are left-inclusive; the box max edges are clamped
// into the last band so the mapping stays total over the whole box.
func NewGrid(box BoundingBox, latStep, lonStep float64) (*Grid, error) {
	if !finite(box.MinLat) || !finite(box.MaxLat) || !finite(box.MinLon) || !finite(box.MaxLon) {
		return nil, fmt.Errorf("bounding box must be finite, got %+v", box)
	}
	if box.MaxLat <= box.MinLat {
		return nil, fmt.Errorf("max_lat %v must be greater than min_lat %v", box.MaxLat, box.MinLat)
	}
	if box.MaxLon <= box.MinLon {
		return nil, fmt.Errorf("max_lon %v must be greater than min_lon %v", box.MaxLon, box.MinLon)
	}
	if !(latStep > 0) || !finite(latStep) {
		return nil, fmt.Errorf("lat_step must be positive, got %v", latStep)
	}
	if !(lonStep > 0) || !finite(lonStep) {
		return nil, fmt.Errorf("lon_step must be positive, got %v", lonStep)
	}
	rows := int(math.Ceil((box.MaxLat - box.MinLat) / latStep))
	cols := int(math.Ceil((box.MaxLon - box.MinLon) / lonStep))
	return &Grid{box: box, latStep: latStep, lonStep: lonStep, rows: rows, cols: cols}, nil
}

// CellOf maps a coordinate pair to its grid cell. Never errors and never
// panics: anything outside the box, NaN included, maps to OutOfBoundsCell.
func (g *Grid) CellOf(lat, lon float64) Cell {
	if !g.box.Contains(lat, lon) {
		return OutOfBoundsCell
	}
	row := int(math.Floor((lat - g.box.MinLat) / g.latStep))
	col := int(math.Floor((lon - g.box.MinLon) / g.lonStep))
	if row >= g.rows {
		row = g.rows - 1
	}
	if col >= g.cols {
		col = g.cols - 1
	}
	return Cell{Row: row, Col: col}
}

// Center returns the coordinates of the cell midpoint. ok is false for the
// out-of-bounds sentinel and for cells outside the grid extent.
func (g *Grid) Center(c Cell) (lat, lon float64, ok bool) {
	if c.OutOfBounds() || c.Row >= g.rows || c.Col >= g.cols {
		return 0, 0, false
	}
	lat = g.box.MinLat + (float64(c.Row)+0.5)*g.latStep
	lon = g.box.MinLon + (float64(c.Col)+0.5)*g.lonStep
	return lat, lon, true
}

// Rows returns the number of latitude bands.
func (g *Grid) Rows() int { return g.rows }

// Cols returns the number of longitude bands.
func (g *Grid) Cols() int { return g.cols }

// Bounds returns the service area box.
func (g *Grid) Bounds() BoundingBox { return g.box }

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
