package partition

import (
	"testing"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
)

func TestFor_Determinism(t *testing.T) {
	// Same cell must always land on the same shard.
	cell := geo.Cell{Row: 4, Col: 11}
	shard := For(cell, 8)
	for i := 0; i < 100; i++ {
		if got := For(cell, 8); got != shard {
			t.Fatalf("For(%v, 8) = %d on iteration %d, want %d", cell, got, i, shard)
		}
	}
}

func TestFor_Range(t *testing.T) {
	// All outputs must be in [0, workers).
	cells := []geo.Cell{
		{},
		{Row: 1, Col: 1},
		{Row: 14, Col: 0},
		geo.OutOfBoundsCell,
		{Row: 1000, Col: 1000},
	}
	for _, c := range cells {
		for _, workers := range []int{1, 2, 8, 13} {
			p := For(c, workers)
			if p < 0 || p >= workers {
				t.Errorf("For(%v, %d) = %d, want [0, %d)", c, workers, p, workers)
			}
		}
	}
}

func TestFor_SingleWorker(t *testing.T) {
	if got := For(geo.Cell{Row: 9, Col: 9}, 1); got != 0 {
		t.Errorf("For with one worker = %d, want 0", got)
	}
	if got := For(geo.Cell{Row: 9, Col: 9}, 0); got != 0 {
		t.Errorf("For with zero workers = %d, want 0", got)
	}
}

func TestFor_Distribution(t *testing.T) {
	// A 15x15 grid over 8 shards should use every shard (sanity check that
	// FNV-32a spreads cell labels well).
	seen := make(map[int]struct{})
	for row := 0; row < 15; row++ {
		for col := 0; col < 15; col++ {
			seen[For(geo.Cell{Row: row, Col: col}, 8)] = struct{}{}
		}
	}
	if len(seen) != 8 {
		t.Errorf("only %d distinct shards from 225 cells, want 8", len(seen))
	}
}
