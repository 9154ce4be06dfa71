package partition

import (
	"hash/fnv"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
)

// For returns the worker shard for a grid cell, in [0, workers).
// Stable and deterministic: the same cell always lands on the same shard, so
// no two workers ever hold partial aggregates for the same bucket.
// Uses FNV-32a (stdlib, fast, well-distributed).
func For(cell geo.Cell, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(cell.String()))
	return int(h.Sum32() % uint32(workers))
}
