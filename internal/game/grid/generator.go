package grid

import (
	"github.com/rawblock/infinity-storm/internal/game/rng"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
)

// Picker draws symbols from a weight table using a random stream. One
// Picker serves both initial generation and cascade refills, so the
// whole spin consumes a single deterministic stream.
type Picker struct {
	table   symbols.WeightTable
	weights []int
	stream  *rng.Stream
}

// NewPicker binds a spawn table to a stream.
func NewPicker(table symbols.WeightTable, stream *rng.Stream) *Picker {
	weights := make([]int, len(table))
	for i, e := range table {
		weights[i] = e.Weight
	}
	return &Picker{table: table, weights: weights, stream: stream}
}

// Pick draws one symbol.
func (p *Picker) Pick() symbols.Symbol {
	return p.table[p.stream.WeightedIndex(p.weights)].Symbol
}

// Generate populates a full grid by weighted selection, drawing cells
// in column-major order (col 0..5, row 0..4). The draw order is part
// of the determinism contract: reordering it changes every seeded
// outcome.
func Generate(picker *Picker) Grid {
	var g Grid
	for c := 0; c < Columns; c++ {
		for r := 0; r < Rows; r++ {
			g[c][r] = picker.Pick()
		}
	}
	return g
}
