package grid

import (
	"testing"

	"github.com/rawblock/infinity-storm/internal/game/rng"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
)

// Single-letter aliases keep row fixtures readable.
const (
	T = symbols.TimeGem
	S = symbols.SpaceGem
	M = symbols.MindGem
	P = symbols.PowerGem
	R = symbols.RealityGem
	W = symbols.ThanosWeapon
	G = symbols.InfinityGlove
)

func TestFromRowsTransposes(t *testing.T) {
	g := FromRows([Rows][Columns]symbols.Symbol{
		{T, S, M, P, R, W},
		{S, T, S, M, P, R},
		{M, S, T, S, M, P},
		{P, M, S, T, S, M},
		{R, P, M, S, T, S},
	})

	if g[0][0] != T {
		t.Errorf("Expected time_gem at col 0 row 0, got %s", g[0][0])
	}
	if g[5][0] != W {
		t.Errorf("Expected thanos_weapon at col 5 row 0, got %s", g[5][0])
	}
	if g[0][4] != R {
		t.Errorf("Expected reality_gem at col 0 row 4, got %s", g[0][4])
	}
}

func TestValidate(t *testing.T) {
	good := FromRows([Rows][Columns]symbols.Symbol{
		{T, S, M, P, R, W},
		{S, T, S, M, P, R},
		{M, S, T, S, M, P},
		{P, M, S, T, S, M},
		{R, P, M, S, T, S},
	})
	if err := good.Validate(); err != nil {
		t.Fatalf("Expected valid grid, got %v", err)
	}

	var withEmpty = good
	withEmpty[2][3] = Empty
	if err := withEmpty.Validate(); err == nil {
		t.Error("Expected error for empty cell")
	}

	var withUnknown = good
	withUnknown[1][1] = symbols.Symbol("vibranium")
	if err := withUnknown.Validate(); err == nil {
		t.Error("Expected error for unknown symbol")
	}
}

func TestFindClustersMinimumSize(t *testing.T) {
	// Top row plus two cells below: an 8-cluster of time_gem.
	eight := FromRows([Rows][Columns]symbols.Symbol{
		{T, T, T, T, T, T},
		{T, T, S, M, S, M},
		{P, R, P, R, P, R},
		{R, P, R, P, R, P},
		{S, M, S, M, S, M},
	})
	clusters := eight.FindClusters(8)
	if len(clusters) != 1 {
		t.Fatalf("Expected exactly 1 cluster, got %d", len(clusters))
	}
	if clusters[0].Symbol != T {
		t.Errorf("Expected time_gem cluster, got %s", clusters[0].Symbol)
	}
	if clusters[0].Size() != 8 {
		t.Errorf("Expected cluster of 8, got %d", clusters[0].Size())
	}
	if clusters[0].Origin != (Position{Col: 0, Row: 0}) {
		t.Errorf("Expected origin (0,0), got %+v", clusters[0].Origin)
	}

	// Removing one member leaves 7 connected cells: below minimum.
	seven := eight
	seven[1][1] = M
	if got := seven.FindClusters(8); len(got) != 0 {
		t.Errorf("Expected no clusters at size 7, got %d", len(got))
	}
}

func TestFindClustersDisjointAndOrdered(t *testing.T) {
	// Two separate 8-blocks of time_gem flanking a mind_gem wall that
	// is itself a 14-cluster.
	g := FromRows([Rows][Columns]symbols.Symbol{
		{T, T, M, M, T, T},
		{T, T, M, M, T, T},
		{T, T, M, M, T, T},
		{T, T, M, M, T, T},
		{S, P, M, M, S, P},
	})

	clusters := g.FindClusters(8)
	if len(clusters) != 3 {
		t.Fatalf("Expected 3 clusters, got %d", len(clusters))
	}

	// Ordered by ascending (column, row) of each cluster's minimum.
	wantOrigins := []Position{{0, 0}, {2, 0}, {4, 0}}
	wantSymbols := []symbols.Symbol{T, M, T}
	wantSizes := []int{8, 10, 8}
	for i, cl := range clusters {
		if cl.Origin != wantOrigins[i] {
			t.Errorf("Cluster %d: expected origin %+v, got %+v", i, wantOrigins[i], cl.Origin)
		}
		if cl.Symbol != wantSymbols[i] {
			t.Errorf("Cluster %d: expected %s, got %s", i, wantSymbols[i], cl.Symbol)
		}
		if cl.Size() != wantSizes[i] {
			t.Errorf("Cluster %d: expected size %d, got %d", i, wantSizes[i], cl.Size())
		}
	}
}

func TestFindClustersIrregularShapeIsOneComponent(t *testing.T) {
	// An L of 9 cells must come back as a single maximal cluster.
	g := FromRows([Rows][Columns]symbols.Symbol{
		{T, S, M, P, R, W},
		{T, S, M, P, R, W},
		{T, S, M, P, R, W},
		{T, T, T, T, T, T},
		{S, M, P, R, W, S},
	})

	clusters := g.FindClusters(8)
	if len(clusters) != 1 {
		t.Fatalf("Expected 1 cluster, got %d", len(clusters))
	}
	if clusters[0].Size() != 9 {
		t.Errorf("Expected 9 positions, got %d", clusters[0].Size())
	}

	// All positions sorted ascending.
	ps := clusters[0].Positions
	for i := 1; i < len(ps); i++ {
		if !ps[i-1].Less(ps[i]) {
			t.Errorf("Positions not sorted at index %d: %+v then %+v", i, ps[i-1], ps[i])
		}
	}
}

func TestScattersNeverCluster(t *testing.T) {
	g := FromRows([Rows][Columns]symbols.Symbol{
		{G, G, G, G, G, G},
		{G, G, S, M, S, M},
		{P, R, P, R, P, R},
		{R, P, R, P, R, P},
		{S, M, S, M, S, M},
	})

	if got := g.FindClusters(8); len(got) != 0 {
		t.Errorf("Expected no clusters from connected scatters, got %d", len(got))
	}
	if n := g.CountScatters(); n != 8 {
		t.Errorf("Expected 8 scatters counted globally, got %d", n)
	}
}

func TestResolveGravityAndRefillOrder(t *testing.T) {
	g := FromRows([Rows][Columns]symbols.Symbol{
		{T, S, M, P, R, W},
		{S, T, S, M, P, R},
		{M, S, T, S, M, P},
		{P, M, S, T, S, M},
		{R, P, M, S, T, S},
	})

	// Clear rows 1 and 3 of column 0.
	cleared := []Position{{Col: 0, Row: 1}, {Col: 0, Row: 3}}
	script := []symbols.Symbol{G, W}
	idx := 0
	draw := func() symbols.Symbol {
		s := script[idx]
		idx++
		return s
	}

	after, pattern := g.Resolve(cleared, draw)

	// Survivors T, M, R keep relative order and sink to the bottom;
	// the first-drawn refill lands deeper than the second.
	wantCol0 := [Rows]symbols.Symbol{W, G, T, M, R}
	if after[0] != wantCol0 {
		t.Errorf("Expected column 0 %v, got %v", wantCol0, after[0])
	}

	// Untouched columns are identical.
	for c := 1; c < Columns; c++ {
		if after[c] != g[c] {
			t.Errorf("Column %d changed without being cleared", c)
		}
	}

	wantMoves := []DropMove{{Col: 0, FromRow: 2, ToRow: 3}, {Col: 0, FromRow: 0, ToRow: 2}}
	if len(pattern.Moves) != len(wantMoves) {
		t.Fatalf("Expected %d moves, got %d: %+v", len(wantMoves), len(pattern.Moves), pattern.Moves)
	}
	for i, m := range wantMoves {
		if pattern.Moves[i] != m {
			t.Errorf("Move %d: expected %+v, got %+v", i, m, pattern.Moves[i])
		}
	}

	wantRefills := []RefillCell{{Col: 0, Row: 1, Symbol: G}, {Col: 0, Row: 0, Symbol: W}}
	if len(pattern.Refills) != len(wantRefills) {
		t.Fatalf("Expected %d refills, got %d", len(wantRefills), len(pattern.Refills))
	}
	for i, rf := range wantRefills {
		if pattern.Refills[i] != rf {
			t.Errorf("Refill %d: expected %+v, got %+v", i, rf, pattern.Refills[i])
		}
	}
}

func TestResolveConservation(t *testing.T) {
	g := FromRows([Rows][Columns]symbols.Symbol{
		{T, T, T, T, T, T},
		{T, T, S, M, S, M},
		{P, R, P, R, P, R},
		{R, P, R, P, R, P},
		{S, M, S, M, S, M},
	})
	clusters := g.FindClusters(8)
	if len(clusters) != 1 {
		t.Fatalf("Fixture expected one cluster, got %d", len(clusters))
	}

	stream := rng.Seeded("conservation")
	picker := NewPicker(symbols.Default().BaseWeights, stream)
	after, pattern := g.Resolve(clusters[0].Positions, picker.Pick)

	if err := after.Validate(); err != nil {
		t.Fatalf("Post-resolve grid invalid: %v", err)
	}
	if len(pattern.Refills) != clusters[0].Size() {
		t.Errorf("Expected %d refills, got %d", clusters[0].Size(), len(pattern.Refills))
	}

	// Survivor count plus refills covers every cell.
	if got := Columns*Rows - clusters[0].Size() + len(pattern.Refills); got != Columns*Rows {
		t.Errorf("Cell accounting broken: %d", got)
	}
}

func TestCanonicalFormat(t *testing.T) {
	g := FromRows([Rows][Columns]symbols.Symbol{
		{T, S, M, P, R, W},
		{S, T, S, M, P, R},
		{M, S, T, S, M, P},
		{P, M, S, T, S, M},
		{R, P, M, S, T, S},
	})

	got := g.Canonical()
	want := "time_gem,space_gem,mind_gem,power_gem,reality_gem" +
		"|space_gem,time_gem,space_gem,mind_gem,power_gem" +
		"|mind_gem,space_gem,time_gem,space_gem,mind_gem" +
		"|power_gem,mind_gem,space_gem,time_gem,space_gem" +
		"|reality_gem,power_gem,mind_gem,space_gem,time_gem" +
		"|thanos_weapon,reality_gem,power_gem,mind_gem,space_gem"
	if got != want {
		t.Errorf("Canonical mismatch:\n got %s\nwant %s", got, want)
	}

	// Same cells, different arrangement must differ.
	other := g
	other[0][0], other[0][1] = other[0][1], other[0][0]
	if other.Canonical() == got {
		t.Error("Different grids share a canonical form")
	}
}

func TestGenerateFullKnownGrid(t *testing.T) {
	stream := rng.Seeded("generate-basic")
	picker := NewPicker(symbols.Default().BaseWeights, stream)

	g := Generate(picker)
	if err := g.Validate(); err != nil {
		t.Fatalf("Generated grid invalid: %v", err)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a := Generate(NewPicker(symbols.Default().BaseWeights, rng.Seeded("gen-seed-1")))
	b := Generate(NewPicker(symbols.Default().BaseWeights, rng.Seeded("gen-seed-1")))
	if a != b {
		t.Error("Same seed produced different grids")
	}

	c := Generate(NewPicker(symbols.Default().BaseWeights, rng.Seeded("gen-seed-2")))
	if a == c {
		t.Error("Different seeds produced identical grids")
	}
}

func TestGenerateZeroWeightNeverAppears(t *testing.T) {
	table := symbols.WeightTable{
		{Symbol: symbols.TimeGem, Weight: 10},
		{Symbol: symbols.Thanos, Weight: 0},
		{Symbol: symbols.SpaceGem, Weight: 10},
	}
	picker := NewPicker(table, rng.Seeded("zero-weight"))

	for i := 0; i < 50; i++ {
		g := Generate(picker)
		if n := g.Count(symbols.Thanos); n != 0 {
			t.Fatalf("Zero-weight symbol appeared %d times in grid %d", n, i)
		}
	}
}

func TestGenerateFreeSpinsRaisesHighPayRatio(t *testing.T) {
	model := symbols.Default()
	const grids = 400

	countHigh := func(table symbols.WeightTable, seed string) int {
		picker := NewPicker(table, rng.Seeded(seed))
		high := 0
		for i := 0; i < grids; i++ {
			g := Generate(picker)
			for _, s := range []symbols.Symbol{symbols.Thanos, symbols.ScarletWitch, symbols.ThanosWeapon} {
				high += g.Count(s)
			}
		}
		return high
	}

	base := countHigh(model.BaseWeights, "ratio-base")
	free := countHigh(model.FreeSpinWeights, "ratio-free")

	total := float64(grids * Columns * Rows)
	baseRatio := float64(base) / total
	freeRatio := float64(free) / total
	if freeRatio < baseRatio {
		t.Errorf("Free-spin high-pay ratio %.4f below base %.4f over %d grids",
			freeRatio, baseRatio, grids)
	}
}
