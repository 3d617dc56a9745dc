package cascade

import (
	"testing"

	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/pkg/models"
)

func testValidator() *Validator {
	return NewValidator(ValidatorConfig{
		MinClusterSize:    8,
		TimingToleranceMs: 200,
		MinStepMs:         50,
	})
}

// checkerboard fills the grid with alternating low-pay symbols so no
// cell is empty and no positions cluster by accident.
func checkerboard() grid.Grid {
	var g grid.Grid
	for c := 0; c < grid.Columns; c++ {
		for r := 0; r < grid.Rows; r++ {
			if (c+r)%2 == 0 {
				g[c][r] = symbols.TimeGem
			} else {
				g[c][r] = symbols.SpaceGem
			}
		}
	}
	return g
}

func TestValidateGridStructure(t *testing.T) {
	v := testValidator()

	full := checkerboard()
	if err := v.ValidateGridStructure(&full); err != nil {
		t.Errorf("Full grid rejected: %v", err)
	}

	// Empties above the filled part of a column are a legal
	// mid-animation state.
	settling := checkerboard()
	settling[2][0] = grid.Empty
	settling[2][1] = grid.Empty
	if err := v.ValidateGridStructure(&settling); err != nil {
		t.Errorf("Settling grid rejected: %v", err)
	}

	floating := checkerboard()
	floating[3][2] = grid.Empty
	if err := v.ValidateGridStructure(&floating); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Floating column accepted: %v", err)
	}

	alien := checkerboard()
	alien[0][0] = symbols.Symbol("reality_stone")
	if err := v.ValidateGridStructure(&alien); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Unknown symbol accepted: %v", err)
	}
}

func TestValidateCluster(t *testing.T) {
	v := testValidator()

	// An L of eight time gems: column 0 full, rows 0..2 of column 1.
	g := checkerboard()
	shape := []grid.Position{
		{Col: 0, Row: 0}, {Col: 0, Row: 1}, {Col: 0, Row: 2}, {Col: 0, Row: 3}, {Col: 0, Row: 4},
		{Col: 1, Row: 0}, {Col: 1, Row: 1}, {Col: 1, Row: 2},
	}
	for _, p := range shape {
		g[p.Col][p.Row] = symbols.TimeGem
	}

	if err := v.ValidateCluster(&g, shape, symbols.TimeGem); err != nil {
		t.Errorf("Valid 8-cluster rejected: %v", err)
	}

	if err := v.ValidateCluster(&g, shape[:7], symbols.TimeGem); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Size-7 cluster accepted: %v", err)
	}

	wrongSym := append([]grid.Position(nil), shape...)
	if err := v.ValidateCluster(&g, wrongSym, symbols.SpaceGem); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Cluster with wrong symbol accepted: %v", err)
	}

	// Two disjoint 2x2 blocks of the same symbol are not one cluster.
	g2 := checkerboard()
	split := []grid.Position{
		{Col: 0, Row: 0}, {Col: 0, Row: 1}, {Col: 1, Row: 0}, {Col: 1, Row: 1},
		{Col: 4, Row: 3}, {Col: 4, Row: 4}, {Col: 5, Row: 3}, {Col: 5, Row: 4},
	}
	for _, p := range split {
		g2[p.Col][p.Row] = symbols.MindGem
	}
	if err := v.ValidateCluster(&g2, split, symbols.MindGem); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Disconnected cluster accepted: %v", err)
	}

	dupes := append([]grid.Position(nil), shape[:7]...)
	dupes = append(dupes, shape[0])
	if err := v.ValidateCluster(&g, dupes, symbols.TimeGem); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Duplicate positions accepted: %v", err)
	}

	oob := append([]grid.Position(nil), shape[:7]...)
	oob = append(oob, grid.Position{Col: 6, Row: 0})
	if err := v.ValidateCluster(&g, oob, symbols.TimeGem); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Out-of-bounds position accepted: %v", err)
	}

	if err := v.ValidateCluster(&g, shape, symbols.InfinityGlove); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Scatter cluster accepted: %v", err)
	}
}

func TestValidateDrop(t *testing.T) {
	v := testValidator()

	before := checkerboard()
	cleared := []grid.Position{
		{Col: 0, Row: 4}, {Col: 0, Row: 2},
		{Col: 2, Row: 0}, {Col: 2, Row: 1}, {Col: 2, Row: 2},
	}
	after, _ := before.Resolve(cleared, func() symbols.Symbol { return symbols.MindGem })

	if err := v.ValidateDrop(&before, cleared, &after); err != nil {
		t.Fatalf("Honest drop rejected: %v", err)
	}

	// Survivors out of order.
	swapped := after
	swapped[2][3], swapped[2][4] = swapped[2][4], swapped[2][3]
	if err := v.ValidateDrop(&before, cleared, &swapped); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Reordered survivors accepted: %v", err)
	}

	// A refill cell left empty.
	hollow := after
	hollow[2][0] = grid.Empty
	if err := v.ValidateDrop(&before, cleared, &hollow); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Empty refill accepted: %v", err)
	}

	// Cleared position out of bounds.
	badCleared := append([]grid.Position(nil), cleared...)
	badCleared = append(badCleared, grid.Position{Col: 0, Row: 5})
	if err := v.ValidateDrop(&before, badCleared, &after); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Out-of-bounds clear accepted: %v", err)
	}
}

func TestValidateStepHash(t *testing.T) {
	v := testValidator()

	step := &models.CascadeStep{StepIndex: 2, GridBefore: checkerboard(), GridAfter: checkerboard()}
	good := step.HashWith("salt-a")

	if err := v.ValidateStepHash(step, "salt-a", good); err != nil {
		t.Errorf("Correct hash rejected: %v", err)
	}
	if err := v.ValidateStepHash(step, "salt-a", "deadbeef"); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Wrong hash accepted: %v", err)
	}
	if err := v.ValidateStepHash(step, "salt-b", good); !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
		t.Errorf("Hash under a different salt accepted: %v", err)
	}
}

func TestValidateTiming(t *testing.T) {
	v := testValidator()

	steps := []models.CascadeStep{
		{Timings: models.StepTimings{TotalMs: 1000}},
		{Timings: models.StepTimings{TotalMs: 800}},
		{Timings: models.StepTimings{TotalMs: 600}},
	}

	tests := []struct {
		name  string
		marks []int64
		delay int64
		ok    bool
	}{
		{"exact", []int64{0, 1000, 1800}, 0, true},
		{"within tolerance", []int64{0, 1150, 1990}, 0, true},
		{"network delay widens window", []int64{0, 1300, 2100}, 150, true},
		{"too slow", []int64{0, 1500, 2300}, 0, false},
		{"too fast overall", []int64{0, 700, 1500}, 0, false},
		{"below floor", []int64{0, 40, 840}, 0, false},
		{"not monotonic", []int64{0, 1000, 900}, 0, false},
		{"wrong count", []int64{0, 1000}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateTiming(steps, tt.marks, tt.delay)
			if tt.ok && err != nil {
				t.Errorf("Expected accept, got %v", err)
			}
			if !tt.ok && !gameerr.IsKind(err, gameerr.KindValidationMismatch) {
				t.Errorf("Expected ValidationMismatch, got %v", err)
			}
		})
	}
}

func TestGridHash(t *testing.T) {
	g := checkerboard()

	a := GridHash(&g, "salt")
	if b := GridHash(&g, "salt"); a != b {
		t.Error("Grid hash not deterministic")
	}
	if b := GridHash(&g, "other"); a == b {
		t.Error("Grid hash ignores the salt")
	}

	g2 := g
	g2[0][0] = symbols.Thanos
	if b := GridHash(&g2, "salt"); a == b {
		t.Error("Grid hash ignores cell content")
	}
}
