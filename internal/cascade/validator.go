// Package cascade implements the server side of the cascade
// synchronization protocol: validation of client-reported state against
// the authoritative SpinResult, the per-spin SyncSession state machine,
// and recovery planning for desynchronized clients. Components address
// each other through the Synchronizer registry by syncSessionId and
// playerId, never by direct reference.
package cascade

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/pkg/models"
)

// ValidatorConfig tunes the acceptance thresholds. Zero values fall
// back to the defaults.
type ValidatorConfig struct {
	// MinClusterSize is the smallest paying cluster.
	MinClusterSize int
	// TimingToleranceMs bounds how far a client's inter-step delta may
	// deviate from the server-advertised step duration.
	TimingToleranceMs int64
	// MinStepMs rejects step playback implausibly faster than any real
	// client could render.
	MinStepMs int64
}

// DefaultValidatorConfig matches the shipped client's animation engine.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinClusterSize:    8,
		TimingToleranceMs: 1000,
		MinStepMs:         50,
	}
}

// Validator checks client-reported grids, clusters, drops, hashes and
// timing against server authority. All methods are pure; a single
// Validator serves every session concurrently.
type Validator struct {
	cfg ValidatorConfig
}

func NewValidator(cfg ValidatorConfig) *Validator {
	def := DefaultValidatorConfig()
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = def.MinClusterSize
	}
	if cfg.TimingToleranceMs <= 0 {
		cfg.TimingToleranceMs = def.TimingToleranceMs
	}
	if cfg.MinStepMs <= 0 {
		cfg.MinStepMs = def.MinStepMs
	}
	return &Validator{cfg: cfg}
}

// ValidateGridStructure accepts 6x5 grids whose filled cells hold known
// symbols and whose empty cells, if any, sit strictly above the filled
// part of their column. Mid-animation client states may carry empties;
// a floating column (a filled cell above an empty one) never occurs
// after gravity.
func (v *Validator) ValidateGridStructure(g *grid.Grid) error {
	for c := 0; c < grid.Columns; c++ {
		filled := false
		for r := 0; r < grid.Rows; r++ {
			s := g[c][r]
			if s == grid.Empty {
				if filled {
					return gameerr.New(gameerr.KindValidationMismatch,
						"floating column %d: empty cell at row %d below a filled cell", c, r)
				}
				continue
			}
			if !symbols.Known(s) {
				return gameerr.New(gameerr.KindValidationMismatch,
					"unknown symbol %q at col %d row %d", s, c, r)
			}
			filled = true
		}
	}
	return nil
}

// ValidateCluster checks that the positions form one 4-connected
// component of at least the minimum size, and that every position holds
// the claimed symbol on the grid.
func (v *Validator) ValidateCluster(g *grid.Grid, positions []grid.Position, sym symbols.Symbol) error {
	if len(positions) < v.cfg.MinClusterSize {
		return gameerr.New(gameerr.KindValidationMismatch,
			"cluster size %d below minimum %d", len(positions), v.cfg.MinClusterSize)
	}
	if !symbols.Known(sym) || symbols.IsScatter(sym) {
		return gameerr.New(gameerr.KindValidationMismatch, "symbol %q cannot form clusters", sym)
	}

	seen := make(map[grid.Position]bool, len(positions))
	for _, p := range positions {
		if p.Col < 0 || p.Col >= grid.Columns || p.Row < 0 || p.Row >= grid.Rows {
			return gameerr.New(gameerr.KindValidationMismatch,
				"cluster position col %d row %d out of bounds", p.Col, p.Row)
		}
		if seen[p] {
			return gameerr.New(gameerr.KindValidationMismatch,
				"duplicate cluster position col %d row %d", p.Col, p.Row)
		}
		seen[p] = true
		if g[p.Col][p.Row] != sym {
			return gameerr.New(gameerr.KindValidationMismatch,
				"cell col %d row %d holds %q, cluster claims %q", p.Col, p.Row, g[p.Col][p.Row], sym)
		}
	}

	// Flood fill from the first position; every claimed position must be
	// reachable through 4-neighbors inside the set.
	reached := map[grid.Position]bool{positions[0]: true}
	queue := []grid.Position{positions[0]}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, q := range [4]grid.Position{
			{Col: p.Col - 1, Row: p.Row},
			{Col: p.Col + 1, Row: p.Row},
			{Col: p.Col, Row: p.Row - 1},
			{Col: p.Col, Row: p.Row + 1},
		} {
			if seen[q] && !reached[q] {
				reached[q] = true
				queue = append(queue, q)
			}
		}
	}
	if len(reached) != len(positions) {
		return gameerr.New(gameerr.KindValidationMismatch,
			"cluster is not 4-connected: %d of %d positions reachable", len(reached), len(positions))
	}
	return nil
}

// ValidateDrop checks a step's grid transition: per column, the symbols
// surviving the clear keep their relative order and settle on the
// deepest rows, and the rows above them hold only fresh known symbols.
func (v *Validator) ValidateDrop(before *grid.Grid, cleared []grid.Position, after *grid.Grid) error {
	var gone [grid.Columns][grid.Rows]bool
	for _, p := range cleared {
		if p.Col < 0 || p.Col >= grid.Columns || p.Row < 0 || p.Row >= grid.Rows {
			return gameerr.New(gameerr.KindValidationMismatch,
				"cleared position col %d row %d out of bounds", p.Col, p.Row)
		}
		gone[p.Col][p.Row] = true
	}

	for c := 0; c < grid.Columns; c++ {
		var survivors []symbols.Symbol
		for r := 0; r < grid.Rows; r++ {
			if !gone[c][r] {
				survivors = append(survivors, before[c][r])
			}
		}

		base := grid.Rows - len(survivors)
		for i, s := range survivors {
			if after[c][base+i] != s {
				return gameerr.New(gameerr.KindValidationMismatch,
					"column %d: survivor %q expected at row %d, found %q",
					c, s, base+i, after[c][base+i])
			}
		}
		for r := 0; r < base; r++ {
			s := after[c][r]
			if s == grid.Empty || !symbols.Known(s) {
				return gameerr.New(gameerr.KindValidationMismatch,
					"column %d: refill row %d holds invalid symbol %q", c, r, s)
			}
		}
	}
	return nil
}

// ValidateStepHash recomputes the step's salted hash and compares it to
// the reported one.
func (v *Validator) ValidateStepHash(step *models.CascadeStep, salt, reported string) error {
	if want := step.HashWith(salt); reported != want {
		return gameerr.New(gameerr.KindValidationMismatch,
			"step %d hash mismatch", step.StepIndex)
	}
	return nil
}

// ValidateTiming checks client-reported step timestamps against the
// server-advertised durations. clientMarks[i] is the client's clock (in
// milliseconds) when step i started playing, mirroring ServerMark.
// Constant clock skew cancels in the deltas; networkDelayMs widens the
// acceptance window by the measured jitter.
func (v *Validator) ValidateTiming(steps []models.CascadeStep, clientMarks []int64, networkDelayMs int64) error {
	if len(clientMarks) != len(steps) {
		return gameerr.New(gameerr.KindValidationMismatch,
			"timing report covers %d steps, spin has %d", len(clientMarks), len(steps))
	}
	if networkDelayMs < 0 {
		networkDelayMs = 0
	}
	allowance := v.cfg.TimingToleranceMs + networkDelayMs

	for i := 1; i < len(clientMarks); i++ {
		delta := clientMarks[i] - clientMarks[i-1]
		if delta <= 0 {
			return gameerr.New(gameerr.KindValidationMismatch,
				"step timestamps not monotonic at step %d", i)
		}
		if delta < v.cfg.MinStepMs {
			return gameerr.New(gameerr.KindValidationMismatch,
				"step %d played in %dms, below the %dms floor", i, delta, v.cfg.MinStepMs)
		}
		expected := steps[i-1].Timings.TotalMs
		if diff := delta - expected; diff > allowance || diff < -allowance {
			return gameerr.New(gameerr.KindValidationMismatch,
				"step %d delta %dms deviates from advertised %dms beyond %dms",
				i, delta, expected, allowance)
		}
	}
	return nil
}

// GridHash is the salted content hash of a grid's canonical form. The
// grid_validation_request flow recomputes it server side.
func GridHash(g *grid.Grid, salt string) string {
	sum := sha256.Sum256([]byte(salt + "|" + g.Canonical()))
	return hex.EncodeToString(sum[:])
}
