package engine

import (
	"context"
	"time"

	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/internal/game/rng"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// Config bounds a single spin computation.
type Config struct {
	// MaxCascadeDepth is the hard cascade ceiling. Reaching it aborts
	// the spin with an EngineFatal error instead of looping forever on
	// a degenerate weight table.
	MaxCascadeDepth int

	// MaxWinCapMultiple clamps totalWin to bet × this multiple.
	MaxWinCapMultiple int64

	Timing      TimingProfile
	QuickTiming TimingProfile
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxCascadeDepth:   20,
		MaxWinCapMultiple: 5000,
		Timing:            DefaultTiming,
		QuickTiming:       QuickTiming,
	}
}

// SpinParams carries everything a spin outcome is a function of. Two
// calls with equal params (and an equal clock) produce bit-identical
// results, including every hash.
type SpinParams struct {
	SpinID    string
	PlayerID  string
	SessionID string

	Bet  money.Cents
	Mode models.GameMode

	// Accumulated is the session's accumulated multiplier entering the
	// spin. It only influences free-spin totalization; base-mode spins
	// pass 1.
	Accumulated int64

	// Seed drives every random draw of the spin.
	Seed string

	QuickSpin bool
}

// Engine computes spin outcomes. It carries no per-spin state: one
// Engine value serves all sessions concurrently. The clock is injected
// so tests can pin timestamps and make sealed results fully
// reproducible.
type Engine struct {
	model *symbols.Model
	cfg   Config
	now   func() time.Time
}

// Option adjusts an Engine at construction.
type Option func(*Engine)

// WithClock replaces the wall clock, pinning result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine over a math model.
func New(model *symbols.Model, cfg Config, opts ...Option) *Engine {
	e := &Engine{model: model, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Model exposes the engine's math model for read-only use (the RTP
// simulator and the validator both need the same tables the engine
// plays with).
func (e *Engine) Model() *symbols.Model { return e.model }

// ComputeSpin runs one full spin: initial grid, cascade loop, scatter
// evaluation and totalization. The result is finalized (hashed) before
// return. It mutates nothing outside its own return value; wallet and
// session effects belong to the caller.
//
// The draw-order contract, load-bearing for reproducibility: 30
// column-major draws for the initial grid, then per winning step one
// Chance draw, on fire one multiplier WeightedIndex draw plus (base
// mode, if more than one unmatched cell) one cell IntInRange draw, then
// refill draws column 0..5, deepest vacancy first. Reordering any of
// these breaks every recorded seed.
func (e *Engine) ComputeSpin(ctx context.Context, p SpinParams) (*models.SpinResult, error) {
	if err := e.checkParams(p); err != nil {
		return nil, err
	}

	freeMode := p.Mode == models.GameModeFree
	stream := rng.Seeded(p.Seed)
	picker := grid.NewPicker(e.model.WeightsFor(freeMode), stream)

	g := grid.Generate(picker)
	initial := g
	scatters := g.CountScatters()

	timing := e.cfg.Timing
	if p.QuickSpin {
		timing = e.cfg.QuickTiming
	}

	multWeights := make([]int, len(e.model.Multipliers))
	for i, m := range e.model.Multipliers {
		multWeights[i] = m.Weight
	}
	chanceBP := e.model.MultChanceBP(freeMode)

	var (
		steps      []models.CascadeStep
		baseWin    money.Cents
		firedSum   int64
		cellMults  = map[grid.Position]int64{}
		serverMark int64
	)

	for {
		if len(steps) >= e.cfg.MaxCascadeDepth {
			return nil, gameerr.New(gameerr.KindEngineFatal,
				"cascade depth %d exceeded for spin %s", e.cfg.MaxCascadeDepth, p.SpinID)
		}
		if err := ctx.Err(); err != nil {
			return nil, gameerr.Wrap(gameerr.KindEngineFatal, err, "spin %s interrupted", p.SpinID)
		}

		clusters := g.FindClusters(e.model.MinCluster)
		if len(clusters) == 0 {
			break
		}

		var (
			cleared  []grid.Position
			clearSet = map[grid.Position]bool{}
			stepWin  money.Cents
			stepWins = make([]models.ClusterWin, 0, len(clusters))
		)
		for _, cl := range clusters {
			pay := e.model.PayFor(cl.Symbol, cl.Size())
			payout := p.Bet.MulFrac(pay, e.model.PayDivisor)

			mult := int64(1)
			for _, pos := range cl.Positions {
				if v := cellMults[pos]; v > mult {
					mult = v
				}
			}
			payout = payout.MulInt(mult)

			stepWin += payout
			stepWins = append(stepWins, models.ClusterWin{
				Cluster:    cl,
				Payout:     payout,
				Multiplier: mult,
			})
			for _, pos := range cl.Positions {
				if !clearSet[pos] {
					clearSet[pos] = true
					cleared = append(cleared, pos)
				}
			}
		}
		baseWin += stepWin

		var applied *models.AppliedMultiplier
		if stream.Chance(chanceBP) {
			value := e.model.Multipliers[stream.WeightedIndex(multWeights)].Value
			if freeMode {
				firedSum += value
				applied = &models.AppliedMultiplier{Value: value, AsFactor: true}
			} else {
				// Attach to a surviving cell, chosen uniformly over the
				// unmatched cells in column-major order.
				var unmatched []grid.Position
				for c := 0; c < grid.Columns; c++ {
					for r := 0; r < grid.Rows; r++ {
						pos := grid.Position{Col: c, Row: r}
						if !clearSet[pos] {
							unmatched = append(unmatched, pos)
						}
					}
				}
				if len(unmatched) > 0 {
					pos := unmatched[stream.IntInRange(0, len(unmatched)-1)]
					if value > cellMults[pos] {
						cellMults[pos] = value
					}
					applied = &models.AppliedMultiplier{Value: value, Cell: &pos}
				}
			}
		}

		after, pattern := g.Resolve(cleared, picker.Pick)

		// Attached multipliers ride their symbols through the drop.
		if len(cellMults) > 0 {
			moved := make(map[grid.Position]grid.Position, len(pattern.Moves))
			for _, mv := range pattern.Moves {
				moved[grid.Position{Col: mv.Col, Row: mv.FromRow}] = grid.Position{Col: mv.Col, Row: mv.ToRow}
			}
			next := make(map[grid.Position]int64, len(cellMults))
			for pos, v := range cellMults {
				if clearSet[pos] {
					continue
				}
				if to, ok := moved[pos]; ok {
					pos = to
				}
				next[pos] = v
			}
			cellMults = next
		}

		step := models.CascadeStep{
			StepIndex:       len(steps),
			GridBefore:      g,
			MatchedClusters: stepWins,
			WinAmount:       stepWin,
			DropPattern:     pattern,
			GridAfter:       after,
			Multiplier:      applied,
			Timings:         stepTimings(timing, pattern, serverMark),
		}
		step.StepHash = step.HashWith(p.Seed)
		serverMark += step.Timings.TotalMs

		steps = append(steps, step)
		g = after
	}

	// Scatters count on the initial grid only; refills never trigger.
	triggered := false
	awarded := 0
	if freeMode {
		if scatters >= e.model.ScatterRetrigger {
			triggered = true
			awarded = e.model.FreeSpinsExtra
		}
	} else if scatters >= e.model.ScatterTrigger {
		triggered = true
		awarded = e.model.FreeSpinsInitial
	}
	baseWin += p.Bet.MulFrac(e.model.Scatter.ForCount(scatters), e.model.PayDivisor)

	accumulated := p.Accumulated
	if accumulated < 1 {
		accumulated = 1
	}
	totalMult := accumulated
	accumulatedOut := accumulated
	if freeMode && firedSum > 0 {
		totalMult = accumulated * firedSum
		accumulatedOut = totalMult
	}

	totalWin := baseWin.MulInt(totalMult)
	capped := false
	if cap := p.Bet.MulInt(e.cfg.MaxWinCapMultiple); totalWin > cap {
		totalWin = cap
		capped = true
	}

	result := &models.SpinResult{
		SpinID:             p.SpinID,
		PlayerID:           p.PlayerID,
		SessionID:          p.SessionID,
		BetAmount:          p.Bet,
		RNGSeed:            p.Seed,
		GameMode:           p.Mode,
		InitialGrid:        initial,
		CascadeSteps:       steps,
		BaseWin:            baseWin,
		TotalMultiplier:    totalMult,
		TotalWin:           totalWin,
		WinCapped:          capped,
		ScatterCount:       scatters,
		FreeSpinsTriggered: triggered,
		FreeSpinsAwarded:   awarded,
		AccumulatedOut:     accumulatedOut,
		Timestamp:          e.now().UTC(),
	}
	result.Finalize()
	return result, nil
}

func (e *Engine) checkParams(p SpinParams) error {
	if p.Bet <= 0 {
		return gameerr.New(gameerr.KindInvalidBet, "bet must be positive, got %s", p.Bet)
	}
	if p.Mode != models.GameModeBase && p.Mode != models.GameModeFree {
		return gameerr.New(gameerr.KindInvalidBet, "unknown game mode %q", p.Mode)
	}
	if p.Seed == "" {
		return gameerr.New(gameerr.KindEngineFatal, "spin %s has no rng seed", p.SpinID)
	}
	return nil
}
