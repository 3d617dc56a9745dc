package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// GameMode distinguishes paid base spins from free spins.
type GameMode string

const (
	GameModeBase GameMode = "base"
	GameModeFree GameMode = "free"
)

// StepTimings carries the advisory phase durations for one cascade
// step. Clients pace their animations from these; the validator uses
// them as the reference when checking client-reported timing. All
// values derive deterministically from step content, so they are part
// of the reproducibility contract. ServerMark is milliseconds since
// spin start on the server's monotonic timeline.
type StepTimings struct {
	WinHighlightMs int64 `json:"winHighlightMs"`
	RemovalMs      int64 `json:"symbolRemovalMs"`
	DropMs         int64 `json:"dropPhaseMs"`
	SettleMs       int64 `json:"settlePhaseMs"`
	TotalMs        int64 `json:"totalMs"`
	ServerMark     int64 `json:"serverMark"`
}

// AppliedMultiplier records a random multiplier fired during a step.
// In base mode it attaches to a surviving cell and boosts any later
// cluster containing that cell. In free-spins mode it is applied as a
// factor at spin totalization and feeds the session accumulator.
type AppliedMultiplier struct {
	Value    int64          `json:"value"`
	Cell     *grid.Position `json:"cell,omitempty"`
	AsFactor bool           `json:"asFactor"`
}

// ClusterWin is one paid cluster within a step.
type ClusterWin struct {
	Cluster    grid.Cluster `json:"cluster"`
	Payout     money.Cents  `json:"payout"`
	Multiplier int64        `json:"multiplier"` // highest attached cell multiplier, 1 if none
}

// CascadeStep is one match → remove → drop → refill iteration.
// GridAfter always equals GridBefore with matched cells cleared,
// survivors gravity-dropped and the vacancies refilled from the spin's
// deterministic stream.
type CascadeStep struct {
	StepIndex       int                `json:"stepIndex"`
	GridBefore      grid.Grid          `json:"gridBefore"`
	MatchedClusters []ClusterWin       `json:"matchedClusters"`
	WinAmount       money.Cents        `json:"winAmount"`
	DropPattern     grid.DropPattern   `json:"dropPattern"`
	GridAfter       grid.Grid          `json:"gridAfter"`
	Multiplier      *AppliedMultiplier `json:"multiplierApplied,omitempty"`
	Timings         StepTimings        `json:"timings"`
	StepHash        string             `json:"stepHash"`
}

// CanonicalContent renders the hash-relevant step fields as one
// pipe-delimited string. Both the engine's stepHash and the sync
// protocol's salted serverHash are computed over this form.
func (s *CascadeStep) CanonicalContent() string {
	clusterParts := make([]string, 0, len(s.MatchedClusters))
	for _, cw := range s.MatchedClusters {
		posParts := make([]string, 0, len(cw.Cluster.Positions))
		for _, p := range cw.Cluster.Positions {
			posParts = append(posParts, fmt.Sprintf("%d:%d", p.Col, p.Row))
		}
		clusterParts = append(clusterParts, fmt.Sprintf("%s@%s=%s*%d",
			cw.Cluster.Symbol, strings.Join(posParts, ";"), cw.Payout, cw.Multiplier))
	}

	mult := "-"
	if s.Multiplier != nil {
		cell := "factor"
		if s.Multiplier.Cell != nil {
			cell = fmt.Sprintf("%d:%d", s.Multiplier.Cell.Col, s.Multiplier.Cell.Row)
		}
		mult = fmt.Sprintf("%dx@%s", s.Multiplier.Value, cell)
	}

	return fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		s.StepIndex,
		s.GridBefore.Canonical(),
		strings.Join(clusterParts, "&"),
		s.WinAmount,
		mult,
		s.GridAfter.Canonical(),
	)
}

// HashWith returns the SHA-256 of the salted canonical content.
func (s *CascadeStep) HashWith(salt string) string {
	sum := sha256.Sum256([]byte(salt + "|" + s.CanonicalContent()))
	return hex.EncodeToString(sum[:])
}

// SpinResult is the canonical outcome of one spin and the sole value
// persisted for audit. It is immutable once Finalize has run; callers
// needing a different view build a new value.
type SpinResult struct {
	SpinID    string      `json:"spinId"`
	PlayerID  string      `json:"playerId"`
	SessionID string      `json:"sessionId,omitempty"`
	BetAmount money.Cents `json:"betAmount"`
	RNGSeed   string      `json:"rngSeed"`
	GameMode  GameMode    `json:"gameMode"`

	InitialGrid  grid.Grid     `json:"initialGrid"`
	CascadeSteps []CascadeStep `json:"cascadeSteps"`

	BaseWin         money.Cents `json:"baseWin"`
	TotalMultiplier int64       `json:"totalMultiplier"`
	TotalWin        money.Cents `json:"totalWin"`
	WinCapped       bool        `json:"winCapped,omitempty"`

	ScatterCount       int   `json:"scatterCount"`
	FreeSpinsTriggered bool  `json:"freeSpinsTriggered"`
	FreeSpinsAwarded   int   `json:"freeSpinsAwarded"`
	AccumulatedOut     int64 `json:"accumulatedMultiplierOut"`

	Timestamp      time.Time `json:"timestamp"`
	ValidationHash string    `json:"validationHash"`

	finalized bool
}

// ComputeValidationHash derives the spin-level content hash from the
// canonical field list. It never reads ValidationHash, so it can both
// seal a fresh result and re-verify a persisted one.
func (r *SpinResult) ComputeValidationHash() string {
	stepHashes := make([]string, 0, len(r.CascadeSteps))
	for i := range r.CascadeSteps {
		stepHashes = append(stepHashes, r.CascadeSteps[i].StepHash)
	}
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		r.SpinID,
		r.BetAmount,
		r.InitialGrid.Canonical(),
		strings.Join(stepHashes, ","),
		r.TotalWin,
		r.RNGSeed,
		r.Timestamp.UnixMilli(),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Finalize seals the result: computes the validation hash and marks
// the value immutable. Calling it twice is a no-op.
func (r *SpinResult) Finalize() {
	if r.finalized {
		return
	}
	r.ValidationHash = r.ComputeValidationHash()
	r.finalized = true
}

// Finalized reports whether the result has been sealed.
func (r *SpinResult) Finalized() bool {
	return r.finalized
}

// Verify recomputes the validation hash and compares it to the stored
// one. Replay audits use this against persisted documents.
func (r *SpinResult) Verify() bool {
	return r.ValidationHash != "" && r.ComputeValidationHash() == r.ValidationHash
}

// IsWin reports whether the spin paid anything.
func (r *SpinResult) IsWin() bool {
	return r.TotalWin > 0
}

// NetResult is totalWin minus the bet. Free spins carry no bet.
func (r *SpinResult) NetResult() money.Cents {
	if r.GameMode == GameModeFree {
		return r.TotalWin
	}
	return r.TotalWin - r.BetAmount
}

// WinMultiplier is the display-only totalWin/bet ratio.
func (r *SpinResult) WinMultiplier() float64 {
	if r.BetAmount <= 0 {
		return 0
	}
	return r.TotalWin.Float64() / r.BetAmount.Float64()
}

// CascadeCount returns the number of cascade steps.
func (r *SpinResult) CascadeCount() int {
	return len(r.CascadeSteps)
}
