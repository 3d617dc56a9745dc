package symbols

// Symbol identifies one face in the game's closed symbol set. The
// string values are the wire identifiers used in grids, cascade steps
// and validation hashes, so they are load-bearing: changing one breaks
// every persisted validationHash.
type Symbol string

const (
	// High-pay
	Thanos       Symbol = "thanos"
	ScarletWitch Symbol = "scarlet_witch"
	ThanosWeapon Symbol = "thanos_weapon"

	// Low-pay: the six Infinity Gems
	TimeGem    Symbol = "time_gem"
	SpaceGem   Symbol = "space_gem"
	MindGem    Symbol = "mind_gem"
	PowerGem   Symbol = "power_gem"
	RealityGem Symbol = "reality_gem"
	SoulGem    Symbol = "soul_gem"

	// Scatter: triggers free spins, never clusters
	InfinityGlove Symbol = "infinity_glove"
)

// All lists every symbol in canonical order. Weight tables and the
// generator iterate in this order so selection is deterministic.
var All = []Symbol{
	TimeGem, SpaceGem, MindGem, PowerGem, RealityGem, SoulGem,
	ThanosWeapon, ScarletWitch, Thanos,
	InfinityGlove,
}

var known = func() map[Symbol]bool {
	m := make(map[Symbol]bool, len(All))
	for _, s := range All {
		m[s] = true
	}
	return m
}()

// Known reports whether s belongs to the game's symbol set.
func Known(s Symbol) bool {
	return known[s]
}

// IsScatter reports whether s is the scatter symbol.
func IsScatter(s Symbol) bool {
	return s == InfinityGlove
}

// IsHighPay reports whether s belongs to the high-pay band.
func IsHighPay(s Symbol) bool {
	return s == Thanos || s == ScarletWitch || s == ThanosWeapon
}

// WeightEntry pairs a symbol with its spawn weight. Tables are ordered
// slices, not maps: weighted picks walk cumulative weights in slice
// order, which keeps selection reproducible for a given RNG stream.
type WeightEntry struct {
	Symbol Symbol
	Weight int
}

// WeightTable is an ordered spawn distribution for one game mode.
type WeightTable []WeightEntry

// Total returns the sum of all weights in the table.
func (t WeightTable) Total() int {
	sum := 0
	for _, e := range t {
		sum += e.Weight
	}
	return sum
}

// HighPayRatio returns the fraction of total weight held by high-pay
// symbols. The free-spins table must keep this at or above the base
// table's ratio.
func (t WeightTable) HighPayRatio() float64 {
	total, high := 0, 0
	for _, e := range t {
		total += e.Weight
		if IsHighPay(e.Symbol) {
			high += e.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return float64(high) / float64(total)
}

// PayBuckets holds bet-relative payout values for the cluster size
// thresholds 8, 10 and 12. The payout divisor (20) applies when the
// value is converted to money.
type PayBuckets struct {
	Size8  int64
	Size10 int64
	Size12 int64
}

// ForSize returns the table value for a cluster of n positions, taking
// the greatest threshold that does not exceed n. Sizes below 8 pay 0.
func (p PayBuckets) ForSize(n int) int64 {
	switch {
	case n >= 12:
		return p.Size12
	case n >= 10:
		return p.Size10
	case n >= 8:
		return p.Size8
	}
	return 0
}

// ScatterPays holds bet-relative payout values keyed by scatter count
// {4, 5, 6+}. The reference model carries zeros: landing the trigger
// grants spins, not money. The engine still applies the table, so a
// jurisdictional variant can switch on monetary scatter pay here.
type ScatterPays struct {
	For4 int64
	For5 int64
	For6 int64
}

// ForCount returns the table value for n scatters; n below 4 pays 0.
func (s ScatterPays) ForCount(n int) int64 {
	switch {
	case n >= 6:
		return s.For6
	case n == 5:
		return s.For5
	case n == 4:
		return s.For4
	}
	return 0
}

// MultiplierEntry pairs a random-multiplier value with its draw weight.
type MultiplierEntry struct {
	Value  int64
	Weight int
}

// Model is the complete math configuration of the game: spawn weights
// per mode, the payout table, scatter rules, the random multiplier
// table and the free-spin awards. One Model value is immutable after
// startup and read concurrently without locks.
type Model struct {
	BaseWeights     WeightTable
	FreeSpinWeights WeightTable

	Pays        map[Symbol]PayBuckets
	Scatter     ScatterPays
	PayDivisor  int64 // payout = bet / PayDivisor × table value
	MinCluster  int   // minimum 4-connected cluster size that pays
	GridColumns int
	GridRows    int

	// Scatter thresholds and free-spin awards.
	ScatterTrigger   int // scatters on the initial grid that trigger
	ScatterRetrigger int // scatters that retrigger during free spins
	FreeSpinsInitial int
	FreeSpinsExtra   int // spins added per retrigger

	// Random multiplier injection. Chance is in basis points per
	// cascade step that produced a win.
	Multipliers      []MultiplierEntry
	MultChanceBaseBP int
	MultChanceFreeBP int
}

// ─────────────────────────────────────────────────────────────────────
// Reference math model
//
// Weights and pays below are the shipped 96.5% RTP tuning, produced
// with cmd/rtpsim against this exact table. Do not edit values in
// isolation: every change requires a re-run of the simulator and a
// fresh certification pass.
// ─────────────────────────────────────────────────────────────────────

// Default returns the reference model.
func Default() *Model {
	return &Model{
		BaseWeights: WeightTable{
			{TimeGem, 580},
			{SpaceGem, 370},
			{MindGem, 100},
			{PowerGem, 45},
			{RealityGem, 30},
			{SoulGem, 22},
			{ThanosWeapon, 15},
			{ScarletWitch, 10},
			{Thanos, 6},
			{InfinityGlove, 47},
		},
		FreeSpinWeights: WeightTable{
			{TimeGem, 560},
			{SpaceGem, 360},
			{MindGem, 95},
			{PowerGem, 42},
			{RealityGem, 28},
			{SoulGem, 20},
			{ThanosWeapon, 40},
			{ScarletWitch, 25},
			{Thanos, 15},
			{InfinityGlove, 40},
		},

		Pays: map[Symbol]PayBuckets{
			TimeGem:      {Size8: 8, Size10: 16, Size12: 26},
			SpaceGem:     {Size8: 12, Size10: 23, Size12: 62},
			MindGem:      {Size8: 14, Size10: 40, Size12: 100},
			PowerGem:     {Size8: 18, Size10: 50, Size12: 130},
			RealityGem:   {Size8: 24, Size10: 70, Size12: 180},
			SoulGem:      {Size8: 32, Size10: 90, Size12: 240},
			ThanosWeapon: {Size8: 50, Size10: 140, Size12: 400},
			ScarletWitch: {Size8: 70, Size10: 200, Size12: 600},
			Thanos:       {Size8: 100, Size10: 300, Size12: 1000},
		},
		Scatter:     ScatterPays{For4: 0, For5: 0, For6: 0},
		PayDivisor:  20,
		MinCluster:  8,
		GridColumns: 6,
		GridRows:    5,

		ScatterTrigger:   4,
		ScatterRetrigger: 4,
		FreeSpinsInitial: 15,
		FreeSpinsExtra:   5,

		Multipliers: []MultiplierEntry{
			{Value: 2, Weight: 300},
			{Value: 3, Weight: 210},
			{Value: 4, Weight: 150},
			{Value: 5, Weight: 100},
			{Value: 6, Weight: 70},
			{Value: 8, Weight: 48},
			{Value: 10, Weight: 30},
			{Value: 20, Weight: 14},
			{Value: 100, Weight: 2},
			{Value: 500, Weight: 1},
		},
		MultChanceBaseBP: 1300,
		MultChanceFreeBP: 2600,
	}
}

// WeightsFor returns the spawn table for the given free-spins flag.
func (m *Model) WeightsFor(freeSpins bool) WeightTable {
	if freeSpins {
		return m.FreeSpinWeights
	}
	return m.BaseWeights
}

// PayFor returns the bet-relative table value for a cluster of symbol
// s with n positions. Scatters never pay through this path.
func (m *Model) PayFor(s Symbol, n int) int64 {
	if IsScatter(s) {
		return 0
	}
	return m.Pays[s].ForSize(n)
}

// MultChanceBP returns the per-step injection chance for the mode.
func (m *Model) MultChanceBP(freeSpins bool) int {
	if freeSpins {
		return m.MultChanceFreeBP
	}
	return m.MultChanceBaseBP
}
