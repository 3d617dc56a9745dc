package metrics

import "time"

// SyncCounters accumulates protocol events over one sync session's
// lifetime. The synchronizer owns one value per session and bumps it
// under the session lock, so the fields need no further coordination.
type SyncCounters struct {
	StepsBroadcast    int `json:"stepsBroadcast"`
	AcksAccepted      int `json:"acksAccepted"`
	DuplicateAcks     int `json:"duplicateAcks"`
	StepRetries       int `json:"stepRetries"`
	Desyncs           int `json:"desyncs"`
	RecoveriesBuilt   int `json:"recoveriesBuilt"`
	RecoveriesApplied int `json:"recoveriesApplied"`
	RecoveryFailures  int `json:"recoveryFailures"`
	ForcedResyncs     int `json:"forcedResyncs"`
}

// Deduction weights per event. A desync costs more than the recovery
// that repairs it so a repaired session still scores below a clean one.
const (
	retryCost        = 3
	duplicateCost    = 1
	desyncCost       = 12
	recoveryFailCost = 8
	forcedResyncCost = 10
)

// PerformanceScore collapses the counters into a single [0,100] figure.
// A session with every step acked on the first attempt scores 100;
// each retry, duplicate, desync, failed recovery, and forced resync
// deducts a fixed amount, floored at 0.
func (c *SyncCounters) PerformanceScore() int {
	score := 100
	score -= c.StepRetries * retryCost
	score -= c.DuplicateAcks * duplicateCost
	score -= c.Desyncs * desyncCost
	score -= c.RecoveryFailures * recoveryFailCost
	score -= c.ForcedResyncs * forcedResyncCost
	if score < 0 {
		score = 0
	}
	return score
}

// Grade buckets a performance score into the letter reported to
// clients: A >= 95, B >= 85, C >= 70, D >= 50, F below.
func Grade(score int) string {
	switch {
	case score >= 95:
		return "A"
	case score >= 85:
		return "B"
	case score >= 70:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}

// Report is the performance summary attached to the sync completion
// response.
type Report struct {
	Score             int    `json:"performanceScore"`
	Grade             string `json:"grade"`
	TotalSteps        int    `json:"totalSteps"`
	AcksAccepted      int    `json:"acksAccepted"`
	DuplicateAcks     int    `json:"duplicateAcks"`
	StepRetries       int    `json:"stepRetries"`
	Desyncs           int    `json:"desyncs"`
	RecoveriesApplied int    `json:"recoveriesApplied"`
	RecoveryFailures  int    `json:"recoveryFailures"`
	ForcedResyncs     int    `json:"forcedResyncs"`
	DurationMs        int64  `json:"durationMs"`
}

// BuildReport seals the counters into a Report covering totalSteps
// steps over the given wall-clock duration.
func (c *SyncCounters) BuildReport(totalSteps int, duration time.Duration) Report {
	score := c.PerformanceScore()
	return Report{
		Score:             score,
		Grade:             Grade(score),
		TotalSteps:        totalSteps,
		AcksAccepted:      c.AcksAccepted,
		DuplicateAcks:     c.DuplicateAcks,
		StepRetries:       c.StepRetries,
		Desyncs:           c.Desyncs,
		RecoveriesApplied: c.RecoveriesApplied,
		RecoveryFailures:  c.RecoveryFailures,
		ForcedResyncs:     c.ForcedResyncs,
		DurationMs:        duration.Milliseconds(),
	}
}
