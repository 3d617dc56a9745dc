package cascade

import (
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/pkg/models"
)

// DesyncType classifies what the client reported going wrong.
type DesyncType string

const (
	DesyncHashMismatch      DesyncType = "hash_mismatch"
	DesyncTimingError       DesyncType = "timing_error"
	DesyncGridInconsistency DesyncType = "grid_inconsistency"
	// DesyncAckTimeout is raised server side when a step exhausts its
	// retry budget without an acknowledgment.
	DesyncAckTimeout DesyncType = "ack_timeout"
)

// Known reports whether the type is one the planner can handle.
func (d DesyncType) Known() bool {
	switch d {
	case DesyncHashMismatch, DesyncTimingError, DesyncGridInconsistency, DesyncAckTimeout:
		return true
	}
	return false
}

// RecoveryType names the repair strategy sent to the client.
type RecoveryType string

const (
	// RecoveryStateResync replaces the client's grid with the
	// authoritative pre-step state plus the single diverged step.
	RecoveryStateResync RecoveryType = "state_resync"
	// RecoveryPhaseReplay re-sends the current step with authoritative
	// timings; the client replays its animation phases.
	RecoveryPhaseReplay RecoveryType = "phase_replay"
	// RecoveryCascadeReplay re-sends every step from the last
	// acknowledged point.
	RecoveryCascadeReplay RecoveryType = "cascade_replay"
)

// RecoveryStatus tracks a plan through its lifecycle.
type RecoveryStatus string

const (
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryError      RecoveryStatus = "error"
)

// RecoveryData is the authoritative payload the client applies.
type RecoveryData struct {
	GridState *grid.Grid           `json:"gridState,omitempty"`
	Step      *models.CascadeStep  `json:"step,omitempty"`
	Steps     []models.CascadeStep `json:"steps,omitempty"`
	Timings   []models.StepTimings `json:"timings,omitempty"`
}

// RecoveryPlan is one repair attempt for a desynchronized client.
type RecoveryPlan struct {
	ID            string         `json:"recoveryId"`
	SyncSessionID string         `json:"syncSessionId"`
	DesyncType    DesyncType     `json:"desyncType"`
	Type          RecoveryType   `json:"recoveryType"`
	Data          RecoveryData   `json:"recoveryData"`
	RequiredSteps []int          `json:"requiredSteps"`
	ResumeStep    int            `json:"resumeStep"`
	EstimatedMs   int64          `json:"estimatedDuration"`
	RetryDelay    time.Duration  `json:"-"`
	Status        RecoveryStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Client-side apply overhead added to every duration estimate.
const recoveryOverheadMs = 250

// gridBeforeStep returns the authoritative grid entering step n: the
// initial grid for step 0, otherwise the previous step's gridAfter.
func gridBeforeStep(result *models.SpinResult, n int) *grid.Grid {
	if n <= 0 || len(result.CascadeSteps) == 0 {
		g := result.InitialGrid
		return &g
	}
	if n > len(result.CascadeSteps) {
		n = len(result.CascadeSteps)
	}
	g := result.CascadeSteps[n-1].GridAfter
	return &g
}

// buildRecoveryPlan assembles the repair for a desync of the given type
// at stepIndex, with resumeFloor being the first unacknowledged step.
func buildRecoveryPlan(result *models.SpinResult, syncSessionID string, d DesyncType, stepIndex, resumeFloor int, now time.Time) *RecoveryPlan {
	steps := result.CascadeSteps
	clamp := func(n int) int {
		if n < 0 {
			return 0
		}
		if n > len(steps) {
			return len(steps)
		}
		return n
	}
	stepIndex = clamp(stepIndex)
	resumeFloor = clamp(resumeFloor)

	plan := &RecoveryPlan{
		ID:            uuid.NewString(),
		SyncSessionID: syncSessionID,
		DesyncType:    d,
		Status:        RecoveryInProgress,
		CreatedAt:     now,
	}

	switch d {
	case DesyncHashMismatch:
		plan.Type = RecoveryStateResync
		plan.ResumeStep = stepIndex
		plan.Data.GridState = gridBeforeStep(result, stepIndex)
		if stepIndex < len(steps) {
			step := steps[stepIndex]
			plan.Data.Step = &step
			plan.RequiredSteps = []int{stepIndex}
			plan.EstimatedMs = step.Timings.TotalMs + recoveryOverheadMs
		} else {
			plan.EstimatedMs = recoveryOverheadMs
		}

	case DesyncTimingError:
		plan.Type = RecoveryPhaseReplay
		plan.ResumeStep = stepIndex
		timings := make([]models.StepTimings, len(steps))
		for i := range steps {
			timings[i] = steps[i].Timings
		}
		plan.Data.Timings = timings
		if stepIndex < len(steps) {
			step := steps[stepIndex]
			plan.Data.Step = &step
			plan.RequiredSteps = []int{stepIndex}
			plan.EstimatedMs = step.Timings.TotalMs + recoveryOverheadMs
		} else {
			plan.EstimatedMs = recoveryOverheadMs
		}

	default: // grid_inconsistency, ack_timeout: replay from last acked
		plan.Type = RecoveryCascadeReplay
		plan.ResumeStep = resumeFloor
		plan.Data.GridState = gridBeforeStep(result, resumeFloor)
		plan.Data.Steps = append([]models.CascadeStep(nil), steps[resumeFloor:]...)
		var total int64 = recoveryOverheadMs
		for i := resumeFloor; i < len(steps); i++ {
			plan.RequiredSteps = append(plan.RequiredSteps, i)
			total += steps[i].Timings.TotalMs
		}
		plan.EstimatedMs = total
	}
	return plan
}

// escalateRecoveryPlan builds the next, more aggressive plan after a
// failed apply: targeted repairs widen to a cascade replay, and a
// failed cascade replay widens to a full replay from step 0.
func escalateRecoveryPlan(result *models.SpinResult, prev *RecoveryPlan, now time.Time) *RecoveryPlan {
	from := prev.ResumeStep
	if prev.Type == RecoveryCascadeReplay {
		from = 0
	}
	plan := buildRecoveryPlan(result, prev.SyncSessionID, DesyncGridInconsistency, from, from, now)
	plan.DesyncType = prev.DesyncType
	return plan
}
