package cascade

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/metrics"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// SyncState is the SyncSession lifecycle state. Legal transitions:
//
//	init -> broadcasting <-> paused
//	broadcasting -> recovering -> synchronized -> broadcasting
//	any active -> resyncing -> broadcasting
//	broadcasting (final ack) -> completed
//	any -> failed
type SyncState string

const (
	StateInit         SyncState = "init"
	StateBroadcasting SyncState = "broadcasting"
	StatePaused       SyncState = "paused"
	StateRecovering   SyncState = "recovering"
	StateSynchronized SyncState = "synchronized"
	StateResyncing    SyncState = "resyncing"
	StateCompleted    SyncState = "completed"
	StateFailed       SyncState = "failed"
)

// terminal reports whether no further transitions are possible.
func (s SyncState) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// SyncConfig carries the protocol timers and retry budgets.
type SyncConfig struct {
	AckTimeout          time.Duration
	MaxRetries          int
	MaxRecoveryAttempts int
	RecoveryBackoffMin  time.Duration
	RecoveryBackoffMax  time.Duration
	HeartbeatInterval   time.Duration
}

// DefaultSyncConfig mirrors the shipped client's expectations: 3 s ack
// timeout, 3 retries, 3 recovery attempts, 30 s heartbeats.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		AckTimeout:          3 * time.Second,
		MaxRetries:          3,
		MaxRecoveryAttempts: 3,
		RecoveryBackoffMin:  500 * time.Millisecond,
		RecoveryBackoffMax:  8 * time.Second,
		HeartbeatInterval:   30 * time.Second,
	}
}

// SyncSession coordinates the step-by-step delivery of one SpinResult
// to one client. All mutable state is guarded by mu; the transport
// layer drives the session through its methods and never touches the
// fields.
type SyncSession struct {
	ID             string
	PlayerID       string
	SpinID         string
	ValidationSalt string
	SyncSeed       string
	Broadcast      bool

	cfg SyncConfig
	now func() time.Time

	mu           sync.Mutex
	state        SyncState
	result       *models.SpinResult
	serverHashes []string
	acked        []bool
	current      int
	retries      int

	plan             *RecoveryPlan
	recoveryHistory  map[string]*RecoveryPlan
	appliedRecovery  map[string]bool
	recoveryAttempts int
	recoveryBackoff  *backoff.ExponentialBackOff

	counters  metrics.SyncCounters
	startedAt time.Time
	lastSeen  time.Time
}

func newSyncSession(id string, result *models.SpinResult, salt string, broadcast bool, cfg SyncConfig, now func() time.Time) *SyncSession {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RecoveryBackoffMin
	bo.MaxInterval = cfg.RecoveryBackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	s := &SyncSession{
		ID:              id,
		PlayerID:        result.PlayerID,
		SpinID:          result.SpinID,
		ValidationSalt:  salt,
		SyncSeed:        result.RNGSeed,
		Broadcast:       broadcast,
		cfg:             cfg,
		now:             now,
		state:           StateInit,
		result:          result,
		serverHashes:    make([]string, len(result.CascadeSteps)),
		acked:           make([]bool, len(result.CascadeSteps)),
		recoveryHistory: make(map[string]*RecoveryPlan),
		appliedRecovery: make(map[string]bool),
		recoveryBackoff: bo,
		startedAt:       now().UTC(),
		lastSeen:        now().UTC(),
	}
	// Seal the steps under the session salt. These are the hashes the
	// client must echo back per acknowledgment.
	for i := range result.CascadeSteps {
		s.serverHashes[i] = result.CascadeSteps[i].HashWith(salt)
	}
	s.state = StateBroadcasting
	return s
}

// Snapshot is a consistent public view of the session for logging and
// response payloads.
type Snapshot struct {
	ID          string    `json:"syncSessionId"`
	PlayerID    string    `json:"playerId"`
	SpinID      string    `json:"spinId"`
	State       SyncState `json:"state"`
	CurrentStep int       `json:"currentStep"`
	TotalSteps  int       `json:"totalSteps"`
	Retries     int       `json:"retries"`
}

func (s *SyncSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.ID,
		PlayerID:    s.PlayerID,
		SpinID:      s.SpinID,
		State:       s.state,
		CurrentStep: s.current,
		TotalSteps:  len(s.serverHashes),
		Retries:     s.retries,
	}
}

// State returns the current lifecycle state.
func (s *SyncSession) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result exposes the sealed spin result the session streams.
func (s *SyncSession) Result() *models.SpinResult { return s.result }

// Config returns the protocol timer configuration.
func (s *SyncSession) Config() SyncConfig { return s.cfg }

// StepPayload is one outbound cascade_step_broadcast.
type StepPayload struct {
	StepIndex    int
	Step         models.CascadeStep
	ServerHash   string
	RetryAttempt int
}

// NextStepPayload returns the step awaiting acknowledgment, or ok=false
// when nothing is left to broadcast or the session is not delivering.
func (s *SyncSession) NextStepPayload() (StepPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBroadcasting && s.state != StateSynchronized {
		return StepPayload{}, false
	}
	if s.current >= len(s.result.CascadeSteps) {
		return StepPayload{}, false
	}
	s.counters.StepsBroadcast++
	s.touch()
	return StepPayload{
		StepIndex:    s.current,
		Step:         s.result.CascadeSteps[s.current],
		ServerHash:   s.serverHashes[s.current],
		RetryAttempt: s.retries,
	}, true
}

// AckOutcome reports how an acknowledgment was handled.
type AckOutcome struct {
	ServerHash string
	Duplicate  bool
	Advanced   bool
	Completed  bool
	NextStep   int
}

// Ack processes a client acknowledgment for a step. At the cursor, a
// matching hash advances; behind the cursor it is an idempotent
// duplicate returning the same hash without advancing; ahead of the
// cursor or with a wrong hash it is a validation failure the client is
// expected to follow with a desync report. Acking the final step
// completes the session.
func (s *SyncSession) Ack(stepIndex int, clientHash string) (AckOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	switch s.state {
	case StateBroadcasting, StatePaused:
	case StateSynchronized:
		// First ack after a recovery resumes delivery.
		s.state = StateBroadcasting
	default:
		return AckOutcome{}, gameerr.New(gameerr.KindValidationMismatch,
			"sync session %s not accepting acknowledgments in state %s", s.ID, s.state)
	}

	if stepIndex < 0 || stepIndex >= len(s.serverHashes) {
		return AckOutcome{}, gameerr.New(gameerr.KindValidationMismatch,
			"step index %d out of range 0..%d", stepIndex, len(s.serverHashes)-1)
	}

	if stepIndex < s.current {
		s.counters.DuplicateAcks++
		return AckOutcome{ServerHash: s.serverHashes[stepIndex], Duplicate: true, NextStep: s.current}, nil
	}
	if stepIndex > s.current {
		return AckOutcome{}, gameerr.New(gameerr.KindValidationMismatch,
			"acknowledgment for step %d ahead of cursor %d", stepIndex, s.current)
	}

	if clientHash != s.serverHashes[stepIndex] {
		return AckOutcome{}, gameerr.New(gameerr.KindValidationMismatch,
			"step %d hash mismatch", stepIndex)
	}

	s.acked[stepIndex] = true
	s.current++
	s.retries = 0
	s.counters.AcksAccepted++

	out := AckOutcome{ServerHash: s.serverHashes[stepIndex], Advanced: true, NextStep: s.current}
	if s.current == len(s.serverHashes) {
		s.state = StateCompleted
		out.Completed = true
	}
	return out, nil
}

// Timeout handles an acknowledgment deadline for a step. While budget
// remains it asks the transport to rebroadcast; exhaustion turns into a
// recovery plan and the recovering state.
func (s *SyncSession) Timeout(stepIndex int) (retry bool, plan *RecoveryPlan, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateBroadcasting {
		return false, nil, nil // stale timer
	}
	if stepIndex != s.current {
		return false, nil, nil // step was acked while the timer fired
	}

	s.counters.StepRetries++
	s.retries++
	s.touch()
	if s.retries <= s.cfg.MaxRetries {
		return true, nil, nil
	}

	s.state = StateRecovering
	s.plan = buildRecoveryPlan(s.result, s.ID, DesyncAckTimeout, s.current, s.current, s.now().UTC())
	s.recoveryHistory[s.plan.ID] = s.plan
	s.counters.RecoveriesBuilt++
	return false, s.plan, nil
}

// ReportDesync moves the session into recovery on a client desync
// report and returns the repair plan.
func (s *SyncSession) ReportDesync(d DesyncType, stepIndex int, details string) (*RecoveryPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if !d.Known() {
		return nil, gameerr.New(gameerr.KindValidationMismatch, "unknown desync type %q", d)
	}
	switch s.state {
	case StateBroadcasting, StatePaused, StateSynchronized:
	default:
		return nil, gameerr.New(gameerr.KindValidationMismatch,
			"desync report rejected in state %s", s.state)
	}

	s.counters.Desyncs++
	s.state = StateRecovering
	s.recoveryAttempts = 0
	s.recoveryBackoff.Reset()
	s.plan = buildRecoveryPlan(s.result, s.ID, d, stepIndex, s.current, s.now().UTC())
	s.recoveryHistory[s.plan.ID] = s.plan
	s.counters.RecoveriesBuilt++
	return s.plan, nil
}

// ApplyOutcome reports the result of a recovery application.
type ApplyOutcome struct {
	Recovered  bool
	Idempotent bool
	Failed     bool
	ResumeStep int
	NextPlan   *RecoveryPlan
	State      SyncState
}

// ApplyRecovery processes the client's recovery_apply. A successful
// apply moves the session to synchronized with the cursor at the plan's
// resume step; re-applying an already-completed recovery id is a no-op
// returning the same outcome. A failed apply escalates to the next plan
// with a backoff delay until the attempt budget is exhausted, then the
// session fails.
func (s *SyncSession) ApplyRecovery(recoveryID string, success bool) (ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.appliedRecovery[recoveryID] {
		return ApplyOutcome{Recovered: true, Idempotent: true, ResumeStep: s.current, State: s.state}, nil
	}
	if s.plan == nil || s.plan.ID != recoveryID {
		return ApplyOutcome{}, gameerr.New(gameerr.KindRecoveryNotFound,
			"recovery %s not active for sync session %s", recoveryID, s.ID)
	}
	if s.state != StateRecovering {
		return ApplyOutcome{}, gameerr.New(gameerr.KindRecoveryNotFound,
			"recovery %s arrived in state %s", recoveryID, s.state)
	}

	if success {
		s.plan.Status = RecoveryCompleted
		s.appliedRecovery[recoveryID] = true
		s.current = s.plan.ResumeStep
		s.retries = 0
		s.plan = nil
		s.state = StateSynchronized
		s.counters.RecoveriesApplied++
		s.recoveryBackoff.Reset()
		return ApplyOutcome{Recovered: true, ResumeStep: s.current, State: s.state}, nil
	}

	s.plan.Status = RecoveryError
	s.counters.RecoveryFailures++
	s.recoveryAttempts++
	if s.recoveryAttempts >= s.cfg.MaxRecoveryAttempts {
		s.state = StateFailed
		s.plan = nil
		return ApplyOutcome{Failed: true, State: s.state}, nil
	}

	next := escalateRecoveryPlan(s.result, s.plan, s.now().UTC())
	next.RetryDelay = s.recoveryBackoff.NextBackOff()
	s.plan = next
	s.recoveryHistory[next.ID] = next
	s.counters.RecoveriesBuilt++
	return ApplyOutcome{NextPlan: next, State: s.state}, nil
}

// RecoveryByID looks up a current or historical plan for the
// recovery_status flow.
func (s *SyncSession) RecoveryByID(recoveryID string) (*RecoveryPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan, ok := s.recoveryHistory[recoveryID]; ok {
		return plan, nil
	}
	return nil, gameerr.New(gameerr.KindRecoveryNotFound, "unknown recovery id %s", recoveryID)
}

// Pause suspends step delivery.
func (s *SyncSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBroadcasting {
		return gameerr.New(gameerr.KindValidationMismatch, "cannot pause in state %s", s.state)
	}
	s.state = StatePaused
	s.touch()
	return nil
}

// Resume restarts step delivery after a pause.
func (s *SyncSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return gameerr.New(gameerr.KindValidationMismatch, "cannot resume in state %s", s.state)
	}
	s.state = StateBroadcasting
	s.touch()
	return nil
}

// SkipTo jumps the cursor forward, implicitly acknowledging the skipped
// steps. Quick-spin clients use this to cut long cascades short.
func (s *SyncSession) SkipTo(stepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBroadcasting && s.state != StatePaused {
		return gameerr.New(gameerr.KindValidationMismatch, "cannot skip in state %s", s.state)
	}
	if stepIndex < s.current || stepIndex > len(s.serverHashes) {
		return gameerr.New(gameerr.KindValidationMismatch,
			"skip target %d outside %d..%d", stepIndex, s.current, len(s.serverHashes))
	}
	for i := s.current; i < stepIndex; i++ {
		if !s.acked[i] {
			s.acked[i] = true
			s.counters.AcksAccepted++
		}
	}
	s.current = stepIndex
	s.retries = 0
	s.touch()
	if s.current == len(s.serverHashes) && s.allAcked() {
		s.state = StateCompleted
	}
	return nil
}

// Restart rewinds the cursor to step 0 for a full replay. Previously
// collected acknowledgments are kept; replayed acks advance the cursor
// again rather than counting as duplicates.
func (s *SyncSession) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBroadcasting && s.state != StatePaused {
		return gameerr.New(gameerr.KindValidationMismatch, "cannot restart in state %s", s.state)
	}
	s.current = 0
	s.retries = 0
	s.state = StateBroadcasting
	s.touch()
	return nil
}

// ForceResync resets delivery to fromStep, abandoning any in-flight
// recovery. The session passes through resyncing and lands back in
// broadcasting.
func (s *SyncSession) ForceResync(fromStep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return 0, gameerr.New(gameerr.KindValidationMismatch,
			"cannot resync a %s session", s.state)
	}
	if fromStep < 0 {
		fromStep = 0
	}
	if fromStep > len(s.serverHashes) {
		fromStep = len(s.serverHashes)
	}

	s.state = StateResyncing
	s.plan = nil
	s.recoveryAttempts = 0
	s.current = fromStep
	s.retries = 0
	s.counters.ForcedResyncs++
	s.state = StateBroadcasting
	s.touch()
	return fromStep, nil
}

// CompletionReport is the response to sync_session_complete.
type CompletionReport struct {
	Validated  bool
	TotalSteps int
	Report     metrics.Report
}

// Complete finalizes the session against the client's view of the end
// state. Validation requires every step acknowledged and the reported
// final grid and win matching the authoritative result.
func (s *SyncSession) Complete(finalGrid *grid.Grid, totalWin money.Cents) (CompletionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	// Zero-step spins complete straight from broadcasting.
	if s.state == StateBroadcasting && s.current == len(s.serverHashes) {
		s.state = StateCompleted
	}
	if s.state != StateCompleted {
		return CompletionReport{}, gameerr.New(gameerr.KindValidationMismatch,
			"completion rejected in state %s with %d of %d steps acknowledged",
			s.state, s.current, len(s.serverHashes))
	}

	validated := s.allAcked() && totalWin == s.result.TotalWin
	if validated && finalGrid != nil {
		authoritative := gridBeforeStep(s.result, len(s.result.CascadeSteps))
		validated = finalGrid.Canonical() == authoritative.Canonical()
	}

	return CompletionReport{
		Validated:  validated,
		TotalSteps: len(s.serverHashes),
		Report:     s.counters.BuildReport(len(s.serverHashes), s.now().UTC().Sub(s.startedAt)),
	}, nil
}

// Fail terminates the session. Idempotent.
func (s *SyncSession) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = StateFailed
	s.plan = nil
	s.touch()
}

// IdleSince reports whether the session saw no activity after cutoff.
func (s *SyncSession) IdleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(cutoff)
}

// Counters returns a copy of the protocol counters.
func (s *SyncSession) Counters() metrics.SyncCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func (s *SyncSession) allAcked() bool {
	for _, a := range s.acked {
		if !a {
			return false
		}
	}
	return true
}

// touch stamps activity. Caller holds mu.
func (s *SyncSession) touch() {
	s.lastSeen = s.now().UTC()
}
