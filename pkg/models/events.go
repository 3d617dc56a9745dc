package models

import (
	"encoding/json"

	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// Envelope frames every message on the cascade sync socket in both
// directions: a stable type name plus the type's payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client → server event types.
const (
	EventCascadeSyncStart      = "cascade_sync_start"
	EventCascadeStepNext       = "cascade_step_next"
	EventCascadeStepControl    = "cascade_step_control"
	EventStepValidationRequest = "step_validation_request"
	EventAcknowledgmentTimeout = "acknowledgment_timeout"
	EventBatchAcknowledgment   = "batch_acknowledgment"
	EventDesyncDetected        = "desync_detected"
	EventRecoveryApply         = "recovery_apply"
	EventRecoveryStatus        = "recovery_status"
	EventForceResync           = "force_resync"
	EventGridValidationRequest = "grid_validation_request"
	EventSyncSessionComplete   = "sync_session_complete"
	EventHeartbeatResponse     = "heartbeat_response"
)

// Server → client event types.
const (
	EventSyncSessionStart            = "sync_session_start"
	EventCascadeStepBroadcast        = "cascade_step_broadcast"
	EventStepValidationResponse      = "step_validation_response"
	EventRecoveryData                = "recovery_data"
	EventRecoveryApplyResponse       = "recovery_apply_response"
	EventRecoveryStatusResponse      = "recovery_status_response"
	EventGridValidationResponse      = "grid_validation_response"
	EventSyncSessionCompleteResponse = "sync_session_complete_response"
	EventHeartbeat                   = "heartbeat"
	EventValidationAlert             = "validation_alert"
)

// DesyncType classifies a client-reported divergence; it selects the
// recovery plan.
type DesyncType string

const (
	DesyncHashMismatch      DesyncType = "hash_mismatch"
	DesyncTimingError       DesyncType = "timing_error"
	DesyncGridInconsistency DesyncType = "grid_inconsistency"
)

// RecoveryType names the remedial action of a recovery plan.
type RecoveryType string

const (
	RecoveryStateResync   RecoveryType = "state_resync"
	RecoveryPhaseReplay   RecoveryType = "phase_replay"
	RecoveryCascadeReplay RecoveryType = "cascade_replay"
)

// ControlAction is the client's cascade_step_control verb.
type ControlAction string

const (
	ControlPause   ControlAction = "pause"
	ControlResume  ControlAction = "resume"
	ControlSkipTo  ControlAction = "skip_to"
	ControlRestart ControlAction = "restart"
)

// ErrorPayload replaces any server event payload when handling fails.
// The socket stays open; the client decides whether to retry or
// restart its session.
type ErrorPayload struct {
	Success      bool   `json:"success"` // always false
	Error        string `json:"error"`
	ErrorMessage string `json:"errorMessage"`
}

// ── Client → server payloads ─────────────────────────────────────────

type CascadeSyncStart struct {
	SpinID          string     `json:"spinId"`
	PlayerID        string     `json:"playerId"`
	GridState       *grid.Grid `json:"gridState,omitempty"`
	EnableBroadcast bool       `json:"enableBroadcast"`
}

type CascadeStepNext struct {
	SyncSessionID    string `json:"syncSessionId"`
	CurrentStepIndex int    `json:"currentStepIndex"`
	ReadyForNext     bool   `json:"readyForNext"`
}

type CascadeStepControl struct {
	SyncSessionID string        `json:"syncSessionId"`
	Action        ControlAction `json:"action"`
	StepIndex     *int          `json:"stepIndex,omitempty"`
}

type StepValidationRequest struct {
	SyncSessionID   string     `json:"syncSessionId"`
	StepIndex       int        `json:"stepIndex"`
	GridState       *grid.Grid `json:"gridState,omitempty"`
	ClientHash      string     `json:"clientHash"`
	ClientTimestamp int64      `json:"clientTimestamp"`
	PhaseType       string     `json:"phaseType"`
}

type AcknowledgmentTimeout struct {
	SyncSessionID string `json:"syncSessionId"`
	StepIndex     int    `json:"stepIndex"`
	TimeoutReason string `json:"timeoutReason"`
}

// StepAck is one acknowledgment inside a batch.
type StepAck struct {
	StepIndex       int    `json:"stepIndex"`
	ClientHash      string `json:"clientHash"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
	PhaseType       string `json:"phaseType,omitempty"`
}

type BatchAcknowledgment struct {
	SyncSessionID   string    `json:"syncSessionId"`
	Acknowledgments []StepAck `json:"acknowledgments"`
}

type DesyncDetected struct {
	SyncSessionID string          `json:"syncSessionId"`
	DesyncType    DesyncType      `json:"desyncType"`
	ClientState   json.RawMessage `json:"clientState,omitempty"`
	StepIndex     int             `json:"stepIndex"`
	DesyncDetails string          `json:"desyncDetails,omitempty"`
}

type RecoveryApply struct {
	RecoveryID     string          `json:"recoveryId"`
	ClientState    json.RawMessage `json:"clientState,omitempty"`
	RecoveryResult string          `json:"recoveryResult"` // "success" | "failed"
	SyncSessionID  string          `json:"syncSessionId"`
}

type RecoveryStatusQuery struct {
	RecoveryID string `json:"recoveryId"`
}

type ForceResync struct {
	SyncSessionID string `json:"syncSessionId"`
	FromStepIndex int    `json:"fromStepIndex"`
}

type GridValidationRequest struct {
	GridState     *grid.Grid `json:"gridState"`
	ExpectedHash  string     `json:"expectedHash"`
	Salt          string     `json:"salt"`
	SyncSessionID string     `json:"syncSessionId,omitempty"`
}

// ClientSessionMetrics is the client's own account of the sync run,
// folded into the server-side performance report.
type ClientSessionMetrics struct {
	TotalDurationMs int64   `json:"totalDurationMs,omitempty"`
	AvgStepTimeMs   float64 `json:"avgStepTimeMs,omitempty"`
	RetryCount      int     `json:"retryCount,omitempty"`
}

type SyncSessionComplete struct {
	SyncSessionID  string                `json:"syncSessionId"`
	FinalGridState *grid.Grid            `json:"finalGridState,omitempty"`
	TotalWin       money.Cents           `json:"totalWin"`
	ClientHash     string                `json:"clientHash,omitempty"`
	SessionMetrics *ClientSessionMetrics `json:"sessionMetrics,omitempty"`
}

// ── Server → client payloads ─────────────────────────────────────────

type SyncSessionStart struct {
	Success          bool   `json:"success"`
	SyncSessionID    string `json:"syncSessionId"`
	ValidationSalt   string `json:"validationSalt"`
	SyncSeed         string `json:"syncSeed"`
	ServerTimestamp  int64  `json:"serverTimestamp"`
	BroadcastEnabled bool   `json:"broadcastEnabled"`
	ProcessingTimeMs int64  `json:"processingTime"`
	TotalSteps       int    `json:"totalSteps"`
}

type CascadeStepBroadcast struct {
	SyncSessionID          string       `json:"syncSessionId"`
	StepIndex              int          `json:"stepIndex"`
	Step                   *CascadeStep `json:"cascadeStep"`
	ServerTimestamp        int64        `json:"serverTimestamp"`
	ExpectedAcknowledgment string       `json:"expectedAcknowledgment"` // salted hash the client must echo
	TimeoutMs              int64        `json:"timeout"`
	RetryAttempt           int          `json:"retryAttempt,omitempty"`
}

type StepValidationResponse struct {
	Success            bool         `json:"success"`
	StepIndex          int          `json:"stepIndex"`
	PhaseType          string       `json:"phaseType,omitempty"`
	StepValidated      bool         `json:"stepValidated"`
	ServerHash         string       `json:"serverHash"`
	NextStepData       *CascadeStep `json:"nextStepData,omitempty"`
	SyncStatus         string       `json:"syncStatus"`
	ValidationFeedback string       `json:"validationFeedback,omitempty"`
	ProcessingTimeMs   int64        `json:"processingTime"`
}

type RecoveryData struct {
	Success          bool            `json:"success"`
	SyncSessionID    string          `json:"syncSessionId"`
	DesyncType       DesyncType      `json:"desyncType"`
	RecoveryType     RecoveryType    `json:"recoveryType"`
	RecoveryData     json.RawMessage `json:"recoveryData"`
	RequiredSteps    []int           `json:"requiredSteps"`
	RecoveryID       string          `json:"recoveryId"`
	EstimatedMs      int64           `json:"estimatedDuration"`
	ProcessingTimeMs int64           `json:"processingTime"`
}

type RecoveryApplyResponse struct {
	Success            bool     `json:"success"`
	RecoveryID         string   `json:"recoveryId"`
	RecoverySuccessful bool     `json:"recoverySuccessful"`
	SyncRestored       bool     `json:"syncRestored"`
	NewSyncState       string   `json:"newSyncState"`
	NextActions        []string `json:"nextActions"`
}

type RecoveryStatusResponse struct {
	Success    bool   `json:"success"`
	RecoveryID string `json:"recoveryId"`
	Status     string `json:"status"` // "in_progress" | "completed" | "error"
	UpdatedAt  int64  `json:"updatedAt"`
}

type GridValidationResponse struct {
	Success      bool   `json:"success"`
	Valid        bool   `json:"valid"`
	ServerHash   string `json:"serverHash"`
	Mismatch     string `json:"mismatch,omitempty"`
	ProcessingMs int64  `json:"processingTime"`
}

type SyncSessionCompleteResponse struct {
	Success           bool            `json:"success"`
	Validated         bool            `json:"validated"`
	PerformanceScore  float64         `json:"performanceScore"`
	TotalSteps        int             `json:"totalSteps"`
	PerformanceReport json.RawMessage `json:"performanceReport,omitempty"`
	ProcessingTimeMs  int64           `json:"processingTime"`
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

type ValidationAlert struct {
	Type     string          `json:"type"`
	Severity string          `json:"severity"` // "info" | "warning" | "critical"
	Message  string          `json:"message"`
	Details  json.RawMessage `json:"details,omitempty"`
}
