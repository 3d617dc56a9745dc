package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rawblock/infinity-storm/internal/cascade"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/pkg/models"
)

// dispatch routes one inbound envelope to its handler. Handler errors
// become error payloads or alerts; nothing here closes the socket.
func (c *Client) dispatch(env models.Envelope) {
	started := time.Now()
	switch env.Type {
	case models.EventCascadeSyncStart:
		c.onSyncStart(env.Data, started)
	case models.EventCascadeStepNext:
		c.onStepNext(env.Data)
	case models.EventCascadeStepControl:
		c.onStepControl(env.Data)
	case models.EventStepValidationRequest:
		c.onStepValidation(env.Data, started)
	case models.EventAcknowledgmentTimeout:
		c.onClientAckTimeout(env.Data)
	case models.EventBatchAcknowledgment:
		c.onBatchAck(env.Data, started)
	case models.EventDesyncDetected:
		c.onDesyncDetected(env.Data, started)
	case models.EventRecoveryApply:
		c.onRecoveryApply(env.Data)
	case models.EventRecoveryStatus:
		c.onRecoveryStatus(env.Data)
	case models.EventForceResync:
		c.onForceResync(env.Data)
	case models.EventGridValidationRequest:
		c.onGridValidation(env.Data, started)
	case models.EventSyncSessionComplete:
		c.onSessionComplete(env.Data, started)
	case models.EventHeartbeatResponse:
		// Liveness only; the read deadline was already rolled.
	default:
		c.alert("unknown_event", "warning", fmt.Sprintf("unrecognized event type %q", env.Type))
	}
}

// resolveSync looks up a sync session and enforces socket ownership.
func (c *Client) resolveSync(syncSessionID string) (*cascade.SyncSession, error) {
	if syncSessionID == "" {
		return nil, gameerr.New(gameerr.KindSessionNotFound, "syncSessionId required")
	}
	s, err := c.srv.sync.Get(syncSessionID)
	if err != nil {
		return nil, err
	}
	if s.PlayerID != c.playerID {
		return nil, gameerr.New(gameerr.KindUnauthorized,
			"sync session %s belongs to another player", syncSessionID)
	}
	return s, nil
}

// pushNextStep broadcasts the step at the cursor and arms its ack
// deadline. No-op when the session is paused, recovering, or done.
func (c *Client) pushNextStep(s *cascade.SyncSession) {
	payload, ok := s.NextStepPayload()
	if !ok {
		c.stopTimer(s.ID)
		return
	}
	step := payload.Step
	c.emit(models.EventCascadeStepBroadcast, models.CascadeStepBroadcast{
		SyncSessionID:          s.ID,
		StepIndex:              payload.StepIndex,
		Step:                   &step,
		ServerTimestamp:        time.Now().UnixMilli(),
		ExpectedAcknowledgment: payload.ServerHash,
		TimeoutMs:              s.Config().AckTimeout.Milliseconds(),
		RetryAttempt:           payload.RetryAttempt,
	})
	c.armAckTimer(s, payload.StepIndex)
}

// emitRecoveryData sends a repair plan to the client.
func (c *Client) emitRecoveryData(s *cascade.SyncSession, plan *cascade.RecoveryPlan, started time.Time) {
	data, err := json.Marshal(plan.Data)
	if err != nil {
		c.srv.log.Error().Err(err).Str("recovery", plan.ID).Msg("recovery data marshal failed")
		return
	}
	c.emit(models.EventRecoveryData, models.RecoveryData{
		Success:          true,
		SyncSessionID:    s.ID,
		DesyncType:       models.DesyncType(plan.DesyncType),
		RecoveryType:     models.RecoveryType(plan.Type),
		RecoveryData:     data,
		RequiredSteps:    plan.RequiredSteps,
		RecoveryID:       plan.ID,
		EstimatedMs:      plan.EstimatedMs,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	})
}

// onAckDeadline fires when a broadcast step's ack timer expires. While
// retry budget remains the step is rebroadcast; exhaustion escalates
// into recovery.
func (c *Client) onAckDeadline(syncID string, stepIndex int) {
	s, err := c.srv.sync.Get(syncID)
	if err != nil {
		return // session gone, stale timer
	}
	retry, plan, err := s.Timeout(stepIndex)
	if err != nil {
		return
	}
	switch {
	case retry:
		c.srv.log.Debug().Str("sync", syncID).Int("step", stepIndex).Msg("ack timeout, rebroadcasting")
		c.pushNextStep(s)
	case plan != nil:
		c.srv.log.Warn().Str("sync", syncID).Int("step", stepIndex).Msg("ack retries exhausted, entering recovery")
		c.stopTimer(syncID)
		c.emitRecoveryData(s, plan, time.Now())
	}
}

func (c *Client) onSyncStart(data json.RawMessage, started time.Time) {
	var req models.CascadeSyncStart
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventSyncSessionStart,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed cascade_sync_start"))
		return
	}
	if req.PlayerID != "" && req.PlayerID != c.playerID {
		c.emitError(models.EventSyncSessionStart,
			gameerr.New(gameerr.KindUnauthorized, "playerId does not match socket identity"))
		return
	}

	result, ok := c.srv.cache.Get(req.SpinID)
	if !ok {
		var err error
		result, err = c.srv.store.GetSpinResult(context.Background(), req.SpinID)
		if err != nil {
			c.emitError(models.EventSyncSessionStart,
				gameerr.Wrap(gameerr.KindSessionNotFound, err, "unknown spin %s", req.SpinID))
			return
		}
	}
	if result.PlayerID != c.playerID {
		c.emitError(models.EventSyncSessionStart,
			gameerr.New(gameerr.KindUnauthorized, "spin %s belongs to another player", req.SpinID))
		return
	}
	// When the client reports its rendered initial grid it must match
	// the authoritative one, or the session would desync at step 0.
	if req.GridState != nil && req.GridState.Canonical() != result.InitialGrid.Canonical() {
		c.emitError(models.EventSyncSessionStart,
			gameerr.New(gameerr.KindValidationMismatch, "client initial grid diverges from server result"))
		return
	}

	s, err := c.srv.sync.Start(result, req.EnableBroadcast)
	if err != nil {
		c.emitError(models.EventSyncSessionStart, err)
		return
	}
	if err := c.srv.sessions.AttachSync(c.playerID, s.ID); err != nil {
		c.srv.sync.Remove(s.ID)
		c.emitError(models.EventSyncSessionStart, err)
		return
	}
	c.track(s.ID)

	snap := s.Snapshot()
	c.emit(models.EventSyncSessionStart, models.SyncSessionStart{
		Success:          true,
		SyncSessionID:    s.ID,
		ValidationSalt:   s.ValidationSalt,
		SyncSeed:         s.SyncSeed,
		ServerTimestamp:  time.Now().UnixMilli(),
		BroadcastEnabled: s.Broadcast,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		TotalSteps:       snap.TotalSteps,
	})

	if s.Broadcast {
		c.pushNextStep(s)
	}
}

func (c *Client) onStepNext(data json.RawMessage) {
	var req models.CascadeStepNext
	if err := json.Unmarshal(data, &req); err != nil {
		c.alert(models.EventCascadeStepNext, "warning", "malformed cascade_step_next: "+err.Error())
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.alert(models.EventCascadeStepNext, "warning", err.Error())
		return
	}
	if !req.ReadyForNext {
		if err := s.Pause(); err != nil {
			c.alert(models.EventCascadeStepNext, "warning", err.Error())
		}
		c.stopTimer(s.ID)
		return
	}
	c.pushNextStep(s)
}

func (c *Client) onStepControl(data json.RawMessage) {
	var req models.CascadeStepControl
	if err := json.Unmarshal(data, &req); err != nil {
		c.alert(models.EventCascadeStepControl, "warning", "malformed cascade_step_control: "+err.Error())
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.alert(models.EventCascadeStepControl, "warning", err.Error())
		return
	}

	switch req.Action {
	case models.ControlPause:
		err = s.Pause()
		if err == nil {
			c.stopTimer(s.ID)
		}
	case models.ControlResume:
		err = s.Resume()
		if err == nil {
			c.pushNextStep(s)
		}
	case models.ControlSkipTo:
		if req.StepIndex == nil {
			err = gameerr.New(gameerr.KindValidationMismatch, "skip_to requires stepIndex")
			break
		}
		err = s.SkipTo(*req.StepIndex)
		if err == nil {
			c.stopTimer(s.ID)
			c.pushNextStep(s)
		}
	case models.ControlRestart:
		err = s.Restart()
		if err == nil {
			c.pushNextStep(s)
		}
	default:
		err = gameerr.New(gameerr.KindValidationMismatch, "unknown control action %q", req.Action)
	}
	if err != nil {
		c.alert(models.EventCascadeStepControl, "warning", err.Error())
	}
}

func (c *Client) onStepValidation(data json.RawMessage, started time.Time) {
	var req models.StepValidationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventStepValidationResponse,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed step_validation_request"))
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.emitError(models.EventStepValidationResponse, err)
		return
	}

	// Structural check of the reported grid when the client sends one.
	if req.GridState != nil {
		if err := c.srv.validator.ValidateGridStructure(req.GridState); err != nil {
			c.emit(models.EventStepValidationResponse, models.StepValidationResponse{
				Success:            true,
				StepIndex:          req.StepIndex,
				PhaseType:          req.PhaseType,
				StepValidated:      false,
				SyncStatus:         "desynced",
				ValidationFeedback: err.Error(),
				ProcessingTimeMs:   time.Since(started).Milliseconds(),
			})
			return
		}
	}

	out, err := s.Ack(req.StepIndex, req.ClientHash)
	if err != nil {
		c.emit(models.EventStepValidationResponse, models.StepValidationResponse{
			Success:            true,
			StepIndex:          req.StepIndex,
			PhaseType:          req.PhaseType,
			StepValidated:      false,
			SyncStatus:         "desynced",
			ValidationFeedback: err.Error(),
			ProcessingTimeMs:   time.Since(started).Milliseconds(),
		})
		return
	}

	resp := models.StepValidationResponse{
		Success:          true,
		StepIndex:        req.StepIndex,
		PhaseType:        req.PhaseType,
		StepValidated:    true,
		ServerHash:       out.ServerHash,
		SyncStatus:       string(s.State()),
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	}
	if out.Duplicate {
		resp.ValidationFeedback = "duplicate acknowledgment"
	}
	// Pull-mode sessions receive the following step inline instead of
	// waiting for a broadcast.
	if !s.Broadcast && out.Advanced && !out.Completed {
		if payload, ok := s.NextStepPayload(); ok {
			step := payload.Step
			resp.NextStepData = &step
		}
	}
	c.emit(models.EventStepValidationResponse, resp)

	if out.Completed {
		c.stopTimer(s.ID)
		return
	}
	if s.Broadcast && out.Advanced {
		c.pushNextStep(s)
	}
}

func (c *Client) onClientAckTimeout(data json.RawMessage) {
	var req models.AcknowledgmentTimeout
	if err := json.Unmarshal(data, &req); err != nil {
		c.alert(models.EventAcknowledgmentTimeout, "warning", "malformed acknowledgment_timeout: "+err.Error())
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.alert(models.EventAcknowledgmentTimeout, "warning", err.Error())
		return
	}

	retry, plan, err := s.Timeout(req.StepIndex)
	if err != nil {
		c.alert(models.EventAcknowledgmentTimeout, "warning", err.Error())
		return
	}
	switch {
	case retry:
		c.pushNextStep(s)
	case plan != nil:
		c.srv.log.Warn().Str("sync", s.ID).Int("step", req.StepIndex).
			Str("reason", req.TimeoutReason).Msg("client timeout exhausted retries, entering recovery")
		c.stopTimer(s.ID)
		c.emitRecoveryData(s, plan, time.Now())
	}
}

func (c *Client) onBatchAck(data json.RawMessage, started time.Time) {
	var req models.BatchAcknowledgment
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventStepValidationResponse,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed batch_acknowledgment"))
		return
	}
	if len(req.Acknowledgments) == 0 {
		c.alert(models.EventBatchAcknowledgment, "warning", "empty batch_acknowledgment")
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.emitError(models.EventStepValidationResponse, err)
		return
	}

	var last cascade.AckOutcome
	for _, ack := range req.Acknowledgments {
		out, err := s.Ack(ack.StepIndex, ack.ClientHash)
		if err != nil {
			c.emit(models.EventStepValidationResponse, models.StepValidationResponse{
				Success:            true,
				StepIndex:          ack.StepIndex,
				PhaseType:          ack.PhaseType,
				StepValidated:      false,
				SyncStatus:         "desynced",
				ValidationFeedback: err.Error(),
				ProcessingTimeMs:   time.Since(started).Milliseconds(),
			})
			return
		}
		last = out
	}

	lastAck := req.Acknowledgments[len(req.Acknowledgments)-1]
	c.emit(models.EventStepValidationResponse, models.StepValidationResponse{
		Success:          true,
		StepIndex:        lastAck.StepIndex,
		PhaseType:        lastAck.PhaseType,
		StepValidated:    true,
		ServerHash:       last.ServerHash,
		SyncStatus:       string(s.State()),
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	})

	if last.Completed {
		c.stopTimer(s.ID)
		return
	}
	if s.Broadcast && last.Advanced {
		c.pushNextStep(s)
	}
}

func (c *Client) onDesyncDetected(data json.RawMessage, started time.Time) {
	var req models.DesyncDetected
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventRecoveryData,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed desync_detected"))
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.emitError(models.EventRecoveryData, err)
		return
	}

	plan, err := s.ReportDesync(cascade.DesyncType(req.DesyncType), req.StepIndex, req.DesyncDetails)
	if err != nil {
		c.emitError(models.EventRecoveryData, err)
		return
	}
	c.srv.log.Warn().Str("sync", s.ID).Str("desync", string(req.DesyncType)).
		Int("step", req.StepIndex).Str("recovery", plan.ID).Msg("desync reported, recovery plan built")
	c.stopTimer(s.ID)
	c.emitRecoveryData(s, plan, started)
}

func (c *Client) onRecoveryApply(data json.RawMessage) {
	var req models.RecoveryApply
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventRecoveryApplyResponse,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed recovery_apply"))
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.emitError(models.EventRecoveryApplyResponse, err)
		return
	}

	out, err := s.ApplyRecovery(req.RecoveryID, req.RecoveryResult == "success")
	if err != nil {
		c.emitError(models.EventRecoveryApplyResponse, err)
		return
	}

	switch {
	case out.Recovered:
		c.emit(models.EventRecoveryApplyResponse, models.RecoveryApplyResponse{
			Success:            true,
			RecoveryID:         req.RecoveryID,
			RecoverySuccessful: true,
			SyncRestored:       true,
			NewSyncState:       string(out.State),
			NextActions:        []string{"resume_playback"},
		})
		if s.Broadcast && !out.Idempotent {
			c.pushNextStep(s)
		}
	case out.Failed:
		c.emit(models.EventRecoveryApplyResponse, models.RecoveryApplyResponse{
			Success:            true,
			RecoveryID:         req.RecoveryID,
			RecoverySuccessful: false,
			SyncRestored:       false,
			NewSyncState:       string(out.State),
			NextActions:        []string{"restart_sync_session"},
		})
		c.srv.log.Warn().Str("sync", s.ID).Msg("recovery budget exhausted, session failed")
		c.dropSession(s.ID)
	default:
		c.emit(models.EventRecoveryApplyResponse, models.RecoveryApplyResponse{
			Success:            true,
			RecoveryID:         req.RecoveryID,
			RecoverySuccessful: false,
			SyncRestored:       false,
			NewSyncState:       string(out.State),
			NextActions:        []string{"apply_recovery"},
		})
		// The escalated plan goes out after its backoff delay.
		next := out.NextPlan
		c.setTimer(s.ID, next.RetryDelay, func() {
			c.emitRecoveryData(s, next, time.Now())
		})
	}
}

func (c *Client) onRecoveryStatus(data json.RawMessage) {
	var req models.RecoveryStatusQuery
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventRecoveryStatusResponse,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed recovery_status"))
		return
	}

	for _, id := range c.trackedSyncIDs() {
		s, err := c.srv.sync.Get(id)
		if err != nil {
			continue
		}
		plan, err := s.RecoveryByID(req.RecoveryID)
		if err != nil {
			continue
		}
		c.emit(models.EventRecoveryStatusResponse, models.RecoveryStatusResponse{
			Success:    true,
			RecoveryID: plan.ID,
			Status:     string(plan.Status),
			UpdatedAt:  plan.CreatedAt.UnixMilli(),
		})
		return
	}
	c.emitError(models.EventRecoveryStatusResponse,
		gameerr.New(gameerr.KindRecoveryNotFound, "unknown recovery id %s", req.RecoveryID))
}

func (c *Client) onForceResync(data json.RawMessage) {
	var req models.ForceResync
	if err := json.Unmarshal(data, &req); err != nil {
		c.alert(models.EventForceResync, "warning", "malformed force_resync: "+err.Error())
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.alert(models.EventForceResync, "warning", err.Error())
		return
	}

	from, err := s.ForceResync(req.FromStepIndex)
	if err != nil {
		c.alert(models.EventForceResync, "warning", err.Error())
		return
	}
	c.srv.log.Info().Str("sync", s.ID).Int("from", from).Msg("forced resync")
	c.stopTimer(s.ID)
	c.pushNextStep(s)
}

func (c *Client) onGridValidation(data json.RawMessage, started time.Time) {
	var req models.GridValidationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventGridValidationResponse,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed grid_validation_request"))
		return
	}
	if req.GridState == nil {
		c.emitError(models.EventGridValidationResponse,
			gameerr.New(gameerr.KindValidationMismatch, "gridState required"))
		return
	}

	salt := req.Salt
	if salt == "" {
		s, err := c.resolveSync(req.SyncSessionID)
		if err != nil {
			c.emitError(models.EventGridValidationResponse,
				gameerr.New(gameerr.KindValidationMismatch, "salt or syncSessionId required"))
			return
		}
		salt = s.ValidationSalt
	}

	if err := c.srv.validator.ValidateGridStructure(req.GridState); err != nil {
		c.emit(models.EventGridValidationResponse, models.GridValidationResponse{
			Success:      true,
			Valid:        false,
			Mismatch:     err.Error(),
			ProcessingMs: time.Since(started).Milliseconds(),
		})
		return
	}

	serverHash := cascade.GridHash(req.GridState, salt)
	resp := models.GridValidationResponse{
		Success:      true,
		Valid:        serverHash == req.ExpectedHash,
		ServerHash:   serverHash,
		ProcessingMs: time.Since(started).Milliseconds(),
	}
	if !resp.Valid {
		resp.Mismatch = "grid hash mismatch"
	}
	c.emit(models.EventGridValidationResponse, resp)
}

func (c *Client) onSessionComplete(data json.RawMessage, started time.Time) {
	var req models.SyncSessionComplete
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError(models.EventSyncSessionCompleteResponse,
			gameerr.Wrap(gameerr.KindValidationMismatch, err, "malformed sync_session_complete"))
		return
	}
	s, err := c.resolveSync(req.SyncSessionID)
	if err != nil {
		c.emitError(models.EventSyncSessionCompleteResponse, err)
		return
	}

	rep, err := s.Complete(req.FinalGridState, req.TotalWin)
	if err != nil {
		c.emitError(models.EventSyncSessionCompleteResponse, err)
		return
	}

	if req.SessionMetrics != nil {
		c.srv.log.Debug().Str("sync", s.ID).
			Int64("clientDurationMs", req.SessionMetrics.TotalDurationMs).
			Int("clientRetries", req.SessionMetrics.RetryCount).
			Msg("client session metrics")
	}

	reportJSON, err := json.Marshal(rep.Report)
	if err != nil {
		c.emitError(models.EventSyncSessionCompleteResponse,
			gameerr.Wrap(gameerr.KindUnknown, err, "performance report marshal failed"))
		return
	}
	c.emit(models.EventSyncSessionCompleteResponse, models.SyncSessionCompleteResponse{
		Success:           true,
		Validated:         rep.Validated,
		PerformanceScore:  float64(rep.Report.Score),
		TotalSteps:        rep.TotalSteps,
		PerformanceReport: reportJSON,
		ProcessingTimeMs:  time.Since(started).Milliseconds(),
	})

	c.srv.log.Info().Str("sync", s.ID).Str("spin", s.SpinID).Bool("validated", rep.Validated).
		Int("score", rep.Report.Score).Str("grade", rep.Report.Grade).Msg("sync session complete")
	c.dropSession(s.ID)
}
