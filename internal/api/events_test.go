package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rawblock/infinity-storm/internal/cache"
	"github.com/rawblock/infinity-storm/internal/cascade"
	"github.com/rawblock/infinity-storm/internal/config"
	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/game/engine"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/internal/session"
	"github.com/rawblock/infinity-storm/internal/wallet"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// Fixture seeds shared with the engine and cascade tests; their step
// counts are pinned there.
const (
	wsSeedThreeStep = "sticky-boost-036" // 3 cascade steps
	wsSeedNoSteps   = "quiet-board-005"  // no clusters

	wsTestSalt   = "salt-transport-01"
	wsTestPlayer = "player-1"
)

// wsFixture wires a Server and one Client with no underlying socket.
// dispatch is synchronous and emit only queues, so tests drive the
// protocol by calling dispatch and reading the send channel.
type wsFixture struct {
	srv    *Server
	client *Client
	store  *db.MemoryStore
}

func newWSFixture(t *testing.T, syncCfg cascade.SyncConfig) *wsFixture {
	t.Helper()

	store := db.NewMemory()
	log := logger.Nop()
	eng := engine.New(symbols.Default(), engine.DefaultConfig())
	w := wallet.New(store, log)
	sessions := session.NewManager(store, w, eng, log)
	syncer := cascade.NewSynchronizer(syncCfg, log,
		cascade.WithSaltSource(func() string { return wsTestSalt }))
	spinCache, err := cache.NewSpinCache(log)
	if err != nil {
		t.Fatalf("NewSpinCache: %v", err)
	}

	srv := NewServer(Deps{
		Cfg:       &config.Config{HeartbeatInterval: 30 * time.Second},
		Log:       log,
		Store:     store,
		Wallet:    w,
		Sessions:  sessions,
		Sync:      syncer,
		Validator: cascade.NewValidator(cascade.DefaultValidatorConfig()),
		Cache:     spinCache,
	})

	ctx := context.Background()
	err = store.CreatePlayer(ctx, &models.Player{
		ID:       wsTestPlayer,
		Username: "p1",
		Balance:  money.MustParse("100.00"),
	})
	if err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}
	st, err := sessions.Login(ctx, wsTestPlayer)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	return &wsFixture{
		srv:    srv,
		client: newClient(srv, nil, wsTestPlayer, st.SessionID),
		store:  store,
	}
}

func sealedSpin(t *testing.T, seed, playerID string) *models.SpinResult {
	t.Helper()
	eng := engine.New(symbols.Default(), engine.DefaultConfig())
	r, err := eng.ComputeSpin(context.Background(), engine.SpinParams{
		SpinID:      "spin-" + seed,
		PlayerID:    playerID,
		SessionID:   "session-1",
		Bet:         money.MustParse("1.00"),
		Mode:        models.GameModeBase,
		Accumulated: 1,
		Seed:        seed,
	})
	if err != nil {
		t.Fatalf("ComputeSpin(%s): %v", seed, err)
	}
	return r
}

func sendEvent(t *testing.T, c *Client, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal %s payload: %v", eventType, err)
	}
	c.dispatch(models.Envelope{Type: eventType, Data: data})
}

// recvEvent pops the next queued envelope, asserts its type, and
// decodes the payload into out when out is non-nil.
func recvEvent(t *testing.T, c *Client, wantType string, out any) {
	t.Helper()
	select {
	case env := <-c.send:
		if env.Type != wantType {
			t.Fatalf("Expected %s event, got %s (%s)", wantType, env.Type, env.Data)
		}
		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("Decode %s payload: %v", wantType, err)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("No %s event emitted", wantType)
	}
}

func expectQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.send:
		t.Fatalf("Unexpected %s event queued", env.Type)
	default:
	}
}

func TestDispatchUnknownEventAlerts(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour})

	raw := []byte(`{"type":"weird_event","data":{"x":1}}`)
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Envelope decode: %v", err)
	}
	f.client.dispatch(env)

	var alert models.ValidationAlert
	recvEvent(t, f.client, models.EventValidationAlert, &alert)
	if alert.Severity != "warning" || !strings.Contains(alert.Message, "weird_event") {
		t.Errorf("Unexpected alert: %+v", alert)
	}
}

func TestSyncStartBroadcastsAndAdvances(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour})
	c := f.client
	r := sealedSpin(t, wsSeedThreeStep, wsTestPlayer)
	f.srv.cache.Put(r)
	f.srv.cache.Wait()

	sendEvent(t, c, models.EventCascadeSyncStart, models.CascadeSyncStart{
		SpinID:          r.SpinID,
		EnableBroadcast: true,
	})

	var start models.SyncSessionStart
	recvEvent(t, c, models.EventSyncSessionStart, &start)
	if !start.Success || start.SyncSessionID == "" {
		t.Fatalf("Sync start failed: %+v", start)
	}
	if start.TotalSteps != 3 {
		t.Fatalf("Expected 3 steps, got %d", start.TotalSteps)
	}
	if start.ValidationSalt != wsTestSalt {
		t.Errorf("Salt %q not issued from the synchronizer source", start.ValidationSalt)
	}

	var bc models.CascadeStepBroadcast
	recvEvent(t, c, models.EventCascadeStepBroadcast, &bc)
	if bc.StepIndex != 0 {
		t.Fatalf("First broadcast carries step %d", bc.StepIndex)
	}
	if want := r.CascadeSteps[0].HashWith(wsTestSalt); bc.ExpectedAcknowledgment != want {
		t.Errorf("Broadcast hash not sealed under the session salt")
	}

	// Acking step 0 with the server hash advances the cursor and pushes
	// step 1.
	sendEvent(t, c, models.EventStepValidationRequest, models.StepValidationRequest{
		SyncSessionID: start.SyncSessionID,
		StepIndex:     0,
		ClientHash:    bc.ExpectedAcknowledgment,
	})
	var vr models.StepValidationResponse
	recvEvent(t, c, models.EventStepValidationResponse, &vr)
	if !vr.StepValidated || vr.SyncStatus != string(cascade.StateBroadcasting) {
		t.Fatalf("Validation response: %+v", vr)
	}
	recvEvent(t, c, models.EventCascadeStepBroadcast, &bc)
	if bc.StepIndex != 1 {
		t.Errorf("Expected step 1 broadcast after ack, got step %d", bc.StepIndex)
	}
}

func TestSyncStartErrors(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour})
	c := f.client

	foreign := sealedSpin(t, wsSeedThreeStep, "player-2")
	f.srv.cache.Put(foreign)
	f.srv.cache.Wait()

	cases := []struct {
		name     string
		req      models.CascadeSyncStart
		wantCode string
	}{
		{"unknown spin", models.CascadeSyncStart{SpinID: "no-such-spin"}, gameerr.KindSessionNotFound.Code()},
		{"foreign spin", models.CascadeSyncStart{SpinID: foreign.SpinID}, gameerr.KindUnauthorized.Code()},
		{"identity mismatch", models.CascadeSyncStart{SpinID: foreign.SpinID, PlayerID: "player-2"}, gameerr.KindUnauthorized.Code()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sendEvent(t, c, models.EventCascadeSyncStart, tc.req)
			var ep models.ErrorPayload
			recvEvent(t, c, models.EventSyncSessionStart, &ep)
			if ep.Success {
				t.Fatalf("Expected error payload, got success")
			}
			if ep.Error != tc.wantCode {
				t.Errorf("Error code %q, want %q", ep.Error, tc.wantCode)
			}
		})
	}
}

func TestSyncStartFallsBackToStore(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour})
	c := f.client

	// Persisted but not cached: the cold path for reconnecting clients.
	r := sealedSpin(t, wsSeedNoSteps, wsTestPlayer)
	if err := f.store.SaveSpinResult(context.Background(), r); err != nil {
		t.Fatalf("SaveSpinResult: %v", err)
	}

	sendEvent(t, c, models.EventCascadeSyncStart, models.CascadeSyncStart{
		SpinID:          r.SpinID,
		EnableBroadcast: true,
	})
	var start models.SyncSessionStart
	recvEvent(t, c, models.EventSyncSessionStart, &start)
	if !start.Success || start.TotalSteps != 0 {
		t.Fatalf("Sync start: %+v", start)
	}
	expectQuiet(t, c) // nothing to broadcast for a zero-step spin

	sendEvent(t, c, models.EventSyncSessionComplete, models.SyncSessionComplete{
		SyncSessionID: start.SyncSessionID,
		TotalWin:      r.TotalWin,
	})
	var done models.SyncSessionCompleteResponse
	recvEvent(t, c, models.EventSyncSessionCompleteResponse, &done)
	if !done.Success || !done.Validated || done.TotalSteps != 0 {
		t.Errorf("Completion response: %+v", done)
	}
}

func TestTimeoutRetriesThenRecovery(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour, MaxRetries: 2})
	c := f.client
	r := sealedSpin(t, wsSeedThreeStep, wsTestPlayer)
	f.srv.cache.Put(r)
	f.srv.cache.Wait()

	sendEvent(t, c, models.EventCascadeSyncStart, models.CascadeSyncStart{
		SpinID:          r.SpinID,
		EnableBroadcast: true,
	})
	var start models.SyncSessionStart
	recvEvent(t, c, models.EventSyncSessionStart, &start)
	var bc models.CascadeStepBroadcast
	recvEvent(t, c, models.EventCascadeStepBroadcast, &bc)

	// Two client-reported timeouts stay inside the retry budget and
	// rebroadcast step 0 with a rising attempt counter.
	for attempt := 1; attempt <= 2; attempt++ {
		sendEvent(t, c, models.EventAcknowledgmentTimeout, models.AcknowledgmentTimeout{
			SyncSessionID: start.SyncSessionID,
			StepIndex:     0,
			TimeoutReason: "no ack before deadline",
		})
		recvEvent(t, c, models.EventCascadeStepBroadcast, &bc)
		if bc.StepIndex != 0 || bc.RetryAttempt != attempt {
			t.Fatalf("Retry %d: got step %d attempt %d", attempt, bc.StepIndex, bc.RetryAttempt)
		}
	}

	// The third timeout exhausts the budget and escalates into a
	// cascade replay covering every unacknowledged step.
	sendEvent(t, c, models.EventAcknowledgmentTimeout, models.AcknowledgmentTimeout{
		SyncSessionID: start.SyncSessionID,
		StepIndex:     0,
		TimeoutReason: "no ack before deadline",
	})
	var rd models.RecoveryData
	recvEvent(t, c, models.EventRecoveryData, &rd)
	if !rd.Success || rd.RecoveryID == "" {
		t.Fatalf("Recovery data: %+v", rd)
	}
	if rd.RecoveryType != models.RecoveryCascadeReplay {
		t.Errorf("Recovery type %s, want %s", rd.RecoveryType, models.RecoveryCascadeReplay)
	}
	if rd.DesyncType != models.DesyncType("ack_timeout") {
		t.Errorf("Desync type %s, want ack_timeout", rd.DesyncType)
	}
	if len(rd.RequiredSteps) != 3 || rd.RequiredSteps[0] != 0 {
		t.Errorf("Required steps %v, want replay from step 0", rd.RequiredSteps)
	}

	// A successful apply restores sync and resumes the broadcast.
	sendEvent(t, c, models.EventRecoveryApply, models.RecoveryApply{
		RecoveryID:     rd.RecoveryID,
		SyncSessionID:  start.SyncSessionID,
		RecoveryResult: "success",
	})
	var ar models.RecoveryApplyResponse
	recvEvent(t, c, models.EventRecoveryApplyResponse, &ar)
	if !ar.RecoverySuccessful || !ar.SyncRestored {
		t.Fatalf("Apply response: %+v", ar)
	}
	recvEvent(t, c, models.EventCascadeStepBroadcast, &bc)
	if bc.StepIndex != 0 {
		t.Errorf("Post-recovery broadcast carries step %d, want 0", bc.StepIndex)
	}
}

func TestPullModeDeliversStepsInline(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour})
	c := f.client
	r := sealedSpin(t, wsSeedThreeStep, wsTestPlayer)
	f.srv.cache.Put(r)
	f.srv.cache.Wait()

	sendEvent(t, c, models.EventCascadeSyncStart, models.CascadeSyncStart{
		SpinID:          r.SpinID,
		EnableBroadcast: false,
	})
	var start models.SyncSessionStart
	recvEvent(t, c, models.EventSyncSessionStart, &start)
	if start.BroadcastEnabled {
		t.Fatalf("Pull session reports broadcast enabled")
	}
	expectQuiet(t, c) // pull mode never pushes unprompted

	sendEvent(t, c, models.EventCascadeStepNext, models.CascadeStepNext{
		SyncSessionID: start.SyncSessionID,
		ReadyForNext:  true,
	})
	var bc models.CascadeStepBroadcast
	recvEvent(t, c, models.EventCascadeStepBroadcast, &bc)
	if bc.StepIndex != 0 {
		t.Fatalf("Requested step 0, got %d", bc.StepIndex)
	}

	sendEvent(t, c, models.EventStepValidationRequest, models.StepValidationRequest{
		SyncSessionID: start.SyncSessionID,
		StepIndex:     0,
		ClientHash:    bc.ExpectedAcknowledgment,
	})
	var vr models.StepValidationResponse
	recvEvent(t, c, models.EventStepValidationResponse, &vr)
	if !vr.StepValidated {
		t.Fatalf("Validation response: %+v", vr)
	}
	if vr.NextStepData == nil || vr.NextStepData.StepIndex != 1 {
		t.Errorf("Pull-mode ack did not carry step 1 inline: %+v", vr.NextStepData)
	}
	expectQuiet(t, c) // and no broadcast alongside the inline step
}

func TestGridValidationRoundTrip(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour})
	c := f.client
	r := sealedSpin(t, wsSeedThreeStep, wsTestPlayer)
	g := r.InitialGrid

	want := cascade.GridHash(&g, "pepper-01")
	sendEvent(t, c, models.EventGridValidationRequest, models.GridValidationRequest{
		GridState:    &g,
		ExpectedHash: want,
		Salt:         "pepper-01",
	})
	var resp models.GridValidationResponse
	recvEvent(t, c, models.EventGridValidationResponse, &resp)
	if !resp.Valid || resp.ServerHash != want {
		t.Fatalf("Matching grid rejected: %+v", resp)
	}

	sendEvent(t, c, models.EventGridValidationRequest, models.GridValidationRequest{
		GridState:    &g,
		ExpectedHash: "deadbeef",
		Salt:         "pepper-01",
	})
	recvEvent(t, c, models.EventGridValidationResponse, &resp)
	if resp.Valid || resp.Mismatch == "" {
		t.Errorf("Diverged hash accepted: %+v", resp)
	}
}

func TestCleanRunScoresPerfectReport(t *testing.T) {
	f := newWSFixture(t, cascade.SyncConfig{AckTimeout: time.Hour})
	c := f.client
	r := sealedSpin(t, wsSeedThreeStep, wsTestPlayer)
	f.srv.cache.Put(r)
	f.srv.cache.Wait()

	sendEvent(t, c, models.EventCascadeSyncStart, models.CascadeSyncStart{
		SpinID:          r.SpinID,
		EnableBroadcast: true,
	})
	var start models.SyncSessionStart
	recvEvent(t, c, models.EventSyncSessionStart, &start)

	for i := 0; i < 3; i++ {
		var bc models.CascadeStepBroadcast
		recvEvent(t, c, models.EventCascadeStepBroadcast, &bc)
		sendEvent(t, c, models.EventStepValidationRequest, models.StepValidationRequest{
			SyncSessionID: start.SyncSessionID,
			StepIndex:     i,
			ClientHash:    bc.ExpectedAcknowledgment,
		})
		var vr models.StepValidationResponse
		recvEvent(t, c, models.EventStepValidationResponse, &vr)
		if !vr.StepValidated {
			t.Fatalf("Step %d rejected: %+v", i, vr)
		}
	}

	final := r.CascadeSteps[2].GridAfter
	sendEvent(t, c, models.EventSyncSessionComplete, models.SyncSessionComplete{
		SyncSessionID:  start.SyncSessionID,
		FinalGridState: &final,
		TotalWin:       r.TotalWin,
	})
	var done models.SyncSessionCompleteResponse
	recvEvent(t, c, models.EventSyncSessionCompleteResponse, &done)
	if !done.Validated || done.TotalSteps != 3 {
		t.Fatalf("Completion response: %+v", done)
	}
	if done.PerformanceScore != 100 {
		t.Errorf("Clean run scored %.0f, want 100", done.PerformanceScore)
	}
	if len(done.PerformanceReport) == 0 {
		t.Errorf("Completion response missing performance report")
	}
}
