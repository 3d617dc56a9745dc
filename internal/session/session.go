// Package session owns per-player live state: the seed chain, free-spin
// counters, the accumulated multiplier, and references to active sync
// sessions. A Manager keyed by player id is the single mutator of that
// state; every spin for one player runs start to finish inside the
// session's lock, so wallet and counter invariants hold without further
// coordination. Operations for different players run in parallel.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/game/engine"
	"github.com/rawblock/infinity-storm/internal/game/rng"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/internal/wallet"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Session is one player's live state. All mutable fields are guarded by
// mu; Manager.Spin holds mu for the whole debit-compute-credit sequence.
type Session struct {
	ID       string
	PlayerID string

	mu       sync.Mutex
	seed     string
	seedPos  uint64
	ended    bool
	lastSeen time.Time

	freeSpinsRemaining int
	freeSpinsTotal     int
	freeSpinBet        money.Cents
	accumulated        int64

	syncSessions map[string]struct{}

	createdAt time.Time
}

// State is a point-in-time copy of a session's mutable fields.
type State struct {
	SessionID             string      `json:"sessionId"`
	PlayerID              string      `json:"playerId"`
	SeedPosition          uint64      `json:"seedPosition"`
	FreeSpinsRemaining    int         `json:"freeSpinsRemaining"`
	FreeSpinsTotal        int         `json:"freeSpinsTotal"`
	FreeSpinBet           money.Cents `json:"freeSpinBet"`
	AccumulatedMultiplier int64       `json:"accumulatedMultiplier"`
	ActiveSyncSessions    []string    `json:"activeSyncSessions,omitempty"`
	CreatedAt             time.Time   `json:"createdAt"`
	LastSeen              time.Time   `json:"lastSeen"`
}

func (s *Session) snapshot() *State {
	st := &State{
		SessionID:             s.ID,
		PlayerID:              s.PlayerID,
		SeedPosition:          s.seedPos,
		FreeSpinsRemaining:    s.freeSpinsRemaining,
		FreeSpinsTotal:        s.freeSpinsTotal,
		FreeSpinBet:           s.freeSpinBet,
		AccumulatedMultiplier: s.accumulated,
		CreatedAt:             s.createdAt,
		LastSeen:              s.lastSeen,
	}
	for id := range s.syncSessions {
		st.ActiveSyncSessions = append(st.ActiveSyncSessions, id)
	}
	return st
}

// SpinRequest is the session-level spin input. FreeSpinsHint carries the
// client's advisory freeSpinsActive flag; when set it must agree with
// the session's actual mode.
type SpinRequest struct {
	Bet           money.Cents
	QuickSpin     bool
	FreeSpinsHint *bool
}

// SpinOutcome bundles the sealed result with the post-spin session and
// wallet state the transport layer reports back to the client.
type SpinOutcome struct {
	Result                *models.SpinResult
	Balance               money.Cents
	FreeSpinsRemaining    int
	FreeSpinsTotal        int
	AccumulatedMultiplier int64
}

// Manager is the session registry. One active session per player;
// logging in again replaces the previous session.
type Manager struct {
	store  db.Store
	wallet *wallet.Service
	engine *engine.Engine
	log    logger.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	newSeed       func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(*Manager)

// WithClock fixes the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIdleTimeout overrides how long a session may sit untouched before
// the sweeper destroys it.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.idleTimeout = d
		if d/4 < m.sweepInterval {
			m.sweepInterval = d / 4
		}
	}
}

// WithSeedSource overrides the session-seed generator. Tests inject
// fixed seeds to make whole spin sequences reproducible.
func WithSeedSource(f func() string) Option {
	return func(m *Manager) { m.newSeed = f }
}

func NewManager(store db.Store, w *wallet.Service, eng *engine.Engine, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		wallet:        w,
		engine:        eng,
		log:           log.Component("session"),
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		newSeed:       rng.NewSeed,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login creates the player's session, replacing any existing one. The
// session seed is the root of the spin seed chain; position starts at 0.
func (m *Manager) Login(ctx context.Context, playerID string) (*State, error) {
	if _, err := m.store.GetPlayer(ctx, playerID); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		PlayerID:     playerID,
		seed:         m.newSeed(),
		accumulated:  1,
		syncSessions: make(map[string]struct{}),
		createdAt:    now,
		lastSeen:     now,
	}

	if err := m.store.SaveSession(ctx, &db.SessionRecord{
		ID:          s.ID,
		PlayerID:    playerID,
		SessionSeed: s.seed,
		StartedAt:   now,
		LastSeenAt:  now,
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev := m.sessions[playerID]
	m.sessions[playerID] = s
	if prev != nil {
		prev.mu.Lock()
		prev.ended = true
		prev.mu.Unlock()
	}
	m.mu.Unlock()

	if prev != nil {
		m.endSession(ctx, prev, "replaced by new login")
	}

	m.log.Info().Str("player", playerID).Str("session", s.ID).Msg("session started")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Logout destroys the player's session.
func (m *Manager) Logout(ctx context.Context, playerID string) error {
	m.mu.Lock()
	s := m.sessions[playerID]
	if s != nil {
		delete(m.sessions, playerID)
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
	}
	m.mu.Unlock()

	if s == nil {
		return gameerr.New(gameerr.KindSessionNotFound, "no active session for player %s", playerID)
	}
	m.endSession(ctx, s, "logout")
	return nil
}

// State returns a snapshot of the player's session.
func (m *Manager) State(playerID string) (*State, error) {
	m.mu.RLock()
	s := m.sessions[playerID]
	m.mu.RUnlock()
	if s == nil {
		return nil, gameerr.New(gameerr.KindSessionNotFound, "no active session for player %s", playerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Count reports how many sessions are live.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AttachSync records a sync session against the player for fan-out and
// cleanup bookkeeping.
func (m *Manager) AttachSync(playerID, syncSessionID string) error {
	m.mu.RLock()
	s := m.sessions[playerID]
	m.mu.RUnlock()
	if s == nil {
		return gameerr.New(gameerr.KindSessionNotFound, "no active session for player %s", playerID)
	}
	s.mu.Lock()
	s.syncSessions[syncSessionID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// DetachSync drops a finished sync session. Unknown ids are ignored.
func (m *Manager) DetachSync(playerID, syncSessionID string) {
	m.mu.RLock()
	s := m.sessions[playerID]
	m.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.syncSessions, syncSessionID)
	s.mu.Unlock()
}

// Spin runs one complete spin inside the player's serialization region:
// debit the bet (base mode), advance the seed chain, compute the result,
// persist it, credit the win, and fold the outcome back into the
// session's free-spin counters and accumulated multiplier.
func (m *Manager) Spin(ctx context.Context, playerID string, req SpinRequest) (*SpinOutcome, error) {
	m.mu.RLock()
	s := m.sessions[playerID]
	m.mu.RUnlock()
	if s == nil {
		return nil, gameerr.New(gameerr.KindSessionNotFound, "no active session for player %s", playerID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, gameerr.New(gameerr.KindSessionNotFound, "session %s has ended", s.ID)
	}
	s.lastSeen = m.now().UTC()

	freeSpin := s.freeSpinsRemaining > 0
	if req.FreeSpinsHint != nil && *req.FreeSpinsHint != freeSpin {
		return nil, gameerr.New(gameerr.KindInvalidBet,
			"free-spins state mismatch: client says %t, session has %d remaining",
			*req.FreeSpinsHint, s.freeSpinsRemaining)
	}

	bet := req.Bet
	mode := models.GameModeBase
	accumulated := int64(1)
	if freeSpin {
		// Free spins replay the triggering bet; the client's amount is
		// advisory only.
		bet = s.freeSpinBet
		mode = models.GameModeFree
		accumulated = s.accumulated
	} else if bet <= 0 {
		return nil, gameerr.New(gameerr.KindInvalidBet, "bet must be positive, got %s", bet)
	}

	spinID := uuid.NewString()

	if !freeSpin {
		if _, err := m.wallet.ProcessBet(ctx, playerID, bet, spinID); err != nil {
			return nil, err
		}
	}

	// The position is consumed whether or not the engine succeeds:
	// retrying a deterministic failure on the same seed would fail the
	// same way forever.
	seed := rng.ChildSeed(s.seed, s.seedPos)
	s.seedPos++

	result, err := m.engine.ComputeSpin(ctx, engine.SpinParams{
		SpinID:      spinID,
		PlayerID:    playerID,
		SessionID:   s.ID,
		Bet:         bet,
		Mode:        mode,
		Accumulated: accumulated,
		Seed:        seed,
		QuickSpin:   req.QuickSpin,
	})
	if err != nil {
		m.refundAfterAbort(ctx, playerID, bet, spinID, freeSpin)
		m.touch(ctx, s)
		return nil, err
	}

	if err := m.store.SaveSpinResult(ctx, result); err != nil {
		m.refundAfterAbort(ctx, playerID, bet, spinID, freeSpin)
		m.touch(ctx, s)
		return nil, gameerr.Wrap(gameerr.KindUnknown, err, "persist spin result %s", spinID)
	}

	if result.TotalWin > 0 {
		if _, err := m.wallet.ProcessWin(ctx, playerID, result.TotalWin, spinID); err != nil {
			// The sealed result is already on record; the ledger gap is
			// recoverable by reference_spin_id.
			m.log.Error().Err(err).Str("player", playerID).Str("spin", spinID).
				Str("win", result.TotalWin.String()).Msg("win credit failed after persist")
			return nil, err
		}
	}

	if freeSpin {
		s.freeSpinsRemaining--
		if result.FreeSpinsTriggered {
			s.freeSpinsRemaining += result.FreeSpinsAwarded
			s.freeSpinsTotal += result.FreeSpinsAwarded
		}
		s.accumulated = result.AccumulatedOut
		if s.freeSpinsRemaining == 0 {
			s.freeSpinsTotal = 0
			s.freeSpinBet = 0
			s.accumulated = 1
		}
	} else if result.FreeSpinsTriggered {
		s.freeSpinsRemaining = result.FreeSpinsAwarded
		s.freeSpinsTotal = result.FreeSpinsAwarded
		s.freeSpinBet = bet
		s.accumulated = 1
	}

	m.touch(ctx, s)

	balance, err := m.wallet.GetBalance(ctx, playerID)
	if err != nil {
		return nil, err
	}

	m.log.Info().Str("player", playerID).Str("spin", spinID).
		Str("mode", string(mode)).Str("bet", bet.String()).
		Str("win", result.TotalWin.String()).Int("cascades", len(result.CascadeSteps)).
		Msg("spin settled")

	return &SpinOutcome{
		Result:                result,
		Balance:               balance,
		FreeSpinsRemaining:    s.freeSpinsRemaining,
		FreeSpinsTotal:        s.freeSpinsTotal,
		AccumulatedMultiplier: s.accumulated,
	}, nil
}

func (m *Manager) refundAfterAbort(ctx context.Context, playerID string, bet money.Cents, spinID string, freeSpin bool) {
	if freeSpin {
		return
	}
	if _, err := m.wallet.RefundBet(ctx, playerID, bet, spinID); err != nil {
		m.log.Error().Err(err).Str("player", playerID).Str("spin", spinID).
			Msg("bet refund failed after aborted spin")
	}
}

// touch persists lastSeen and the seed position. Caller holds s.mu.
func (m *Manager) touch(ctx context.Context, s *Session) {
	if err := m.store.TouchSession(ctx, s.ID, s.lastSeen, s.seedPos); err != nil {
		m.log.Warn().Err(err).Str("session", s.ID).Msg("session touch not persisted")
	}
}

func (m *Manager) endSession(ctx context.Context, s *Session, why string) {
	endedAt := m.now().UTC()
	if err := m.store.EndSession(ctx, s.ID, endedAt); err != nil {
		m.log.Warn().Err(err).Str("session", s.ID).Msg("session end not persisted")
	}
	s.mu.Lock()
	syncCount := len(s.syncSessions)
	s.mu.Unlock()
	m.log.Info().Str("player", s.PlayerID).Str("session", s.ID).
		Int("active_syncs", syncCount).Str("reason", why).Msg("session ended")
}

// Run sweeps idle sessions until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	m.log.Info().Dur("idle_timeout", m.idleTimeout).Msg("session sweeper running")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("session sweeper stopped")
			return
		case <-ticker.C:
			m.SweepIdle(ctx)
		}
	}
}

// SweepIdle destroys every session idle past the configured timeout and
// reports how many went.
func (m *Manager) SweepIdle(ctx context.Context) int {
	cutoff := m.now().UTC().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*Session
	for playerID, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastSeen.Before(cutoff)
		if idle {
			s.ended = true
		}
		s.mu.Unlock()
		if idle {
			delete(m.sessions, playerID)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.endSession(ctx, s, "idle timeout")
	}
	return len(expired)
}
