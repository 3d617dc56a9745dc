package cascade

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/infinity-storm/internal/game/rng"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/pkg/models"
)

// Synchronizer is the sync-session registry. Transport code and the
// session layer address sessions by syncSessionId or playerId through
// it rather than holding references to one another.
type Synchronizer struct {
	cfg     SyncConfig
	log     logger.Logger
	now     func() time.Time
	newSalt func() string

	mu       sync.RWMutex
	byID     map[string]*SyncSession
	bySpin   map[string]*SyncSession
	byPlayer map[string]map[string]*SyncSession
}

type SyncOption func(*Synchronizer)

// WithSyncClock fixes the synchronizer's time source.
func WithSyncClock(now func() time.Time) SyncOption {
	return func(y *Synchronizer) { y.now = now }
}

// WithSaltSource overrides validation-salt generation so tests can pin
// server hashes.
func WithSaltSource(f func() string) SyncOption {
	return func(y *Synchronizer) { y.newSalt = f }
}

func NewSynchronizer(cfg SyncConfig, log logger.Logger, opts ...SyncOption) *Synchronizer {
	def := DefaultSyncConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if cfg.RecoveryBackoffMin <= 0 {
		cfg.RecoveryBackoffMin = def.RecoveryBackoffMin
	}
	if cfg.RecoveryBackoffMax <= 0 {
		cfg.RecoveryBackoffMax = def.RecoveryBackoffMax
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	y := &Synchronizer{
		cfg:      cfg,
		log:      log.Component("cascade"),
		now:      time.Now,
		newSalt:  rng.NewSeed,
		byID:     make(map[string]*SyncSession),
		bySpin:   make(map[string]*SyncSession),
		byPlayer: make(map[string]map[string]*SyncSession),
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// Config returns the protocol configuration sessions are created with.
func (y *Synchronizer) Config() SyncConfig { return y.cfg }

// Start opens a sync session over a sealed spin result. An active
// session for the same spin is superseded.
func (y *Synchronizer) Start(result *models.SpinResult, broadcast bool) (*SyncSession, error) {
	if result == nil || result.ValidationHash == "" {
		return nil, gameerr.New(gameerr.KindValidationMismatch,
			"sync session requires a sealed spin result")
	}

	s := newSyncSession(uuid.NewString(), result, y.newSalt(), broadcast, y.cfg, y.now)

	y.mu.Lock()
	prev := y.bySpin[result.SpinID]
	if prev != nil {
		y.delistLocked(prev)
	}
	y.byID[s.ID] = s
	y.bySpin[result.SpinID] = s
	sessions := y.byPlayer[result.PlayerID]
	if sessions == nil {
		sessions = make(map[string]*SyncSession)
		y.byPlayer[result.PlayerID] = sessions
	}
	sessions[s.ID] = s
	y.mu.Unlock()

	if prev != nil {
		prev.Fail("superseded by new sync session")
	}

	y.log.Debug().Str("sync", s.ID).Str("spin", result.SpinID).
		Str("player", result.PlayerID).Int("steps", len(result.CascadeSteps)).
		Bool("broadcast", broadcast).Msg("sync session started")
	return s, nil
}

// Get resolves a sync session id.
func (y *Synchronizer) Get(syncSessionID string) (*SyncSession, error) {
	y.mu.RLock()
	s := y.byID[syncSessionID]
	y.mu.RUnlock()
	if s == nil {
		return nil, gameerr.New(gameerr.KindSessionNotFound,
			"unknown sync session %s", syncSessionID)
	}
	return s, nil
}

// Remove delists a finished session. The session value itself is left
// in whatever terminal state it reached.
func (y *Synchronizer) Remove(syncSessionID string) {
	y.mu.Lock()
	if s, ok := y.byID[syncSessionID]; ok {
		y.delistLocked(s)
	}
	y.mu.Unlock()
}

// FailPlayer fails and delists every session belonging to a player.
// The transport calls this on socket disconnect.
func (y *Synchronizer) FailPlayer(playerID, reason string) int {
	y.mu.Lock()
	var victims []*SyncSession
	for _, s := range y.byPlayer[playerID] {
		victims = append(victims, s)
	}
	for _, s := range victims {
		y.delistLocked(s)
	}
	y.mu.Unlock()

	for _, s := range victims {
		s.Fail(reason)
	}
	if len(victims) > 0 {
		y.log.Info().Str("player", playerID).Int("sessions", len(victims)).
			Str("reason", reason).Msg("sync sessions failed")
	}
	return len(victims)
}

// Count reports how many sessions are registered.
func (y *Synchronizer) Count() int {
	y.mu.RLock()
	defer y.mu.RUnlock()
	return len(y.byID)
}

// SweepIdle fails and delists sessions without activity for maxIdle.
func (y *Synchronizer) SweepIdle(maxIdle time.Duration) int {
	cutoff := y.now().UTC().Add(-maxIdle)

	y.mu.Lock()
	var victims []*SyncSession
	for _, s := range y.byID {
		if s.IdleSince(cutoff) {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		y.delistLocked(s)
	}
	y.mu.Unlock()

	for _, s := range victims {
		s.Fail("idle timeout")
	}
	if len(victims) > 0 {
		y.log.Info().Int("sessions", len(victims)).Msg("idle sync sessions swept")
	}
	return len(victims)
}

// delistLocked removes a session from every index. Caller holds mu.
func (y *Synchronizer) delistLocked(s *SyncSession) {
	delete(y.byID, s.ID)
	if y.bySpin[s.SpinID] == s {
		delete(y.bySpin, s.SpinID)
	}
	if sessions := y.byPlayer[s.PlayerID]; sessions != nil {
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(y.byPlayer, s.PlayerID)
		}
	}
}
