package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// MemoryStore is the in-process Store. It backs demo mode (no
// DATABASE_URL) and every test that needs persistence without a
// database. One RWMutex over plain maps is enough: the wallet layer
// already serializes per player, and demo traffic is light.
type MemoryStore struct {
	mu           sync.RWMutex
	players      map[string]*models.Player
	transactions map[string][]models.WalletTransaction // by player, append order
	spins        map[string]*models.SpinResult
	spinOrder    []string // spin ids in save order
	sessions     map[string]*SessionRecord
	now          func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		players:      make(map[string]*models.Player),
		transactions: make(map[string][]models.WalletTransaction),
		spins:        make(map[string]*models.SpinResult),
		sessions:     make(map[string]*SessionRecord),
		now:          time.Now,
	}
}

// SetClock pins the store's clock. Tests use it to make CreatedAt
// stamps predictable.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SeedDemoPlayers creates the demo roster if absent: one regular
// player and one admin, both funded.
func (s *MemoryStore) SeedDemoPlayers(ctx context.Context) error {
	demo := []models.Player{
		{ID: "demo-player", Username: "demo", Balance: money.MustParse("1000.00")},
		{ID: "demo-admin", Username: "admin", Balance: money.MustParse("1000.00"), IsAdmin: true},
	}
	for i := range demo {
		if _, err := s.GetPlayer(ctx, demo[i].ID); err == nil {
			continue
		}
		if err := s.CreatePlayer(ctx, &demo[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close()                         {}

// GetPlayer returns a copy of the player row.
func (s *MemoryStore) GetPlayer(ctx context.Context, playerID string) (*models.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[playerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetPlayerByUsername returns a copy of the player row.
func (s *MemoryStore) GetPlayerByUsername(ctx context.Context, username string) (*models.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.players {
		if p.Username == username {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreatePlayer inserts a new player.
func (s *MemoryStore) CreatePlayer(ctx context.Context, p *models.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.players[p.ID]; exists {
		return gameerr.New(gameerr.KindUnknown, "player %s already exists", p.ID)
	}
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	s.players[p.ID] = &cp
	return nil
}

// ApplyTransaction checks funds, moves the balance and appends the
// ledger row under the store mutex.
func (s *MemoryStore) ApplyTransaction(ctx context.Context, wtx *models.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[wtx.PlayerID]
	if !ok {
		return ErrNotFound
	}
	after := p.Balance + wtx.Amount
	if after < 0 {
		return gameerr.New(gameerr.KindInsufficientFunds,
			"balance %s does not cover %s", p.Balance, wtx.Amount.Neg())
	}

	wtx.BalanceBefore = p.Balance
	wtx.BalanceAfter = after
	wtx.CreatedAt = s.now().UTC()
	p.Balance = after
	p.UpdatedAt = wtx.CreatedAt

	s.transactions[wtx.PlayerID] = append(s.transactions[wtx.PlayerID], *wtx)
	return nil
}

// ListTransactions pages the ledger newest first.
func (s *MemoryStore) ListTransactions(ctx context.Context, playerID string, f TxFilter) ([]models.WalletTransaction, int, error) {
	f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.WalletTransaction, 0)
	for _, t := range s.transactions[playerID] {
		if f.Type == "" || t.Type == f.Type {
			matched = append(matched, t)
		}
	}
	// Ledger is stored oldest first; history reads newest first.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start >= total {
		return []models.WalletTransaction{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// AllTransactions returns the full ledger oldest first.
func (s *MemoryStore) AllTransactions(ctx context.Context, playerID string) ([]models.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WalletTransaction, len(s.transactions[playerID]))
	copy(out, s.transactions[playerID])
	return out, nil
}

// WalletStats aggregates the lifetime ledger.
func (s *MemoryStore) WalletStats(ctx context.Context, playerID string) (*models.WalletStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.WalletStats{PlayerID: playerID}
	for _, t := range s.transactions[playerID] {
		switch t.Type {
		case models.TxBet:
			stats.TotalBets -= t.Amount // bet amounts are negative
			stats.SpinCount++
		case models.TxWin:
			stats.TotalWins += t.Amount
		}
	}
	stats.NetResult = stats.TotalWins - stats.TotalBets
	if stats.TotalBets > 0 {
		stats.ObservedRTP = float64(stats.TotalWins) / float64(stats.TotalBets)
	}
	return stats, nil
}

// SaveSpinResult stores the sealed result.
func (s *MemoryStore) SaveSpinResult(ctx context.Context, r *models.SpinResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.spins[r.SpinID]; exists {
		return gameerr.New(gameerr.KindUnknown, "spin %s already persisted", r.SpinID)
	}
	cp := *r
	s.spins[r.SpinID] = &cp
	s.spinOrder = append(s.spinOrder, r.SpinID)
	return nil
}

// GetSpinResult loads one sealed result.
func (s *MemoryStore) GetSpinResult(ctx context.Context, spinID string) (*models.SpinResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.spins[spinID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListSpinHistory pages a player's spins by bet time.
func (s *MemoryStore) ListSpinHistory(ctx context.Context, playerID string, page, limit int, order string) ([]models.SpinHistoryEntry, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	if order == "" {
		order = "desc"
	}
	if order != "asc" && order != "desc" {
		return nil, 0, gameerr.New(gameerr.KindUnknown, "invalid order: %s", order)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.SpinHistoryEntry, 0)
	for _, id := range s.spinOrder {
		r := s.spins[id]
		if r.PlayerID != playerID {
			continue
		}
		entries = append(entries, models.SpinHistoryEntry{
			BetTime:   r.Timestamp,
			SpinID:    r.SpinID,
			BetAmount: r.BetAmount,
			TotalWin:  r.TotalWin,
			GameMode:  r.GameMode,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if order == "asc" {
			return entries[i].BetTime.Before(entries[j].BetTime)
		}
		return entries[i].BetTime.After(entries[j].BetTime)
	})

	total := len(entries)
	start := (page - 1) * limit
	if start >= total {
		return []models.SpinHistoryEntry{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return entries[start:end], total, nil
}

// ListSpinResultsBetween returns results in [from, to) oldest first.
func (s *MemoryStore) ListSpinResultsBetween(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.SpinResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.SpinResult, 0)
	for _, id := range s.spinOrder {
		r := s.spins[id]
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return strings.Compare(matched[i].SpinID, matched[j].SpinID) < 0
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if offset >= len(matched) {
		return []*models.SpinResult{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// SaveSession upserts the session row.
func (s *MemoryStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.sessions[rec.ID] = &cp
	return nil
}

// TouchSession advances liveness and seed position.
func (s *MemoryStore) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time, seedPosition uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.LastSeenAt = lastSeen
	rec.SeedPosition = seedPosition
	return nil
}

// EndSession stamps the end time.
func (s *MemoryStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.EndedAt = &endedAt
	rec.LastSeenAt = endedAt
	return nil
}

// GetSession returns a copy of the stored session row. Tests and the
// session manager's resume path use it.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// interface conformance
var _ Store = (*MemoryStore)(nil)
