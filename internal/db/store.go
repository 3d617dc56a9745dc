package db

import (
	"context"
	"errors"
	"time"

	"github.com/rawblock/infinity-storm/pkg/models"
)

// ErrNotFound is returned for lookups of rows that do not exist. Both
// store implementations return this exact value so callers can branch
// with errors.Is.
var ErrNotFound = errors.New("db: not found")

// TxFilter narrows and pages a transaction history query.
type TxFilter struct {
	Type  models.TxType // empty matches all types
	Page  int           // 1-based
	Limit int
}

// Normalize clamps paging to sane bounds, mirroring the API defaults.
func (f *TxFilter) Normalize() {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Page < 1 {
		f.Page = 1
	}
}

// SessionRecord is the persisted view of a game session: enough to
// resume the seed chain and to audit which spins belonged to it.
type SessionRecord struct {
	ID           string
	PlayerID     string
	SessionSeed  string
	SeedPosition uint64
	StartedAt    time.Time
	LastSeenAt   time.Time
	EndedAt      *time.Time
}

// Store is the persistence boundary of the game server. PostgresStore
// implements it over pgx for production; MemoryStore implements it for
// tests and for demo mode without a database. All balance arithmetic
// happens inside ApplyTransaction under the store's atomicity
// guarantee, so a crash never splits a balance update from its ledger
// row.
type Store interface {
	// Players
	GetPlayer(ctx context.Context, playerID string) (*models.Player, error)
	GetPlayerByUsername(ctx context.Context, username string) (*models.Player, error)
	CreatePlayer(ctx context.Context, p *models.Player) error

	// Wallet. ApplyTransaction atomically checks funds, moves the
	// balance and appends the ledger row. It fills BalanceBefore,
	// BalanceAfter and CreatedAt on the passed transaction and returns
	// gameerr.KindInsufficientFunds when the debit does not cover.
	ApplyTransaction(ctx context.Context, tx *models.WalletTransaction) error
	ListTransactions(ctx context.Context, playerID string, f TxFilter) ([]models.WalletTransaction, int, error)
	AllTransactions(ctx context.Context, playerID string) ([]models.WalletTransaction, error)
	WalletStats(ctx context.Context, playerID string) (*models.WalletStats, error)

	// Spins
	SaveSpinResult(ctx context.Context, r *models.SpinResult) error
	GetSpinResult(ctx context.Context, spinID string) (*models.SpinResult, error)
	ListSpinHistory(ctx context.Context, playerID string, page, limit int, order string) ([]models.SpinHistoryEntry, int, error)
	ListSpinResultsBetween(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.SpinResult, error)

	// Sessions
	SaveSession(ctx context.Context, s *SessionRecord) error
	TouchSession(ctx context.Context, sessionID string, lastSeen time.Time, seedPosition uint64) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// Health
	Ping(ctx context.Context) error
	Close()
}
