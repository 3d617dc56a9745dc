// Package wallet owns all balance movement. Every mutation flows
// through one of its Process* operations, each of which produces
// exactly one immutable ledger transaction, so the ledger replays to
// the balance by construction.
package wallet

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// lockStripes bounds lock memory regardless of player count. Distinct
// players may share a stripe; that only costs parallelism, never
// correctness.
const lockStripes = 64

// Service applies wallet operations over a Store. Per-player
// serialization comes from striped mutexes: two operations for the same
// player never interleave, so balance reads inside ApplyTransaction are
// race-free even on the in-memory store.
type Service struct {
	store db.Store
	log   logger.Logger

	stripes [lockStripes]sync.Mutex
}

// New builds the wallet service.
func New(store db.Store, log logger.Logger) *Service {
	return &Service{store: store, log: log.Component("wallet")}
}

func (s *Service) lockFor(playerID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(playerID))
	return &s.stripes[h.Sum32()%lockStripes]
}

func (s *Service) apply(ctx context.Context, tx *models.WalletTransaction) (*models.WalletTransaction, error) {
	mu := s.lockFor(tx.PlayerID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.ApplyTransaction(ctx, tx); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("player", tx.PlayerID).
		Str("type", string(tx.Type)).
		Str("amount", tx.Amount.String()).
		Str("balance", tx.BalanceAfter.String()).
		Msg("transaction applied")
	return tx, nil
}

// ProcessBet debits a bet. Amount is the positive bet size; the ledger
// row carries it negated. Fails with InsufficientFunds when the balance
// does not cover, leaving no trace.
func (s *Service) ProcessBet(ctx context.Context, playerID string, amount money.Cents, refSpinID string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, gameerr.New(gameerr.KindInvalidBet, "bet amount must be positive, got %s", amount)
	}
	return s.apply(ctx, &models.WalletTransaction{
		TxID:            uuid.NewString(),
		PlayerID:        playerID,
		Type:            models.TxBet,
		Amount:          amount.Neg(),
		ReferenceSpinID: refSpinID,
	})
}

// ProcessWin credits a spin win.
func (s *Service) ProcessWin(ctx context.Context, playerID string, amount money.Cents, refSpinID string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, gameerr.New(gameerr.KindInvalidBet, "win amount must be positive, got %s", amount)
	}
	return s.apply(ctx, &models.WalletTransaction{
		TxID:            uuid.NewString(),
		PlayerID:        playerID,
		Type:            models.TxWin,
		Amount:          amount,
		ReferenceSpinID: refSpinID,
	})
}

// ProcessPurchase debits a feature purchase.
func (s *Service) ProcessPurchase(ctx context.Context, playerID string, cost money.Cents, product string) (*models.WalletTransaction, error) {
	if cost <= 0 {
		return nil, gameerr.New(gameerr.KindInvalidBet, "purchase cost must be positive, got %s", cost)
	}
	return s.apply(ctx, &models.WalletTransaction{
		TxID:     uuid.NewString(),
		PlayerID: playerID,
		Type:     models.TxPurchase,
		Amount:   cost.Neg(),
		Reason:   product,
	})
}

// ProcessAdjustment applies a signed admin correction. The actor is
// recorded on the ledger row; engine-initiated refunds pass a synthetic
// actor such as "system:engine".
func (s *Service) ProcessAdjustment(ctx context.Context, playerID string, amount money.Cents, reason, actor string) (*models.WalletTransaction, error) {
	if amount == 0 {
		return nil, gameerr.New(gameerr.KindInvalidBet, "adjustment amount must be non-zero")
	}
	if actor == "" {
		return nil, gameerr.New(gameerr.KindAdminRequired, "adjustment requires an actor")
	}
	return s.apply(ctx, &models.WalletTransaction{
		TxID:     uuid.NewString(),
		PlayerID: playerID,
		Type:     models.TxAdjustment,
		Amount:   amount,
		Reason:   reason,
		Actor:    actor,
	})
}

// RefundBet reverses a debited bet after an engine failure. It is an
// adjustment attributed to the engine, referencing the failed spin.
func (s *Service) RefundBet(ctx context.Context, playerID string, amount money.Cents, refSpinID string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, gameerr.New(gameerr.KindInvalidBet, "refund amount must be positive, got %s", amount)
	}
	tx := &models.WalletTransaction{
		TxID:            uuid.NewString(),
		PlayerID:        playerID,
		Type:            models.TxAdjustment,
		Amount:          amount,
		ReferenceSpinID: refSpinID,
		Reason:          "bet refund after aborted spin",
		Actor:           "system:engine",
	}
	out, err := s.apply(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.log.Warn().Str("player", playerID).Str("spin", refSpinID).
		Str("amount", amount.String()).Msg("bet refunded after aborted spin")
	return out, nil
}

// GetBalance returns the player's current balance.
func (s *Service) GetBalance(ctx context.Context, playerID string) (money.Cents, error) {
	p, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// GetTransactions pages the player's ledger.
func (s *Service) GetTransactions(ctx context.Context, playerID string, f db.TxFilter) ([]models.WalletTransaction, int, error) {
	return s.store.ListTransactions(ctx, playerID, f)
}

// Stats aggregates the player's lifetime betting figures.
func (s *Service) Stats(ctx context.Context, playerID string) (*models.WalletStats, error) {
	return s.store.WalletStats(ctx, playerID)
}

// ValidateConsistency replays the player's full ledger and checks three
// invariants: each row's balanceAfter = balanceBefore + amount, rows
// chain (next balanceBefore = previous balanceAfter), and the final
// balanceAfter equals the stored balance.
func (s *Service) ValidateConsistency(ctx context.Context, playerID string) (*models.ConsistencyReport, error) {
	mu := s.lockFor(playerID)
	mu.Lock()
	defer mu.Unlock()

	player, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.AllTransactions(ctx, playerID)
	if err != nil {
		return nil, err
	}

	report := &models.ConsistencyReport{
		PlayerID:      playerID,
		Valid:         true,
		StoredBalance: player.Balance,
	}

	var running money.Cents
	for i, tx := range txs {
		if i > 0 && tx.BalanceBefore != running {
			report.Valid = false
			report.FirstMismatchTxID = tx.TxID
			report.Detail = "ledger rows do not chain: balanceBefore diverges from prior balanceAfter"
			break
		}
		if tx.BalanceAfter != tx.BalanceBefore+tx.Amount {
			report.Valid = false
			report.FirstMismatchTxID = tx.TxID
			report.Detail = "row arithmetic broken: balanceAfter != balanceBefore + amount"
			break
		}
		running = tx.BalanceAfter
		report.TransactionsValidated++
	}

	report.ComputedBalance = running
	if report.Valid && len(txs) > 0 && running != player.Balance {
		report.Valid = false
		report.Detail = "stored balance diverges from ledger replay"
	}
	if report.Valid && len(txs) == 0 {
		report.ComputedBalance = player.Balance
	}
	return report, nil
}
