package models

import (
	"time"

	"github.com/rawblock/infinity-storm/pkg/money"
)

// TxType enumerates the wallet transaction kinds.
type TxType string

const (
	TxBet        TxType = "bet"        // amount strictly negative
	TxWin        TxType = "win"        // amount strictly positive
	TxAdjustment TxType = "adjustment" // signed, admin only, actor recorded
	TxPurchase   TxType = "purchase"   // amount strictly negative
)

// WalletTransaction is one immutable ledger entry. For every entry
// balanceAfter = balanceBefore + amount, and the ordered sum of a
// player's amounts equals their stored balance.
type WalletTransaction struct {
	TxID            string      `json:"txId"`
	PlayerID        string      `json:"playerId"`
	Type            TxType      `json:"type"`
	Amount          money.Cents `json:"amount"` // signed
	ReferenceSpinID string      `json:"referenceSpinId,omitempty"`
	BalanceBefore   money.Cents `json:"balanceBefore"`
	BalanceAfter    money.Cents `json:"balanceAfter"`
	Reason          string      `json:"reason,omitempty"` // adjustments and purchases
	Actor           string      `json:"actor,omitempty"`  // admin identity for adjustments
	CreatedAt       time.Time   `json:"createdAt"`
}

// Player is the persistent player row.
type Player struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Balance   money.Cents `json:"balance"`
	IsAdmin   bool        `json:"isAdmin,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// ConsistencyReport is the outcome of replaying a player's ledger
// against their stored balance.
type ConsistencyReport struct {
	PlayerID              string      `json:"playerId"`
	Valid                 bool        `json:"valid"`
	TransactionsValidated int         `json:"transactionsValidated"`
	StoredBalance         money.Cents `json:"storedBalance"`
	ComputedBalance       money.Cents `json:"computedBalance"`
	FirstMismatchTxID     string      `json:"firstMismatchTxId,omitempty"`
	Detail                string      `json:"detail,omitempty"`
}

// WalletStats aggregates a player's lifetime ledger for the stats
// endpoint.
type WalletStats struct {
	PlayerID    string      `json:"playerId"`
	TotalBets   money.Cents `json:"totalBets"`
	TotalWins   money.Cents `json:"totalWins"`
	NetResult   money.Cents `json:"netResult"`
	SpinCount   int         `json:"spinCount"`
	ObservedRTP float64     `json:"observedRtp"`
}

// SpinHistoryEntry is one row of the paginated spin history.
type SpinHistoryEntry struct {
	BetTime   time.Time   `json:"bet_time"`
	SpinID    string      `json:"spin_id"`
	BetAmount money.Cents `json:"bet_amount"`
	TotalWin  money.Cents `json:"total_win"`
	GameMode  GameMode    `json:"game_mode"`
}
