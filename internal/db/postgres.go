package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// schemaSQL is compiled into the binary at build time, so schema init
// works inside the runtime image which does not carry the source tree.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// Connect initializes the connection pool and verifies it with a ping.
func Connect(ctx context.Context, connStr string, log logger.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Info().Msg("Connected to PostgreSQL")
	return &PostgresStore{pool: pool, log: log}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports pool health for the /health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.Info().Msg("Game schema initialized")
	return nil
}

const playerColumns = `id, username, balance_cents, is_admin, created_at, updated_at`

func scanPlayer(row pgx.Row) (*models.Player, error) {
	var p models.Player
	var balance int64
	if err := row.Scan(&p.ID, &p.Username, &balance, &p.IsAdmin, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Balance = money.Cents(balance)
	return &p, nil
}

// GetPlayer loads one player row by id.
func (s *PostgresStore) GetPlayer(ctx context.Context, playerID string) (*models.Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE id = $1`, playerID)
	return scanPlayer(row)
}

// GetPlayerByUsername loads one player row by username.
func (s *PostgresStore) GetPlayerByUsername(ctx context.Context, username string) (*models.Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE username = $1`, username)
	return scanPlayer(row)
}

// CreatePlayer inserts a new player row.
func (s *PostgresStore) CreatePlayer(ctx context.Context, p *models.Player) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO players (id, username, balance_cents, is_admin)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		p.ID, p.Username, int64(p.Balance), p.IsAdmin)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert player: %w", err)
	}
	return nil
}

// ApplyTransaction moves a player's balance and appends the ledger row
// in one database transaction. The player row is locked FOR UPDATE for
// the duration, which serializes concurrent bets at the database even
// if multiple server instances share the pool.
func (s *PostgresStore) ApplyTransaction(ctx context.Context, wtx *models.WalletTransaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance_cents FROM players WHERE id = $1 FOR UPDATE`,
		wtx.PlayerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	before := money.Cents(balance)
	after := before + wtx.Amount
	if after < 0 {
		return gameerr.New(gameerr.KindInsufficientFunds,
			"balance %s does not cover %s", before, wtx.Amount.Neg())
	}

	if _, err := tx.Exec(ctx,
		`UPDATE players SET balance_cents = $1, updated_at = NOW() WHERE id = $2`,
		int64(after), wtx.PlayerID); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	wtx.BalanceBefore = before
	wtx.BalanceAfter = after
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions
			(id, player_id, type, amount_cents, reference_spin_id,
			 balance_before_cents, balance_after_cents, reason, actor)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), NULLIF($9, ''))
		RETURNING created_at`,
		wtx.TxID, wtx.PlayerID, string(wtx.Type), int64(wtx.Amount), wtx.ReferenceSpinID,
		int64(before), int64(after), wtx.Reason, wtx.Actor).Scan(&wtx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return tx.Commit(ctx)
}

const txColumns = `id, player_id, type, amount_cents, reference_spin_id,
	balance_before_cents, balance_after_cents, reason, actor, created_at`

func scanTransaction(rows pgx.Rows) (models.WalletTransaction, error) {
	var t models.WalletTransaction
	var amount, before, after int64
	var refSpin, reason, actor *string
	err := rows.Scan(&t.TxID, &t.PlayerID, &t.Type, &amount, &refSpin,
		&before, &after, &reason, &actor, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Amount = money.Cents(amount)
	t.BalanceBefore = money.Cents(before)
	t.BalanceAfter = money.Cents(after)
	if refSpin != nil {
		t.ReferenceSpinID = *refSpin
	}
	if reason != nil {
		t.Reason = *reason
	}
	if actor != nil {
		t.Actor = *actor
	}
	return t, nil
}

// ListTransactions returns one page of a player's ledger, newest first,
// plus the unpaged total.
func (s *PostgresStore) ListTransactions(ctx context.Context, playerID string, f TxFilter) ([]models.WalletTransaction, int, error) {
	f.Normalize()
	offset := (f.Page - 1) * f.Limit

	where := `WHERE player_id = $1`
	args := []any{playerID}
	if f.Type != "" {
		where += ` AND type = $2`
		args = append(args, string(f.Type))
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM transactions %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		txColumns, where, f.Limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txs := make([]models.WalletTransaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, t)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return txs, total, nil
}

// AllTransactions returns a player's complete ledger in replay order
// (oldest first). Consistency validation walks this.
func (s *PostgresStore) AllTransactions(ctx context.Context, playerID string) ([]models.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE player_id = $1 ORDER BY created_at ASC, id ASC`,
		playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]models.WalletTransaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return txs, nil
}

// WalletStats aggregates a player's lifetime betting figures.
func (s *PostgresStore) WalletStats(ctx context.Context, playerID string) (*models.WalletStats, error) {
	var bets, wins int64
	var spins int
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN type = 'bet' THEN -amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'win' THEN amount_cents ELSE 0 END), 0),
			COUNT(*) FILTER (WHERE type = 'bet')
		FROM transactions WHERE player_id = $1`, playerID).Scan(&bets, &wins, &spins)
	if err != nil {
		return nil, err
	}

	stats := &models.WalletStats{
		PlayerID:  playerID,
		TotalBets: money.Cents(bets),
		TotalWins: money.Cents(wins),
		NetResult: money.Cents(wins - bets),
		SpinCount: spins,
	}
	if bets > 0 {
		stats.ObservedRTP = float64(wins) / float64(bets)
	}
	return stats, nil
}

// SaveSpinResult persists the sealed result document. The row carries
// denormalized bet/win/hash columns for querying; result_doc holds the
// complete canonical JSON for replay audit.
func (s *PostgresStore) SaveSpinResult(ctx context.Context, r *models.SpinResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal spin result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO spin_results
			(id, player_id, session_id, bet_cents, total_win_cents,
			 game_mode, rng_seed, validation_hash, result_doc, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`,
		r.SpinID, r.PlayerID, r.SessionID, int64(r.BetAmount), int64(r.TotalWin),
		string(r.GameMode), r.RNGSeed, r.ValidationHash, doc, r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert spin result: %w", err)
	}
	return nil
}

// GetSpinResult loads one sealed result document.
func (s *PostgresStore) GetSpinResult(ctx context.Context, spinID string) (*models.SpinResult, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result_doc FROM spin_results WHERE id = $1`, spinID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var r models.SpinResult
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("corrupt spin result %s: %w", spinID, err)
	}
	return &r, nil
}

// ListSpinHistory returns one page of a player's spin history plus the
// unpaged total. Order is "asc" or "desc" by bet time.
func (s *PostgresStore) ListSpinHistory(ctx context.Context, playerID string, page, limit int, order string) ([]models.SpinHistoryEntry, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	// Validate the order parameter to prevent SQL injection.
	dir, ok := map[string]string{"asc": "ASC", "desc": "DESC", "": "DESC"}[order]
	if !ok {
		return nil, 0, fmt.Errorf("invalid order: %s", order)
	}
	offset := (page - 1) * limit

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM spin_results WHERE player_id = $1`, playerID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT created_at, id, bet_cents, total_win_cents, game_mode
		FROM spin_results WHERE player_id = $1
		ORDER BY created_at %s LIMIT %d OFFSET %d`, dir, limit, offset)
	rows, err := s.pool.Query(ctx, query, playerID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]models.SpinHistoryEntry, 0)
	for rows.Next() {
		var e models.SpinHistoryEntry
		var bet, win int64
		if err := rows.Scan(&e.BetTime, &e.SpinID, &bet, &win, &e.GameMode); err != nil {
			return nil, 0, err
		}
		e.BetAmount = money.Cents(bet)
		e.TotalWin = money.Cents(win)
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return entries, total, nil
}

// ListSpinResultsBetween loads full result documents in a time window,
// oldest first. The replay auditor pages through this.
func (s *PostgresStore) ListSpinResultsBetween(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.SpinResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT result_doc FROM spin_results
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC, id ASC LIMIT $3 OFFSET $4`,
		from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]*models.SpinResult, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.SpinResult
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("corrupt spin result document: %w", err)
		}
		results = append(results, &r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// SaveSession upserts a session row.
func (s *PostgresStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_sessions
			(id, player_id, session_seed, seed_position, started_at, last_seen_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			seed_position = EXCLUDED.seed_position,
			last_seen_at = EXCLUDED.last_seen_at,
			ended_at = EXCLUDED.ended_at`,
		rec.ID, rec.PlayerID, rec.SessionSeed, int64(rec.SeedPosition),
		rec.StartedAt, rec.LastSeenAt, rec.EndedAt)
	return err
}

// TouchSession advances a session's liveness marker and seed position.
func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time, seedPosition uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE game_sessions SET last_seen_at = $2, seed_position = $3 WHERE id = $1`,
		sessionID, lastSeen, int64(seedPosition))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EndSession stamps a session's end time.
func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE game_sessions SET ended_at = $2, last_seen_at = $2 WHERE id = $1`,
		sessionID, endedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// interface conformance
var _ Store = (*PostgresStore)(nil)
