package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/session"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// respondStoreError maps store-level not-found onto 404; everything
// else goes through the kind table.
func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success":      false,
			"error":        "NOT_FOUND",
			"errorMessage": err.Error(),
		})
		return
	}
	respondError(c, err)
}

// GET /health
func (s *Server) handleHealth(c *gin.Context) {
	dbOK := s.store.Ping(c.Request.Context()) == nil
	c.JSON(http.StatusOK, gin.H{
		"status":       "operational",
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"db":           dbOK,
		"sessions":     s.sessions.Count(),
		"syncSessions": s.sync.Count(),
	})
}

// POST /api/auth/login
// Demo credential model: the player row must exist; no password here.
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, gameerr.New(gameerr.KindInvalidBet, "invalid request body: username required"))
		return
	}

	player, err := s.store.GetPlayerByUsername(c.Request.Context(), req.Username)
	if err != nil {
		respondError(c, gameerr.Wrap(gameerr.KindUnauthorized, err, "unknown player %q", req.Username))
		return
	}

	state, err := s.sessions.Login(c.Request.Context(), player.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	token, err := issueToken(s.cfg.JWTSecret, player.ID, state.SessionID, time.Now())
	if err != nil {
		respondError(c, gameerr.Wrap(gameerr.KindUnknown, err, "token signing failed"))
		return
	}

	s.log.Info().Str("player", player.ID).Str("session", state.SessionID).Msg("player logged in")
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"token":    token,
		"playerId": player.ID,
		"balance":  player.Balance,
	})
}

// POST /api/spin
// Body: {betAmount "1.00", quickSpinMode?, freeSpinsActive?}. The
// server decides the mode from session state; freeSpinsActive is
// advisory and must agree when present.
func (s *Server) handleSpin(c *gin.Context) {
	playerID := c.GetString(ctxPlayerID)

	var req struct {
		BetAmount       string `json:"betAmount" binding:"required"`
		QuickSpinMode   bool   `json:"quickSpinMode"`
		FreeSpinsActive *bool  `json:"freeSpinsActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, gameerr.New(gameerr.KindInvalidBet, "invalid request body: betAmount required"))
		return
	}

	bet, err := money.Parse(req.BetAmount)
	if err != nil {
		respondError(c, gameerr.Wrap(gameerr.KindInvalidBet, err, "unparseable bet amount %q", req.BetAmount))
		return
	}
	if bet < s.cfg.MinBet || bet > s.cfg.MaxBet {
		respondError(c, gameerr.New(gameerr.KindInvalidBet,
			"bet %s outside table limits [%s, %s]", bet, s.cfg.MinBet, s.cfg.MaxBet))
		return
	}

	out, err := s.sessions.Spin(c.Request.Context(), playerID, session.SpinRequest{
		Bet:           bet,
		QuickSpin:     req.QuickSpinMode,
		FreeSpinsHint: req.FreeSpinsActive,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}

	// Warm the cache so cascade_sync_start resolves without a store
	// round trip.
	s.cache.Put(out.Result)

	r := out.Result
	c.JSON(http.StatusOK, gin.H{
		"success":               true,
		"spinId":                r.SpinID,
		"gameMode":              r.GameMode,
		"initialGrid":           r.InitialGrid,
		"cascadeSteps":          r.CascadeSteps,
		"baseWin":               r.BaseWin,
		"totalMultiplier":       r.TotalMultiplier,
		"totalWin":              r.TotalWin,
		"winCapped":             r.WinCapped,
		"scatterCount":          r.ScatterCount,
		"freeSpinsTriggered":    r.FreeSpinsTriggered,
		"freeSpinsAwarded":      r.FreeSpinsAwarded,
		"freeSpinsRemaining":    out.FreeSpinsRemaining,
		"accumulatedMultiplier": out.AccumulatedMultiplier,
		"balance":               out.Balance,
		"validationHash":        r.ValidationHash,
		"timestamp":             r.Timestamp,
	})
}

// GET /api/history/spins?page&limit&order
func (s *Server) handleSpinHistory(c *gin.Context) {
	playerID := c.GetString(ctxPlayerID)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	order := c.DefaultQuery("order", "desc")

	entries, total, err := s.store.ListSpinHistory(c.Request.Context(), playerID, page, limit, order)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       entries,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

// GET /api/wallet/balance
func (s *Server) handleWalletBalance(c *gin.Context) {
	playerID := c.GetString(ctxPlayerID)
	balance, err := s.wallet.GetBalance(c.Request.Context(), playerID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"playerId": playerID,
		"balance":  balance,
		"currency": "USD",
	})
}

// GET /api/wallet/transactions?type&page&limit
func (s *Server) handleWalletTransactions(c *gin.Context) {
	playerID := c.GetString(ctxPlayerID)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	f := db.TxFilter{
		Type:  models.TxType(c.Query("type")),
		Page:  page,
		Limit: limit,
	}
	txs, total, err := s.wallet.GetTransactions(c.Request.Context(), playerID, f)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       txs,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

// GET /api/wallet/stats
func (s *Server) handleWalletStats(c *gin.Context) {
	playerID := c.GetString(ctxPlayerID)
	stats, err := s.wallet.Stats(c.Request.Context(), playerID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// POST /api/admin/wallet/adjust
// Signed correction with actor attribution on the ledger row.
func (s *Server) handleWalletAdjust(c *gin.Context) {
	var req struct {
		PlayerID string `json:"playerId" binding:"required"`
		Amount   string `json:"amount" binding:"required"`
		Reason   string `json:"reason" binding:"required"`
		Actor    string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, gameerr.New(gameerr.KindInvalidBet, "invalid request body: playerId, amount, reason required"))
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		respondError(c, gameerr.Wrap(gameerr.KindInvalidBet, err, "unparseable amount %q", req.Amount))
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "admin"
	}

	tx, err := s.wallet.ProcessAdjustment(c.Request.Context(), req.PlayerID, amount, req.Reason, actor)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	s.log.Info().Str("player", req.PlayerID).Str("amount", amount.String()).
		Str("actor", actor).Msg("admin wallet adjustment")
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": tx,
	})
}

// GET /api/admin/wallet/consistency/:playerId
func (s *Server) handleWalletConsistency(c *gin.Context) {
	playerID := c.Param("playerId")
	report, err := s.wallet.ValidateConsistency(c.Request.Context(), playerID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GET /api/admin/audit/spins?from&to
// Runs the replay verification synchronously and returns the report.
// Long ranges can be watched from /audit/progress in parallel.
func (s *Server) handleAuditSpins(c *gin.Context) {
	if s.auditor.Progress().Running {
		c.JSON(http.StatusConflict, gin.H{
			"success":      false,
			"error":        "AUDIT_RUNNING",
			"errorMessage": "a spin audit is already in progress",
		})
		return
	}

	to := time.Now().UTC()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, gameerr.Wrap(gameerr.KindInvalidBet, err, "bad 'to' timestamp, want RFC3339"))
			return
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, gameerr.Wrap(gameerr.KindInvalidBet, err, "bad 'from' timestamp, want RFC3339"))
			return
		}
		from = t
	}

	report, err := s.auditor.VerifyRange(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GET /api/admin/audit/progress
func (s *Server) handleAuditProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.auditor.Progress())
}
