package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/infinity-storm/internal/audit"
	"github.com/rawblock/infinity-storm/internal/cache"
	"github.com/rawblock/infinity-storm/internal/cascade"
	"github.com/rawblock/infinity-storm/internal/config"
	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/internal/session"
	"github.com/rawblock/infinity-storm/internal/wallet"
)

// Deps collects everything the HTTP and WebSocket surfaces need. main
// constructs the services and hands them over; the api package owns no
// business logic of its own.
type Deps struct {
	Cfg       *config.Config
	Log       logger.Logger
	Store     db.Store
	Wallet    *wallet.Service
	Sessions  *session.Manager
	Sync      *cascade.Synchronizer
	Validator *cascade.Validator
	Cache     *cache.SpinCache
	Auditor   *audit.Verifier
}

// Server is the transport layer: REST handlers plus the cascade sync
// WebSocket hub.
type Server struct {
	cfg       *config.Config
	log       logger.Logger
	store     db.Store
	wallet    *wallet.Service
	sessions  *session.Manager
	sync      *cascade.Synchronizer
	validator *cascade.Validator
	cache     *cache.SpinCache
	auditor   *audit.Verifier
	hub       *Hub
	startedAt time.Time
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:       d.Cfg,
		log:       d.Log.Component("api"),
		store:     d.Store,
		wallet:    d.Wallet,
		sessions:  d.Sessions,
		sync:      d.Sync,
		validator: d.Validator,
		cache:     d.Cache,
		auditor:   d.Auditor,
		startedAt: time.Now(),
	}
	s.hub = newHub(d.Log)
	return s
}

// Hub exposes the WebSocket hub so main can run its lifecycle loop.
func (s *Server) Hub() *Hub { return s.hub }

// Router assembles the gin engine: CORS, rate limiting, the public
// auth endpoint, the player surface, the admin surface, and the
// cascade sync WebSocket upgrade.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	limiter := NewRateLimiter(s.cfg.RateLimitPerMin, s.cfg.RateLimitBurst)

	r.GET("/health", s.handleHealth)
	r.GET("/ws/cascade", s.handleWebSocket)

	api := r.Group("/api")
	api.Use(limiter.Middleware())

	api.POST("/auth/login", s.handleLogin)

	player := api.Group("")
	player.Use(PlayerAuth(s.cfg.JWTSecret))
	{
		player.POST("/spin", s.handleSpin)
		player.GET("/history/spins", s.handleSpinHistory)
		player.GET("/wallet/balance", s.handleWalletBalance)
		player.GET("/wallet/transactions", s.handleWalletTransactions)
		player.GET("/wallet/stats", s.handleWalletStats)
	}

	admin := api.Group("/admin")
	admin.Use(AdminAuth(s.cfg.AdminAPIToken))
	{
		admin.POST("/wallet/adjust", s.handleWalletAdjust)
		admin.GET("/wallet/consistency/:playerId", s.handleWalletConsistency)
		admin.GET("/audit/spins", s.handleAuditSpins)
		admin.GET("/audit/progress", s.handleAuditProgress)
	}

	return r
}

// corsMiddleware reflects the request origin when it is in the allowed
// list. Empty or "*" allows everything, which is the dev default.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
