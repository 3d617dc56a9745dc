package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rawblock/infinity-storm/pkg/money"
)

// Config carries every operational knob the server reads from the
// environment. The math model (symbol weights, paytable, multiplier
// table) is deliberately NOT here: it is certified compile-time data
// in internal/game/symbols and must not drift per deployment.
type Config struct {
	Port           string
	AllowedOrigins string
	DatabaseURL    string
	JWTSecret      string
	AdminAPIToken  string
	LogLevel       string
	LogPretty      bool

	// Bet admission
	MinBet money.Cents
	MaxBet money.Cents

	// Engine caps
	MaxCascadeDepth   int
	MaxWinCapMultiple int64 // totalWin clamp = bet × this

	// Cascade sync protocol timers
	AckTimeout        time.Duration
	BroadcastTimeout  time.Duration
	MaxRetryAttempts  int
	HeartbeatInterval time.Duration
	SyncTolerance     time.Duration

	// Player session lifecycle
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	// API rate limiting (per IP)
	RateLimitPerMin int
	RateLimitBurst  int

	// Informational; asserted by the simulation test suite.
	RTPTarget float64
}

// Load reads the environment and applies defaults. Missing required
// secrets are not fatal here; main decides how to degrade (demo wallet
// without DATABASE_URL, generated dev JWT secret, admin disabled).
func Load() *Config {
	return &Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		AllowedOrigins: getEnvOrDefault("ALLOWED_ORIGINS", ""),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AdminAPIToken:  os.Getenv("ADMIN_API_TOKEN"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:      getEnvBool("LOG_PRETTY", false),

		MinBet: getEnvMoney("MIN_BET", "0.10"),
		MaxBet: getEnvMoney("MAX_BET", "1000.00"),

		MaxCascadeDepth:   getEnvInt("MAX_CASCADE_DEPTH", 20),
		MaxWinCapMultiple: int64(getEnvInt("MAX_WIN_CAP_MULTIPLIER", 5000)),

		AckTimeout:        getEnvMillis("ACK_TIMEOUT_MS", 3000),
		BroadcastTimeout:  getEnvMillis("BROADCAST_TIMEOUT_MS", 5000),
		MaxRetryAttempts:  getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		HeartbeatInterval: getEnvMillis("HEARTBEAT_INTERVAL_MS", 30000),
		SyncTolerance:     getEnvMillis("SYNC_TOLERANCE_MS", 1000),

		SessionIdleTimeout:   getEnvMillis("SESSION_IDLE_TIMEOUT_MS", 30*60*1000),
		SessionSweepInterval: getEnvMillis("SESSION_SWEEP_INTERVAL_MS", 60*1000),

		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 30),

		RTPTarget: getEnvFloat("RTP_TARGET", 0.965),
	}
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}

func getEnvMoney(key, fallback string) money.Cents {
	if val := os.Getenv(key); val != "" {
		if c, err := money.Parse(val); err == nil {
			return c
		}
	}
	return money.MustParse(fallback)
}
