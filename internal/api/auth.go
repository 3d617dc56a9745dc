package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rawblock/infinity-storm/internal/gameerr"
)

// Gin context keys set by the auth middleware.
const (
	ctxPlayerID  = "player_id"
	ctxSessionID = "session_id"
)

// Player tokens are short-lived; a login per play session is expected.
const tokenTTL = 24 * time.Hour

// playerClaims is the HS256 JWT body issued at login. The session id
// ties the token to one Manager session; logging in again invalidates
// nothing cryptographically but the old session is gone server side.
type playerClaims struct {
	PlayerID  string `json:"player_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// issueToken signs a player token.
func issueToken(secret, playerID, sessionID string, now time.Time) (string, error) {
	claims := playerClaims{
		PlayerID:  playerID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// parseToken verifies signature and expiry and returns the claims.
func parseToken(secret, tokenString string) (*playerClaims, error) {
	claims := &playerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, gameerr.New(gameerr.KindUnauthorized, "unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, gameerr.Wrap(gameerr.KindUnauthorized, err, "invalid token")
	}
	if claims.PlayerID == "" {
		return nil, gameerr.New(gameerr.KindUnauthorized, "token carries no player id")
	}
	return claims, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// PlayerAuth validates the bearer JWT and stores player_id/session_id
// in the gin context for handlers downstream.
func PlayerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithKind(c, gameerr.New(gameerr.KindUnauthorized, "missing bearer token"))
			return
		}
		claims, err := parseToken(secret, token)
		if err != nil {
			abortWithKind(c, err)
			return
		}
		c.Set(ctxPlayerID, claims.PlayerID)
		c.Set(ctxSessionID, claims.SessionID)
		c.Next()
	}
}

// AdminAuth guards the admin surface with the static operator token.
// Constant-time comparison prevents timing-based token enumeration.
// With no token configured the surface is disabled outright.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			abortWithKind(c, gameerr.New(gameerr.KindAdminRequired, "admin surface disabled: ADMIN_API_TOKEN not set"))
			return
		}
		token, ok := bearerToken(c)
		if !ok {
			abortWithKind(c, gameerr.New(gameerr.KindUnauthorized, "missing bearer token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			abortWithKind(c, gameerr.New(gameerr.KindAdminRequired, "admin token rejected"))
			return
		}
		c.Next()
	}
}

// httpStatus maps error kinds to response codes.
func httpStatus(err error) int {
	switch gameerr.KindOf(err) {
	case gameerr.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case gameerr.KindInvalidBet:
		return http.StatusBadRequest
	case gameerr.KindValidationMismatch:
		return http.StatusConflict
	case gameerr.KindSessionNotFound, gameerr.KindRecoveryNotFound:
		return http.StatusNotFound
	case gameerr.KindTimeout:
		return http.StatusRequestTimeout
	case gameerr.KindUnauthorized:
		return http.StatusUnauthorized
	case gameerr.KindAdminRequired:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// abortWithKind renders the typed error and stops the chain.
func abortWithKind(c *gin.Context, err error) {
	c.AbortWithStatusJSON(httpStatus(err), gin.H{
		"success":      false,
		"error":        gameerr.KindOf(err).Code(),
		"errorMessage": err.Error(),
	})
}

// respondError renders an error without aborting (handlers return after).
func respondError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{
		"success":      false,
		"error":        gameerr.KindOf(err).Code(),
		"errorMessage": err.Error(),
	})
}
