package gameerr

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the game surface can produce. Handlers
// map kinds to HTTP statuses; the sync protocol maps them into
// {success:false, error} payloads without closing the socket.
type Kind int

const (
	KindUnknown Kind = iota

	// Wallet / bet admission
	KindInsufficientFunds // debit exceeds balance, no state change
	KindInvalidBet        // non-positive, malformed, or above max bet

	// Engine integrity
	KindEngineFatal // cascade depth exceeded or mid-spin invariant broken

	// Sync protocol
	KindValidationMismatch // hash / structure / timing divergence
	KindSessionNotFound    // stale syncSessionId or player session
	KindRecoveryNotFound   // stale recoveryId
	KindTimeout            // ack or heartbeat deadline passed

	// HTTP boundary
	KindUnauthorized  // missing or bad player token
	KindAdminRequired // valid player, admin-only operation
)

var kindCodes = map[Kind]string{
	KindUnknown:            "INTERNAL",
	KindInsufficientFunds:  "INSUFFICIENT_FUNDS",
	KindInvalidBet:         "INVALID_BET",
	KindEngineFatal:        "ENGINE_FATAL",
	KindValidationMismatch: "VALIDATION_MISMATCH",
	KindSessionNotFound:    "SESSION_NOT_FOUND",
	KindRecoveryNotFound:   "RECOVERY_NOT_FOUND",
	KindTimeout:            "TIMEOUT",
	KindUnauthorized:       "UNAUTHORIZED",
	KindAdminRequired:      "ADMIN_REQUIRED",
}

// Code returns the stable wire identifier for the kind.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindUnknown]
}

// Error is the typed game error. Callers branch on Kind via IsKind or
// errors.As; Message is safe to surface to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a typed error with a client-safe message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err (or anything it wraps) carries the kind.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == kind
}

// KindOf extracts the kind, or KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}
