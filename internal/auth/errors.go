package auth

import "errors"

// Token verification failure kinds.
var (
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenBadSignature = errors.New("token signature invalid")
	ErrTokenExpired      = errors.New("token expired")
)

// Request gate failure kinds.
var (
	ErrGateMissingHeader    = errors.New("authorization header missing")
	ErrGateMalformedHeader  = errors.New("authorization header malformed")
	ErrGateUnauthenticated  = errors.New("unauthenticated")
	ErrGateAccountNotActive = errors.New("account not active")
)

// User-safe messages. These are the only strings a rejected request sees.
const (
	MsgMissingHeader   = "Authorization header missing"
	MsgMalformedHeader = "Authorization header malformed"
	MsgInvalidToken    = "Invalid or expired token"
	MsgForbidden       = "forbidden"
)

// TokenError carries a token failure kind plus the underlying parser error.
// errors.Is matches both.
type TokenError struct {
	Kind error
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *TokenError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// GateError carries a gate failure kind plus its cause for server-side logs.
type GateError struct {
	Kind error
	Err  error
}

func (e *GateError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *GateError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// reasonLabel gives a short metrics/log label for a failure kind.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrGateMissingHeader):
		return "missing_header"
	case errors.Is(err, ErrGateMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrGateAccountNotActive):
		return "account_not_active"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenBadSignature):
		return "token_bad_signature"
	case errors.Is(err, ErrTokenMalformed):
		return "token_malformed"
	default:
		return "unauthenticated"
	}
}
