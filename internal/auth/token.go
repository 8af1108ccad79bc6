package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/spec-kit/tutoring-service/internal/domain"
)

// TokenCodec issues and verifies HS256 access tokens. It holds the signing
// key for the process lifetime and is safe for concurrent use.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// CodecOption customizes a TokenCodec.
type CodecOption func(*TokenCodec)

// WithClock overrides the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) CodecOption {
	return func(tc *TokenCodec) {
		if now != nil {
			tc.now = now
		}
	}
}

// WithIssuer sets the iss claim on issued tokens and requires it on verify.
func WithIssuer(issuer string) CodecOption {
	return func(tc *TokenCodec) {
		tc.issuer = issuer
	}
}

// NewTokenCodec builds a codec. The ttl is rounded down to whole seconds since
// token timestamps carry second precision.
func NewTokenCodec(secret []byte, ttl time.Duration, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signing secret is empty")
	}
	ttl = ttl.Truncate(time.Second)
	if ttl <= 0 {
		return nil, errors.New("token ttl must be at least one second")
	}

	tc := &TokenCodec{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc, nil
}

// Claims describes the JWT payload.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// TTL returns the lifetime of issued tokens.
func (tc *TokenCodec) TTL() time.Duration {
	return tc.ttl
}

// Issue builds and signs a token for the subject.
func (tc *TokenCodec) Issue(subjectID string, role domain.Role) (domain.Token, string, error) {
	if subjectID == "" {
		return domain.Token{}, "", errors.New("token subject is empty")
	}
	if !role.Valid() {
		return domain.Token{}, "", errors.New("token role is invalid")
	}

	issuedAt := tc.now().Truncate(time.Second)
	token := domain.Token{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Role:      role,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(tc.ttl),
	}

	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			Subject:   subjectID,
			Issuer:    tc.issuer,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tc.secret)
	if err != nil {
		return domain.Token{}, "", err
	}
	return token, signed, nil
}

// Verify checks signature and expiry and returns the embedded token. It does
// no I/O. Failures are *TokenError values matching ErrTokenMalformed,
// ErrTokenBadSignature or ErrTokenExpired.
func (tc *TokenCodec) Verify(tokenStr string) (domain.Token, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tc.now),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	}
	if tc.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tc.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return tc.secret, nil
	}, opts...)
	if err != nil {
		return domain.Token{}, classifyTokenError(err)
	}
	if !parsed.Valid {
		return domain.Token{}, &TokenError{Kind: ErrTokenMalformed}
	}
	if claims.Subject == "" || claims.ID == "" || claims.IssuedAt == nil || !claims.Role.Valid() {
		return domain.Token{}, &TokenError{Kind: ErrTokenMalformed, Err: errors.New("required claims missing")}
	}

	return domain.Token{
		ID:        claims.ID,
		SubjectID: claims.Subject,
		Role:      claims.Role,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &TokenError{Kind: ErrTokenExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &TokenError{Kind: ErrTokenBadSignature, Err: err}
	default:
		return &TokenError{Kind: ErrTokenMalformed, Err: err}
	}
}
