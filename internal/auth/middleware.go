package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/tutoring-service/internal/domain"
	"github.com/spec-kit/tutoring-service/internal/observability"
	apperrors "github.com/spec-kit/tutoring-service/pkg/util"
)

const principalKey = "auth_principal"

type principalCtxKey struct{}

// Principal represents the authenticated caller.
type Principal struct {
	SubjectID string
	Role      domain.Role
	TokenID   string
	ExpiresAt time.Time
}

// StatusReader resolves the current account status. Implementations return
// pgx.ErrNoRows for unknown subjects.
type StatusReader interface {
	GetStatus(ctx context.Context, subjectID string) (domain.UserStatus, error)
}

// RevocationChecker reports whether a token id has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthMiddleware validates bearer tokens and attaches principals.
type AuthMiddleware struct {
	tokens   *TokenCodec
	accounts StatusReader
	revoked  RevocationChecker
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// MiddlewareDependencies bundles optional collaborators of the gate.
type MiddlewareDependencies struct {
	Revocations RevocationChecker
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenCodec, accounts StatusReader, deps MiddlewareDependencies) *AuthMiddleware {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		tokens:   tokens,
		accounts: accounts,
		revoked:  deps.Revocations,
		logger:   logger,
		metrics:  deps.Metrics,
	}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	principal, err := m.Authenticate(c.UserContext(), c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return m.reject(c, err)
	}

	c.Locals(principalKey, principal)
	c.SetUserContext(WithPrincipal(c.UserContext(), principal))
	return c.Next()
}

// Authenticate runs extract, parse, verify and status resolution for a raw
// Authorization header value. Errors are *GateError values, or a DomainError
// for infrastructure failures.
func (m *AuthMiddleware) Authenticate(ctx context.Context, header string) (*Principal, error) {
	if header == "" {
		return nil, &GateError{Kind: ErrGateMissingHeader}
	}

	raw, ok := parseBearer(header)
	if !ok {
		return nil, &GateError{Kind: ErrGateMalformedHeader}
	}

	token, err := m.tokens.Verify(raw)
	if err != nil {
		return nil, &GateError{Kind: ErrGateUnauthenticated, Err: err}
	}

	if m.revoked != nil {
		revoked, err := m.revoked.IsRevoked(ctx, token.ID)
		if err != nil {
			return nil, apperrors.NewServiceUnavailable(err)
		}
		if revoked {
			return nil, &GateError{Kind: ErrGateUnauthenticated, Err: errors.New("token revoked")}
		}
	}

	status, err := m.accounts.GetStatus(ctx, token.SubjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &GateError{Kind: ErrGateUnauthenticated, Err: errors.New("subject not found")}
		}
		return nil, apperrors.NewServiceUnavailable(err)
	}
	if status != domain.UserStatusActive {
		return nil, &GateError{Kind: ErrGateAccountNotActive}
	}

	return &Principal{
		SubjectID: token.SubjectID,
		Role:      token.Role,
		TokenID:   token.ID,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// reject logs the precise failure and maps it to a user-safe response.
func (m *AuthMiddleware) reject(c *fiber.Ctx, err error) error {
	var gateErr *GateError
	if !errors.As(err, &gateErr) {
		m.logger.Error("authentication dependency failure", zap.String("path", c.Path()), zap.Error(err))
		m.metrics.RecordGateRejection("dependency_unavailable")
		return err
	}

	reason := reasonLabel(gateErr)
	m.logger.Info("request rejected",
		zap.String("reason", reason),
		zap.String("path", c.Path()),
		zap.Error(gateErr))
	m.metrics.RecordGateRejection(reason)

	switch {
	case errors.Is(gateErr, ErrGateMissingHeader):
		return apperrors.NewUnauthorizedCause(MsgMissingHeader, gateErr)
	case errors.Is(gateErr, ErrGateMalformedHeader):
		return apperrors.NewUnauthorizedCause(MsgMalformedHeader, gateErr)
	default:
		return apperrors.NewUnauthorizedCause(MsgInvalidToken, gateErr)
	}
}

func parseBearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}

// WithPrincipal stores the principal on a context.Context for service code.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(*Principal)
	return p, ok && p != nil
}
