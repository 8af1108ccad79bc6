package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/tutoring-service/internal/domain"
	"github.com/spec-kit/tutoring-service/internal/observability"
	"github.com/spec-kit/tutoring-service/internal/policy"
	apperrors "github.com/spec-kit/tutoring-service/pkg/util"
)

// Authorizer decides whether a role may act on a resource.
type Authorizer interface {
	Authorize(role domain.Role, resource, action string, own policy.Ownership) policy.AccessDecision
}

// OwnerFunc resolves the owner id of the resource a request targets.
type OwnerFunc func(c *fiber.Ctx) (string, error)

// SelfOwner treats the caller as the resource owner (e.g. /auth/me).
func SelfOwner(c *fiber.Ctx) (string, error) {
	principal, ok := PrincipalFromContext(c)
	if !ok {
		return "", nil
	}
	return principal.SubjectID, nil
}

// ParamOwner reads the owner id from a route parameter.
func ParamOwner(name string) OwnerFunc {
	return func(c *fiber.Ctx) (string, error) {
		return c.Params(name), nil
	}
}

// PolicyGuard consults the access policy after the gate has attached a principal.
type PolicyGuard struct {
	policy  Authorizer
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewPolicyGuard constructs the guard.
func NewPolicyGuard(p Authorizer, logger *zap.Logger, metrics *observability.Metrics) *PolicyGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyGuard{policy: p, logger: logger, metrics: metrics}
}

// Require allows the request only if the policy permits resource/action for
// the caller's role. A nil owner means the resource has no owner.
func (g *PolicyGuard) Require(resource, action string, owner OwnerFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized(http.StatusText(http.StatusUnauthorized))
		}

		ownerID := ""
		if owner != nil {
			id, err := owner(c)
			if err != nil {
				return apperrors.MapError(err)
			}
			ownerID = id
		}

		decision := g.policy.Authorize(principal.Role, resource, action, policy.Ownership{
			SubjectID: principal.SubjectID,
			OwnerID:   ownerID,
		})
		g.metrics.RecordPolicyDecision(resource, action, decision.Allow)
		if !decision.Allow {
			g.logger.Info("access denied",
				zap.String("subject_id", principal.SubjectID),
				zap.String("role", string(principal.Role)),
				zap.String("resource", resource),
				zap.String("action", action),
				zap.String("reason", decision.Reason))
			return apperrors.NewForbidden(MsgForbidden)
		}
		return c.Next()
	}
}

// RequireAnyRole ensures caller is authenticated.
func RequireAnyRole() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := PrincipalFromContext(c); !ok {
			return apperrors.NewUnauthorized(http.StatusText(http.StatusUnauthorized))
		}
		return c.Next()
	}
}
