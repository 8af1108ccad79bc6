package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/tutoring-service/internal/api/http/handlers"
	"github.com/spec-kit/tutoring-service/internal/auth"
	"github.com/spec-kit/tutoring-service/internal/observability"
	"github.com/spec-kit/tutoring-service/internal/policy"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Admin          *handlers.AdminHandler
	AuthMiddleware *auth.AuthMiddleware
	Guard          *auth.PolicyGuard
	// Metrics is served on /metrics when non-nil.
	Metrics *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	gate := cfg.AuthMiddleware.Handle

	authGroup := app.Group("/auth")
	authGroup.Post("/register", cfg.Auth.Register)
	authGroup.Post("/login", cfg.Auth.Login)
	authGroup.Post("/logout", gate, auth.RequireAnyRole(), cfg.Auth.Logout)
	authGroup.Get("/me", gate,
		cfg.Guard.Require(policy.ResourceAccount, policy.ActionRead, auth.SelfOwner),
		cfg.Auth.Me)
	authGroup.Post("/password/change", gate,
		cfg.Guard.Require(policy.ResourceAccount, policy.ActionUpdate, auth.SelfOwner),
		cfg.Auth.ChangePassword)

	admin := app.Group("/admin", gate)
	admin.Patch("/users/:id/status",
		cfg.Guard.Require(policy.ResourceAccountStatus, policy.ActionUpdate, auth.ParamOwner("id")),
		cfg.Admin.UpdateUserStatus)
}
