package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/tutoring-service/internal/observability"
)

// NewApp builds a fiber app with the global middlewares registered.
func NewApp(appName string, logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
	})
	RegisterMiddlewares(app, logger, metrics, timeout)
	return app
}
