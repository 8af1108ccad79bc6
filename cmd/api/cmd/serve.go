package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/tutoring-service/internal/api/http"
	"github.com/spec-kit/tutoring-service/internal/api/http/handlers"
	"github.com/spec-kit/tutoring-service/internal/auth"
	"github.com/spec-kit/tutoring-service/internal/events"
	"github.com/spec-kit/tutoring-service/internal/observability"
	"github.com/spec-kit/tutoring-service/internal/persistence"
	"github.com/spec-kit/tutoring-service/internal/policy"
	"github.com/spec-kit/tutoring-service/internal/repository"
	"github.com/spec-kit/tutoring-service/internal/service"
	"github.com/spec-kit/tutoring-service/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pg.Close()
	if pg.PoolHandle() == nil {
		return errors.New("POSTGRES_DSN is required to serve")
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			return err
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	codec, err := auth.NewTokenCodec([]byte(cfg.Auth.JWTSecret), cfg.Auth.AccessTokenTTL(), auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}

	accessPolicy, err := policy.NewDefault()
	if err != nil {
		return err
	}

	userRepo := repository.NewUserRepository(pg.PoolHandle())
	revocationRepo := repository.NewRevocationRepository(redis.Client)

	dispatcher := events.NewInMemoryDispatcher()
	worker.StartAuditWorker(service.NewAuditService(dispatcher, logger))

	authService, err := service.NewAuthService(*cfg, service.AuthDependencies{
		UserRepo:       userRepo,
		RevocationRepo: revocationRepo,
		Tokens:         codec,
		Dispatcher:     dispatcher,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	authMiddleware := auth.NewAuthMiddleware(codec, userRepo, auth.MiddlewareDependencies{
		Revocations: revocationRepo,
		Logger:      logger,
		Metrics:     metrics,
	})

	app := httptransport.NewApp(cfg.App.Name, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Auth:           handlers.NewAuthHandler(authService),
		Admin:          handlers.NewAdminHandler(authService),
		AuthMiddleware: authMiddleware,
		Guard:          auth.NewPolicyGuard(accessPolicy, logger, metrics),
		Metrics:        metrics,
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		listenErr <- app.Listen(cfg.App.Addr())
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return app.ShutdownWithTimeout(shutdownTimeout)
}
