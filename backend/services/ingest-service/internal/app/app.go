package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"energymeter/backend/libs/auth"
	"energymeter/backend/libs/httpmiddleware"
	"energymeter/backend/services/ingest-service/internal/config"
	httpserver "energymeter/backend/services/ingest-service/internal/http"
	"energymeter/backend/services/ingest-service/internal/http/handlers"
	"energymeter/backend/services/ingest-service/internal/http/middleware"
	"energymeter/backend/services/ingest-service/internal/repository"
	"energymeter/backend/services/ingest-service/internal/service"
)

// App wires ingest service dependencies.
type App struct {
	server *httpserver.Server
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New constructs application components.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := repository.NewPostgresPool(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	readingsRepo := repository.NewReadingsRepository(pool)
	if err := readingsRepo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	ingestService := service.NewIngestService(readingsRepo, logger)
	tokens := auth.NewTokenService(cfg.Auth.TokenSecret, 0)

	routes := httpserver.Routes{
		Readings: handlers.NewReadingsHandler(ingestService, logger),
		Health:   handlers.NewHealthHandler(pool),
	}

	router := httpserver.NewRouter(routes, middleware.DeviceAuthMiddleware(tokens, logger))
	server := httpserver.NewServer(cfg.HTTPAddress(), router, logger,
		httpmiddleware.RecoveryMiddleware(logger),
		httpmiddleware.LoggingMiddleware(logger),
	)

	return &App{
		server: server,
		pool:   pool,
		logger: logger,
	}, nil
}

// Run starts serving HTTP requests.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
