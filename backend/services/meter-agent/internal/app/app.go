package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"energymeter/backend/libs/auth"
	"energymeter/backend/libs/db"
	"energymeter/backend/libs/httpmiddleware"
	libredis "energymeter/backend/libs/redis"
	"energymeter/backend/services/meter-agent/internal/buffer"
	"energymeter/backend/services/meter-agent/internal/clock"
	"energymeter/backend/services/meter-agent/internal/config"
	httpserver "energymeter/backend/services/meter-agent/internal/http"
	"energymeter/backend/services/meter-agent/internal/http/handlers"
	"energymeter/backend/services/meter-agent/internal/http/middleware"
	"energymeter/backend/services/meter-agent/internal/metrics"
	"energymeter/backend/services/meter-agent/internal/quarantine"
	"energymeter/backend/services/meter-agent/internal/scheduler"
	"energymeter/backend/services/meter-agent/internal/sensor"
	"energymeter/backend/services/meter-agent/internal/uploader"
	"energymeter/backend/services/meter-agent/internal/ws"
)

const (
	memoryQuarantineLimit = 100
	deviceTokenTTL        = 5 * time.Minute
	schemaTimeout         = 10 * time.Second
)

// App wires meter agent dependencies.
type App struct {
	scheduler   *scheduler.Scheduler
	server      *httpserver.Server
	mqtt        *uploader.MQTTUploader
	db          *sql.DB
	redisClient *redis.Client
	cancel      context.CancelFunc
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	baseCtx, cancel := context.WithCancel(context.Background())
	a := &App{cancel: cancel, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	source, err := newSource(cfg)
	if err != nil {
		return nil, err
	}

	buf, err := buffer.New(cfg.Buffer.Capacity)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sink, err := a.newUploader(cfg)
	if err != nil {
		return nil, err
	}

	store, err := a.newQuarantine(cfg)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(logger)
	sched, err := scheduler.New(scheduler.Config{
		DeviceID:         cfg.DeviceID,
		Phases:           cfg.Sampling.Phases,
		SamplingInterval: cfg.SamplingInterval(),
		UploadInterval:   cfg.UploadInterval(),
		MaxBackoff:       cfg.MaxBackoff(),
		UploadTimeout:    cfg.UploadTimeout(),
		BatchSize:        cfg.Upload.BatchSize,
	}, buf, source, sink, clock.System{}, logger,
		scheduler.WithMetrics(m),
		scheduler.WithQuarantine(store),
		scheduler.WithReadingHook(hub.Broadcast),
	)
	if err != nil {
		return nil, err
	}
	a.scheduler = sched

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Health:     handlers.NewHealthHandler(),
		Status:     handlers.NewStatusHandler(sched),
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		LiveFeed:   ws.NewServer(baseCtx, hub, cfg.WriteTimeout(), logger).HandleWS,
		Quarantine: handlers.NewQuarantineHandlers(store, cfg.DeviceID, logger),
	}, middleware.BasicAuthMiddleware(cfg.Admin.User, cfg.Admin.PasswordHash), middleware.MetricsMiddleware(m))

	a.server = httpserver.NewServer(
		cfg.HTTPAddress(),
		router,
		logger,
		httpmiddleware.RecoveryMiddleware(logger),
		httpmiddleware.LoggingMiddleware(logger),
	)

	logger.Info("meter agent configured",
		zap.String("device_id", cfg.DeviceID),
		zap.String("source", cfg.Sampling.Source),
		zap.String("sink", cfg.Upload.Sink),
	)
	return a, nil
}

func newSource(cfg *config.Config) (sensor.Source, error) {
	switch cfg.Sampling.Source {
	case config.SourceCSV:
		return sensor.LoadCSVReplay(cfg.Sampling.CSVPath)
	default:
		return sensor.NewSimulated(sensor.SimulatedOptions{
			FaultRate:  cfg.Sampling.FaultRate,
			ResetAfter: cfg.Sampling.ResetAfter,
			Interval:   cfg.SamplingInterval(),
			Seed:       cfg.Sampling.Seed,
		}), nil
	}
}

func (a *App) newUploader(cfg *config.Config) (uploader.Uploader, error) {
	switch cfg.Upload.Sink {
	case config.SinkSQL:
		var (
			conn *sql.DB
			err  error
		)
		if cfg.Database.Driver == db.DriverPostgres {
			conn, err = db.NewPostgresDB(cfg.Database.DSN)
		} else {
			conn, err = db.NewSQLiteDB(cfg.Database.SQLitePath)
		}
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
		}
		a.db = conn

		sqlUploader, err := uploader.NewSQLUploader(conn, cfg.Database.Driver, a.logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
		defer cancel()
		if err := sqlUploader.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return sqlUploader, nil

	case config.SinkMQTT:
		a.mqtt = uploader.NewMQTTUploader(uploader.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, a.logger)
		return a.mqtt, nil

	default:
		var tokens *auth.TokenService
		if cfg.Ingest.TokenSecret != "" {
			tokens = auth.NewTokenService(cfg.Ingest.TokenSecret, deviceTokenTTL)
		} else {
			a.logger.Warn("ingest token secret not set, uploads are unauthenticated")
		}
		return uploader.NewHTTPUploader(cfg.Ingest.URL, tokens, a.logger), nil
	}
}

func (a *App) newQuarantine(cfg *config.Config) (quarantine.Store, error) {
	if cfg.Redis.Addr == "" {
		a.logger.Info("redis not configured, quarantine kept in memory", zap.Int("limit", memoryQuarantineLimit))
		return quarantine.NewMemoryStore(memoryQuarantineLimit, a.logger), nil
	}
	client, err := libredis.NewRedisClient(libredis.Config{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		ClientName: "meter-agent-" + cfg.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.redisClient = client
	return quarantine.NewRedisStore(client, cfg.QuarantineTTL()), nil
}

// Run samples, uploads and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.server.Run(ctx) })
	if a.mqtt != nil {
		g.Go(func() error {
			if err := a.mqtt.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("mqtt connect failed, uploads will retry", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	a.cancel()
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
