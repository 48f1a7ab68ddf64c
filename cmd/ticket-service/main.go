package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/config"
	"qms/ticket-service/internal/httpapi"
	"qms/ticket-service/internal/jobs"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/outbox"
	"qms/ticket-service/internal/queue"
	"qms/ticket-service/internal/store"
	"qms/ticket-service/internal/store/memory"
	"qms/ticket-service/internal/store/postgres"
	"qms/ticket-service/internal/telemetry"
)

const serviceName = "ticket-service"

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ticket-service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(flushCtx))
	}()

	realClock := clock.Real()
	days, err := clock.LoadDays(realClock, cfg.ServiceTimezone)
	if err != nil {
		return err
	}

	counters, err := config.ParseCounters(cfg.Counters)
	if err != nil {
		return err
	}

	st, health, closeStore, err := openStore(ctx, cfg, realClock, counters)
	if err != nil {
		return err
	}
	defer closeStore()

	service := queue.NewService(st, days, queue.Options{
		Logger:             logger.Named("queue"),
		TicketTTL:          cfg.TicketTTL,
		Prefix:             cfg.TicketPrefix,
		Pad:                cfg.TicketPad,
		AllocationAttempts: cfg.AllocationMaxAttempts,
		DispatchAttempts:   cfg.DispatchMaxAttempts,
		DispatchBatchSize:  cfg.DispatchBatchSize,
		SweepBatchSize:     cfg.ExpirySweepBatchSize,
		SnapshotLimit:      cfg.SnapshotLimit,
		AvgServiceMinutes:  cfg.AvgServiceMinutes,
	})

	scheduler, err := jobs.NewScheduler(days.Location(), logger.Named("jobs"))
	if err != nil {
		return err
	}
	if err := scheduler.Add(jobs.Job{
		Name:     "expiry-sweep",
		Interval: cfg.ExpirySweepInterval,
		Run:      service.SweepExpired,
	}); err != nil {
		return err
	}

	var publisher *outbox.AMQPPublisher
	if cfg.RabbitMQURL != "" {
		publisher = outbox.NewAMQPPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		relay := outbox.NewRelay(st, publisher, outbox.Config{
			BatchSize: cfg.OutboxBatchSize,
			Logger:    logger.Named("outbox"),
			Clock:     realClock,
		})
		if err := scheduler.Add(jobs.Job{
			Name:     "outbox-relay",
			Interval: cfg.OutboxRelayInterval,
			Run:      relay.Run,
		}); err != nil {
			return err
		}
	} else {
		logger.Info("RABBITMQ_URL not set, outbox relay disabled")
	}

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, using in-process rate limiting", zap.Error(err))
		rdb = nil
	}

	handler := httpapi.NewHandler(service, httpapi.Options{
		Health: health,
		Logger: logger.Named("http"),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
		Redis:     rdb,
		Logger:    logger.Named("ratelimit"),
	})

	routes := httpapi.LoggingMiddleware(logger.Named("http"), limiter.Middleware(handler.Routes()))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(routes, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ticket-service listening",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("timezone", cfg.ServiceTimezone),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var serveFailure error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveFailure = <-serveErr:
		if serveFailure != nil {
			serveFailure = fmt.Errorf("server error: %w", serveFailure)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = multierr.Combine(
		serveFailure,
		server.Shutdown(shutdownCtx),
		scheduler.Shutdown(),
	)
	if publisher != nil {
		err = multierr.Append(err, publisher.Close())
	}
	if rdb != nil {
		err = multierr.Append(err, rdb.Close())
	}
	return err
}

// openStore returns the configured store with its readiness probe and a
// cleanup func.
func openStore(ctx context.Context, cfg config.Config, c clock.Clock, counters []models.Counter) (store.TicketStore, func(context.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		st := memory.New(memory.WithClock(c), memory.WithCounters(counters...))
		return st, nil, func() {}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect: %w", err)
		}
		st := postgres.NewStore(pool, postgres.Options{LockTimeout: cfg.LockTimeout})
		for _, counter := range counters {
			if err := st.UpsertCounter(ctx, counter); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("seed counter %s: %w", counter.Code, err)
			}
		}
		return st, st.Ping, pool.Close, nil
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	loggerConfig := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		loggerConfig = zap.NewDevelopmentConfig()
	}
	loggerConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName)), nil
}
