package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-assignment/internal/cancellation"
	"github.com/example/carpool-assignment/internal/config"
	"github.com/example/carpool-assignment/internal/dispatch"
	"github.com/example/carpool-assignment/internal/geo"
	httpapi "github.com/example/carpool-assignment/internal/http"
	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/matcher"
	"github.com/example/carpool-assignment/internal/matching"
	"github.com/example/carpool-assignment/internal/notify"
	"github.com/example/carpool-assignment/internal/registration"
	"github.com/example/carpool-assignment/internal/scheduler"
	"github.com/example/carpool-assignment/internal/storage"
)

// firedMarkerTTL outlives any realistic gap between a deadline and a restart.
const firedMarkerTTL = 90 * 24 * time.Hour

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, cfgErr := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, os.Stdout)
	if cfgErr != nil {
		logger.Error("invalid configuration", "error", cfgErr)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		drivers geo.Geo = geo.NewIndex()
		ledger  scheduler.FiredLedger
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		defer rc.Close()
		drivers = geo.NewRedisGeo(rc, cfg.RedisGeoPrefix)
		ledger = scheduler.NewRedisLedger(rc, "", firedMarkerTTL)
	} else if cfg.SchedulerCatchUp {
		logger.Warn("SCHEDULER_CATCH_UP needs REDIS_ADDR to remember fired deadlines; catch-up disabled")
		cfg.SchedulerCatchUp = false
	}

	ws := dispatch.NewWSRegistry(logger)
	sinks := []dispatch.Sink{ws}
	if len(cfg.KafkaBrokers) > 0 {
		outbox := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaNotifyTopic, logger)
		defer outbox.Close()
		sinks = append(sinks, outbox)
	} else {
		logger.Warn("KAFKA_BROKERS not set; notifications reach websocket sessions only")
	}
	gateway := notify.NewGateway(store, logger, sinks...)

	engine := matching.NewHTTPClient(matching.Options{
		BaseURL:    cfg.MatchingBaseURL,
		Timeout:    cfg.MatchingTimeout,
		Retries:    cfg.MatchingRetries,
		RetryDelay: cfg.MatchingRetryDelay,
		Logger:     logger,
	})
	m := &matcher.Service{Store: store, Engine: engine, Notifier: gateway, Drivers: drivers, Logger: logger}
	registrations := registration.NewCoordinator(store, m, gateway, logger)
	cancellations := cancellation.NewCoordinator(store, m, gateway, drivers, logger)

	sched := scheduler.New(cfg.SchedulerWorkers, logger)
	sched.Start(ctx)
	defer sched.Stop()
	deadlines := scheduler.NewDeadlines(sched, store, m, gateway, ledger, scheduler.DeadlinesConfig{
		ReminderLead: cfg.DeadlineReminderLead,
		CatchUp:      cfg.SchedulerCatchUp,
	}, logger)
	n, err := deadlines.RescheduleAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("deadlines scheduled", "events", n, "catch_up", cfg.SchedulerCatchUp)

	api := httpapi.NewServer(httpapi.Deps{
		Rides:        store,
		Geo:          drivers,
		Registration: registrations,
		Cancellation: cancellations,
		Matcher:      m,
		Deadlines:    deadlines,
		Notifier:     gateway,
		WS:           ws,
		Auth:         httpapi.Authenticator{Secret: []byte(cfg.JWTSecret)},
		Logger:       logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; trusting X-User-ID headers")
	}

	hs := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool-assignment listening", "addr", cfg.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		res, err := ps.Migrate(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied", "count", len(res))
	}
	return ps, nil
}
