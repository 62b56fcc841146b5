package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crowdfund/observability/logging"
	telemetry "crowdfund/observability/otel"
	"crowdfund/services/marketplace/auth"
	"crowdfund/services/marketplace/calendar"
	"crowdfund/services/marketplace/config"
	"crowdfund/services/marketplace/market"
	marketmw "crowdfund/services/marketplace/middleware"
	"crowdfund/services/marketplace/models"
	"crowdfund/services/marketplace/server"
	"crowdfund/services/marketplace/sweeper"
)

const serviceName = "marketd"

var version = "dev"

func main() {
	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	configPath := flag.String("config", os.Getenv("MARKET_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.Setup(serviceName, cfg.Environment, cfg.LoggingOptions())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	for key, value := range cfg.Telemetry.Headers {
		headers[key] = value
	}
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        headers,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("marketd failed", slog.String("error", err.Error()))
		exitCode = 1
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	db, err := cfg.OpenDatabase()
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := models.AutoMigrate(db); err != nil {
		return err
	}

	svc, err := market.New(market.Config{
		DB:     db,
		Clock:  calendar.New(nil, loc),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	authMiddleware, err := auth.NewMiddleware(cfg.JWTOptions())
	if err != nil {
		return err
	}

	if cfg.Sweeper.Enabled {
		scheduler := sweeper.NewScheduler(sweeper.SchedulerConfig{
			Runner:     svc.Sweeper(),
			Interval:   cfg.Sweeper.Interval,
			RunHour:    cfg.Sweeper.RunHour,
			RunMinute:  cfg.Sweeper.RunMinute,
			Location:   loc,
			RunOnStart: cfg.Sweeper.RunOnStart,
			Logger:     logger,
		})
		go scheduler.Start(ctx)
	}

	srv := server.New(server.Config{
		DB:     db,
		Market: svc,
		Auth:   authMiddleware,
		RateLimit: marketmw.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("time_zone", loc.String()),
			slog.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
