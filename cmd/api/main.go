package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmutual/pool/internal/api"
	"github.com/openmutual/pool/internal/engine"
	"github.com/openmutual/pool/internal/events"
	"github.com/openmutual/pool/internal/ledger"
	"github.com/openmutual/pool/internal/mirror"
	"github.com/openmutual/pool/internal/notify"
)

type config struct {
	ListenAddr           string        `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr          string        `envconfig:"METRICS_ADDR" default:":9090"`
	AuthToken            string        `envconfig:"AUTH_TOKEN" required:"true"`
	DatabaseURL          string        `envconfig:"DATABASE_URL" required:"true"`
	VotingWindow         time.Duration `envconfig:"VOTING_WINDOW" default:"168h"`
	CooldownPeriod       time.Duration `envconfig:"COOLDOWN_PERIOD" default:"2160h"`
	ApprovalThresholdPct int64         `envconfig:"APPROVAL_THRESHOLD_PCT" default:"60"`
	CooldownAtExecution  bool          `envconfig:"COOLDOWN_AT_EXECUTION" default:"false"`
	SweepInterval        time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	ShutdownTimeout      time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cfg config
	if err := envconfig.Process("pool", &cfg); err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db error", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())

	bus := events.NewBus(promRegistry, logger)
	pledger := ledger.NewMemory()
	eng := engine.New(pledger, bus, logger, promRegistry, engine.Config{
		VotingWindow:         cfg.VotingWindow,
		CooldownPeriod:       cfg.CooldownPeriod,
		ApprovalThresholdPct: cfg.ApprovalThresholdPct,
		CooldownAtExecution:  cfg.CooldownAtExecution,
	})

	mirrorStore := mirror.New(dbPool)
	ingestor := mirror.NewIngestor(mirrorStore, bus, logger)
	go ingestor.Run(ctx)

	hub := notify.NewHub(logger)
	go hub.Run(ctx, bus)
	defer hub.Close()

	go eng.RunSweeper(ctx, cfg.SweepInterval)

	srv := api.NewServer(eng, mirrorStore, hub.ServeWS, cfg.AuthToken, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	cancel()
}
