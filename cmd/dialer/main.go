package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/failover-dialer/internal/api"
	"github.com/acme/failover-dialer/internal/api/handlers"
	"github.com/acme/failover-dialer/internal/app"
	"github.com/acme/failover-dialer/internal/telemetry"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
)

func main() {
	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Printf("dialer terminated: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	container, err := app.Build(ctx, configPath)
	if err != nil {
		return err
	}
	defer container.Close()

	cfg := container.Config
	lg := container.Logger.With(zap.String("campaign", cfg.Campaign.Name))

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App.Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
		defer scancel()
		_ = shutdown(sctx)
	}()

	if err := container.EnsureTopics(ctx); err != nil {
		return err
	}

	if lease := container.Lease(); lease != nil {
		ok, err := lease.Acquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("campaign lease is held by another dispatcher")
		}
		defer func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := lease.Release(rctx); err != nil {
				lg.Warn("lease release failed", zap.Error(err))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	if lease := container.Lease(); lease != nil {
		g.Go(func() error { return lease.Keep(gctx) })
	}

	if control := container.ControlConsumer(); control != nil {
		g.Go(func() error { return control.Run(gctx) })
	}

	if cfg.HTTP.Enabled {
		src := container.Sources()
		deps := handlers.Deps{
			Campaign: cfg.Campaign.Name,
			Status:   container.Dispatcher(),
			Pause:    src.Pause,
			Appender: src.Appender,
			Checks:   container.HealthChecks(),
			Logger:   container.Logger,
		}
		if history := container.History(); history != nil {
			deps.History = history
		}
		server := api.NewServer(cfg.HTTP, handlers.NewHandlerSet(deps))
		g.Go(func() error { return server.Start(gctx) })
	}

	g.Go(func() error { return container.Dispatcher().Run(gctx) })

	lg.Info("dialer started", zap.String("version", cfg.App.Version))
	err = g.Wait()
	switch {
	case errors.Is(err, apperrors.ErrLedgerWrite):
		lg.Error("progress ledger unwritable, stopping", zap.Error(err))
		return err
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		lg.Info("dialer stopped")
		return nil
	default:
		return err
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
