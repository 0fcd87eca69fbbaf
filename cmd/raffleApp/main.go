package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tronraffle/config"
	"tronraffle/internal/app"
	httphandler "tronraffle/internal/handlers/http"
	"tronraffle/internal/lib/logger/handlers/slogpretty"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.LoadConfig()
	log := setupLogger(cfg.Env)

	if cfg.OperatorAddress == "" {
		log.Error("OPERATOR_ADDRESS must be set")
		os.Exit(1)
	}

	// Create cancellable context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down...")
		cancel()
	}()

	log.Info("initializing raffle engine...")
	application, err := app.NewApp(ctx, log, cfg)
	if err != nil {
		log.Error(fmt.Sprintf("failed to initialize app: %v", err))
		os.Exit(1)
	}

	// Start the payment matcher and the chain poller.
	log.Info("starting payment matcher...")
	go application.Processor.Run(ctx)
	log.Info("starting chain poller...", "interval_s", cfg.PollIntervalSec)
	go application.Poller.Run(ctx)

	// Set up HTTP server
	httpAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	httpServer := httphandler.NewServer(httpAddr,
		application.Raffles,
		application.Draws,
		application.Payouts,
		application.Broadcaster,
		httphandler.SetupDefaults{
			EntryFee:    application.SetupDefaults.EntryFee,
			HostSplit:   application.SetupDefaults.HostSplit,
			Duration:    application.SetupDefaults.Duration,
			HostAddress: cfg.OperatorAddress,
		},
		log,
	)

	go func() {
		log.Info(fmt.Sprintf("HTTP server listening on %s", httpAddr))
		if err := httpServer.Start(); err != nil {
			log.Info(fmt.Sprintf("HTTP server stopped: %v", err))
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	log.Info("cleaning up app resources...")
	application.Cleanup(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Info("shutting down HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "err", err)
	}

	log.Info("service stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
