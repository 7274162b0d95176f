package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zachbroad/hookline/internal/app"
	"github.com/zachbroad/hookline/internal/config"
	"github.com/zachbroad/hookline/internal/logging"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the job scheduler in-process")
	flag.Parse()

	_ = godotenv.Load()  // Load .env file
	cfg := config.Load() // Load config from environment variables
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Optionally run scheduled jobs in-process for local development
	if *withWorker {
		w := a.Worker()
		if err := w.Start(ctx); err != nil {
			slog.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
		defer w.Wait()
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: a.Router(),
	}

	go func() {
		slog.Info("api server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("api server stopped")
}
