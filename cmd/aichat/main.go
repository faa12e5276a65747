package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nstogner/aichat/pkg/config"
	"github.com/nstogner/aichat/pkg/controller"
	"github.com/nstogner/aichat/pkg/model"
	"github.com/nstogner/aichat/pkg/prompt"
	"github.com/nstogner/aichat/pkg/relay"
	"github.com/nstogner/aichat/pkg/server"
	"github.com/nstogner/aichat/pkg/store"
	"github.com/nstogner/aichat/pkg/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to an optional TOML config file")
	flag.Parse()

	// Config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger.
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store.
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := store.Seed(ctx, db, db, cfg.DemoToken); err != nil {
		slog.Error("Failed to seed store", "error", err)
		os.Exit(1)
	}

	// Initialize models.
	models := model.Load(cfg.Slots())
	if models.Len() == 0 {
		slog.Warn("No models configured, chat replies will report the missing configuration")
	}

	rc := relay.New(relay.Options{
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		ReadTimeout:    cfg.Relay.ReadTimeout,
	})

	// Initialize controller.
	ctrl := controller.New(db, db, db, models, prompt.NewBuilder(cfg.ThinkingFamilies), rc)

	// Start server.
	srv := server.New(db, db, db, db, models, ctrl, server.NewLimiter(cfg.Chat.Rate, cfg.Chat.Burst))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}
}
