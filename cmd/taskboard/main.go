package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agoranet/backend/internal/bank"
	"github.com/agoranet/backend/internal/config"
	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/events"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/logging"
	"github.com/agoranet/backend/internal/store"
	"github.com/agoranet/backend/internal/taskboard"
)

func main() {
	godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		logging.New("taskboard", "info").Error("configuration failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New("taskboard", cfg.Log.Level)

	if err := cfg.Require(
		config.RequireDatabase,
		config.RequireIdentity,
		config.RequireBank,
		config.RequirePlatform,
		config.RequireSigningKey,
		config.RequireAssets,
	); err != nil {
		logger.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("database open failed", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := taskboard.NewStore(db)
	if err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	signer, err := envelope.NewSigner(cfg.Platform.AgentID, cfg.Platform.SigningKey)
	if err != nil {
		logger.Error("platform signer init failed", "error", err)
		os.Exit(1)
	}
	assets, err := taskboard.NewAssetStore(cfg.Assets.StorageRoot, cfg.Assets.MaxAssetBytes, cfg.Assets.MaxAssetsPerTask)
	if err != nil {
		logger.Error("asset storage init failed", "error", err)
		os.Exit(1)
	}

	idc := identity.NewClient(cfg.Identity.BaseURL, time.Duration(cfg.Identity.TimeoutSecs)*time.Second)
	bankClient := bank.NewClient(cfg.CentralBank.BaseURL, time.Duration(cfg.CentralBank.TimeoutSecs)*time.Second)
	hub := events.NewHub(logger)

	svc := taskboard.New(st, idc, bankClient, signer, assets, hub, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      svc.Routes(cfg.Limits.MaxBodyBytes),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("task board listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("task board stopped")
}
