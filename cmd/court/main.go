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
	"github.com/agoranet/backend/internal/court"
	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/logging"
	"github.com/agoranet/backend/internal/reputation"
	"github.com/agoranet/backend/internal/store"
	"github.com/agoranet/backend/internal/taskboard"
)

func main() {
	godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		logging.New("court", "info").Error("configuration failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New("court", cfg.Log.Level)

	if err := cfg.Require(
		config.RequireDatabase,
		config.RequireIdentity,
		config.RequireBank,
		config.RequireTaskBoard,
		config.RequireReputation,
		config.RequirePlatform,
		config.RequireSigningKey,
		config.RequireJudges,
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

	st, err := court.NewStore(db)
	if err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	signer, err := envelope.NewSigner(cfg.Platform.AgentID, cfg.Platform.SigningKey)
	if err != nil {
		logger.Error("platform signer init failed", "error", err)
		os.Exit(1)
	}
	judges, err := court.NewJudges(cfg.Judges)
	if err != nil {
		logger.Error("judge panel init failed", "error", err)
		os.Exit(1)
	}

	idc := identity.NewClient(cfg.Identity.BaseURL, time.Duration(cfg.Identity.TimeoutSecs)*time.Second)
	bankClient := bank.NewClient(cfg.CentralBank.BaseURL, time.Duration(cfg.CentralBank.TimeoutSecs)*time.Second)
	tbClient := taskboard.NewClient(cfg.TaskBoard.BaseURL, time.Duration(cfg.TaskBoard.TimeoutSecs)*time.Second)
	repClient := reputation.NewClient(cfg.Reputation.BaseURL, time.Duration(cfg.Reputation.TimeoutSecs)*time.Second)

	svc := court.New(st, idc, bankClient, tbClient, repClient, signer, judges, cfg.Deadlines.RebuttalSecs, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      svc.Routes(cfg.Limits.MaxBodyBytes),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second, // rulings wait on judge panels
	}

	go func() {
		logger.Info("court listening", "addr", srv.Addr)
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
	logger.Info("court stopped")
}
