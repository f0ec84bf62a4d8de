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

	"github.com/agoranet/backend/internal/config"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/logging"
	"github.com/agoranet/backend/internal/reputation"
	"github.com/agoranet/backend/internal/store"
)

func main() {
	godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		logging.New("reputation", "info").Error("configuration failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New("reputation", cfg.Log.Level)

	if err := cfg.Require(config.RequireDatabase, config.RequireIdentity, config.RequirePlatform); err != nil {
		logger.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("database open failed", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := reputation.NewStore(db)
	if err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	idc := identity.NewClient(cfg.Identity.BaseURL, time.Duration(cfg.Identity.TimeoutSecs)*time.Second)
	svc := reputation.New(st, idc, cfg.Platform.AgentID, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      svc.Routes(cfg.Limits.MaxBodyBytes),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("reputation recorder listening", "addr", srv.Addr)
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
	logger.Info("reputation recorder stopped")
}
