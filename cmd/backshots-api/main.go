package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/char/at-backshots/internal/api"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/env"
	"github.com/char/at-backshots/internal/query"
	"github.com/char/at-backshots/internal/storage"
	"github.com/char/at-backshots/internal/zplc"
)

func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := env.Load()
	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatal("data dir", zap.Error(err))
	}

	database, err := db.Open(cfg.DBPath(), log)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer database.Close()
	database.Ping(ctx)

	reg := storage.NewRegistry(log, database)
	if err := reg.VerifyAgainstDisk(ctx, cfg.DataDir); err != nil {
		log.Fatal("registry/disk skew", zap.Error(err))
	}

	interner := data.NewInterner(log, database, zplc.NewClient(cfg.ZPLCServer, log))
	svc := query.NewService(log, database, reg, interner, cfg.DataDir)

	server := api.NewServer(cfg.BindAddress, api.NewRouter(log, svc), log)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("running HTTP server", zap.String("addr", cfg.BindAddress))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}
