package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/env"
	"github.com/char/at-backshots/internal/storage"
)

func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("compactor")

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

	compactor := storage.NewCompactor(log, storage.NewRegistry(log, database), cfg.DataDir)
	if err := compactor.Run(ctx); err != nil {
		log.Fatal("compactor", zap.Error(err))
	}
}
