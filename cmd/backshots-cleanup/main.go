package main

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/env"
	"github.com/char/at-backshots/internal/storage"
)

// One-shot pass: removes live directories that are no longer listed in the
// registry and have no live presence files. Run from cron or by hand.
func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("cleanup")

	cfg := env.Load()
	database, err := db.Open(cfg.DBPath(), log)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer database.Close()

	reg := storage.NewRegistry(log, database)
	if err := storage.CleanupPass(context.Background(), log, reg, cfg.DataDir); err != nil {
		log.Fatal("cleanup", zap.Error(err))
	}
}
