package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/char/at-backshots/internal/backfill"
	"github.com/char/at-backshots/internal/carve"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/env"
	"github.com/char/at-backshots/internal/ingest"
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
	log = log.Named("backfill")

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

	bdb, err := backfill.Open(cfg.BackfillDBPath(), log)
	if err != nil {
		log.Fatal("open backfill db", zap.Error(err))
	}
	defer bdb.Close()

	reg := storage.NewRegistry(log, database)
	if err := reg.VerifyAgainstDisk(ctx, cfg.DataDir); err != nil {
		log.Fatal("registry/disk skew", zap.Error(err))
	}

	interner := data.NewInterner(log, database, zplc.NewClient(cfg.ZPLCServer, log))

	writer, err := ingest.NewWriter(ctx, log, database, interner, reg, cfg.DataDir)
	if err != nil {
		log.Fatal("open writer", zap.Error(err))
	}
	defer func() {
		if err := writer.Close(context.Background()); err != nil {
			log.Warn("close writer", zap.Error(err))
		}
	}()

	worker := backfill.NewWorker(log, bdb, interner, writer, carve.NewJSONFrames(), cfg.PLCDirectory)
	if err := worker.Run(ctx); err != nil {
		log.Fatal("backfill", zap.Error(err))
	}
}
