package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/char/at-backshots/internal/backfill"
	"github.com/char/at-backshots/internal/carve"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/env"
	"github.com/char/at-backshots/internal/firehose"
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
	log = log.Named("firehose")

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

	gate, err := backfill.Open(cfg.BackfillDBPath(), log)
	if err != nil {
		log.Fatal("open backfill db", zap.Error(err))
	}
	defer gate.Close()

	sub := firehose.NewSubscriber(log, database, writer, carve.NewJSONFrames(), interner, gate, cfg.RelayHost, cfg.RelayTLS)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := writer.FlushCounter(gctx); err != nil {
					log.Warn("counter flush failed", zap.Error(err))
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		log.Fatal("firehose", zap.Error(err))
	}
}
