package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/char/at-backshots/internal/carve"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/env"
	"github.com/char/at-backshots/internal/ingest"
	"github.com/char/at-backshots/internal/storage"
	"github.com/char/at-backshots/internal/zplc"
)

// Reads JSON-framed commits from stdin, one per line, and feeds them
// through the write path. Handy for seeding and load testing without a
// relay connection.
func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("json_ingest")

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

	carver := carve.NewJSONFrames()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)

	var n int
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		commit, err := carver.ExtractCommit(line)
		if err != nil {
			log.Warn("skipping bad line", zap.Error(err))
			continue
		}
		if commit == nil {
			continue
		}
		if err := writer.HandleCommit(ctx, commit); err != nil {
			log.Fatal("write failed", zap.Error(err))
		}
		n++
		if n%1024 == 0 {
			if err := writer.RefreshHandle(ctx); err != nil {
				log.Warn("handle refresh failed", zap.Error(err))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatal("read stdin", zap.Error(err))
	}
	log.Info("done", zap.Int("commits", n))
}
