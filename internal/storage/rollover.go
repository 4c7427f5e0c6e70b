package storage

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// RolloverThreshold is the combined index+links size at which a live store
// stops accepting a writer's next handle refresh and a new one is started.
const RolloverThreshold = 2 << 30 // 2 GiB

// StoreSize returns the combined byte size of a store directory's
// index.dat and links.dat.
func StoreSize(dir string) int64 {
	return fileSize(filepath.Join(dir, "index.dat")) + fileSize(filepath.Join(dir, "links.dat"))
}

// RolloverWatcher observes the newest live store and inserts a fresh
// registry row once it crosses the size threshold. Writers notice the newer
// id on their next periodic check and re-acquire their handle.
type RolloverWatcher struct {
	reg       *Registry
	dataDir   string
	threshold int64
	log       *zap.Logger
}

// NewRolloverWatcher builds a watcher with the default 2 GiB threshold.
func NewRolloverWatcher(log *zap.Logger, reg *Registry, dataDir string) *RolloverWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RolloverWatcher{
		reg:       reg,
		dataDir:   dataDir,
		threshold: RolloverThreshold,
		log:       log.Named("rollover"),
	}
}

// Run polls until ctx is cancelled. After inserting a new store it waits a
// little extra so writers have rolled over before the next size check.
func (w *RolloverWatcher) Run(ctx context.Context) error {
	for {
		rolled, err := w.checkOnce(ctx)
		if err != nil {
			w.log.Warn("rollover check failed", zap.Error(err))
		}

		wait := time.Second
		if rolled {
			wait = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (w *RolloverWatcher) checkOnce(ctx context.Context) (bool, error) {
	row, err := w.reg.LatestLive(ctx)
	if errors.Is(err, ErrNoStore) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	size := StoreSize(row.Dir(w.dataDir))
	if size < w.threshold {
		return false, nil
	}

	w.log.Info("rolling over live store",
		zap.String("name", row.Name), zap.Int64("size", size))
	if err := w.reg.AddLive(ctx); err != nil {
		return false, err
	}
	return true, nil
}
