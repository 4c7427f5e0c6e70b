package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
)

// Compactor drains live stores into compacted form. The oldest live store
// qualifies once it has reached the size threshold, has no live presence
// files, and is not already being worked on; whether it is also the newest
// live store is not checked. Distinct stores compact in parallel.
type Compactor struct {
	reg       *Registry
	dataDir   string
	threshold int64
	log       *zap.Logger
}

// NewCompactor builds a compactor with the default 2 GiB threshold.
func NewCompactor(log *zap.Logger, reg *Registry, dataDir string) *Compactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compactor{
		reg:       reg,
		dataDir:   dataDir,
		threshold: RolloverThreshold,
		log:       log.Named("compactor"),
	}
}

// Run polls for candidates until ctx is cancelled, then waits for
// in-flight compactions to finish their store.
func (c *Compactor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		row, err := c.candidate(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoStore) {
				c.log.Debug("no compaction candidate", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.CompactStore(ctx, row.Name); err != nil {
				c.log.Error("compaction failed", zap.String("name", row.Name), zap.Error(err))
			}
		}()
	}
}

// candidate picks and claims the next store to compact.
func (c *Compactor) candidate(ctx context.Context) (StoreRow, error) {
	row, err := c.reg.OldestCompactable(ctx)
	if err != nil {
		return StoreRow{}, err
	}

	dir := row.Dir(c.dataDir)
	if size := StoreSize(dir); size < c.threshold {
		return StoreRow{}, fmt.Errorf("%s not big enough yet (%d bytes): %w", row.Name, size, ErrNoStore)
	}
	busy, err := HasRunningPids(dir)
	if err != nil {
		return StoreRow{}, err
	}
	if busy {
		return StoreRow{}, fmt.Errorf("%s still has running processes: %w", row.Name, ErrNoStore)
	}

	if err := c.reg.MarkCompactionInProgress(ctx, row.Name); err != nil {
		return StoreRow{}, err
	}
	return row, nil
}

// CompactStore folds one live store into a compacted store of the same
// name and flips its registry type. The store is a single unit of work:
// once started it runs to completion even through shutdown.
func (c *Compactor) CompactStore(ctx context.Context, name string) error {
	liveDir := filepath.Join(c.dataDir, string(StoreLive), name)
	reader, err := NewLiveReader(liveDir, c.log)
	if err != nil {
		return fmt.Errorf("open live reader: %w", err)
	}
	defer reader.Close()

	targets := reader.ListAllTargets()
	c.log.Info("compacting", zap.String("name", name), zap.Int("targets", len(targets)))

	writer, err := NewCompactedWriter(filepath.Join(c.dataDir, string(StoreCompacted), name))
	if err != nil {
		return fmt.Errorf("open compacted writer: %w", err)
	}
	defer writer.Close()

	for _, entry := range targets {
		sources := data.NewRecordIDSet()
		if err := reader.ReadBacklinksFromIndexEntry(entry, sources); err != nil {
			return fmt.Errorf("read backlinks for target: %w", err)
		}
		if err := writer.LogBacklinks(entry.Target, sources.Sorted()); err != nil {
			return fmt.Errorf("log backlinks: %w", err)
		}
	}

	if err := c.reg.SetCompacted(context.WithoutCancel(ctx), name); err != nil {
		return err
	}
	c.log.Info("compaction complete", zap.String("name", name))
	return nil
}
