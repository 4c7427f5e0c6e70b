package storage

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// CleanupPass removes live directories whose name is no longer listed as a
// live store and which no running process holds a presence file in. The
// registry row survives (as compacted); only the drained live tree goes.
func CleanupPass(ctx context.Context, log *zap.Logger, reg *Registry, dataDir string) error {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("cleanup")

	names, err := reg.LiveNames(ctx)
	if err != nil {
		return err
	}

	liveDir := filepath.Join(dataDir, string(StoreLive))
	entries, err := os.ReadDir(liveDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, listed := names[name]; listed {
			continue
		}

		dir := filepath.Join(liveDir, name)
		busy, err := HasRunningPids(dir)
		if err != nil {
			log.Warn("skipping dir", zap.String("name", name), zap.Error(err))
			continue
		}
		if busy {
			continue
		}

		log.Info("cleaning up", zap.String("name", name))
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("remove failed", zap.String("name", name), zap.Error(err))
		}
	}
	return nil
}
