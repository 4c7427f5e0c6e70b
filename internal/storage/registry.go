package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/db"
)

// ErrNoStore means no data-store row matched the query.
var ErrNoStore = errors.New("no such data store")

// StoreType discriminates the two store tiers. A row's type transitions at
// most once, from live to compacted.
type StoreType string

const (
	StoreLive      StoreType = "live"
	StoreCompacted StoreType = "compacted"
)

// StoreRow is one data_stores registry row. Name doubles as the store's
// directory name under <data_dir>/<type>/.
type StoreRow struct {
	ID                   int64
	Name                 string
	Type                 StoreType
	CompactionInProgress bool
}

// Dir returns the on-disk directory for this row under dataDir.
func (r StoreRow) Dir(dataDir string) string {
	return filepath.Join(dataDir, string(r.Type), r.Name)
}

// Registry is the catalogue of stores, backed by the data_stores table.
type Registry struct {
	db  *db.DB
	log *zap.Logger
}

// NewRegistry initializes a registry over the relational store.
func NewRegistry(log *zap.Logger, database *db.DB) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{db: database, log: log.Named("registry")}
}

// AddLive inserts a fresh live store row named by the current timestamp.
func (r *Registry) AddLive(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO data_stores (name, type) VALUES (strftime('%Y%m%d%H%M%S', 'now'), 'live')`); err != nil {
		return fmt.Errorf("insert live store: %w", err)
	}
	return nil
}

// LatestLive returns the newest-by-id live store row, which is the write
// target. Returns ErrNoStore when no live store exists yet.
func (r *Registry) LatestLive(ctx context.Context) (StoreRow, error) {
	row := StoreRow{Type: StoreLive}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name FROM data_stores WHERE type = 'live' ORDER BY id DESC LIMIT 1`).
		Scan(&row.ID, &row.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return StoreRow{}, ErrNoStore
	}
	if err != nil {
		return StoreRow{}, fmt.Errorf("select latest live: %w", err)
	}
	return row, nil
}

// LatestLiveID returns only the newest live store id; the write path polls
// this to detect roll-over.
func (r *Registry) LatestLiveID(ctx context.Context) (int64, error) {
	row, err := r.LatestLive(ctx)
	if err != nil {
		return 0, err
	}
	return row.ID, nil
}

// EnsureLive returns the newest live store, creating one first if the
// registry is empty.
func (r *Registry) EnsureLive(ctx context.Context) (StoreRow, error) {
	row, err := r.LatestLive(ctx)
	if errors.Is(err, ErrNoStore) {
		if err := r.AddLive(ctx); err != nil {
			return StoreRow{}, err
		}
		row, err = r.LatestLive(ctx)
	}
	return row, err
}

// All enumerates every store row ascending by id.
func (r *Registry) All(ctx context.Context) ([]StoreRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, type, compaction_in_progress FROM data_stores ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("select stores: %w", err)
	}
	defer rows.Close()

	var out []StoreRow
	for rows.Next() {
		var row StoreRow
		var typ string
		var inProgress int
		if err := rows.Scan(&row.ID, &row.Name, &typ, &inProgress); err != nil {
			return nil, fmt.Errorf("scan store row: %w", err)
		}
		row.Type = StoreType(typ)
		row.CompactionInProgress = inProgress != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

// LiveNames returns the names of all live rows.
func (r *Registry) LiveNames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM data_stores WHERE type = 'live'`)
	if err != nil {
		return nil, fmt.Errorf("select live names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		names[name] = struct{}{}
	}
	return names, rows.Err()
}

// OldestCompactable returns the oldest live row not already being
// compacted, or ErrNoStore.
func (r *Registry) OldestCompactable(ctx context.Context) (StoreRow, error) {
	row := StoreRow{Type: StoreLive}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name FROM data_stores
		 WHERE type = 'live' AND compaction_in_progress = 0
		 ORDER BY id ASC LIMIT 1`).
		Scan(&row.ID, &row.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return StoreRow{}, ErrNoStore
	}
	if err != nil {
		return StoreRow{}, fmt.Errorf("select compactable: %w", err)
	}
	return row, nil
}

// MarkCompactionInProgress flags a store so concurrent compactors skip it.
func (r *Registry) MarkCompactionInProgress(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE data_stores SET compaction_in_progress = 1 WHERE name = ?`, name); err != nil {
		return fmt.Errorf("mark compaction: %w", err)
	}
	return nil
}

// SetCompacted flips a store's type from live to compacted. One-way.
func (r *Registry) SetCompacted(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE data_stores SET type = 'compacted' WHERE name = ?`, name); err != nil {
		return fmt.Errorf("set compacted: %w", err)
	}
	return nil
}

// VerifyAgainstDisk checks every registry row has its directory on disk.
// Skew between the registry and the filesystem is an operator problem;
// callers treat it as fatal at startup.
func (r *Registry) VerifyAgainstDisk(ctx context.Context, dataDir string) error {
	rows, err := r.All(ctx)
	if err != nil {
		return err
	}

	var newestLive int64
	for _, row := range rows {
		if row.Type == StoreLive && row.ID > newestLive {
			newestLive = row.ID
		}
	}

	for _, row := range rows {
		if _, err := os.Stat(row.Dir(dataDir)); err != nil {
			// the newest live row is materialised lazily by the first writer
			if row.Type == StoreLive && row.ID == newestLive {
				continue
			}
			return fmt.Errorf("store %q listed as %s but missing on disk: %w", row.Name, row.Type, err)
		}
	}
	return nil
}
