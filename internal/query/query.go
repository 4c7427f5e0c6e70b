// Package query is the read path: union of backlinks over every store for
// a given target, resolved back to AT-URIs and grouped by collection.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/storage"
)

// ErrBadURI means the lookup target was not a well-formed at:// locator.
var ErrBadURI = errors.New("invalid at-uri")

// Service answers backlink lookups.
type Service struct {
	log      *zap.Logger
	db       *db.DB
	reg      *storage.Registry
	interner *data.Interner
	dataDir  string
}

// NewService wires the read path.
func NewService(log *zap.Logger, database *db.DB, reg *storage.Registry, interner *data.Interner, dataDir string) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log:      log.Named("query"),
		db:       database,
		reg:      reg,
		interner: interner,
		dataDir:  dataDir,
	}
}

// GetBacklinks resolves uri and returns every source currently referencing
// it, grouped by the source's collection name. A store that fails to open
// or read is warned about and skipped; the union of the rest still
// answers. The result map is never nil, so a miss renders as {}.
func (s *Service) GetBacklinks(ctx context.Context, uri string) (map[string][]string, error) {
	repo, collection, rkey, err := data.ParseATURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadURI, err)
	}
	target, err := s.interner.RecordIDFromParts(ctx, repo, collection, rkey)
	if err != nil {
		return nil, fmt.Errorf("intern target: %w", err)
	}

	stores, err := s.reg.All(ctx)
	if err != nil {
		return nil, err
	}

	sources := data.NewRecordIDSet()
	for _, row := range stores {
		reader, err := storage.OpenStoreReader(row, s.dataDir, s.log)
		if err != nil {
			s.log.Warn("skipping unreadable store",
				zap.String("name", row.Name), zap.String("type", string(row.Type)), zap.Error(err))
			continue
		}
		if err := reader.ReadBacklinks(target, sources); err != nil {
			s.log.Warn("read failed for store",
				zap.String("name", row.Name), zap.Error(err))
		}
		_ = reader.Close()
	}

	grouped := make(map[string][]string)
	for _, source := range sources.Sorted() {
		collection, err := s.interner.ResolveCollection(ctx, source.Collection)
		if err != nil {
			s.log.Warn("failed to resolve source collection", zap.Error(err))
			continue
		}
		uri, err := s.interner.ResolveATURI(ctx, source)
		if err != nil {
			s.log.Warn("failed to resolve source uri", zap.Error(err))
			continue
		}
		grouped[collection] = append(grouped[collection], uri)
	}
	for _, uris := range grouped {
		sort.Strings(uris)
	}
	return grouped, nil
}

// Status is the line-oriented operational snapshot served by /status.
type Status struct {
	Collections  int64
	Backlinks    int64
	OutlineRkeys int64
	NonZplcDids  int64
}

// GetStatus reads the audit counts from the relational store.
func (s *Service) GetStatus(ctx context.Context) (Status, error) {
	var st Status
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(id) FROM collections`).Scan(&st.Collections); err != nil {
		return Status{}, fmt.Errorf("count collections: %w", err)
	}
	backlinks, err := s.db.GetCount(ctx, "backlinks")
	if err != nil {
		return Status{}, fmt.Errorf("backlinks count: %w", err)
	}
	st.Backlinks = backlinks
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(id) FROM outline_rkeys`).Scan(&st.OutlineRkeys); err != nil {
		return Status{}, fmt.Errorf("count rkeys: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(id) FROM outline_dids`).Scan(&st.NonZplcDids); err != nil {
		return Status{}, fmt.Errorf("count dids: %w", err)
	}
	return st, nil
}
