// Package ingest is the write path: it takes carved commits, interns their
// identifiers, and records backlinks into the current live store.
package ingest

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/counter"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/storage"
)

// counterFlushEvery is how many successful writes elapse between folds of
// the in-memory backlinks counter into the counts table.
const counterFlushEvery = 4096

// Link is one outbound reference carved from a record: a target locator
// plus the content identifier the reference was made against.
type Link struct {
	TargetURI string
	TargetCID string
}

// Record is one repository record with its outbound references.
type Record struct {
	Collection string
	Rkey       string
	Links      []Link
}

// Commit is one carved repository mutation.
type Commit struct {
	Seq     int64
	Repo    string
	Rev     string
	Records []Record
}

// Carver is the external carving/walking layer. It decodes archive
// containers and record layouts and hands back plain reference tuples;
// this package never touches the container formats itself.
type Carver interface {
	// ExtractCommit decodes one firehose frame. Frames that carry no
	// commit (info frames, unknown types) return (nil, nil).
	ExtractCommit(frame []byte) (*Commit, error)
	// ExtractRepo walks a full repository archive, returning its records
	// and the repository revision the archive represents.
	ExtractRepo(did string, archive []byte) ([]Record, string, error)
}

// Writer drives the current live store. It is owned by a single goroutine;
// cross-process coordination happens inside the live store itself.
type Writer struct {
	log      *zap.Logger
	db       *db.DB
	interner *data.Interner
	reg      *storage.Registry
	dataDir  string

	handle    *storage.LiveWriteHandle
	backlinks *counter.Monotonic
	writes    uint64
}

// NewWriter opens a writer against the newest live store.
func NewWriter(ctx context.Context, log *zap.Logger, database *db.DB, interner *data.Interner, reg *storage.Registry, dataDir string) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ingest")

	handle, err := storage.OpenLatestLiveWriter(ctx, reg, dataDir, log)
	if err != nil {
		return nil, fmt.Errorf("open live writer: %w", err)
	}

	return &Writer{
		log:       log,
		db:        database,
		interner:  interner,
		reg:       reg,
		dataDir:   dataDir,
		handle:    handle,
		backlinks: counter.NewMonotonic("backlinks"),
	}, nil
}

// Close flushes the counter and releases the live store handle.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.backlinks.Flush(ctx, w.db); err != nil {
		w.log.Warn("final counter flush failed", zap.Error(err))
	}
	return w.handle.Close()
}

// StoreID returns the id of the live store currently being written.
func (w *Writer) StoreID() int64 { return w.handle.StoreID }

// FlushCounter folds the pending backlinks delta into the counts table.
// Safe to call from a goroutine other than the writer's; only the counter
// is touched.
func (w *Writer) FlushCounter(ctx context.Context) error {
	return w.backlinks.Flush(ctx, w.db)
}

// RefreshHandle re-acquires the newest live store if roll-over has
// happened since the handle was opened. Callers invoke this periodically
// between commits, never mid-commit.
func (w *Writer) RefreshHandle(ctx context.Context) error {
	latest, err := w.reg.LatestLiveID(ctx)
	if err != nil {
		return err
	}
	if latest == w.handle.StoreID {
		return nil
	}

	w.log.Info("rolling over live store handle",
		zap.Int64("from", w.handle.StoreID), zap.Int64("to", latest))
	if err := w.handle.Close(); err != nil {
		w.log.Warn("closing old handle", zap.Error(err))
	}
	handle, err := storage.OpenLatestLiveWriter(ctx, w.reg, w.dataDir, w.log)
	if err != nil {
		return fmt.Errorf("reopen live writer: %w", err)
	}
	w.handle = handle
	return nil
}

// HandleCommit records every backlink a carved commit produced.
func (w *Writer) HandleCommit(ctx context.Context, commit *Commit) error {
	for _, record := range commit.Records {
		if err := w.HandleRecord(ctx, commit.Repo, record); err != nil {
			return err
		}
	}
	return nil
}

// HandleRecord interns the source once and logs one backlink per valid
// target. A malformed target URI, a CID that does not parse, or an
// interning failure drops that pair with a warning; the rest of the record
// still lands. Only store-level write and counter-flush failures abort.
func (w *Writer) HandleRecord(ctx context.Context, repo string, record Record) error {
	if len(record.Links) == 0 {
		return nil
	}

	source, err := w.interner.RecordIDFromParts(ctx, repo, record.Collection, record.Rkey)
	if err != nil {
		w.log.Warn("failed to intern source record",
			zap.String("repo", repo),
			zap.String("collection", record.Collection),
			zap.String("rkey", record.Rkey),
			zap.Error(err))
		return nil
	}

	for _, link := range record.Links {
		if _, err := cid.Decode(link.TargetCID); err != nil {
			w.log.Warn("dropping link with invalid cid",
				zap.String("cid", link.TargetCID), zap.Error(err))
			continue
		}
		target, err := w.interner.RecordIDFromATURI(ctx, link.TargetURI)
		if err != nil {
			w.log.Warn("failed to intern target",
				zap.String("uri", link.TargetURI), zap.Error(err))
			continue
		}

		if err := w.handle.LogBacklink(target, source); err != nil {
			return fmt.Errorf("log backlink: %w", err)
		}

		w.backlinks.Add(1)
		w.writes++
		if w.writes%counterFlushEvery == 0 {
			if err := w.backlinks.Flush(ctx, w.db); err != nil {
				return fmt.Errorf("flush counter: %w", err)
			}
		}
	}
	return nil
}
