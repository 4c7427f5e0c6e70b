// Package backfill tracks per-repo archive replay: a small work queue
// store with a state machine per repository and an event queue holding
// firehose commits that arrived while their repo was being backfilled.
package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
)

// Repo backfill states. outdated → processing → done | errored.
const (
	StateOutdated   = "outdated"
	StateProcessing = "processing"
	StateDone       = "done"
	StateErrored    = "errored"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS repos (
		did INTEGER PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'outdated'
			CHECK (state IN ('outdated', 'processing', 'done', 'errored')),
		rev TEXT NOT NULL DEFAULT ''
	) STRICT`,
	`CREATE TABLE IF NOT EXISTS event_queue (
		id INTEGER PRIMARY KEY,
		did INTEGER NOT NULL,
		event BLOB NOT NULL
	) STRICT`,
	`CREATE INDEX IF NOT EXISTS event_queue_did ON event_queue (did)`,
}

// DB is the backfill work-queue store.
type DB struct {
	*sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the work queue at path.
func Open(path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("backfill_db")

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqldb.Exec(stmt); err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &DB{DB: sqldb, log: log}, nil
}

// DidToDB packs a fixed-width did into the signed rowid space: interner
// identities store negative, registry identities positive.
func DidToDB(did uint64) int64 {
	if did&data.DidFlagNonStandard != 0 {
		return -int64(did & data.DidMask)
	}
	return int64(did)
}

// DidFromDB reverses DidToDB.
func DidFromDB(id int64) uint64 {
	if id < 0 {
		return uint64(-id) | data.DidFlagNonStandard
	}
	return uint64(id)
}

// EnqueueRepo marks a repo as needing backfill, if it is not tracked yet.
func (d *DB) EnqueueRepo(ctx context.Context, did uint64) error {
	if _, err := d.ExecContext(ctx,
		`INSERT OR IGNORE INTO repos (did, state) VALUES (?, 'outdated')`, DidToDB(did)); err != nil {
		return fmt.Errorf("enqueue repo: %w", err)
	}
	return nil
}

// RepoState returns the state machine row for a repo. ok is false for
// untracked repos.
func (d *DB) RepoState(ctx context.Context, did uint64) (state, rev string, ok bool, err error) {
	err = d.QueryRowContext(ctx,
		`SELECT state, rev FROM repos WHERE did = ?`, DidToDB(did)).Scan(&state, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("select repo: %w", err)
	}
	return state, rev, true, nil
}

// SetRepoState transitions a repo, recording the ingested rev where known.
func (d *DB) SetRepoState(ctx context.Context, did uint64, state, rev string) error {
	if _, err := d.ExecContext(ctx,
		`UPDATE repos SET state = ?, rev = ? WHERE did = ?`, state, rev, DidToDB(did)); err != nil {
		return fmt.Errorf("set repo state: %w", err)
	}
	return nil
}

// ClaimOutdated atomically picks one outdated repo and marks it
// processing. ok is false when the queue is drained.
func (d *DB) ClaimOutdated(ctx context.Context) (did uint64, rev string, ok bool, err error) {
	var id int64
	err = d.QueryRowContext(ctx,
		`UPDATE repos SET state = 'processing'
		 WHERE did = (SELECT did FROM repos WHERE state = 'outdated' LIMIT 1)
		 RETURNING did, rev`).Scan(&id, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("claim outdated: %w", err)
	}
	return DidFromDB(id), rev, true, nil
}

// EnqueueEvent stashes a raw commit frame for replay after backfill.
func (d *DB) EnqueueEvent(ctx context.Context, did uint64, frame []byte) error {
	if _, err := d.ExecContext(ctx,
		`INSERT INTO event_queue (did, event) VALUES (?, ?)`, DidToDB(did), frame); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// DrainEvents removes and returns every queued frame for a repo, in
// arrival order.
func (d *DB) DrainEvents(ctx context.Context, did uint64) ([][]byte, error) {
	rows, err := d.QueryContext(ctx,
		`DELETE FROM event_queue WHERE did = ? RETURNING event`, DidToDB(did))
	if err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	defer rows.Close()

	var frames [][]byte
	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, rows.Err()
}
