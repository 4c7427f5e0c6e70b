package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/tid"
	"github.com/char/at-backshots/internal/zplc"
)

// Interner maintains the bidirectional mappings did ↔ u64, collection ↔ u32,
// rkey ↔ u64, backed by the relational store plus the ZPLC oracle.
//
// Caches hold successful encodes only; resolver failures surface to the
// caller and never taint a cached entry.
type Interner struct {
	log  *zap.Logger
	db   *db.DB
	zplc *zplc.Client

	mu        sync.Mutex
	didCache  map[string]uint64
	collCache map[string]uint32
}

// NewInterner wires an interner over the relational store and the oracle.
func NewInterner(log *zap.Logger, database *db.DB, oracle *zplc.Client) *Interner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Interner{
		log:       log.Named("interner"),
		db:        database,
		zplc:      oracle,
		didCache:  make(map[string]uint64),
		collCache: make(map[string]uint32),
	}
}

// EncodeDid maps a did string to its fixed-width identity. did:plc dids the
// oracle knows keep the high bit clear; everything else is interned into
// outline_dids and tagged DidFlagNonStandard.
func (it *Interner) EncodeDid(ctx context.Context, didStr string) (uint64, error) {
	it.mu.Lock()
	cached, ok := it.didCache[didStr]
	it.mu.Unlock()
	if ok {
		return cached, nil
	}

	if strings.HasPrefix(didStr, "did:plc:") {
		id, found, err := it.zplc.LookupDid(ctx, didStr)
		if err != nil {
			return 0, fmt.Errorf("encode did: %w", err)
		}
		if found {
			it.cacheDid(didStr, id)
			return id, nil
		}
	}

	id, err := it.insertOrFetch(ctx,
		`INSERT OR IGNORE INTO outline_dids (did) VALUES (?)`,
		`SELECT id FROM outline_dids WHERE did = ?`, didStr)
	if err != nil {
		return 0, fmt.Errorf("encode did: %w", err)
	}
	did := uint64(id) | DidFlagNonStandard
	it.cacheDid(didStr, did)
	return did, nil
}

// ResolveDid maps a fixed-width identity back to its did string.
func (it *Interner) ResolveDid(ctx context.Context, did uint64) (string, error) {
	if did&DidFlagNonStandard == 0 {
		s, err := it.zplc.ResolveID(ctx, did)
		if err != nil {
			return "", fmt.Errorf("resolve did: %w", err)
		}
		return s, nil
	}

	var s string
	err := it.db.QueryRowContext(ctx,
		`SELECT did FROM outline_dids WHERE id = ?`, int64(did&DidMask)).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve did: %d: %w", did, db.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve did: %w", err)
	}
	return s, nil
}

// EncodeRkey maps a record-key string to u64. TID-shaped keys decode in
// place; everything else is interned into outline_rkeys and tagged
// RkeyFlagNotTID.
func (it *Interner) EncodeRkey(ctx context.Context, rkey string) (uint64, error) {
	if tid.IsTID(rkey) {
		return tid.S32Decode(rkey), nil
	}

	id, err := it.insertOrFetch(ctx,
		`INSERT OR IGNORE INTO outline_rkeys (rkey) VALUES (?)`,
		`SELECT id FROM outline_rkeys WHERE rkey = ?`, rkey)
	if err != nil {
		return 0, fmt.Errorf("encode rkey: %w", err)
	}
	return uint64(id) | RkeyFlagNotTID, nil
}

// ResolveRkey maps a u64 record key back to its string form.
func (it *Interner) ResolveRkey(ctx context.Context, rkey uint64) (string, error) {
	if rkey&RkeyFlagNotTID == 0 {
		return tid.S32Encode(rkey), nil
	}

	var s string
	err := it.db.QueryRowContext(ctx,
		`SELECT rkey FROM outline_rkeys WHERE id = ?`, int64(rkey&RkeyDBMask)).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve rkey: %d: %w", rkey, db.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve rkey: %w", err)
	}
	return s, nil
}

// EncodeCollection maps a collection-name string to its u32 interner id.
func (it *Interner) EncodeCollection(ctx context.Context, collection string) (uint32, error) {
	it.mu.Lock()
	cached, ok := it.collCache[collection]
	it.mu.Unlock()
	if ok {
		return cached, nil
	}

	id, err := it.insertOrFetch(ctx,
		`INSERT OR IGNORE INTO collections (collection) VALUES (?)`,
		`SELECT id FROM collections WHERE collection = ?`, collection)
	if err != nil {
		return 0, fmt.Errorf("encode collection: %w", err)
	}
	coll := uint32(id)

	it.mu.Lock()
	it.collCache[collection] = coll
	it.mu.Unlock()
	return coll, nil
}

// ResolveCollection maps a u32 interner id back to its collection name.
func (it *Interner) ResolveCollection(ctx context.Context, collection uint32) (string, error) {
	var s string
	err := it.db.QueryRowContext(ctx,
		`SELECT collection FROM collections WHERE id = ?`, int64(collection)).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve collection: %d: %w", collection, db.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve collection: %w", err)
	}
	return s, nil
}

// RecordIDFromATURI parses an at:// locator and interns all three
// components into a RecordID.
func (it *Interner) RecordIDFromATURI(ctx context.Context, uri string) (RecordID, error) {
	repo, collection, rkey, err := ParseATURI(uri)
	if err != nil {
		return RecordID{}, err
	}
	return it.RecordIDFromParts(ctx, repo, collection, rkey)
}

// RecordIDFromParts interns a (repo, collection, rkey) triple.
func (it *Interner) RecordIDFromParts(ctx context.Context, repo, collection, rkey string) (RecordID, error) {
	did, err := it.EncodeDid(ctx, repo)
	if err != nil {
		return RecordID{}, err
	}
	coll, err := it.EncodeCollection(ctx, collection)
	if err != nil {
		return RecordID{}, err
	}
	rk, err := it.EncodeRkey(ctx, rkey)
	if err != nil {
		return RecordID{}, err
	}
	return NewRecordID(did, coll, rk), nil
}

// ResolveATURI renders a RecordID back into its at:// locator.
func (it *Interner) ResolveATURI(ctx context.Context, id RecordID) (string, error) {
	did, err := it.ResolveDid(ctx, id.Did)
	if err != nil {
		return "", err
	}
	coll, err := it.ResolveCollection(ctx, id.Collection)
	if err != nil {
		return "", err
	}
	rkey, err := it.ResolveRkey(ctx, id.Rkey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("at://%s/%s/%s", did, coll, rkey), nil
}

func (it *Interner) cacheDid(didStr string, did uint64) {
	it.mu.Lock()
	it.didCache[didStr] = did
	it.mu.Unlock()
}

// insertOrFetch is the shared insert-or-fetch for the interner tables.
func (it *Interner) insertOrFetch(ctx context.Context, insert, query, value string) (int64, error) {
	if _, err := it.db.ExecContext(ctx, insert, value); err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	var id int64
	if err := it.db.QueryRowContext(ctx, query, value).Scan(&id); err != nil {
		return 0, fmt.Errorf("select: %w", err)
	}
	return id, nil
}
