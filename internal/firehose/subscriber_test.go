package firehose

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/backfill"
	"github.com/char/at-backshots/internal/carve"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/ingest"
	"github.com/char/at-backshots/internal/storage"
	"github.com/char/at-backshots/internal/zplc"
)

const testCID = "bafyreidfayvfuwqa7qlnopdjiqrxzs6blmoeu4rujcjtnci5beludirz2a"

type fixture struct {
	sub      *Subscriber
	database *db.DB
	gate     *backfill.DB
	interner *data.Interner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	database, err := db.Open(filepath.Join(dataDir, "db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	interner := data.NewInterner(zap.NewNop(), database, zplc.NewClient(srv.URL, zap.NewNop()))
	reg := storage.NewRegistry(zap.NewNop(), database)
	writer, err := ingest.NewWriter(context.Background(), zap.NewNop(), database, interner, reg, dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close(context.Background()) })

	gate, err := backfill.Open(filepath.Join(dataDir, "backfill.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gate.Close() })

	sub := NewSubscriber(zap.NewNop(), database, writer, carve.NewJSONFrames(), interner, gate, "relay.test", false)
	return &fixture{sub: sub, database: database, gate: gate, interner: interner}
}

func commitFrame(seq int64, repo, rev string) []byte {
	return []byte(fmt.Sprintf(`{
		"seq": %d, "repo": %q, "rev": %q,
		"records": [{
			"collection": "app.bsky.feed.like",
			"rkey": "3lkpfgi6mck24",
			"links": [{"uri": "at://did:plc:beta/app.bsky.feed.post/3lkpfgi6mck23", "cid": %q}]
		}]
	}`, seq, repo, rev, testCID))
}

func TestHandleFrameAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cursor := int64(0)

	require.NoError(t, f.sub.handleFrame(ctx, commitFrame(5, "did:web:a.example", "3lkpfgi6mck23"), &cursor))
	assert.Equal(t, int64(5), cursor)

	persisted, err := f.database.GetCount(ctx, "firehose_cursor")
	require.NoError(t, err)
	assert.Equal(t, int64(5), persisted)
}

func TestHandleFrameSkipsStaleCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cursor := int64(10)

	require.NoError(t, f.sub.handleFrame(ctx, commitFrame(10, "did:web:a.example", "3lkpfgi6mck23"), &cursor))
	assert.Equal(t, int64(10), cursor)
	_, err := f.database.GetCount(ctx, "firehose_cursor")
	assert.ErrorIs(t, err, db.ErrNotFound, "stale commit must not persist a cursor")
}

func TestHandleFrameIgnoresNonCommit(t *testing.T) {
	f := newFixture(t)
	cursor := int64(0)
	require.NoError(t, f.sub.handleFrame(context.Background(), []byte(`{"name":"OutdatedCursor"}`), &cursor))
	assert.Zero(t, cursor)
}

func TestGateEnqueuesWhileProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	did, err := f.interner.EncodeDid(ctx, "did:web:a.example")
	require.NoError(t, err)
	require.NoError(t, f.gate.EnqueueRepo(ctx, did))
	require.NoError(t, f.gate.SetRepoState(ctx, did, backfill.StateProcessing, ""))

	cursor := int64(0)
	frame := commitFrame(7, "did:web:a.example", "3lkpfgi6mck23")
	require.NoError(t, f.sub.handleFrame(ctx, frame, &cursor))
	assert.Equal(t, int64(7), cursor, "cursor advances even for gated commits")

	frames, err := f.gate.DrainEvents(ctx, did)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
}

func TestGateRevComparison(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	did, err := f.interner.EncodeDid(ctx, "did:web:a.example")
	require.NoError(t, err)
	require.NoError(t, f.gate.EnqueueRepo(ctx, did))
	require.NoError(t, f.gate.SetRepoState(ctx, did, backfill.StateDone, "3lkpfgi6mck25"))

	older := &ingest.Commit{Seq: 1, Repo: "did:web:a.example", Rev: "3lkpfgi6mck24"}
	proceed, err := f.sub.gateCommit(ctx, older, nil)
	require.NoError(t, err)
	assert.False(t, proceed, "rev at or behind the backfill is already covered")

	newer := &ingest.Commit{Seq: 2, Repo: "did:web:a.example", Rev: "3lkpfgi6mck26"}
	proceed, err = f.sub.gateCommit(ctx, newer, nil)
	require.NoError(t, err)
	assert.True(t, proceed)
}

func TestGateUntrackedRepoProceeds(t *testing.T) {
	f := newFixture(t)
	commit := &ingest.Commit{Seq: 1, Repo: "did:web:b.example", Rev: "3lkpfgi6mck24"}
	proceed, err := f.sub.gateCommit(context.Background(), commit, nil)
	require.NoError(t, err)
	assert.True(t, proceed)
}
