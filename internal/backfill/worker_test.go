package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/carve"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/ingest"
	"github.com/char/at-backshots/internal/storage"
	"github.com/char/at-backshots/internal/zplc"
)

const testCID = "bafyreidfayvfuwqa7qlnopdjiqrxzs6blmoeu4rujcjtnci5beludirz2a"

type workerFixture struct {
	worker   *Worker
	bdb      *DB
	interner *data.Interner
	reg      *storage.Registry
	database *db.DB
	dataDir  string
}

func newWorkerFixture(t *testing.T, repoArchive string) *workerFixture {
	t.Helper()
	dataDir := t.TempDir()
	database, err := db.Open(filepath.Join(dataDir, "db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	// zplc knows nothing; every did interns locally
	oracle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(oracle.Close)

	// fake PDS serving the repo archive
	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.sync.getRepo", r.URL.Path)
		_, _ = w.Write([]byte(repoArchive))
	}))
	t.Cleanup(pds.Close)

	// fake plc directory pointing at the fake PDS
	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"service": []map[string]string{
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": pds.URL},
			},
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(plc.Close)

	interner := data.NewInterner(zap.NewNop(), database, zplc.NewClient(oracle.URL, zap.NewNop()))
	reg := storage.NewRegistry(zap.NewNop(), database)
	writer, err := ingest.NewWriter(context.Background(), zap.NewNop(), database, interner, reg, dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close(context.Background()) })

	bdb, err := Open(filepath.Join(dataDir, "backfill.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })

	worker := NewWorker(zap.NewNop(), bdb, interner, writer, carve.NewJSONFrames(), plc.URL)
	return &workerFixture{
		worker: worker, bdb: bdb, interner: interner,
		reg: reg, database: database, dataDir: dataDir,
	}
}

func (f *workerFixture) countBacklinks(t *testing.T, ctx context.Context, targetURI string) int {
	t.Helper()
	target, err := f.interner.RecordIDFromATURI(ctx, targetURI)
	require.NoError(t, err)
	rows, err := f.reg.All(ctx)
	require.NoError(t, err)
	set := data.NewRecordIDSet()
	for _, row := range rows {
		reader, err := storage.OpenStoreReader(row, f.dataDir, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, reader.ReadBacklinks(target, set))
		require.NoError(t, reader.Close())
	}
	return set.Len()
}

func TestWorkerBackfillsRepo(t *testing.T) {
	archive := fmt.Sprintf(`{
		"rev": "3lkpfgi6mck25",
		"records": [{
			"collection": "app.bsky.feed.like",
			"rkey": "3lkpfgi6mck24",
			"links": [{"uri": "at://did:plc:target/app.bsky.feed.post/3lkpfgi6mck23", "cid": %q}]
		}]
	}`, testCID)
	f := newWorkerFixture(t, archive)
	ctx := context.Background()

	did, err := f.interner.EncodeDid(ctx, "did:plc:sourcerepo")
	require.NoError(t, err)
	require.NoError(t, f.bdb.EnqueueRepo(ctx, did))

	claimed, rev, ok, err := f.bdb.ClaimOutdated(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, did, claimed)

	require.NoError(t, f.worker.processRepo(ctx, claimed, rev))

	state, newRev, _, err := f.bdb.RepoState(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Equal(t, "3lkpfgi6mck25", newRev)

	assert.Equal(t, 1, f.countBacklinks(t, ctx, "at://did:plc:target/app.bsky.feed.post/3lkpfgi6mck23"))
}

func TestWorkerFlushesQueuedEvents(t *testing.T) {
	archive := `{"rev": "3lkpfgi6mck25", "records": []}`
	f := newWorkerFixture(t, archive)
	ctx := context.Background()

	did, err := f.interner.EncodeDid(ctx, "did:plc:sourcerepo")
	require.NoError(t, err)
	require.NoError(t, f.bdb.EnqueueRepo(ctx, did))

	// two events queued while "processing": one behind the archive rev, one past it
	stale := fmt.Sprintf(`{"seq": 1, "repo": "did:plc:sourcerepo", "rev": "3lkpfgi6mck24",
		"records": [{"collection": "app.bsky.feed.like", "rkey": "3lkpfgi6mck21",
			"links": [{"uri": "at://did:plc:target/app.bsky.feed.post/3lkpfgi6mck20", "cid": %q}]}]}`, testCID)
	fresh := fmt.Sprintf(`{"seq": 2, "repo": "did:plc:sourcerepo", "rev": "3lkpfgi6mck26",
		"records": [{"collection": "app.bsky.feed.like", "rkey": "3lkpfgi6mck22",
			"links": [{"uri": "at://did:plc:target/app.bsky.feed.post/3lkpfgi6mck23", "cid": %q}]}]}`, testCID)
	require.NoError(t, f.bdb.EnqueueEvent(ctx, did, []byte(stale)))
	require.NoError(t, f.bdb.EnqueueEvent(ctx, did, []byte(fresh)))

	claimed, rev, ok, err := f.bdb.ClaimOutdated(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.worker.processRepo(ctx, claimed, rev))

	// the stale event's backlink never landed, the fresh one did
	assert.Equal(t, 0, f.countBacklinks(t, ctx, "at://did:plc:target/app.bsky.feed.post/3lkpfgi6mck20"))
	assert.Equal(t, 1, f.countBacklinks(t, ctx, "at://did:plc:target/app.bsky.feed.post/3lkpfgi6mck23"))

	// queue drained
	frames, err := f.bdb.DrainEvents(ctx, did)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestWorkerMarksErrored(t *testing.T) {
	f := newWorkerFixture(t, `{}`)
	ctx := context.Background()

	// a did the interner has never seen cannot resolve
	badDid := data.DidFlagNonStandard | 424242
	_, err := f.bdb.ExecContext(ctx,
		`INSERT INTO repos (did, state) VALUES (?, 'outdated')`, DidToDB(badDid))
	require.NoError(t, err)

	claimed, rev, ok, err := f.bdb.ClaimOutdated(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.worker.processRepo(ctx, claimed, rev)
	require.Error(t, err)
	require.NoError(t, f.bdb.SetRepoState(ctx, claimed, StateErrored, rev))

	state, _, _, err := f.bdb.RepoState(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, StateErrored, state)
}
