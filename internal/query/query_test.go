package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/storage"
	"github.com/char/at-backshots/internal/zplc"
)

type fixture struct {
	svc      *Service
	interner *data.Interner
	reg      *storage.Registry
	dataDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	database, err := db.Open(filepath.Join(dataDir, "db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	dids := map[string]string{
		"did:plc:alpha": "1", "1": "did:plc:alpha",
		"did:plc:beta": "2", "2": "did:plc:beta",
		"did:plc:gamma": "3", "3": "did:plc:gamma",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v, ok := dids[r.URL.Path[1:]]; ok {
			_, _ = w.Write([]byte(v))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	interner := data.NewInterner(zap.NewNop(), database, zplc.NewClient(srv.URL, zap.NewNop()))
	reg := storage.NewRegistry(zap.NewNop(), database)
	return &fixture{
		svc:      NewService(zap.NewNop(), database, reg, interner, dataDir),
		interner: interner,
		reg:      reg,
		dataDir:  dataDir,
	}
}

func TestGetBacklinksEmpty(t *testing.T) {
	f := newFixture(t)
	links, err := f.svc.GetBacklinks(context.Background(), "at://did:plc:abc/app.bsky.feed.post/3lkpfgi6mck23")
	require.NoError(t, err)
	require.NotNil(t, links)
	assert.Empty(t, links)
}

func TestGetBacklinksBadURI(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetBacklinks(context.Background(), "not-an-at-uri")
	assert.ErrorIs(t, err, ErrBadURI)
}

func TestGetBacklinksGroupsByCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target, err := f.interner.RecordIDFromATURI(ctx, "at://did:plc:beta/app.bsky.feed.post/3lkpfgi6mck23")
	require.NoError(t, err)
	like, err := f.interner.RecordIDFromATURI(ctx, "at://did:plc:alpha/app.bsky.feed.like/3lkpfgi6mck24")
	require.NoError(t, err)
	repost, err := f.interner.RecordIDFromATURI(ctx, "at://did:plc:gamma/app.bsky.feed.repost/3lkpfgi6mck25")
	require.NoError(t, err)

	handle, err := storage.OpenLatestLiveWriter(ctx, f.reg, f.dataDir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, handle.LogBacklink(target, like))
	require.NoError(t, handle.LogBacklink(target, repost))
	require.NoError(t, handle.Close())

	links, err := f.svc.GetBacklinks(ctx, "at://did:plc:beta/app.bsky.feed.post/3lkpfgi6mck23")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"app.bsky.feed.like":   {"at://did:plc:alpha/app.bsky.feed.like/3lkpfgi6mck24"},
		"app.bsky.feed.repost": {"at://did:plc:gamma/app.bsky.feed.repost/3lkpfgi6mck25"},
	}, links)
}

func TestGetBacklinksUnionAcrossStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target, err := f.interner.RecordIDFromATURI(ctx, "at://did:plc:beta/app.bsky.feed.post/3lkpfgi6mck23")
	require.NoError(t, err)
	s1, err := f.interner.RecordIDFromATURI(ctx, "at://did:plc:alpha/app.bsky.feed.like/3lkpfgi6mck24")
	require.NoError(t, err)
	s2, err := f.interner.RecordIDFromATURI(ctx, "at://did:plc:gamma/app.bsky.feed.like/3lkpfgi6mck25")
	require.NoError(t, err)

	// first store gets s1, then the registry rolls over and the new write
	// target gets s2 for the same target
	handle, err := storage.OpenLatestLiveWriter(ctx, f.reg, f.dataDir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, handle.LogBacklink(target, s1))
	firstID := handle.StoreID
	require.NoError(t, handle.Close())

	_, err = f.svc.db.Exec(`INSERT INTO data_stores (name, type) VALUES ('29990101000000', 'live')`)
	require.NoError(t, err)

	handle, err = storage.OpenLatestLiveWriter(ctx, f.reg, f.dataDir, zap.NewNop())
	require.NoError(t, err)
	require.NotEqual(t, firstID, handle.StoreID)
	require.NoError(t, handle.LogBacklink(target, s2))
	require.NoError(t, handle.Close())

	links, err := f.svc.GetBacklinks(ctx, "at://did:plc:beta/app.bsky.feed.post/3lkpfgi6mck23")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"app.bsky.feed.like": {
			"at://did:plc:alpha/app.bsky.feed.like/3lkpfgi6mck24",
			"at://did:plc:gamma/app.bsky.feed.like/3lkpfgi6mck25",
		},
	}, links)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.interner.EncodeCollection(ctx, "app.bsky.feed.like")
	require.NoError(t, err)
	_, err = f.interner.EncodeDid(ctx, "did:web:example.com")
	require.NoError(t, err)
	_, err = f.interner.EncodeRkey(ctx, "self")
	require.NoError(t, err)
	require.NoError(t, f.svc.db.AddCount(ctx, "backlinks", 42))

	st, err := f.svc.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Collections)
	assert.Equal(t, int64(42), st.Backlinks)
	assert.Equal(t, int64(1), st.OutlineRkeys)
	assert.Equal(t, int64(1), st.NonZplcDids)
}
