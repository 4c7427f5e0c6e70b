package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
)

func rid(did uint64, coll uint32, rkey uint64) data.RecordID {
	return data.NewRecordID(did, coll, rkey)
}

func TestLiveWriterChainWalk(t *testing.T) {
	w, err := NewLiveWriter(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	target := rid(100, 1, 500)
	sources := []data.RecordID{rid(1, 2, 10), rid(2, 2, 11), rid(3, 2, 12), rid(4, 2, 13)}
	for _, s := range sources {
		require.NoError(t, w.LogBacklink(target, s))
	}

	got := data.NewRecordIDSet()
	require.NoError(t, w.ReadBacklinks(target, got))
	require.Equal(t, len(sources), got.Len())
	for _, s := range sources {
		assert.True(t, got.Has(s))
	}
}

func TestLiveWriterChainOfThree(t *testing.T) {
	w, err := NewLiveWriter(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	target := rid(100, 1, 500)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, w.LogBacklink(target, rid(1+i, 2, 10+i)))
	}

	v, ok := w.idx[target]
	require.True(t, ok)
	assert.NotEqual(t, v.head, v.tail)

	head, err := w.readLink(v.head)
	require.NoError(t, err)
	assert.Zero(t, head.Prev, "head link has no predecessor")

	tail, err := w.readLink(v.tail)
	require.NoError(t, err)
	assert.Zero(t, tail.Next, "tail link terminates the chain")

	// consecutive allocation puts the three links in adjacent slots
	assert.Equal(t, uint64(0), v.head)
	assert.Equal(t, uint64(2), v.tail)
	mid, err := w.readLink(v.head + uint64(head.Next))
	require.NoError(t, err)
	assert.EqualValues(t, 1, head.Next)
	assert.EqualValues(t, 1, mid.Next)
	assert.EqualValues(t, -1, mid.Prev)
	assert.EqualValues(t, -1, tail.Prev)
}

func TestLiveWriterSameTailDedup(t *testing.T) {
	w, err := NewLiveWriter(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	target := rid(100, 1, 500)
	source := rid(1, 2, 10)
	require.NoError(t, w.LogBacklink(target, source))
	require.NoError(t, w.LogBacklink(target, source))

	got := data.NewRecordIDSet()
	require.NoError(t, w.ReadBacklinks(target, got))
	assert.Equal(t, 1, got.Len())

	// the second call must not have allocated a slot
	v := w.idx[target]
	assert.Equal(t, v.head, v.tail)

	slot, err := w.allocSlot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), slot, "exactly one link slot was in use")
}

func TestLiveWriterInterleavedTargets(t *testing.T) {
	w, err := NewLiveWriter(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	t1 := rid(100, 1, 500)
	t2 := rid(200, 1, 600)
	require.NoError(t, w.LogBacklink(t1, rid(1, 2, 10)))
	require.NoError(t, w.LogBacklink(t2, rid(2, 2, 11)))
	require.NoError(t, w.LogBacklink(t1, rid(3, 2, 12)))
	require.NoError(t, w.LogBacklink(t2, rid(4, 2, 13)))

	got1 := data.NewRecordIDSet()
	require.NoError(t, w.ReadBacklinks(t1, got1))
	assert.Equal(t, 2, got1.Len())
	assert.True(t, got1.Has(rid(1, 2, 10)))
	assert.True(t, got1.Has(rid(3, 2, 12)))

	got2 := data.NewRecordIDSet()
	require.NoError(t, w.ReadBacklinks(t2, got2))
	assert.Equal(t, 2, got2.Len())
	assert.True(t, got2.Has(rid(2, 2, 11)))
	assert.True(t, got2.Has(rid(4, 2, 13)))
}

func TestLiveStoreReopen(t *testing.T) {
	dir := t.TempDir()
	target := rid(100, 1, 500)

	w, err := NewLiveWriter(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.LogBacklink(target, rid(1, 2, 10)))
	require.NoError(t, w.LogBacklink(target, rid(2, 2, 11)))
	require.NoError(t, w.Close())

	// a fresh writer rebuilds the in-memory index from index.dat
	w2, err := NewLiveWriter(dir, zap.NewNop())
	require.NoError(t, err)
	defer w2.Close()

	got := data.NewRecordIDSet()
	require.NoError(t, w2.ReadBacklinks(target, got))
	assert.Equal(t, 2, got.Len())

	require.NoError(t, w2.LogBacklink(target, rid(3, 2, 12)))
	got = data.NewRecordIDSet()
	require.NoError(t, w2.ReadBacklinks(target, got))
	assert.Equal(t, 3, got.Len())
}

func TestLiveStoreCrashMidSlot(t *testing.T) {
	dir := t.TempDir()
	target := rid(100, 1, 500)

	w, err := NewLiveWriter(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.LogBacklink(target, rid(1, 2, 10)))
	require.NoError(t, w.LogBacklink(target, rid(2, 2, 11)))

	// crash window: the slot is allocated (num_records advanced, placeholder
	// zeroed) but the link payload never lands and no chain references it
	leaked, err := w.allocSlot()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), leaked)
	require.NoError(t, w.Close())

	w2, err := NewLiveWriter(dir, zap.NewNop())
	require.NoError(t, err)
	defer w2.Close()

	// previously committed sources still read back
	got := data.NewRecordIDSet()
	require.NoError(t, w2.ReadBacklinks(target, got))
	assert.Equal(t, 2, got.Len())

	// the next write allocates past the leaked slot, which stays unreferenced
	require.NoError(t, w2.LogBacklink(target, rid(3, 2, 12)))
	v := w2.idx[target]
	assert.Equal(t, uint64(3), v.tail)

	got = data.NewRecordIDSet()
	require.NoError(t, w2.ReadBacklinks(target, got))
	assert.Equal(t, 3, got.Len())
	assert.False(t, got.Has(data.RecordID{}), "zeroed slot never enters a chain")
}

func TestLiveReaderListAllTargets(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLiveWriter(dir, zap.NewNop())
	require.NoError(t, err)

	// insert out of RecordID order
	targets := []data.RecordID{rid(1, 1, 30), rid(1, 1, 10), rid(1, 1, 20)}
	for i, target := range targets {
		require.NoError(t, w.LogBacklink(target, rid(uint64(i+1), 2, 99)))
	}
	require.NoError(t, w.Close())

	r, err := NewLiveReader(dir, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	entries := r.ListAllTargets()
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].Target.Less(entries[i].Target), "targets sorted")
	}

	for _, entry := range entries {
		got := data.NewRecordIDSet()
		require.NoError(t, r.ReadBacklinksFromIndexEntry(entry, got))
		assert.Equal(t, 1, got.Len())
	}
}

func TestLiveStoreEmptyRead(t *testing.T) {
	w, err := NewLiveWriter(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	got := data.NewRecordIDSet()
	require.NoError(t, w.ReadBacklinks(rid(1, 1, 1), got))
	assert.Zero(t, got.Len())
}
