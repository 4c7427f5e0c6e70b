package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
)

// Live store on-disk layout.
//
// index.dat: 64-byte header {num_records u64, pad 56B} followed by 40-byte
// entries {target RecordID(24), head u64, tail u64}, appended in
// target-first-seen order. num_records counts allocated *link slots*, not
// index entries.
//
// links.dat: an array of 32-byte links {source RecordID(24), next i32,
// prev i32}. next/prev are relative slot offsets threading a doubly-linked
// chain per target; 0 terminates. Slot 0 is a valid slot, so an index entry
// with no chain uses nilSlot in head/tail.
const (
	liveHeaderSize     = 64
	liveIndexEntrySize = 40
	liveLinkSize       = 32

	// nilSlot marks "no chain yet" in an index entry's head/tail.
	nilSlot = ^uint64(0)
)

// LiveIndexEntry is one 40-byte index record.
type LiveIndexEntry struct {
	Target data.RecordID
	Head   uint64
	Tail   uint64
}

func putLiveIndexEntry(buf []byte, e LiveIndexEntry) {
	data.PutRecordID(buf[0:], e.Target)
	binary.LittleEndian.PutUint64(buf[24:], e.Head)
	binary.LittleEndian.PutUint64(buf[32:], e.Tail)
}

func getLiveIndexEntry(buf []byte) LiveIndexEntry {
	return LiveIndexEntry{
		Target: data.GetRecordID(buf[0:]),
		Head:   binary.LittleEndian.Uint64(buf[24:]),
		Tail:   binary.LittleEndian.Uint64(buf[32:]),
	}
}

// liveLink is one 32-byte link slot.
type liveLink struct {
	Source data.RecordID
	Next   int32
	Prev   int32
}

func putLiveLink(buf []byte, l liveLink) {
	data.PutRecordID(buf[0:], l.Source)
	binary.LittleEndian.PutUint32(buf[24:], uint32(l.Next))
	binary.LittleEndian.PutUint32(buf[28:], uint32(l.Prev))
}

func getLiveLink(buf []byte) liveLink {
	return liveLink{
		Source: data.GetRecordID(buf[0:]),
		Next:   int32(binary.LittleEndian.Uint32(buf[24:])),
		Prev:   int32(binary.LittleEndian.Uint32(buf[28:])),
	}
}

// liveIndexValue mirrors one index entry in memory.
type liveIndexValue struct {
	head uint64
	tail uint64
	// position of the 40-byte entry within index.dat
	idx uint64
}

// liveStore is the shared open-files + in-memory-index core of the live
// writer and reader.
type liveStore struct {
	dir   string
	index *os.File
	links *os.File
	idx   map[data.RecordID]liveIndexValue
	log   *zap.Logger
}

func openLiveStore(dir string, log *zap.Logger, writable bool) (*liveStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	flag := os.O_RDONLY
	if writable {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
		flag = os.O_CREATE | os.O_RDWR
	}

	index, err := os.OpenFile(filepath.Join(dir, "index.dat"), flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open index.dat: %w", err)
	}
	links, err := os.OpenFile(filepath.Join(dir, "links.dat"), flag, 0o644)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("open links.dat: %w", err)
	}

	s := &liveStore{dir: dir, index: index, links: links, log: log}

	if writable {
		fi, err := index.Stat()
		if err != nil {
			s.close()
			return nil, fmt.Errorf("stat index.dat: %w", err)
		}
		if fi.Size() < liveHeaderSize {
			var header [liveHeaderSize]byte
			if err := pwriteFull(index, header[:], 0); err != nil {
				s.close()
				return nil, fmt.Errorf("init header: %w", err)
			}
		}
	}

	if err := s.loadIndex(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *liveStore) close() {
	_ = s.index.Close()
	_ = s.links.Close()
}

// loadIndex rebuilds the in-memory index from index.dat. Link slots that no
// entry references (e.g. leaked by a crash between slot allocation and
// payload write) are simply never visited.
func (s *liveStore) loadIndex() error {
	fi, err := s.index.Stat()
	if err != nil {
		return fmt.Errorf("stat index.dat: %w", err)
	}
	if fi.Size() < liveHeaderSize {
		s.idx = make(map[data.RecordID]liveIndexValue)
		return nil
	}

	numEntries := (fi.Size() - liveHeaderSize) / liveIndexEntrySize
	s.idx = make(map[data.RecordID]liveIndexValue, numEntries)

	buf := make([]byte, liveIndexEntrySize)
	for i := int64(0); i < numEntries; i++ {
		if err := preadFull(s.index, buf, liveHeaderSize+i*liveIndexEntrySize); err != nil {
			return fmt.Errorf("load index entry %d: %w", i, err)
		}
		e := getLiveIndexEntry(buf)
		s.idx[e.Target] = liveIndexValue{head: e.Head, tail: e.Tail, idx: uint64(i)}
	}
	return nil
}

func (s *liveStore) readLink(slot uint64) (liveLink, error) {
	var buf [liveLinkSize]byte
	if err := preadFull(s.links, buf[:], int64(slot)*liveLinkSize); err != nil {
		return liveLink{}, err
	}
	return getLiveLink(buf[:]), nil
}

// walkChain follows a chain from entry's head, inserting every source into
// out. A link whose next pointer escapes the file truncates the chain with
// a warning rather than failing the whole read.
func (s *liveStore) walkChain(entry LiveIndexEntry, out *data.RecordIDSet) error {
	if entry.Head == nilSlot {
		return nil
	}

	fi, err := s.links.Stat()
	if err != nil {
		return fmt.Errorf("stat links.dat: %w", err)
	}
	numSlots := uint64(fi.Size() / liveLinkSize)

	slot := entry.Head
	for steps := uint64(0); ; steps++ {
		if steps > numSlots {
			s.log.Warn("chain truncated: walk exceeded slot count, cycle suspected",
				zap.Uint64("head", entry.Head))
			return nil
		}
		if slot >= numSlots {
			s.log.Warn("chain truncated: slot outside links file",
				zap.Uint64("slot", slot),
				zap.Uint64("num_slots", numSlots),
				zap.Uint64("head", entry.Head))
			return nil
		}
		link, err := s.readLink(slot)
		if err != nil {
			s.log.Warn("chain truncated: unreadable link",
				zap.Uint64("slot", slot), zap.Error(err))
			return nil
		}
		out.Insert(link.Source)
		if link.Next == 0 {
			return nil
		}
		slot = uint64(int64(slot) + int64(link.Next))
	}
}

// ReadBacklinks inserts every source recorded for target into out.
func (s *liveStore) ReadBacklinks(target data.RecordID, out *data.RecordIDSet) error {
	v, ok := s.idx[target]
	if !ok {
		return nil
	}
	return s.walkChain(LiveIndexEntry{Target: target, Head: v.head, Tail: v.tail}, out)
}

// ReadBacklinksFromIndexEntry walks one already-loaded index entry.
func (s *liveStore) ReadBacklinksFromIndexEntry(entry LiveIndexEntry, out *data.RecordIDSet) error {
	return s.walkChain(entry, out)
}

// ListAllTargets enumerates every index entry, sorted by target so the
// compactor can feed the compacted writer in clustering order.
func (s *liveStore) ListAllTargets() []LiveIndexEntry {
	set := data.NewRecordIDSet()
	for target := range s.idx {
		set.Insert(target)
	}
	entries := make([]LiveIndexEntry, 0, len(s.idx))
	for _, target := range set.Sorted() {
		v := s.idx[target]
		entries = append(entries, LiveIndexEntry{Target: target, Head: v.head, Tail: v.tail})
	}
	return entries
}

// NumTargets returns the number of distinct targets indexed.
func (s *liveStore) NumTargets() int { return len(s.idx) }

// LiveReader is a read-only view of a live store directory.
type LiveReader struct {
	*liveStore
}

// NewLiveReader opens dir for reading. The directory must already exist.
func NewLiveReader(dir string, log *zap.Logger) (*LiveReader, error) {
	s, err := openLiveStore(dir, log, false)
	if err != nil {
		return nil, err
	}
	return &LiveReader{liveStore: s}, nil
}

// Close releases the underlying files.
func (r *LiveReader) Close() error {
	r.close()
	return nil
}

// LiveWriter appends backlinks to a live store directory. A writer is owned
// by exactly one goroutine; separate processes writing the same directory
// coordinate only on slot allocation, via the index.dat advisory lock.
type LiveWriter struct {
	*liveStore
	indexAppend *os.File
}

// NewLiveWriter opens (creating if needed) dir for writing.
func NewLiveWriter(dir string, log *zap.Logger) (*LiveWriter, error) {
	s, err := openLiveStore(dir, log, true)
	if err != nil {
		return nil, err
	}
	indexAppend, err := os.OpenFile(filepath.Join(dir, "index.dat"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open index.dat append: %w", err)
	}
	return &LiveWriter{liveStore: s, indexAppend: indexAppend}, nil
}

// Close releases the underlying files.
func (w *LiveWriter) Close() error {
	err := w.indexAppend.Close()
	w.close()
	return err
}

// allocSlot reserves the next link slot. The advisory lock on index.dat
// covers only this critical section so multiple writers coordinate on the
// monotonic slot counter without serialising whole writes: read the header,
// zero a placeholder at the new slot, advance num_records.
func (w *LiveWriter) allocSlot() (uint64, error) {
	if err := flockExclusive(w.index); err != nil {
		return 0, err
	}
	defer flockUnlock(w.index)

	var header [liveHeaderSize]byte
	if err := preadFull(w.index, header[:], 0); err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	slot := binary.LittleEndian.Uint64(header[0:])

	var zero [liveLinkSize]byte
	if err := pwriteFull(w.links, zero[:], int64(slot)*liveLinkSize); err != nil {
		return 0, fmt.Errorf("zero slot %d: %w", slot, err)
	}

	binary.LittleEndian.PutUint64(header[0:], slot+1)
	if err := pwriteFull(w.index, header[:], 0); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	return slot, nil
}

func (w *LiveWriter) writeLink(slot uint64, l liveLink) error {
	var buf [liveLinkSize]byte
	putLiveLink(buf[:], l)
	return pwriteFull(w.links, buf[:], int64(slot)*liveLinkSize)
}

// updateIndex rewrites an existing index entry in place and in memory.
func (w *LiveWriter) updateIndex(target data.RecordID, v liveIndexValue) error {
	w.idx[target] = v
	var buf [liveIndexEntrySize]byte
	putLiveIndexEntry(buf[:], LiveIndexEntry{Target: target, Head: v.head, Tail: v.tail})
	return pwriteFull(w.index, buf[:], liveHeaderSize+int64(v.idx)*liveIndexEntrySize)
}

// addToIndex appends a fresh index entry for a target seen for the first time.
func (w *LiveWriter) addToIndex(target data.RecordID, v liveIndexValue) error {
	w.idx[target] = v
	var buf [liveIndexEntrySize]byte
	putLiveIndexEntry(buf[:], LiveIndexEntry{Target: target, Head: v.head, Tail: v.tail})
	if _, err := w.indexAppend.Write(buf[:]); err != nil {
		return fmt.Errorf("append index entry: %w", err)
	}
	return nil
}

// LogBacklink records that source links to target in this store.
//
// If the chain's current tail already holds source the write is skipped:
// an explicit short-circuit for the common adjacent-duplicate case, not a
// set-semantic guarantee. Semantic de-duplication happens on the read path.
func (w *LiveWriter) LogBacklink(target, source data.RecordID) error {
	v, exists := w.idx[target]

	var tailLink liveLink
	if exists && v.tail != nilSlot {
		var err error
		tailLink, err = w.readLink(v.tail)
		if err != nil {
			return fmt.Errorf("read tail link: %w", err)
		}
		if tailLink.Source == source {
			return nil
		}
	}

	slot, err := w.allocSlot()
	if err != nil {
		return fmt.Errorf("alloc slot: %w", err)
	}

	newLink := liveLink{Source: source}
	if exists && v.tail != nilSlot {
		newLink.Prev = int32(int64(v.tail) - int64(slot))
	}
	if err := w.writeLink(slot, newLink); err != nil {
		return fmt.Errorf("write link: %w", err)
	}

	if !exists {
		return w.addToIndex(target, liveIndexValue{
			head: slot,
			tail: slot,
			idx:  uint64(len(w.idx)),
		})
	}

	if v.tail != nilSlot {
		tailLink.Next = int32(int64(slot) - int64(v.tail))
		if err := w.writeLink(v.tail, tailLink); err != nil {
			return fmt.Errorf("update tail link: %w", err)
		}
	}
	if v.head == nilSlot {
		v.head = slot
	}
	v.tail = slot
	return w.updateIndex(target, v)
}
