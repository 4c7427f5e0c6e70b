package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/multiformats/go-varint"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
)

// Compacted store on-disk layout.
//
// index.dat: 32-byte header {num_entries u64, pad 24B} followed by 32-byte
// entries {target RecordID(24), count u32, position u32}, strictly sorted
// by target. position is the byte offset of the target's group in
// links.dat divided by posAlign.
//
// links.dat: per target, count sources packed as three columns: count raw
// little-endian u64 rkeys, then count varint u32 collections, then count
// varint u64 dids. Groups are padded out to posAlign with zeros.
//
// Rkeys dominate the entropy and are fixed width, so keeping them raw and
// contiguous leaves room for binary search within a group; collections and
// dids repeat heavily and varint-pack well.
const (
	compHeaderSize     = 32
	compIndexEntrySize = 32
	posAlign           = 32
)

// CompIndexEntry is one 32-byte compacted index record.
type CompIndexEntry struct {
	Target   data.RecordID
	Count    uint32
	Position uint32
}

func putCompIndexEntry(buf []byte, e CompIndexEntry) {
	data.PutRecordID(buf[0:], e.Target)
	binary.LittleEndian.PutUint32(buf[24:], e.Count)
	binary.LittleEndian.PutUint32(buf[28:], e.Position)
}

func getCompIndexEntry(buf []byte) CompIndexEntry {
	return CompIndexEntry{
		Target:   data.GetRecordID(buf[0:]),
		Count:    binary.LittleEndian.Uint32(buf[24:]),
		Position: binary.LittleEndian.Uint32(buf[28:]),
	}
}

// CompactedWriter produces a compacted store. Targets must be supplied in
// non-decreasing order with their sources sorted; the compactor guarantees
// both by draining a live store's index in target order.
type CompactedWriter struct {
	index       *os.File // append
	links       *os.File // append
	indexRandom *os.File // header read/write under the advisory lock

	linksPos   int64
	lastTarget *data.RecordID
}

// NewCompactedWriter opens (creating if needed) dir for writing.
func NewCompactedWriter(dir string) (*CompactedWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	index, err := os.OpenFile(filepath.Join(dir, "index.dat"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open index.dat: %w", err)
	}
	links, err := os.OpenFile(filepath.Join(dir, "links.dat"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("open links.dat: %w", err)
	}
	indexRandom, err := os.OpenFile(filepath.Join(dir, "index.dat"), os.O_RDWR, 0o644)
	if err != nil {
		_ = index.Close()
		_ = links.Close()
		return nil, fmt.Errorf("open index.dat random: %w", err)
	}

	w := &CompactedWriter{index: index, links: links, indexRandom: indexRandom}

	fi, err := indexRandom.Stat()
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("stat index.dat: %w", err)
	}
	if fi.Size() < compHeaderSize {
		var header [compHeaderSize]byte
		if err := pwriteFull(indexRandom, header[:], 0); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("init header: %w", err)
		}
	}

	lfi, err := links.Stat()
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("stat links.dat: %w", err)
	}
	w.linksPos = lfi.Size()

	return w, nil
}

// Close releases the underlying files.
func (w *CompactedWriter) Close() error {
	err1 := w.index.Close()
	err2 := w.links.Close()
	err3 := w.indexRandom.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// LogBacklinks writes one target's full source group and its index entry.
func (w *CompactedWriter) LogBacklinks(target data.RecordID, sources []data.RecordID) error {
	if w.lastTarget != nil && target.Less(*w.lastTarget) {
		return fmt.Errorf("log backlinks: targets out of order")
	}
	t := target
	w.lastTarget = &t

	if len(sources) > math.MaxUint32 {
		return fmt.Errorf("log backlinks: too many sources (%d)", len(sources))
	}

	if pad := w.linksPos % posAlign; pad != 0 {
		var zeros [posAlign]byte
		if err := w.writeLinks(zeros[:posAlign-pad]); err != nil {
			return err
		}
	}

	entry := CompIndexEntry{
		Target:   target,
		Count:    uint32(len(sources)),
		Position: uint32(w.linksPos / posAlign),
	}

	// three column passes: raw rkeys, varint collections, varint dids
	buf := make([]byte, 0, len(sources)*8)
	for _, s := range sources {
		buf = binary.LittleEndian.AppendUint64(buf, s.Rkey)
	}
	for _, s := range sources {
		buf = append(buf, varint.ToUvarint(uint64(s.Collection))...)
	}
	for _, s := range sources {
		buf = append(buf, varint.ToUvarint(s.Did)...)
	}
	if err := w.writeLinks(buf); err != nil {
		return err
	}

	if err := flockExclusive(w.indexRandom); err != nil {
		return err
	}
	defer flockUnlock(w.indexRandom)

	var header [compHeaderSize]byte
	if err := preadFull(w.indexRandom, header[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	var ebuf [compIndexEntrySize]byte
	putCompIndexEntry(ebuf[:], entry)
	if _, err := w.index.Write(ebuf[:]); err != nil {
		return fmt.Errorf("append index entry: %w", err)
	}
	binary.LittleEndian.PutUint64(header[0:],
		binary.LittleEndian.Uint64(header[0:])+1)
	if err := pwriteFull(w.indexRandom, header[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func (w *CompactedWriter) writeLinks(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := w.links.Write(buf); err != nil {
		return fmt.Errorf("append links: %w", err)
	}
	w.linksPos += int64(len(buf))
	return nil
}

// CompactedReader serves lookups from a compacted store.
type CompactedReader struct {
	index *os.File
	links *os.File
	log   *zap.Logger
}

// NewCompactedReader opens dir for reading.
func NewCompactedReader(dir string, log *zap.Logger) (*CompactedReader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	index, err := os.Open(filepath.Join(dir, "index.dat"))
	if err != nil {
		return nil, fmt.Errorf("open index.dat: %w", err)
	}
	links, err := os.Open(filepath.Join(dir, "links.dat"))
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("open links.dat: %w", err)
	}
	return &CompactedReader{index: index, links: links, log: log}, nil
}

// Close releases the underlying files.
func (r *CompactedReader) Close() error {
	err := r.index.Close()
	if err2 := r.links.Close(); err == nil {
		err = err2
	}
	return err
}

// FindIndexEntry binary-searches the sorted index for target.
func (r *CompactedReader) FindIndexEntry(target data.RecordID) (CompIndexEntry, bool, error) {
	var header [compHeaderSize]byte
	if err := preadFull(r.index, header[:], 0); err != nil {
		return CompIndexEntry{}, false, fmt.Errorf("read header: %w", err)
	}
	n := binary.LittleEndian.Uint64(header[0:])

	var buf [compIndexEntrySize]byte
	lo, hi := uint64(0), n
	for lo < hi {
		mid := lo + (hi-lo)/2
		if err := preadFull(r.index, buf[:], compHeaderSize+int64(mid)*compIndexEntrySize); err != nil {
			return CompIndexEntry{}, false, fmt.Errorf("read index entry %d: %w", mid, err)
		}
		e := getCompIndexEntry(buf[:])
		switch e.Target.Compare(target) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return e, true, nil
		}
	}
	return CompIndexEntry{}, false, nil
}

// ReadBacklinks inserts every source recorded for target into out.
func (r *CompactedReader) ReadBacklinks(target data.RecordID, out *data.RecordIDSet) error {
	entry, found, err := r.FindIndexEntry(target)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	count := int(entry.Count)
	off := int64(entry.Position) * posAlign

	rkeysBuf := make([]byte, count*8)
	if err := preadFull(r.links, rkeysBuf, off); err != nil {
		return fmt.Errorf("read rkeys: %w", err)
	}

	// the varint columns follow directly; their byte length is unknown so
	// stream them from the tail of the group
	br := bufio.NewReader(io.NewSectionReader(r.links, off+int64(count*8), math.MaxInt64-off-int64(count*8)))

	collections := make([]uint32, count)
	for i := 0; i < count; i++ {
		v, err := varint.ReadUvarint(br)
		if err != nil {
			return fmt.Errorf("read collection %d: %w", i, err)
		}
		if v > math.MaxUint32 {
			return fmt.Errorf("read collection %d: value %d overflows u32", i, v)
		}
		collections[i] = uint32(v)
	}
	dids := make([]uint64, count)
	for i := 0; i < count; i++ {
		v, err := varint.ReadUvarint(br)
		if err != nil {
			return fmt.Errorf("read did %d: %w", i, err)
		}
		dids[i] = v
	}

	for i := 0; i < count; i++ {
		rkey := binary.LittleEndian.Uint64(rkeysBuf[i*8:])
		out.Insert(data.NewRecordID(dids[i], collections[i], rkey))
	}
	return nil
}
