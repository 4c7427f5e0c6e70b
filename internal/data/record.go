// Package data defines the interned identifier space for records: fixed-width
// DIDs, collection ids, and record keys, composed into the 24-byte RecordID
// that the storage engine clusters on.
package data

import "encoding/binary"

// Identifier flag bits. DIDs and rkeys carry a discriminator in the high bit:
// identities the upstream ZPLC registry knows keep it clear, locally interned
// ones set it. TID-shaped rkeys decode in place with the bit clear.
const (
	DidFlagNonStandard uint64 = 1 << 63
	DidMask            uint64 = 0x0000FFFFFFFFFFFF

	RkeyFlagNotTID uint64 = 1 << 63
	RkeyDBMask     uint64 = ^RkeyFlagNotTID
)

// RecordIDSize is the fixed byte width of a marshalled RecordID.
const RecordIDSize = 24

// RecordID is the fixed-width interned identity of a record. Ordering is
// rkey first, then collection, then did, matching the byte layout; the
// compacted store clusters on this ordering so records sharing an rkey
// prefix land adjacent.
type RecordID struct {
	Rkey       uint64
	Collection uint32
	Did        uint64
}

// NewRecordID composes a RecordID from its interned components.
func NewRecordID(did uint64, collection uint32, rkey uint64) RecordID {
	return RecordID{Rkey: rkey, Collection: collection, Did: did}
}

// Compare returns -1, 0, or 1 ordering a against b.
func (a RecordID) Compare(b RecordID) int {
	if a.Rkey != b.Rkey {
		if a.Rkey < b.Rkey {
			return -1
		}
		return 1
	}
	if a.Collection != b.Collection {
		if a.Collection < b.Collection {
			return -1
		}
		return 1
	}
	if a.Did != b.Did {
		if a.Did < b.Did {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a orders strictly before b.
func (a RecordID) Less(b RecordID) bool { return a.Compare(b) < 0 }

// PutRecordID marshals id into the first RecordIDSize bytes of buf:
// rkey u64, collection u32, did u64, reserved u32, all little-endian.
// The reserved word is always written as zero.
func PutRecordID(buf []byte, id RecordID) {
	binary.LittleEndian.PutUint64(buf[0:], id.Rkey)
	binary.LittleEndian.PutUint32(buf[8:], id.Collection)
	binary.LittleEndian.PutUint64(buf[12:], id.Did)
	binary.LittleEndian.PutUint32(buf[20:], 0)
}

// GetRecordID unmarshals a RecordID from the first RecordIDSize bytes of buf.
func GetRecordID(buf []byte) RecordID {
	return RecordID{
		Rkey:       binary.LittleEndian.Uint64(buf[0:]),
		Collection: binary.LittleEndian.Uint32(buf[8:]),
		Did:        binary.LittleEndian.Uint64(buf[12:]),
	}
}
