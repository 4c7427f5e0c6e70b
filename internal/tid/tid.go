// Package tid implements the base-32 "sortable" encoding used for
// 13-character timestamp identifiers (TIDs), the default record key format.
package tid

const (
	// Length is the length of a well-formed TID string.
	Length = 13

	s32Chars = "234567abcdefghijklmnopqrstuvwxyz"
)

// s32Index maps an s32 byte to its value, or -1 for bytes outside the alphabet.
var s32Index [256]int8

func init() {
	for i := range s32Index {
		s32Index[i] = -1
	}
	for i := 0; i < len(s32Chars); i++ {
		s32Index[s32Chars[i]] = int8(i)
	}
}

// S32Encode encodes i into the s32 alphabet, left-padded to the 13-character
// TID width so that every value below 2^63 round-trips as a well-formed TID.
func S32Encode(i uint64) string {
	var buf [Length]byte
	for n := len(buf) - 1; n >= 0; n-- {
		buf[n] = s32Chars[i%32]
		i /= 32
	}
	return string(buf[:])
}

// S32Decode decodes an s32 string. Bytes outside the alphabet decode as zero;
// callers that need validation should check IsTID first.
func S32Decode(s string) uint64 {
	var i uint64
	for j := 0; j < len(s); j++ {
		v := s32Index[s[j]]
		if v < 0 {
			v = 0
		}
		i = i*32 + uint64(v)
	}
	return i
}

// IsTID reports whether s is a well-formed TID: exactly 13 characters,
// all from the s32 alphabet.
func IsTID(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s32Index[s[i]] < 0 {
			return false
		}
	}
	return true
}
