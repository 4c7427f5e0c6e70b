package tid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTID(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"3lkpfgi6mck23", true},
		{"2222222222222", true},
		{"zzzzzzzzzzzzz", true},
		{"", false},
		{"3lkpfgi6mck2", false},   // too short
		{"3lkpfgi6mck234", false}, // too long
		{"3lkaaaa111111", false},  // '1' not in alphabet
		{"3lkpfgi6mck2!", false},
		{"3LKPFGI6MCK23", false}, // uppercase excluded
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTID(tt.s), "IsTID(%q)", tt.s)
	}
}

func TestS32RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 31, 32, 12345, 1<<48 - 1, 1<<63 - 1}
	for _, v := range values {
		s := S32Encode(v)
		require.Len(t, s, Length, "S32Encode(%d)", v)
		require.True(t, IsTID(s), "S32Encode(%d) = %q should be a TID", v, s)
		assert.Equal(t, v, S32Decode(s), "decode(encode(%d))", v)
	}
}

func TestS32EncodeDeterministic(t *testing.T) {
	s := "3lkpfgi6mck23"
	require.True(t, IsTID(s))
	n := S32Decode(s)
	assert.Equal(t, s, S32Encode(n))
	assert.Equal(t, n, S32Decode(S32Encode(n)))
}

func TestS32DecodeKnownValues(t *testing.T) {
	assert.Equal(t, uint64(0), S32Decode("2"))
	assert.Equal(t, uint64(1), S32Decode("3"))
	assert.Equal(t, uint64(31), S32Decode("z"))
	assert.Equal(t, uint64(32), S32Decode("32"))
}
