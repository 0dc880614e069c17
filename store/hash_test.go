package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRolling(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "0"},
		{"abc", "22ci"},
		{"hello world", "to5x38"},
		// wraps to a negative 32-bit value; the absolute value is encoded
		{"floorplans/apartment-7b.png", "2kqkvi"},
		// surrogate pair hashes as two UTF-16 code units
		{"🏠", "120bo"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, HashRolling(tt.in))
			assert.Equal(t, HashRolling(tt.in), HashRolling(tt.in))
		})
	}
}

func TestHashSHA256(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashSHA256("abc"))
	assert.NotEqual(t, HashSHA256("a"), HashSHA256("b"))
}

func TestParseHashFunc(t *testing.T) {
	h, err := ParseHashFunc("")
	require.NoError(t, err)
	assert.Equal(t, "22ci", h("abc"))

	h, err = ParseHashFunc("SHA256")
	require.NoError(t, err)
	assert.Len(t, h("abc"), 64)

	_, err = ParseHashFunc("md5")
	assert.Error(t, err)
}
