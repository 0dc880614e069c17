package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

// HashFunc maps a layout reference to a cache key. It must be deterministic.
type HashFunc func(layoutReference string) string

// HashRolling is the default cache-key hash: a 32-bit polynomial rolling
// hash (h = h*31 + c) over the UTF-16 code units of the reference, rendered
// as the base-36 absolute value. Keys produced by earlier deployments stay
// valid. Collisions are possible, so it is meant for per-owner dedup only.
func HashRolling(layoutReference string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(layoutReference)) {
		h = h*31 + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// HashSHA256 is the collision-resistant alternative for deployments that
// share one store between tenants.
func HashSHA256(layoutReference string) string {
	sum := sha256.Sum256([]byte(layoutReference))
	return hex.EncodeToString(sum[:])
}

// ParseHashFunc maps a config value to a HashFunc
func ParseHashFunc(name string) (HashFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rolling":
		return HashRolling, nil
	case "sha256":
		return HashSHA256, nil
	}
	return nil, fmt.Errorf("unknown hash %q (want rolling or sha256)", name)
}
