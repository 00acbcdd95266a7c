package workspace

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Hash is a 128-bit workspace identity derived from the key triple.
// It gives logs, request-log rows, and API payloads a fixed-width
// handle that never leaks the session ID.
type Hash [16]byte

// ZeroHash is the zero-value Hash.
var ZeroHash Hash

// Hash computes the key's hash over a NUL-separated canonical encoding,
// so ("ab","c") and ("a","bc") never collide.
func (k Key) Hash() Hash {
	buf := make([]byte, 0, len(k.SessionID)+len(k.User)+len(k.Repo)+2)
	buf = append(buf, k.SessionID...)
	buf = append(buf, 0)
	buf = append(buf, k.User...)
	buf = append(buf, 0)
	buf = append(buf, k.Repo...)

	h128 := xxh3.Hash128(buf)
	var h Hash
	binary.LittleEndian.PutUint64(h[:8], h128.Lo)
	binary.LittleEndian.PutUint64(h[8:], h128.Hi)
	return h
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// ParseHashHex decodes a 32-character hex string into a Hash.
func ParseHashHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("workspace.ParseHashHex: %w", err)
	}
	if len(b) != 16 {
		return ZeroHash, fmt.Errorf("workspace.ParseHashHex: expected 16 bytes, got %d", len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
