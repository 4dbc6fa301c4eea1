package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the hex SHA-256 digest of an already-encoded payload.
// Computed once at capture over the stored JSON bytes and verified against
// the same bytes before any sync apply, so encoding quirks cancel out.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
