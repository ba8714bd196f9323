package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// digestLen is the number of hex characters kept from a SHA-256 sum.
// 16 chars (64 bits) is plenty for correlating tool arguments and results
// on the event stream without shipping the full payload.
const digestLen = 16

// Digest returns a short hex digest of data for wire-level correlation.
// An empty input digests to the empty string so optional fields stay omitted.
func Digest(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:digestLen]
}

// DigestString is Digest over a string payload.
func DigestString(s string) string {
	return Digest([]byte(s))
}
