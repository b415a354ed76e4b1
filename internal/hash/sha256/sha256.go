// Package sha256 digests selection identities for snapshot series keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements backup.Hasher using SHA-256.
type Hasher struct {
	// Prefix truncates the hex digest to this many characters when > 0.
	Prefix int
}

// New returns a SHA-256 hasher producing full-length digests.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Prefix > 0 && h.Prefix < len(digest) {
		digest = digest[:h.Prefix]
	}
	return digest, nil
}
