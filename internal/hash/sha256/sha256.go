// Package sha256 provides SHA-256 fingerprints for request deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher fingerprints request keys.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Fingerprint digests the parts with a separator so ("ab","c") and ("a","bc") differ.
func (h *Hasher) Fingerprint(parts ...string) string {
	d := sha256.New()
	for _, p := range parts {
		d.Write([]byte(p))
		d.Write([]byte{0})
	}
	return hex.EncodeToString(d.Sum(nil))
}
