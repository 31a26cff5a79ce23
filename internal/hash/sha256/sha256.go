// Package sha256 computes the content digest that names archived thread
// pages. The scheduler stores each page that produced new posts under
// <prefix>/<host>/<digest>.html, so archiving the same body twice writes the
// same object.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher digests page bodies for archive object names.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex SHA-256 of body, 64 characters long.
func (h *Hasher) Hash(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
