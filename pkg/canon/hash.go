// Package canon provides the deterministic canonical-CBOR encoding and
// content-hashing substrate that every other package builds on.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Hash is a 32-byte content digest. Equality is over the raw bytes.
type Hash [32]byte

const hashPrefix = "sha256:"
const hashHexLen = 64

// ErrInvalidHash is returned when a textual hash form is malformed.
var ErrInvalidHash = errors.New("canon: invalid hash string")

// String renders the hash in its textual form: "sha256:" + 64 lowercase hex.
func (h Hash) String() string {
	return hashPrefix + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (never a valid content digest).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the textual form, rejecting any other length or
// non-hex character.
func ParseHash(s string) (Hash, error) {
	if !strings.HasPrefix(s, hashPrefix) {
		return Hash{}, ErrInvalidHash
	}
	hexPart := s[len(hashPrefix):]
	if len(hexPart) != hashHexLen {
		return Hash{}, ErrInvalidHash
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return Hash{}, ErrInvalidHash
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// HashBytes computes the content hash of raw bytes directly (no encoding
// step). Used when the bytes are already a canonical encoding.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// HashValue canonically encodes v and returns the hash of the result.
func HashValue(v interface{}) (Hash, error) {
	b, err := Encode(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}
