// Package crypto implements request fingerprinting and random key generation.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewIdempotencyKey returns a random 128-bit key, hex encoded.
func NewIdempotencyKey() (string, error) {
	b, err := RandBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Fingerprint returns a BLAKE2b-256 digest over parts. Each part is length
// prefixed, so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil) // nil key never errors
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}
