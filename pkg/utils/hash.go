package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestBytes computes the hex SHA-256 digest used as the dedup key for downloaded content.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first n hex characters of the SHA-256 of s.
func ShortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(h) {
		return h
	}
	return h[:n]
}
