package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// NewID returns a random 128-bit identifier, optionally namespaced as prefix_hex.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// Fingerprint hashes the given parts with BLAKE3. Parts are zero-byte separated so
// ("ab", "c") and ("a", "bc") produce different fingerprints.
func Fingerprint(parts ...string) string {
	hasher := blake3.New()
	var sep [1]byte
	for _, part := range parts {
		_, _ = hasher.Write([]byte(part))
		_, _ = hasher.Write(sep[:])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// NormalizeText collapses whitespace and lowercases text before fingerprinting,
// so the same policy excerpt retrieved twice hashes identically.
func NormalizeText(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}
