package registry

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Token length bounds. At 16 URL-safe characters a token carries 96 bits of
// entropy, keeping per-insert collision probability below 2^-64 at any
// realistic population.
const (
	MinTokenLength = 8
	MaxTokenLength = 16
)

// GenerateToken produces a URL-safe token of the requested visible length
// from a cryptographically secure source. Lengths outside [MinTokenLength,
// MaxTokenLength] are clamped.
func GenerateToken(length int) (string, error) {
	if length < MinTokenLength {
		length = MinTokenLength
	}
	if length > MaxTokenLength {
		length = MaxTokenLength
	}

	// base64 yields 4 characters per 3 bytes; round up so the encoded
	// string is always long enough to trim.
	nbytes := (length*3 + 3) / 4
	raw := make([]byte, nbytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}
