// pkce.go -- PKCE (RFC 7636) verifier, state and S256 challenge generation.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// VerifierLength is the code_verifier length used for every login attempt (RFC 7636 max).
	VerifierLength = 128

	// StateLength is the CSRF state token length.
	StateLength = 32

	// ChallengeMethod is the only challenge method ever sent. "plain" is never used.
	ChallengeMethod = "S256"
)

// unreserved is the RFC 3986 unreserved character set: ALPHA / DIGIT / "-" / "." / "_" / "~".
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// maxUnbiased is the largest multiple of len(unreserved) that fits in a byte.
// Bytes at or above it are rejected so every character is equally likely.
const maxUnbiased = 256 - (256 % len(unreserved))

// ErrInvalidLength is returned by GenerateRandomString for non-positive lengths.
var ErrInvalidLength = errors.New("pkce: length must be positive")

// randReader is the entropy source. Swapped in tests to simulate CSPRNG failure.
var randReader io.Reader = rand.Reader

// GenerateRandomString returns exactly length characters drawn uniformly from the
// unreserved URL-safe alphabet using crypto/rand.
// A read failure is returned as-is; callers must abort the attempt, never fall back.
func GenerateRandomString(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	out := make([]byte, 0, length)
	// Over-read a little so rejection sampling rarely needs a second round.
	buf := make([]byte, length+length/4+8)
	for len(out) < length {
		if _, err := io.ReadFull(randReader, buf); err != nil {
			return "", fmt.Errorf("pkce: reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, unreserved[int(b)%len(unreserved)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateCodeChallenge derives the S256 code_challenge for verifier:
// base64url(SHA-256(verifier)) with padding stripped.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
