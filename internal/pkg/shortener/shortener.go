package shortener

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// DefaultSlugLength gives 62^8 possible codes.
const DefaultSlugLength = 8

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// 248 is the largest multiple of 62 below 256.
const maxRandomByte = 248

var ErrInvalidLength = errors.New("invalid slug length")

// GenerateSecureSlug creates a cryptographically random base62 slug.
func GenerateSecureSlug(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	slug := make([]byte, length)
	buf := make([]byte, length*2)
	written := 0

	for written < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read secure random bytes: %w", err)
		}

		for _, b := range buf {
			// rejection sampling avoids modulo bias
			if b >= maxRandomByte {
				continue
			}
			slug[written] = alphabet[int(b)%len(alphabet)]
			written++
			if written == length {
				break
			}
		}
	}

	return string(slug), nil
}

// IsValidSlug reports whether s only uses the slug alphabet.
func IsValidSlug(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
