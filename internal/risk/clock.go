package risk

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Clock abstracts the wall clock so expiry and travel checks are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TokenGenerator produces single-use verification tokens.
type TokenGenerator interface {
	NewToken() (string, error)
}

// tokenBytes gives 256 bits of entropy.
const tokenBytes = 32

// RandomTokenGenerator draws tokens from crypto/rand and encodes them
// URL-safe without padding.
type RandomTokenGenerator struct{}

func (RandomTokenGenerator) NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the digest under which a token is persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
