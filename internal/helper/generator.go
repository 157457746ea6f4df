package helper

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/oklog/ulid"
)

// GenerateToken returns a URL-safe credentials token with 256 bits of entropy
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateRequestID returns a sortable id for X-Request-ID headers
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
