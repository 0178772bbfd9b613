package scheduling

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const accessTokenBytes = 32

// NewAccessToken returns an unguessable URL-safe token for public offer links.
func NewAccessToken() (string, error) {
	b := make([]byte, accessTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
