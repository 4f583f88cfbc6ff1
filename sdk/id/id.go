package id

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// New generates an opaque ID with an optional prefix. The ID is suitable for
// use as a grant handle, session id or nonce.
func New(optionalPrefix string) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}

// NewSecret generates a high-entropy opaque value suitable for use as an
// authorization code, device code or refresh token handle.
func NewSecret() (string, error) {
	bytes, err := uuid.GenerateRandomBytes(32)
	if err != nil {
		return "", fmt.Errorf("unable to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Hash returns the base64url-encoded SHA-256 digest of the value. Stored
// client secrets and reference token keys are fingerprinted with it so the
// raw value never lands in a store.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
