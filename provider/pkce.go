package provider

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// ChallengeMethod represents a PKCE code challenge method.
type ChallengeMethod string

const (
	// PKCEPlain uses the verifier itself as the challenge. Clients only
	// get it when AllowPlainTextPKCE is set.
	PKCEPlain ChallengeMethod = "plain"

	// S256 hashes the verifier with SHA-256.
	S256 ChallengeMethod = "S256"
)

// RFC 7636 verifier and challenge length bounds.
const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

const verifierLen = 43

const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// CodeVerifier represents an OAuth PKCE code verifier, as defined by RFC
// 7636. It's used by clients of this package when driving a code flow (tests
// included); the server side of PKCE lives in ValidateCodeChallenge.
type CodeVerifier struct {
	verifier  string
	method    ChallengeMethod
	challenge string
}

// NewCodeVerifier creates a verifier with the S256 challenge method.
func NewCodeVerifier() (*CodeVerifier, error) {
	const op = "provider.NewCodeVerifier"
	data := make([]byte, verifierLen)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("%s: unable to create verifier data: %w", op, err)
	}
	for i, b := range data {
		data[i] = verifierCharset[int(b)%len(verifierCharset)]
	}
	v := &CodeVerifier{
		verifier: string(data),
		method:   S256,
	}
	var err error
	if v.challenge, err = CreateCodeChallenge(S256, v); err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	return v, nil
}

func (v *CodeVerifier) Verifier() string        { return v.verifier }
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }
func (v *CodeVerifier) Challenge() string       { return v.challenge }

// CreateCodeChallenge creates a code challenge for the verifier using the
// given method.
func CreateCodeChallenge(method ChallengeMethod, v *CodeVerifier) (string, error) {
	const op = "provider.CreateCodeChallenge"
	if v == nil {
		return "", fmt.Errorf("%s: missing verifier: %w", op, ErrNilParameter)
	}
	switch method {
	case PKCEPlain:
		return v.verifier, nil
	case S256:
		sum := sha256.Sum256([]byte(v.verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("%s: %q: %w", op, method, ErrUnsupportedChallengeMethod)
	}
}

// validVerifierFormat reports whether the presented verifier satisfies the
// RFC 7636 length bounds.
func validVerifierFormat(verifier string) bool {
	return len(verifier) >= minVerifierLen && len(verifier) <= maxVerifierLen
}

// validateCodeChallenge checks a presented code_verifier against the
// challenge stored at authorize time, in constant time.
func validateCodeChallenge(challenge string, method ChallengeMethod, verifier string) bool {
	if challenge == "" || !validVerifierFormat(verifier) {
		return false
	}
	var transformed string
	switch method {
	case PKCEPlain:
		transformed = verifier
	case S256:
		sum := sha256.Sum256([]byte(verifier))
		transformed = base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(transformed)) == 1
}
