package provider

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Alg represents asymmetric signing algorithms.
type Alg string

const (
	RS256 Alg = "RS256"
	RS384 Alg = "RS384"
	RS512 Alg = "RS512"
	ES256 Alg = "ES256"
	ES384 Alg = "ES384"
	ES512 Alg = "ES512"
	PS256 Alg = "PS256"
	PS384 Alg = "PS384"
	PS512 Alg = "PS512"
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true, RS384: true, RS512: true,
	ES256: true, ES384: true, ES512: true,
	PS256: true, PS384: true, PS512: true,
}

// TokenCreator is the key-material boundary: it signs assembled tokens and
// publishes the verification keys, without exposing key storage mechanics.
type TokenCreator interface {
	// CreateToken serializes and signs the token as a JWT.
	CreateToken(ctx context.Context, token *Token) (string, error)

	// SigningAlgorithm is the algorithm CreateToken signs with.
	SigningAlgorithm() Alg

	// KeySet is the public JWKS for the signing key(s).
	KeySet() jose.JSONWebKeySet
}

// JoseTokenCreator is a TokenCreator over a single private key using
// go-jose.
type JoseTokenCreator struct {
	alg    Alg
	signer jose.Signer
	keyID  string
	public crypto.PublicKey
}

// ensure that JoseTokenCreator implements the TokenCreator interface.
var _ TokenCreator = (*JoseTokenCreator)(nil)

// NewJoseTokenCreator creates a TokenCreator for the algorithm and private
// key. The key must be an *rsa.PrivateKey for the RS/PS algorithms or an
// *ecdsa.PrivateKey for the ES algorithms.
func NewJoseTokenCreator(alg Alg, privateKey crypto.PrivateKey, keyID string) (*JoseTokenCreator, error) {
	const op = "provider.NewJoseTokenCreator"
	if !supportedAlgorithms[alg] {
		return nil, fmt.Errorf("%s: algorithm %q: %w", op, alg, ErrInvalidParameter)
	}
	if privateKey == nil {
		return nil, fmt.Errorf("%s: missing private key: %w", op, ErrNilParameter)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%s: missing key id: %w", op, ErrInvalidParameter)
	}

	var public crypto.PublicKey
	switch k := privateKey.(type) {
	case *rsa.PrivateKey:
		switch alg {
		case RS256, RS384, RS512, PS256, PS384, PS512:
		default:
			return nil, fmt.Errorf("%s: %q requires an ECDSA key: %w", op, alg, ErrInvalidSigningKey)
		}
		public = k.Public()
	case *ecdsa.PrivateKey:
		switch alg {
		case ES256, ES384, ES512:
		default:
			return nil, fmt.Errorf("%s: %q requires an RSA key: %w", op, alg, ErrInvalidSigningKey)
		}
		public = k.Public()
	default:
		return nil, fmt.Errorf("%s: unsupported key type %T: %w", op, privateKey, ErrInvalidSigningKey)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(alg),
			Key:       jose.JSONWebKey{Key: privateKey, KeyID: keyID},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create signer: %w", op, err)
	}

	return &JoseTokenCreator{
		alg:    alg,
		signer: signer,
		keyID:  keyID,
		public: public,
	}, nil
}

// CreateToken serializes and signs the token.
func (c *JoseTokenCreator) CreateToken(_ context.Context, token *Token) (string, error) {
	const op = "provider.(JoseTokenCreator).CreateToken"
	if token == nil {
		return "", fmt.Errorf("%s: missing token: %w", op, ErrNilParameter)
	}
	raw, err := jwt.Signed(c.signer).Claims(token.payload()).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrTokenCreationFailed, err)
	}
	return raw, nil
}

// SigningAlgorithm is the configured algorithm.
func (c *JoseTokenCreator) SigningAlgorithm() Alg { return c.alg }

// KeySet is the public JWKS.
func (c *JoseTokenCreator) KeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       c.public,
				KeyID:     c.keyID,
				Use:       "sig",
				Algorithm: string(c.alg),
			},
		},
	}
}

// verifyIssuedJWT parses a JWT this provider issued and verifies its
// signature against the creator's key set, returning the claims. Expiration
// is the caller's concern; introspection and end-session apply their own
// rules.
func verifyIssuedJWT(creator TokenCreator, raw string) (map[string]interface{}, error) {
	const op = "provider.verifyIssuedJWT"
	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse token: %w", op, err)
	}
	keys := creator.KeySet()
	var claims map[string]interface{}
	var lastErr error
	for _, key := range keys.Keys {
		if err := parsed.Claims(key.Key, &claims); err != nil {
			lastErr = err
			continue
		}
		return claims, nil
	}
	if lastErr == nil {
		lastErr = ErrInvalidParameter
	}
	return nil, fmt.Errorf("%s: signature verification failed: %w", op, lastErr)
}
