package provider

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
	"github.com/stewartm83/identityserver/sdk/id"
)

// AccessTokenRequest carries everything CreateAccessToken needs.
type AccessTokenRequest struct {
	// Client the token is issued to. Required.
	Client *Client

	// Subject is nil for client_credentials.
	Subject *Subject

	// SessionID binds the token to a session; the sid claim is present iff
	// this is set.
	SessionID string

	// Resources are the granted resources; each API resource backing at
	// least one granted scope becomes an audience.
	Resources Resources

	// Confirmation is an optional cnf claim payload, for hosts that bind
	// tokens to a presented key or certificate.
	Confirmation map[string]interface{}
}

// IdentityTokenRequest carries everything CreateIdentityToken needs.
type IdentityTokenRequest struct {
	// Client the token is issued to. Required.
	Client *Client

	// Subject the token is about. Required.
	Subject *Subject

	// SessionID binds the token to a session; the sid claim is present iff
	// this is set.
	SessionID string

	// Resources are the granted resources.
	Resources Resources

	// Nonce is echoed into the token when set.
	Nonce string

	// AccessTokenToHash, when set, yields the at_hash claim.
	AccessTokenToHash string

	// AuthorizationCodeToHash, when set, yields the c_hash claim.
	AuthorizationCodeToHash string

	// StateToHash, when set, yields the s_hash claim.
	StateToHash string

	// IncludeUserClaims embeds the identity claims instead of deferring
	// them to userinfo. Forced on by AlwaysIncludeUserClaimsInIDToken.
	IncludeUserClaims bool
}

// TokenService mints tokens and serializes them to their wire form.
type TokenService struct {
	issuer     string
	creator    TokenCreator
	claims     ClaimsService
	references *referenceTokenStore
	logger     hclog.Logger
	now        func() time.Time
}

// NewTokenService creates the token service. The issuer is stamped into
// every token; grants backs reference access tokens.
// Supported options: WithLogger, WithNow
func NewTokenService(issuer string, creator TokenCreator, claims ClaimsService, grants store.GrantStore, opt ...Option) (*TokenService, error) {
	const op = "provider.NewTokenService"
	if issuer == "" {
		return nil, fmt.Errorf("%s: missing issuer: %w", op, ErrInvalidParameter)
	}
	if creator == nil {
		return nil, fmt.Errorf("%s: missing token creator: %w", op, ErrNilParameter)
	}
	if claims == nil {
		return nil, fmt.Errorf("%s: missing claims service: %w", op, ErrNilParameter)
	}
	if grants == nil {
		return nil, fmt.Errorf("%s: missing grant store: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &TokenService{
		issuer:     issuer,
		creator:    creator,
		claims:     claims,
		references: newReferenceTokenStore(grants),
		logger:     opts.withLogger,
		now:        opts.withNowFn,
	}, nil
}

// CreateAccessToken assembles an access token. Audiences are the names of
// the API resources backing at least one granted scope; a resource definition
// with no scopes contributes no audience. The sid claim is present iff the
// request carries a session.
func (s *TokenService) CreateAccessToken(ctx context.Context, req *AccessTokenRequest) (*Token, error) {
	const op = "provider.(TokenService).CreateAccessToken"
	if req == nil {
		return nil, fmt.Errorf("%s: missing request: %w", op, ErrNilParameter)
	}
	if req.Client == nil {
		return nil, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}

	claims, err := s.claims.AccessTokenClaims(ctx, req.Subject, req.Client, req.Resources)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	jti, err := id.New("")
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
	}

	set := NewClaimSet(NewClaim(ClaimJWTID, jti))
	if req.SessionID != "" {
		set.Add(NewClaim(ClaimSessionID, req.SessionID))
	}
	for _, scope := range req.Resources.ScopeNames() {
		set.Add(NewClaim(ClaimScope, scope))
	}
	set.Add(claims...)

	var audiences []string
	for _, api := range req.Resources.APIResources {
		if len(api.Scopes) > 0 {
			audiences = append(audiences, api.Name)
		}
	}

	return &Token{
		Type:            TokenTypeAccess,
		Issuer:          s.issuer,
		Audiences:       audiences,
		ClientID:        req.Client.ID,
		Lifetime:        req.Client.accessTokenLifetime(),
		CreationTime:    s.now(),
		Claims:          set.Claims(),
		AccessTokenType: req.Client.AccessTokenType,
		Confirmation:    req.Confirmation,
	}, nil
}

// CreateIdentityToken assembles an id_token. The hash claims follow the OIDC
// laws: at_hash, c_hash and s_hash are each present iff the corresponding
// artifact was issued alongside the token, and hold the left half of the
// signing algorithm's hash of the artifact, base64url encoded.
func (s *TokenService) CreateIdentityToken(ctx context.Context, req *IdentityTokenRequest) (*Token, error) {
	const op = "provider.(TokenService).CreateIdentityToken"
	if req == nil {
		return nil, fmt.Errorf("%s: missing request: %w", op, ErrNilParameter)
	}
	if req.Client == nil {
		return nil, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}
	if req.Subject == nil {
		return nil, fmt.Errorf("%s: missing subject: %w", op, ErrNilParameter)
	}

	includeUserClaims := req.IncludeUserClaims || req.Client.AlwaysIncludeUserClaimsInIDToken
	claims, err := s.claims.IdentityTokenClaims(ctx, req.Subject, req.Resources, includeUserClaims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	set := NewClaimSet(claims...)
	if req.SessionID != "" {
		set.Add(NewClaim(ClaimSessionID, req.SessionID))
	}
	if req.Nonce != "" {
		set.Add(NewClaim(ClaimNonce, req.Nonce))
	}

	alg := s.creator.SigningAlgorithm()
	if req.AccessTokenToHash != "" {
		h, err := leftmostHalfHash(alg, req.AccessTokenToHash)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		set.Add(NewClaim(ClaimAccessTokenHash, h))
	}
	if req.AuthorizationCodeToHash != "" {
		h, err := leftmostHalfHash(alg, req.AuthorizationCodeToHash)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		set.Add(NewClaim(ClaimCodeHash, h))
	}
	if req.StateToHash != "" {
		h, err := leftmostHalfHash(alg, req.StateToHash)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		set.Add(NewClaim(ClaimStateHash, h))
	}

	return &Token{
		Type:         TokenTypeIdentity,
		Issuer:       s.issuer,
		Audiences:    []string{req.Client.ID},
		ClientID:     req.Client.ID,
		Lifetime:     req.Client.identityTokenLifetime(),
		CreationTime: s.now(),
		Claims:       set.Claims(),
	}, nil
}

// CreateLogoutToken assembles a back-channel logout token for the client and
// session. The sid claim is included when the client requires it and a
// session exists; logout tokens never carry a nonce.
func (s *TokenService) CreateLogoutToken(_ context.Context, client *Client, subjectID, sessionID string) (*Token, error) {
	const op = "provider.(TokenService).CreateLogoutToken"
	if client == nil {
		return nil, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%s: missing subject id: %w", op, ErrInvalidParameter)
	}

	jti, err := id.New("")
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
	}

	set := NewClaimSet(
		NewClaim(ClaimSubject, subjectID),
		NewClaim(ClaimJWTID, jti),
		Claim{
			Type:      ClaimEvents,
			Value:     fmt.Sprintf("{%q:{}}", LogoutTokenEvent),
			ValueType: ClaimValueTypeJSON,
		},
	)
	if client.BackChannelLogoutSessionRequired && sessionID != "" {
		set.Add(NewClaim(ClaimSessionID, sessionID))
	}

	return &Token{
		Type:         TokenTypeLogout,
		Issuer:       s.issuer,
		Audiences:    []string{client.ID},
		ClientID:     client.ID,
		Lifetime:     DefaultIdentityTokenLifetime,
		CreationTime: s.now(),
		Claims:       set.Claims(),
	}, nil
}

// CreateSecurityToken serializes a token to its wire form: a signed JWT, or
// for reference access tokens an opaque stored handle.
func (s *TokenService) CreateSecurityToken(ctx context.Context, token *Token) (string, error) {
	const op = "provider.(TokenService).CreateSecurityToken"
	if token == nil {
		return "", fmt.Errorf("%s: missing token: %w", op, ErrNilParameter)
	}
	if token.Type == TokenTypeAccess && token.AccessTokenType == AccessTokenTypeReference {
		handle, err := s.references.Store(ctx, token)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		return handle, nil
	}
	raw, err := s.creator.CreateToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return raw, nil
}

// leftmostHalfHash computes the OIDC half-hash of a value: hash with the
// algorithm matching the signing algorithm's bit size, keep the left half,
// base64url encode without padding.
func leftmostHalfHash(alg Alg, value string) (string, error) {
	const op = "provider.leftmostHalfHash"
	var h hash.Hash
	switch alg {
	case RS256, ES256, PS256:
		h = sha256.New()
	case RS384, ES384, PS384:
		h = sha512.New384()
	case RS512, ES512, PS512:
		h = sha512.New()
	default:
		return "", fmt.Errorf("%s: algorithm %q: %w", op, alg, ErrInvalidParameter)
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
