package provider

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stewartm83/identityserver/sdk/id"
	"github.com/stewartm83/identityserver/sdk/strutils"
)

// ClientSecret holds the raw value of a client secret as presented on the
// wire. It is redacted when printed or serialized.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for a client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the secret.
func (s ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the secret.
func (s ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Secret is a stored credential for a client or API resource. Value holds the
// SHA-256 fingerprint of the secret (see id.Hash), never the secret itself.
type Secret struct {
	// Value is the base64url-encoded SHA-256 digest of the secret.
	Value string

	// Description is optional.
	Description string

	// Expiration is optional; an expired secret never matches.
	Expiration *time.Time
}

// NewSecret fingerprints a raw secret for storage.
func NewSecret(raw string) Secret {
	return Secret{Value: id.Hash(raw)}
}

// matches reports whether the presented raw secret matches this stored
// secret at the given time. The comparison runs over equal-length digests in
// constant time.
func (s Secret) matches(presented ClientSecret, now time.Time) bool {
	if s.Expiration != nil && !s.Expiration.After(now) {
		return false
	}
	digest := id.Hash(string(presented))
	return subtle.ConstantTimeCompare([]byte(s.Value), []byte(digest)) == 1
}

// AccessTokenType selects the wire form of issued access tokens.
type AccessTokenType int

const (
	// AccessTokenTypeJWT issues self-contained signed JWTs.
	AccessTokenTypeJWT AccessTokenType = iota

	// AccessTokenTypeReference stores the token server-side and puts an
	// opaque handle on the wire.
	AccessTokenTypeReference
)

// TokenUsage selects the refresh token rotation policy.
type TokenUsage int

const (
	// TokenUsageReUse keeps the same refresh token handle across refreshes.
	TokenUsageReUse TokenUsage = iota

	// TokenUsageOneTimeOnly rotates the handle on every refresh; the old
	// handle is consumed before the new one is issued.
	TokenUsageOneTimeOnly
)

// TokenExpiration selects the refresh token lifetime policy.
type TokenExpiration int

const (
	// TokenExpirationAbsolute expires refresh tokens at a fixed point
	// after issuance.
	TokenExpirationAbsolute TokenExpiration = iota

	// TokenExpirationSliding extends the lifetime on every refresh, up to
	// the absolute ceiling.
	TokenExpirationSliding
)

// Grant type names as they appear on the wire.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeHybrid            = "hybrid"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Client is the configuration for one relying party. It is resolved by id
// from a ClientStore, treated as immutable per request, and never written by
// the core.
type Client struct {
	// ID uniquely identifies the client.
	ID string

	// Enabled gates the whole client; a disabled client fails every
	// validation exactly like an unknown one.
	Enabled bool

	// Name is a human readable client name (consent UI, logs).
	Name string

	// Secrets are the fingerprinted credentials the client may
	// authenticate with.
	Secrets []Secret

	// RequireClientSecret, when false, allows the client to authenticate
	// with only its id (public native/SPA clients).
	RequireClientSecret bool

	// AllowedGrantTypes lists the flows the client may use (see the
	// GrantType consts).
	AllowedGrantTypes []string

	// AllowedScopes lists the identity and API scopes the client may
	// request.
	AllowedScopes []string

	// AllowOfflineAccess permits requesting offline_access (refresh
	// tokens).
	AllowOfflineAccess bool

	// RedirectURIs are the exact allowed redirect URIs. Matching is full
	// string equality including any query string; never prefix matching.
	RedirectURIs []string

	// PostLogoutRedirectURIs are the exact allowed post-logout redirect
	// URIs for end-session.
	PostLogoutRedirectURIs []string

	// FrontChannelLogoutURI, when set, is rendered as a logout iframe
	// source during end-session.
	FrontChannelLogoutURI string

	// BackChannelLogoutURI, when set, receives a logout token POST during
	// end-session.
	BackChannelLogoutURI string

	// BackChannelLogoutSessionRequired includes the sid claim in logout
	// tokens.
	BackChannelLogoutSessionRequired bool

	// RequirePKCE forces authorization code requests to carry a PKCE
	// challenge.
	RequirePKCE bool

	// AllowPlainTextPKCE additionally permits the "plain" challenge
	// method. S256 is always allowed.
	AllowPlainTextPKCE bool

	// RequireConsent gates the consent interaction.
	RequireConsent bool

	// AllowRememberConsent permits storing the consent decision.
	AllowRememberConsent bool

	// ConsentLifetime bounds how long a remembered consent is honored;
	// zero means no expiration.
	ConsentLifetime time.Duration

	// AlwaysIncludeUserClaimsInIDToken embeds the identity claims in the
	// id_token instead of deferring them to the userinfo endpoint.
	AlwaysIncludeUserClaimsInIDToken bool

	// AccessTokenType selects JWT or reference access tokens.
	AccessTokenType AccessTokenType

	// Claims are fixed claims attached to every access token issued to
	// this client.
	Claims []Claim

	// UpdateAccessTokenClaimsOnRefresh re-runs claims assembly on refresh
	// instead of copying the stored access token's claims.
	UpdateAccessTokenClaimsOnRefresh bool

	// Lifetimes. Zero values fall back to the package defaults.
	AccessTokenLifetime       time.Duration
	IdentityTokenLifetime     time.Duration
	AuthorizationCodeLifetime time.Duration
	DeviceCodeLifetime        time.Duration

	// PollingInterval is the minimum device flow polling interval.
	PollingInterval time.Duration

	// RefreshTokenUsage is the rotation policy.
	RefreshTokenUsage TokenUsage

	// RefreshTokenExpiration is the lifetime policy.
	RefreshTokenExpiration TokenExpiration

	// AbsoluteRefreshTokenLifetime caps a refresh token's total life.
	AbsoluteRefreshTokenLifetime time.Duration

	// SlidingRefreshTokenLifetime is the per-refresh extension under the
	// sliding policy.
	SlidingRefreshTokenLifetime time.Duration

	// AllowedCORSOrigins is surfaced to HTTP glue; the core does not
	// interpret it.
	AllowedCORSOrigins []string
}

// Default lifetimes, applied when the client config leaves them zero.
const (
	DefaultAccessTokenLifetime           = 1 * time.Hour
	DefaultIdentityTokenLifetime         = 5 * time.Minute
	DefaultAuthorizationCodeLifetime     = 5 * time.Minute
	DefaultDeviceCodeLifetime            = 5 * time.Minute
	DefaultPollingInterval               = 5 * time.Second
	DefaultAbsoluteRefreshTokenLifetime  = 30 * 24 * time.Hour
	DefaultSlidingRefreshTokenLifetime   = 15 * 24 * time.Hour
)

func (c *Client) accessTokenLifetime() time.Duration {
	if c.AccessTokenLifetime > 0 {
		return c.AccessTokenLifetime
	}
	return DefaultAccessTokenLifetime
}

func (c *Client) identityTokenLifetime() time.Duration {
	if c.IdentityTokenLifetime > 0 {
		return c.IdentityTokenLifetime
	}
	return DefaultIdentityTokenLifetime
}

func (c *Client) authorizationCodeLifetime() time.Duration {
	if c.AuthorizationCodeLifetime > 0 {
		return c.AuthorizationCodeLifetime
	}
	return DefaultAuthorizationCodeLifetime
}

func (c *Client) deviceCodeLifetime() time.Duration {
	if c.DeviceCodeLifetime > 0 {
		return c.DeviceCodeLifetime
	}
	return DefaultDeviceCodeLifetime
}

func (c *Client) pollingInterval() time.Duration {
	if c.PollingInterval > 0 {
		return c.PollingInterval
	}
	return DefaultPollingInterval
}

func (c *Client) absoluteRefreshTokenLifetime() time.Duration {
	if c.AbsoluteRefreshTokenLifetime > 0 {
		return c.AbsoluteRefreshTokenLifetime
	}
	return DefaultAbsoluteRefreshTokenLifetime
}

func (c *Client) slidingRefreshTokenLifetime() time.Duration {
	if c.SlidingRefreshTokenLifetime > 0 {
		return c.SlidingRefreshTokenLifetime
	}
	return DefaultSlidingRefreshTokenLifetime
}

// allowsGrantType reports whether the client may use the grant type.
func (c *Client) allowsGrantType(grantType string) bool {
	return strutils.StrListContains(c.AllowedGrantTypes, grantType)
}

// allowsRedirectURI reports whether uri exactly matches a registered
// redirect URI.
func (c *Client) allowsRedirectURI(uri string) bool {
	return uri != "" && strutils.StrListContains(c.RedirectURIs, uri)
}

// validateSecret checks a presented secret against the stored secrets,
// honoring RequireClientSecret.
func (c *Client) validateSecret(presented ClientSecret, now time.Time) bool {
	if !c.RequireClientSecret {
		return true
	}
	for _, s := range c.Secrets {
		if s.matches(presented, now) {
			return true
		}
	}
	return false
}

// ClientStore resolves client configuration by id.
type ClientStore interface {
	// FindClientByID returns the client, or nil when the id is unknown.
	FindClientByID(ctx context.Context, clientID string) (*Client, error)
}

// InMemoryClientStore is a ClientStore over a fixed set of clients, built at
// construction and read-only afterwards.
type InMemoryClientStore struct {
	clients map[string]*Client
}

// ensure that InMemoryClientStore implements the ClientStore interface.
var _ ClientStore = (*InMemoryClientStore)(nil)

// NewInMemoryClientStore indexes the given clients by id.
func NewInMemoryClientStore(clients ...*Client) (*InMemoryClientStore, error) {
	const op = "provider.NewInMemoryClientStore"
	m := make(map[string]*Client, len(clients))
	for _, c := range clients {
		if c == nil {
			return nil, fmt.Errorf("%s: nil client: %w", op, ErrNilParameter)
		}
		if c.ID == "" {
			return nil, fmt.Errorf("%s: client has no id: %w", op, ErrInvalidClient)
		}
		if _, ok := m[c.ID]; ok {
			return nil, fmt.Errorf("%s: duplicate client id %q: %w", op, c.ID, ErrInvalidClient)
		}
		m[c.ID] = c
	}
	return &InMemoryClientStore{clients: m}, nil
}

// FindClientByID returns the client for the id, or nil when unknown.
func (s *InMemoryClientStore) FindClientByID(_ context.Context, clientID string) (*Client, error) {
	return s.clients[clientID], nil
}

// ClientSecretValidator authenticates a client by id and presented secret.
// It deliberately reports one generic failure for unknown, disabled and
// badly-authenticated clients so callers can't probe which part failed.
type ClientSecretValidator struct {
	clients ClientStore
	now     func() time.Time
}

// NewClientSecretValidator creates a validator over the client store.
// Supported options: WithNow
func NewClientSecretValidator(clients ClientStore, opt ...Option) (*ClientSecretValidator, error) {
	const op = "provider.NewClientSecretValidator"
	if clients == nil {
		return nil, fmt.Errorf("%s: missing client store: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &ClientSecretValidator{clients: clients, now: opts.withNowFn}, nil
}

// Validate resolves and authenticates the client. It returns nil (with no
// error) whenever authentication fails for a protocol reason.
func (v *ClientSecretValidator) Validate(ctx context.Context, clientID string, secret ClientSecret) (*Client, error) {
	const op = "provider.(ClientSecretValidator).Validate"
	if clientID == "" {
		return nil, nil
	}
	client, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%s: client store failed: %w", op, err)
	}
	if client == nil || !client.Enabled {
		return nil, nil
	}
	if !client.validateSecret(secret, v.now()) {
		return nil, nil
	}
	return client, nil
}
