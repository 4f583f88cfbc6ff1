package provider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stewartm83/identityserver/provider/store"
)

// TestGenerateKey generates a test ECDSA P-256 signing key.
func TestGenerateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	require := require.New(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	return priv
}

// TestTokenCreator creates an ES256 token creator over a fresh test key.
func TestTokenCreator(t *testing.T) *JoseTokenCreator {
	t.Helper()
	require := require.New(t)
	creator, err := NewJoseTokenCreator(ES256, TestGenerateKey(t), "test-key")
	require.NoError(err)
	return creator
}

// TestClientSecret is the raw secret TestClient registers.
const TestClientSecret = "fido"

// TestRedirectURI is the redirect URI TestClient registers.
const TestRedirectURI = "https://client.example.com/callback"

// TestClient returns a confidential code-flow client with sensible test
// defaults. Tests mutate the returned client before handing it to a store.
func TestClient(t *testing.T, clientID string) *Client {
	t.Helper()
	return &Client{
		ID:                  clientID,
		Enabled:             true,
		Name:                "test client " + clientID,
		Secrets:             []Secret{NewSecret(TestClientSecret)},
		RequireClientSecret: true,
		AllowedGrantTypes: []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
			GrantTypeClientCredentials,
		},
		AllowedScopes:          []string{ScopeOpenID, ScopeProfile, ScopeEmail, "api"},
		AllowOfflineAccess:     true,
		RedirectURIs:           []string{TestRedirectURI},
		PostLogoutRedirectURIs: []string{"https://client.example.com/signed-out"},
		AllowRememberConsent:   true,
	}
}

// TestResourceStore returns a resource store with the standard identity
// scopes plus one API ("api" scope on the "test-api" resource, secret
// TestClientSecret).
func TestResourceStore(t *testing.T) *InMemoryResourceStore {
	t.Helper()
	require := require.New(t)
	resources, err := NewInMemoryResourceStore(
		[]IdentityResource{
			{Name: ScopeOpenID, ClaimTypes: []string{ClaimSubject}, Required: true},
			{Name: ScopeProfile, ClaimTypes: []string{ClaimName}},
			{Name: ScopeEmail, ClaimTypes: []string{ClaimEmail}, Emphasize: true},
		},
		[]APIScope{
			{Name: "api", ClaimTypes: []string{ClaimName}},
		},
		[]APIResource{
			{
				Name:       "test-api",
				Scopes:     []string{"api"},
				ClaimTypes: []string{ClaimName},
				Secrets:    []Secret{NewSecret(TestClientSecret)},
			},
		},
	)
	require.NoError(err)
	return resources
}

// TestSubject returns an authenticated subject with a couple of profile
// claims.
func TestSubject(t *testing.T, subjectID string) *Subject {
	t.Helper()
	return &Subject{
		ID:               subjectID,
		SessionID:        "session-" + subjectID,
		AuthTime:         time.Now().Add(-time.Minute),
		IdentityProvider: "local",
		AuthMethods:      []string{"pwd"},
		Claims: []Claim{
			NewClaim(ClaimName, "Alice Example"),
			NewClaim(ClaimEmail, subjectID+"@example.com"),
		},
	}
}

// TestServices wires a full provider core over an in-memory grant store, for
// tests and the test identity server.
type TestServices struct {
	Issuer string

	Clients   *InMemoryClientStore
	Resources *InMemoryResourceStore
	Grants    store.GrantStore
	Creator   *JoseTokenCreator

	ClientAuth         *ClientSecretValidator
	ResourceValidator  *ResourceValidator
	Consent            *ConsentService
	Interaction        *InteractionEngine
	AuthorizeValidator *AuthorizeRequestValidator
	AuthorizeResponses *AuthorizeResponseGenerator
	Tokens             *TokenService
	Refresh            *RefreshTokenService
	TokenValidator     *TokenRequestValidator
	TokenResponses     *TokenResponseGenerator
	Device             *DeviceFlowService
	APIAuth            *APISecretValidator
	Introspection      *IntrospectionService
	EndSession         *EndSessionRequestValidator
	Discovery          *DiscoveryService
}

// StartTestServices builds the whole pipeline over the given clients. The
// issuer is a placeholder URI; the test identity server overrides it with its
// listener address.
func StartTestServices(t *testing.T, issuer string, clients []*Client, opt ...Option) *TestServices {
	t.Helper()
	require := require.New(t)

	s := &TestServices{Issuer: issuer}
	var err error

	s.Clients, err = NewInMemoryClientStore(clients...)
	require.NoError(err)
	s.Resources = TestResourceStore(t)
	s.Grants = store.NewInMemory()
	s.Creator = TestTokenCreator(t)

	s.ClientAuth, err = NewClientSecretValidator(s.Clients, opt...)
	require.NoError(err)
	s.ResourceValidator, err = NewResourceValidator(s.Resources)
	require.NoError(err)
	s.Consent, err = NewConsentService(s.Grants, opt...)
	require.NoError(err)
	s.Interaction, err = NewInteractionEngine(s.Consent, opt...)
	require.NoError(err)
	s.AuthorizeValidator, err = NewAuthorizeRequestValidator(s.Clients, s.ResourceValidator, opt...)
	require.NoError(err)

	claims := NewDefaultClaimsService(opt...)
	s.Tokens, err = NewTokenService(issuer, s.Creator, claims, s.Grants, opt...)
	require.NoError(err)
	s.Refresh, err = NewRefreshTokenService(s.Grants, opt...)
	require.NoError(err)
	s.AuthorizeResponses, err = NewAuthorizeResponseGenerator(s.Tokens, s.Grants, opt...)
	require.NoError(err)
	s.TokenValidator, err = NewTokenRequestValidator(s.ResourceValidator, s.Grants, s.Refresh, opt...)
	require.NoError(err)
	s.TokenResponses, err = NewTokenResponseGenerator(s.Tokens, s.Refresh, opt...)
	require.NoError(err)
	s.Device, err = NewDeviceFlowService(s.ResourceValidator, s.Grants, issuer+"/device", opt...)
	require.NoError(err)
	s.APIAuth, err = NewAPISecretValidator(s.Resources, opt...)
	require.NoError(err)
	s.Introspection, err = NewIntrospectionService(issuer, s.Creator, s.Grants, opt...)
	require.NoError(err)
	s.EndSession, err = NewEndSessionRequestValidator(issuer, s.Clients, s.Creator, opt...)
	require.NoError(err)
	s.Discovery, err = NewDiscoveryService(issuer, DefaultDiscoveryEndpoints(), DefaultDiscoveryOptions(), s.Resources, s.Creator)
	require.NoError(err)

	return s
}
