package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDiscoveryService(t *testing.T, issuer string, options DiscoveryOptions, extensionGrantTypes ...string) *DiscoveryService {
	t.Helper()
	svc, err := NewDiscoveryService(issuer, DefaultDiscoveryEndpoints(), options, TestResourceStore(t), TestTokenCreator(t), extensionGrantTypes...)
	require.NoError(t, err)
	return svc
}

func TestDiscoveryService_CreateDiscoveryDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("tilde-paths-expand-against-the-issuer", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		// trailing slash on the issuer must not double up
		svc := testDiscoveryService(t, testIssuer+"/", DefaultDiscoveryOptions())

		doc, err := svc.CreateDiscoveryDocument(ctx)
		require.NoError(err)
		assert.Equal(testIssuer, doc["issuer"])
		assert.Equal(testIssuer+"/connect/authorize", doc["authorization_endpoint"])
		assert.Equal(testIssuer+"/connect/token", doc["token_endpoint"])
		assert.Equal(testIssuer+"/connect/endsession", doc["end_session_endpoint"])
		assert.Equal(testIssuer+"/.well-known/openid-configuration/jwks", doc["jwks_uri"])
	})

	t.Run("absolute-endpoints-pass-through", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		endpoints := DefaultDiscoveryEndpoints()
		endpoints.UserInfo = "https://userinfo.example.com/me"
		svc, err := NewDiscoveryService(testIssuer, endpoints, DefaultDiscoveryOptions(), TestResourceStore(t), TestTokenCreator(t))
		require.NoError(err)

		doc, err := svc.CreateDiscoveryDocument(ctx)
		require.NoError(err)
		assert.Equal("https://userinfo.example.com/me", doc["userinfo_endpoint"])
	})

	t.Run("full-document", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		svc := testDiscoveryService(t, testIssuer, DefaultDiscoveryOptions(), "urn:example:api-key")

		doc, err := svc.CreateDiscoveryDocument(ctx)
		require.NoError(err)
		assert.Equal([]string{"public"}, doc["subject_types_supported"])
		assert.Equal([]string{"ES256"}, doc["id_token_signing_alg_values_supported"])
		assert.Contains(doc["scopes_supported"], ScopeOfflineAccess)
		assert.Contains(doc["scopes_supported"], ScopeOpenID)
		assert.Contains(doc["claims_supported"], "email")
		assert.Contains(doc["grant_types_supported"], GrantTypeDeviceCode)
		assert.Contains(doc["grant_types_supported"], "urn:example:api-key")
		assert.Contains(doc["response_types_supported"], ResponseTypeCodeIDToken)
		assert.Equal([]string{ResponseModeFormPost, ResponseModeFragment, ResponseModeQuery}, doc["response_modes_supported"])
		assert.Equal(true, doc["backchannel_logout_supported"])
		assert.Contains(doc["code_challenge_methods_supported"], string(S256))
	})

	t.Run("zero-options-publish-almost-nothing", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		svc := testDiscoveryService(t, testIssuer, DiscoveryOptions{})

		doc, err := svc.CreateDiscoveryDocument(ctx)
		require.NoError(err)
		assert.Equal(testIssuer, doc["issuer"])
		assert.NotContains(doc, "authorization_endpoint")
		assert.NotContains(doc, "jwks_uri")
		assert.NotContains(doc, "scopes_supported")
		assert.NotContains(doc, "grant_types_supported")
	})

	t.Run("custom-entries-lose-to-fixed-ones", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		options := DefaultDiscoveryOptions()
		options.CustomEntries = map[string]interface{}{
			"acr_values_supported": []string{"mfa"},
			"issuer":               "https://spoofed.example.com",
		}
		svc := testDiscoveryService(t, testIssuer, options)

		doc, err := svc.CreateDiscoveryDocument(ctx)
		require.NoError(err)
		assert.Equal([]string{"mfa"}, doc["acr_values_supported"])
		assert.Equal(testIssuer, doc["issuer"])
	})
}

func TestDiscoveryService_CreateKeySet(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	svc := testDiscoveryService(t, testIssuer, DefaultDiscoveryOptions())

	set := svc.CreateKeySet()
	assert.Len(set.Keys, 1)
	assert.Equal("test-key", set.Keys[0].KeyID)
	assert.True(set.Keys[0].IsPublic(), "discovery must never leak the signing key")
}

func TestDiscoveryService_CacheMaxAge(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	options := DefaultDiscoveryOptions()
	assert.Zero(testDiscoveryService(t, testIssuer, options).CacheMaxAge())

	options.ResponseCacheInterval = time.Hour
	assert.Equal(time.Hour, testDiscoveryService(t, testIssuer, options).CacheMaxAge())
}
