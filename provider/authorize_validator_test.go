package provider

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthorizeValidator(t *testing.T, clients ...*Client) *AuthorizeRequestValidator {
	t.Helper()
	require := require.New(t)
	clientStore, err := NewInMemoryClientStore(clients...)
	require.NoError(err)
	resources, err := NewResourceValidator(TestResourceStore(t))
	require.NoError(err)
	v, err := NewAuthorizeRequestValidator(clientStore, resources)
	require.NoError(err)
	return v
}

func testAuthorizeParams(clientID string) url.Values {
	return url.Values{
		ParamClientID:     {clientID},
		ParamRedirectURI:  {TestRedirectURI},
		ParamResponseType: {ResponseTypeCode},
		ParamScope:        {"openid profile"},
		ParamState:        {"xyz"},
	}
}

func TestAuthorizeRequestValidator_Validate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := TestClient(t, "web")
	hybrid := TestClient(t, "hybrid")
	hybrid.AllowedGrantTypes = append(hybrid.AllowedGrantTypes, GrantTypeHybrid, GrantTypeImplicit)
	pkce := TestClient(t, "spa")
	pkce.RequirePKCE = true
	disabled := TestClient(t, "off")
	disabled.Enabled = false

	v := testAuthorizeValidator(t, client, hybrid, pkce, disabled)
	subject := TestSubject(t, "alice")

	tests := []struct {
		name      string
		modify    func(p url.Values)
		wantError string
	}{
		{
			name:   "valid-code-request",
			modify: func(p url.Values) {},
		},
		{
			name:      "missing-client",
			modify:    func(p url.Values) { p.Del(ParamClientID) },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "unknown-client",
			modify:    func(p url.Values) { p.Set(ParamClientID, "nobody") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "disabled-client",
			modify:    func(p url.Values) { p.Set(ParamClientID, "off") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "redirect-uri-prefix-is-not-exact",
			modify:    func(p url.Values) { p.Set(ParamRedirectURI, TestRedirectURI+"/extra") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "redirect-uri-missing",
			modify:    func(p url.Values) { p.Del(ParamRedirectURI) },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "unsupported-response-type",
			modify:    func(p url.Values) { p.Set(ParamResponseType, "code token id_token badger") },
			wantError: ErrorUnsupportedResponseType,
		},
		{
			name:      "grant-type-not-allowed",
			modify:    func(p url.Values) { p.Set(ParamResponseType, ResponseTypeIDToken) },
			wantError: ErrorUnauthorizedClient,
		},
		{
			name: "query-mode-forbidden-for-tokens",
			modify: func(p url.Values) {
				p.Set(ParamClientID, "hybrid")
				p.Set(ParamResponseType, ResponseTypeCodeIDToken)
				p.Set(ParamResponseMode, ResponseModeQuery)
				p.Set(ParamNonce, "n")
			},
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "unknown-response-mode",
			modify:    func(p url.Values) { p.Set(ParamResponseMode, "post_message") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "missing-scope",
			modify:    func(p url.Values) { p.Del(ParamScope) },
			wantError: ErrorInvalidScope,
		},
		{
			name:      "invalid-scope",
			modify:    func(p url.Values) { p.Set(ParamScope, "openid nope") },
			wantError: ErrorInvalidScope,
		},
		{
			name: "id-token-requires-openid-scope",
			modify: func(p url.Values) {
				p.Set(ParamClientID, "hybrid")
				p.Set(ParamResponseType, ResponseTypeCodeIDToken)
				p.Set(ParamScope, "api")
				p.Set(ParamNonce, "n")
			},
			wantError: ErrorInvalidScope,
		},
		{
			name: "id-token-requires-nonce",
			modify: func(p url.Values) {
				p.Set(ParamClientID, "hybrid")
				p.Set(ParamResponseType, ResponseTypeCodeIDToken)
			},
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "prompt-none-is-exclusive",
			modify:    func(p url.Values) { p.Set(ParamPrompt, "none login") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "unknown-prompt",
			modify:    func(p url.Values) { p.Set(ParamPrompt, "maybe") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "negative-max-age",
			modify:    func(p url.Values) { p.Set(ParamMaxAge, "-1") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "unparsable-max-age",
			modify:    func(p url.Values) { p.Set(ParamMaxAge, "soon") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "pkce-required-but-missing",
			modify:    func(p url.Values) { p.Set(ParamClientID, "spa") },
			wantError: ErrorInvalidRequest,
		},
		{
			name: "pkce-plain-not-allowed",
			modify: func(p url.Values) {
				p.Set(ParamClientID, "spa")
				p.Set(ParamCodeChallenge, testChallenge(t))
				p.Set(ParamCodeChallengeMethod, string(PKCEPlain))
			},
			wantError: ErrorInvalidRequest,
		},
		{
			name: "pkce-s256-accepted",
			modify: func(p url.Values) {
				p.Set(ParamClientID, "spa")
				p.Set(ParamCodeChallenge, testChallenge(t))
				p.Set(ParamCodeChallengeMethod, string(S256))
			},
		},
		{
			name: "pkce-unknown-method",
			modify: func(p url.Values) {
				p.Set(ParamClientID, "spa")
				p.Set(ParamCodeChallenge, testChallenge(t))
				p.Set(ParamCodeChallengeMethod, "S512")
			},
			wantError: ErrorInvalidRequest,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			params := testAuthorizeParams("web")
			tt.modify(params)

			got, err := v.Validate(ctx, params, subject)
			require.NoError(err)
			if tt.wantError != "" {
				require.True(got.IsError)
				assert.Equal(tt.wantError, got.Error)
				return
			}
			require.False(got.IsError, "unexpected error %q: %s", got.Error, got.ErrorDescription)
			assert.NotNil(got.Request.Client)
			assert.Equal("xyz", got.Request.State)
		})
	}
}

func testChallenge(t *testing.T) string {
	t.Helper()
	v, err := NewCodeVerifier()
	require.NoError(t, err)
	return v.Challenge()
}

func TestAuthorizeRequestValidator_defaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hybrid := TestClient(t, "hybrid")
	hybrid.AllowedGrantTypes = append(hybrid.AllowedGrantTypes, GrantTypeHybrid)
	v := testAuthorizeValidator(t, TestClient(t, "web"), hybrid)
	subject := TestSubject(t, "alice")

	t.Run("code-defaults-to-query", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		got, err := v.Validate(ctx, testAuthorizeParams("web"), subject)
		require.NoError(err)
		require.False(got.IsError)
		assert.Equal(ResponseModeQuery, got.Request.ResponseMode)
		assert.Equal(GrantTypeAuthorizationCode, got.Request.GrantType)
	})

	t.Run("hybrid-defaults-to-fragment", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		params := testAuthorizeParams("hybrid")
		params.Set(ParamResponseType, ResponseTypeCodeIDToken)
		params.Set(ParamNonce, "n")
		got, err := v.Validate(ctx, params, subject)
		require.NoError(err)
		require.False(got.IsError)
		assert.Equal(ResponseModeFragment, got.Request.ResponseMode)
		assert.Equal(GrantTypeHybrid, got.Request.GrantType)
	})
}

type rejectEveryoneHook struct{}

func (rejectEveryoneHook) Validate(_ context.Context, result *AuthorizeValidationResult) error {
	result.IsError = true
	result.Error = "my_custom_error"
	return nil
}

func TestAuthorizeRequestValidator_hookSandbox(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	clientStore, err := NewInMemoryClientStore(TestClient(t, "web"))
	require.NoError(err)
	resources, err := NewResourceValidator(TestResourceStore(t))
	require.NoError(err)
	v, err := NewAuthorizeRequestValidator(clientStore, resources, WithAuthorizeRequestHooks(rejectEveryoneHook{}))
	require.NoError(err)

	got, err := v.Validate(ctx, testAuthorizeParams("web"), TestSubject(t, "alice"))
	require.NoError(err)
	require.True(got.IsError)
	assert.Equal(ErrorAccessDenied, got.Error, "codes outside the vocabulary are coerced")
}
