package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stewartm83/identityserver/provider/store"
)

func TestAPISecretValidator_Validate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v, err := NewAPISecretValidator(TestResourceStore(t))
	require.NoError(t, err)

	tests := []struct {
		name    string
		apiName string
		secret  ClientSecret
		wantAPI string
	}{
		{"valid", "test-api", TestClientSecret, "test-api"},
		{"bad-secret", "test-api", "wrong", ""},
		{"unknown-api", "nobody", TestClientSecret, ""},
		{"missing-name", "", TestClientSecret, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			api, err := v.Validate(ctx, tt.apiName, tt.secret)
			// failures must all look the same: nil api, nil error
			require.NoError(err)
			if tt.wantAPI == "" {
				assert.Nil(api)
				return
			}
			require.NotNil(api)
			assert.Equal(tt.wantAPI, api.Name)
		})
	}
}

// mintAccessToken issues a serialized access token for the test API.
func mintAccessToken(t *testing.T, s *TestServices, client *Client, subject *Subject) string {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	token, err := s.Tokens.CreateAccessToken(ctx, &AccessTokenRequest{
		Client:    client,
		Subject:   subject,
		SessionID: subject.SessionID,
		Resources: testGrantedResources(t, ScopeOpenID, "api"),
	})
	require.NoError(err)
	raw, err := s.Tokens.CreateSecurityToken(ctx, token)
	require.NoError(err)
	return raw
}

func testAPI(t *testing.T, s *TestServices) *APIResource {
	t.Helper()
	api, err := s.APIAuth.Validate(context.Background(), "test-api", TestClientSecret)
	require.NoError(t, err)
	require.NotNil(t, api)
	return api
}

func TestIntrospectionService_jwt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subject := TestSubject(t, "alice")

	t.Run("active", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})
		raw := mintAccessToken(t, s, client, subject)

		got, err := s.Introspection.Introspect(ctx, raw, testAPI(t, s))
		require.NoError(err)
		assert.Equal(true, got["active"])
		assert.Equal("alice", got["sub"])
		assert.Equal(testIssuer, got["iss"])
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		now := time.Now()
		currentTime := now
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client}, WithNow(func() time.Time { return currentTime }))
		raw := mintAccessToken(t, s, client, subject)

		currentTime = now.Add(client.accessTokenLifetime() + time.Minute)
		got, err := s.Introspection.Introspect(ctx, raw, testAPI(t, s))
		require.NoError(err)
		assert.Equal(inactiveToken, got)
	})

	t.Run("foreign-issuer", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})

		// signed with our key but issued under another issuer name
		other, err := NewTokenService("https://other.example.com", s.Creator, NewDefaultClaimsService(), store.NewInMemory())
		require.NoError(err)
		token, err := other.CreateAccessToken(ctx, &AccessTokenRequest{
			Client:    client,
			Subject:   subject,
			Resources: testGrantedResources(t, "api"),
		})
		require.NoError(err)
		raw, err := other.CreateSecurityToken(ctx, token)
		require.NoError(err)

		got, err := s.Introspection.Introspect(ctx, raw, testAPI(t, s))
		require.NoError(err)
		assert.Equal(inactiveToken, got)
	})

	t.Run("wrong-audience", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})
		raw := mintAccessToken(t, s, client, subject)

		got, err := s.Introspection.Introspect(ctx, raw, &APIResource{Name: "some-other-api"})
		require.NoError(err)
		assert.Equal(inactiveToken, got, "a valid token for another audience must look inactive")
	})

	t.Run("garbage-and-empty", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})
		api := testAPI(t, s)

		got, err := s.Introspection.Introspect(ctx, "not.a.jwt", api)
		require.NoError(err)
		assert.Equal(inactiveToken, got)

		got, err = s.Introspection.Introspect(ctx, "", api)
		require.NoError(err)
		assert.Equal(inactiveToken, got)
	})
}

func TestIntrospectionService_reference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subject := TestSubject(t, "alice")

	newReferenceClient := func(t *testing.T) *Client {
		client := TestClient(t, "ref")
		client.AccessTokenType = AccessTokenTypeReference
		return client
	}

	t.Run("active", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newReferenceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client})
		handle := mintAccessToken(t, s, client, subject)

		assert.NotContains(handle, ".", "reference handles are opaque")
		got, err := s.Introspection.Introspect(ctx, handle, testAPI(t, s))
		require.NoError(err)
		assert.Equal(true, got["active"])
		assert.Equal("alice", got["sub"])
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		now := time.Now()
		currentTime := now
		client := newReferenceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client}, WithNow(func() time.Time { return currentTime }))
		handle := mintAccessToken(t, s, client, subject)

		currentTime = now.Add(client.accessTokenLifetime() + time.Minute)
		got, err := s.Introspection.Introspect(ctx, handle, testAPI(t, s))
		require.NoError(err)
		assert.Equal(inactiveToken, got)
	})

	t.Run("wrong-audience", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newReferenceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client})
		handle := mintAccessToken(t, s, client, subject)

		got, err := s.Introspection.Introspect(ctx, handle, &APIResource{Name: "some-other-api"})
		require.NoError(err)
		assert.Equal(inactiveToken, got)
	})
}
