package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceValidator_Validate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	v, err := NewResourceValidator(TestResourceStore(t))
	require.NoError(t, err)

	client := TestClient(t, "web")
	noOffline := TestClient(t, "no-offline")
	noOffline.AllowOfflineAccess = false

	tests := []struct {
		name        string
		client      *Client
		scopes      []string
		wantParsed  []string
		wantInvalid []string
		wantOffline bool
	}{
		{
			name:       "all-valid",
			client:     client,
			scopes:     []string{ScopeOpenID, ScopeProfile, "api"},
			wantParsed: []string{ScopeOpenID, ScopeProfile, "api"},
		},
		{
			name:        "offline-access-allowed",
			client:      client,
			scopes:      []string{ScopeOpenID, ScopeOfflineAccess},
			wantParsed:  []string{ScopeOpenID, ScopeOfflineAccess},
			wantOffline: true,
		},
		{
			name:        "offline-access-denied",
			client:      noOffline,
			scopes:      []string{ScopeOpenID, ScopeOfflineAccess},
			wantParsed:  []string{ScopeOpenID},
			wantInvalid: []string{ScopeOfflineAccess},
		},
		{
			name:        "unknown-scope",
			client:      client,
			scopes:      []string{ScopeOpenID, "nope"},
			wantParsed:  []string{ScopeOpenID},
			wantInvalid: []string{"nope"},
		},
		{
			name:        "not-in-allow-list",
			client:      client,
			scopes:      []string{"admin"},
			wantInvalid: []string{"admin"},
		},
		{
			name:        "empty",
			client:      client,
			wantInvalid: nil,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := v.Validate(ctx, tt.client, tt.scopes)
			require.NoError(err)
			assert.Equal(tt.wantParsed, got.ParsedScopes)
			assert.Equal(tt.wantInvalid, got.InvalidScopes)
			assert.Equal(tt.wantOffline, got.Resources.OfflineAccess)
			assert.Equal(len(tt.wantInvalid) == 0 && len(tt.wantParsed) > 0, got.Succeeded())
		})
	}
}

func TestResources_claimTypes(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	store := TestResourceStore(t)
	resolved, err := store.FindResourcesByScopeNames(ctx, []string{ScopeOpenID, ScopeProfile, "api"})
	require.NoError(t, err)

	assert.Equal([]string{ClaimSubject, ClaimName}, resolved.identityClaimTypes())
	assert.Equal([]string{ClaimName}, resolved.apiClaimTypes())
	assert.Len(resolved.APIResources, 1, "granting the api scope pulls in its resource")
}

func TestParseScopes(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	assert.Equal([]string{"a", "b"}, ParseScopes("a b"))
	assert.Equal([]string{"a", "b"}, ParseScopes("a  b a"))
	assert.Empty(ParseScopes(""))
}
