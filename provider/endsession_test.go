package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkhttp "github.com/stewartm83/identityserver/sdk/http"
)

// mintHint issues an id_token usable as an id_token_hint.
func mintHint(t *testing.T, s *TestServices, client *Client, subject *Subject) string {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	token, err := s.Tokens.CreateIdentityToken(ctx, &IdentityTokenRequest{
		Client:            client,
		Subject:           subject,
		SessionID:         subject.SessionID,
		Resources:         testGrantedResources(t, ScopeOpenID),
		IncludeUserClaims: false,
	})
	require.NoError(err)
	raw, err := s.Tokens.CreateSecurityToken(ctx, token)
	require.NoError(err)
	return raw
}

func TestEndSessionRequestValidator_Validate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subject := TestSubject(t, "alice")
	postLogout := "https://client.example.com/signed-out"

	t.Run("no-hint-plain-logout", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})

		// without a verified hint the redirect is not honored
		params := url.Values{
			ParamPostLogoutRedirect: {postLogout},
			ParamState:              {"xyz"},
		}
		got, err := s.EndSession.Validate(ctx, params, subject)
		require.NoError(err)
		assert.Equal(subject.SessionID, got.Request.SessionID)
		assert.Nil(got.Request.Client)
		assert.Empty(got.Request.PostLogoutRedirectURI)
		assert.Empty(got.Request.State)
	})

	t.Run("verified-hint-honors-registered-redirect", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})
		hint := mintHint(t, s, client, subject)

		params := url.Values{
			ParamIDTokenHint:        {hint},
			ParamPostLogoutRedirect: {postLogout},
			ParamState:              {"xyz"},
		}
		got, err := s.EndSession.Validate(ctx, params, subject)
		require.NoError(err)
		require.NotNil(got.Request.Client)
		assert.Equal(client.ID, got.Request.Client.ID)
		assert.Equal(postLogout, got.Request.PostLogoutRedirectURI)
		assert.Equal("xyz", got.Request.State)
	})

	t.Run("unregistered-redirect-is-dropped", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})
		hint := mintHint(t, s, client, subject)

		params := url.Values{
			ParamIDTokenHint:        {hint},
			ParamPostLogoutRedirect: {"https://evil.example.com/phish"},
			ParamState:              {"xyz"},
		}
		got, err := s.EndSession.Validate(ctx, params, subject)
		require.NoError(err)
		require.NotNil(got.Request.Client)
		assert.Empty(got.Request.PostLogoutRedirectURI)
		assert.Empty(got.Request.State, "state travels only with an honored redirect")
	})

	t.Run("unverifiable-hint-degrades", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})

		params := url.Values{
			ParamIDTokenHint:        {"not.a.token"},
			ParamPostLogoutRedirect: {postLogout},
		}
		got, err := s.EndSession.Validate(ctx, params, subject)
		require.NoError(err)
		assert.Nil(got.Request.Client)
		assert.Empty(got.Request.PostLogoutRedirectURI)
	})

	t.Run("hint-for-another-subject-buys-nothing", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{client})
		hint := mintHint(t, s, client, TestSubject(t, "bob"))

		params := url.Values{
			ParamIDTokenHint:        {hint},
			ParamPostLogoutRedirect: {postLogout},
		}
		got, err := s.EndSession.Validate(ctx, params, subject)
		require.NoError(err)
		assert.Nil(got.Request.Client)
		assert.Empty(got.Request.PostLogoutRedirectURI)
	})
}

func testLogoutNotifications(t *testing.T, s *TestServices) *LogoutNotificationService {
	t.Helper()
	require := require.New(t)
	httpClient, err := sdkhttp.NewClient("")
	require.NoError(err)
	svc, err := NewLogoutNotificationService(testIssuer, s.Clients, s.Tokens, httpClient)
	require.NoError(err)
	return svc
}

func TestLogoutNotificationService_FrontChannelLogoutURLs(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	withLogout := TestClient(t, "app-1")
	withLogout.FrontChannelLogoutURI = "https://app-1.example.com/logout"
	withQuery := TestClient(t, "app-2")
	withQuery.FrontChannelLogoutURI = "https://app-2.example.com/logout?tenant=a"
	without := TestClient(t, "app-3")

	s := StartTestServices(t, testIssuer, []*Client{withLogout, withQuery, without})
	svc := testLogoutNotifications(t, s)

	urls, err := svc.FrontChannelLogoutURLs(ctx, []string{"app-1", "app-2", "app-3"}, "sess-9")
	require.NoError(err)
	require.Len(urls, 2, "clients without a front-channel URI are skipped")

	first, err := url.Parse(urls[0])
	require.NoError(err)
	assert.Equal(testIssuer, first.Query().Get("iss"))
	assert.Equal("sess-9", first.Query().Get("sid"))
	assert.Contains(urls[1], "?tenant=a&")
}

func TestLogoutNotificationService_SendBackChannelLogouts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("delivers-a-verifiable-logout-token", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)

		var mu sync.Mutex
		var received string
		receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(r.ParseForm())
			mu.Lock()
			received = r.PostForm.Get("logout_token")
			mu.Unlock()
			assert.Equal("application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(receiver.Close)

		client := TestClient(t, "web")
		client.BackChannelLogoutURI = receiver.URL
		client.BackChannelLogoutSessionRequired = true
		s := StartTestServices(t, testIssuer, []*Client{client})
		svc := testLogoutNotifications(t, s)

		require.NoError(svc.SendBackChannelLogouts(ctx, []string{"web"}, "alice", "sess-9"))

		mu.Lock()
		raw := received
		mu.Unlock()
		require.NotEmpty(raw)
		claims, err := verifyIssuedJWT(s.Creator, raw)
		require.NoError(err)
		assert.Equal("alice", claims["sub"])
		assert.Equal("sess-9", claims[ClaimSessionID])
		events, ok := claims["events"].(map[string]interface{})
		require.True(ok, "events claim must be a JSON object")
		_, hasLogoutEvent := events[LogoutTokenEvent]
		assert.True(hasLogoutEvent)
		_, hasNonce := claims[ClaimNonce]
		assert.False(hasNonce, "logout tokens must not carry a nonce")
	})

	t.Run("failures-aggregate-but-do-not-stop-delivery", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)

		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(failing.Close)

		var delivered bool
		var mu sync.Mutex
		working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			delivered = true
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(working.Close)

		bad := TestClient(t, "bad")
		bad.BackChannelLogoutURI = failing.URL
		good := TestClient(t, "good")
		good.BackChannelLogoutURI = working.URL
		s := StartTestServices(t, testIssuer, []*Client{bad, good})
		svc := testLogoutNotifications(t, s)

		err := svc.SendBackChannelLogouts(ctx, []string{"bad", "good"}, "alice", "sess-9")
		require.Error(err, "the failed delivery surfaces for observability")
		mu.Lock()
		assert.True(delivered, "one bad receiver must not block the rest")
		mu.Unlock()
	})
}
