package provider

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewartm83/identityserver/provider/store"
)

func TestNumericUserCodeGenerator(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		code, err := NumericUserCodeGenerator{}.Generate()
		require.NoError(err)
		assert.Len(code, numericUserCodeDigits)
		_, err = strconv.Atoi(code)
		assert.NoError(err, "code %q is not numeric", code)
		seen[code] = true
	}
	assert.Greater(len(seen), 1, "generator produced a constant")
}

// scriptedUserCodes returns a fixed sequence of user codes.
type scriptedUserCodes struct {
	codes []string
	next  int
}

func (g *scriptedUserCodes) Generate() (string, error) {
	code := g.codes[g.next%len(g.codes)]
	g.next++
	return code, nil
}

func newTestDeviceClient(t *testing.T) *Client {
	t.Helper()
	client := TestClient(t, "tv")
	client.AllowedGrantTypes = []string{GrantTypeDeviceCode}
	return client
}

func startDeviceFlow(t *testing.T, s *TestServices, client *Client, scope string) *DeviceAuthorizationResponse {
	t.Helper()
	require := require.New(t)
	result, err := s.Device.Validate(context.Background(), url.Values{ParamScope: {scope}}, client)
	require.NoError(err)
	require.False(result.IsError, "unexpected error %q", result.Error)
	response, err := s.Device.CreateResponse(context.Background(), result.Request)
	require.NoError(err)
	return response
}

func TestDeviceFlowService_Validate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("grant-type-must-be-allowed", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		web := TestClient(t, "web")
		s := StartTestServices(t, testIssuer, []*Client{web})

		got, err := s.Device.Validate(ctx, url.Values{}, web)
		require.NoError(err)
		require.True(got.IsError)
		assert.Equal(ErrorUnauthorizedClient, got.Error)
	})

	t.Run("empty-scope-defaults-to-allowed-scopes", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newTestDeviceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client})

		got, err := s.Device.Validate(ctx, url.Values{}, client)
		require.NoError(err)
		require.False(got.IsError)
		assert.ElementsMatch(client.AllowedScopes, got.Request.Scopes())
	})

	t.Run("unknown-scope", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newTestDeviceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client})

		got, err := s.Device.Validate(ctx, url.Values{ParamScope: {"nope"}}, client)
		require.NoError(err)
		require.True(got.IsError)
		assert.Equal(ErrorInvalidScope, got.Error)
	})
}

func TestDeviceFlowService_CreateResponse(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	client := newTestDeviceClient(t)
	s := StartTestServices(t, testIssuer, []*Client{client})

	response := startDeviceFlow(t, s, client, "openid api")
	assert.NotEmpty(response.DeviceCode)
	assert.Len(response.UserCode, numericUserCodeDigits)
	assert.Equal(testIssuer+"/device", response.VerificationURI)
	assert.Equal(testIssuer+"/device?user_code="+response.UserCode, response.VerificationURIComplete)
	assert.Equal(int64(client.deviceCodeLifetime().Seconds()), response.ExpiresIn)
	assert.Equal(int64(client.pollingInterval().Seconds()), response.Interval)

	// the user code resolves to the pending authorization
	code, err := s.Device.FindByUserCode(ctx, response.UserCode)
	require.NoError(err)
	require.NotNil(code)
	assert.Equal(client.ID, code.ClientID)
	assert.True(code.IsOpenID)
	assert.False(code.IsAuthorized)
}

func TestDeviceFlowService_userCodeCollisions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("collision-retries-until-unique", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newTestDeviceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client},
			WithUserCodeGenerator(&scriptedUserCodes{codes: []string{"111111111", "111111111", "222222222"}}))

		first := startDeviceFlow(t, s, client, "api")
		assert.Equal("111111111", first.UserCode)

		// the generator repeats the taken code once before moving on
		second := startDeviceFlow(t, s, client, "api")
		assert.Equal("222222222", second.UserCode)

		code, err := s.Device.FindByUserCode(ctx, second.UserCode)
		require.NoError(err)
		require.NotNil(code)
	})

	t.Run("budget-exhaustion", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newTestDeviceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client},
			WithUserCodeGenerator(&scriptedUserCodes{codes: []string{"111111111"}}))

		startDeviceFlow(t, s, client, "api")

		result, err := s.Device.Validate(ctx, url.Values{ParamScope: {"api"}}, client)
		require.NoError(err)
		_, err = s.Device.CreateResponse(ctx, result.Request)
		require.Error(err)
		assert.ErrorIs(err, ErrUserCodeSpaceExhausted)
	})
}

func TestDeviceFlowService_approveAndDeny(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subject := TestSubject(t, "alice")

	t.Run("approve", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newTestDeviceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client})
		response := startDeviceFlow(t, s, client, "openid api")

		require.NoError(s.Device.Approve(ctx, response.UserCode, subject, []string{ScopeOpenID, "api"}))

		code, err := s.Device.FindByUserCode(ctx, response.UserCode)
		require.NoError(err)
		require.NotNil(code)
		assert.True(code.IsAuthorized)
		assert.False(code.IsDenied)
		assert.Equal("alice", code.Subject.ID)
		assert.Equal(subject.SessionID, code.SessionID)
		assert.ElementsMatch([]string{ScopeOpenID, "api"}, code.AuthorizedScopes)
	})

	t.Run("deny", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		client := newTestDeviceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client})
		response := startDeviceFlow(t, s, client, "openid")

		require.NoError(s.Device.Deny(ctx, response.UserCode))

		code, err := s.Device.FindByUserCode(ctx, response.UserCode)
		require.NoError(err)
		require.NotNil(code)
		assert.True(code.IsDenied)
	})

	t.Run("unknown-user-code", func(t *testing.T) {
		t.Parallel()
		require := require.New(t)
		client := newTestDeviceClient(t)
		s := StartTestServices(t, testIssuer, []*Client{client})

		require.Error(s.Device.Approve(ctx, "000000000", subject, nil))
		require.Error(s.Device.Deny(ctx, "000000000"))
	})
}

// removeFailingGrantStore fails plain Remove calls while leaving atomic
// consumption intact.
type removeFailingGrantStore struct {
	store.GrantStore
}

func (s removeFailingGrantStore) Remove(context.Context, string) error {
	return errors.New("remove unavailable")
}

func TestDeviceFlowStore_Consume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("alias-cleanup-failure-is-best-effort", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		devices := newDeviceFlowStore(removeFailingGrantStore{store.NewInMemory()}, hclog.NewNullLogger())
		require.NoError(devices.Store(ctx, "handle-1", &DeviceCode{
			CreationTime: time.Now(),
			Lifetime:     time.Minute,
			ClientID:     "tv",
			UserCode:     "111222333",
		}))

		code, ok, err := devices.Consume(ctx, "handle-1")
		require.NoError(err, "failed alias cleanup must not fail redemption")
		require.True(ok)
		assert.Equal("111222333", code.UserCode)

		_, ok, err = devices.Consume(ctx, "handle-1")
		require.NoError(err)
		assert.False(ok)
	})
}
