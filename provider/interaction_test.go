package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInteractionEngine(t *testing.T, opt ...Option) (*InteractionEngine, *ConsentService) {
	t.Helper()
	consent := testConsentService(t, opt...)
	engine, err := NewInteractionEngine(consent, opt...)
	require.NoError(t, err)
	return engine, consent
}

func testInteractionRequest(t *testing.T, client *Client, subject *Subject) *ValidatedAuthorizeRequest {
	t.Helper()
	req := &ValidatedAuthorizeRequest{
		ValidatedRequest: ValidatedRequest{
			Client:  client,
			Subject: subject,
			ValidatedResources: &ResourceValidationResult{
				RawScopes:    []string{ScopeOpenID, ScopeProfile},
				ParsedScopes: []string{ScopeOpenID, ScopeProfile},
			},
		},
		ResponseType: ResponseTypeCode,
		ResponseMode: ResponseModeQuery,
		RedirectURI:  TestRedirectURI,
	}
	return req
}

func TestInteractionEngine_Evaluate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("anonymous-needs-login", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		engine, _ := testInteractionEngine(t)
		got, err := engine.Evaluate(ctx, testInteractionRequest(t, TestClient(t, "web"), nil))
		require.NoError(err)
		assert.True(got.IsLogin)
	})

	t.Run("anonymous-prompt-none-is-login-required", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		engine, _ := testInteractionEngine(t)
		req := testInteractionRequest(t, TestClient(t, "web"), nil)
		req.PromptModes = []string{PromptNone}
		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		require.True(got.IsError)
		assert.Equal(ErrorLoginRequired, got.Error)
	})

	t.Run("prompt-login-forces-login", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		engine, _ := testInteractionEngine(t)
		req := testInteractionRequest(t, TestClient(t, "web"), TestSubject(t, "alice"))
		req.PromptModes = []string{PromptLogin}
		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsLogin)
	})

	t.Run("stale-session-via-max-age", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		now := time.Now()
		engine, _ := testInteractionEngine(t, WithNow(func() time.Time { return now }))
		subject := TestSubject(t, "alice")
		subject.AuthTime = now.Add(-time.Hour)
		req := testInteractionRequest(t, TestClient(t, "web"), subject)
		maxAge := 60
		req.MaxAge = &maxAge
		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsLogin)
	})

	t.Run("fresh-session-within-max-age", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		now := time.Now()
		engine, _ := testInteractionEngine(t, WithNow(func() time.Time { return now }))
		subject := TestSubject(t, "alice")
		subject.AuthTime = now.Add(-30 * time.Second)
		req := testInteractionRequest(t, TestClient(t, "web"), subject)
		maxAge := 60
		req.MaxAge = &maxAge
		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsAllowed())
	})

	t.Run("consent-required-then-remembered", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		engine, consent := testInteractionEngine(t)
		client := TestClient(t, "web")
		client.RequireConsent = true
		subject := TestSubject(t, "alice")
		req := testInteractionRequest(t, client, subject)

		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsConsent)

		require.NoError(consent.UpdateConsent(ctx, subject, client, req.Scopes()))
		got, err = engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsAllowed())
	})

	t.Run("consent-shown-this-round-trip", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		engine, _ := testInteractionEngine(t)
		client := TestClient(t, "web")
		client.RequireConsent = true
		client.AllowRememberConsent = false
		req := testInteractionRequest(t, client, TestSubject(t, "alice"))
		req.WasConsentShown = true
		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsAllowed())
	})

	t.Run("prompt-none-with-pending-consent", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		engine, _ := testInteractionEngine(t)
		client := TestClient(t, "web")
		client.RequireConsent = true
		req := testInteractionRequest(t, client, TestSubject(t, "alice"))
		req.PromptModes = []string{PromptNone}
		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		require.True(got.IsError)
		assert.Equal(ErrorConsentRequired, got.Error)
	})

	t.Run("prompt-consent-forces-consent", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		engine, consent := testInteractionEngine(t)
		client := TestClient(t, "web")
		client.RequireConsent = true
		subject := TestSubject(t, "alice")
		require.NoError(consent.UpdateConsent(ctx, subject, client, []string{ScopeOpenID, ScopeProfile}))

		req := testInteractionRequest(t, client, subject)
		req.PromptModes = []string{PromptConsent}
		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsConsent, "prompt=consent overrides remembered consent")
	})
}

type redirectHook struct{ url string }

func (h redirectHook) Evaluate(_ context.Context, _ *ValidatedAuthorizeRequest) (*InteractionResult, error) {
	return &InteractionResult{IsRedirect: true, RedirectURL: h.url}, nil
}

type badErrorHook struct{}

func (badErrorHook) Evaluate(_ context.Context, _ *ValidatedAuthorizeRequest) (*InteractionResult, error) {
	return &InteractionResult{IsError: true, Error: "totally_custom"}, nil
}

func TestInteractionEngine_hooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("redirect-hook", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		consent := testConsentService(t)
		engine, err := NewInteractionEngine(consent, WithInteractionHooks(redirectHook{url: "https://op.example.com/terms"}))
		require.NoError(err)
		got, err := engine.Evaluate(ctx, testInteractionRequest(t, TestClient(t, "web"), TestSubject(t, "alice")))
		require.NoError(err)
		require.True(got.IsRedirect)
		assert.Equal("https://op.example.com/terms", got.RedirectURL)
	})

	t.Run("consent-is-decided-before-hooks", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		consent := testConsentService(t)
		engine, err := NewInteractionEngine(consent, WithInteractionHooks(redirectHook{url: "https://op.example.com/terms"}))
		require.NoError(err)
		client := TestClient(t, "web")
		client.RequireConsent = true
		subject := TestSubject(t, "alice")
		req := testInteractionRequest(t, client, subject)

		got, err := engine.Evaluate(ctx, req)
		require.NoError(err)
		assert.True(got.IsConsent, "missing consent wins over the hook's redirect")
		assert.False(got.IsRedirect)

		require.NoError(consent.UpdateConsent(ctx, subject, client, req.Scopes()))
		got, err = engine.Evaluate(ctx, req)
		require.NoError(err)
		require.True(got.IsRedirect, "hook runs once consent is settled")
		assert.Equal("https://op.example.com/terms", got.RedirectURL)
	})

	t.Run("hook-error-codes-are-sandboxed", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		consent := testConsentService(t)
		engine, err := NewInteractionEngine(consent, WithInteractionHooks(badErrorHook{}))
		require.NoError(err)
		got, err := engine.Evaluate(ctx, testInteractionRequest(t, TestClient(t, "web"), TestSubject(t, "alice")))
		require.NoError(err)
		require.True(got.IsError)
		assert.Equal(ErrorAccessDenied, got.Error)
	})
}
