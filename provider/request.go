package provider

import (
	"net/url"
	"time"
)

// Subject is the authenticated end user on whose behalf a request runs.
type Subject struct {
	// ID is the unique subject identifier (the sub claim).
	ID string

	// SessionID is the authenticated session the subject's cookie session
	// carries, if any.
	SessionID string

	// AuthTime is when the subject last actively authenticated.
	AuthTime time.Time

	// IdentityProvider names the upstream IdP that authenticated the
	// subject ("local" for the provider's own login).
	IdentityProvider string

	// AuthMethods are the authentication method references (pwd, mfa, ...).
	AuthMethods []string

	// Claims are the subject's known claims, filtered into tokens by the
	// claims service according to granted scopes.
	Claims []Claim
}

// ResponseType values supported by the authorize endpoint.
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// ResponseMode values.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Prompt values.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Raw parameter names used on the authorize, token, device and end-session
// surfaces.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamRedirectURI         = "redirect_uri"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamPrompt              = "prompt"
	ParamMaxAge              = "max_age"
	ParamLoginHint           = "login_hint"
	ParamUILocales           = "ui_locales"
	ParamAcrValues           = "acr_values"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamGrantType           = "grant_type"
	ParamCode                = "code"
	ParamCodeVerifier        = "code_verifier"
	ParamRefreshToken        = "refresh_token"
	ParamUsername            = "username"
	ParamPassword            = "password"
	ParamDeviceCode          = "device_code"
	ParamToken               = "token"
	ParamIDTokenHint         = "id_token_hint"
	ParamPostLogoutRedirect  = "post_logout_redirect_uri"
)

// ValidatedRequest is the working state shared by every validated protocol
// exchange. It's created fresh per request, mutated only during validation
// and never persisted.
type ValidatedRequest struct {
	// Raw is the raw parameter set the request arrived with.
	Raw url.Values

	// Client is the resolved client configuration.
	Client *Client

	// Subject is the authenticated subject, when the exchange has one.
	Subject *Subject

	// SessionID is the subject's session, when known.
	SessionID string

	// ValidatedResources is the outcome of scope resolution.
	ValidatedResources *ResourceValidationResult
}

// Scopes returns the validated scope names, or nil before scope validation.
func (r *ValidatedRequest) Scopes() []string {
	if r.ValidatedResources == nil {
		return nil
	}
	return r.ValidatedResources.ParsedScopes
}

// ValidatedAuthorizeRequest is a validated authorize-endpoint request.
type ValidatedAuthorizeRequest struct {
	ValidatedRequest

	ResponseType string
	ResponseMode string
	GrantType    string
	RedirectURI  string
	State        string
	Nonce        string
	LoginHint    string
	UILocales    string
	AcrValues    []string

	// PromptModes are the requested prompt values.
	PromptModes []string

	// MaxAge, when non-nil, bounds the acceptable authentication age in
	// seconds.
	MaxAge *int

	CodeChallenge       string
	CodeChallengeMethod ChallengeMethod

	// WasConsentShown is set by response generation once a consent
	// interaction has happened for this request.
	WasConsentShown bool
}

// isOpenID reports whether the request asks for the openid scope.
func (r *ValidatedAuthorizeRequest) isOpenID() bool {
	for _, s := range r.RequestedScopes() {
		if s == ScopeOpenID {
			return true
		}
	}
	return false
}

// RequestedScopes returns the raw requested scope names.
func (r *ValidatedAuthorizeRequest) RequestedScopes() []string {
	if r.ValidatedResources == nil {
		return nil
	}
	return r.ValidatedResources.RawScopes
}

// producesIDToken reports whether the response type mints an id_token at the
// authorize endpoint.
func (r *ValidatedAuthorizeRequest) producesIDToken() bool {
	switch r.ResponseType {
	case ResponseTypeIDToken, ResponseTypeIDTokenToken, ResponseTypeCodeIDToken, ResponseTypeCodeIDTokenToken:
		return true
	}
	return false
}

// producesCode reports whether the response type issues an authorization
// code.
func (r *ValidatedAuthorizeRequest) producesCode() bool {
	switch r.ResponseType {
	case ResponseTypeCode, ResponseTypeCodeIDToken, ResponseTypeCodeToken, ResponseTypeCodeIDTokenToken:
		return true
	}
	return false
}

// producesAccessToken reports whether the response type issues an access
// token directly from the authorize endpoint.
func (r *ValidatedAuthorizeRequest) producesAccessToken() bool {
	switch r.ResponseType {
	case ResponseTypeToken, ResponseTypeIDTokenToken, ResponseTypeCodeToken, ResponseTypeCodeIDTokenToken:
		return true
	}
	return false
}

// hasPrompt reports whether the request carries the prompt value.
func (r *ValidatedAuthorizeRequest) hasPrompt(mode string) bool {
	for _, m := range r.PromptModes {
		if m == mode {
			return true
		}
	}
	return false
}

// ValidatedTokenRequest is a validated token-endpoint request.
type ValidatedTokenRequest struct {
	ValidatedRequest

	GrantType string

	// AuthorizationCode carries the consumed code for the code grant.
	AuthorizationCode *AuthorizationCode

	// AuthorizationCodeHandle is the wire handle the code arrived under.
	AuthorizationCodeHandle string

	// RefreshToken carries the resolved token for the refresh grant.
	RefreshToken *RefreshToken

	// RefreshTokenHandle is the wire handle the refresh token arrived
	// under.
	RefreshTokenHandle string

	// DeviceCode carries the redeemed record for the device grant.
	DeviceCode *DeviceCode
}

// ValidatedDeviceAuthorizationRequest is a validated device-authorization
// request.
type ValidatedDeviceAuthorizationRequest struct {
	ValidatedRequest
}

// ValidatedEndSessionRequest is a validated end-session request.
type ValidatedEndSessionRequest struct {
	ValidatedRequest

	// PostLogoutRedirectURI is the validated redirect target, if any.
	PostLogoutRedirectURI string

	// State is echoed back on the post-logout redirect.
	State string
}
