package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
)

// AuthorizeResponse is the artifact set the authorize endpoint hands back to
// the client via redirect.
type AuthorizeResponse struct {
	Request *ValidatedAuthorizeRequest

	Code          string
	AccessToken   string
	ExpiresIn     int64
	IdentityToken string
	State         string
	Scope         string
}

// Params returns the response as wire parameters, ready for the query or
// fragment (or a form_post body).
func (r *AuthorizeResponse) Params() url.Values {
	params := url.Values{}
	if r.Code != "" {
		params.Set("code", r.Code)
	}
	if r.AccessToken != "" {
		params.Set("access_token", r.AccessToken)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", fmt.Sprintf("%d", r.ExpiresIn))
	}
	if r.IdentityToken != "" {
		params.Set("id_token", r.IdentityToken)
	}
	if r.Scope != "" {
		params.Set("scope", r.Scope)
	}
	if r.State != "" {
		params.Set("state", r.State)
	}
	return params
}

// RedirectURL builds the full redirect URL for the request's response mode.
// form_post responses have no redirect URL; the glue renders the params as an
// auto-submitting form instead.
func (r *AuthorizeResponse) RedirectURL() string {
	params := r.Params()
	switch r.Request.ResponseMode {
	case ResponseModeFragment:
		return r.Request.RedirectURI + "#" + params.Encode()
	case ResponseModeQuery:
		redirect := r.Request.RedirectURI
		sep := "?"
		if strings.Contains(redirect, "?") {
			sep = "&"
		}
		return redirect + sep + params.Encode()
	default:
		return ""
	}
}

// ErrorRedirectURL builds the error redirect for a failed but redirectable
// authorize request.
func ErrorRedirectURL(req *ValidatedAuthorizeRequest, code, description string) string {
	params := url.Values{}
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	if req.ResponseMode == ResponseModeFragment {
		return req.RedirectURI + "#" + params.Encode()
	}
	sep := "?"
	if strings.Contains(req.RedirectURI, "?") {
		sep = "&"
	}
	return req.RedirectURI + sep + params.Encode()
}

// AuthorizeResponseGenerator turns a fully validated and allowed authorize
// request into the response artifacts for its response type.
type AuthorizeResponseGenerator struct {
	tokens  *TokenService
	codes   *authorizationCodeStore
	sink    EventSink
	logger  hclog.Logger
	now     func() time.Time
}

// NewAuthorizeResponseGenerator creates the generator.
// Supported options: WithLogger, WithNow, WithEventSink
func NewAuthorizeResponseGenerator(tokens *TokenService, grants store.GrantStore, opt ...Option) (*AuthorizeResponseGenerator, error) {
	const op = "provider.NewAuthorizeResponseGenerator"
	if tokens == nil {
		return nil, fmt.Errorf("%s: missing token service: %w", op, ErrNilParameter)
	}
	if grants == nil {
		return nil, fmt.Errorf("%s: missing grant store: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &AuthorizeResponseGenerator{
		tokens: tokens,
		codes:  newAuthorizationCodeStore(grants),
		sink:   opts.withEventSink,
		logger: opts.withLogger,
		now:    opts.withNowFn,
	}, nil
}

// Process mints the artifacts the response type calls for. The id_token's
// hash claims bind it to whatever was issued alongside: at_hash iff an access
// token, c_hash iff a code, s_hash iff the request carried state.
func (g *AuthorizeResponseGenerator) Process(ctx context.Context, req *ValidatedAuthorizeRequest) (*AuthorizeResponse, error) {
	const op = "provider.(AuthorizeResponseGenerator).Process"
	if req == nil {
		return nil, fmt.Errorf("%s: missing request: %w", op, ErrNilParameter)
	}
	if req.Subject == nil {
		return nil, fmt.Errorf("%s: missing subject: %w", op, ErrNilParameter)
	}
	if req.ValidatedResources == nil {
		return nil, fmt.Errorf("%s: missing validated resources: %w", op, ErrNilParameter)
	}

	response := &AuthorizeResponse{
		Request: req,
		State:   req.State,
	}

	if req.producesCode() {
		handle, err := g.codes.Store(ctx, &AuthorizationCode{
			CreationTime:        g.now(),
			Lifetime:            req.Client.authorizationCodeLifetime(),
			ClientID:            req.Client.ID,
			Subject:             req.Subject,
			SessionID:           req.SessionID,
			RequestedScopes:     req.Scopes(),
			RedirectURI:         req.RedirectURI,
			Nonce:               req.Nonce,
			State:               req.State,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			WasConsentShown:     req.WasConsentShown,
			IsOpenID:            req.isOpenID(),
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		response.Code = handle
	}

	if req.producesAccessToken() {
		token, err := g.tokens.CreateAccessToken(ctx, &AccessTokenRequest{
			Client:    req.Client,
			Subject:   req.Subject,
			SessionID: req.SessionID,
			Resources: req.ValidatedResources.Resources,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		raw, err := g.tokens.CreateSecurityToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		response.AccessToken = raw
		response.ExpiresIn = int64(token.Lifetime / time.Second)
		response.Scope = strings.Join(req.Scopes(), " ")
	}

	if req.producesIDToken() {
		idToken, err := g.tokens.CreateIdentityToken(ctx, &IdentityTokenRequest{
			Client:                  req.Client,
			Subject:                 req.Subject,
			SessionID:               req.SessionID,
			Resources:               req.ValidatedResources.Resources,
			Nonce:                   req.Nonce,
			AccessTokenToHash:       response.AccessToken,
			AuthorizationCodeToHash: response.Code,
			StateToHash:             req.State,
			IncludeUserClaims:       req.ResponseType != ResponseTypeCodeIDToken && req.ResponseType != ResponseTypeCode,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		raw, err := g.tokens.CreateSecurityToken(ctx, idToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		response.IdentityToken = raw
	}

	raiseEvent(ctx, g.sink, g.logger, Event{
		Category:  "authorize",
		Name:      "authorize response created",
		Type:      EventTypeSuccess,
		ClientID:  req.Client.ID,
		SubjectID: req.Subject.ID,
		Message:   req.ResponseType,
	})
	return response, nil
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken   string
	ExpiresIn     int64
	RefreshToken  string
	IdentityToken string
	Scope         string

	// Custom fields from extension grants are merged into the top level;
	// the fixed fields win on collision.
	Custom map[string]interface{}
}

// MarshalJSON renders the response with the custom fields merged in.
func (r TokenResponse) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	for k, v := range r.Custom {
		out[k] = v
	}
	out["access_token"] = r.AccessToken
	out["token_type"] = "Bearer"
	out["expires_in"] = r.ExpiresIn
	if r.RefreshToken != "" {
		out["refresh_token"] = r.RefreshToken
	}
	if r.IdentityToken != "" {
		out["id_token"] = r.IdentityToken
	}
	if r.Scope != "" {
		out["scope"] = r.Scope
	}
	return json.Marshal(out)
}

// TokenErrorResponse is the token endpoint's error payload.
type TokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponseGenerator turns a validated token request into the response
// payload, minting and serializing whatever the grant calls for.
type TokenResponseGenerator struct {
	tokens  *TokenService
	refresh *RefreshTokenService
	logger  hclog.Logger
	now     func() time.Time
}

// NewTokenResponseGenerator creates the generator.
// Supported options: WithLogger, WithNow
func NewTokenResponseGenerator(tokens *TokenService, refresh *RefreshTokenService, opt ...Option) (*TokenResponseGenerator, error) {
	const op = "provider.NewTokenResponseGenerator"
	if tokens == nil {
		return nil, fmt.Errorf("%s: missing token service: %w", op, ErrNilParameter)
	}
	if refresh == nil {
		return nil, fmt.Errorf("%s: missing refresh token service: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &TokenResponseGenerator{
		tokens:  tokens,
		refresh: refresh,
		logger:  opts.withLogger,
		now:     opts.withNowFn,
	}, nil
}

// Process builds the token response for a successful validation result.
func (g *TokenResponseGenerator) Process(ctx context.Context, result *TokenValidationResult) (*TokenResponse, error) {
	const op = "provider.(TokenResponseGenerator).Process"
	if result == nil || result.Request == nil {
		return nil, fmt.Errorf("%s: missing validation result: %w", op, ErrNilParameter)
	}
	if result.IsError {
		return nil, fmt.Errorf("%s: result is an error: %w", op, ErrInvalidParameter)
	}

	req := result.Request
	var response *TokenResponse
	var err error
	switch req.GrantType {
	case GrantTypeRefreshToken:
		response, err = g.processRefresh(ctx, req)
	default:
		response, err = g.processIssuance(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	response.Custom = result.CustomResponse
	return response, nil
}

// processIssuance covers every grant that mints a brand new token set:
// authorization_code, client_credentials, password, device_code and
// extension grants.
func (g *TokenResponseGenerator) processIssuance(ctx context.Context, req *ValidatedTokenRequest) (*TokenResponse, error) {
	resources := req.ValidatedResources.Resources

	accessToken, err := g.tokens.CreateAccessToken(ctx, &AccessTokenRequest{
		Client:    req.Client,
		Subject:   req.Subject,
		SessionID: req.SessionID,
		Resources: resources,
	})
	if err != nil {
		return nil, err
	}
	rawAccess, err := g.tokens.CreateSecurityToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	response := &TokenResponse{
		AccessToken: rawAccess,
		ExpiresIn:   int64(accessToken.Lifetime / time.Second),
		Scope:       strings.Join(req.Scopes(), " "),
	}

	// refresh token iff offline_access was granted; client_credentials
	// never gets one
	if resources.OfflineAccess && req.GrantType != GrantTypeClientCredentials {
		handle, err := g.refresh.CreateRefreshToken(ctx, req.Client, accessToken)
		if err != nil {
			return nil, err
		}
		response.RefreshToken = handle
	}

	if req.Subject != nil && g.wantsIdentityToken(req) {
		idReq := &IdentityTokenRequest{
			Client:            req.Client,
			Subject:           req.Subject,
			SessionID:         req.SessionID,
			Resources:         resources,
			AccessTokenToHash: rawAccess,
		}
		if code := req.AuthorizationCode; code != nil {
			idReq.Nonce = code.Nonce
			idReq.StateToHash = code.State
		}
		idToken, err := g.tokens.CreateIdentityToken(ctx, idReq)
		if err != nil {
			return nil, err
		}
		rawID, err := g.tokens.CreateSecurityToken(ctx, idToken)
		if err != nil {
			return nil, err
		}
		response.IdentityToken = rawID
	}
	return response, nil
}

func (g *TokenResponseGenerator) wantsIdentityToken(req *ValidatedTokenRequest) bool {
	switch {
	case req.AuthorizationCode != nil:
		return req.AuthorizationCode.IsOpenID
	case req.DeviceCode != nil:
		return req.DeviceCode.IsOpenID
	}
	return false
}

// processRefresh re-mints the access token behind a refresh token and
// applies the client's rotation policy to the refresh handle.
func (g *TokenResponseGenerator) processRefresh(ctx context.Context, req *ValidatedTokenRequest) (*TokenResponse, error) {
	refreshToken := req.RefreshToken
	stored := refreshToken.AccessToken

	var accessToken *Token
	if req.Client.UpdateAccessTokenClaimsOnRefresh {
		// re-run claims assembly against current config
		token, err := g.tokens.CreateAccessToken(ctx, &AccessTokenRequest{
			Client:    req.Client,
			Subject:   subjectFromToken(stored),
			SessionID: stored.SessionID(),
			Resources: req.ValidatedResources.Resources,
		})
		if err != nil {
			return nil, err
		}
		accessToken = token
	} else {
		// copy the stored token with a fresh validity window
		copied := *stored
		copied.CreationTime = g.now()
		copied.Lifetime = req.Client.accessTokenLifetime()
		accessToken = &copied
	}

	rawAccess, err := g.tokens.CreateSecurityToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	refreshToken.AccessToken = accessToken
	handle, err := g.refresh.UpdateRefreshToken(ctx, req.RefreshTokenHandle, refreshToken, req.Client)
	if err != nil {
		return nil, err
	}

	response := &TokenResponse{
		AccessToken:  rawAccess,
		ExpiresIn:    int64(accessToken.Lifetime / time.Second),
		RefreshToken: handle,
		Scope:        strings.Join(req.Scopes(), " "),
	}

	if strListContainsOpenID(accessToken.ScopeNames()) {
		idToken, err := g.tokens.CreateIdentityToken(ctx, &IdentityTokenRequest{
			Client:            req.Client,
			Subject:           subjectFromToken(accessToken),
			SessionID:         accessToken.SessionID(),
			Resources:         req.ValidatedResources.Resources,
			AccessTokenToHash: rawAccess,
		})
		if err != nil {
			return nil, err
		}
		rawID, err := g.tokens.CreateSecurityToken(ctx, idToken)
		if err != nil {
			return nil, err
		}
		response.IdentityToken = rawID
	}
	return response, nil
}

// protocolClaimTypes are claim types managed by the token services
// themselves; subjectFromToken excludes them when reconstructing a subject
// from a stored token.
var protocolClaimTypes = map[string]bool{
	ClaimSubject:          true,
	ClaimSessionID:        true,
	ClaimScope:            true,
	ClaimJWTID:            true,
	ClaimAuthTime:         true,
	ClaimIdentityProvider: true,
	ClaimAuthMethod:       true,
}

// subjectFromToken rebuilds a Subject from a stored access token's claims so
// refresh issuance can re-run claims filtering.
func subjectFromToken(t *Token) *Subject {
	subject := &Subject{
		ID:        t.SubjectID(),
		SessionID: t.SessionID(),
	}
	for _, c := range t.Claims {
		switch c.Type {
		case ClaimIdentityProvider:
			subject.IdentityProvider = c.Value
		case ClaimAuthMethod:
			subject.AuthMethods = append(subject.AuthMethods, c.Value)
		case ClaimAuthTime:
			if unix, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
				subject.AuthTime = time.Unix(unix, 0)
			}
		}
		if !protocolClaimTypes[c.Type] {
			subject.Claims = append(subject.Claims, c)
		}
	}
	return subject
}
