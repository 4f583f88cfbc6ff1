package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
)

// TokenValidationResult is the outcome of validating a token request.
type TokenValidationResult struct {
	Request *ValidatedTokenRequest

	IsError          bool
	Error            string
	ErrorDescription string

	// CustomResponse carries extra top-level fields an extension grant
	// contributed to the token response.
	CustomResponse map[string]interface{}
}

func tokenError(req *ValidatedTokenRequest, code, description string) *TokenValidationResult {
	return &TokenValidationResult{
		Request:          req,
		IsError:          true,
		Error:            code,
		ErrorDescription: description,
	}
}

// GrantValidationResult is what a resource owner password or extension grant
// validator reports back. A zero Error means the grant succeeded and Subject
// (when the grant authenticates a user) is populated.
type GrantValidationResult struct {
	Subject *Subject

	Error            string
	ErrorDescription string

	// CustomResponse fields are merged into the token response.
	CustomResponse map[string]interface{}
}

// ResourceOwnerPasswordValidator authenticates a resource owner for the
// password grant. Protocol failures are reported through the result, not the
// error.
type ResourceOwnerPasswordValidator interface {
	Validate(ctx context.Context, username, password string) (*GrantValidationResult, error)
}

// ExtensionGrantValidator handles a custom grant type. Error codes outside
// the fixed vocabulary are coerced to invalid_grant.
type ExtensionGrantValidator interface {
	// GrantType is the grant_type value this validator handles.
	GrantType() string

	Validate(ctx context.Context, request *ValidatedTokenRequest) (*GrantValidationResult, error)
}

// TokenRequestValidator validates token-endpoint requests for an already
// authenticated client and dispatches on grant_type.
type TokenRequestValidator struct {
	resources  *ResourceValidator
	codes      *authorizationCodeStore
	refresh    *RefreshTokenService
	devices    *deviceFlowStore
	password   ResourceOwnerPasswordValidator
	extensions map[string]ExtensionGrantValidator
	sink       EventSink
	logger     hclog.Logger
	now        func() time.Time
}

// NewTokenRequestValidator creates the validator.
// Supported options: WithLogger, WithNow, WithEventSink,
// WithResourceOwnerPasswordValidator, WithExtensionGrantValidators
func NewTokenRequestValidator(resources *ResourceValidator, grants store.GrantStore, refresh *RefreshTokenService, opt ...Option) (*TokenRequestValidator, error) {
	const op = "provider.NewTokenRequestValidator"
	if resources == nil {
		return nil, fmt.Errorf("%s: missing resource validator: %w", op, ErrNilParameter)
	}
	if grants == nil {
		return nil, fmt.Errorf("%s: missing grant store: %w", op, ErrNilParameter)
	}
	if refresh == nil {
		return nil, fmt.Errorf("%s: missing refresh token service: %w", op, ErrNilParameter)
	}
	opts := getTokenValidatorOpts(opt...)
	extensions := map[string]ExtensionGrantValidator{}
	for _, v := range opts.withExtensionGrants {
		if v.GrantType() == "" {
			return nil, fmt.Errorf("%s: extension grant validator has no grant type: %w", op, ErrInvalidParameter)
		}
		if _, ok := extensions[v.GrantType()]; ok {
			return nil, fmt.Errorf("%s: duplicate extension grant type %q: %w", op, v.GrantType(), ErrInvalidParameter)
		}
		extensions[v.GrantType()] = v
	}
	return &TokenRequestValidator{
		resources:  resources,
		codes:      newAuthorizationCodeStore(grants),
		refresh:    refresh,
		devices:    newDeviceFlowStore(grants, opts.common.withLogger),
		password:   opts.withPasswordValidator,
		extensions: extensions,
		sink:       opts.common.withEventSink,
		logger:     opts.common.withLogger,
		now:        opts.common.withNowFn,
	}, nil
}

// Validate dispatches the request on grant_type. The client must already
// have been authenticated (see ClientSecretValidator); this method checks
// only that the client may use the grant.
func (v *TokenRequestValidator) Validate(ctx context.Context, parameters url.Values, client *Client) (*TokenValidationResult, error) {
	const op = "provider.(TokenRequestValidator).Validate"
	if parameters == nil {
		return nil, fmt.Errorf("%s: missing parameters: %w", op, ErrNilParameter)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}

	req := &ValidatedTokenRequest{
		ValidatedRequest: ValidatedRequest{Raw: parameters, Client: client},
	}

	grantType := parameters.Get(ParamGrantType)
	if grantType == "" {
		return tokenError(req, ErrorInvalidRequest, "missing grant_type"), nil
	}
	req.GrantType = grantType

	if !client.allowsGrantType(grantType) {
		v.raiseFailure(ctx, client.ID, "", "grant type not allowed for client")
		return tokenError(req, ErrorUnauthorizedClient, ""), nil
	}

	var result *TokenValidationResult
	var err error
	switch grantType {
	case GrantTypeAuthorizationCode:
		result, err = v.validateAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		result, err = v.validateRefreshToken(ctx, req)
	case GrantTypeClientCredentials:
		result, err = v.validateClientCredentials(ctx, req)
	case GrantTypePassword:
		result, err = v.validatePassword(ctx, req)
	case GrantTypeDeviceCode:
		result, err = v.validateDeviceCode(ctx, req)
	default:
		result, err = v.validateExtensionGrant(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if result.IsError {
		v.raiseFailure(ctx, client.ID, subjectID(req.Subject), result.Error)
	} else {
		raiseEvent(ctx, v.sink, v.logger, Event{
			Category:  "token",
			Name:      "token request validated",
			Type:      EventTypeSuccess,
			ClientID:  client.ID,
			SubjectID: subjectID(req.Subject),
			Message:   grantType,
		})
	}
	return result, nil
}

// validateAuthorizationCode redeems an authorization code. The code is
// consumed on the first redemption attempt whether or not the later checks
// pass; exactly one concurrent redeemer gets the payload.
func (v *TokenRequestValidator) validateAuthorizationCode(ctx context.Context, req *ValidatedTokenRequest) (*TokenValidationResult, error) {
	const op = "provider.(TokenRequestValidator).validateAuthorizationCode"
	handle := req.Raw.Get(ParamCode)
	if handle == "" {
		return tokenError(req, ErrorInvalidRequest, "missing code"), nil
	}

	code, ok, err := v.codes.Consume(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		// unknown, expired or already redeemed; one answer for all three
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}

	if code.ClientID != req.Client.ID {
		v.logger.Info("authorization code presented by wrong client", "client_id", req.Client.ID)
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}
	if v.now().After(code.CreationTime.Add(code.Lifetime)) {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}
	if req.Raw.Get(ParamRedirectURI) != code.RedirectURI {
		return tokenError(req, ErrorInvalidGrant, "invalid redirect_uri"), nil
	}

	if code.CodeChallenge != "" {
		verifier := req.Raw.Get(ParamCodeVerifier)
		if !validVerifierFormat(verifier) {
			return tokenError(req, ErrorInvalidGrant, "invalid code_verifier"), nil
		}
		if !validateCodeChallenge(code.CodeChallenge, code.CodeChallengeMethod, verifier) {
			return tokenError(req, ErrorInvalidGrant, "invalid code_verifier"), nil
		}
	} else if req.Client.RequirePKCE {
		return tokenError(req, ErrorInvalidGrant, "code challenge required"), nil
	}

	resources, err := v.resources.Validate(ctx, req.Client, code.RequestedScopes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !resources.Succeeded() {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}

	req.AuthorizationCode = code
	req.AuthorizationCodeHandle = handle
	req.Subject = code.Subject
	req.SessionID = code.SessionID
	req.ValidatedResources = resources
	return &TokenValidationResult{Request: req}, nil
}

func (v *TokenRequestValidator) validateRefreshToken(ctx context.Context, req *ValidatedTokenRequest) (*TokenValidationResult, error) {
	const op = "provider.(TokenRequestValidator).validateRefreshToken"
	handle := req.Raw.Get(ParamRefreshToken)
	if handle == "" {
		return tokenError(req, ErrorInvalidRequest, "missing refresh_token"), nil
	}

	token, err := v.refresh.GetRefreshToken(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if token == nil || token.ClientID() != req.Client.ID {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}
	if v.now().After(token.CreationTime.Add(token.Lifetime)) {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}

	// re-check scopes against current client config so a narrowed
	// configuration takes effect on refresh
	resources, err := v.resources.Validate(ctx, req.Client, token.Scopes())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !resources.Succeeded() {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}

	if req.Client.RefreshTokenUsage == TokenUsageOneTimeOnly {
		// consume before anything is issued; the loser of a concurrent
		// race gets invalid_grant
		consumed, ok, err := v.refresh.ConsumeRefreshToken(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			return tokenError(req, ErrorInvalidGrant, ""), nil
		}
		token = consumed
	}

	req.RefreshToken = token
	req.RefreshTokenHandle = handle
	req.SessionID = token.SessionID()
	req.ValidatedResources = resources
	return &TokenValidationResult{Request: req}, nil
}

func (v *TokenRequestValidator) validateClientCredentials(ctx context.Context, req *ValidatedTokenRequest) (*TokenValidationResult, error) {
	const op = "provider.(TokenRequestValidator).validateClientCredentials"
	if !req.Client.RequireClientSecret {
		// a public client holds no credential worth exchanging
		return tokenError(req, ErrorUnauthorizedClient, ""), nil
	}

	requested := ParseScopes(req.Raw.Get(ParamScope))
	if len(requested) == 0 {
		requested = req.Client.AllowedScopes
	}
	for _, scope := range requested {
		if scope == ScopeOpenID || scope == ScopeOfflineAccess {
			return tokenError(req, ErrorInvalidScope, "scope not valid for client credentials"), nil
		}
	}

	resources, err := v.resources.Validate(ctx, req.Client, requested)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !resources.Succeeded() || len(resources.Resources.IdentityResources) > 0 {
		return tokenError(req, ErrorInvalidScope, ""), nil
	}

	req.ValidatedResources = resources
	return &TokenValidationResult{Request: req}, nil
}

func (v *TokenRequestValidator) validatePassword(ctx context.Context, req *ValidatedTokenRequest) (*TokenValidationResult, error) {
	const op = "provider.(TokenRequestValidator).validatePassword"
	if v.password == nil {
		return tokenError(req, ErrorUnsupportedGrantType, ""), nil
	}
	username := req.Raw.Get(ParamUsername)
	password := req.Raw.Get(ParamPassword)
	if username == "" || password == "" {
		return tokenError(req, ErrorInvalidRequest, "missing username or password"), nil
	}

	requested := ParseScopes(req.Raw.Get(ParamScope))
	if len(requested) == 0 {
		requested = req.Client.AllowedScopes
	}
	resources, err := v.resources.Validate(ctx, req.Client, requested)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !resources.Succeeded() {
		return tokenError(req, ErrorInvalidScope, ""), nil
	}

	result, err := v.password.Validate(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("%s: password validator failed: %w", op, err)
	}
	if result == nil || result.Error != "" || result.Subject == nil {
		code := ErrorInvalidGrant
		description := ""
		if result != nil {
			if result.Error != "" {
				code = sandboxWireError(result.Error, ErrorInvalidGrant)
			}
			description = result.ErrorDescription
		}
		return tokenError(req, code, description), nil
	}

	req.Subject = result.Subject
	req.SessionID = result.Subject.SessionID
	req.ValidatedResources = resources
	return &TokenValidationResult{Request: req, CustomResponse: result.CustomResponse}, nil
}

// validateDeviceCode handles the device flow's polling side: pacing,
// pending/denied state and the one-time redemption once approved.
func (v *TokenRequestValidator) validateDeviceCode(ctx context.Context, req *ValidatedTokenRequest) (*TokenValidationResult, error) {
	const op = "provider.(TokenRequestValidator).validateDeviceCode"
	handle := req.Raw.Get(ParamDeviceCode)
	if handle == "" {
		return tokenError(req, ErrorInvalidRequest, "missing device_code"), nil
	}

	code, err := v.devices.FindByDeviceCode(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if code == nil || code.ClientID != req.Client.ID {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}

	now := v.now()
	if now.After(code.CreationTime.Add(code.Lifetime)) {
		return tokenError(req, ErrorExpiredToken, ""), nil
	}

	// pacing applies to every poll, pending or not; a too-fast poll also
	// resets the pacing clock
	tooFast := now.Before(code.LastPolled.Add(code.Interval))
	code.LastPolled = now
	if err := v.devices.Update(ctx, handle, code); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tooFast {
		return tokenError(req, ErrorSlowDown, ""), nil
	}

	if code.IsDenied {
		return tokenError(req, ErrorAccessDenied, ""), nil
	}
	if !code.IsAuthorized {
		return tokenError(req, ErrorAuthorizationPending, ""), nil
	}

	resources, err := v.resources.Validate(ctx, req.Client, code.AuthorizedScopes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !resources.Succeeded() {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}

	// single redemption; the loser of a concurrent race gets invalid_grant
	redeemed, ok, err := v.devices.Consume(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return tokenError(req, ErrorInvalidGrant, ""), nil
	}

	req.DeviceCode = redeemed
	req.Subject = redeemed.Subject
	req.SessionID = redeemed.SessionID
	req.ValidatedResources = resources
	return &TokenValidationResult{Request: req}, nil
}

func (v *TokenRequestValidator) validateExtensionGrant(ctx context.Context, req *ValidatedTokenRequest) (*TokenValidationResult, error) {
	const op = "provider.(TokenRequestValidator).validateExtensionGrant"
	validator, ok := v.extensions[req.GrantType]
	if !ok {
		return tokenError(req, ErrorUnsupportedGrantType, ""), nil
	}

	result, err := validator.Validate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: extension grant validator failed: %w", op, err)
	}
	if result == nil || result.Error != "" {
		code := ErrorInvalidGrant
		description := ""
		if result != nil {
			code = sandboxWireError(result.Error, ErrorInvalidGrant)
			description = result.ErrorDescription
		}
		return tokenError(req, code, description), nil
	}

	if result.Subject != nil {
		req.Subject = result.Subject
		req.SessionID = result.Subject.SessionID
	}
	if req.ValidatedResources == nil {
		requested := ParseScopes(req.Raw.Get(ParamScope))
		if len(requested) == 0 {
			requested = req.Client.AllowedScopes
		}
		resources, err := v.resources.Validate(ctx, req.Client, requested)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !resources.Succeeded() {
			return tokenError(req, ErrorInvalidScope, ""), nil
		}
		req.ValidatedResources = resources
	}
	return &TokenValidationResult{Request: req, CustomResponse: result.CustomResponse}, nil
}

func (v *TokenRequestValidator) raiseFailure(ctx context.Context, clientID, subjectID, message string) {
	raiseEvent(ctx, v.sink, v.logger, Event{
		Category:  "token",
		Name:      "token request rejected",
		Type:      EventTypeFailure,
		ClientID:  clientID,
		SubjectID: subjectID,
		Message:   message,
	})
}

func subjectID(subject *Subject) string {
	if subject == nil {
		return ""
	}
	return subject.ID
}

// WithResourceOwnerPasswordValidator provides the optional validator backing
// the password grant. Without it the grant is rejected as unsupported.
func WithResourceOwnerPasswordValidator(validator ResourceOwnerPasswordValidator) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenValidatorOptions); ok {
			v.withPasswordValidator = validator
		}
	}
}

// WithExtensionGrantValidators registers custom grant types.
func WithExtensionGrantValidators(validators ...ExtensionGrantValidator) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenValidatorOptions); ok {
			v.withExtensionGrants = append(v.withExtensionGrants, validators...)
		}
	}
}

type tokenValidatorOptions struct {
	common                commonOptions
	withPasswordValidator ResourceOwnerPasswordValidator
	withExtensionGrants   []ExtensionGrantValidator
}

func getTokenValidatorOpts(opt ...Option) tokenValidatorOptions {
	opts := tokenValidatorOptions{common: commonDefaults()}
	for _, o := range opt {
		o(&opts)
		o(&opts.common)
	}
	if opts.common.withEventSink == nil {
		opts.common.withEventSink = NewLoggerEventSink(opts.common.withLogger)
	}
	return opts
}
