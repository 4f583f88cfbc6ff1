package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// AuthorizeValidationResult is the outcome of validating an authorize
// request. IsError is the discriminant: on success Request is populated; on
// failure Error carries a code from the fixed vocabulary and Request may be
// partially populated for logging.
type AuthorizeValidationResult struct {
	Request *ValidatedAuthorizeRequest

	IsError          bool
	Error            string
	ErrorDescription string
}

func authorizeError(req *ValidatedAuthorizeRequest, code, description string) *AuthorizeValidationResult {
	return &AuthorizeValidationResult{
		Request:          req,
		IsError:          true,
		Error:            code,
		ErrorDescription: description,
	}
}

// AuthorizeRequestHook is an extension point invoked after all built-in
// checks pass. It may degrade the success into an error (narrowing); error
// codes outside the fixed vocabulary are coerced to access_denied.
type AuthorizeRequestHook interface {
	Validate(ctx context.Context, result *AuthorizeValidationResult) error
}

// supportedResponseTypes is the fixed set the authorize endpoint accepts,
// and the flow (grant type) each maps onto.
var supportedResponseTypes = map[string]string{
	ResponseTypeCode:             GrantTypeAuthorizationCode,
	ResponseTypeToken:            GrantTypeImplicit,
	ResponseTypeIDToken:          GrantTypeImplicit,
	ResponseTypeIDTokenToken:     GrantTypeImplicit,
	ResponseTypeCodeIDToken:      GrantTypeHybrid,
	ResponseTypeCodeToken:        GrantTypeHybrid,
	ResponseTypeCodeIDTokenToken: GrantTypeHybrid,
}

var supportedPrompts = map[string]bool{
	PromptNone:          true,
	PromptLogin:         true,
	PromptConsent:       true,
	PromptSelectAccount: true,
}

// AuthorizeRequestValidator turns the raw parameters of an authorize request
// into a ValidatedAuthorizeRequest or a structured error.
type AuthorizeRequestValidator struct {
	clients   ClientStore
	resources *ResourceValidator
	hooks     []AuthorizeRequestHook
	logger    hclog.Logger
	now       func() time.Time
}

// NewAuthorizeRequestValidator creates the validator.
// Supported options: WithLogger, WithNow, WithAuthorizeRequestHooks
func NewAuthorizeRequestValidator(clients ClientStore, resources *ResourceValidator, opt ...Option) (*AuthorizeRequestValidator, error) {
	const op = "provider.NewAuthorizeRequestValidator"
	if clients == nil {
		return nil, fmt.Errorf("%s: missing client store: %w", op, ErrNilParameter)
	}
	if resources == nil {
		return nil, fmt.Errorf("%s: missing resource validator: %w", op, ErrNilParameter)
	}
	opts := getAuthorizeValidatorOpts(opt...)
	return &AuthorizeRequestValidator{
		clients:   clients,
		resources: resources,
		hooks:     opts.withHooks,
		logger:    opts.common.withLogger,
		now:       opts.common.withNowFn,
	}, nil
}

// Validate runs the full check sequence. The client and redirect URI checks
// run first and fail with a bare invalid_request: until the redirect URI has
// been proven registered nothing may be redirected anywhere, and the error
// deliberately does not reveal which part failed.
func (v *AuthorizeRequestValidator) Validate(ctx context.Context, parameters url.Values, subject *Subject) (*AuthorizeValidationResult, error) {
	const op = "provider.(AuthorizeRequestValidator).Validate"
	if parameters == nil {
		return nil, fmt.Errorf("%s: missing parameters: %w", op, ErrNilParameter)
	}

	req := &ValidatedAuthorizeRequest{
		ValidatedRequest: ValidatedRequest{
			Raw:     parameters,
			Subject: subject,
		},
	}
	if subject != nil {
		req.SessionID = subject.SessionID
	}

	// client and redirect uri
	if result := v.validateClient(ctx, req); result != nil {
		return result, nil
	}

	// protocol parameters
	if result := v.validateProtocol(req); result != nil {
		return result, nil
	}

	// scope
	result, err := v.validateScopes(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if result != nil {
		return result, nil
	}

	// optional parameters (nonce, prompt, max_age, pkce, ...)
	if result := v.validateOptional(req); result != nil {
		return result, nil
	}

	// custom hooks run last, after every built-in check passed; they can
	// only narrow the outcome
	out := &AuthorizeValidationResult{Request: req}
	for _, hook := range v.hooks {
		if err := hook.Validate(ctx, out); err != nil {
			return nil, fmt.Errorf("%s: authorize hook failed: %w", op, err)
		}
		if out.IsError {
			out.Error = sandboxWireError(out.Error, ErrorAccessDenied)
			v.logger.Debug("authorize request rejected by custom hook", "client_id", req.Client.ID, "error", out.Error)
			return out, nil
		}
	}
	return out, nil
}

func (v *AuthorizeRequestValidator) validateClient(ctx context.Context, req *ValidatedAuthorizeRequest) *AuthorizeValidationResult {
	clientID := req.Raw.Get(ParamClientID)
	if clientID == "" {
		return authorizeError(req, ErrorInvalidRequest, "missing client_id")
	}
	client, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		v.logger.Error("client store failed", "client_id", clientID, "error", err)
		return authorizeError(req, ErrorServerError, "")
	}
	if client == nil || !client.Enabled {
		// same generic answer for unknown and disabled; no oracle
		v.logger.Info("unknown or disabled client", "client_id", clientID)
		return authorizeError(req, ErrorInvalidRequest, "invalid client_id")
	}
	req.Client = client

	redirectURI := req.Raw.Get(ParamRedirectURI)
	if !client.allowsRedirectURI(redirectURI) {
		// exact string match only; a same-path URI with a different
		// query string is a different URI
		v.logger.Info("invalid redirect_uri", "client_id", clientID, "redirect_uri", redirectURI)
		return authorizeError(req, ErrorInvalidRequest, "invalid redirect_uri")
	}
	req.RedirectURI = redirectURI
	return nil
}

func (v *AuthorizeRequestValidator) validateProtocol(req *ValidatedAuthorizeRequest) *AuthorizeValidationResult {
	responseType := req.Raw.Get(ParamResponseType)
	grantType, ok := supportedResponseTypes[responseType]
	if !ok {
		return authorizeError(req, ErrorUnsupportedResponseType, "response type not supported")
	}
	req.ResponseType = responseType
	req.GrantType = grantType

	if !req.Client.allowsGrantType(grantType) {
		return authorizeError(req, ErrorUnauthorizedClient, "response type not allowed for client")
	}

	responseMode := req.Raw.Get(ParamResponseMode)
	switch responseMode {
	case "":
		if req.ResponseType == ResponseTypeCode {
			responseMode = ResponseModeQuery
		} else {
			responseMode = ResponseModeFragment
		}
	case ResponseModeQuery:
		// tokens must never appear in a URL query string
		if req.ResponseType != ResponseTypeCode {
			return authorizeError(req, ErrorInvalidRequest, "response_mode not allowed for response type")
		}
	case ResponseModeFragment, ResponseModeFormPost:
	default:
		return authorizeError(req, ErrorInvalidRequest, "unsupported response_mode")
	}
	req.ResponseMode = responseMode

	req.State = req.Raw.Get(ParamState)
	return nil
}

func (v *AuthorizeRequestValidator) validateScopes(ctx context.Context, req *ValidatedAuthorizeRequest) (*AuthorizeValidationResult, error) {
	scope := strings.TrimSpace(req.Raw.Get(ParamScope))
	if scope == "" {
		return authorizeError(req, ErrorInvalidScope, "missing scope"), nil
	}
	requested := ParseScopes(scope)

	result, err := v.resources.Validate(ctx, req.Client, requested)
	if err != nil {
		return nil, err
	}
	req.ValidatedResources = result

	if !result.Succeeded() {
		return authorizeError(req, ErrorInvalidScope, "invalid scope"), nil
	}

	isOpenID := req.isOpenID()
	if isOpenID && req.ResponseType == ResponseTypeToken {
		// a token-only response produces no id_token for the openid
		// scope to be delivered in
		return authorizeError(req, ErrorInvalidScope, "openid scope not valid for response_type token"), nil
	}
	if !isOpenID && req.producesIDToken() {
		return authorizeError(req, ErrorInvalidScope, "openid scope required for response type"), nil
	}
	if !isOpenID && len(result.Resources.IdentityResources) > 0 {
		return authorizeError(req, ErrorInvalidScope, "identity scopes requested without openid"), nil
	}
	return nil, nil
}

func (v *AuthorizeRequestValidator) validateOptional(req *ValidatedAuthorizeRequest) *AuthorizeValidationResult {
	// nonce
	req.Nonce = req.Raw.Get(ParamNonce)
	if req.Nonce == "" && req.producesIDToken() {
		return authorizeError(req, ErrorInvalidRequest, "nonce required for response type")
	}

	// prompt
	if prompt := req.Raw.Get(ParamPrompt); prompt != "" {
		modes := strings.Fields(prompt)
		for _, m := range modes {
			if !supportedPrompts[m] {
				return authorizeError(req, ErrorInvalidRequest, "unsupported prompt value")
			}
		}
		if len(modes) > 1 {
			for _, m := range modes {
				if m == PromptNone {
					return authorizeError(req, ErrorInvalidRequest, "prompt none must not be combined with other values")
				}
			}
		}
		req.PromptModes = modes
	}

	// max_age
	if rawMaxAge := req.Raw.Get(ParamMaxAge); rawMaxAge != "" {
		maxAge, err := strconv.Atoi(rawMaxAge)
		if err != nil || maxAge < 0 {
			return authorizeError(req, ErrorInvalidRequest, "invalid max_age")
		}
		req.MaxAge = &maxAge
	}

	// ui hints
	req.LoginHint = req.Raw.Get(ParamLoginHint)
	req.UILocales = req.Raw.Get(ParamUILocales)
	if acr := req.Raw.Get(ParamAcrValues); acr != "" {
		req.AcrValues = strings.Fields(acr)
	}

	// pkce
	challenge := req.Raw.Get(ParamCodeChallenge)
	method := ChallengeMethod(req.Raw.Get(ParamCodeChallengeMethod))
	if challenge == "" {
		if req.Client.RequirePKCE && req.producesCode() {
			return authorizeError(req, ErrorInvalidRequest, "code challenge required")
		}
	} else {
		if !req.producesCode() {
			return authorizeError(req, ErrorInvalidRequest, "code challenge not valid for response type")
		}
		if len(challenge) < minVerifierLen || len(challenge) > maxVerifierLen {
			return authorizeError(req, ErrorInvalidRequest, "invalid code challenge")
		}
		switch method {
		case "":
			method = PKCEPlain
			if !req.Client.AllowPlainTextPKCE {
				return authorizeError(req, ErrorInvalidRequest, "transform algorithm not supported")
			}
		case PKCEPlain:
			if !req.Client.AllowPlainTextPKCE {
				return authorizeError(req, ErrorInvalidRequest, "transform algorithm not supported")
			}
		case S256:
		default:
			return authorizeError(req, ErrorInvalidRequest, "transform algorithm not supported")
		}
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = method
	}

	return nil
}

// WithAuthorizeRequestHooks provides optional custom authorize validators,
// run in order after the built-in checks.
func WithAuthorizeRequestHooks(hooks ...AuthorizeRequestHook) Option {
	return func(o interface{}) {
		if v, ok := o.(*authorizeValidatorOptions); ok {
			v.withHooks = append(v.withHooks, hooks...)
		}
	}
}

type authorizeValidatorOptions struct {
	common    commonOptions
	withHooks []AuthorizeRequestHook
}

func getAuthorizeValidatorOpts(opt ...Option) authorizeValidatorOptions {
	opts := authorizeValidatorOptions{common: commonDefaults()}
	for _, o := range opt {
		o(&opts)
		o(&opts.common)
	}
	return opts
}
