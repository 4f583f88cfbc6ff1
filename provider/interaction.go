package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// InteractionResult is the interaction engine's verdict for one validated
// authorize request. Exactly one of the Is* fields is set; IsAllowed means
// response generation may proceed.
type InteractionResult struct {
	// IsLogin instructs the host to send the user to login.
	IsLogin bool

	// IsConsent instructs the host to show the consent page.
	IsConsent bool

	// IsRedirect instructs the host to redirect to RedirectURL (custom
	// interaction such as 2FA enrollment or terms acceptance).
	IsRedirect  bool
	RedirectURL string

	// IsError terminates the request with an OAuth error response.
	IsError          bool
	Error            string
	ErrorDescription string
}

// IsAllowed reports whether no interaction is required.
func (r *InteractionResult) IsAllowed() bool {
	return !r.IsLogin && !r.IsConsent && !r.IsRedirect && !r.IsError
}

// CustomInteractionHook is an extension point evaluated after the built-in
// login and consent checks. It may force a redirect or an error; returning a
// zero result means no opinion. Hooks may only narrow: an allowed request
// can become an interaction or error, never the reverse.
type CustomInteractionHook interface {
	Evaluate(ctx context.Context, req *ValidatedAuthorizeRequest) (*InteractionResult, error)
}

// InteractionEngine decides, for a validated authorize request, whether
// login, consent or a custom redirect must happen before a response can be
// issued. It's a one-shot decision: every HTTP round-trip re-evaluates from
// scratch against then-current session and consent state.
type InteractionEngine struct {
	consent *ConsentService
	hooks   []CustomInteractionHook
	logger  hclog.Logger
	now     func() time.Time
}

// NewInteractionEngine creates the engine.
// Supported options: WithLogger, WithNow, WithInteractionHooks
func NewInteractionEngine(consent *ConsentService, opt ...Option) (*InteractionEngine, error) {
	const op = "provider.NewInteractionEngine"
	if consent == nil {
		return nil, fmt.Errorf("%s: missing consent service: %w", op, ErrNilParameter)
	}
	opts := getInteractionOpts(opt...)
	return &InteractionEngine{
		consent: consent,
		hooks:   opts.withHooks,
		logger:  opts.common.withLogger,
		now:     opts.common.withNowFn,
	}, nil
}

// Evaluate runs the login, consent and custom checks in order.
func (e *InteractionEngine) Evaluate(ctx context.Context, req *ValidatedAuthorizeRequest) (*InteractionResult, error) {
	const op = "provider.(InteractionEngine).Evaluate"
	if req == nil {
		return nil, fmt.Errorf("%s: missing request: %w", op, ErrNilParameter)
	}
	if req.Client == nil {
		return nil, fmt.Errorf("%s: request has no client: %w", op, ErrInvalidParameter)
	}

	if result := e.evaluateLogin(req); !result.IsAllowed() {
		return result, nil
	}

	result, err := e.evaluateConsent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !result.IsAllowed() {
		return result, nil
	}

	for _, hook := range e.hooks {
		result, err := hook.Evaluate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%s: interaction hook failed: %w", op, err)
		}
		if result != nil && !result.IsAllowed() {
			if result.IsError {
				result.Error = sandboxWireError(result.Error, ErrorAccessDenied)
			}
			return result, nil
		}
	}
	return &InteractionResult{}, nil
}

func (e *InteractionEngine) evaluateLogin(req *ValidatedAuthorizeRequest) *InteractionResult {
	promptNone := req.hasPrompt(PromptNone)

	if req.Subject == nil || req.Subject.ID == "" {
		if promptNone {
			return &InteractionResult{IsError: true, Error: ErrorLoginRequired}
		}
		return &InteractionResult{IsLogin: true}
	}

	if req.hasPrompt(PromptLogin) || req.hasPrompt(PromptSelectAccount) {
		if promptNone {
			// unreachable in practice; the validator rejects none
			// combined with other prompts
			return &InteractionResult{IsError: true, Error: ErrorLoginRequired}
		}
		return &InteractionResult{IsLogin: true}
	}

	if req.MaxAge != nil {
		age := e.now().Sub(req.Subject.AuthTime)
		if age > time.Duration(*req.MaxAge)*time.Second {
			if promptNone {
				return &InteractionResult{IsError: true, Error: ErrorLoginRequired}
			}
			return &InteractionResult{IsLogin: true}
		}
	}

	return &InteractionResult{}
}

func (e *InteractionEngine) evaluateConsent(ctx context.Context, req *ValidatedAuthorizeRequest) (*InteractionResult, error) {
	const op = "provider.(InteractionEngine).evaluateConsent"

	if req.WasConsentShown {
		// consent already happened on this request's round-trip
		return &InteractionResult{}, nil
	}

	required := req.hasPrompt(PromptConsent)
	if !required {
		var err error
		required, err = e.consent.RequiresConsent(ctx, req.Subject, req.Client, req.Scopes())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if !required {
		return &InteractionResult{}, nil
	}
	if req.hasPrompt(PromptNone) {
		return &InteractionResult{IsError: true, Error: ErrorConsentRequired}, nil
	}
	return &InteractionResult{IsConsent: true}, nil
}

// WithInteractionHooks provides optional custom interaction hooks, evaluated
// in order after the built-in login and consent checks.
func WithInteractionHooks(hooks ...CustomInteractionHook) Option {
	return func(o interface{}) {
		if v, ok := o.(*interactionOptions); ok {
			v.withHooks = append(v.withHooks, hooks...)
		}
	}
}

type interactionOptions struct {
	common    commonOptions
	withHooks []CustomInteractionHook
}

func getInteractionOpts(opt ...Option) interactionOptions {
	opts := interactionOptions{common: commonDefaults()}
	for _, o := range opt {
		o(&opts)
		o(&opts.common)
	}
	return opts
}
