package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
)

// APISecretValidator authenticates an API resource calling the
// introspection endpoint. Like client authentication it reports one generic
// failure (a nil resource) for unknown names, bad secrets and everything in
// between.
type APISecretValidator struct {
	resources ResourceStore
	now       func() time.Time
}

// NewAPISecretValidator creates the validator.
// Supported options: WithNow
func NewAPISecretValidator(resources ResourceStore, opt ...Option) (*APISecretValidator, error) {
	const op = "provider.NewAPISecretValidator"
	if resources == nil {
		return nil, fmt.Errorf("%s: missing resource store: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &APISecretValidator{resources: resources, now: opts.withNowFn}, nil
}

// Validate resolves and authenticates the API resource, returning nil (with
// no error) on any protocol failure.
func (v *APISecretValidator) Validate(ctx context.Context, apiName string, secret ClientSecret) (*APIResource, error) {
	const op = "provider.(APISecretValidator).Validate"
	if apiName == "" {
		return nil, nil
	}
	apis, err := v.resources.FindAPIResourcesByName(ctx, []string{apiName})
	if err != nil {
		return nil, fmt.Errorf("%s: resource store failed: %w", op, err)
	}
	now := v.now()
	for i := range apis {
		if apis[i].Name != apiName {
			continue
		}
		if apis[i].validateSecret(secret, now) {
			return &apis[i], nil
		}
	}
	return nil, nil
}

// IntrospectionService answers token introspection for authenticated API
// resources. Every failure mode collapses to {"active": false}: unknown
// handles, expired tokens, bad signatures and tokens that belong to a
// different audience all look identical to the caller.
type IntrospectionService struct {
	issuer     string
	creator    TokenCreator
	references *referenceTokenStore
	logger     hclog.Logger
	sink       EventSink
	now        func() time.Time
}

// NewIntrospectionService creates the service.
// Supported options: WithLogger, WithNow, WithEventSink
func NewIntrospectionService(issuer string, creator TokenCreator, grants store.GrantStore, opt ...Option) (*IntrospectionService, error) {
	const op = "provider.NewIntrospectionService"
	if issuer == "" {
		return nil, fmt.Errorf("%s: missing issuer: %w", op, ErrInvalidParameter)
	}
	if creator == nil {
		return nil, fmt.Errorf("%s: missing token creator: %w", op, ErrNilParameter)
	}
	if grants == nil {
		return nil, fmt.Errorf("%s: missing grant store: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &IntrospectionService{
		issuer:     issuer,
		creator:    creator,
		references: newReferenceTokenStore(grants),
		logger:     opts.withLogger,
		sink:       opts.withEventSink,
		now:        opts.withNowFn,
	}, nil
}

var inactiveToken = map[string]interface{}{"active": false}

// Introspect resolves the presented token for the calling API. Reference
// handles are looked up first; anything else is treated as a JWT.
func (s *IntrospectionService) Introspect(ctx context.Context, rawToken string, api *APIResource) (map[string]interface{}, error) {
	const op = "provider.(IntrospectionService).Introspect"
	if api == nil {
		return nil, fmt.Errorf("%s: missing api resource: %w", op, ErrNilParameter)
	}
	if rawToken == "" {
		return s.result(ctx, api, inactiveToken), nil
	}

	if token, err := s.references.Get(ctx, rawToken); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	} else if token != nil {
		return s.result(ctx, api, s.introspectReference(token, api)), nil
	}

	claims, err := verifyIssuedJWT(s.creator, rawToken)
	if err != nil {
		s.logger.Debug("introspection of unparsable token", "api", api.Name)
		return s.result(ctx, api, inactiveToken), nil
	}
	return s.result(ctx, api, s.introspectJWT(claims, api)), nil
}

func (s *IntrospectionService) result(ctx context.Context, api *APIResource, out map[string]interface{}) map[string]interface{} {
	eventType := EventTypeFailure
	if active, _ := out["active"].(bool); active {
		eventType = EventTypeSuccess
	}
	raiseEvent(ctx, s.sink, s.logger, Event{
		Category: "introspection",
		Name:     "token_introspection",
		Type:     eventType,
		Message:  "api " + api.Name,
	})
	return out
}

func (s *IntrospectionService) introspectReference(token *Token, api *APIResource) map[string]interface{} {
	if s.now().After(token.Expiration()) {
		return inactiveToken
	}
	if !audienceContains(token.Audiences, api.Name) {
		// a valid token for somebody else is none of this API's business
		return inactiveToken
	}
	out := token.payload()
	out["active"] = true
	return out
}

func (s *IntrospectionService) introspectJWT(claims map[string]interface{}, api *APIResource) map[string]interface{} {
	exp, ok := claims["exp"].(float64)
	if !ok || s.now().After(time.Unix(int64(exp), 0)) {
		return inactiveToken
	}
	if iss, _ := claims["iss"].(string); iss != s.issuer {
		return inactiveToken
	}
	if !claimAudienceContains(claims["aud"], api.Name) {
		return inactiveToken
	}
	out := make(map[string]interface{}, len(claims)+1)
	for k, v := range claims {
		out[k] = v
	}
	out["active"] = true
	return out
}

func audienceContains(audiences []string, name string) bool {
	for _, a := range audiences {
		if a == name {
			return true
		}
	}
	return false
}

// claimAudienceContains handles the JWT aud convention of a bare string for
// a single audience.
func claimAudienceContains(aud interface{}, name string) bool {
	switch v := aud.(type) {
	case string:
		return v == name
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok && s == name {
				return true
			}
		}
	case []string:
		return audienceContains(v, name)
	}
	return false
}
