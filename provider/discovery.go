package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2"
)

// DiscoveryEndpoints are the endpoint paths published in the discovery
// document. A path starting with "~/" is expanded relative to the issuer;
// absolute URIs pass through verbatim.
type DiscoveryEndpoints struct {
	Authorize           string
	Token               string
	UserInfo            string
	EndSession          string
	DeviceAuthorization string
	Introspection       string
	JWKS                string
}

// DefaultDiscoveryEndpoints are the conventional connect paths.
func DefaultDiscoveryEndpoints() DiscoveryEndpoints {
	return DiscoveryEndpoints{
		Authorize:           "~/connect/authorize",
		Token:               "~/connect/token",
		UserInfo:            "~/connect/userinfo",
		EndSession:          "~/connect/endsession",
		DeviceAuthorization: "~/connect/deviceauthorization",
		Introspection:       "~/connect/introspect",
		JWKS:                "~/.well-known/openid-configuration/jwks",
	}
}

// DiscoveryOptions gates what the discovery document publishes. The zero
// value publishes nothing but the issuer; use DefaultDiscoveryOptions for the
// conventional full document.
type DiscoveryOptions struct {
	ShowEndpoints     bool
	ShowKeySet        bool
	ShowScopes        bool
	ShowClaims        bool
	ShowGrantTypes    bool
	ShowResponseTypes bool
	ShowResponseModes bool

	// CustomEntries are merged into the document; fixed entries win on
	// collision.
	CustomEntries map[string]interface{}

	// ResponseCacheInterval, when positive, is surfaced by CacheMaxAge for
	// the glue to emit as Cache-Control max-age.
	ResponseCacheInterval time.Duration
}

// DefaultDiscoveryOptions publishes everything.
func DefaultDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		ShowEndpoints:     true,
		ShowKeySet:        true,
		ShowScopes:        true,
		ShowClaims:        true,
		ShowGrantTypes:    true,
		ShowResponseTypes: true,
		ShowResponseModes: true,
	}
}

// DiscoveryService builds the discovery document and key set responses.
type DiscoveryService struct {
	issuer    string
	endpoints DiscoveryEndpoints
	options   DiscoveryOptions
	resources ResourceStore
	creator   TokenCreator

	extensionGrantTypes []string
}

// NewDiscoveryService creates the service. extensionGrantTypes lists any
// registered custom grant types so they appear under grant_types_supported.
func NewDiscoveryService(issuer string, endpoints DiscoveryEndpoints, options DiscoveryOptions, resources ResourceStore, creator TokenCreator, extensionGrantTypes ...string) (*DiscoveryService, error) {
	const op = "provider.NewDiscoveryService"
	if issuer == "" {
		return nil, fmt.Errorf("%s: missing issuer: %w", op, ErrInvalidParameter)
	}
	if resources == nil {
		return nil, fmt.Errorf("%s: missing resource store: %w", op, ErrNilParameter)
	}
	if creator == nil {
		return nil, fmt.Errorf("%s: missing token creator: %w", op, ErrNilParameter)
	}
	return &DiscoveryService{
		issuer:              strings.TrimSuffix(issuer, "/"),
		endpoints:           endpoints,
		options:             options,
		resources:           resources,
		creator:             creator,
		extensionGrantTypes: extensionGrantTypes,
	}, nil
}

// expand resolves a configured endpoint path against the issuer.
func (s *DiscoveryService) expand(path string) string {
	if strings.HasPrefix(path, "~/") {
		return s.issuer + "/" + strings.TrimPrefix(path, "~/")
	}
	return path
}

// CreateDiscoveryDocument assembles the document as an ordered-irrelevant
// claim map ready for JSON serialization.
func (s *DiscoveryService) CreateDiscoveryDocument(ctx context.Context) (map[string]interface{}, error) {
	const op = "provider.(DiscoveryService).CreateDiscoveryDocument"
	doc := map[string]interface{}{}
	for k, v := range s.options.CustomEntries {
		doc[k] = v
	}
	doc["issuer"] = s.issuer
	doc["subject_types_supported"] = []string{"public"}
	doc["id_token_signing_alg_values_supported"] = []string{string(s.creator.SigningAlgorithm())}

	if s.options.ShowEndpoints {
		doc["authorization_endpoint"] = s.expand(s.endpoints.Authorize)
		doc["token_endpoint"] = s.expand(s.endpoints.Token)
		doc["userinfo_endpoint"] = s.expand(s.endpoints.UserInfo)
		doc["end_session_endpoint"] = s.expand(s.endpoints.EndSession)
		doc["device_authorization_endpoint"] = s.expand(s.endpoints.DeviceAuthorization)
		doc["introspection_endpoint"] = s.expand(s.endpoints.Introspection)
		doc["frontchannel_logout_supported"] = true
		doc["frontchannel_logout_session_supported"] = true
		doc["backchannel_logout_supported"] = true
		doc["backchannel_logout_session_supported"] = true
		doc["token_endpoint_auth_methods_supported"] = []string{"client_secret_basic", "client_secret_post"}
		doc["code_challenge_methods_supported"] = []string{string(PKCEPlain), string(S256)}
	}
	if s.options.ShowKeySet {
		doc["jwks_uri"] = s.expand(s.endpoints.JWKS)
	}

	if s.options.ShowScopes || s.options.ShowClaims {
		all, err := s.resources.AllResources(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: resource store failed: %w", op, err)
		}
		if s.options.ShowScopes {
			scopes := append(all.ScopeNames(), ScopeOfflineAccess)
			doc["scopes_supported"] = dedupeSorted(scopes)
		}
		if s.options.ShowClaims {
			claims := append(all.identityClaimTypes(), all.apiClaimTypes()...)
			doc["claims_supported"] = dedupeSorted(claims)
		}
	}

	if s.options.ShowResponseTypes {
		types := make([]string, 0, len(supportedResponseTypes))
		for t := range supportedResponseTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		doc["response_types_supported"] = types
	}
	if s.options.ShowResponseModes {
		doc["response_modes_supported"] = []string{ResponseModeFormPost, ResponseModeFragment, ResponseModeQuery}
	}
	if s.options.ShowGrantTypes {
		grants := []string{
			GrantTypeAuthorizationCode,
			GrantTypeClientCredentials,
			GrantTypeRefreshToken,
			GrantTypeImplicit,
			GrantTypePassword,
			GrantTypeDeviceCode,
		}
		grants = append(grants, s.extensionGrantTypes...)
		doc["grant_types_supported"] = grants
	}
	return doc, nil
}

// CreateKeySet returns the public JWKS.
func (s *DiscoveryService) CreateKeySet() jose.JSONWebKeySet {
	return s.creator.KeySet()
}

// CacheMaxAge is the configured cache interval for discovery responses, zero
// when caching is off.
func (s *DiscoveryService) CacheMaxAge() time.Duration {
	return s.options.ResponseCacheInterval
}

func dedupeSorted(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
