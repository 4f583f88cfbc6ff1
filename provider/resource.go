package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stewartm83/identityserver/sdk/strutils"
)

// Well-known scope names.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// IdentityResource is a scope that maps onto a set of identity claims about
// the subject ("profile" -> name, family_name, ...).
type IdentityResource struct {
	// Name is the scope value.
	Name string

	// DisplayName is used by consent UI.
	DisplayName string

	// ClaimTypes are the claim types released when the scope is granted.
	ClaimTypes []string

	// Required scopes cannot be deselected on the consent page.
	Required bool

	// Emphasize marks sensitive scopes for consent UI.
	Emphasize bool
}

// APIScope is a scope protecting part of an API.
type APIScope struct {
	// Name is the scope value.
	Name string

	// DisplayName is used by consent UI.
	DisplayName string

	// ClaimTypes are additional subject claim types included in access
	// tokens carrying this scope.
	ClaimTypes []string

	// Required scopes cannot be deselected on the consent page.
	Required bool

	// Emphasize marks sensitive scopes for consent UI.
	Emphasize bool
}

// APIResource describes a protected API. Each APIResource backing at least
// one granted scope contributes an audience to issued access tokens; a
// resource with zero scopes contributes no audience.
type APIResource struct {
	// Name is the audience value.
	Name string

	// DisplayName is used by consent UI.
	DisplayName string

	// Scopes are the names of the APIScopes that belong to this resource.
	Scopes []string

	// ClaimTypes are subject claim types included in access tokens for
	// this resource.
	ClaimTypes []string

	// Secrets authenticate the resource at the introspection endpoint.
	Secrets []Secret
}

// validateSecret checks a presented secret against the resource's stored
// secrets.
func (r *APIResource) validateSecret(presented ClientSecret, now time.Time) bool {
	for _, s := range r.Secrets {
		if s.matches(presented, now) {
			return true
		}
	}
	return false
}

// Resources aggregates the resources resolved for a scope set.
type Resources struct {
	IdentityResources []IdentityResource
	APIResources      []APIResource
	APIScopes         []APIScope

	// OfflineAccess is set when the offline_access scope was resolved.
	OfflineAccess bool
}

// ScopeNames returns every resolved scope value, offline_access included.
func (r Resources) ScopeNames() []string {
	var names []string
	for _, ir := range r.IdentityResources {
		names = append(names, ir.Name)
	}
	for _, s := range r.APIScopes {
		names = append(names, s.Name)
	}
	if r.OfflineAccess {
		names = append(names, ScopeOfflineAccess)
	}
	return names
}

// identityClaimTypes returns the union of claim types across the resolved
// identity resources.
func (r Resources) identityClaimTypes() []string {
	var types []string
	for _, ir := range r.IdentityResources {
		types = append(types, ir.ClaimTypes...)
	}
	return strutils.RemoveDuplicatesStable(types, false)
}

// apiClaimTypes returns the union of claim types across the resolved API
// scopes and resources.
func (r Resources) apiClaimTypes() []string {
	var types []string
	for _, s := range r.APIScopes {
		types = append(types, s.ClaimTypes...)
	}
	for _, ar := range r.APIResources {
		types = append(types, ar.ClaimTypes...)
	}
	return strutils.RemoveDuplicatesStable(types, false)
}

// ResourceValidationResult is the outcome of resolving a requested scope
// string. Invariant: every name in ParsedScopes resolved to a known resource
// (or is offline_access); anything else is recorded in InvalidScopes.
type ResourceValidationResult struct {
	// Resources are the resolved resources.
	Resources Resources

	// RawScopes is the scope parameter as requested.
	RawScopes []string

	// ParsedScopes are the scope names that resolved.
	ParsedScopes []string

	// InvalidScopes are the scope names that did not resolve or are not
	// allowed for the client.
	InvalidScopes []string
}

// Succeeded reports whether every requested scope resolved.
func (r *ResourceValidationResult) Succeeded() bool {
	return len(r.InvalidScopes) == 0 && len(r.ParsedScopes) > 0
}

// ResourceStore resolves resource and scope definitions by name.
type ResourceStore interface {
	// FindResourcesByScopeNames resolves the scope names into resources.
	// Unknown names are simply absent from the result.
	FindResourcesByScopeNames(ctx context.Context, names []string) (Resources, error)

	// FindAPIResourcesByName returns the API resources with the given
	// names.
	FindAPIResourcesByName(ctx context.Context, names []string) ([]APIResource, error)

	// AllResources returns every configured resource (discovery document,
	// consent UI).
	AllResources(ctx context.Context) (Resources, error)
}

// InMemoryResourceStore is a ResourceStore over fixed resource definitions.
type InMemoryResourceStore struct {
	identity  map[string]IdentityResource
	apiScopes map[string]APIScope
	apis      []APIResource
}

// ensure that InMemoryResourceStore implements the ResourceStore interface.
var _ ResourceStore = (*InMemoryResourceStore)(nil)

// NewInMemoryResourceStore indexes the given resource definitions.
func NewInMemoryResourceStore(identity []IdentityResource, apiScopes []APIScope, apis []APIResource) (*InMemoryResourceStore, error) {
	const op = "provider.NewInMemoryResourceStore"
	s := &InMemoryResourceStore{
		identity:  make(map[string]IdentityResource, len(identity)),
		apiScopes: make(map[string]APIScope, len(apiScopes)),
		apis:      apis,
	}
	for _, ir := range identity {
		if ir.Name == "" {
			return nil, fmt.Errorf("%s: identity resource has no name: %w", op, ErrInvalidResource)
		}
		if _, ok := s.identity[ir.Name]; ok {
			return nil, fmt.Errorf("%s: duplicate identity resource %q: %w", op, ir.Name, ErrInvalidResource)
		}
		s.identity[ir.Name] = ir
	}
	for _, sc := range apiScopes {
		if sc.Name == "" {
			return nil, fmt.Errorf("%s: api scope has no name: %w", op, ErrInvalidResource)
		}
		if _, ok := s.apiScopes[sc.Name]; ok {
			return nil, fmt.Errorf("%s: duplicate api scope %q: %w", op, sc.Name, ErrInvalidResource)
		}
		s.apiScopes[sc.Name] = sc
	}
	return s, nil
}

// FindResourcesByScopeNames resolves scope names into resources.
func (s *InMemoryResourceStore) FindResourcesByScopeNames(_ context.Context, names []string) (Resources, error) {
	var out Resources
	matchedScopes := map[string]bool{}
	for _, name := range names {
		if name == ScopeOfflineAccess {
			out.OfflineAccess = true
			continue
		}
		if ir, ok := s.identity[name]; ok {
			out.IdentityResources = append(out.IdentityResources, ir)
			continue
		}
		if sc, ok := s.apiScopes[name]; ok {
			out.APIScopes = append(out.APIScopes, sc)
			matchedScopes[name] = true
		}
	}
	for _, api := range s.apis {
		for _, scopeName := range api.Scopes {
			if matchedScopes[scopeName] {
				out.APIResources = append(out.APIResources, api)
				break
			}
		}
	}
	return out, nil
}

// FindAPIResourcesByName returns the API resources with the given names.
func (s *InMemoryResourceStore) FindAPIResourcesByName(_ context.Context, names []string) ([]APIResource, error) {
	var out []APIResource
	for _, api := range s.apis {
		if strutils.StrListContains(names, api.Name) {
			out = append(out, api)
		}
	}
	return out, nil
}

// AllResources returns every configured resource.
func (s *InMemoryResourceStore) AllResources(_ context.Context) (Resources, error) {
	var out Resources
	for _, ir := range s.identity {
		out.IdentityResources = append(out.IdentityResources, ir)
	}
	for _, sc := range s.apiScopes {
		out.APIScopes = append(out.APIScopes, sc)
	}
	out.APIResources = append(out.APIResources, s.apis...)
	return out, nil
}

// ParseScopes splits a space-delimited scope parameter into names, dropping
// empties and duplicates.
func ParseScopes(scope string) []string {
	return strutils.RemoveDuplicatesStable(strings.Split(scope, " "), false)
}

// ResourceValidator resolves a requested scope set against a client's
// allowed scopes and the resource store.
type ResourceValidator struct {
	resources ResourceStore
}

// NewResourceValidator creates a validator over the resource store.
func NewResourceValidator(resources ResourceStore) (*ResourceValidator, error) {
	const op = "provider.NewResourceValidator"
	if resources == nil {
		return nil, fmt.Errorf("%s: missing resource store: %w", op, ErrNilParameter)
	}
	return &ResourceValidator{resources: resources}, nil
}

// Validate resolves requestedScopes for the client. Scopes outside the
// client's allow-list (or offline_access for a client without
// AllowOfflineAccess) are invalid; so are names no resource store entry
// matches.
func (v *ResourceValidator) Validate(ctx context.Context, client *Client, requestedScopes []string) (*ResourceValidationResult, error) {
	const op = "provider.(ResourceValidator).Validate"
	if client == nil {
		return nil, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}
	result := &ResourceValidationResult{RawScopes: requestedScopes}

	var candidates []string
	for _, scope := range requestedScopes {
		switch {
		case scope == ScopeOfflineAccess:
			if !client.AllowOfflineAccess {
				result.InvalidScopes = append(result.InvalidScopes, scope)
				continue
			}
			candidates = append(candidates, scope)
		case strutils.StrListContains(client.AllowedScopes, scope):
			candidates = append(candidates, scope)
		default:
			result.InvalidScopes = append(result.InvalidScopes, scope)
		}
	}

	resolved, err := v.resources.FindResourcesByScopeNames(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("%s: resource store failed: %w", op, err)
	}
	result.Resources = resolved

	known := resolved.ScopeNames()
	for _, scope := range candidates {
		if strutils.StrListContains(known, scope) {
			result.ParsedScopes = append(result.ParsedScopes, scope)
		} else {
			result.InvalidScopes = append(result.InvalidScopes, scope)
		}
	}
	return result, nil
}
