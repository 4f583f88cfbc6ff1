package provider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"
)

// ClaimsService assembles the claims that go into identity and access
// tokens. The default implementation filters the subject's claims down to the
// claim types the granted resources release; replace it to pull claims from
// an external profile service.
type ClaimsService interface {
	// IdentityTokenClaims returns the claims for an id_token. When
	// includeUserClaims is false only the protocol claims (sub, auth_time,
	// idp, amr) are returned and user claims are deferred to the userinfo
	// endpoint.
	IdentityTokenClaims(ctx context.Context, subject *Subject, resources Resources, includeUserClaims bool) ([]Claim, error)

	// AccessTokenClaims returns the claims for an access token: the
	// client's fixed claims plus the subject claims released by the
	// granted API scopes and resources.
	AccessTokenClaims(ctx context.Context, subject *Subject, client *Client, resources Resources) ([]Claim, error)
}

// DefaultClaimsService is the stock ClaimsService.
type DefaultClaimsService struct {
	logger hclog.Logger
}

// ensure that DefaultClaimsService implements the ClaimsService interface.
var _ ClaimsService = (*DefaultClaimsService)(nil)

// NewDefaultClaimsService creates the stock claims service.
// Supported options: WithLogger
func NewDefaultClaimsService(opt ...Option) *DefaultClaimsService {
	opts := getCommonOpts(opt...)
	return &DefaultClaimsService{logger: opts.withLogger}
}

// IdentityTokenClaims assembles id_token claims for the subject.
func (s *DefaultClaimsService) IdentityTokenClaims(_ context.Context, subject *Subject, resources Resources, includeUserClaims bool) ([]Claim, error) {
	const op = "provider.(DefaultClaimsService).IdentityTokenClaims"
	if subject == nil {
		return nil, fmt.Errorf("%s: missing subject: %w", op, ErrNilParameter)
	}

	set := NewClaimSet(subjectProtocolClaims(subject)...)
	if includeUserClaims {
		set.Add(filterClaims(subject.Claims, resources.identityClaimTypes())...)
	}
	return set.Claims(), nil
}

// AccessTokenClaims assembles access token claims. A nil subject is valid:
// client_credentials tokens carry no subject claims.
func (s *DefaultClaimsService) AccessTokenClaims(_ context.Context, subject *Subject, client *Client, resources Resources) ([]Claim, error) {
	const op = "provider.(DefaultClaimsService).AccessTokenClaims"
	if client == nil {
		return nil, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}

	set := NewClaimSet(client.Claims...)
	if subject != nil {
		set.Add(subjectProtocolClaims(subject)...)
		set.Add(filterClaims(subject.Claims, resources.apiClaimTypes())...)
	}
	return set.Claims(), nil
}

// subjectProtocolClaims are the claims every subject-bound token carries.
func subjectProtocolClaims(subject *Subject) []Claim {
	claims := []Claim{
		NewClaim(ClaimSubject, subject.ID),
		// numeric value type so auth_time serializes as a JSON number
		{Type: ClaimAuthTime, Value: strconv.FormatInt(subject.AuthTime.Unix(), 10), ValueType: ClaimValueTypeJSON},
	}
	if subject.IdentityProvider != "" {
		claims = append(claims, NewClaim(ClaimIdentityProvider, subject.IdentityProvider))
	}
	for _, amr := range subject.AuthMethods {
		claims = append(claims, NewClaim(ClaimAuthMethod, amr))
	}
	return claims
}
