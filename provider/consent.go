package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
	"github.com/stewartm83/identityserver/sdk/strutils"
)

// ConsentService decides whether a consent interaction is needed for a
// request and records consent decisions.
type ConsentService struct {
	consents *userConsentStore
	logger   hclog.Logger
	now      func() time.Time
}

// NewConsentService creates a consent service over the grant store.
// Supported options: WithLogger, WithNow
func NewConsentService(grants store.GrantStore, opt ...Option) (*ConsentService, error) {
	const op = "provider.NewConsentService"
	if grants == nil {
		return nil, fmt.Errorf("%s: missing grant store: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &ConsentService{
		consents: newUserConsentStore(grants),
		logger:   opts.withLogger,
		now:      opts.withNowFn,
	}, nil
}

// RequiresConsent reports whether the subject must be shown the consent page
// for the client and scope set. offline_access always re-consents. Expired
// consent records discovered here are deleted.
func (s *ConsentService) RequiresConsent(ctx context.Context, subject *Subject, client *Client, parsedScopes []string) (bool, error) {
	const op = "provider.(ConsentService).RequiresConsent"
	if subject == nil {
		return false, fmt.Errorf("%s: missing subject: %w", op, ErrNilParameter)
	}
	if client == nil {
		return false, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}
	if !client.RequireConsent {
		return false, nil
	}
	if len(parsedScopes) == 0 {
		return false, nil
	}
	// a refresh token grant always warrants an explicit decision
	if strutils.StrListContains(parsedScopes, ScopeOfflineAccess) {
		return true, nil
	}
	if !client.AllowRememberConsent {
		return true, nil
	}

	consent, err := s.consents.Get(ctx, subject.ID, client.ID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if consent == nil {
		return true, nil
	}
	if consent.Expiration != nil && !consent.Expiration.After(s.now()) {
		// lazy GC of expired consent
		if err := s.consents.Remove(ctx, subject.ID, client.ID); err != nil {
			s.logger.Warn("unable to remove expired consent", "subject_id", subject.ID, "client_id", client.ID, "error", err)
		}
		return true, nil
	}
	return !strutils.StrListSubset(consent.Scopes, parsedScopes), nil
}

// UpdateConsent stores the granted scope set for (subject, client). Granting
// an empty set removes any stored consent; that is the revocation path.
func (s *ConsentService) UpdateConsent(ctx context.Context, subject *Subject, client *Client, grantedScopes []string) error {
	const op = "provider.(ConsentService).UpdateConsent"
	if subject == nil {
		return fmt.Errorf("%s: missing subject: %w", op, ErrNilParameter)
	}
	if client == nil {
		return fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}
	if !client.AllowRememberConsent || len(grantedScopes) == 0 {
		return s.consents.Remove(ctx, subject.ID, client.ID)
	}

	now := s.now()
	consent := &Consent{
		SubjectID:    subject.ID,
		ClientID:     client.ID,
		Scopes:       grantedScopes,
		CreationTime: now,
	}
	if client.ConsentLifetime > 0 {
		exp := now.Add(client.ConsentLifetime)
		consent.Expiration = &exp
	}
	return s.consents.Store(ctx, consent)
}

// ConsentRequest identifies one pending consent decision. Its ID is
// deterministic over the identifying parameters so a returning consent-page
// POST can be matched to the original authorize request without re-parsing
// all parameters.
type ConsentRequest struct {
	ClientID        string
	SubjectID       string
	Nonce           string
	RequestedScopes []string
}

// NewConsentRequest builds the message for a validated authorize request.
func NewConsentRequest(req *ValidatedAuthorizeRequest) *ConsentRequest {
	cr := &ConsentRequest{
		ClientID:        req.Client.ID,
		Nonce:           req.Nonce,
		RequestedScopes: req.RequestedScopes(),
	}
	if req.Subject != nil {
		cr.SubjectID = req.Subject.ID
	}
	return cr
}

// ID returns the deterministic hash identifying this consent request. Scope
// order does not matter.
func (r *ConsentRequest) ID() string {
	normalized := strings.Join(sortedCopy(r.RequestedScopes), " ")
	value := strings.Join([]string{r.ClientID, r.SubjectID, r.Nonce, normalized}, "|")
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ConsentResponse is the consent page's answer to a ConsentRequest.
type ConsentResponse struct {
	// Granted reports whether the subject approved.
	Granted bool

	// GrantedScopes are the scopes the subject approved; possibly a
	// subset of the requested ones.
	GrantedScopes []string

	// RememberConsent asks for the decision to be stored.
	RememberConsent bool
}
