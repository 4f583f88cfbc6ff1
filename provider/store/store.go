package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned from Get when no grant exists for a key.
	ErrNotFound = errors.New("grant not found")

	// ErrNilParameter is returned when a required parameter is nil.
	ErrNilParameter = errors.New("nil parameter")

	// ErrInvalidParameter is returned when a required parameter is invalid.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Grant type discriminators for the grants the provider persists. The type is
// part of the envelope so filtered lookup/removal can target one kind of
// server-side state without deserializing payloads.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeReferenceToken    = "reference_token"
	GrantTypeUserConsent       = "user_consent"
	GrantTypeDeviceCode        = "device_code"
)

// PersistedGrant is the envelope every piece of opaque server-side state
// (authorization codes, refresh tokens, reference tokens, device codes, user
// consent) is serialized into. The Key is an opaque handle and must be unique
// across all grant types.
type PersistedGrant struct {
	// Key is the unique, opaque handle for the grant.
	Key string

	// Type discriminates the serialized payload (see the GrantType consts).
	Type string

	// ClientID is the id of the client the grant was issued to.
	ClientID string

	// SubjectID is the id of the subject the grant was issued for, if any.
	SubjectID string

	// SessionID is the authenticated session the grant is bound to, if any.
	SessionID string

	// Description is an optional human readable description.
	Description string

	// CreationTime is when the grant was created.
	CreationTime time.Time

	// Expiration, when set and past, makes the grant unusable even if the
	// store has not yet physically evicted it.
	Expiration *time.Time

	// ConsumedTime is set once a one-time grant has been redeemed.
	ConsumedTime *time.Time

	// Data is the serialized payload.
	Data []byte
}

// Expired reports whether the grant's expiration has passed at the given
// time. Grants without an expiration never expire.
func (g *PersistedGrant) Expired(now time.Time) bool {
	return g.Expiration != nil && !g.Expiration.After(now)
}

// GrantFilter selects grants for bulk lookup or removal. Zero-valued fields
// are not applied; a zero filter matches everything.
type GrantFilter struct {
	SubjectID string
	SessionID string
	ClientID  string
	Types     []string
}

// IsZero reports whether the filter applies no constraints.
func (f GrantFilter) IsZero() bool {
	return f.SubjectID == "" && f.SessionID == "" && f.ClientID == "" && len(f.Types) == 0
}

// Matches reports whether the grant satisfies every constraint the filter
// carries.
func (f GrantFilter) Matches(g *PersistedGrant) bool {
	if f.SubjectID != "" && g.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if f.ClientID != "" && g.ClientID != f.ClientID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if g.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GrantStore persists opaque server-side grants keyed by handle. Store and
// Remove must be atomic per key. GetAll and RemoveAll operate over a filtered
// snapshot and must not corrupt concurrent single-key operations. Expiration
// is enforced lazily at read time; a store may evict expired grants whenever
// it discovers them.
type GrantStore interface {
	// Store persists the grant, replacing any grant already stored under
	// the same key.
	Store(ctx context.Context, grant *PersistedGrant) error

	// Get returns the grant for the key, or ErrNotFound if the key is
	// unknown or the grant has expired.
	Get(ctx context.Context, key string) (*PersistedGrant, error)

	// GetAll returns a snapshot of all unexpired grants matching the filter.
	GetAll(ctx context.Context, filter GrantFilter) ([]*PersistedGrant, error)

	// Remove deletes the grant for the key. Removing an unknown key is not
	// an error.
	Remove(ctx context.Context, key string) error

	// RemoveIfExists deletes the grant for the key and reports whether it
	// existed. When callers race, at most one observes true; one-time
	// grants (authorization codes, rotated refresh tokens, redeemed device
	// codes) rely on this to guarantee single consumption.
	RemoveIfExists(ctx context.Context, key string) (bool, error)

	// RemoveAll deletes every grant matching the filter.
	RemoveAll(ctx context.Context, filter GrantFilter) error
}
