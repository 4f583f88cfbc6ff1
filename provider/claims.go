package provider

import "sort"

// Standard JWT and OIDC claim types used throughout the provider.
const (
	ClaimSubject          = "sub"
	ClaimSessionID        = "sid"
	ClaimIssuer           = "iss"
	ClaimAudience         = "aud"
	ClaimExpiration       = "exp"
	ClaimIssuedAt         = "iat"
	ClaimNotBefore        = "nbf"
	ClaimAuthTime         = "auth_time"
	ClaimNonce            = "nonce"
	ClaimClientID         = "client_id"
	ClaimScope            = "scope"
	ClaimJWTID            = "jti"
	ClaimAccessTokenHash  = "at_hash"
	ClaimCodeHash         = "c_hash"
	ClaimStateHash        = "s_hash"
	ClaimIdentityProvider = "idp"
	ClaimAuthMethod       = "amr"
	ClaimEvents           = "events"
	ClaimName             = "name"
	ClaimEmail            = "email"
)

// ClaimValueTypeJSON marks a claim whose value is raw JSON rather than a
// plain string.
const ClaimValueTypeJSON = "json"

// Claim is a type/value/valuetype-tagged assertion about a subject or
// client. Two claims are the same claim iff all three fields are equal.
type Claim struct {
	Type      string
	Value     string
	ValueType string
}

// NewClaim creates a plain string claim.
func NewClaim(claimType, value string) Claim {
	return Claim{Type: claimType, Value: value}
}

// ClaimSet is a set of claims with value semantics: inserting a claim that is
// already present (same type, value and value type) is a no-op. Deduplication
// is a property of the insertion contract, not of the consumers.
type ClaimSet struct {
	claims []Claim
	seen   map[Claim]bool
}

// NewClaimSet creates a ClaimSet seeded with the given claims.
func NewClaimSet(claims ...Claim) *ClaimSet {
	s := &ClaimSet{seen: map[Claim]bool{}}
	s.Add(claims...)
	return s
}

// Add inserts claims, ignoring duplicates.
func (s *ClaimSet) Add(claims ...Claim) {
	for _, c := range claims {
		if s.seen[c] {
			continue
		}
		s.seen[c] = true
		s.claims = append(s.claims, c)
	}
}

// Claims returns the set's claims in insertion order.
func (s *ClaimSet) Claims() []Claim {
	out := make([]Claim, len(s.claims))
	copy(out, s.claims)
	return out
}

// Len returns the number of distinct claims.
func (s *ClaimSet) Len() int { return len(s.claims) }

// ValuesOf returns every value held for the claim type, in insertion order.
func (s *ClaimSet) ValuesOf(claimType string) []string {
	var out []string
	for _, c := range s.claims {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

// ValueOf returns the first value held for the claim type, or "".
func (s *ClaimSet) ValueOf(claimType string) string {
	for _, c := range s.claims {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// filterClaims returns the subject claims whose types appear in
// allowedTypes, deduplicated, in a stable order.
func filterClaims(claims []Claim, allowedTypes []string) []Claim {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	set := NewClaimSet()
	for _, c := range claims {
		if allowed[c.Type] {
			set.Add(c)
		}
	}
	return set.Claims()
}

// sortedCopy returns a sorted copy of the strings; consent hashing and scope
// comparison need order independence.
func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}
