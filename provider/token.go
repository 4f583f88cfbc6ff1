package provider

import (
	"encoding/json"
	"time"
)

// Token types.
const (
	TokenTypeAccess   = "access_token"
	TokenTypeIdentity = "id_token"

	// TokenTypeLogout is the back-channel logout token of OIDC
	// Front/Back-Channel Logout.
	TokenTypeLogout = "logout_token"
)

// LogoutTokenEvent is the value of the events claim in back-channel logout
// tokens.
const LogoutTokenEvent = "http://schemas.openid.net/event/backchannel-logout"

// Token is the in-memory representation of issued token content, before it's
// serialized to a signed JWT or stored as a reference token. It is never
// mutated after creation.
type Token struct {
	// Type is access_token or id_token.
	Type string

	// Issuer is the issuer URI.
	Issuer string

	// Audiences are the aud values.
	Audiences []string

	// ClientID is the client the token was issued to.
	ClientID string

	// Lifetime is the token's validity window.
	Lifetime time.Duration

	// CreationTime anchors the iat/nbf/exp claims.
	CreationTime time.Time

	// Claims is the deduplicated claims set.
	Claims []Claim

	// AccessTokenType selects JWT vs reference serialization; only
	// meaningful for access tokens.
	AccessTokenType AccessTokenType

	// Confirmation is the cnf claim payload (proof-of-possession key
	// binding), emitted verbatim when set.
	Confirmation map[string]interface{}
}

// SubjectID is the token's sub claim, or "".
func (t *Token) SubjectID() string { return t.claimValue(ClaimSubject) }

// SessionID is the token's sid claim, or "".
func (t *Token) SessionID() string { return t.claimValue(ClaimSessionID) }

// ScopeNames are the token's scope claim values.
func (t *Token) ScopeNames() []string {
	var out []string
	for _, c := range t.Claims {
		if c.Type == ClaimScope {
			out = append(out, c.Value)
		}
	}
	return out
}

// Expiration is the token's expiry instant.
func (t *Token) Expiration() time.Time {
	return t.CreationTime.Add(t.Lifetime)
}

func (t *Token) claimValue(claimType string) string {
	for _, c := range t.Claims {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// payload flattens the token into the claim map that gets signed (or stored,
// for reference tokens). Claim types with a single value serialize as that
// value; repeated types serialize as arrays. The aud claim follows the JWT
// convention of a bare string for a single audience.
func (t *Token) payload() map[string]interface{} {
	out := map[string]interface{}{
		"iss": t.Issuer,
		"iat": t.CreationTime.Unix(),
		"nbf": t.CreationTime.Unix(),
		"exp": t.CreationTime.Add(t.Lifetime).Unix(),
	}
	switch len(t.Audiences) {
	case 0:
	case 1:
		out["aud"] = t.Audiences[0]
	default:
		out["aud"] = t.Audiences
	}
	if t.ClientID != "" {
		out["client_id"] = t.ClientID
	}
	if len(t.Confirmation) > 0 {
		out["cnf"] = t.Confirmation
	}

	grouped := map[string][]Claim{}
	var order []string
	for _, c := range t.Claims {
		if _, ok := grouped[c.Type]; !ok {
			order = append(order, c.Type)
		}
		grouped[c.Type] = append(grouped[c.Type], c)
	}
	for _, claimType := range order {
		claims := grouped[claimType]
		if len(claims) == 1 {
			out[claimType] = claimJSONValue(claims[0])
			continue
		}
		values := make([]interface{}, 0, len(claims))
		for _, c := range claims {
			values = append(values, claimJSONValue(c))
		}
		out[claimType] = values
	}
	return out
}

func claimJSONValue(c Claim) interface{} {
	if c.ValueType == ClaimValueTypeJSON {
		return json.RawMessage(c.Value)
	}
	return c.Value
}
