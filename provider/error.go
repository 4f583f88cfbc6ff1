package provider

import "errors"

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrIDGeneratorFailed          = errors.New("id generation failed")
	ErrInvalidClient              = errors.New("invalid client configuration")
	ErrInvalidResource            = errors.New("invalid resource configuration")
	ErrUnknownGrantType           = errors.New("unknown grant type")
	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")
	ErrUserCodeSpaceExhausted     = errors.New("unable to generate a unique user code")
	ErrTokenCreationFailed        = errors.New("token creation failed")
	ErrInvalidSigningKey          = errors.New("invalid signing key")
)

// The fixed OAuth2/OIDC wire error vocabulary. Validators and response
// generators never invent error codes outside this set; extension validators
// that try are coerced to ErrorInvalidGrant.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidScope            = "invalid_scope"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"

	// device flow
	ErrorAuthorizationPending = "authorization_pending"
	ErrorSlowDown             = "slow_down"
	ErrorExpiredToken         = "expired_token"

	// authorize interaction (returned for prompt=none)
	ErrorLoginRequired       = "login_required"
	ErrorConsentRequired     = "consent_required"
	ErrorInteractionRequired = "interaction_required"
)

// wireErrors is the allow-list used to sandbox extension validators.
var wireErrors = map[string]bool{
	ErrorInvalidRequest:          true,
	ErrorInvalidClient:           true,
	ErrorInvalidGrant:            true,
	ErrorInvalidScope:            true,
	ErrorUnsupportedResponseType: true,
	ErrorUnsupportedGrantType:    true,
	ErrorUnauthorizedClient:      true,
	ErrorAccessDenied:            true,
	ErrorServerError:             true,
	ErrorAuthorizationPending:    true,
	ErrorSlowDown:                true,
	ErrorExpiredToken:            true,
	ErrorLoginRequired:           true,
	ErrorConsentRequired:         true,
	ErrorInteractionRequired:     true,
}

// sandboxWireError coerces an error code from an extension point into the
// fixed vocabulary so extensions cannot inject undefined wire errors.
func sandboxWireError(code, fallback string) string {
	if wireErrors[code] {
		return code
	}
	return fallback
}
