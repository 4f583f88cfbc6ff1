// Package provider implements the protocol core of an OpenID Connect /
// OAuth2 identity provider: request validation for the authorize, token,
// introspection, device-authorization and end-session surfaces, interaction
// policy (is login or consent required?), consent tracking, and
// protocol-correct response generation including token issuance for the
// authorization code, implicit, hybrid, client credentials, resource owner
// password, refresh token and device flows.
//
// The package is transport agnostic. HTTP glue parses raw parameters into
// url.Values and renders the response DTOs; everything in between - client
// and resource resolution, grant bookkeeping, claims assembly and signing -
// happens here against small injected interfaces (GrantStore, ClientStore,
// ResourceStore, TokenCreator, EventSink, a clock).
package provider
