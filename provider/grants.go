package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
	"github.com/stewartm83/identityserver/sdk/id"
)

// AuthorizationCode is the server-side state behind an authorization code
// handle. The handle is one-time use; it's consumed on first redemption
// attempt whether or not the redemption succeeds.
type AuthorizationCode struct {
	CreationTime time.Time
	Lifetime     time.Duration

	ClientID  string
	Subject   *Subject
	SessionID string

	RequestedScopes []string
	RedirectURI     string
	Nonce           string

	// State is the authorize request's state parameter; the id_token
	// minted at redemption carries s_hash iff it was supplied.
	State string

	CodeChallenge       string
	CodeChallengeMethod ChallengeMethod

	// WasConsentShown records whether a consent interaction happened.
	WasConsentShown bool

	// IsOpenID marks requests that included the openid scope.
	IsOpenID bool
}

// RefreshToken is the server-side state behind a refresh token handle. The
// access token issued alongside it is embedded so refreshes can re-mint
// without re-running authorization.
type RefreshToken struct {
	CreationTime time.Time
	Lifetime     time.Duration

	// AccessToken is the token the handle can be exchanged for.
	AccessToken *Token
}

// SubjectID is the refresh token's subject.
func (t *RefreshToken) SubjectID() string {
	if t.AccessToken == nil {
		return ""
	}
	return t.AccessToken.SubjectID()
}

// SessionID is the session the token is bound to, if any.
func (t *RefreshToken) SessionID() string {
	if t.AccessToken == nil {
		return ""
	}
	return t.AccessToken.SessionID()
}

// ClientID is the client the token was issued to.
func (t *RefreshToken) ClientID() string {
	if t.AccessToken == nil {
		return ""
	}
	return t.AccessToken.ClientID
}

// Scopes are the scopes the token was issued for.
func (t *RefreshToken) Scopes() []string {
	if t.AccessToken == nil {
		return nil
	}
	return t.AccessToken.ScopeNames()
}

// DeviceCode is the server-side state for one device authorization flow,
// correlated across its two handles: the device code the client polls with
// and the user code the user enters in a browser.
type DeviceCode struct {
	CreationTime time.Time
	Lifetime     time.Duration

	ClientID string
	UserCode string

	// Interval is the minimum polling interval.
	Interval time.Duration

	// LastPolled paces the client; polling faster than Interval draws
	// slow_down.
	LastPolled time.Time

	RequestedScopes []string

	// IsOpenID marks requests that included the openid scope.
	IsOpenID bool

	// IsAuthorized is set once the user approved or denied; IsDenied
	// distinguishes the two.
	IsAuthorized bool
	IsDenied     bool

	// Subject, SessionID and AuthorizedScopes are populated on approval.
	Subject          *Subject
	SessionID        string
	AuthorizedScopes []string
}

// Consent is a subject's recorded approval of a client's scopes.
type Consent struct {
	SubjectID string
	ClientID  string
	Scopes    []string

	CreationTime time.Time

	// Expiration, when set, bounds how long the consent is honored.
	Expiration *time.Time
}

// hashedHandle derives the storage key for a handle. The raw handle never
// lands in the store; the type suffix keeps equal handles of different grant
// types from colliding.
func hashedHandle(handle, grantType string) string {
	return id.Hash(handle + ":" + grantType)
}

// grantMetadata is the envelope metadata stored alongside a serialized
// payload.
type grantMetadata struct {
	clientID    string
	subjectID   string
	sessionID   string
	description string
	creation    time.Time
	expiration  *time.Time
}

// grantStore persists one payload type into PersistedGrant envelopes. The
// typed stores below are thin façades over it.
type grantStore[T any] struct {
	grants    store.GrantStore
	grantType string
}

func newGrantStore[T any](grants store.GrantStore, grantType string) *grantStore[T] {
	return &grantStore[T]{grants: grants, grantType: grantType}
}

func (g *grantStore[T]) put(ctx context.Context, handle string, payload *T, meta grantMetadata) error {
	const op = "provider.grantStore.put"
	if handle == "" {
		return fmt.Errorf("%s: missing handle: %w", op, ErrInvalidParameter)
	}
	if payload == nil {
		return fmt.Errorf("%s: missing payload: %w", op, ErrNilParameter)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: unable to serialize %s: %w", op, g.grantType, err)
	}
	return g.grants.Store(ctx, &store.PersistedGrant{
		Key:          hashedHandle(handle, g.grantType),
		Type:         g.grantType,
		ClientID:     meta.clientID,
		SubjectID:    meta.subjectID,
		SessionID:    meta.sessionID,
		Description:  meta.description,
		CreationTime: meta.creation,
		Expiration:   meta.expiration,
		Data:         data,
	})
}

// get returns the payload for the handle, or nil when the handle is unknown
// or expired.
func (g *grantStore[T]) get(ctx context.Context, handle string) (*T, error) {
	const op = "provider.grantStore.get"
	if handle == "" {
		return nil, nil
	}
	grant, err := g.grants.Get(ctx, hashedHandle(handle, g.grantType))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var payload T
	if err := json.Unmarshal(grant.Data, &payload); err != nil {
		return nil, fmt.Errorf("%s: unable to deserialize %s: %w", op, g.grantType, err)
	}
	return &payload, nil
}

func (g *grantStore[T]) remove(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	return g.grants.Remove(ctx, hashedHandle(handle, g.grantType))
}

// consume reads the payload and atomically removes it. Only one of any
// number of concurrent callers for the same handle observes ok=true.
func (g *grantStore[T]) consume(ctx context.Context, handle string) (payload *T, ok bool, err error) {
	const op = "provider.grantStore.consume"
	if handle == "" {
		return nil, false, nil
	}
	payload, err = g.get(ctx, handle)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	if payload == nil {
		return nil, false, nil
	}
	existed, err := g.grants.RemoveIfExists(ctx, hashedHandle(handle, g.grantType))
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	if !existed {
		// another request consumed it between the read and the remove
		return nil, false, nil
	}
	return payload, true, nil
}

// authorizationCodeStore issues and redeems authorization codes.
type authorizationCodeStore struct {
	inner *grantStore[AuthorizationCode]
}

func newAuthorizationCodeStore(grants store.GrantStore) *authorizationCodeStore {
	return &authorizationCodeStore{inner: newGrantStore[AuthorizationCode](grants, store.GrantTypeAuthorizationCode)}
}

// Store persists the code under a fresh handle and returns the handle.
func (s *authorizationCodeStore) Store(ctx context.Context, code *AuthorizationCode) (string, error) {
	const op = "provider.(authorizationCodeStore).Store"
	handle, err := id.NewSecret()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
	}
	exp := code.CreationTime.Add(code.Lifetime)
	meta := grantMetadata{
		clientID:   code.ClientID,
		sessionID:  code.SessionID,
		creation:   code.CreationTime,
		expiration: &exp,
	}
	if code.Subject != nil {
		meta.subjectID = code.Subject.ID
	}
	if err := s.inner.put(ctx, handle, code, meta); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return handle, nil
}

// Consume redeems the handle exactly once.
func (s *authorizationCodeStore) Consume(ctx context.Context, handle string) (*AuthorizationCode, bool, error) {
	return s.inner.consume(ctx, handle)
}

// refreshTokenStore issues, refreshes and consumes refresh tokens.
type refreshTokenStore struct {
	inner *grantStore[RefreshToken]
}

func newRefreshTokenStore(grants store.GrantStore) *refreshTokenStore {
	return &refreshTokenStore{inner: newGrantStore[RefreshToken](grants, store.GrantTypeRefreshToken)}
}

func (s *refreshTokenStore) metadata(token *RefreshToken) grantMetadata {
	exp := token.CreationTime.Add(token.Lifetime)
	return grantMetadata{
		clientID:   token.ClientID(),
		subjectID:  token.SubjectID(),
		sessionID:  token.SessionID(),
		creation:   token.CreationTime,
		expiration: &exp,
	}
}

// Store persists the token under a fresh handle and returns the handle.
func (s *refreshTokenStore) Store(ctx context.Context, token *RefreshToken) (string, error) {
	const op = "provider.(refreshTokenStore).Store"
	handle, err := id.NewSecret()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
	}
	if err := s.inner.put(ctx, handle, token, s.metadata(token)); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return handle, nil
}

// Update rewrites the token under its existing handle (ReUse rotation
// policy, sliding expiration).
func (s *refreshTokenStore) Update(ctx context.Context, handle string, token *RefreshToken) error {
	return s.inner.put(ctx, handle, token, s.metadata(token))
}

// Get resolves the handle without consuming it.
func (s *refreshTokenStore) Get(ctx context.Context, handle string) (*RefreshToken, error) {
	return s.inner.get(ctx, handle)
}

// Consume atomically removes the handle (OneTimeOnly rotation policy).
func (s *refreshTokenStore) Consume(ctx context.Context, handle string) (*RefreshToken, bool, error) {
	return s.inner.consume(ctx, handle)
}

// Remove deletes the handle (revocation).
func (s *refreshTokenStore) Remove(ctx context.Context, handle string) error {
	return s.inner.remove(ctx, handle)
}

// referenceTokenStore stores access tokens server-side, keyed by the opaque
// handle that goes on the wire instead of a JWT.
type referenceTokenStore struct {
	inner *grantStore[Token]
}

func newReferenceTokenStore(grants store.GrantStore) *referenceTokenStore {
	return &referenceTokenStore{inner: newGrantStore[Token](grants, store.GrantTypeReferenceToken)}
}

// Store persists the token under a fresh handle and returns the handle.
func (s *referenceTokenStore) Store(ctx context.Context, token *Token) (string, error) {
	const op = "provider.(referenceTokenStore).Store"
	handle, err := id.NewSecret()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
	}
	exp := token.Expiration()
	meta := grantMetadata{
		clientID:   token.ClientID,
		subjectID:  token.SubjectID(),
		sessionID:  token.SessionID(),
		creation:   token.CreationTime,
		expiration: &exp,
	}
	if err := s.inner.put(ctx, handle, token, meta); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return handle, nil
}

// Get resolves the handle.
func (s *referenceTokenStore) Get(ctx context.Context, handle string) (*Token, error) {
	return s.inner.get(ctx, handle)
}

// Remove deletes the handle (revocation).
func (s *referenceTokenStore) Remove(ctx context.Context, handle string) error {
	return s.inner.remove(ctx, handle)
}

// userConsentStore persists consent decisions keyed deterministically by
// (subject, client).
type userConsentStore struct {
	inner *grantStore[Consent]
}

func newUserConsentStore(grants store.GrantStore) *userConsentStore {
	return &userConsentStore{inner: newGrantStore[Consent](grants, store.GrantTypeUserConsent)}
}

func consentHandle(subjectID, clientID string) string {
	return subjectID + "|" + clientID
}

// Store persists the consent.
func (s *userConsentStore) Store(ctx context.Context, consent *Consent) error {
	const op = "provider.(userConsentStore).Store"
	if consent == nil {
		return fmt.Errorf("%s: missing consent: %w", op, ErrNilParameter)
	}
	meta := grantMetadata{
		clientID:   consent.ClientID,
		subjectID:  consent.SubjectID,
		creation:   consent.CreationTime,
		expiration: consent.Expiration,
	}
	return s.inner.put(ctx, consentHandle(consent.SubjectID, consent.ClientID), consent, meta)
}

// Get returns the stored consent for (subject, client), or nil.
func (s *userConsentStore) Get(ctx context.Context, subjectID, clientID string) (*Consent, error) {
	return s.inner.get(ctx, consentHandle(subjectID, clientID))
}

// Remove deletes the stored consent for (subject, client).
func (s *userConsentStore) Remove(ctx context.Context, subjectID, clientID string) error {
	return s.inner.remove(ctx, consentHandle(subjectID, clientID))
}

// userCodeAlias maps a user code to the device code handle it belongs to.
type userCodeAlias struct {
	DeviceCodeHandle string
}

// deviceFlowStore persists device flow records, addressable by device code
// (polling) and by user code (verification UI).
type deviceFlowStore struct {
	codes   *grantStore[DeviceCode]
	aliases *grantStore[userCodeAlias]
	logger  hclog.Logger
}

func newDeviceFlowStore(grants store.GrantStore, logger hclog.Logger) *deviceFlowStore {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &deviceFlowStore{
		codes:   newGrantStore[DeviceCode](grants, store.GrantTypeDeviceCode),
		aliases: newGrantStore[userCodeAlias](grants, "user_code"),
		logger:  logger,
	}
}

func (s *deviceFlowStore) metadata(code *DeviceCode) grantMetadata {
	exp := code.CreationTime.Add(code.Lifetime)
	meta := grantMetadata{
		clientID:   code.ClientID,
		sessionID:  code.SessionID,
		creation:   code.CreationTime,
		expiration: &exp,
	}
	if code.Subject != nil {
		meta.subjectID = code.Subject.ID
	}
	return meta
}

// Store persists the record under the device code handle and indexes it by
// user code.
func (s *deviceFlowStore) Store(ctx context.Context, deviceCodeHandle string, code *DeviceCode) error {
	const op = "provider.(deviceFlowStore).Store"
	if err := s.codes.put(ctx, deviceCodeHandle, code, s.metadata(code)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	alias := &userCodeAlias{DeviceCodeHandle: deviceCodeHandle}
	if err := s.aliases.put(ctx, code.UserCode, alias, s.metadata(code)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FindByDeviceCode resolves the record being polled for.
func (s *deviceFlowStore) FindByDeviceCode(ctx context.Context, deviceCodeHandle string) (*DeviceCode, error) {
	return s.codes.get(ctx, deviceCodeHandle)
}

// FindByUserCode resolves the record behind a user code.
func (s *deviceFlowStore) FindByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	const op = "provider.(deviceFlowStore).FindByUserCode"
	alias, err := s.aliases.get(ctx, userCode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if alias == nil {
		return nil, nil
	}
	return s.codes.get(ctx, alias.DeviceCodeHandle)
}

// UpdateByUserCode rewrites the record after user approval/denial, or after
// a poll updates the pacing state via the device handle path.
func (s *deviceFlowStore) UpdateByUserCode(ctx context.Context, userCode string, code *DeviceCode) error {
	const op = "provider.(deviceFlowStore).UpdateByUserCode"
	alias, err := s.aliases.get(ctx, userCode)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if alias == nil {
		return fmt.Errorf("%s: unknown user code: %w", op, ErrInvalidParameter)
	}
	return s.codes.put(ctx, alias.DeviceCodeHandle, code, s.metadata(code))
}

// Update rewrites the record under its device code handle.
func (s *deviceFlowStore) Update(ctx context.Context, deviceCodeHandle string, code *DeviceCode) error {
	return s.codes.put(ctx, deviceCodeHandle, code, s.metadata(code))
}

// Consume redeems the device code exactly once and drops the user code
// alias.
func (s *deviceFlowStore) Consume(ctx context.Context, deviceCodeHandle string) (*DeviceCode, bool, error) {
	code, ok, err := s.codes.consume(ctx, deviceCodeHandle)
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := s.aliases.remove(ctx, code.UserCode); err != nil {
		// lazy expiration reclaims the alias eventually
		s.logger.Warn("unable to remove user code alias", "error", err)
	}
	return code, true, nil
}
