package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/stewartm83/identityserver/sdk/strutils"
)

// EndSessionValidationResult is the outcome of validating an end-session
// request. End-session is deliberately forgiving: a bad hint or redirect
// degrades the request to a plain logout rather than failing it, so the only
// hard error is a broken store.
type EndSessionValidationResult struct {
	Request *ValidatedEndSessionRequest
}

// EndSessionRequestValidator validates end-session (logout) requests.
type EndSessionRequestValidator struct {
	issuer  string
	clients ClientStore
	creator TokenCreator
	logger  hclog.Logger
}

// NewEndSessionRequestValidator creates the validator.
// Supported options: WithLogger
func NewEndSessionRequestValidator(issuer string, clients ClientStore, creator TokenCreator, opt ...Option) (*EndSessionRequestValidator, error) {
	const op = "provider.NewEndSessionRequestValidator"
	if issuer == "" {
		return nil, fmt.Errorf("%s: missing issuer: %w", op, ErrInvalidParameter)
	}
	if clients == nil {
		return nil, fmt.Errorf("%s: missing client store: %w", op, ErrNilParameter)
	}
	if creator == nil {
		return nil, fmt.Errorf("%s: missing token creator: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &EndSessionRequestValidator{
		issuer:  issuer,
		clients: clients,
		creator: creator,
		logger:  opts.withLogger,
	}, nil
}

// Validate checks the id_token_hint and post_logout_redirect_uri. The
// redirect is honored only when the hint verifies, identifies a known client
// and the URI exactly matches one the client registered; otherwise the
// redirect and state are dropped and logout proceeds without them.
func (v *EndSessionRequestValidator) Validate(ctx context.Context, parameters url.Values, subject *Subject) (*EndSessionValidationResult, error) {
	const op = "provider.(EndSessionRequestValidator).Validate"
	if parameters == nil {
		return nil, fmt.Errorf("%s: missing parameters: %w", op, ErrNilParameter)
	}

	req := &ValidatedEndSessionRequest{
		ValidatedRequest: ValidatedRequest{Raw: parameters, Subject: subject},
	}
	if subject != nil {
		req.SessionID = subject.SessionID
	}
	result := &EndSessionValidationResult{Request: req}

	hint := parameters.Get(ParamIDTokenHint)
	if hint == "" {
		return result, nil
	}

	claims, err := verifyIssuedJWT(v.creator, hint)
	if err != nil {
		v.logger.Info("end session with unverifiable id_token_hint")
		return result, nil
	}
	if iss, _ := claims["iss"].(string); iss != v.issuer {
		return result, nil
	}
	if subject != nil {
		if sub, _ := claims["sub"].(string); sub != "" && sub != subject.ID {
			// a hint for somebody else's session buys nothing
			v.logger.Info("end session id_token_hint subject mismatch", "subject_id", subject.ID)
			return result, nil
		}
	}

	clientID := hintClientID(claims)
	if clientID == "" {
		return result, nil
	}
	client, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%s: client store failed: %w", op, err)
	}
	if client == nil || !client.Enabled {
		return result, nil
	}
	req.Client = client

	redirect := parameters.Get(ParamPostLogoutRedirect)
	if redirect != "" && strutils.StrListContains(client.PostLogoutRedirectURIs, redirect) {
		req.PostLogoutRedirectURI = redirect
		req.State = parameters.Get(ParamState)
	}
	return result, nil
}

// hintClientID extracts the client from an id_token's claims. The aud of an
// id_token is the client id.
func hintClientID(claims map[string]interface{}) string {
	switch aud := claims["aud"].(type) {
	case string:
		return aud
	case []interface{}:
		if len(aud) == 1 {
			s, _ := aud[0].(string)
			return s
		}
	}
	return ""
}

// LogoutNotificationService notifies clients that participated in a session
// when that session ends: front-channel via iframe URLs the logout page
// renders, back-channel via signed logout tokens POSTed server to server.
type LogoutNotificationService struct {
	issuer     string
	clients    ClientStore
	tokens     *TokenService
	httpClient *http.Client
	logger     hclog.Logger
}

// NewLogoutNotificationService creates the service. httpClient is used for
// back-channel POSTs; see the sdk http package for a suitable constructor.
// Supported options: WithLogger
func NewLogoutNotificationService(issuer string, clients ClientStore, tokens *TokenService, httpClient *http.Client, opt ...Option) (*LogoutNotificationService, error) {
	const op = "provider.NewLogoutNotificationService"
	if issuer == "" {
		return nil, fmt.Errorf("%s: missing issuer: %w", op, ErrInvalidParameter)
	}
	if clients == nil {
		return nil, fmt.Errorf("%s: missing client store: %w", op, ErrNilParameter)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%s: missing token service: %w", op, ErrNilParameter)
	}
	if httpClient == nil {
		return nil, fmt.Errorf("%s: missing http client: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &LogoutNotificationService{
		issuer:     issuer,
		clients:    clients,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     opts.withLogger,
	}, nil
}

// FrontChannelLogoutURLs builds the iframe source URLs for the clients in
// the ended session that registered a front-channel logout URI. Each URL
// carries iss and sid so the client can correlate the session.
func (s *LogoutNotificationService) FrontChannelLogoutURLs(ctx context.Context, clientIDs []string, sessionID string) ([]string, error) {
	const op = "provider.(LogoutNotificationService).FrontChannelLogoutURLs"
	var urls []string
	for _, clientID := range clientIDs {
		client, err := s.clients.FindClientByID(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("%s: client store failed: %w", op, err)
		}
		if client == nil || client.FrontChannelLogoutURI == "" {
			continue
		}
		params := url.Values{}
		params.Set("iss", s.issuer)
		if sessionID != "" {
			params.Set("sid", sessionID)
		}
		target := client.FrontChannelLogoutURI
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		urls = append(urls, target+sep+params.Encode())
	}
	return urls, nil
}

// SendBackChannelLogouts mints and POSTs a logout token to each client in
// the ended session that registered a back-channel logout URI. Delivery
// failures are logged and do not stop the remaining notifications; the
// returned error aggregates them for observability only, logout itself has
// already happened.
func (s *LogoutNotificationService) SendBackChannelLogouts(ctx context.Context, clientIDs []string, subjectID, sessionID string) error {
	const op = "provider.(LogoutNotificationService).SendBackChannelLogouts"
	var errs *multierror.Error
	for _, clientID := range clientIDs {
		client, err := s.clients.FindClientByID(ctx, clientID)
		if err != nil {
			return fmt.Errorf("%s: client store failed: %w", op, err)
		}
		if client == nil || client.BackChannelLogoutURI == "" {
			continue
		}
		if err := s.sendOne(ctx, client, subjectID, sessionID); err != nil {
			s.logger.Warn("back-channel logout delivery failed", "client_id", client.ID, "error", err)
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *LogoutNotificationService) sendOne(ctx context.Context, client *Client, subjectID, sessionID string) error {
	token, err := s.tokens.CreateLogoutToken(ctx, client, subjectID, sessionID)
	if err != nil {
		return err
	}
	raw, err := s.tokens.CreateSecurityToken(ctx, token)
	if err != nil {
		return err
	}

	body := url.Values{"logout_token": {raw}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.BackChannelLogoutURI, strings.NewReader(body.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, client.BackChannelLogoutURI)
	}
	return nil
}
