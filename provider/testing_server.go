package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIdentityServer runs the full provider pipeline behind a disposable
// HTTP server, so tests can drive it with stock OIDC client libraries. It is
// not an HTTP transport layer for production use; it is the minimum glue the
// core needs to be exercised end to end.
type TestIdentityServer struct {
	t          *testing.T
	httpServer *httptest.Server
	services   *TestServices

	mu      sync.Mutex
	subject *Subject
}

// StartTestIdentityServer starts the server with the given clients
// registered and the TestSubject "alice" signed in. The server stops when the
// test ends.
func StartTestIdentityServer(t *testing.T, clients []*Client, opt ...Option) *TestIdentityServer {
	t.Helper()
	s := &TestIdentityServer{t: t}
	s.httpServer = httptest.NewServer(s)
	t.Cleanup(s.httpServer.Close)
	s.services = StartTestServices(t, s.httpServer.URL, clients, opt...)
	s.subject = TestSubject(t, "alice")
	return s
}

// Addr is the server's base URL, which is also its issuer.
func (s *TestIdentityServer) Addr() string { return s.httpServer.URL }

// HTTPClient is a client configured for the test server.
func (s *TestIdentityServer) HTTPClient() *http.Client { return s.httpServer.Client() }

// Services exposes the underlying pipeline for direct assertions.
func (s *TestIdentityServer) Services() *TestServices { return s.services }

// SetSubject switches the signed-in user; nil signs everyone out.
func (s *TestIdentityServer) SetSubject(subject *Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject = subject
}

func (s *TestIdentityServer) currentSubject() *Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// ServeHTTP implements the test server's http.Handler.
func (s *TestIdentityServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		s.handleDiscovery(w, req)
	case "/.well-known/openid-configuration/jwks":
		s.writeJSON(w, s.services.Creator.KeySet())
	case "/connect/authorize":
		s.handleAuthorize(w, req)
	case "/connect/token":
		s.handleToken(w, req)
	case "/connect/userinfo":
		s.handleUserInfo(w, req)
	case "/connect/deviceauthorization":
		s.handleDeviceAuthorization(w, req)
	case "/connect/introspect":
		s.handleIntrospection(w, req)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *TestIdentityServer) writeJSON(w http.ResponseWriter, out interface{}) {
	s.t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(s.t, json.NewEncoder(w).Encode(out))
}

func (s *TestIdentityServer) handleDiscovery(w http.ResponseWriter, req *http.Request) {
	doc, err := s.services.Discovery.CreateDiscoveryDocument(req.Context())
	require.NoError(s.t, err)
	s.writeJSON(w, doc)
}

// handleAuthorize validates the request, auto-resolves any interaction
// (remembered consent is recorded for the full scope set) and redirects with
// the response artifacts.
func (s *TestIdentityServer) handleAuthorize(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	require := require.New(s.t)

	result, err := s.services.AuthorizeValidator.Validate(ctx, req.URL.Query(), s.currentSubject())
	require.NoError(err)
	if result.IsError {
		if result.Request.RedirectURI == "" {
			http.Error(w, result.Error, http.StatusBadRequest)
			return
		}
		http.Redirect(w, req, ErrorRedirectURL(result.Request, result.Error, result.ErrorDescription), http.StatusFound)
		return
	}

	authReq := result.Request
	interaction, err := s.services.Interaction.Evaluate(ctx, authReq)
	require.NoError(err)
	switch {
	case interaction.IsError:
		http.Redirect(w, req, ErrorRedirectURL(authReq, interaction.Error, interaction.ErrorDescription), http.StatusFound)
		return
	case interaction.IsLogin:
		// no interactive login in the test server; behave like a user who
		// never signs in
		http.Redirect(w, req, ErrorRedirectURL(authReq, ErrorLoginRequired, ""), http.StatusFound)
		return
	case interaction.IsConsent:
		// auto-approve everything the request asked for
		err = s.services.Consent.UpdateConsent(ctx, authReq.Subject, authReq.Client, authReq.Scopes())
		require.NoError(err)
		authReq.WasConsentShown = true
	}

	response, err := s.services.AuthorizeResponses.Process(ctx, authReq)
	require.NoError(err)
	http.Redirect(w, req, response.RedirectURL(), http.StatusFound)
}

func (s *TestIdentityServer) handleToken(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	require := require.New(s.t)
	require.NoError(req.ParseForm())

	clientID, secret := req.PostForm.Get(ParamClientID), ClientSecret(req.PostForm.Get(ParamClientSecret))
	if basicID, basicSecret, ok := req.BasicAuth(); ok {
		clientID, secret = basicID, ClientSecret(basicSecret)
	}
	client, err := s.services.ClientAuth.Validate(ctx, clientID, secret)
	require.NoError(err)
	if client == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		require.NoError(json.NewEncoder(w).Encode(TokenErrorResponse{Error: ErrorInvalidClient}))
		return
	}

	result, err := s.services.TokenValidator.Validate(ctx, req.PostForm, client)
	require.NoError(err)
	if result.IsError {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		require.NoError(json.NewEncoder(w).Encode(TokenErrorResponse{
			Error:            result.Error,
			ErrorDescription: result.ErrorDescription,
		}))
		return
	}

	response, err := s.services.TokenResponses.Process(ctx, result)
	require.NoError(err)
	s.writeJSON(w, response)
}

func (s *TestIdentityServer) handleUserInfo(w http.ResponseWriter, req *http.Request) {
	const bearerPrefix = "Bearer "
	auth := req.Header.Get("Authorization")
	if len(auth) <= len(bearerPrefix) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	claims, err := verifyIssuedJWT(s.services.Creator, auth[len(bearerPrefix):])
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	out := map[string]interface{}{"sub": claims["sub"]}
	for _, claimType := range []string{ClaimName, ClaimEmail} {
		if v, ok := claims[claimType]; ok {
			out[claimType] = v
		}
	}
	s.writeJSON(w, out)
}

func (s *TestIdentityServer) handleDeviceAuthorization(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	require := require.New(s.t)
	require.NoError(req.ParseForm())

	client, err := s.services.ClientAuth.Validate(ctx, req.PostForm.Get(ParamClientID), ClientSecret(req.PostForm.Get(ParamClientSecret)))
	require.NoError(err)
	if client == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	result, err := s.services.Device.Validate(ctx, req.PostForm, client)
	require.NoError(err)
	if result.IsError {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		require.NoError(json.NewEncoder(w).Encode(TokenErrorResponse{Error: result.Error}))
		return
	}
	response, err := s.services.Device.CreateResponse(ctx, result.Request)
	require.NoError(err)
	s.writeJSON(w, response)
}

func (s *TestIdentityServer) handleIntrospection(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	require := require.New(s.t)
	require.NoError(req.ParseForm())

	apiName, apiSecret, _ := req.BasicAuth()
	api, err := s.services.APIAuth.Validate(ctx, apiName, ClientSecret(apiSecret))
	require.NoError(err)
	if api == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	result, err := s.services.Introspection.Introspect(ctx, req.PostForm.Get(ParamToken), api)
	require.NoError(err)
	s.writeJSON(w, result)
}
