package provider

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
	"github.com/stewartm83/identityserver/sdk/id"
)

// UserCodeGenerator produces the short codes users type into the
// verification page. Generators only produce candidates; uniqueness is
// enforced by the device flow service's collision retry.
type UserCodeGenerator interface {
	Generate() (string, error)
}

// NumericUserCodeGenerator generates 9-digit numeric user codes.
type NumericUserCodeGenerator struct{}

// ensure that NumericUserCodeGenerator implements the UserCodeGenerator
// interface.
var _ UserCodeGenerator = (*NumericUserCodeGenerator)(nil)

const numericUserCodeDigits = 9

// Generate returns a zero-padded 9-digit code.
func (NumericUserCodeGenerator) Generate() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < numericUserCodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("unable to generate user code: %w", err)
	}
	return fmt.Sprintf("%0*d", numericUserCodeDigits, n), nil
}

// userCodeRetryBudget bounds the collision retry loop when storing a new
// device authorization.
const userCodeRetryBudget = 5

// DeviceAuthorizationResponse is the wire response of the device
// authorization endpoint.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// DeviceFlowService validates device authorization requests, mints the
// device and user code pair and handles the user-facing approval side.
type DeviceFlowService struct {
	resources       *ResourceValidator
	devices         *deviceFlowStore
	userCodes       UserCodeGenerator
	verificationURI string
	sink            EventSink
	logger          hclog.Logger
	now             func() time.Time
}

// NewDeviceFlowService creates the service. verificationURI is the absolute
// URI of the user-facing verification page, published verbatim in responses.
// Supported options: WithLogger, WithNow, WithEventSink, WithUserCodeGenerator
func NewDeviceFlowService(resources *ResourceValidator, grants store.GrantStore, verificationURI string, opt ...Option) (*DeviceFlowService, error) {
	const op = "provider.NewDeviceFlowService"
	if resources == nil {
		return nil, fmt.Errorf("%s: missing resource validator: %w", op, ErrNilParameter)
	}
	if grants == nil {
		return nil, fmt.Errorf("%s: missing grant store: %w", op, ErrNilParameter)
	}
	if verificationURI == "" {
		return nil, fmt.Errorf("%s: missing verification uri: %w", op, ErrInvalidParameter)
	}
	opts := getDeviceFlowOpts(opt...)
	return &DeviceFlowService{
		resources:       resources,
		devices:         newDeviceFlowStore(grants, opts.common.withLogger),
		userCodes:       opts.withUserCodeGenerator,
		verificationURI: verificationURI,
		sink:            opts.common.withEventSink,
		logger:          opts.common.withLogger,
		now:             opts.common.withNowFn,
	}, nil
}

// DeviceAuthorizationResult is the outcome of validating a device
// authorization request.
type DeviceAuthorizationResult struct {
	Request *ValidatedDeviceAuthorizationRequest

	IsError          bool
	Error            string
	ErrorDescription string
}

// Validate checks a device authorization request for an authenticated
// client.
func (s *DeviceFlowService) Validate(ctx context.Context, parameters url.Values, client *Client) (*DeviceAuthorizationResult, error) {
	const op = "provider.(DeviceFlowService).Validate"
	if parameters == nil {
		return nil, fmt.Errorf("%s: missing parameters: %w", op, ErrNilParameter)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}

	req := &ValidatedDeviceAuthorizationRequest{
		ValidatedRequest: ValidatedRequest{Raw: parameters, Client: client},
	}
	deviceError := func(code, description string) *DeviceAuthorizationResult {
		return &DeviceAuthorizationResult{Request: req, IsError: true, Error: code, ErrorDescription: description}
	}

	if !client.allowsGrantType(GrantTypeDeviceCode) {
		return deviceError(ErrorUnauthorizedClient, ""), nil
	}

	requested := ParseScopes(parameters.Get(ParamScope))
	if len(requested) == 0 {
		requested = client.AllowedScopes
	}
	resources, err := s.resources.Validate(ctx, client, requested)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !resources.Succeeded() {
		return deviceError(ErrorInvalidScope, ""), nil
	}
	req.ValidatedResources = resources
	return &DeviceAuthorizationResult{Request: req}, nil
}

// CreateResponse mints the device and user code pair for a validated
// request. User code generation retries on collision within a fixed budget;
// exhausting the budget is an operational failure, not a protocol error.
func (s *DeviceFlowService) CreateResponse(ctx context.Context, req *ValidatedDeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	const op = "provider.(DeviceFlowService).CreateResponse"
	if req == nil || req.Client == nil {
		return nil, fmt.Errorf("%s: missing request: %w", op, ErrNilParameter)
	}

	deviceCodeHandle, err := id.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
	}

	var userCode string
	for attempt := 0; attempt < userCodeRetryBudget; attempt++ {
		candidate, err := s.userCodes.Generate()
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
		}
		existing, err := s.devices.FindByUserCode(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if existing == nil {
			userCode = candidate
			break
		}
		s.logger.Debug("user code collision, retrying", "attempt", attempt+1)
	}
	if userCode == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrUserCodeSpaceExhausted)
	}

	client := req.Client
	code := &DeviceCode{
		CreationTime:    s.now(),
		Lifetime:        client.deviceCodeLifetime(),
		ClientID:        client.ID,
		UserCode:        userCode,
		Interval:        client.pollingInterval(),
		RequestedScopes: req.Scopes(),
		IsOpenID:        strListContainsOpenID(req.Scopes()),
	}
	if err := s.devices.Store(ctx, deviceCodeHandle, code); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	raiseEvent(ctx, s.sink, s.logger, Event{
		Category: "device",
		Name:     "device authorization created",
		Type:     EventTypeSuccess,
		ClientID: client.ID,
	})

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCodeHandle,
		UserCode:                userCode,
		VerificationURI:         s.verificationURI,
		VerificationURIComplete: s.verificationURI + "?user_code=" + url.QueryEscape(userCode),
		ExpiresIn:               int64(code.Lifetime / time.Second),
		Interval:                int64(code.Interval / time.Second),
	}, nil
}

// FindByUserCode resolves the pending authorization a user code refers to,
// for display on the verification page. Returns nil when the code is unknown
// or expired.
func (s *DeviceFlowService) FindByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	const op = "provider.(DeviceFlowService).FindByUserCode"
	code, err := s.devices.FindByUserCode(ctx, userCode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return code, nil
}

// Approve records the user's approval of the device authorization,
// attaching the subject and the scopes actually granted.
func (s *DeviceFlowService) Approve(ctx context.Context, userCode string, subject *Subject, grantedScopes []string) error {
	const op = "provider.(DeviceFlowService).Approve"
	if subject == nil {
		return fmt.Errorf("%s: missing subject: %w", op, ErrNilParameter)
	}
	code, err := s.devices.FindByUserCode(ctx, userCode)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if code == nil {
		return fmt.Errorf("%s: unknown user code: %w", op, store.ErrNotFound)
	}
	code.IsAuthorized = true
	code.IsDenied = false
	code.Subject = subject
	code.SessionID = subject.SessionID
	code.AuthorizedScopes = grantedScopes
	if err := s.devices.UpdateByUserCode(ctx, userCode, code); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	raiseEvent(ctx, s.sink, s.logger, Event{
		Category:  "device",
		Name:      "device authorization approved",
		Type:      EventTypeSuccess,
		ClientID:  code.ClientID,
		SubjectID: subject.ID,
	})
	return nil
}

// Deny records the user's refusal; the polling client gets access_denied.
func (s *DeviceFlowService) Deny(ctx context.Context, userCode string) error {
	const op = "provider.(DeviceFlowService).Deny"
	code, err := s.devices.FindByUserCode(ctx, userCode)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if code == nil {
		return fmt.Errorf("%s: unknown user code: %w", op, store.ErrNotFound)
	}
	code.IsAuthorized = true
	code.IsDenied = true
	if err := s.devices.UpdateByUserCode(ctx, userCode, code); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func strListContainsOpenID(scopes []string) bool {
	for _, s := range scopes {
		if s == ScopeOpenID {
			return true
		}
	}
	return false
}

// WithUserCodeGenerator overrides the default numeric user code generator.
func WithUserCodeGenerator(g UserCodeGenerator) Option {
	return func(o interface{}) {
		if v, ok := o.(*deviceFlowOptions); ok && g != nil {
			v.withUserCodeGenerator = g
		}
	}
}

type deviceFlowOptions struct {
	common                commonOptions
	withUserCodeGenerator UserCodeGenerator
}

func getDeviceFlowOpts(opt ...Option) deviceFlowOptions {
	opts := deviceFlowOptions{
		common:                commonDefaults(),
		withUserCodeGenerator: NumericUserCodeGenerator{},
	}
	for _, o := range opt {
		o(&opts)
		o(&opts.common)
	}
	if opts.common.withEventSink == nil {
		opts.common.withEventSink = NewLoggerEventSink(opts.common.withLogger)
	}
	return opts
}
