package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stewartm83/identityserver/provider/store"
)

// RefreshTokenService issues and rotates refresh tokens according to the
// client's usage and expiration policies.
type RefreshTokenService struct {
	tokens *refreshTokenStore
	logger hclog.Logger
	now    func() time.Time
}

// NewRefreshTokenService creates the service over the grant store.
// Supported options: WithLogger, WithNow
func NewRefreshTokenService(grants store.GrantStore, opt ...Option) (*RefreshTokenService, error) {
	const op = "provider.NewRefreshTokenService"
	if grants == nil {
		return nil, fmt.Errorf("%s: missing grant store: %w", op, ErrNilParameter)
	}
	opts := getCommonOpts(opt...)
	return &RefreshTokenService{
		tokens: newRefreshTokenStore(grants),
		logger: opts.withLogger,
		now:    opts.withNowFn,
	}, nil
}

// CreateRefreshToken stores a new refresh token wrapping the access token
// and returns its handle. Under the sliding policy the initial lifetime is
// the sliding window, bounded by the absolute ceiling.
func (s *RefreshTokenService) CreateRefreshToken(ctx context.Context, client *Client, accessToken *Token) (string, error) {
	const op = "provider.(RefreshTokenService).CreateRefreshToken"
	if client == nil {
		return "", fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}
	if accessToken == nil {
		return "", fmt.Errorf("%s: missing access token: %w", op, ErrNilParameter)
	}

	lifetime := client.absoluteRefreshTokenLifetime()
	if client.RefreshTokenExpiration == TokenExpirationSliding {
		if sliding := client.slidingRefreshTokenLifetime(); sliding < lifetime {
			lifetime = sliding
		}
	}

	handle, err := s.tokens.Store(ctx, &RefreshToken{
		CreationTime: s.now(),
		Lifetime:     lifetime,
		AccessToken:  accessToken,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Debug("refresh token created", "client_id", client.ID, "sub", accessToken.SubjectID())
	return handle, nil
}

// UpdateRefreshToken is called after a successful refresh grant. Under
// OneTimeOnly the old handle has already been consumed during validation and
// a fresh handle is issued; under ReUse the stored token is updated in place
// and the handle survives. Under the sliding policy the lifetime is extended
// by the sliding window, never past the absolute ceiling measured from the
// token's creation.
func (s *RefreshTokenService) UpdateRefreshToken(ctx context.Context, handle string, token *RefreshToken, client *Client) (string, error) {
	const op = "provider.(RefreshTokenService).UpdateRefreshToken"
	if handle == "" {
		return "", fmt.Errorf("%s: missing handle: %w", op, ErrInvalidParameter)
	}
	if token == nil {
		return "", fmt.Errorf("%s: missing refresh token: %w", op, ErrNilParameter)
	}
	if client == nil {
		return "", fmt.Errorf("%s: missing client: %w", op, ErrNilParameter)
	}

	if client.RefreshTokenExpiration == TokenExpirationSliding {
		consumed := s.now().Sub(token.CreationTime)
		extended := consumed + client.slidingRefreshTokenLifetime()
		if ceiling := client.absoluteRefreshTokenLifetime(); extended > ceiling {
			extended = ceiling
		}
		if extended > token.Lifetime {
			token.Lifetime = extended
		}
	}

	if client.RefreshTokenUsage == TokenUsageOneTimeOnly {
		newHandle, err := s.tokens.Store(ctx, token)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		s.logger.Debug("refresh token rotated", "client_id", client.ID)
		return newHandle, nil
	}

	if err := s.tokens.Update(ctx, handle, token); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return handle, nil
}

// GetRefreshToken resolves a handle, returning nil when it is unknown or
// expired.
func (s *RefreshTokenService) GetRefreshToken(ctx context.Context, handle string) (*RefreshToken, error) {
	const op = "provider.(RefreshTokenService).GetRefreshToken"
	token, err := s.tokens.Get(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

// ConsumeRefreshToken atomically removes the handle, reporting whether this
// caller won the removal. Exactly one concurrent caller wins.
func (s *RefreshTokenService) ConsumeRefreshToken(ctx context.Context, handle string) (*RefreshToken, bool, error) {
	const op = "provider.(RefreshTokenService).ConsumeRefreshToken"
	token, ok, err := s.tokens.Consume(ctx, handle)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return token, ok, nil
}

// RemoveRefreshToken deletes the handle outright (token revocation).
func (s *RefreshTokenService) RemoveRefreshToken(ctx context.Context, handle string) error {
	const op = "provider.(RefreshTokenService).RemoveRefreshToken"
	if err := s.tokens.Remove(ctx, handle); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
