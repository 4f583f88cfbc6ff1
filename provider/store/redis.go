package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
)

// Redis is a GrantStore backed by a Redis instance. Grants are stored as JSON
// under a namespaced key with a TTL derived from the grant's expiration, so
// expired grants disappear without any sweeping by the provider. Secondary
// index sets per subject, session, client and type support the filtered bulk
// operations.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// ensure that Redis implements the GrantStore interface.
var _ GrantStore = (*Redis)(nil)

// NewRedis creates a grant store on top of an existing Redis client.
// Supported options: WithNow, WithKeyPrefix
func NewRedis(client redis.UniversalClient, opt ...Option) (*Redis, error) {
	const op = "store.NewRedis"
	if client == nil {
		return nil, fmt.Errorf("%s: missing redis client: %w", op, ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	return &Redis{
		client: client,
		prefix: opts.withKeyPrefix,
		now:    opts.withNowFn,
	}, nil
}

func (s *Redis) grantKey(key string) string {
	return fmt.Sprintf("%s:grant:%s", s.prefix, key)
}

func (s *Redis) indexKeys(g *PersistedGrant) []string {
	keys := []string{fmt.Sprintf("%s:idx:all", s.prefix)}
	if g.SubjectID != "" {
		keys = append(keys, fmt.Sprintf("%s:idx:sub:%s", s.prefix, g.SubjectID))
	}
	if g.SessionID != "" {
		keys = append(keys, fmt.Sprintf("%s:idx:session:%s", s.prefix, g.SessionID))
	}
	if g.ClientID != "" {
		keys = append(keys, fmt.Sprintf("%s:idx:client:%s", s.prefix, g.ClientID))
	}
	if g.Type != "" {
		keys = append(keys, fmt.Sprintf("%s:idx:type:%s", s.prefix, g.Type))
	}
	return keys
}

// Store persists the grant, replacing any grant with the same key.
func (s *Redis) Store(ctx context.Context, grant *PersistedGrant) error {
	const op = "store.(Redis).Store"
	if grant == nil {
		return fmt.Errorf("%s: missing grant: %w", op, ErrNilParameter)
	}
	if grant.Key == "" {
		return fmt.Errorf("%s: missing grant key: %w", op, ErrInvalidParameter)
	}
	raw, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal grant: %w", op, err)
	}

	var ttl time.Duration
	if grant.Expiration != nil {
		ttl = grant.Expiration.Sub(s.now())
		if ttl <= 0 {
			// already expired; storing it would be a no-op for readers
			return nil
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.grantKey(grant.Key), raw, ttl)
	for _, idx := range s.indexKeys(grant) {
		pipe.SAdd(ctx, idx, grant.Key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: unable to store grant: %w", op, err)
	}
	return nil
}

// Get returns the grant for the key or ErrNotFound.
func (s *Redis) Get(ctx context.Context, key string) (*PersistedGrant, error) {
	const op = "store.(Redis).Get"
	if key == "" {
		return nil, fmt.Errorf("%s: missing key: %w", op, ErrInvalidParameter)
	}
	raw, err := s.client.Get(ctx, s.grantKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("%s: %q: %w", op, key, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: unable to get grant: %w", op, err)
	}
	var g PersistedGrant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal grant: %w", op, err)
	}
	// the TTL usually handles this; the explicit check covers stores
	// written by a process with a skewed clock
	if g.Expired(s.now()) {
		_ = s.client.Del(ctx, s.grantKey(key)).Err()
		return nil, fmt.Errorf("%s: %q: %w", op, key, ErrNotFound)
	}
	return &g, nil
}

// GetAll returns a snapshot of unexpired grants matching the filter.
func (s *Redis) GetAll(ctx context.Context, filter GrantFilter) ([]*PersistedGrant, error) {
	const op = "store.(Redis).GetAll"
	index := s.narrowestIndex(filter)
	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read grant index: %w", op, err)
	}
	var matched []*PersistedGrant
	now := s.now()
	for _, key := range members {
		raw, err := s.client.Get(ctx, s.grantKey(key)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// expired or removed; prune the stale index member
			_ = s.client.SRem(ctx, index, key).Err()
			s.pruneIndexes(ctx, key)
			continue
		case err != nil:
			return nil, fmt.Errorf("%s: unable to get grant: %w", op, err)
		}
		var g PersistedGrant
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("%s: unable to unmarshal grant: %w", op, err)
		}
		if g.Expired(now) {
			continue
		}
		if filter.Matches(&g) {
			matched = append(matched, &g)
		}
	}
	return matched, nil
}

// Remove deletes the grant for the key.
func (s *Redis) Remove(ctx context.Context, key string) error {
	const op = "store.(Redis).Remove"
	if key == "" {
		return fmt.Errorf("%s: missing key: %w", op, ErrInvalidParameter)
	}
	_, err := s.RemoveIfExists(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RemoveIfExists deletes the grant for the key and reports whether it
// existed. DEL's reply count makes the consume-then-replace race safe: when
// two callers race, Redis answers 1 to exactly one of them.
func (s *Redis) RemoveIfExists(ctx context.Context, key string) (bool, error) {
	const op = "store.(Redis).RemoveIfExists"
	if key == "" {
		return false, fmt.Errorf("%s: missing key: %w", op, ErrInvalidParameter)
	}
	// read first so the secondary indexes can be pruned; the DEL reply
	// count stays the single arbiter of who consumed the grant
	var indexes []string
	if raw, err := s.client.Get(ctx, s.grantKey(key)).Bytes(); err == nil {
		var g PersistedGrant
		if err := json.Unmarshal(raw, &g); err == nil {
			indexes = s.indexKeys(&g)
		}
	}
	n, err := s.client.Del(ctx, s.grantKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%s: unable to remove grant: %w", op, err)
	}
	for _, idx := range indexes {
		_ = s.client.SRem(ctx, idx, key).Err()
	}
	s.pruneIndexes(ctx, key)
	return n > 0, nil
}

// RemoveAll deletes every grant matching the filter.
func (s *Redis) RemoveAll(ctx context.Context, filter GrantFilter) error {
	const op = "store.(Redis).RemoveAll"
	matched, err := s.GetAll(ctx, filter)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var errs *multierror.Error
	for _, g := range matched {
		if err := s.Remove(ctx, g.Key); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// narrowestIndex picks the most selective index set the filter allows.
func (s *Redis) narrowestIndex(filter GrantFilter) string {
	switch {
	case filter.SubjectID != "":
		return fmt.Sprintf("%s:idx:sub:%s", s.prefix, filter.SubjectID)
	case filter.SessionID != "":
		return fmt.Sprintf("%s:idx:session:%s", s.prefix, filter.SessionID)
	case filter.ClientID != "":
		return fmt.Sprintf("%s:idx:client:%s", s.prefix, filter.ClientID)
	case len(filter.Types) == 1:
		return fmt.Sprintf("%s:idx:type:%s", s.prefix, filter.Types[0])
	default:
		return fmt.Sprintf("%s:idx:all", s.prefix)
	}
}

// pruneIndexes removes a grant key from every index set it could be a member
// of. Membership is cheap to over-remove; SRem on a non-member is a no-op.
func (s *Redis) pruneIndexes(ctx context.Context, key string) {
	// the per-subject/session/client sets can't be computed without the
	// grant itself, which is already gone; those members are pruned lazily
	// by GetAll when it discovers them missing
	_ = s.client.SRem(ctx, fmt.Sprintf("%s:idx:all", s.prefix), key).Err()
}
