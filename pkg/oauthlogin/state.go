package oauthlogin

import (
	"context"
	"time"

	"github.com/ClassMarket/classmarket-core/pkg/clients/redis"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// StateStore keeps the PKCE verifier of a pending login under its state
// parameter. Take must remove the entry so a state is usable once.
type StateStore interface {
	Save(ctx context.Context, state, verifier string, ttl time.Duration) error
	Take(ctx context.Context, state string) (string, error)
}

// RedisStateStore is a [StateStore] on Redis. Entries expire on their own,
// so abandoned logins leave nothing behind.
type RedisStateStore struct {
	client *redis.Client
}

var _ StateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) key(state string) string {
	return s.client.Key("oauth2", "state", state)
}

func (s *RedisStateStore) Save(ctx context.Context, state, verifier string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(state), verifier, ttl)
}

// Take returns and deletes the verifier for state. An unknown, expired or
// already used state is [cmerr.CodeAuthenticationInvalid].
func (s *RedisStateStore) Take(ctx context.Context, state string) (string, error) {
	verifier, err := s.client.GetDel(ctx, s.key(state))
	if cmerr.HasCode(err, cmerr.CodeNotFoundResource) {
		return "", errUnknownState
	}
	if err != nil {
		return "", err
	}
	return verifier, nil
}

var errUnknownState = cmerr.New(cmerr.CodeAuthenticationInvalid, "oauth2: unknown or expired login state")
