package refresh

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// MemoryStore keeps refresh tokens in process. It follows the same rules
// as [Store] and is meant for tests and single-instance development runs.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]models.RefreshToken
	now    func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return &MemoryStore{byHash: make(map[string]models.RefreshToken), now: s.now}
}

func (m *MemoryStore) Issue(ctx context.Context, userID int64, ttl time.Duration) (string, *models.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, cmerr.Wrap(err, cmerr.CodeTimeoutDatabase, "refresh: issue canceled")
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, cmerr.Wrap(err, cmerr.CodeInternal, "refresh: failed to generate token")
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	row, err := models.NewRefreshToken(userID, HashToken(token), ttl, m.now())
	if err != nil {
		return "", nil, cmerr.Wrap(err, cmerr.CodeValidation, "refresh: invalid token request")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[row.TokenHash] = *row
	return token, row, nil
}

func (m *MemoryStore) Lookup(_ context.Context, token string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.byHash[HashToken(token)]
	if !ok {
		return nil, cmerr.RefreshTokenNotFound()
	}
	if row.Expired(m.now()) {
		return nil, cmerr.RefreshTokenNotFound().WithDetail("reason", "expired")
	}
	return &row, nil
}

func (m *MemoryStore) Consume(_ context.Context, token string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := HashToken(token)
	row, ok := m.byHash[hash]
	if !ok {
		return nil, cmerr.RefreshTokenNotFound()
	}
	delete(m.byHash, hash)
	if row.Expired(m.now()) {
		return nil, cmerr.SessionExpired(nil).WithDetail("user_id", row.UserID)
	}
	return &row, nil
}

func (m *MemoryStore) RevokeAll(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, row := range m.byHash {
		if row.UserID == userID {
			delete(m.byHash, hash)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, row := range m.byHash {
		if row.ExpiresAt.Before(now) {
			delete(m.byHash, hash)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ActiveCount(_ context.Context, userID int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.byHash {
		if row.UserID == userID && row.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored tokens, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}
