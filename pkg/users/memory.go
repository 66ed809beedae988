package users

import (
	"context"
	"sync"
	"time"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// MemoryStore is an in-process [Store] enforcing the same uniqueness rules
// as the users table.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[int64]models.User
	nextID int64
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]models.User), now: time.Now}
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	return s.find(func(u *models.User) bool { return u.Email == email }, "email", email)
}

func (s *MemoryStore) FindByUsername(_ context.Context, username string) (*models.User, error) {
	return s.find(func(u *models.User) bool { return u.Username == username }, "username", username)
}

func (s *MemoryStore) FindByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, notFound("id", id)
	}
	return &u, nil
}

func (s *MemoryStore) Save(ctx context.Context, u *models.User) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeTimeoutDatabase, "users: save canceled")
	}
	if err := u.Validate(); err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeValidation, "users: invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *u
	saved.Email = models.NormalizeEmail(saved.Email)
	saved.UpdatedAt = s.now().UTC()

	for id, existing := range s.byID {
		if id == saved.ID {
			continue
		}
		if existing.Email == saved.Email || existing.Username == saved.Username {
			return nil, cmerr.New(cmerr.CodeConflictAlreadyExists, "users: email or username already taken")
		}
	}

	if saved.ID == 0 {
		s.nextID++
		saved.ID = s.nextID
		if saved.CreatedAt.IsZero() {
			saved.CreatedAt = saved.UpdatedAt
		}
	} else if _, ok := s.byID[saved.ID]; !ok {
		return nil, notFound("id", saved.ID)
	}

	s.byID[saved.ID] = saved
	return &saved, nil
}

// Len returns the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *MemoryStore) find(match func(*models.User) bool, by string, value any) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if match(&u) {
			return &u, nil
		}
	}
	return nil, notFound(by, value)
}
