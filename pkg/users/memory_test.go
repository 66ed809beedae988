package users

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

func TestMemoryStore_SaveAndFind(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	u, err := models.NewLocalUser("alice", "Alice@Example.com", "hash", time.Now())
	require.NoError(t, err)
	saved, err := s.Save(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.ID)

	byEmail, err := s.FindByEmail(ctx, "ALICE@example.com ")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byEmail.ID)

	byName, err := s.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byName.Email)

	byID, err := s.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	_, err = s.FindByID(ctx, 42)
	assert.True(t, cmerr.HasCode(err, cmerr.CodeNotFoundUser))
}

func TestMemoryStore_Conflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := models.NewExternalUser("dup@example.com", models.ProviderOAuth2, "a", "", time.Now())
	b, _ := models.NewExternalUser("dup@example.com", models.ProviderMobile, "b", "", time.Now())

	_, err := s.Save(ctx, a)
	require.NoError(t, err)
	_, err = s.Save(ctx, b)
	assert.True(t, cmerr.HasCode(err, cmerr.CodeConflictAlreadyExists))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Update(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	u, _ := models.NewExternalUser("up@example.com", models.ProviderOAuth2, "a", "", time.Now())
	saved, err := s.Save(ctx, u)
	require.NoError(t, err)

	saved.AvatarURL = "https://img.example.com/a.png"
	_, err = s.Save(ctx, saved)
	require.NoError(t, err)

	got, err := s.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/a.png", got.AvatarURL)

	ghost := *saved
	ghost.ID = 77
	ghost.Email = "ghost@example.com"
	ghost.Username = "ghost"
	_, err = s.Save(ctx, &ghost)
	assert.True(t, cmerr.HasCode(err, cmerr.CodeNotFoundUser))
}

func TestMemoryStore_ConcurrentSaveOneWinner(t *testing.T) {
	s := NewMemoryStore()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, _ := models.NewExternalUser("race@example.com", models.ProviderMobile, "uid", "", time.Now())
			if _, err := s.Save(context.Background(), u); cmerr.HasCode(err, cmerr.CodeConflictAlreadyExists) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 15, conflicts)
}

func TestMemoryStore_SaveCanceled(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u, _ := models.NewLocalUser("a", "a@example.com", "h", time.Now())
	_, err := s.Save(ctx, u)
	assert.True(t, cmerr.IsTimeout(err))
}
