// Package users persists ClassMarket accounts.
//
// [Store] is the collaborator the provisioning and session packages depend
// on. [PostgresStore] is the production implementation; [MemoryStore]
// backs tests and local development.
//
// Lookups of an absent user return [cmerr.CodeNotFoundUser]. Saving a user
// whose email or username is already taken returns
// [cmerr.CodeConflictAlreadyExists], which callers racing on first login
// resolve by reading the winning row.
package users

import (
	"context"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// Store looks up and saves users.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)

	// Save inserts u when u.ID is zero and updates it otherwise. The
	// returned user carries the assigned ID.
	Save(ctx context.Context, u *models.User) (*models.User, error)
}

func notFound(by string, value any) *cmerr.Error {
	return cmerr.New(cmerr.CodeNotFoundUser, "users: user not found").
		WithDetail(by, value)
}
