package dispatch

import (
	"context"

	"dispatchflow/auth"
)

// Store is the durable dispatch store. Update must apply mutate atomically
// with respect to every other write of the same record; if mutate returns an
// error nothing is written and that error is returned.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, id string, mutate func(*Record) error) (Record, error)
	ListActiveFor(ctx context.Context, userID string, role auth.Role) ([]Record, error)
	List(ctx context.Context, filters ListFilters) ([]Record, int, error)
}

// UserDirectory resolves display data for embedded users.
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID string) (auth.User, error)
}
