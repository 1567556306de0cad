package membership

import (
	"context"
	"fmt"

	"dispatchflow/auth"
	"dispatchflow/dispatch"
)

// ContractorPool is the group every contractor joins on connect. New
// dispatches are announced to it.
const ContractorPool = "contractors"

// ActiveLister returns the dispatches a user currently takes part in.
type ActiveLister interface {
	ListActiveFor(ctx context.Context, userID string, role auth.Role) ([]dispatch.Record, error)
}

// Resolver derives the groups a connection joins from its identity.
type Resolver struct {
	store ActiveLister
}

// NewResolver creates a resolver reading active dispatches from store.
func NewResolver(store ActiveLister) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the groups a connection must join on connect: the
// contractor pool for contractors, then the id of every dispatch the user is
// active in. Users without a role are resolved as requestors.
func (r *Resolver) Resolve(ctx context.Context, id auth.Identity) ([]string, error) {
	role := id.Role
	if role != auth.RoleContractor {
		role = auth.RoleRequestor
	}

	active, err := r.store.ListActiveFor(ctx, id.UserID, role)
	if err != nil {
		return nil, fmt.Errorf("membership: resolve %s: %w", id.UserID, err)
	}

	groups := make([]string, 0, len(active)+1)
	if id.Role == auth.RoleContractor {
		groups = append(groups, ContractorPool)
	}
	for _, rec := range active {
		groups = append(groups, rec.ID)
	}
	return groups, nil
}
