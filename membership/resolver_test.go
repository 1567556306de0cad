package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchflow/auth"
	"dispatchflow/dispatch"
)

func seed(t *testing.T, store *dispatch.MemoryStore, id, requestor string, contractor *string, status dispatch.Status) {
	t.Helper()
	now := time.Now().UTC()
	_, err := store.Create(context.Background(), dispatch.Record{
		ID: id, RequestLocation: "A", Destination: "B", Status: status,
		RequestorID: requestor, ContractorID: contractor, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func TestResolveContractor(t *testing.T) {
	store := dispatch.NewMemoryStore()
	driver := "driver"
	seed(t, store, "d-active", "rider", &driver, dispatch.StatusInProgress)
	seed(t, store, "d-done", "rider", &driver, dispatch.StatusCompleted)
	seed(t, store, "d-open", "rider", nil, dispatch.StatusRequested)

	groups, err := NewResolver(store).Resolve(context.Background(), auth.Identity{UserID: driver, Role: auth.RoleContractor})

	require.NoError(t, err)
	assert.Equal(t, []string{ContractorPool, "d-active"}, groups)
}

func TestResolveRequestor(t *testing.T) {
	store := dispatch.NewMemoryStore()
	seed(t, store, "d-open", "rider", nil, dispatch.StatusRequested)
	seed(t, store, "d-done", "rider", nil, dispatch.StatusCompleted)
	seed(t, store, "d-other", "someone", nil, dispatch.StatusRequested)

	groups, err := NewResolver(store).Resolve(context.Background(), auth.Identity{UserID: "rider", Role: auth.RoleRequestor})

	require.NoError(t, err)
	assert.Equal(t, []string{"d-open"}, groups)
}

func TestResolveRoleless(t *testing.T) {
	store := dispatch.NewMemoryStore()
	seed(t, store, "d-open", "rider", nil, dispatch.StatusRequested)

	groups, err := NewResolver(store).Resolve(context.Background(), auth.Identity{UserID: "rider"})

	require.NoError(t, err)
	assert.Equal(t, []string{"d-open"}, groups)
	assert.NotContains(t, groups, ContractorPool)
}

type failingLister struct{}

func (failingLister) ListActiveFor(context.Context, string, auth.Role) ([]dispatch.Record, error) {
	return nil, errors.New("connection refused")
}

func TestResolvePropagatesStoreError(t *testing.T) {
	_, err := NewResolver(failingLister{}).Resolve(context.Background(), auth.Identity{UserID: "u", Role: auth.RoleContractor})
	assert.Error(t, err)
}
