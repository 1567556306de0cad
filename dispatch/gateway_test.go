package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchflow/auth"
)

type fixture struct {
	gw         *Gateway
	store      *MemoryStore
	requestor  auth.User
	contractor auth.User
	rival      auth.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := auth.NewMemoryRepository()
	mk := func(name string, role auth.Role) auth.User {
		u, err := users.CreateUser(context.Background(), auth.CreateUserParams{Username: name, PasswordHash: "x", Role: role})
		if err != nil {
			t.Fatalf("seed user %s: %v", name, err)
		}
		return u
	}
	store := NewMemoryStore()
	return &fixture{
		gw:         NewGateway(store, users),
		store:      store,
		requestor:  mk("test.rider@example.com", auth.RoleRequestor),
		contractor: mk("test.driver@example.com", auth.RoleContractor),
		rival:      mk("other.driver@example.com", auth.RoleContractor),
	}
}

func ident(u auth.User) auth.Identity { return auth.Identity{UserID: u.ID, Role: u.Role} }

func ptr[T any](v T) *T { return &v }

func (f *fixture) create(t *testing.T) View {
	t.Helper()
	v, err := f.gw.CreateDispatch(context.Background(), ident(f.requestor), CreateRequest{
		RequestLocation: "123 Main Street",
		Destination:     "456 Piney Road",
		Requestor:       f.requestor.ID,
	})
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	return v
}

func TestCreateDispatch_Canonical(t *testing.T) {
	f := newFixture(t)

	first := f.create(t)
	second := f.create(t)

	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", first.ID, second.ID)
	}
	if first.Status != StatusRequested {
		t.Fatalf("expected status %s got %s", StatusRequested, first.Status)
	}
	if first.Contractor != nil {
		t.Fatalf("expected nil contractor, got %+v", first.Contractor)
	}
	if first.Requestor == nil || first.Requestor.Username != f.requestor.Username {
		t.Fatalf("expected requestor %q, got %+v", f.requestor.Username, first.Requestor)
	}
	if first.RequestLocation != "123 Main Street" || first.Destination != "456 Piney Road" {
		t.Fatalf("unexpected locations: %+v", first)
	}
}

func TestCreateDispatch_Validation(t *testing.T) {
	f := newFixture(t)
	actor := ident(f.requestor)

	cases := map[string]CreateRequest{
		"missing location":    {Destination: "456 Piney Road", Requestor: f.requestor.ID},
		"missing destination": {RequestLocation: "123 Main Street", Requestor: f.requestor.ID},
		"missing requestor":   {RequestLocation: "123 Main Street", Destination: "456 Piney Road"},
		"contractor present":  {RequestLocation: "123 Main Street", Destination: "456 Piney Road", Requestor: f.requestor.ID, Contractor: ptr(f.contractor.ID)},
		"too long":            {RequestLocation: strings.Repeat("x", MaxTextLength+1), Destination: "456 Piney Road", Requestor: f.requestor.ID},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.gw.CreateDispatch(context.Background(), actor, req)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	_, total, err := f.store.List(context.Background(), ListFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected nothing persisted, got %d records", total)
	}
}

func TestCreateDispatch_Forbidden(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.CreateDispatch(context.Background(), ident(f.contractor), CreateRequest{
		RequestLocation: "123 Main Street",
		Destination:     "456 Piney Road",
		Requestor:       f.contractor.ID,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for contractor create, got %v", err)
	}

	_, err = f.gw.CreateDispatch(context.Background(), ident(f.requestor), CreateRequest{
		RequestLocation: "123 Main Street",
		Destination:     "456 Piney Road",
		Requestor:       "someone-else",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign requestor, got %v", err)
	}
}

func TestUpdateDispatch_ContractorAccepts(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)

	clock := time.Now().Add(time.Minute).UTC()
	f.gw.WithClock(func() time.Time { return clock })

	updated, err := f.gw.UpdateDispatch(context.Background(), ident(f.contractor), UpdateRequest{
		ID:              created.ID,
		RequestLocation: ptr(created.RequestLocation),
		Destination:     ptr(created.Destination),
		Status:          ptr(StatusInProgress),
		Contractor:      ptr(f.contractor.ID),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Contractor == nil || updated.Contractor.Username != f.contractor.Username {
		t.Fatalf("expected contractor %q, got %+v", f.contractor.Username, updated.Contractor)
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("expected status %s got %s", StatusInProgress, updated.Status)
	}
	if !updated.UpdatedAt.Equal(clock) {
		t.Fatalf("expected updated_at %v got %v", clock, updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}
}

func TestUpdateDispatch_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.UpdateDispatch(context.Background(), ident(f.contractor), UpdateRequest{
		ID:         "00000000-0000-0000-0000-000000000000",
		Contractor: ptr(f.contractor.ID),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateDispatch_Rules(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	ctx := context.Background()

	if _, err := f.gw.UpdateDispatch(ctx, ident(f.contractor), UpdateRequest{ID: created.ID, Status: ptr(Status("FLYING"))}); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
	if _, err := f.gw.UpdateDispatch(ctx, ident(f.requestor), UpdateRequest{ID: created.ID, Status: ptr(StatusStarted)}); !IsValidation(err) {
		t.Fatalf("expected validation error for status without contractor, got %v", err)
	}
	if _, err := f.gw.UpdateDispatch(ctx, ident(f.contractor), UpdateRequest{ID: created.ID, Status: ptr(StatusStarted)}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unclaimed update, got %v", err)
	}
	if _, err := f.gw.UpdateDispatch(ctx, ident(f.requestor), UpdateRequest{ID: created.ID, Contractor: ptr(f.contractor.ID)}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for requestor assignment, got %v", err)
	}
	if _, err := f.gw.UpdateDispatch(ctx, ident(f.contractor), UpdateRequest{ID: created.ID, Destination: ptr("Elsewhere"), Contractor: ptr(f.contractor.ID)}); !IsValidation(err) {
		t.Fatalf("expected validation error for destination change, got %v", err)
	}

	if _, err := f.gw.UpdateDispatch(ctx, ident(f.contractor), UpdateRequest{ID: created.ID, Status: ptr(StatusInProgress), Contractor: ptr(f.contractor.ID)}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := f.gw.UpdateDispatch(ctx, ident(f.contractor), UpdateRequest{ID: created.ID, Status: ptr(StatusStarted)}); !IsValidation(err) {
		t.Fatalf("expected validation error for status regression, got %v", err)
	}
	if _, err := f.gw.UpdateDispatch(ctx, ident(f.rival), UpdateRequest{ID: created.ID, Contractor: ptr(f.rival.ID)}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for rival claim, got %v", err)
	}
	if _, err := f.gw.UpdateDispatch(ctx, ident(f.requestor), UpdateRequest{ID: created.ID, Contractor: ptr(f.rival.ID)}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for requestor reassignment, got %v", err)
	}

	done, err := f.gw.UpdateDispatch(ctx, ident(f.contractor), UpdateRequest{ID: created.ID, Status: ptr(StatusCompleted)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.Contractor == nil || done.Contractor.ID != f.contractor.ID {
		t.Fatalf("unexpected completed dispatch: %+v", done)
	}

	active, err := f.store.ListActiveFor(ctx, f.contractor.ID, auth.RoleContractor)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected completed dispatch to be inactive, got %d", len(active))
	}
}

func TestUpdateDispatch_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)

	users := f.gw.users.(*auth.MemoryRepository)
	contractors := make([]auth.User, 0, 16)
	for i := 0; i < 16; i++ {
		u, err := users.CreateUser(context.Background(), auth.CreateUserParams{
			Username: fmt.Sprintf("driver-%d@example.com", i), PasswordHash: "x", Role: auth.RoleContractor,
		})
		if err != nil {
			t.Fatalf("seed contractor: %v", err)
		}
		contractors = append(contractors, u)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for _, c := range contractors {
		wg.Add(1)
		go func(c auth.User) {
			defer wg.Done()
			_, err := f.gw.UpdateDispatch(context.Background(), ident(c), UpdateRequest{
				ID:         created.ID,
				Status:     ptr(StatusStarted),
				Contractor: ptr(c.ID),
			})
			if err == nil {
				mu.Lock()
				wins = append(wins, c.ID)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", len(wins))
	}
	rec, err := f.store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.HasContractor() || *rec.ContractorID != wins[0] {
		t.Fatalf("stored contractor does not match winner: %+v", rec)
	}
}

func TestGetAndListDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t)

	if _, err := f.gw.GetDispatch(ctx, ident(f.requestor), created.ID); err != nil {
		t.Fatalf("requestor get: %v", err)
	}
	if _, err := f.gw.GetDispatch(ctx, ident(f.contractor), created.ID); err != nil {
		t.Fatalf("contractor get open dispatch: %v", err)
	}

	views, total, err := f.gw.ListDispatches(ctx, ident(f.contractor), 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(views) != 1 || views[0].ID != created.ID {
		t.Fatalf("expected open dispatch in contractor list, got total=%d views=%+v", total, views)
	}

	if _, err := f.gw.UpdateDispatch(ctx, ident(f.contractor), UpdateRequest{ID: created.ID, Contractor: ptr(f.contractor.ID)}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.gw.GetDispatch(ctx, ident(f.rival), created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected claimed dispatch hidden from rival, got %v", err)
	}
	_, total, err = f.gw.ListDispatches(ctx, ident(f.rival), 1, 10)
	if err != nil {
		t.Fatalf("rival list: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected empty rival list, got %d", total)
	}
}
