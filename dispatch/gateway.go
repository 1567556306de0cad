package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"dispatchflow/auth"
)

// Gateway is the only path through which dispatch state changes. Every call
// returns the canonical representation read back from the store.
type Gateway struct {
	store       Store
	users       UserDirectory
	idGenerator func() string
	now         func() time.Time
}

// NewGateway creates a gateway over store that resolves user display data from users.
func NewGateway(store Store, users UserDirectory) *Gateway {
	return &Gateway{
		store:       store,
		users:       users,
		idGenerator: func() string { return uuid.NewString() },
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithIDGenerator overrides how new dispatch ids are minted.
func (g *Gateway) WithIDGenerator(gen func() string) *Gateway {
	g.idGenerator = gen
	return g
}

// WithClock overrides the time source used for created_at and updated_at.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// CreateDispatch validates and persists a new dispatch in status REQUESTED.
func (g *Gateway) CreateDispatch(ctx context.Context, actor auth.Identity, req CreateRequest) (View, error) {
	location, err := requiredText("request_location", req.RequestLocation)
	if err != nil {
		return View{}, err
	}
	destination, err := requiredText("destination", req.Destination)
	if err != nil {
		return View{}, err
	}
	requestorID := strings.TrimSpace(req.Requestor)
	if requestorID == "" {
		return View{}, invalid("requestor", "this field is required")
	}
	if req.Contractor != nil && *req.Contractor != "" {
		return View{}, invalid("contractor", "must be absent on create")
	}
	if requestorID != actor.UserID {
		return View{}, fmt.Errorf("%w: requestor must be the acting user", ErrForbidden)
	}
	if actor.Role != auth.RoleRequestor {
		return View{}, fmt.Errorf("%w: only requestors create dispatches", ErrForbidden)
	}
	if _, err := g.lookupUser(ctx, "requestor", requestorID); err != nil {
		return View{}, err
	}

	now := g.now()
	rec, err := g.store.Create(ctx, Record{
		ID:              g.idGenerator(),
		RequestLocation: location,
		Destination:     destination,
		Status:          StatusRequested,
		RequestorID:     requestorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return View{}, err
	}
	return g.view(ctx, rec)
}

// UpdateDispatch applies the fields present in req to an existing dispatch.
// Validation and authorization run against the locked current record.
func (g *Gateway) UpdateDispatch(ctx context.Context, actor auth.Identity, req UpdateRequest) (View, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return View{}, invalid("id", "this field is required")
	}
	if req.Status != nil && !req.Status.Valid() {
		return View{}, invalid("status", fmt.Sprintf("%q is not a valid choice", *req.Status))
	}
	if req.Contractor != nil {
		if *req.Contractor == "" {
			req.Contractor = nil
		} else {
			user, err := g.lookupUser(ctx, "contractor", *req.Contractor)
			if err != nil {
				return View{}, err
			}
			if user.Role != auth.RoleContractor {
				return View{}, invalid("contractor", "user is not a contractor")
			}
		}
	}

	rec, err := g.store.Update(ctx, id, func(cur *Record) error {
		if err := unchangedText("request_location", req.RequestLocation, cur.RequestLocation); err != nil {
			return err
		}
		if err := unchangedText("destination", req.Destination, cur.Destination); err != nil {
			return err
		}
		if err := authorizeUpdate(actor, *cur, req); err != nil {
			return err
		}
		if req.Contractor != nil {
			if cur.HasContractor() && *cur.ContractorID != *req.Contractor {
				return invalid("contractor", "dispatch already has a contractor")
			}
			contractor := *req.Contractor
			cur.ContractorID = &contractor
		}
		if req.Status != nil {
			if req.Status.rank() < cur.Status.rank() {
				return invalid("status", fmt.Sprintf("cannot move from %s back to %s", cur.Status, *req.Status))
			}
			cur.Status = *req.Status
		}
		if cur.Status != StatusRequested && !cur.HasContractor() {
			return invalid("status", fmt.Sprintf("%s requires an assigned contractor", cur.Status))
		}
		cur.UpdatedAt = g.now()
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return g.view(ctx, rec)
}

// GetDispatch returns a dispatch the actor takes part in, or an open one to a contractor.
func (g *Gateway) GetDispatch(ctx context.Context, actor auth.Identity, id string) (View, error) {
	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	open := rec.Status == StatusRequested && !rec.HasContractor()
	if !rec.Involves(actor.UserID) && !(open && actor.Role == auth.RoleContractor) {
		return View{}, ErrNotFound
	}
	return g.view(ctx, rec)
}

// ListDispatches pages through the dispatches visible to the actor.
func (g *Gateway) ListDispatches(ctx context.Context, actor auth.Identity, page, pageSize int) ([]View, int, error) {
	contractor := actor.Role == auth.RoleContractor
	records, total, err := g.store.List(ctx, ListFilters{
		UserID:      actor.UserID,
		Contractor:  contractor,
		IncludeOpen: contractor,
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		return nil, 0, err
	}
	views := make([]View, 0, len(records))
	for _, rec := range records {
		v, err := g.view(ctx, rec)
		if err != nil {
			return nil, 0, err
		}
		views = append(views, v)
	}
	return views, total, nil
}

func authorizeUpdate(actor auth.Identity, cur Record, req UpdateRequest) error {
	switch {
	case actor.UserID == cur.RequestorID:
		if req.Contractor != nil && !(cur.HasContractor() && *cur.ContractorID == *req.Contractor) {
			return fmt.Errorf("%w: requestors cannot assign a contractor", ErrForbidden)
		}
		return nil
	case actor.Role == auth.RoleContractor:
		if cur.HasContractor() {
			if *cur.ContractorID == actor.UserID {
				return nil
			}
			return fmt.Errorf("%w: dispatch is assigned to another contractor", ErrForbidden)
		}
		if req.Contractor == nil || *req.Contractor != actor.UserID {
			return fmt.Errorf("%w: contractors may only claim a dispatch for themselves", ErrForbidden)
		}
		return nil
	default:
		return fmt.Errorf("%w: not a participant", ErrForbidden)
	}
}

func (g *Gateway) view(ctx context.Context, rec Record) (View, error) {
	v := View{
		ID:              rec.ID,
		RequestLocation: rec.RequestLocation,
		Destination:     rec.Destination,
		Status:          rec.Status,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.RequestorID != "" {
		summary, err := g.summary(ctx, rec.RequestorID)
		if err != nil {
			return View{}, err
		}
		v.Requestor = summary
	}
	if rec.HasContractor() {
		summary, err := g.summary(ctx, *rec.ContractorID)
		if err != nil {
			return View{}, err
		}
		v.Contractor = summary
	}
	return v, nil
}

func (g *Gateway) summary(ctx context.Context, userID string) (*UserSummary, error) {
	user, err := g.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve user %s: %w", userID, err)
	}
	return &UserSummary{
		ID:        user.ID,
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Group:     string(user.Role),
	}, nil
}

func (g *Gateway) lookupUser(ctx context.Context, field, userID string) (auth.User, error) {
	user, err := g.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return auth.User{}, invalid(field, "unknown user")
		}
		return auth.User{}, fmt.Errorf("dispatch: lookup %s: %w", field, err)
	}
	return user, nil
}

func requiredText(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", invalid(field, "this field is required")
	}
	if utf8.RuneCountInString(value) > MaxTextLength {
		return "", invalid(field, fmt.Sprintf("must be at most %d characters", MaxTextLength))
	}
	return value, nil
}

func unchangedText(field string, supplied *string, current string) error {
	if supplied == nil {
		return nil
	}
	value, err := requiredText(field, *supplied)
	if err != nil {
		return err
	}
	if value != current {
		return invalid(field, "cannot be changed after creation")
	}
	return nil
}
