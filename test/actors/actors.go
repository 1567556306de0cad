package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"dispatchflow/auth"
	"dispatchflow/dispatch"
)

// Gateway is the slice of dispatch.Gateway the actors drive.
type Gateway interface {
	CreateDispatch(ctx context.Context, actor auth.Identity, req dispatch.CreateRequest) (dispatch.View, error)
	UpdateDispatch(ctx context.Context, actor auth.Identity, req dispatch.UpdateRequest) (dispatch.View, error)
	ListDispatches(ctx context.Context, actor auth.Identity, page, pageSize int) ([]dispatch.View, int, error)
}

// Ledger records which contractor won each claim as observed by the actors.
type Ledger struct {
	mu     sync.Mutex
	claims map[string]string
}

func NewLedger() *Ledger {
	return &Ledger{claims: make(map[string]string)}
}

// Claimed notes a successful claim and reports a second, different winner.
func (l *Ledger) Claimed(dispatchID, contractorID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.claims[dispatchID]; ok && prev != contractorID {
		return fmt.Errorf("dispatch %s claimed by both %s and %s", dispatchID, prev, contractorID)
	}
	l.claims[dispatchID] = contractorID
	return nil
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claims)
}

// Requestor keeps opening new dispatches for its identity.
func Requestor(ctx context.Context, gw Gateway, who auth.Identity, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done(ctx, stop) {
			return nil
		}
		_, err := gw.CreateDispatch(ctx, who, dispatch.CreateRequest{
			RequestLocation: fmt.Sprintf("%d Main Street", n),
			Destination:     fmt.Sprintf("%d Piney Road", rand.Intn(1000)),
			Requestor:       who.UserID,
		})
		if err := tolerate(ctx, err); err != nil {
			return fmt.Errorf("requestor create: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}

// Claimer races other contractors for open dispatches. Losing a race is
// expected; winning one another contractor already won is not.
func Claimer(ctx context.Context, gw Gateway, who auth.Identity, ledger *Ledger, stop <-chan struct{}) error {
	for {
		if done(ctx, stop) {
			return nil
		}
		views, _, err := gw.ListDispatches(ctx, who, 1, 20)
		if err := tolerate(ctx, err); err != nil {
			return fmt.Errorf("claimer list: %w", err)
		}
		for _, v := range views {
			if v.Contractor != nil || v.Status != dispatch.StatusRequested {
				continue
			}
			status := dispatch.StatusStarted
			claimed, err := gw.UpdateDispatch(ctx, who, dispatch.UpdateRequest{ID: v.ID, Status: &status, Contractor: &who.UserID})
			if err == nil {
				if claimed.Contractor == nil || claimed.Contractor.ID != who.UserID {
					return fmt.Errorf("claim of %s returned contractor %+v", v.ID, claimed.Contractor)
				}
				if err := ledger.Claimed(v.ID, who.UserID); err != nil {
					return err
				}
				continue
			}
			if errors.Is(err, dispatch.ErrForbidden) || dispatch.IsValidation(err) {
				continue
			}
			if err := tolerate(ctx, err); err != nil {
				return fmt.Errorf("claimer update: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Progressor walks the contractor's assigned dispatches forward one step at a time.
func Progressor(ctx context.Context, gw Gateway, who auth.Identity, stop <-chan struct{}) error {
	next := map[dispatch.Status]dispatch.Status{
		dispatch.StatusStarted:    dispatch.StatusInProgress,
		dispatch.StatusInProgress: dispatch.StatusCompleted,
	}
	for {
		if done(ctx, stop) {
			return nil
		}
		views, _, err := gw.ListDispatches(ctx, who, 1, 20)
		if err := tolerate(ctx, err); err != nil {
			return fmt.Errorf("progressor list: %w", err)
		}
		for _, v := range views {
			to, ok := next[v.Status]
			if !ok || v.Contractor == nil || v.Contractor.ID != who.UserID {
				continue
			}
			_, err := gw.UpdateDispatch(ctx, who, dispatch.UpdateRequest{ID: v.ID, Status: &to})
			if dispatch.IsValidation(err) {
				continue
			}
			if err := tolerate(ctx, err); err != nil {
				return fmt.Errorf("progressor update: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(40)) * time.Millisecond)
	}
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// tolerate swallows failures caused by killed backends or shutdown. Domain
// rejections are returned so callers can decide.
func tolerate(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, dispatch.ErrForbidden) || errors.Is(err, dispatch.ErrNotFound) || dispatch.IsValidation(err) {
		return err
	}
	return nil
}
