package dispatch

import (
	"math"
	"time"
)

// Status is the lifecycle position of a dispatch. It only moves forward.
type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusStarted    Status = "STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// MaxTextLength bounds request_location and destination.
const MaxTextLength = 256

func (s Status) rank() int {
	switch s {
	case StatusRequested:
		return 1
	case StatusStarted:
		return 2
	case StatusInProgress:
		return 3
	case StatusCompleted:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() > 0 }

// Terminal reports whether the dispatch no longer takes part in group membership.
func (s Status) Terminal() bool { return s == StatusCompleted }

// Record mirrors the dispatches table.
type Record struct {
	ID              string
	RequestLocation string
	Destination     string
	Status          Status
	RequestorID     string
	ContractorID    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasContractor reports whether a contractor has been assigned.
func (r Record) HasContractor() bool { return r.ContractorID != nil && *r.ContractorID != "" }

// Involves reports whether userID is the requestor or the assigned contractor.
func (r Record) Involves(userID string) bool {
	return r.RequestorID == userID || (r.HasContractor() && *r.ContractorID == userID)
}

// UserSummary is the display data embedded in the canonical representation.
type UserSummary struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Group     string `json:"group"`
}

// View is the canonical dispatch representation sent over the wire.
type View struct {
	ID              string       `json:"id"`
	RequestLocation string       `json:"request_location"`
	Destination     string       `json:"destination"`
	Status          Status       `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Requestor       *UserSummary `json:"requestor"`
	Contractor      *UserSummary `json:"contractor"`
}

// CreateRequest is the create.dispatch payload.
type CreateRequest struct {
	RequestLocation string  `json:"request_location"`
	Destination     string  `json:"destination"`
	Requestor       string  `json:"requestor"`
	Contractor      *string `json:"contractor,omitempty"`
}

// UpdateRequest is the update.dispatch payload. Nil fields are left untouched.
type UpdateRequest struct {
	ID              string  `json:"id"`
	RequestLocation *string `json:"request_location,omitempty"`
	Destination     *string `json:"destination,omitempty"`
	Status          *Status `json:"status,omitempty"`
	Contractor      *string `json:"contractor,omitempty"`
}

// ListFilters narrows List to the dispatches a user may see.
type ListFilters struct {
	UserID      string
	Contractor  bool
	IncludeOpen bool
	Page        int
	PageSize    int
}

// maxOffset bounds the row offset any page may address; larger pages are clamped.
const maxOffset = math.MaxInt32

func (f *ListFilters) normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	if f.Page-1 > maxOffset/f.PageSize {
		f.Page = maxOffset/f.PageSize + 1
	}
}

func (f ListFilters) offset() int { return (f.Page - 1) * f.PageSize }
