package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dispatchflow/auth"
)

// MemoryStore keeps dispatches in process memory. A single mutex serialises
// writes, so every Update is atomic per record.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(rec), nil
}

func (m *MemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return Record{}, fmt.Errorf("dispatch: insert: duplicate id %s", rec.ID)
	}
	m.records[rec.ID] = clone(rec)
	return clone(rec), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, mutate func(*Record) error) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	next := clone(current)
	if err := mutate(&next); err != nil {
		return Record{}, err
	}
	m.records[id] = next
	return clone(next), nil
}

func (m *MemoryStore) ListActiveFor(_ context.Context, userID string, role auth.Role) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, 4)
	for _, rec := range m.records {
		if rec.Status.Terminal() {
			continue
		}
		if role == auth.RoleContractor {
			if rec.HasContractor() && *rec.ContractorID == userID {
				out = append(out, clone(rec))
			}
			continue
		}
		if rec.RequestorID == userID {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, filters ListFilters) ([]Record, int, error) {
	filters.normalize()

	m.mu.Lock()
	matched := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if filters.UserID != "" && !visible(rec, filters) {
			continue
		}
		matched = append(matched, clone(rec))
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start := filters.offset()
	if start >= total {
		return []Record{}, total, nil
	}
	end := start + filters.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func visible(rec Record, filters ListFilters) bool {
	if filters.Contractor {
		if rec.HasContractor() && *rec.ContractorID == filters.UserID {
			return true
		}
	} else if rec.RequestorID == filters.UserID {
		return true
	}
	return filters.IncludeOpen && rec.Status == StatusRequested && !rec.HasContractor()
}

func clone(rec Record) Record {
	if rec.ContractorID != nil {
		id := *rec.ContractorID
		rec.ContractorID = &id
	}
	return rec
}
