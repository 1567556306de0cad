package group

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"dispatchflow/metrics"
)

// Member is a connection that can receive group messages. Deliver must not
// block; a member that cannot accept the message returns an error.
type Member interface {
	ID() string
	Deliver(msg []byte) error
}

// Registry maps group names to the members currently joined to them. Groups
// exist while they have members.
type Registry struct {
	mu      sync.RWMutex
	groups  map[string]map[string]Member
	log     zerolog.Logger
	metrics *metrics.Collector
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for dropped deliveries.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics records delivery outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		groups: make(map[string]map[string]Member),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds member to group, creating the group if needed. Joining twice is a no-op.
func (r *Registry) Join(group string, member Member) {
	if group == "" || member == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]Member)
		r.groups[group] = members
	}
	members[member.ID()] = member
}

// Leave removes the member from group. Unknown groups and members are ignored.
func (r *Registry) Leave(group, memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Send hands msg to every current member of group and returns how many
// accepted it. A member that fails is skipped.
func (r *Registry) Send(ctx context.Context, group string, msg []byte) int {
	r.mu.RLock()
	members := r.groups[group]
	targets := make([]Member, 0, len(members))
	for _, m := range members {
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, m := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := m.Deliver(msg); err != nil {
			dropped++
			r.log.Debug().Err(err).Str("group", group).Str("member_id", m.ID()).Msg("group delivery dropped")
			continue
		}
		delivered++
	}
	r.metrics.Delivered(delivered)
	r.metrics.Dropped(dropped)
	return delivered
}

// Members returns the sorted member ids of group.
func (r *Registry) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Groups returns the sorted names of all non-empty groups.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
