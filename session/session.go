package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"dispatchflow/auth"
	"dispatchflow/dispatch"
	"dispatchflow/group"
	"dispatchflow/membership"
	"dispatchflow/metrics"
)

// State is the lifecycle position of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Error kinds carried in error.message frames.
const (
	KindValidation = "validation_error"
	KindNotFound   = "not_found"
	KindForbidden  = "forbidden"
	KindInternal   = "internal_error"
)

// ErrNotConnected is returned by Handle outside the connected state.
var ErrNotConnected = errors.New("session: not connected")

// Groups is the fan-out surface a session uses.
type Groups interface {
	Join(group string, member group.Member)
	Leave(group, memberID string)
	Send(ctx context.Context, group string, msg []byte) int
}

// Resolver lists the groups an identity joins on connect.
type Resolver interface {
	Resolve(ctx context.Context, id auth.Identity) ([]string, error)
}

// Gateway applies dispatch mutations on behalf of the session's user.
type Gateway interface {
	CreateDispatch(ctx context.Context, actor auth.Identity, req dispatch.CreateRequest) (dispatch.View, error)
	UpdateDispatch(ctx context.Context, actor auth.Identity, req dispatch.UpdateRequest) (dispatch.View, error)
}

// Config wires a session to its collaborators. Identity is nil for an
// unauthenticated connection.
type Config struct {
	Identity *auth.Identity
	Conn     group.Member
	Groups   Groups
	Resolver Resolver
	Gateway  Gateway
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
}

// Session is the state machine bound to one connection. Handle must be
// called sequentially; Disconnect may race with it.
type Session struct {
	identity *auth.Identity
	conn     group.Member
	groups   Groups
	resolver Resolver
	gateway  Gateway
	log      zerolog.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	state  State
	joined map[string]struct{}
}

// New returns a disconnected session for cfg.Conn.
func New(cfg Config) *Session {
	log := cfg.Logger.With().Str("session_id", cfg.Conn.ID()).Logger()
	if cfg.Identity != nil {
		log = log.With().Str("user_id", cfg.Identity.UserID).Logger()
	}
	return &Session{
		identity: cfg.Identity,
		conn:     cfg.Conn,
		groups:   cfg.Groups,
		resolver: cfg.Resolver,
		gateway:  cfg.Gateway,
		log:      log,
		metrics:  cfg.Metrics,
		joined:   make(map[string]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined returns the groups the session currently belongs to.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for g := range s.joined {
		out = append(out, g)
	}
	return out
}

// Connect authenticates the session and joins the groups derived from the
// user's role and active dispatches. An anonymous session fails with
// auth.ErrUnauthenticated and joins nothing.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("session: connect from state %s", s.state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if s.identity == nil || s.identity.UserID == "" {
		s.setState(StateDisconnected)
		return auth.ErrUnauthenticated
	}

	groups, err := s.resolver.Resolve(ctx, *s.identity)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("session: connect: %w", err)
	}

	s.mu.Lock()
	for _, g := range groups {
		s.groups.Join(g, s.conn)
		s.joined[g] = struct{}{}
	}
	s.state = StateConnected
	s.mu.Unlock()

	s.metrics.SessionOpened()
	s.log.Info().Str("role", string(s.identity.Role)).Int("groups", len(groups)).Msg("session connected")
	return nil
}

// Disconnect leaves every group the session joined. It is safe to call more
// than once and from any state.
func (s *Session) Disconnect(ctx context.Context, reason string) {
	s.mu.Lock()
	wasConnected := s.state == StateConnected
	joined := s.joined
	s.joined = make(map[string]struct{})
	s.state = StateDisconnected
	s.mu.Unlock()

	for g := range joined {
		s.groups.Leave(g, s.conn.ID())
	}
	if wasConnected {
		s.metrics.SessionClosed()
		s.log.Info().Str("reason", reason).Int("groups", len(joined)).Msg("session disconnected")
	}
}

// Handle processes one inbound frame. Failures are reported to the sender
// as error frames and never end the session.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	msg, err := Decode(raw)
	if err != nil {
		s.fail("", err)
		return nil
	}

	switch m := msg.(type) {
	case CreateDispatch:
		s.handleCreate(ctx, m)
	case UpdateDispatch:
		s.handleUpdate(ctx, m)
	case Echo:
		s.handleEcho(ctx, m)
	case Unrecognized:
		s.metrics.Message("unrecognized", metrics.OutcomeIgnored)
		s.log.Debug().Str("type", m.Name).Msg("ignoring unrecognized message")
	}
	return nil
}

func (s *Session) handleCreate(ctx context.Context, m CreateDispatch) {
	view, err := s.gateway.CreateDispatch(ctx, *s.identity, m.Request)
	if err != nil {
		s.fail(TypeCreateDispatch, err)
		return
	}
	frame, err := encode(TypeEcho, view)
	if err != nil {
		s.fail(TypeCreateDispatch, err)
		return
	}

	// Join before contractors hear about it so an immediate claim reaches
	// the requestor.
	s.join(view.ID)
	s.reply(frame)
	n := s.groups.Send(ctx, membership.ContractorPool, frame)

	s.metrics.Message(TypeCreateDispatch, metrics.OutcomeOK)
	s.log.Info().Str("dispatch_id", view.ID).Int("notified", n).Msg("dispatch created")
}

func (s *Session) handleUpdate(ctx context.Context, m UpdateDispatch) {
	view, err := s.gateway.UpdateDispatch(ctx, *s.identity, m.Request)
	if err != nil {
		s.fail(TypeUpdateDispatch, err)
		return
	}
	frame, err := encode(TypeEcho, view)
	if err != nil {
		s.fail(TypeUpdateDispatch, err)
		return
	}

	// The updater joins first and receives its copy through the fan-out.
	joined := s.join(view.ID)
	n := s.groups.Send(ctx, view.ID, frame)
	if !joined {
		s.reply(frame)
	}

	s.metrics.Message(TypeUpdateDispatch, metrics.OutcomeOK)
	s.log.Info().Str("dispatch_id", view.ID).Str("status", string(view.Status)).Int("notified", n).Msg("dispatch updated")
}

// handleEcho passes the frame through untouched. A targeted echo may only
// reach a group the session belongs to.
func (s *Session) handleEcho(ctx context.Context, m Echo) {
	if m.Group == "" {
		s.reply(m.Raw)
		s.metrics.Message(TypeEcho, metrics.OutcomeOK)
		return
	}
	if !s.isJoined(m.Group) {
		s.fail(TypeEcho, fmt.Errorf("%w: not a member of group %q", dispatch.ErrForbidden, m.Group))
		return
	}
	s.groups.Send(ctx, m.Group, m.Raw)
	s.metrics.Message(TypeEcho, metrics.OutcomeOK)
}

// join adds the connection to g and reports whether it is a member afterwards.
func (s *Session) join(g string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	if _, ok := s.joined[g]; ok {
		return true
	}
	s.groups.Join(g, s.conn)
	s.joined[g] = struct{}{}
	return true
}

func (s *Session) isJoined(g string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[g]
	return ok
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) reply(frame []byte) {
	if err := s.conn.Deliver(frame); err != nil {
		s.log.Debug().Err(err).Msg("reply dropped")
	}
}

func (s *Session) fail(request string, err error) {
	kind, detail := classify(err)
	outcome := metrics.OutcomeRejected
	if kind == KindInternal {
		outcome = metrics.OutcomeFailed
		s.log.Error().Err(err).Str("request", request).Msg("message handling failed")
	} else {
		s.log.Debug().Err(err).Str("request", request).Str("kind", kind).Msg("message rejected")
	}
	label := request
	if label == "" {
		label = "malformed"
	}
	s.metrics.Message(label, outcome)

	frame, mErr := encode(TypeError, errorBody{Error: kind, Detail: detail, Request: request})
	if mErr != nil {
		s.log.Error().Err(mErr).Msg("encode error frame")
		return
	}
	s.reply(frame)
}

func classify(err error) (kind, detail string) {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		return KindValidation, verr.Error()
	case errors.Is(err, dispatch.ErrNotFound):
		return KindNotFound, err.Error()
	case errors.Is(err, dispatch.ErrForbidden):
		return KindForbidden, err.Error()
	default:
		return KindInternal, "internal error"
	}
}
