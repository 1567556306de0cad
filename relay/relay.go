package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"dispatchflow/group"
	"dispatchflow/metrics"
)

// maxPayload is the Postgres NOTIFY payload limit.
const maxPayload = 8000

// ErrPayloadTooLarge is reported for messages that cannot be relayed.
var ErrPayloadTooLarge = errors.New("relay: payload exceeds notify limit")

// Local is the in-process registry the relay wraps.
type Local interface {
	Join(group string, member group.Member)
	Leave(group, memberID string)
	Send(ctx context.Context, group string, msg []byte) int
}

// notification is the NOTIFY payload. Msg travels base64-encoded so the
// receiving node delivers the exact bytes that were sent.
type notification struct {
	Node  string `json:"node"`
	Group string `json:"group"`
	Msg   []byte `json:"msg"`
}

// Relay extends group fan-out across processes sharing one database. Send
// delivers locally and publishes on a NOTIFY channel; Run delivers what
// other nodes publish.
type Relay struct {
	local   Local
	pool    *pgxpool.Pool
	channel string
	nodeID  string
	retry   time.Duration
	log     zerolog.Logger
	metrics *metrics.Collector
	ready   chan struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger.
func WithLogger(log zerolog.Logger) Option { return func(r *Relay) { r.log = log } }

// WithMetrics records publishes and receipts on c.
func WithMetrics(c *metrics.Collector) Option { return func(r *Relay) { r.metrics = c } }

// WithRetry sets the pause before re-establishing a lost listener.
func WithRetry(d time.Duration) Option { return func(r *Relay) { r.retry = d } }

// New wraps local so sends also reach members on other nodes listening on channel.
func New(pool *pgxpool.Pool, local Local, channel string, opts ...Option) *Relay {
	r := &Relay{
		local:   local,
		pool:    pool,
		channel: channel,
		nodeID:  uuid.NewString(),
		retry:   time.Second,
		log:     zerolog.Nop(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NodeID identifies this process on the relay channel.
func (r *Relay) NodeID() string { return r.nodeID }

// Ready is closed once the first LISTEN is in place.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

func (r *Relay) Join(group string, member group.Member) { r.local.Join(group, member) }

func (r *Relay) Leave(group, memberID string) { r.local.Leave(group, memberID) }

// Send delivers msg to local members and publishes it for other nodes. It
// returns the local delivery count. Remote members receive msg byte for byte.
// A message whose encoded notification exceeds the 8000 byte NOTIFY limit
// reaches local members only; that and any other publish failure is logged
// at warn and counted as a failed publish.
func (r *Relay) Send(ctx context.Context, group string, msg []byte) int {
	n := r.local.Send(ctx, group, msg)
	if err := r.publish(ctx, group, msg); err != nil {
		r.metrics.RelayPublished(false)
		r.log.Warn().Err(err).Str("group", group).Msg("relay publish failed")
		return n
	}
	r.metrics.RelayPublished(true)
	return n
}

func (r *Relay) publish(ctx context.Context, group string, msg []byte) error {
	payload, err := json.Marshal(notification{Node: r.nodeID, Group: group, Msg: msg})
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: %d bytes for group %s", ErrPayloadTooLarge, len(payload), group)
	}
	if _, err := r.pool.Exec(ctx, "SELECT pg_notify($1, $2)", r.channel, string(payload)); err != nil {
		return fmt.Errorf("relay: notify: %w", err)
	}
	return nil
}

// Run listens for notifications from other nodes until ctx is done,
// re-establishing the listener after connection failures.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Err(err).Dur("retry", r.retry).Msg("relay listener lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retry):
		}
	}
}

func (r *Relay) listen(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("relay: acquire: %w", err)
	}
	defer func() {
		// Released connections must not keep receiving notifications.
		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = conn.Exec(uctx, "UNLISTEN *")
		cancel()
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("relay: listen: %w", err)
	}
	r.markReady()
	r.log.Info().Str("channel", r.channel).Str("node_id", r.nodeID).Msg("relay listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("relay: wait: %w", err)
		}
		r.deliver(ctx, n.Payload)
	}
}

func (r *Relay) deliver(ctx context.Context, payload string) {
	var note notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		r.log.Warn().Err(err).Msg("relay: dropping malformed notification")
		return
	}
	if note.Node == r.nodeID || note.Group == "" {
		return
	}
	r.metrics.RelayReceived()
	r.local.Send(ctx, note.Group, note.Msg)
}

func (r *Relay) markReady() {
	select {
	case <-r.ready:
	default:
		close(r.ready)
	}
}
