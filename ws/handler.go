package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dispatchflow/auth"
	"dispatchflow/metrics"
	"dispatchflow/session"
)

var (
	errBufferFull = errors.New("ws: outbound buffer full")
	errClosed     = errors.New("ws: connection closed")
)

// Verifier turns a bearer credential into an identity.
type Verifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

// Options tunes per-connection behaviour. Zero values take defaults.
type Options struct {
	OutboundBuffer int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

func (o *Options) setDefaults() {
	if o.OutboundBuffer <= 0 {
		o.OutboundBuffer = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
}

// Handler upgrades authenticated requests and runs one session per connection.
type Handler struct {
	verifier Verifier
	groups   session.Groups
	resolver session.Resolver
	gateway  session.Gateway
	log      zerolog.Logger
	metrics  *metrics.Collector
	opts     Options
}

// Deps are the collaborators every session is wired to.
type Deps struct {
	Verifier Verifier
	Groups   session.Groups
	Resolver session.Resolver
	Gateway  session.Gateway
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
}

// NewHandler creates the websocket handler served at /dispatch/.
func NewHandler(deps Deps, opts Options) *Handler {
	opts.setDefaults()
	return &Handler{
		verifier: deps.Verifier,
		groups:   deps.Groups,
		resolver: deps.Resolver,
		gateway:  deps.Gateway,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		opts:     opts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var identity *auth.Identity
	if token := credential(r); token != "" {
		if id, err := h.verifier.VerifyToken(token); err == nil {
			identity = &id
		} else {
			h.log.Debug().Err(err).Msg("websocket credential rejected")
		}
	}

	c := newClient(uuid.NewString(), h.opts.OutboundBuffer)
	sess := session.New(session.Config{
		Identity: identity,
		Conn:     c,
		Groups:   h.groups,
		Resolver: h.resolver,
		Gateway:  h.gateway,
		Logger:   h.log,
		Metrics:  h.metrics,
	})

	if err := sess.Connect(ctx); err != nil {
		c.close()
		if errors.Is(err, auth.ErrUnauthenticated) {
			http.Error(w, "authentication required", http.StatusForbidden)
			return
		}
		h.log.Error().Err(err).Msg("session connect failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		c.close()
		sess.Disconnect(context.WithoutCancel(ctx), "upgrade failed")
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	reason := h.run(ctx, conn, c, sess)

	c.close()
	sess.Disconnect(context.WithoutCancel(ctx), reason)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// run drives the connection until either side closes it and returns the reason.
func (h *Handler) run(ctx context.Context, conn *websocket.Conn, c *client, sess *session.Session) string {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return err
			}
			// The current message completes even if the connection drops mid-way.
			if err := sess.Handle(context.WithoutCancel(gctx), data); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-c.out:
				wctx, cancel := context.WithTimeout(gctx, h.opts.WriteTimeout)
				err := conn.Write(wctx, websocket.MessageText, msg)
				cancel()
				if err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				pctx, cancel := context.WithTimeout(gctx, h.opts.WriteTimeout)
				err := conn.Ping(pctx)
				cancel()
				if err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		return "client closed"
	case status != -1:
		return "close status " + status.String()
	case err == nil || errors.Is(err, context.Canceled):
		return "server shutdown"
	default:
		h.log.Debug().Err(err).Msg("websocket connection ended")
		return "transport error"
	}
}

func credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// client is the group member backing one websocket. Deliver never blocks.
type client struct {
	id   string
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id string, buffer int) *client {
	return &client{id: id, out: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *client) ID() string { return c.id }

func (c *client) Deliver(msg []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return errBufferFull
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}
