package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for handled messages.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
	deliveryOK       = "delivered"
	deliveryDropped  = "dropped"
	relayPublished   = "published"
	relayReceived    = "received"
	relayPublishFail = "publish_failed"
)

// Collector holds the dispatch service metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	sessions   prometheus.Gauge
	deliveries *prometheus.CounterVec
	messages   *prometheus.CounterVec
	relay      *prometheus.CounterVec
}

// NewCollector registers the collectors on reg, reusing any that are already
// registered. A nil reg means the default registerer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_sessions_connected",
			Help: "Number of connected dispatch sessions",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_group_deliveries_total",
			Help: "Group fan-out deliveries by result",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_messages_total",
			Help: "Inbound session messages by type and outcome",
		}, []string{"type", "outcome"}),
		relay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_relay_notifications_total",
			Help: "Cross-node relay notifications by direction",
		}, []string{"direction"}),
	}

	var err error
	if c.sessions, err = register(reg, c.sessions); err != nil {
		return nil, err
	}
	if c.deliveries, err = register(reg, c.deliveries); err != nil {
		return nil, err
	}
	if c.messages, err = register(reg, c.messages); err != nil {
		return nil, err
	}
	if c.relay, err = register(reg, c.relay); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessions.Dec()
}

// Delivered counts members a group message was handed to.
func (c *Collector) Delivered(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.deliveries.WithLabelValues(deliveryOK).Add(float64(n))
}

// Dropped counts members whose delivery failed.
func (c *Collector) Dropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.deliveries.WithLabelValues(deliveryDropped).Add(float64(n))
}

// Message counts one handled inbound message.
func (c *Collector) Message(msgType, outcome string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(msgType, outcome).Inc()
}

func (c *Collector) RelayPublished(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.relay.WithLabelValues(relayPublished).Inc()
		return
	}
	c.relay.WithLabelValues(relayPublishFail).Inc()
}

func (c *Collector) RelayReceived() {
	if c == nil {
		return
	}
	c.relay.WithLabelValues(relayReceived).Inc()
}
