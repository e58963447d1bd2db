package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/mailbox"
)

const namespace = "aero_signal_gateway"

// Names for the generic `event` counter. No recipient or session ids go into
// labels.
const (
	AuthFailure         = "auth_failure"
	RateLimited         = "rate_limited"
	RateLimiterEvicted  = "rate_limiter_evicted"
	EventRejected       = "event_rejected"
	EventTooLarge       = "event_too_large"
	TooManySessions     = "too_many_sessions"
	SessionCreated      = "session_created"
	SessionDeleted      = "session_deleted"
	RelayTooManyPeers   = "relay_too_many_peers"
	RelayDropped        = "relay_dropped_backpressure"
	RelayRateLimited    = "relay_rate_limited"
	RelayMessageTooBig  = "relay_message_too_big"
	NotifyPublishFailed = "notify_publish_failed"
)

// Metrics owns the gateway's Prometheus collectors. It implements
// mailbox.Observer so the dispatcher can report into it directly.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	signalMessages  *prometheus.CounterVec
	eventsSubmitted prometheus.Counter
	polls           *prometheus.CounterVec
	batchSize       prometheus.Histogram
	pendingPolls    prometheus.Gauge
	zombiesPruned   prometheus.Counter
	eventsEvicted   prometheus.Counter
	relayPeers      prometheus.Gauge
	relayMessages   prometheus.Counter
}

var _ mailbox.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		signalMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_messages_total",
			Help:      "Submitted signaling messages, by message type.",
		}, []string{"type"}),
		eventsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_events_submitted_total",
			Help:      "Events appended to recipient mailboxes.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Finished long polls, by outcome.",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_events",
			Help:      "Number of events in each delivered batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		pendingPolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_polls",
			Help:      "Long polls currently suspended.",
		}),
		zombiesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zombie_polls_pruned_total",
			Help:      "Expired or abandoned poll entries removed from the registry.",
		}),
		eventsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_evicted_total",
			Help:      "Buffered events dropped for exceeding the max event age.",
		}),
		relayPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_peers",
			Help:      "Connected WebSocket relay peers.",
		}),
		relayMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages received from relay peers for rebroadcast.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.signalMessages,
		m.eventsSubmitted,
		m.polls,
		m.batchSize,
		m.pendingPolls,
		m.zombiesPruned,
		m.eventsEvicted,
		m.relayPeers,
		m.relayMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) SignalMessage(kind string) {
	if m == nil {
		return
	}
	m.signalMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsEvicted.Add(float64(n))
}

func (m *Metrics) RelayPeerDelta(delta int) {
	if m == nil {
		return
	}
	m.relayPeers.Add(float64(delta))
}

func (m *Metrics) RelayMessage() {
	if m == nil {
		return
	}
	m.relayMessages.Inc()
}

func (m *Metrics) EventSubmitted() {
	if m == nil {
		return
	}
	m.eventsSubmitted.Inc()
}

func (m *Metrics) PollFinished(outcome mailbox.PollOutcome, batchSize int) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(string(outcome)).Inc()
	if batchSize > 0 {
		m.batchSize.Observe(float64(batchSize))
	}
}

func (m *Metrics) PendingDelta(delta int) {
	if m == nil {
		return
	}
	m.pendingPolls.Add(float64(delta))
}

func (m *Metrics) ZombiesPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.zombiesPruned.Add(float64(n))
}
