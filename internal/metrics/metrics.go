package metrics

import "sync"

// Event names. They are exported as the `event` label of a single Prometheus
// counter, see PrometheusHandler.
const (
	SessionsAccepted = "sessions_accepted"
	SessionsClosed   = "sessions_closed"
	SessionsFailed   = "sessions_failed"
	SessionsSwept    = "sessions_swept"
	PeersIdentified  = "peers_identified"

	MessagesReceived  = "messages_received"
	MessagesMalformed = "messages_malformed"
	MessagesOrphaned  = "messages_orphaned"
	MessagesBroadcast = "messages_broadcast"
	MessagesTargeted  = "messages_targeted"

	DeliveriesSent    = "deliveries_sent"
	DeliveriesFailed  = "deliveries_failed"
	DeliveriesSkipped = "deliveries_skipped_not_open"
	TargetsUnresolved = "targets_unresolved"
	SendQueueDropped  = "send_queue_dropped"
	KeepaliveTimeouts = "keepalive_timeouts"
	OriginRejected    = "origin_rejected"

	DropReasonRateLimited     = "rate_limited"
	DropReasonTooLarge        = "message_too_large"
	DropReasonTooManySessions = "too_many_sessions"
)

// Metrics is a small concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update, so components can take
// an optional metrics sink without nil checks at each call site.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
