// Package router applies the relay's two delivery disciplines to inbound
// signaling frames: broadcast-to-others and targeted delivery by logical ID.
//
// Delivery is best effort. Nothing is reported back to the sender, a target
// that is not connected simply misses the message, and each recipient is
// attempted independently of the others.
package router

import (
	"io"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
)

type Config struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Now overrides time.Now for last-seen bookkeeping.
	Now func() time.Time
}

type Router struct {
	registry *registry.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		registry: cfg.Registry,
		log:      logger,
		metrics:  cfg.Metrics,
		now:      now,
	}
}

// Outcome summarizes one Route call for logging and tests.
type Outcome struct {
	Routed     bool
	Discipline Discipline
	Delivered  int
	Failed     int
}

// Route parses frame and delivers it on behalf of sourceID.
func (r *Router) Route(sourceID string, frame []byte) Outcome {
	r.metrics.Inc(metrics.MessagesReceived)

	msg, err := ParseMessage(frame)
	if err != nil {
		r.metrics.Inc(metrics.MessagesMalformed)
		r.log.Warn("signaling_invalid_message", "session_id", sourceID, "bytes", len(frame), "err", err)
		return Outcome{}
	}

	source, ok := r.registry.Get(sourceID)
	if !ok {
		// Raced with close; the session is already gone.
		r.metrics.Inc(metrics.MessagesOrphaned)
		r.log.Debug("signaling_message_from_unknown_session", "session_id", sourceID, "type", msg.Type)
		return Outcome{}
	}

	if msg.NodeID != "" && r.registry.AssignLogicalID(sourceID, msg.NodeID) {
		r.metrics.Inc(metrics.PeersIdentified)
		r.log.Info("signaling_peer_identified", "session_id", sourceID, "node_id", ShortNodeID(msg.NodeID))
	}
	r.registry.Touch(sourceID, r.now())

	out := Outcome{Routed: true, Discipline: msg.Discipline()}
	switch out.Discipline {
	case Targeted:
		r.metrics.Inc(metrics.MessagesTargeted)
		target, found := r.registry.FindByLogicalID(msg.TargetID)
		if !found {
			// Offline targets are routine during discovery; count, don't log.
			r.metrics.Inc(metrics.TargetsUnresolved)
			return out
		}
		r.tally(&out, r.deliver(source, target, msg))
	default:
		r.metrics.Inc(metrics.MessagesBroadcast)
		for target := range r.registry.AllExcept(sourceID) {
			r.tally(&out, r.deliver(source, target, msg))
		}
	}
	return out
}

type result int

const (
	resultSkipped result = iota
	resultDelivered
	resultFailed
)

func (r *Router) tally(out *Outcome, res result) {
	switch res {
	case resultDelivered:
		out.Delivered++
	case resultFailed:
		out.Failed++
	}
}

func (r *Router) deliver(source, target *registry.Session, msg Message) result {
	if !target.Open() {
		r.metrics.Inc(metrics.DeliveriesSkipped)
		return resultSkipped
	}
	if err := target.Send(msg.Raw); err != nil {
		r.metrics.Inc(metrics.DeliveriesFailed)
		r.log.Warn("signaling_delivery_failed",
			"session_id", source.ID(),
			"target_session_id", target.ID(),
			"type", msg.Type,
			"err", err,
		)
		return resultFailed
	}
	r.metrics.Inc(metrics.DeliveriesSent)
	return resultDelivered
}

// ShortNodeID trims a node ID to its last 8 characters for log output.
func ShortNodeID(nodeID string) string {
	const keep = 8
	r := []rune(nodeID)
	if len(r) <= keep {
		return nodeID
	}
	return string(r[len(r)-keep:])
}
