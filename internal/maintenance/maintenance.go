// Package maintenance runs the relay's periodic housekeeping: connection stats
// reporting and closing peers that have gone silent.
package maintenance

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/router"
)

const staleCloseReason = "stale peer"

type Config struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// StatsInterval <= 0 disables the periodic stats log.
	StatsInterval time.Duration
	// StalePeerTimeout <= 0 disables the sweep.
	StalePeerTimeout time.Duration
	SweepInterval    time.Duration

	Now func() time.Time
}

type Node struct {
	NodeID     string    `json:"nodeId"`
	RemoteAddr string    `json:"remoteAddr"`
	LastSeen   time.Time `json:"lastSeen"`
}

type Stats struct {
	ConnectedClients int    `json:"connectedClients"`
	IdentifiedNodes  []Node `json:"identifiedNodes"`
}

type Maintainer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Maintainer {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Maintainer{cfg: cfg, log: cfg.Logger}
}

// Stats reports every connected session and, for identified ones, a
// shortened node ID in registration order.
func (m *Maintainer) Stats() Stats {
	stats := Stats{IdentifiedNodes: []Node{}}
	for sess := range m.cfg.Registry.All() {
		stats.ConnectedClients++
		id, ok := sess.LogicalID()
		if !ok {
			continue
		}
		stats.IdentifiedNodes = append(stats.IdentifiedNodes, Node{
			NodeID:     router.ShortNodeID(id),
			RemoteAddr: sess.RemoteAddr(),
			LastSeen:   sess.LastSeenAt(),
		})
	}
	return stats
}

func (m *Maintainer) logStats() {
	stats := m.Stats()
	m.log.Info("signaling_stats",
		"connected_clients", stats.ConnectedClients,
		"identified_nodes", len(stats.IdentifiedNodes),
	)
	for _, n := range stats.IdentifiedNodes {
		m.log.Debug("signaling_stats_node",
			"node_id", n.NodeID,
			"remote_addr", n.RemoteAddr,
			"idle_ms", m.cfg.Now().Sub(n.LastSeen).Milliseconds(),
		)
	}
}

// Sweep closes sessions whose last inbound message is older than the stale
// timeout and returns how many it asked to close. Registry removal follows
// when each transport reports its closure.
func (m *Maintainer) Sweep() int {
	if m.cfg.StalePeerTimeout <= 0 {
		return 0
	}
	cutoff := m.cfg.Now().Add(-m.cfg.StalePeerTimeout)
	swept := 0
	for sess := range m.cfg.Registry.All() {
		// Sessions already closing stay registered until the transport
		// reports back; they were counted when first swept.
		if !sess.Open() || !sess.LastSeenAt().Before(cutoff) {
			continue
		}
		swept++
		m.cfg.Metrics.Inc(metrics.SessionsSwept)
		m.log.Info("signaling_stale_peer_closed",
			"session_id", sess.ID(),
			"remote_addr", sess.RemoteAddr(),
			"idle_ms", m.cfg.Now().Sub(sess.LastSeenAt()).Milliseconds(),
		)
		if err := sess.Close(staleCloseReason); err != nil {
			m.log.Debug("signaling_session_close_failed", "session_id", sess.ID(), "err", err)
		}
	}
	return swept
}

// Run blocks until ctx is done. It always returns nil so it can share an
// errgroup with the HTTP server without forcing a shutdown of its own.
func (m *Maintainer) Run(ctx context.Context) error {
	statsC, stopStats := tick(m.cfg.StatsInterval)
	defer stopStats()
	sweepInterval := m.cfg.SweepInterval
	if m.cfg.StalePeerTimeout <= 0 {
		sweepInterval = 0
	}
	sweepC, stopSweep := tick(sweepInterval)
	defer stopSweep()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-statsC:
			m.logStats()
		case <-sweepC:
			m.Sweep()
		}
	}
}

// tick returns a nil channel for a non-positive interval, which never fires.
func tick(interval time.Duration) (<-chan time.Time, func()) {
	if interval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}
