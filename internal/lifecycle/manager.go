// Package lifecycle owns the accept, close and error events of signaling
// sessions and keeps the registry consistent with the live transports.
//
// A session moves ACCEPTED -> IDENTIFIED -> CLOSED. Identification is
// observed from the registry (the router assigns the logical ID); CLOSED is
// entered on the first close or error notification and removes the entry.
// Later notifications for the same session are no-ops.
package lifecycle

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/router"
)

var ErrTooManySessions = errors.New("too many sessions")

type Config struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// MaxSessions caps concurrently registered sessions. <= 0 is unlimited.
	MaxSessions int

	// NewSessionID overrides the session ID generator (UUIDv4 by default).
	NewSessionID func() string
}

type Manager struct {
	registry *registry.Registry
	router   *router.Router
	log      *slog.Logger
	metrics  *metrics.Metrics

	maxSessions  int
	newSessionID func() string

	// acceptMu serializes the quota check with registration.
	acceptMu sync.Mutex
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	newID := cfg.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{
		registry: reg,
		router: router.New(router.Config{
			Registry: reg,
			Logger:   logger,
			Metrics:  cfg.Metrics,
		}),
		log:          logger,
		metrics:      cfg.Metrics,
		maxSessions:  cfg.MaxSessions,
		newSessionID: newID,
	}
}

func (m *Manager) Registry() *registry.Registry { return m.registry }

// Accept registers a newly accepted transport under a fresh session ID.
func (m *Manager) Accept(transport registry.Transport, remoteAddr string) (*registry.Session, error) {
	m.acceptMu.Lock()
	defer m.acceptMu.Unlock()

	if m.maxSessions > 0 && m.registry.Len() >= m.maxSessions {
		m.metrics.Inc(metrics.DropReasonTooManySessions)
		m.log.Warn("signaling_session_rejected", "remote_addr", remoteAddr, "reason", "too many sessions")
		return nil, ErrTooManySessions
	}

	for attempt := 0; attempt < 3; attempt++ {
		sess, err := m.registry.Register(m.newSessionID(), transport, remoteAddr)
		if errors.Is(err, registry.ErrDuplicateSession) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.metrics.Inc(metrics.SessionsAccepted)
		m.log.Info("signaling_session_accepted", "session_id", sess.ID(), "remote_addr", remoteAddr)
		return sess, nil
	}
	return nil, errors.New("failed to allocate unique session id")
}

// Receive routes one inbound frame from sessionID. Frames are expected in
// arrival order from a single reader per session.
func (m *Manager) Receive(sessionID string, frame []byte) router.Outcome {
	return m.router.Route(sessionID, frame)
}

// Close handles an orderly transport close.
func (m *Manager) Close(sessionID string) {
	sess, ok := m.registry.Remove(sessionID)
	if !ok {
		return
	}
	m.metrics.Inc(metrics.SessionsClosed)
	m.log.Info("signaling_session_closed", sessionAttrs(sess)...)
}

// Fail handles a transport error. It is terminal for that session only and
// has the same registry effect as Close.
func (m *Manager) Fail(sessionID string, err error) {
	sess, ok := m.registry.Remove(sessionID)
	if !ok {
		return
	}
	m.metrics.Inc(metrics.SessionsFailed)
	m.log.Warn("signaling_session_error", append(sessionAttrs(sess), "err", err)...)
}

// CloseAll asks every registered transport to close, e.g. during shutdown.
// Registry removal still happens as each transport reports back.
func (m *Manager) CloseAll(reason string) {
	for sess := range m.registry.All() {
		if err := sess.Close(reason); err != nil {
			m.log.Debug("signaling_session_close_failed", "session_id", sess.ID(), "err", err)
		}
	}
}

func sessionAttrs(sess *registry.Session) []any {
	attrs := []any{
		"session_id", sess.ID(),
		"remote_addr", sess.RemoteAddr(),
		"duration_ms", time.Since(sess.AcceptedAt()).Milliseconds(),
	}
	if id, ok := sess.LogicalID(); ok {
		attrs = append(attrs, "node_id", router.ShortNodeID(id))
	}
	return attrs
}
