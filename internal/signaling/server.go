package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
)

type Config struct {
	Manager *lifecycle.Manager
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Origin  origin.Policy

	MaxMessageBytes int64
	// MaxMessagesPerSecond is the inbound budget per connection. 0 disables
	// the limit.
	MaxMessagesPerSecond int

	IdleTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	SendQueueFrames int

	// Clock drives the per-connection rate limiters. Defaults to the wall
	// clock.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Manager == nil {
		c.Manager = lifecycle.New(lifecycle.Config{Logger: c.Logger, Metrics: c.Metrics})
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultWSIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = config.DefaultWSWriteTimeout
	}
	if c.SendQueueFrames <= 0 {
		c.SendQueueFrames = config.DefaultSendQueueFrames
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Server upgrades HTTP requests to signaling WebSocket sessions.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	active sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Manager() *lifecycle.Manager { return s.cfg.Manager }

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Origin.CheckOrigin(r) {
		return true
	}
	s.cfg.Metrics.Inc(metrics.OriginRejected)
	s.log.Warn("signaling_origin_rejected", "origin", r.Header.Get("Origin"), "host", r.Host, "remote_addr", r.RemoteAddr)
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.active.Add(1)
	defer s.active.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	peer := newWSPeer(conn, s.cfg.SendQueueFrames, s.cfg.WriteTimeout, s.cfg.PingInterval, s.cfg.Metrics)
	sess, err := s.cfg.Manager.Accept(peer, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, lifecycle.ErrTooManySessions) {
			_ = peer.closeWith(websocket.CloseTryAgainLater, "too many sessions")
		} else {
			_ = peer.closeWith(websocket.CloseInternalServerErr, "internal error")
		}
		return
	}

	go peer.writeLoop()
	err = s.readLoop(sess.ID(), peer)
	s.finish(sess.ID(), peer, err)
}

// readLoop feeds inbound frames to the manager until the connection fails.
// Once the server starts closing the peer, remaining frames are drained but
// not routed.
func (s *Server) readLoop(sessionID string, peer *wsPeer) error {
	conn := peer.conn
	extendDeadline := func() {
		if peer.Open() {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
	}
	extendDeadline()
	conn.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if peer.closing() {
			continue
		}
		extendDeadline()

		// Limit after reading so the frame is consumed and the peer reliably
		// sees the close code instead of a reset.
		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			s.log.Warn("signaling_rate_limited", "session_id", sessionID, "limit_per_second", s.cfg.MaxMessagesPerSecond)
			_ = peer.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			continue
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.MessagesMalformed)
			s.log.Debug("signaling_binary_frame_ignored", "session_id", sessionID, "bytes", len(data))
			continue
		}

		s.cfg.Manager.Receive(sessionID, data)
	}
}

// finish reports how the connection ended to the lifecycle manager.
func (s *Server) finish(sessionID string, peer *wsPeer, readErr error) {
	m := s.cfg.Manager
	switch {
	case peer.writeError() != nil:
		peer.stop()
		m.Fail(sessionID, peer.writeError())
	case peer.closing():
		m.Close(sessionID)
	case isTimeout(readErr):
		s.cfg.Metrics.Inc(metrics.KeepaliveTimeouts)
		s.log.Info("signaling_keepalive_timeout", "session_id", sessionID, "idle_timeout", s.cfg.IdleTimeout)
		_ = peer.closeWith(websocket.CloseNormalClosure, "idle timeout")
		m.Close(sessionID)
	case errors.Is(readErr, websocket.ErrReadLimit):
		// gorilla has already sent CloseMessageTooBig.
		peer.stop()
		s.cfg.Metrics.Inc(metrics.DropReasonTooLarge)
		s.log.Warn("signaling_message_too_large", "session_id", sessionID, "limit_bytes", s.cfg.MaxMessageBytes)
		m.Fail(sessionID, readErr)
	case websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		peer.stop()
		m.Close(sessionID)
	default:
		peer.stop()
		m.Fail(sessionID, readErr)
	}
}

// Shutdown asks every session to close and waits for their handlers to
// return, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cfg.Manager.CloseAll("server shutting down")

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
