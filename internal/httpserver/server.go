package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/maintenance"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Routes are the relay components mounted on the router. Nil entries are
// left unmounted.
type Routes struct {
	// Signaling is served at GET /signal and, for older clients that connect
	// to the root path, GET /.
	Signaling http.Handler
	Metrics   http.Handler
	Stats     func() maintenance.Stats
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	origin origin.Policy

	ready atomic.Bool

	router chi.Router
	srv    *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, routes Routes) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		origin: origin.NewPolicy(cfg.AllowedOrigins),
		router: chi.NewRouter(),
	}

	if cfg.TrustProxyHeaders {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(
		middleware.RequestID,
		recoverMiddleware(s.log),
		requestLoggerMiddleware(s.log),
	)
	s.registerRoutes(routes)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: signaling connections are long-lived
		// WebSockets with their own keepalive deadlines.
	}

	return s
}

// Handler returns the root handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting requests. Hijacked WebSocket connections are not
// tracked by net/http and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes(routes Routes) {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.originMiddleware)

		r.Get("/webrtc/ice", func(w http.ResponseWriter, r *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]any{"iceServers": s.cfg.ICEServers})
		})
		r.Options("/webrtc/ice", preflightFallback)

		if routes.Stats != nil {
			r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
				WriteJSON(w, http.StatusOK, routes.Stats())
			})
			r.Options("/stats", preflightFallback)
		}
	})

	if routes.Signaling != nil {
		r.Method(http.MethodGet, "/signal", routes.Signaling)
		r.Method(http.MethodGet, "/", routes.Signaling)
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
