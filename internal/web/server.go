// Package web assembles the relay's HTTP surface: the static front page,
// /healthz, the client configuration endpoint, the gated metrics endpoint
// and the WebSocket signaling path.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/beamdrop/beamdrop/internal/config"
	"github.com/beamdrop/beamdrop/internal/metrics"
)

// Server routes the HTTP surface. Construct with New and mount Handler on an
// http.Server.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

// New assembles the routes. gateway handles WebSocket upgrades on the
// configured signaling path.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, gateway http.Handler) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger.With("component", "web"),
		metrics: m,
		mux:     http.NewServeMux(),
	}

	static, err := newStaticHandler()
	if err != nil {
		return nil, err
	}

	// Static and /config budgets are separate so a hot front page cannot
	// starve clients of their ICE configuration.
	staticLimit := newIPLimiter(cfg.StaticMax, cfg.HTTPWindow)
	configLimit := newIPLimiter(cfg.ConfigMax, cfg.HTTPWindow)

	s.mux.Handle(cfg.WSPath, gateway)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /config", configLimit.wrap(http.HandlerFunc(s.handleConfig)))
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.Handle("/", staticLimit.wrap(static))

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.hsts(s.mux)
}

// hsts optionally emits Strict-Transport-Security on every response.
func (s *Server) hsts(next http.Handler) http.Handler {
	if !s.cfg.HSTSEnabled {
		return next
	}
	value := fmt.Sprintf("max-age=%d", s.cfg.HSTSMaxAge)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", value)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprint(w, "ok")
}

// handleConfig hands clients the runtime settings they need before opening
// the WebSocket: the signaling path and the ICE server list, the latter
// passed through verbatim from configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(struct {
		WSPath     string          `json:"wsPath"`
		ICEServers json.RawMessage `json:"iceServers"`
	}{
		WSPath:     s.cfg.WSPath,
		ICEServers: s.cfg.ICEServers,
	})
	if err != nil {
		s.log.Error("encoding /config response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(body)
}

// handleMetrics exposes Prometheus metrics when enabled. Disabled deployments
// answer 404 so the endpoint's existence is not advertised; a configured
// token additionally requires bearer authentication.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.MetricsEnabled {
		http.NotFound(w, r)
		return
	}
	if token := s.cfg.MetricsToken; token != "" {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.metrics.Handler().ServeHTTP(w, r)
}
