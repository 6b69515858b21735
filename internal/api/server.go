// Package api exposes the risk engine over HTTP: the REST surface,
// Prometheus metrics, and the WebSocket dashboard stream.
package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tirs/engine/internal/config"
	"github.com/tirs/engine/internal/engine"
	"github.com/tirs/engine/internal/fabric"
	"github.com/tirs/engine/internal/middleware"
)

// Server wires the engine into an HTTP router.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	streamer *RiskStreamer
}

// NewServer builds the server. bus may be nil; the dashboard stream is
// only registered when it is present.
func NewServer(cfg *config.Config, eng *engine.Engine, bus fabric.EventBus) *Server {
	s := &Server{cfg: cfg, engine: eng}
	if bus != nil {
		s.streamer = NewRiskStreamer(bus)
	}
	return s
}

// Router registers all routes and middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(makeCORSMiddleware(s.cfg.Server.CORSAllowOrigins))

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.cfg.Server.RateLimitPerMinute > 0 {
		rl := middleware.NewRateLimiter(s.cfg.Server.RateLimitPerMinute, s.cfg.Server.RateLimitBurst)
		v1.Use(rl.Middleware)
	}
	v1.HandleFunc("/intents/analyze", AnalyzeIntent(s.engine)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/agents/{agent_id}/status", GetAgentStatus(s.engine)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{agent_id}/enforcement", GetEnforcementHistory(s.engine)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{agent_id}/resurrect", ResurrectAgent(s.engine)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/agents/{agent_id}/forensics/export", ExportForensics(s.engine)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/appeals", SubmitAppeal(s.engine)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/appeals/{appeal_id}/decision", DecideAppeal(s.engine)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/dashboard", GetDashboard(s.engine)).Methods(http.MethodGet)
	v1.HandleFunc("/audit/verify", VerifyAudit(s.engine)).Methods(http.MethodGet)
	v1.HandleFunc("/audit/entries", GetAuditEntries(s.engine)).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", Health()).Methods(http.MethodGet)

	if s.streamer != nil {
		s.streamer.Start()
		r.HandleFunc("/ws/dashboard", s.streamer.HandleWebSocket)
	}
	return r
}

// makeCORSMiddleware matches the request Origin against the configured
// allow-list; "*" allows everything, a pattern with "*" is
// suffix-matched.
func makeCORSMiddleware(origins []string) mux.MiddlewareFunc {
	exact := make(map[string]bool, len(origins))
	var suffixes []string
	allowAll := false
	for _, o := range origins {
		switch {
		case o == "*":
			allowAll = true
		case strings.Contains(o, "*"):
			suffixes = append(suffixes, strings.Replace(o, "*", "", 1))
		default:
			exact[o] = true
		}
	}

	allowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
