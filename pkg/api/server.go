package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"socks-fleet/pkg/auth"
	"socks-fleet/pkg/metrics"
	"socks-fleet/pkg/model"
)

// Fleet is the lifecycle manager behind the HTTP surface.
type Fleet interface {
	Create(ctx context.Context, geo string, mode model.PlacementMode) (model.Instance, error)
	List(ctx context.Context) ([]model.Instance, error)
	Terminate(ctx context.Context, port int) (model.Instance, error)
	RuntimeConnected() bool
	Reconcile(ctx context.Context)
}

type Options struct {
	// Token is a static operator token. Empty together with AdminPasswordHash disables auth.
	Token             string
	AdminUser         string
	AdminPasswordHash string
	// CreateRateLimit is the number of POST /proxies allowed per client IP per minute. Zero disables it.
	CreateRateLimit int
}

type Server struct {
	fleet    Fleet
	hub      *EventHub
	issuer   *auth.Issuer
	registry *prometheus.Registry
	http     *metrics.HTTP
	opt      Options
	log      logs.Log
}

// NewServer builds the API. A nil issuer disables operator login.
func NewServer(fleet Fleet, hub *EventHub, issuer *auth.Issuer, registry *prometheus.Registry, opt Options, log logs.Log) *Server {
	s := &Server{
		fleet:    fleet,
		hub:      hub,
		issuer:   issuer,
		registry: registry,
		http:     metrics.NewHTTP(registry),
		opt:      opt,
		log:      log,
	}
	// protected streams are same-origin only
	if s.authEnabled() {
		hub.RequireSameOrigin()
	}
	return s
}

// Handler wires the routes.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	handle := func(method, route, name string, h http.Handler) {
		router.Handler(method, route, s.http.Wrap(name, h))
	}

	handle(http.MethodGet, "/proxies", "list_proxies", s.requireAuth(s.handleList))
	var create http.Handler = s.requireAuth(s.handleCreate)
	if s.opt.CreateRateLimit > 0 {
		create = httprate.Limit(s.opt.CreateRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Too many proxy requests, retry later.")
			}),
		)(create)
	}
	handle(http.MethodPost, "/proxies", "create_proxy", create)
	handle(http.MethodDelete, "/proxies/:port", "delete_proxy", s.requireAuth(s.handleDelete))
	handle(http.MethodGet, "/health", "health", http.HandlerFunc(s.handleHealth))
	handle(http.MethodPost, "/auth/login", "login", http.HandlerFunc(s.handleLogin))
	handle(http.MethodGet, "/events/recent", "recent_events", s.requireAuth(s.handleRecent))
	router.Handler(http.MethodGet, "/events", s.requireAuth(s.hub.HandleWS))
	router.Handler(http.MethodGet, "/metrics", metrics.Handler(s.registry))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, p interface{}) {
		s.log.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, p)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.fleet.Reconcile(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"docker_connected": s.fleet.RuntimeConnected(),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Recent())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
