// Package gateway is the external surface of the governance control plane:
// it accepts proposals, orchestrates policy evaluation, human review, and
// sandboxed execution, and never mutates state except by appending to the
// ledger.
package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jlugo63/gavel/internal/config"
	"github.com/jlugo63/gavel/internal/identity"
	"github.com/jlugo63/gavel/internal/ledger"
	"github.com/jlugo63/gavel/internal/monitoring"
	"github.com/jlugo63/gavel/internal/policy"
	"github.com/jlugo63/gavel/internal/sandbox"
)

// Gateway wires the governance components behind the HTTP surface.
type Gateway struct {
	store    ledger.Store
	registry *identity.Registry
	engine   *policy.Engine
	runner   sandbox.Runner
	metrics  *monitoring.Metrics
	logger   *slog.Logger
	cfg      config.Config

	// clock is overridable for tests.
	clock func() time.Time
}

// New assembles a gateway from its dependencies.
func New(store ledger.Store, registry *identity.Registry, engine *policy.Engine, runner sandbox.Runner, metrics *monitoring.Metrics, logger *slog.Logger, cfg config.Config) *Gateway {
	return &Gateway{
		store:    store,
		registry: registry,
		engine:   engine,
		runner:   runner,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Router builds the HTTP route table.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.observe)

	r.HandleFunc("/health", g.handleHealth).Methods("GET")
	r.HandleFunc("/propose", g.handlePropose).Methods("POST")
	r.HandleFunc("/approve", g.handleApprove).Methods("POST")
	r.HandleFunc("/deny", g.handleDeny).Methods("POST")
	r.HandleFunc("/execute", g.handleExecute).Methods("POST")
	r.HandleFunc("/escalations", g.handleEscalations).Methods("GET")
	r.HandleFunc("/events", g.handleEvents).Methods("GET")
	r.HandleFunc("/events/{eventID}", g.handleEvent).Methods("GET")
	r.HandleFunc("/verify", g.handleVerify).Methods("GET")

	return r
}

// observe logs every request and feeds the latency histogram.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		g.metrics.HTTPRequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())
		g.logger.Info("request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "operational",
		"service": "governance-gateway",
	})
}
