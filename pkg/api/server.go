package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/decloudhq/decloud/pkg/auth"
	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/delivery"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/ingress"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/registry"
	"github.com/decloudhq/decloud/pkg/sysvm"
)

// Server is the orchestrator's HTTP surface: the node-facing control plane
// and the tenant-facing management API on one listener.
type Server struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	broker    *events.Broker
	registry  *registry.Registry
	deliverer *delivery.Deliverer
	vms       *lifecycle.Manager
	ingress   *ingress.Service
	auth      *auth.Service
	ready     *sysvm.ReadyHandler

	httpServer *http.Server
}

// New creates the API server
func New(cfg *config.Config, gw *gateway.Gateway, broker *events.Broker, reg *registry.Registry, deliverer *delivery.Deliverer, vms *lifecycle.Manager, ing *ingress.Service, authSvc *auth.Service, ready *sysvm.ReadyHandler) *Server {
	return &Server{
		cfg:       cfg,
		gw:        gw,
		broker:    broker,
		registry:  reg,
		deliverer: deliverer,
		vms:       vms,
		ingress:   ing,
		auth:      authSvc,
		ready:     ready,
	}
}

// Router builds the chi router with all routes mounted
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Node-facing control plane
	r.Post("/nodes/register", s.handleRegister)
	r.Group(func(r chi.Router) {
		r.Use(s.nodeAuth)
		r.Post("/nodes/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/nodes/{id}/ack", s.handleAck)
	})

	// System-VM ready callbacks, HMAC-gated per obligation token
	r.Post("/api/dht/ready", s.handleDhtReady)
	r.Post("/api/relay/ready", s.handleRelayReady)

	// Tenant API
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/refresh", s.handleRefresh)
	r.Group(func(r chi.Router) {
		r.Use(s.userAuth)
		r.Post("/api/keys", s.handleCreateAPIKey)
		r.Delete("/api/keys/{prefix}", s.handleRevokeAPIKey)

		r.Post("/api/vms", s.handleCreateVm)
		r.Get("/api/vms", s.handleListVms)
		r.Get("/api/vms/{id}", s.handleGetVm)
		r.Post("/api/vms/{id}/start", s.handleStartVm)
		r.Post("/api/vms/{id}/stop", s.handleStopVm)
		r.Delete("/api/vms/{id}", s.handleDeleteVm)

		r.Post("/api/vms/{id}/domains", s.handleAddDomain)
		r.Get("/api/vms/{id}/domains", s.handleListDomains)
		r.Post("/api/domains/{id}/verify", s.handleVerifyDomain)
		r.Delete("/api/domains/{id}", s.handleRemoveDomain)
	})

	return r
}

// Start serves the API until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// countRequests records per-route request counts once the route pattern is
// known.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Errorf("failed to encode response", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
