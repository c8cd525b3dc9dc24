package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/orchestrator/pkg/attestation"
	"github.com/cuemby/orchestrator/pkg/auth"
	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/commandbus"
	"github.com/cuemby/orchestrator/pkg/health"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/metrics"
	"github.com/cuemby/orchestrator/pkg/scheduler"
	"github.com/cuemby/orchestrator/pkg/store"
)

// Deps are the components the API surface dispatches into. Every
// handler touches only identifiers and the Store's public methods, per
// the orchestrator's ownership rule.
type Deps struct {
	Store       *store.Store
	Lifecycle   *lifecycle.Manager
	Scheduler   *scheduler.Scheduler
	Bus         *commandbus.Bus
	Health      *health.Monitor
	Attestation *attestation.Scheduler
	Auth        *auth.Registry
	Clock       clock.Clock
}

// NewRouter builds the full chi.Mux: unauthenticated health/metrics
// endpoints, then the user-facing and node-callback route groups, each
// behind authMiddleware.
func NewRouter(d Deps) *chi.Mux {
	h := &handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(authMiddleware(d.Auth))

		api.Get("/system/stats", h.systemStats)
		api.Get("/nodes", h.listNodes)
		api.Post("/nodes/register", h.registerNode)

		api.Get("/vms", h.listVMs)
		api.Post("/vms", h.createVM)
		api.Route("/vms/{id}", func(vm chi.Router) {
			vm.Post("/action", h.vmAction)
			vm.Delete("/", h.deleteVM)
			vm.Post("/secure-password", h.setSecurePassword)
			vm.Get("/encrypted-password", h.getEncryptedPassword)
		})

		api.Route("/attestation/vms/{id}", func(at chi.Router) {
			at.Get("/status", h.attestationStatus)
			at.Post("/verify", h.attestationVerify)
		})

		api.Route("/nodes/{id}", func(n chi.Router) {
			n.Post("/heartbeat", h.nodeHeartbeat)
			n.Post("/commands/{cmd_id}/ack", h.nodeAck)
			n.Post("/attestation/{cmd_id}/response", h.nodeAttestationResponse)
		})

		api.Get("/events", h.listEvents)
	})

	return r
}

type handlers struct {
	Deps
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
