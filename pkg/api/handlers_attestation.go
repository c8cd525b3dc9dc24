package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/orchestrator/pkg/apierr"
	"github.com/cuemby/orchestrator/pkg/auth"
)

func (h *handlers) attestationStatus(w http.ResponseWriter, r *http.Request) {
	p, err := auth.RequireUser(principalFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	vmID := chi.URLParam(r, "id")

	vm, ok := h.Store.GetVM(vmID)
	if !ok {
		respondError(w, apierr.VMNotFound(vmID))
		return
	}
	if vm.OwnerID != p.OwnerID {
		respondError(w, apierr.Forbidden("vm not owned by caller"))
		return
	}

	liveness, ok := h.Store.GetLiveness(vmID)
	if !ok {
		respondError(w, apierr.Validation("vm has no active liveness monitor"))
		return
	}
	respond(w, http.StatusOK, liveness)
}

func (h *handlers) attestationVerify(w http.ResponseWriter, r *http.Request) {
	p, err := auth.RequireUser(principalFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	vmID := chi.URLParam(r, "id")

	vm, ok := h.Store.GetVM(vmID)
	if !ok {
		respondError(w, apierr.VMNotFound(vmID))
		return
	}
	if vm.OwnerID != p.OwnerID {
		respondError(w, apierr.Forbidden("vm not owned by caller"))
		return
	}

	outcome, err := h.Attestation.VerifyNow(r.Context(), vmID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}
