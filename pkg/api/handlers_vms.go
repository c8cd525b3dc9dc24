package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/orchestrator/pkg/apierr"
	"github.com/cuemby/orchestrator/pkg/auth"
	"github.com/cuemby/orchestrator/pkg/commandbus"
	"github.com/cuemby/orchestrator/pkg/lifecycle"
	"github.com/cuemby/orchestrator/pkg/scheduler"
	"github.com/cuemby/orchestrator/pkg/types"
)

func (h *handlers) listVMs(w http.ResponseWriter, r *http.Request) {
	p, err := auth.RequireUser(principalFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	vms := h.Store.ListVMs(func(v *types.VM) bool { return v.OwnerID == p.OwnerID })
	respond(w, http.StatusOK, vms)
}

type createVMRequest struct {
	Name         string     `json:"name"`
	VMType       types.VMType `json:"vm_type"`
	Spec         types.Spec `json:"spec"`
	Region       string     `json:"region"`
	Zone         string     `json:"zone"`
	PinnedNodeID string     `json:"pinned_node_id"`
	HourlyRate   float64    `json:"hourly_rate"`
}

func (h *handlers) createVM(w http.ResponseWriter, r *http.Request) {
	p, err := auth.RequireUser(principalFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}

	var req createVMRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, apierr.Validation(err.Error()))
		return
	}
	if req.Name == "" {
		respondError(w, apierr.Validation("name is required"))
		return
	}
	if req.VMType == "" {
		req.VMType = types.VMGeneral
	}

	password, err := generatePassword()
	if err != nil {
		respondError(w, apierr.Internal("failed to generate password"))
		return
	}

	now := h.Clock.Now()
	vmID := h.Clock.NewID()
	h.Store.UpsertVM(types.VM{
		VMID:      vmID,
		OwnerID:   p.OwnerID,
		Name:      req.Name,
		VMType:    req.VMType,
		Spec:      req.Spec,
		Region:    req.Region,
		Zone:      req.Zone,
		PinnedNodeID: req.PinnedNodeID,
		Billing:   types.Billing{HourlyRate: req.HourlyRate},
		Status:    types.VMPending,
		CreatedAt: now,
		UpdatedAt: now,
	})

	go h.Scheduler.Trigger(vmID, scheduler.Request{PinnedNodeID: req.PinnedNodeID, Region: req.Region, Zone: req.Zone})

	respond(w, http.StatusCreated, map[string]string{"vm_id": vmID, "generated_password": password})
}

type vmActionRequest struct {
	Action string `json:"action"`
}

func (h *handlers) vmAction(w http.ResponseWriter, r *http.Request) {
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

	var req vmActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, apierr.Validation(err.Error()))
		return
	}

	switch req.Action {
	case "Stop":
		if vm.Status != types.VMRunning {
			respondError(w, apierr.VMNotRunning(vmID))
			return
		}
		if err := h.Lifecycle.Transition(vmID, types.VMStopping, lifecycle.TransitionContext{Source: lifecycle.SourceUserStop}); err != nil {
			respondError(w, err)
			return
		}
		go h.dispatchStop(vmID, vm.NodeID)
	case "Start":
		if vm.Status != types.VMStopped {
			respondError(w, apierr.Validation("vm is not stopped"))
			return
		}
		if err := h.Lifecycle.Transition(vmID, types.VMPending, lifecycle.TransitionContext{Source: lifecycle.SourceUserStart}); err != nil {
			respondError(w, err)
			return
		}
		go h.Scheduler.Trigger(vmID, scheduler.Request{Region: vm.Region, Zone: vm.Zone})
	default:
		respondError(w, apierr.Validation("action must be Start or Stop"))
		return
	}

	respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handlers) dispatchStop(vmID, nodeID string) {
	_, _ = h.Bus.Issue(context.Background(), types.CommandStopVM, nodeID, vmID, nil, func(outcome commandbus.Outcome, reason string) {
		h.onStopTerminal(vmID, outcome, reason)
	})
}

func (h *handlers) onStopTerminal(vmID string, outcome commandbus.Outcome, reason string) {
	if outcome == commandbus.OutcomeOK {
		_ = h.Lifecycle.Transition(vmID, types.VMStopped, lifecycle.TransitionContext{Source: lifecycle.SourceNodeAckStopOK})
		return
	}
	_ = h.Lifecycle.Transition(vmID, types.VMError, lifecycle.TransitionContext{Source: lifecycle.SourceNodeAckFail, Reason: reason})
}

func (h *handlers) deleteVM(w http.ResponseWriter, r *http.Request) {
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

	if err := h.Lifecycle.Transition(vmID, types.VMDeleting, lifecycle.TransitionContext{Source: lifecycle.SourceUserDelete}); err != nil {
		respondError(w, err)
		return
	}
	go h.dispatchDelete(vmID, vm.NodeID)

	respond(w, http.StatusAccepted, map[string]string{"status": "deleting"})
}

func (h *handlers) dispatchDelete(vmID, nodeID string) {
	_, _ = h.Bus.Issue(context.Background(), types.CommandDeleteVM, nodeID, vmID, nil, func(outcome commandbus.Outcome, reason string) {
		h.onDeleteTerminal(vmID, outcome, reason)
	})
}

func (h *handlers) onDeleteTerminal(vmID string, outcome commandbus.Outcome, reason string) {
	if outcome == commandbus.OutcomeOK {
		_ = h.Lifecycle.Transition(vmID, types.VMDeleted, lifecycle.TransitionContext{Source: lifecycle.SourceNodeAckDeleteOK})
		return
	}
	_ = h.Lifecycle.Transition(vmID, types.VMError, lifecycle.TransitionContext{Source: lifecycle.SourceNodeAckFail, Reason: reason})
}

type setSecurePasswordRequest struct {
	EncryptedPassword string `json:"encrypted_password"`
}

func (h *handlers) setSecurePassword(w http.ResponseWriter, r *http.Request) {
	p, err := auth.RequireUser(principalFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	vmID := chi.URLParam(r, "id")

	var req setSecurePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, apierr.Validation(err.Error()))
		return
	}

	vm, ok := h.Store.GetVM(vmID)
	if !ok {
		respondError(w, apierr.VMNotFound(vmID))
		return
	}
	if vm.OwnerID != p.OwnerID {
		respondError(w, apierr.Forbidden("vm not owned by caller"))
		return
	}

	h.Store.MutateVM(vmID, func(v *types.VM) {
		v.EncryptedPassword = req.EncryptedPassword
	})

	respond(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (h *handlers) getEncryptedPassword(w http.ResponseWriter, r *http.Request) {
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

	respond(w, http.StatusOK, map[string]string{"encrypted_password": vm.EncryptedPassword})
}

func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
