package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/orchestrator/pkg/apierr"
	"github.com/cuemby/orchestrator/pkg/auth"
	"github.com/cuemby/orchestrator/pkg/types"
)

func (h *handlers) listNodes(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireUser(principalFrom(r)); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, h.Store.ListNodes(nil))
}

type registerNodeRequest struct {
	NodeID        string          `json:"node_id"`
	WalletAddress string          `json:"wallet_address"`
	Capacity      types.Capacity  `json:"capacity"`
	GPU           types.GPUSpec   `json:"gpu"`
	PublicIP      string          `json:"public_ip"`
	Region        string          `json:"region"`
	Zone          string          `json:"zone"`
	AgentHost     string          `json:"agent_host"`
	AgentPort     int             `json:"agent_port"`
}

// registerNode creates the Node record a heartbeat would otherwise have
// nowhere to land against. Node-side principal only.
func (h *handlers) registerNode(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireNode(principalFrom(r)); err != nil {
		respondError(w, err)
		return
	}

	var req registerNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, apierr.Validation(err.Error()))
		return
	}
	if req.NodeID == "" {
		respondError(w, apierr.Validation("node_id is required"))
		return
	}

	now := h.Clock.Now()
	h.Store.UpsertNode(types.Node{
		NodeID:        req.NodeID,
		WalletAddress: req.WalletAddress,
		Capacity:      req.Capacity,
		GPU:           req.GPU,
		Status:        types.NodeOnline,
		LastHeartbeat: now,
		PublicIP:      req.PublicIP,
		Region:        req.Region,
		Zone:          req.Zone,
		AgentHost:     req.AgentHost,
		AgentPort:     req.AgentPort,
		UptimePct:     100,
		RegisteredAt:  now,
	})

	respond(w, http.StatusCreated, map[string]string{"node_id": req.NodeID})
}

type heartbeatRequest struct {
	CPUUsagePct    float64  `json:"cpu_usage_pct"`
	MemoryUsagePct float64  `json:"memory_usage_pct"`
	RunningVMIDs   []string `json:"running_vm_ids"`
}

func (h *handlers) nodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireNode(principalFrom(r)); err != nil {
		respondError(w, err)
		return
	}
	nodeID := chi.URLParam(r, "id")

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, apierr.Validation(err.Error()))
		return
	}

	if !h.Health.Heartbeat(nodeID, h.Clock.Now()) {
		respondError(w, apierr.NodeNotFound(nodeID))
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) nodeAck(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireNode(principalFrom(r)); err != nil {
		respondError(w, err)
		return
	}
	cmdID := chi.URLParam(r, "cmd_id")

	var req struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, apierr.Validation(err.Error()))
		return
	}

	h.Bus.Ack(cmdID, req.OK, req.Reason)
	respond(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *handlers) nodeAttestationResponse(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireNode(principalFrom(r)); err != nil {
		respondError(w, err)
		return
	}
	cmdID := chi.URLParam(r, "cmd_id")

	var req struct {
		Nonce          string  `json:"nonce"`
		Signature      string  `json:"signature"`
		OK             bool    `json:"ok"`
		Reason         string  `json:"reason"`
		ResponseTimeMS float64 `json:"response_time_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, apierr.Validation(err.Error()))
		return
	}

	// Signature verification is the node transport's concern (same
	// external-auth boundary as wallet-signature login, spec.md §1); the
	// core's part of "signed response matches nonce" is the nonce check
	// AckAttestation performs against the PendingCommand it issued.
	h.Bus.AckAttestation(cmdID, req.OK, req.Nonce, req.Reason)
	respond(w, http.StatusOK, map[string]string{"status": "accepted"})
}
