package api

import (
	"net/http"

	"github.com/cuemby/orchestrator/pkg/types"
)

// systemStatsResponse is the JSON shape for GET /api/system/stats.
type systemStatsResponse struct {
	Nodes            int `json:"nodes"`
	NodesOnline      int `json:"nodes_online"`
	VMs              int `json:"vms"`
	VMsRunning       int `json:"vms_running"`
	AvailableCPU     int `json:"available_cpu_cores"`
	AvailableMemoryMB int `json:"available_memory_mb"`
}

func (h *handlers) systemStats(w http.ResponseWriter, r *http.Request) {
	nodes := h.Store.ListNodes(nil)
	vms := h.Store.ListVMs(nil)

	resp := systemStatsResponse{Nodes: len(nodes), VMs: len(vms)}
	for _, n := range nodes {
		if n.Status == types.NodeOnline {
			resp.NodesOnline++
		}
		avail := n.Available()
		resp.AvailableCPU += avail.CPUCores
		resp.AvailableMemoryMB += avail.MemoryMB
	}
	for _, v := range vms {
		if v.Status == types.VMRunning {
			resp.VMsRunning++
		}
	}

	respond(w, http.StatusOK, resp)
}
