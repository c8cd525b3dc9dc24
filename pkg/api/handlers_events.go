package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/orchestrator/pkg/auth"
)

const defaultEventsLimit = 100

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireUser(principalFrom(r)); err != nil {
		respondError(w, err)
		return
	}

	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	all := h.Store.ListEvents(limit)
	respond(w, http.StatusOK, all)
}
