// Package api is the REST-style surface of the orchestrator: a
// github.com/go-chi/chi/v5 router implementing spec.md §6's endpoint
// table and {success, data?, error_code?, message?} envelope. Grounded
// on wisbric-nightowl's internal/httpserver (chi router, JSON decode
// helpers, Respond/RespondError shape), adapted to the orchestrator's
// own envelope contract.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/orchestrator/pkg/apierr"
)

// envelope is the wire shape every handler responds with.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respond writes a successful envelope carrying data.
func respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// respondError translates err into the error envelope. apierr.Error
// carries its own HTTP status and stable code; any other error is
// reported as INTERNAL.
func respondError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apierr.Error); ok {
		writeJSON(w, ae.HTTPStatus(), envelope{Success: false, ErrorCode: string(ae.Code), Message: ae.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, envelope{Success: false, ErrorCode: string(apierr.CodeInternal), Message: err.Error()})
}

// decodeJSON reads a JSON request body into dst, capped at 1 MiB.
func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, 1<<20)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
