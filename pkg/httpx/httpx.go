// Package httpx holds the JSON envelope helpers used by the wallet API.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// NewTraceID tags each response so a client report can be matched to logs.
func NewTraceID() string { return "trc_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]any{
		"trace_id": NewTraceID(),
		"error":    map[string]any{"code": code, "message": message},
	})
}
