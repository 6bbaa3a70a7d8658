package middleware

import (
	"encoding/json"
	"net/http"
)

// writeErrorEnvelope writes the same {status:false, message} shape the api
// package's Envelope produces, so a request rejected before the tenant/auth
// context exists (missing header, bad bearer token) still returns the same
// unified envelope instead of a bare text/plain body. Duplicated rather than
// imported because internal/api already imports this package.
func writeErrorEnvelope(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
	}{Status: false, Message: message})
}
