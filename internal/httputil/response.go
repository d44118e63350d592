// Package httputil holds the JSON response helpers shared by the debug
// routes.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// WriteJSON encodes v with the given status. Requests carrying ?pretty get
// indented output.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if r != nil && r.URL.Query().Has("pretty") {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// OK writes v with 200 OK.
func OK(w http.ResponseWriter, r *http.Request, v any) {
	WriteJSON(w, r, http.StatusOK, v)
}

// Error writes an ErrorBody with the given status.
func Error(w http.ResponseWriter, r *http.Request, status int, msg string) {
	WriteJSON(w, r, status, ErrorBody{Error: msg, Status: status})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	Error(w, r, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 error.
func InternalServerError(w http.ResponseWriter, r *http.Request, msg string) {
	Error(w, r, http.StatusInternalServerError, msg)
}

// MethodNotAllowed writes a 405 error and sets Allow.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// GetOnly wraps h so that only GET and HEAD reach it.
func GetOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			MethodNotAllowed(w, r, http.MethodGet, http.MethodHead)
			return
		}
		h(w, r)
	}
}
