package proxy

import (
	"encoding/json"
	"net/http"
)

// Client-visible error body, OpenAI shaped. Messages never include
// credential material; callers pass prepared text only.
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeOverloaded     = "overloaded_error"
	errTypeUpstream       = "upstream_error"
	errTypeInternal       = "internal_error"
)

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, apiErrorBody{Error: apiError{Type: typ, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
