package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON error body shared by every route.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:         msg,
		Code:          code,
		CorrelationID: CorrelationIDFrom(r.Context()),
	})
}
