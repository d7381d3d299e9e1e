// Package respond writes the gateway's JSON envelopes. Every error response
// uses the same shape: {"error":{"code","message","details?"}}.
package respond

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes a JSON payload with the supplied status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	JSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}
