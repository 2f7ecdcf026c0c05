package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

var (
	// ErrContentNotFound reports that the upstream page held nothing worth serving.
	ErrContentNotFound = errors.New("content not found")
	// ErrBodyTooLarge reports an upstream body over the configured cap.
	ErrBodyTooLarge = errors.New("upstream body too large")
	// ErrUpstreamTimeout reports a mirror that went silent past the fetch timeout.
	ErrUpstreamTimeout = errors.New("upstream timed out")
)

// UpstreamError describes a failed mirror request. StatusCode is zero when the
// mirror never produced a response.
type UpstreamError struct {
	StatusCode int
	Mirror     string
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("upstream request failed: %v", e.Cause)
	}
	return "upstream request failed"
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError maps err to a status code and JSON payload.
func WriteError(w http.ResponseWriter, err error) {
	var upstreamErr *UpstreamError
	switch {
	case errors.Is(err, ErrContentNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Content not found"})
	case errors.As(err, &upstreamErr):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Proxy failed", Details: upstreamErr.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Proxy failed", Details: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
