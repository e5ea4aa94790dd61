// Package http serves the REST API: sending messages, reading history,
// archiving conversations and accepting delivery receipts.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/wapipe/internal/ack"
	"github.com/nextlevelbuilder/wapipe/internal/outbound"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

// TenantHeader names the tenant a request acts for.
const TenantHeader = "X-Tenant-ID"

// retryAfterSeconds is advertised with 503 responses.
const retryAfterSeconds = "1"

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// ErrorCode maps an error to its protocol code and HTTP status.
func ErrorCode(err error) (string, int) {
	var verr *outbound.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, outbound.ErrInvalid), errors.Is(err, ack.ErrInvalidLevel),
		errors.Is(err, ack.ErrUnidentified), errors.Is(err, store.ErrInvalidCursor):
		return protocol.ErrInvalidRequest, http.StatusBadRequest
	case errors.Is(err, outbound.ErrConversationNotFound), errors.Is(err, store.ErrNotFound):
		return protocol.ErrNotFound, http.StatusNotFound
	case errors.Is(err, outbound.ErrConversationArchived), errors.Is(err, outbound.ErrKeyConflict):
		return protocol.ErrConflict, http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return protocol.ErrUnavailable, http.StatusServiceUnavailable
	}
	return protocol.ErrInternal, http.StatusInternalServerError
}

// writeError renders err with the status its kind maps to.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := ErrorCode(err)
	body := errorBody{Error: err.Error(), Code: code, Retryable: status == http.StatusServiceUnavailable}

	var verr *outbound.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		slog.Warn("http.store_unavailable", "path", r.URL.Path, "error", err)
	case http.StatusInternalServerError:
		slog.Error("http.internal_error", "path", r.URL.Path, "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
