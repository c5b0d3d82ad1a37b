package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/497672776/zenow/internal/chat"
	"github.com/497672776/zenow/internal/download"
	"github.com/497672776/zenow/internal/registry"
	"github.com/497672776/zenow/internal/store"
	"github.com/497672776/zenow/internal/supervisor"
	"github.com/497672776/zenow/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case supervisor.IsBusy(err):
		return http.StatusTooManyRequests
	case supervisor.IsNotRunning(err), supervisor.IsShuttingDown(err),
		supervisor.IsDependencyUnavailable(err), errors.Is(err, download.ErrClosed):
		return http.StatusServiceUnavailable
	case registry.IsModelNotFound(err), store.IsNotFound(err), download.IsNotFound(err):
		return http.StatusNotFound
	case store.IsConflict(err):
		return http.StatusConflict
	case registry.IsInvalidInput(err), chat.IsInvalidTurn(err), download.IsInvalidRequest(err),
		supervisor.IsInvalidArtifact(err):
		return http.StatusBadRequest
	case registry.IsDownloadFailed(err), chat.IsTransport(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps err and writes it, counting 429s as backpressure.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("server_busy")
	}
	writeJSONError(w, status, err.Error())
	return status
}
