package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetllm/internal/provider"
	"fleetllm/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps provider errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case errors.Is(err, provider.ErrNoProvider), provider.IsNotAvailable(err):
		return http.StatusServiceUnavailable
	case provider.IsUnsupported(err):
		return http.StatusNotImplemented
	case provider.IsInvalidArgument(err):
		return http.StatusBadRequest
	case provider.IsModelNotFound(err):
		return http.StatusNotFound
	case provider.IsTransport(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
