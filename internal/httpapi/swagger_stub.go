//go:build !swagger

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountSwagger answers /swagger/* with a 404 naming the build tag that
// enables the API docs.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "API docs not built in; rebuild fleetllm with -tags=swagger")
	})
}
