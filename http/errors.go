package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/registry"
)

// Fail writes the error body for err with the status of its kind.
func Fail(w http.ResponseWriter, req *http.Request, err error) {
	status, code := statusOf(err)
	render.Status(req, status)
	render.JSON(w, req, map[string]any{"error": code, "detail": err.Error()})
}

func statusOf(err error) (int, string) {
	switch domain.KindOf(err) {
	case domain.ErrConfig:
		if errors.Is(err, registry.ErrDuplicate) {
			return http.StatusConflict, "duplicate_integration"
		}
		return http.StatusBadRequest, "invalid_integration"
	case domain.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case domain.ErrAuth:
		return http.StatusBadGateway, "upstream_auth_error"
	case domain.ErrCircuitOpen:
		return http.StatusServiceUnavailable, "circuit_open"
	case domain.ErrSchemaMismatch:
		return http.StatusBadGateway, "schema_mismatch"
	case domain.ErrTransient:
		return http.StatusGatewayTimeout, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func badRequest(w http.ResponseWriter, req *http.Request, code, detail string) {
	render.Status(req, http.StatusBadRequest)
	render.JSON(w, req, map[string]any{"error": code, "detail": detail})
}
