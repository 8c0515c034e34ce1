package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/manager"
)

// Manager is the facade surface served over HTTP. *manager.Manager implements it.
type Manager interface {
	CreateIntegration(ctx context.Context, def domain.Definition) (string, error)
	SetDefault(ctx context.Context, name string) error
	Unregister(ctx context.Context, name string) error
	Update(ctx context.Context, name string, p domain.Patch) (domain.Integration, error)
	RotateCredential(ctx context.Context, name, secret string) error
	Integration(name string) (domain.Integration, error)
	ListIntegrations(ctx context.Context) []domain.View
	Health(ctx context.Context) map[string]domain.HealthStatus
	Search(ctx context.Context, c domain.Criteria, s domain.Scope) (manager.UnifiedResult, error)
	Fetch(ctx context.Context, name, id string) (domain.CanonicalProperty, error)
	Push(ctx context.Context, name string, records []map[string]any) (int, error)
}

var _ Manager = (*manager.Manager)(nil)

type IntegrationsDeps struct {
	Manager Manager
}

type credentialRequest struct {
	Secret string `json:"api_key_or_credential"`
}

type pushRequest struct {
	Records []map[string]any `json:"records"`
}

func RegisterIntegrations(r chi.Router, d IntegrationsDeps) {
	r.Route("/integrations", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var def domain.Definition
			if err := json.NewDecoder(req.Body).Decode(&def); err != nil {
				badRequest(w, req, "invalid_json", err.Error())
				return
			}
			id, err := d.Manager.CreateIntegration(req.Context(), def)
			if err != nil {
				Fail(w, req, err)
				return
			}
			render.Status(req, http.StatusCreated)
			render.JSON(w, req, map[string]any{"id": id, "name": def.Name})
		})

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			views := d.Manager.ListIntegrations(req.Context())
			render.JSON(w, req, map[string]any{"count": len(views), "integrations": views})
		})

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			render.JSON(w, req, d.Manager.Health(req.Context()))
		})

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				in, err := d.Manager.Integration(chi.URLParam(req, "name"))
				if err != nil {
					Fail(w, req, err)
					return
				}
				render.JSON(w, req, in)
			})

			r.Patch("/", func(w http.ResponseWriter, req *http.Request) {
				var p domain.Patch
				if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
					badRequest(w, req, "invalid_json", err.Error())
					return
				}
				in, err := d.Manager.Update(req.Context(), chi.URLParam(req, "name"), p)
				if err != nil {
					Fail(w, req, err)
					return
				}
				render.JSON(w, req, in)
			})

			r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
				if err := d.Manager.Unregister(req.Context(), chi.URLParam(req, "name")); err != nil {
					Fail(w, req, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})

			r.Put("/default", func(w http.ResponseWriter, req *http.Request) {
				if err := d.Manager.SetDefault(req.Context(), chi.URLParam(req, "name")); err != nil {
					Fail(w, req, err)
					return
				}
				render.JSON(w, req, map[string]any{"ok": true})
			})

			r.Post("/records", func(w http.ResponseWriter, req *http.Request) {
				var body pushRequest
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					badRequest(w, req, "invalid_json", err.Error())
					return
				}
				if len(body.Records) == 0 {
					badRequest(w, req, "invalid_request", "records must not be empty")
					return
				}
				n, err := d.Manager.Push(req.Context(), chi.URLParam(req, "name"), body.Records)
				if err != nil {
					Fail(w, req, err)
					return
				}
				render.JSON(w, req, map[string]any{"pushed": n})
			})

			r.Put("/credential", func(w http.ResponseWriter, req *http.Request) {
				var body credentialRequest
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					badRequest(w, req, "invalid_json", err.Error())
					return
				}
				if err := d.Manager.RotateCredential(req.Context(), chi.URLParam(req, "name"), body.Secret); err != nil {
					Fail(w, req, err)
					return
				}
				render.JSON(w, req, map[string]any{"ok": true})
			})
		})
	})
}
