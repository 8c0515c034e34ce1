package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	httpapi "github.com/yourorg/integrations-api/http"
	httpv1 "github.com/yourorg/integrations-api/http/v1"
	"github.com/yourorg/integrations-api/internal/app"
	"github.com/yourorg/integrations-api/internal/logger"
)

func BuildRouter(a *app.App) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware(a.Logger))
	if a.Config.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(a.Config.RateLimitPerMinute, 1*time.Minute)) // protect upstream quotas
	}
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if a.Store != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := a.Store.Ping(ctx); err != nil {
				render.Status(req, http.StatusServiceUnavailable)
				render.JSON(w, req, map[string]any{"ok": false, "db": err.Error()})
				return
			}
		}
		render.JSON(w, req, map[string]any{"ok": true})
	})
	r.Handle("/metrics", a.Metrics.Handler())

	httpapi.RegisterIntegrations(r, httpapi.IntegrationsDeps{Manager: a.Manager})
	httpapi.RegisterSearch(r, httpapi.SearchDeps{Manager: a.Manager})

	// single-property reads with Redis + SWR
	httpv1.RegisterProperties(r, httpv1.PropertyDeps{
		Redis:   a.Redis,
		Fetcher: a.Manager,
		Logger:  a.Logger,
	})

	return r
}
