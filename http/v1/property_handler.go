package v1

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	httpapi "github.com/yourorg/integrations-api/http"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/redisx"
)

type Fetcher interface {
	Fetch(ctx context.Context, name, id string) (domain.CanonicalProperty, error)
}

type PropertyDeps struct {
	Redis   *redisx.Client
	Fetcher Fetcher
	Logger  *slog.Logger
	// TTL and staleness tuning
	CacheTTL    time.Duration
	StaleAfter  time.Duration
	NegativeTTL time.Duration
}

type cachedEnvelope struct {
	Data domain.CanonicalProperty `json:"data"`
	Meta struct {
		LastFetch  time.Time `json:"last_fetch_at"`
		StaleAfter time.Time `json:"stale_after"`
		TTLSeconds int       `json:"ttl_seconds"`
		Source     string    `json:"source"`
	} `json:"meta"`
}

const lockTTL = 8 * time.Second

func keys(name, id string) (cacheKey, missKey, lockKey string) {
	k := name + ":" + id
	return "prop:id:" + k, "prop:miss:" + k, "prop:lock:" + k
}

// RegisterProperties serves one record by provider id, cached in Redis with
// stale-while-revalidate and a negative cache for absent ids.
func RegisterProperties(r chi.Router, d PropertyDeps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r.Get("/v1/properties/{integration}/{id}", func(w http.ResponseWriter, req *http.Request) {
		fetchProperty(w, req, d, chi.URLParam(req, "integration"), chi.URLParam(req, "id"))
	})
}

func fetchProperty(w http.ResponseWriter, req *http.Request, d PropertyDeps, name, id string) {
	ctx := req.Context()
	cacheKey, missKey, lockKey := keys(name, id)

	if d.Redis == nil {
		p, err := d.Fetcher.Fetch(ctx, name, id)
		if err != nil {
			httpapi.Fail(w, req, err)
			return
		}
		render.JSON(w, req, map[string]any{"ok": true, "source": "fresh", "stale": false, "data": p})
		return
	}

	if ok, _ := d.Redis.Exists(ctx, missKey); ok {
		render.Status(req, http.StatusNotFound)
		render.JSON(w, req, map[string]any{"error": "not_found", "integration": name, "id": id, "cache_miss_cooldown": true})
		return
	}

	if val, found, err := d.Redis.Get(ctx, cacheKey); err == nil && found {
		var env cachedEnvelope
		if err := json.Unmarshal([]byte(val), &env); err == nil {
			stale := time.Now().After(env.Meta.StaleAfter)
			// fire-and-forget background refresh if stale
			if stale {
				if ok, _ := d.Redis.SetNX(ctx, lockKey, "1", lockTTL); ok {
					go refresh(d, name, id)
				}
			}
			render.JSON(w, req, map[string]any{"ok": true, "source": "cache", "stale": stale, "data": env.Data})
			return
		}
	}

	// Cache miss: attempt a short lock to avoid stampedes
	if ok, _ := d.Redis.SetNX(ctx, lockKey, "1", lockTTL); !ok {
		render.Status(req, http.StatusAccepted)
		render.JSON(w, req, map[string]any{"ok": false, "in_progress": true, "integration": name, "id": id})
		return
	}
	defer d.Redis.Del(context.WithoutCancel(ctx), lockKey)

	p, err := d.Fetcher.Fetch(ctx, name, id)
	if err != nil {
		if domain.KindOf(err) == domain.ErrNotFound {
			_ = d.Redis.Set(ctx, missKey, "1", maxDur(d.NegativeTTL, time.Minute))
		}
		httpapi.Fail(w, req, err)
		return
	}
	store(ctx, d, name, id, p)
	render.JSON(w, req, map[string]any{"ok": true, "source": "fresh", "stale": false, "data": p})
}

func refresh(d PropertyDeps, name, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, _, lockKey := keys(name, id)
	defer d.Redis.Del(ctx, lockKey)

	p, err := d.Fetcher.Fetch(ctx, name, id)
	if err != nil {
		d.Logger.Warn("background refresh failed", "integration", name, "id", id, "err", err)
		return
	}
	store(ctx, d, name, id, p)
}

func store(ctx context.Context, d PropertyDeps, name, id string, p domain.CanonicalProperty) {
	cacheKey, _, _ := keys(name, id)
	var env cachedEnvelope
	env.Data = p
	env.Meta.LastFetch = time.Now()
	env.Meta.StaleAfter = env.Meta.LastFetch.Add(maxDur(d.StaleAfter, 5*time.Minute))
	env.Meta.TTLSeconds = int(maxDur(d.CacheTTL, time.Hour).Seconds())
	env.Meta.Source = p.SourceName
	b, _ := json.Marshal(env)
	if err := d.Redis.Set(ctx, cacheKey, string(b), time.Duration(env.Meta.TTLSeconds)*time.Second); err != nil {
		d.Logger.Warn("property cache write failed", "integration", name, "id", id, "err", err)
	}
}

func maxDur(a, b time.Duration) time.Duration {
	if a > 0 {
		return a
	}
	return b
}
