// Package cache holds aggregated search results for a TTL, keyed by a fingerprint of
// the normalized criteria and scope. Concurrent misses on one key share a single fetch.
package cache

import (
	"context"
	"errors"

	"github.com/yourorg/integrations-api/internal/domain"
)

// Fetch produces the value for a missing key. store=false returns the value
// without caching it.
type Fetch func(ctx context.Context) (value []byte, store bool, err error)

type Cache interface {
	GetOrFetch(ctx context.Context, key string, tags []string, fetch Fetch) (value []byte, hit bool, err error)
	Invalidate(ctx context.Context, key string) error
	InvalidateTag(ctx context.Context, tag string) error
	Close() error
}

// IntegrationTag marks results that include name.
func IntegrationTag(name string) string { return "integration:" + name }

// ProviderTag marks results whose scope resolved through the default of pt.
func ProviderTag(pt domain.ProviderType) string { return "provider:" + string(pt) }

// Metrics is the subset of telemetry the caches report to.
type Metrics interface {
	CacheLookup(hit bool)
}

type nopMetrics struct{}

func (nopMetrics) CacheLookup(bool) {}

// leaderCanceled reports whether a shared fetch failed only because the caller
// that started it went away.
func leaderCanceled(ctx context.Context, err error) bool {
	return ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
