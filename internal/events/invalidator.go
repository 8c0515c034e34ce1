package events

import (
	"context"
	"log/slog"

	"github.com/yourorg/integrations-api/internal/cache"
)

// TagInvalidator drops cached entries by tag.
type TagInvalidator interface {
	InvalidateTag(ctx context.Context, tag string) error
}

// Invalidator consumes integration events and drops cached search results that
// could have included the changed integration.
type Invalidator struct {
	Pub    Publisher
	Cache  TagInvalidator
	Logger *slog.Logger
}

func (i *Invalidator) Run(ctx context.Context) {
	log := i.Logger
	if log == nil {
		log = slog.Default()
	}
	sub := i.Pub.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			for _, tag := range Tags(evt) {
				if err := i.Cache.InvalidateTag(ctx, tag); err != nil {
					log.Warn("cache invalidation failed", "tag", tag, "err", err)
				}
			}
			log.Debug("integration changed", "name", evt.Name, "kind", evt.Kind, "provider_type", evt.ProviderType)
		}
	}
}

// Tags lists the cache tags an event invalidates. Default changes and removals
// also affect every result resolved through the provider type's default.
func Tags(evt IntegrationChanged) []string {
	tags := []string{cache.IntegrationTag(evt.Name)}
	switch evt.Kind {
	case DefaultChanged, Unregistered, Registered:
		tags = append(tags, cache.ProviderTag(evt.ProviderType))
	}
	return tags
}
