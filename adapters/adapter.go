// Package adapters holds the closed set of provider variants behind one
// connect/search/fetch/healthcheck contract. Adapters never retry; the executor does.
package adapters

import (
	"context"
	"iter"
	"log/slog"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
)

// Connector opens sessions for one provider type.
type Connector interface {
	// Connect authenticates against the provider. The secret must not be retained
	// past the call; sessions keep only derived auth material.
	Connect(ctx context.Context, in domain.Integration, secret credentials.Secret) (Session, error)
}

// Session is an authenticated handle to one integration.
type Session interface {
	// Search runs the first page eagerly and pulls later pages lazily while the
	// caller ranges. Stopping early stops remote paging.
	Search(ctx context.Context, c domain.Criteria) (iter.Seq2[domain.RawRecord, error], error)
	Fetch(ctx context.Context, id string) (domain.RawRecord, error)
	Healthcheck(ctx context.Context) (domain.HealthStatus, error)
	Close() error
}

// Pusher is implemented by sessions that accept writes. Push sends every record in
// one call and reports how many the provider accepted.
type Pusher interface {
	Push(ctx context.Context, records []map[string]any) (int, error)
}

// Table maps provider types to connectors.
type Table map[domain.ProviderType]Connector

// DefaultTable wires every supported variant.
func DefaultTable(logger *slog.Logger) Table {
	if logger == nil {
		logger = slog.Default()
	}
	return Table{
		domain.ProviderRESTMLS: &RESTMLS{Logger: logger},
		domain.ProviderRETSMLS: &RETSMLS{Logger: logger},
		domain.ProviderCRM:     &CRM{Logger: logger},
		domain.ProviderDB:      &Database{Logger: logger},
	}
}

// For returns the connector for pt or a ConfigError.
func (t Table) For(pt domain.ProviderType) (Connector, error) {
	c, ok := t[pt]
	if !ok {
		return nil, domain.Errorf(domain.ErrConfig, "connect", "no adapter for provider type %q", pt)
	}
	return c, nil
}

// page is one batch of records plus the loader of the next one (nil when last).
type page struct {
	records []domain.RawRecord
	next    func(ctx context.Context) (page, error)
}

// stream yields up to limit records across pages, loading the next page only when
// the current one is exhausted.
func stream(ctx context.Context, first page, limit int) iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		n := 0
		p := first
		for {
			for _, r := range p.records {
				if limit > 0 && n >= limit {
					return
				}
				if !yield(r, nil) {
					return
				}
				n++
			}
			if p.next == nil || (limit > 0 && n >= limit) {
				return
			}
			var err error
			if p, err = p.next(ctx); err != nil {
				yield(domain.RawRecord{}, err)
				return
			}
		}
	}
}

func withLimit(c domain.Criteria) domain.Criteria {
	if c.Limit <= 0 {
		c.Limit = domain.DefaultSearchLimit
	}
	return c
}
