package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/integrations-api/internal/cache"
	"github.com/yourorg/integrations-api/internal/canon"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/normalize"
)

// UnifiedResult is the merged outcome of one search. A failed source appears in
// PerSourceErrors and never fails the search as a whole.
type UnifiedResult struct {
	Records         []domain.CanonicalProperty `json:"records"`
	PerSourceErrors domain.SourceErrors        `json:"per_source_errors"`
	Sources         []string                   `json:"sources"`
	CacheHit        bool                       `json:"cache_hit"`
	FetchedAt       time.Time                  `json:"fetched_at"`
}

var allProviderTypes = []domain.ProviderType{domain.ProviderCRM, domain.ProviderDB, domain.ProviderRESTMLS, domain.ProviderRETSMLS}

// plan is a resolved scope: the integrations to query plus the names that were
// requested but cannot be.
type plan struct {
	sources []domain.Integration
	errs    domain.SourceErrors
	tags    []string
}

// resolve picks explicit names when given, otherwise the default of every
// requested provider type (all types when none are requested).
func (m *Manager) resolve(s domain.Scope) (plan, error) {
	p := plan{errs: domain.SourceErrors{}}
	for _, pt := range s.ProviderTypes {
		if !pt.Valid() {
			return p, domain.Errorf(domain.ErrConfig, "search", "unknown provider type %q", pt)
		}
	}
	if len(s.Names) > 0 {
		for _, name := range s.Names {
			in, err := m.reg.Get(name)
			if err != nil {
				p.errs[name] = domain.WithIntegration(name, err)
				continue
			}
			if !in.Enabled {
				p.errs[name] = domain.WithIntegration(name, domain.Errorf(domain.ErrConfig, "search", "integration is disabled"))
				continue
			}
			p.sources = append(p.sources, in)
			p.tags = append(p.tags, cache.IntegrationTag(name))
		}
		return p, nil
	}

	types := s.ProviderTypes
	if len(types) == 0 {
		types = allProviderTypes
	}
	for _, pt := range types {
		p.tags = append(p.tags, cache.ProviderTag(pt))
		in, err := m.reg.GetDefault(pt)
		if err != nil {
			continue
		}
		p.tags = append(p.tags, cache.IntegrationTag(in.Name))
		if !in.Enabled {
			p.errs[in.Name] = domain.WithIntegration(in.Name, domain.Errorf(domain.ErrConfig, "search", "default integration is disabled"))
			continue
		}
		p.sources = append(p.sources, in)
	}
	sort.Slice(p.sources, func(i, j int) bool { return p.sources[i].Name < p.sources[j].Name })
	return p, nil
}

// Fingerprint is the cache key of a search: a hash of the normalized criteria,
// the scope and the integrations it resolved to.
func Fingerprint(c domain.Criteria, s domain.Scope, sources []string) string {
	b, _ := json.Marshal(struct {
		Criteria domain.Criteria `json:"c"`
		Scope    domain.Scope    `json:"s"`
		Sources  []string        `json:"r"`
	}{c, s, sources})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Search fans c out over the integrations selected by scope. It fails only when
// the scope is invalid or ctx is canceled.
func (m *Manager) Search(ctx context.Context, c domain.Criteria, scope domain.Scope) (UnifiedResult, error) {
	c = c.Normalized()
	scope = scope.Normalized()
	p, err := m.resolve(scope)
	if err != nil {
		return UnifiedResult{}, err
	}
	names := make([]string, len(p.sources))
	for i, in := range p.sources {
		names[i] = in.Name
	}

	ctx, span := m.tracer.Start(ctx, "manager.search")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("integration.names", names))

	key := Fingerprint(c, scope, names)
	raw, hit, err := m.cache.GetOrFetch(ctx, key, p.tags, func(ctx context.Context) ([]byte, bool, error) {
		res, err := m.fanOut(ctx, c, p)
		if err != nil {
			return nil, false, err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return nil, false, err
		}
		succeeded := len(p.sources) - countFailed(res.PerSourceErrors, names)
		return b, succeeded > 0, nil
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return UnifiedResult{}, cerr
		}
		return UnifiedResult{}, err
	}
	var res UnifiedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return UnifiedResult{}, fmt.Errorf("decode cached result: %w", err)
	}
	res.CacheHit = hit
	span.SetAttributes(attribute.Bool("cache.hit", hit), attribute.Int("records", len(res.Records)))
	return res, nil
}

func countFailed(errs domain.SourceErrors, names []string) int {
	n := 0
	for _, name := range names {
		if _, ok := errs[name]; ok {
			n++
		}
	}
	return n
}

type sourceResult struct {
	records []domain.CanonicalProperty
	err     error
}

func (m *Manager) fanOut(ctx context.Context, c domain.Criteria, p plan) (UnifiedResult, error) {
	res := UnifiedResult{PerSourceErrors: domain.SourceErrors{}, Sources: []string{}, FetchedAt: time.Now().UTC()}
	for name, err := range p.errs {
		res.PerSourceErrors[name] = err
	}

	bctx, cancel := context.WithTimeout(ctx, m.opts.Budget)
	defer cancel()

	results := make([]sourceResult, len(p.sources))
	g := new(errgroup.Group)
	g.SetLimit(min(len(p.sources), m.opts.MaxWorkers))
	for i, in := range p.sources {
		res.Sources = append(res.Sources, in.Name)
		g.Go(func() error {
			recs, err := m.searchSource(bctx, in, c)
			if err != nil && ctx.Err() == nil && bctx.Err() != nil && domain.KindOf(err) == nil {
				err = domain.WithIntegration(in.Name, domain.Errorf(domain.ErrTransient, "search", "search budget of %s exceeded", m.opts.Budget))
			}
			results[i] = sourceResult{records: recs, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	perSource := make([][]domain.CanonicalProperty, len(p.sources))
	for i, r := range results {
		name := p.sources[i].Name
		m.observe(name, r.err)
		if r.err != nil {
			m.opts.Metrics.SourceError(name, r.err)
			m.logger.Warn("source failed", "integration", name, "kind", domain.KindName(r.err), "err", r.err)
			res.PerSourceErrors[name] = r.err
		}
		perSource[i] = r.records
	}
	res.Records = merge(perSource)
	if len(res.Records) > c.Limit {
		res.Records = res.Records[:c.Limit]
	}
	return res, nil
}

// searchSource runs one integration end to end. Records read before a mid-stream
// failure are returned together with the error.
func (m *Manager) searchSource(ctx context.Context, in domain.Integration, c domain.Criteria) ([]domain.CanonicalProperty, error) {
	sess, err := m.connect(ctx, in)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	seq, err := m.exec.Search(ctx, in, func(ctx context.Context) (iter.Seq2[domain.RawRecord, error], error) {
		return sess.Search(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	var (
		raws    []domain.RawRecord
		pageErr error
	)
	for rec, err := range seq {
		if err != nil {
			pageErr = err
			break
		}
		raws = append(raws, rec)
		if len(raws) >= c.Limit {
			break
		}
	}
	if pageErr != nil && ctx.Err() != nil {
		pageErr = ctx.Err()
	}

	props, _ := m.norm.Batch(raws)
	if m.opts.Snapshots == nil {
		return props, pageErr
	}
	byRef := make(map[string]domain.RawRecord, len(raws))
	for _, rec := range raws {
		byRef[normalize.PayloadRef(rec)] = rec
	}
	for _, p := range props {
		if rec, ok := byRef[p.RawPayloadRef]; ok {
			m.snapshot(in, rec, p)
		}
	}
	return props, pageErr
}

// merge folds records that describe the same property into one, keeping the most
// recently listed record and the source refs of all of them. Input order decides
// ties.
func merge(perSource [][]domain.CanonicalProperty) []domain.CanonicalProperty {
	var out []domain.CanonicalProperty
	seen := map[domain.SourceRef]int{}
	for _, recs := range perSource {
		for _, p := range recs {
			p = p.WithSources(p.DedupKey())
			if i, ok := seen[p.DedupKey()]; ok {
				out[i] = pick(out[i], p)
				continue
			}
			i := match(out, p)
			if i < 0 {
				seen[p.DedupKey()] = len(out)
				out = append(out, p)
				continue
			}
			seen[p.DedupKey()] = i
			out[i] = pick(out[i], p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ListingDate.Equal(b.ListingDate) {
			return a.ListingDate.After(b.ListingDate)
		}
		if a.Address.Key != b.Address.Key {
			return a.Address.Key < b.Address.Key
		}
		if a.SourceName != b.SourceName {
			return a.SourceName < b.SourceName
		}
		return a.SourceID < b.SourceID
	})
	return out
}

// match finds a record from another source describing the same property. Two
// records of one source are distinct listings even at the same address.
func match(out []domain.CanonicalProperty, p domain.CanonicalProperty) int {
	if p.Address.Line1 == "" {
		return -1
	}
	for i, q := range out {
		if q.Address.Line1 == "" || fromSource(q, p.SourceName) {
			continue
		}
		if canon.SameProperty(q.Address, p.Address) {
			return i
		}
	}
	return -1
}

func fromSource(p domain.CanonicalProperty, name string) bool {
	for _, ref := range p.Sources {
		if ref.SourceName == name {
			return true
		}
	}
	return false
}

// pick keeps cur unless next was listed later.
func pick(cur, next domain.CanonicalProperty) domain.CanonicalProperty {
	winner := cur
	if next.ListingDate.After(cur.ListingDate) {
		winner = next
	}
	return winner.WithSources(append(append([]domain.SourceRef{}, cur.Sources...), next.Sources...)...)
}
