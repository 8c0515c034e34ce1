package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/integrations-api/adapters"
	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/executor"
	"github.com/yourorg/integrations-api/internal/logger"
	"github.com/yourorg/integrations-api/internal/registry"
	"github.com/yourorg/integrations-api/internal/store"
)

// fakeSource scripts one integration's upstream.
type fakeSource struct {
	records  []map[string]any
	hang     bool
	err      error
	midFail  bool
	health   domain.HealthStatus
	searches atomic.Int32
	connects atomic.Int32

	readOnly bool
	pushErr  error
	pushes   atomic.Int32
	pushed   []map[string]any
}

type fakeConnector struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
}

func (f *fakeConnector) source(name string) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sources == nil {
		f.sources = map[string]*fakeSource{}
	}
	s, ok := f.sources[name]
	if !ok {
		s = &fakeSource{}
		f.sources[name] = s
	}
	return s
}

func (f *fakeConnector) Connect(_ context.Context, in domain.Integration, secret credentials.Secret) (adapters.Session, error) {
	src := f.source(in.Name)
	src.connects.Add(1)
	if secret.Reveal() != "key-"+in.Name {
		return nil, domain.Errorf(domain.ErrAuth, "connect", "bad key")
	}
	if src.readOnly {
		return readOnlySession{&fakeSession{in: in, src: src}}, nil
	}
	return &fakeSession{in: in, src: src}, nil
}

// readOnlySession hides Push.
type readOnlySession struct{ adapters.Session }

type fakeSession struct {
	in  domain.Integration
	src *fakeSource
}

func (s *fakeSession) Search(ctx context.Context, c domain.Criteria) (iter.Seq2[domain.RawRecord, error], error) {
	s.src.searches.Add(1)
	if s.src.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.src.err != nil {
		return nil, s.src.err
	}
	return func(yield func(domain.RawRecord, error) bool) {
		for i, fields := range s.src.records {
			if s.src.midFail && i == 1 {
				yield(domain.RawRecord{}, errors.New("connection reset"))
				return
			}
			if !yield(domain.RawRecord{Provider: s.in.ProviderType, Source: s.in.Name, Fields: fields}, nil) {
				return
			}
		}
	}, nil
}

func (s *fakeSession) Fetch(_ context.Context, id string) (domain.RawRecord, error) {
	for _, fields := range s.src.records {
		if fields["ListingKey"] == id {
			return domain.RawRecord{Provider: s.in.ProviderType, Source: s.in.Name, Fields: fields}, nil
		}
	}
	return domain.RawRecord{}, domain.Errorf(domain.ErrNotFound, "fetch", "listing %s not found", id)
}

func (s *fakeSession) Healthcheck(context.Context) (domain.HealthStatus, error) {
	if s.src.health == "" {
		return domain.HealthUp, nil
	}
	return s.src.health, nil
}

func (s *fakeSession) Push(_ context.Context, recs []map[string]any) (int, error) {
	s.src.pushes.Add(1)
	if s.src.pushErr != nil {
		return 0, s.src.pushErr
	}
	s.src.pushed = append(s.src.pushed, recs...)
	return len(recs), nil
}

func (s *fakeSession) Close() error { return nil }

type sinkRecorder struct {
	mu   sync.Mutex
	refs []string
}

func (r *sinkRecorder) Enqueue(snap store.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, snap.Ref)
	return true
}

type harness struct {
	m    *Manager
	fake *fakeConnector
	reg  *registry.Registry
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	creds := credentials.NewStore(credentials.NewMemoryVault(), nil, logger.Discard())
	reg := registry.New(creds, registry.Options{Logger: logger.Discard()})
	fake := &fakeConnector{}
	opts.Logger = logger.Discard()
	opts.Adapters = adapters.Table{domain.ProviderRESTMLS: fake, domain.ProviderCRM: fake}
	if opts.Executor == nil {
		opts.Executor = executor.New(executor.Options{Logger: logger.Discard()})
	}
	m, err := New(reg, creds, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &harness{m: m, fake: fake, reg: reg}
}

func (h *harness) add(t *testing.T, name string, pt domain.ProviderType, makeDefault bool, mutate ...func(*domain.Definition)) *fakeSource {
	t.Helper()
	def := domain.Definition{
		Name:         name,
		ProviderType: pt,
		BaseURL:      "https://" + name + ".example.com",
		Secret:       "key-" + name,
		TimeoutMS:    50,
		RetryPolicy:  domain.RetryPolicyMS{MaxAttempts: 2, BaseDelayMS: 1, MaxDelayMS: 5},
		MakeDefault:  makeDefault,
	}
	for _, fn := range mutate {
		fn(&def)
	}
	_, err := h.m.CreateIntegration(context.Background(), def)
	require.NoError(t, err)
	return h.fake.source(name)
}

func listing(id, street, date string) map[string]any {
	return map[string]any{
		"ListingKey":          id,
		"UnparsedAddress":     street,
		"City":                "Austin",
		"StateOrProvince":     "TX",
		"PostalCode":          "78701",
		"ListPrice":           450000,
		"BedroomsTotal":       3,
		"ListingContractDate": date,
	}
}

func TestSearch_PartialFailureKeepsHealthySource(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.add(t, "a", domain.ProviderRESTMLS, false)
	a.records = []map[string]any{listing("A1", "1 Oak St", "2026-01-10"), listing("A2", "2 Elm St", "2026-01-11")}
	b := h.add(t, "b", domain.ProviderRESTMLS, false)
	b.hang = true

	res, err := h.m.Search(context.Background(), domain.Criteria{City: "Austin"}, domain.Scope{Names: []string{"a", "b"}})
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	for _, p := range res.Records {
		assert.Equal(t, "a", p.SourceName)
	}
	require.Len(t, res.PerSourceErrors, 1)
	assert.ErrorIs(t, res.PerSourceErrors["b"], domain.ErrTransient)
	assert.Equal(t, []string{"a", "b"}, res.Sources)
	assert.Equal(t, int32(2), b.searches.Load(), "timed out attempts are retried per policy")
}

func TestSearch_CrossSourceDedupKeepsBothIDs(t *testing.T) {
	h := newHarness(t, Options{})
	h.add(t, "a", domain.ProviderRESTMLS, false).records = []map[string]any{listing("A1", "123 Main Street", "2026-01-01")}
	h.add(t, "b", domain.ProviderRESTMLS, false).records = []map[string]any{listing("B9", "123 Main St", "2026-02-01")}

	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{Names: []string{"a", "b"}})
	require.NoError(t, err)
	require.Empty(t, res.PerSourceErrors)
	require.Len(t, res.Records, 1)

	p := res.Records[0]
	assert.Equal(t, "b", p.SourceName, "most recently listed record wins")
	assert.Equal(t, "B9", p.SourceID)
	assert.ElementsMatch(t, []string{"A1", "B9"}, p.SourceIDs())
}

func TestSearch_DefaultSwapChangesResolvedSource(t *testing.T) {
	h := newHarness(t, Options{})
	mls1 := h.add(t, "mls1", domain.ProviderRESTMLS, true)
	mls2 := h.add(t, "mls2", domain.ProviderRESTMLS, true)

	views := h.m.ListIntegrations(context.Background())
	require.Len(t, views, 2)
	assert.False(t, views[0].IsDefault)
	assert.True(t, views[1].IsDefault)

	_, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.Zero(t, mls1.searches.Load())
	assert.Equal(t, int32(1), mls2.searches.Load())

	require.NoError(t, h.m.SetDefault(context.Background(), "mls1"))
	_, err = h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), mls1.searches.Load())
}

func TestSearch_SecondCallWithinTTLHitsCache(t *testing.T) {
	h := newHarness(t, Options{CacheTTL: time.Minute})
	a := h.add(t, "a", domain.ProviderRESTMLS, true)
	a.records = []map[string]any{listing("A1", "1 Oak St", "2026-01-10")}

	c := domain.Criteria{City: "Austin", MinBeds: 2}
	first, err := h.m.Search(context.Background(), c, domain.Scope{})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := h.m.Search(context.Background(), c, domain.Scope{})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int32(1), a.connects.Load())
	assert.Equal(t, int32(1), a.searches.Load())
	require.Len(t, second.Records, 1)
	assert.True(t, first.Records[0].Equal(second.Records[0]))

	// a mutation of the integration drops its cached results
	enabled := true
	_, err = h.m.Update(context.Background(), "a", domain.Patch{Enabled: &enabled})
	require.NoError(t, err)
	third, err := h.m.Search(context.Background(), c, domain.Scope{})
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, int32(2), a.searches.Load())
}

func TestSearch_AllSourcesFailedIsNotCached(t *testing.T) {
	h := newHarness(t, Options{CacheTTL: time.Minute})
	a := h.add(t, "a", domain.ProviderRESTMLS, true)
	a.err = domain.Errorf(domain.ErrAuth, "search", "401")

	for i := 0; i < 2; i++ {
		res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
		require.NoError(t, err)
		assert.False(t, res.CacheHit)
		assert.ErrorIs(t, res.PerSourceErrors["a"], domain.ErrAuth)
	}
	assert.Equal(t, int32(2), a.searches.Load())
}

func TestSearch_RetriesExactlyMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{})
	b := h.add(t, "b", domain.ProviderRESTMLS, true, func(d *domain.Definition) {
		d.RetryPolicy.MaxAttempts = 3
	})
	b.err = domain.NewError(domain.ErrTransient, "search", errors.New("503"))

	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PerSourceErrors["b"], domain.ErrTransient)
	assert.Equal(t, int32(3), b.searches.Load())
}

func TestSearch_BreakerOpensAfterFiveTransientFailures(t *testing.T) {
	h := newHarness(t, Options{})
	b := h.add(t, "b", domain.ProviderRESTMLS, true, func(d *domain.Definition) {
		d.RetryPolicy.MaxAttempts = 1
	})
	b.err = domain.NewError(domain.ErrTransient, "search", errors.New("503"))

	for i := 0; i < 5; i++ {
		res, err := h.m.Search(context.Background(), domain.Criteria{Limit: i + 1}, domain.Scope{})
		require.NoError(t, err)
		require.ErrorIs(t, res.PerSourceErrors["b"], domain.ErrTransient)
	}
	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PerSourceErrors["b"], domain.ErrCircuitOpen)
	assert.Equal(t, int32(5), b.searches.Load())
	assert.Equal(t, domain.HealthDown, h.m.ListIntegrations(context.Background())[0].Health)
}

func TestSearch_MidStreamFailureKeepsYieldedRecords(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.add(t, "a", domain.ProviderRESTMLS, true)
	a.records = []map[string]any{listing("A1", "1 Oak St", "2026-01-10"), listing("A2", "2 Elm St", "2026-01-11")}
	a.midFail = true

	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "A1", res.Records[0].SourceID)
	assert.ErrorIs(t, res.PerSourceErrors["a"], domain.ErrTransient)
}

func TestSearch_ScopeResolution(t *testing.T) {
	h := newHarness(t, Options{})
	h.add(t, "mls1", domain.ProviderRESTMLS, true).records = []map[string]any{listing("M1", "1 Oak St", "2026-01-10")}
	h.add(t, "off", domain.ProviderRESTMLS, false, func(d *domain.Definition) {
		disabled := false
		d.Enabled = &disabled
	})

	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{Names: []string{"mls1", "off", "ghost"}})
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.ErrorIs(t, res.PerSourceErrors["off"], domain.ErrConfig)
	assert.ErrorIs(t, res.PerSourceErrors["ghost"], domain.ErrNotFound)

	res, err = h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{ProviderTypes: []domain.ProviderType{domain.ProviderCRM}})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Sources)

	_, err = h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{ProviderTypes: []domain.ProviderType{"ftp"}})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestSearch_CallerCancellation(t *testing.T) {
	h := newHarness(t, Options{})
	b := h.add(t, "b", domain.ProviderRESTMLS, true, func(d *domain.Definition) {
		d.TimeoutMS = 5000
		d.RetryPolicy.MaxAttempts = 3
	})
	b.hang = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.m.Search(ctx, domain.Criteria{}, domain.Scope{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), b.searches.Load(), "no retries after cancellation")
}

func TestSearch_BudgetBoundsSlowSources(t *testing.T) {
	h := newHarness(t, Options{Budget: 40 * time.Millisecond})
	b := h.add(t, "b", domain.ProviderRESTMLS, true, func(d *domain.Definition) {
		d.TimeoutMS = 5000
	})
	b.hang = true

	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PerSourceErrors["b"], domain.ErrTransient)
}

func TestSearch_SnapshotsRawPayloads(t *testing.T) {
	sink := &sinkRecorder{}
	h := newHarness(t, Options{Snapshots: sink})
	h.add(t, "a", domain.ProviderRESTMLS, true).records = []map[string]any{listing("A1", "1 Oak St", "2026-01-10")}

	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, []string{res.Records[0].RawPayloadRef}, sink.refs)
}

func TestFetchAndHealth(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.add(t, "a", domain.ProviderRESTMLS, true)
	a.records = []map[string]any{listing("A1", "1 Oak St", "2026-01-10")}
	c := h.add(t, "c", domain.ProviderCRM, false)
	c.health = domain.HealthDegraded
	h.add(t, "off", domain.ProviderRESTMLS, false, func(d *domain.Definition) {
		disabled := false
		d.Enabled = &disabled
	})

	p, err := h.m.Fetch(context.Background(), "a", "A1")
	require.NoError(t, err)
	assert.Equal(t, "1 OAK ST", p.Address.Line1)

	_, err = h.m.Fetch(context.Background(), "a", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.m.Fetch(context.Background(), "off", "A1")
	assert.ErrorIs(t, err, domain.ErrConfig)

	health := h.m.Health(context.Background())
	assert.Equal(t, map[string]domain.HealthStatus{
		"a":   domain.HealthUp,
		"c":   domain.HealthDegraded,
		"off": domain.HealthDown,
	}, health)

	views := h.m.ListIntegrations(context.Background())
	require.Len(t, views, 3)
	assert.Equal(t, domain.HealthDegraded, views[1].Health)
}

func TestAdminOperations(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.add(t, "a", domain.ProviderRESTMLS, true)
	a.records = []map[string]any{listing("A1", "1 Oak St", "2026-01-10")}

	_, err := h.m.CreateIntegration(ctx, domain.Definition{Name: "a", ProviderType: domain.ProviderRESTMLS, BaseURL: "https://x.example.com", Secret: "k"})
	assert.ErrorIs(t, err, domain.ErrConfig)

	// rotation to a key the upstream rejects surfaces as an auth failure
	require.NoError(t, h.m.RotateCredential(ctx, "a", "wrong"))
	res, err := h.m.Search(ctx, domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PerSourceErrors["a"], domain.ErrAuth)

	require.NoError(t, h.m.RotateCredential(ctx, "a", "key-a"))
	res, err = h.m.Search(ctx, domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.Empty(t, res.PerSourceErrors)

	require.NoError(t, h.m.Unregister(ctx, "a"))
	_, err = h.m.Integration("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	res, err = h.m.Search(ctx, domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.Empty(t, res.Sources, "unregistering a default promotes nothing")
}

func TestFingerprintStable(t *testing.T) {
	c := domain.Criteria{City: "Austin"}.Normalized()
	s := domain.Scope{Names: []string{"b", "a"}}.Normalized()
	assert.Equal(t, Fingerprint(c, s, []string{"a", "b"}), Fingerprint(c, s, []string{"a", "b"}))
	assert.NotEqual(t, Fingerprint(c, s, []string{"a"}), Fingerprint(c, s, []string{"a", "b"}))
	assert.Len(t, Fingerprint(c, s, nil), 64)
}

func TestMergeOrdersByListingDate(t *testing.T) {
	mk := func(src, id, line1 string, day int) domain.CanonicalProperty {
		return domain.CanonicalProperty{
			SourceName:  src,
			SourceID:    id,
			Address:     domain.Address{Line1: line1, PostalCode: "78701", Key: fmt.Sprintf("%s|78701", line1)},
			ListingDate: time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC),
		}
	}
	out := merge([][]domain.CanonicalProperty{
		{mk("a", "1", "1 OAK ST", 1), mk("a", "2", "9 PINE ST", 5), mk("a", "1", "1 OAK ST", 1)},
		{mk("b", "7", "1 OAK ST", 1)},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "2", out[0].SourceID)
	assert.Equal(t, "a", out[1].SourceName, "ties keep the earlier source")
	assert.Equal(t, []string{"1", "7"}, out[1].SourceIDs())
}

func TestSearch_FailedHalfOpenTrialReopensBreaker(t *testing.T) {
	exec := executor.New(executor.Options{Logger: logger.Discard(), BreakerCooldown: 50 * time.Millisecond})
	h := newHarness(t, Options{Executor: exec})
	b := h.add(t, "b", domain.ProviderRESTMLS, true, func(d *domain.Definition) {
		d.RetryPolicy.MaxAttempts = 1
	})
	b.err = domain.NewError(domain.ErrTransient, "search", errors.New("503"))

	for i := 0; i < 5; i++ {
		_, err := h.m.Search(context.Background(), domain.Criteria{Limit: i + 1}, domain.Scope{})
		require.NoError(t, err)
	}
	require.Equal(t, gobreaker.StateOpen, exec.State("b"))

	time.Sleep(80 * time.Millisecond)
	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PerSourceErrors["b"], domain.ErrTransient)
	assert.Equal(t, int32(6), b.searches.Load(), "the search is the half-open trial")
	assert.Equal(t, gobreaker.StateOpen, exec.State("b"))

	res, err = h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PerSourceErrors["b"], domain.ErrCircuitOpen)
	assert.Equal(t, int32(6), b.searches.Load())

	b.err = nil
	b.records = []map[string]any{listing("B1", "1 Oak St", "2026-01-10")}
	time.Sleep(80 * time.Millisecond)
	res, err = h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{})
	require.NoError(t, err)
	require.Empty(t, res.PerSourceErrors)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, gobreaker.StateClosed, exec.State("b"))
}

func TestSearch_SameSourceListingsAtOneAddressStayDistinct(t *testing.T) {
	h := newHarness(t, Options{})
	h.add(t, "a", domain.ProviderRESTMLS, false).records = []map[string]any{
		listing("A1", "12 Oak Street", "2026-01-01"),
		listing("A2", "12 Oak Street", "2026-01-02"),
	}
	h.add(t, "b", domain.ProviderRESTMLS, false).records = []map[string]any{listing("B1", "12 Oak St", "2026-01-03")}

	res, err := h.m.Search(context.Background(), domain.Criteria{}, domain.Scope{Names: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	var ids [][]string
	for _, p := range res.Records {
		ids = append(ids, p.SourceIDs())
	}
	assert.ElementsMatch(t, [][]string{{"A1", "B1"}, {"A2"}}, ids)
}

func TestPush_WritesOnceAndDropsCachedSearches(t *testing.T) {
	h := newHarness(t, Options{CacheTTL: time.Minute})
	a := h.add(t, "a", domain.ProviderRESTMLS, false)
	a.records = []map[string]any{listing("A1", "1 Oak St", "2026-01-10")}
	scope := domain.Scope{Names: []string{"a"}}

	_, err := h.m.Search(context.Background(), domain.Criteria{City: "Austin"}, scope)
	require.NoError(t, err)

	n, err := h.m.Push(context.Background(), "a", []map[string]any{{"city": "Austin"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, a.pushed, 1)

	_, err = h.m.Search(context.Background(), domain.Criteria{City: "Austin"}, scope)
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.searches.Load(), "push invalidates the integration's cached results")

	a.pushErr = domain.NewError(domain.ErrTransient, "push", errors.New("503"))
	_, err = h.m.Push(context.Background(), "a", []map[string]any{{"city": "Austin"}})
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, int32(2), a.pushes.Load(), "failed writes are not retried")
}

func TestPush_Errors(t *testing.T) {
	h := newHarness(t, Options{})
	h.add(t, "ro", domain.ProviderRESTMLS, false).readOnly = true
	h.add(t, "off", domain.ProviderCRM, false, func(d *domain.Definition) { d.Enabled = new(bool) })

	_, err := h.m.Push(context.Background(), "ro", []map[string]any{{"city": "Austin"}})
	assert.ErrorIs(t, err, domain.ErrConfig)

	_, err = h.m.Push(context.Background(), "off", []map[string]any{{"city": "Austin"}})
	assert.ErrorIs(t, err, domain.ErrConfig)

	_, err = h.m.Push(context.Background(), "missing", []map[string]any{{"city": "Austin"}})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
