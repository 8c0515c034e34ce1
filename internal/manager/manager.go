// Package manager is the facade the rest of the platform talks to. It owns no
// provider logic: it resolves integrations through the registry, runs adapters
// under the executor, normalizes and merges what comes back, and caches the result.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/integrations-api/adapters"
	"github.com/yourorg/integrations-api/internal/cache"
	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/executor"
	"github.com/yourorg/integrations-api/internal/normalize"
	"github.com/yourorg/integrations-api/internal/registry"
	"github.com/yourorg/integrations-api/internal/store"
	"github.com/yourorg/integrations-api/internal/telemetry"
)

const (
	DefaultMaxWorkers = 8
	DefaultBudget     = 30 * time.Second
	DefaultCacheTTL   = 60 * time.Second
)

// Credentials hands out secrets for the duration of one call.
type Credentials interface {
	Use(ctx context.Context, ref string, fn func(credentials.Secret) error) error
}

// SnapshotSink receives raw payloads for persistence. Enqueue must not block.
type SnapshotSink interface {
	Enqueue(snap store.Snapshot) bool
}

type Options struct {
	Adapters   adapters.Table
	Executor   *executor.Executor
	Normalizer *normalize.Normalizer
	// Cache defaults to an in-memory cache with CacheTTL.
	Cache     cache.Cache
	CacheTTL  time.Duration
	Snapshots SnapshotSink

	MaxWorkers int
	// Budget bounds the wall-clock time of one aggregated search.
	Budget time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

type Manager struct {
	reg   *registry.Registry
	creds Credentials
	opts  Options

	adapters adapters.Table
	exec     *executor.Executor
	norm     *normalize.Normalizer
	cache    cache.Cache
	logger   *slog.Logger
	tracer   trace.Tracer

	health sync.Map // name -> domain.HealthStatus
}

func New(reg *registry.Registry, creds Credentials, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Adapters == nil {
		opts.Adapters = adapters.DefaultTable(opts.Logger)
	}
	if opts.Executor == nil {
		opts.Executor = executor.New(executor.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.Normalizer == nil {
		n, err := normalize.New(opts.Logger, opts.Metrics)
		if err != nil {
			return nil, fmt.Errorf("normalizer: %w", err)
		}
		opts.Normalizer = n
	}
	if opts.Cache == nil {
		var m cache.Metrics
		if opts.Metrics != nil {
			m = opts.Metrics
		}
		opts.Cache = cache.NewMemory(opts.CacheTTL, m)
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	return &Manager{
		reg:      reg,
		creds:    creds,
		opts:     opts,
		adapters: opts.Adapters,
		exec:     opts.Executor,
		norm:     opts.Normalizer,
		cache:    opts.Cache,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
	}, nil
}

// CreateIntegration registers def and returns the new integration id.
func (m *Manager) CreateIntegration(ctx context.Context, def domain.Definition) (string, error) {
	in, err := m.reg.Register(ctx, def)
	if err != nil {
		return "", err
	}
	if in.IsDefault {
		m.invalidate(ctx, cache.ProviderTag(in.ProviderType))
	}
	return in.ID, nil
}

func (m *Manager) SetDefault(ctx context.Context, name string) error {
	if err := m.reg.SetDefault(ctx, name); err != nil {
		return err
	}
	in, err := m.reg.Get(name)
	if err != nil {
		return nil
	}
	m.invalidate(ctx, cache.ProviderTag(in.ProviderType))
	return nil
}

// Unregister removes name together with its credential, breaker and cached results.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	in, err := m.reg.Unregister(ctx, name)
	if err != nil {
		return err
	}
	m.exec.Forget(name)
	m.health.Delete(name)
	m.invalidate(ctx, cache.IntegrationTag(name), cache.ProviderTag(in.ProviderType))
	return nil
}

func (m *Manager) Update(ctx context.Context, name string, p domain.Patch) (domain.Integration, error) {
	in, err := m.reg.Update(ctx, name, p)
	if err != nil {
		return in, err
	}
	m.invalidate(ctx, cache.IntegrationTag(name))
	return in, nil
}

// RotateCredential replaces the secret of name. In-flight calls finish with the old one.
func (m *Manager) RotateCredential(ctx context.Context, name, secret string) error {
	if err := m.reg.RotateCredential(ctx, name, credentials.NewSecret(secret)); err != nil {
		return err
	}
	m.health.Delete(name)
	m.invalidate(ctx, cache.IntegrationTag(name))
	return nil
}

// Integration returns the stored definition of name. It never carries the secret.
func (m *Manager) Integration(name string) (domain.Integration, error) {
	return m.reg.Get(name)
}

// ListIntegrations returns every integration with its last observed health. An
// open breaker always reads as down; integrations never checked have no health.
func (m *Manager) ListIntegrations(_ context.Context) []domain.View {
	views := m.reg.List()
	for i := range views {
		views[i].Health = m.knownHealth(views[i].Name)
	}
	return views
}

func (m *Manager) knownHealth(name string) domain.HealthStatus {
	switch m.exec.State(name) {
	case gobreaker.StateOpen:
		return domain.HealthDown
	case gobreaker.StateHalfOpen:
		return domain.HealthDegraded
	}
	if h, ok := m.health.Load(name); ok {
		return h.(domain.HealthStatus)
	}
	return ""
}

func (m *Manager) observe(name string, err error) {
	switch {
	case err == nil:
		m.health.Store(name, domain.HealthUp)
	case domain.KindOf(err) == domain.ErrTransient:
		m.health.Store(name, domain.HealthDegraded)
	default:
		m.health.Store(name, domain.HealthDown)
	}
}

// Health checks every integration concurrently within the search budget.
// Disabled integrations report down without a check.
func (m *Manager) Health(ctx context.Context) map[string]domain.HealthStatus {
	all := m.reg.All()
	out := make(map[string]domain.HealthStatus, len(all))
	var mu sync.Mutex

	ctx, cancel := context.WithTimeout(ctx, m.opts.Budget)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxWorkers)
	for _, in := range all {
		if !in.Enabled {
			out[in.Name] = domain.HealthDown
			continue
		}
		g.Go(func() error {
			status := m.check(gctx, in)
			mu.Lock()
			out[in.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Manager) check(ctx context.Context, in domain.Integration) domain.HealthStatus {
	if m.exec.State(in.Name) == gobreaker.StateOpen {
		return domain.HealthDown
	}
	sess, err := m.connect(ctx, in)
	if err != nil {
		m.logger.Warn("health check connect failed", "integration", in.Name, "err", err)
		m.health.Store(in.Name, domain.HealthDown)
		return domain.HealthDown
	}
	defer sess.Close()

	status, err := executor.Run(ctx, m.exec, in, executor.OpHealthcheck, sess.Healthcheck)
	if err != nil {
		m.logger.Warn("health check failed", "integration", in.Name, "err", err)
		status = domain.HealthDown
	}
	m.health.Store(in.Name, status)
	return status
}

// connect opens a session while the secret is in scope. The session keeps only
// what the adapter derived from it.
func (m *Manager) connect(ctx context.Context, in domain.Integration) (adapters.Session, error) {
	conn, err := m.adapters.For(in.ProviderType)
	if err != nil {
		return nil, domain.WithIntegration(in.Name, err)
	}
	var sess adapters.Session
	err = m.creds.Use(ctx, in.CredentialRef, func(secret credentials.Secret) error {
		s, err := executor.Run(ctx, m.exec, in, executor.OpConnect, func(ctx context.Context) (adapters.Session, error) {
			return conn.Connect(ctx, in, secret)
		})
		sess = s
		return err
	})
	if err != nil {
		return nil, domain.WithIntegration(in.Name, err)
	}
	return sess, nil
}

// Fetch returns one record by provider id from the named integration.
func (m *Manager) Fetch(ctx context.Context, name, id string) (domain.CanonicalProperty, error) {
	in, err := m.reg.Get(name)
	if err != nil {
		return domain.CanonicalProperty{}, err
	}
	if !in.Enabled {
		return domain.CanonicalProperty{}, domain.WithIntegration(name, domain.Errorf(domain.ErrConfig, "fetch", "integration is disabled"))
	}
	ctx, span := m.tracer.Start(ctx, "manager.fetch")
	defer span.End()

	sess, err := m.connect(ctx, in)
	if err != nil {
		m.observe(name, err)
		return domain.CanonicalProperty{}, err
	}
	defer sess.Close()

	rec, err := executor.Run(ctx, m.exec, in, executor.OpFetch, func(ctx context.Context) (domain.RawRecord, error) {
		return sess.Fetch(ctx, id)
	})
	if err != nil {
		if domain.KindOf(err) != domain.ErrNotFound {
			m.observe(name, err)
		}
		return domain.CanonicalProperty{}, err
	}
	m.observe(name, nil)
	p, err := m.norm.Normalize(rec)
	if err != nil {
		m.opts.Metrics.Mismatch(rec.Provider)
		return domain.CanonicalProperty{}, err
	}
	m.snapshot(in, rec, p)
	return p, nil
}

// Push writes records to the named integration once. Writes are never retried,
// and a successful push drops cached searches over that integration.
func (m *Manager) Push(ctx context.Context, name string, records []map[string]any) (int, error) {
	in, err := m.reg.Get(name)
	if err != nil {
		return 0, err
	}
	if !in.Enabled {
		return 0, domain.WithIntegration(name, domain.Errorf(domain.ErrConfig, "push", "integration is disabled"))
	}
	if len(records) == 0 {
		return 0, nil
	}
	ctx, span := m.tracer.Start(ctx, "manager.push")
	defer span.End()

	sess, err := m.connect(ctx, in)
	if err != nil {
		m.observe(name, err)
		return 0, err
	}
	defer sess.Close()

	pusher, ok := sess.(adapters.Pusher)
	if !ok {
		return 0, domain.WithIntegration(name, domain.Errorf(domain.ErrConfig, "push", "%s integrations do not accept writes", in.ProviderType))
	}
	n, err := executor.Run(ctx, m.exec, in, executor.OpPush, func(ctx context.Context) (int, error) {
		return pusher.Push(ctx, records)
	})
	m.observe(name, err)
	if err != nil {
		return 0, err
	}
	m.logger.Info("records pushed", "integration", name, "count", n)
	m.invalidate(ctx, cache.IntegrationTag(name))
	return n, nil
}

func (m *Manager) snapshot(in domain.Integration, rec domain.RawRecord, p domain.CanonicalProperty) {
	if m.opts.Snapshots == nil {
		return
	}
	m.opts.Snapshots.Enqueue(store.Snapshot{
		Ref:          p.RawPayloadRef,
		Integration:  in.Name,
		ProviderType: string(in.ProviderType),
		ExternalID:   p.SourceID,
		Payload:      normalize.Payload(rec),
		FetchedAt:    time.Now().UTC(),
	})
}

func (m *Manager) invalidate(ctx context.Context, tags ...string) {
	for _, tag := range tags {
		if err := m.cache.InvalidateTag(ctx, tag); err != nil {
			m.logger.Warn("cache invalidation failed", "tag", tag, "err", err)
		}
	}
}

// Close releases the cache.
func (m *Manager) Close() error { return m.cache.Close() }
