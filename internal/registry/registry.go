// Package registry owns the set of configured integrations and the default per
// provider type. Readers see immutable snapshots; writers serialize on one mutex and
// publish a new snapshot, so a default swap is observed atomically.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/events"
)

// ErrDuplicate marks a registration under a name that is already taken. It is
// always wrapped together with domain.ErrConfig.
var ErrDuplicate = errors.New("integration already exists")

// Persister stores integration definitions. Secrets never reach it.
type Persister interface {
	// SaveIntegrations upserts all of ins in one transaction.
	SaveIntegrations(ctx context.Context, ins ...domain.Integration) error
	DeleteIntegration(ctx context.Context, name string) error
	ListIntegrations(ctx context.Context) ([]domain.Integration, error)
}

// CredentialStore is the part of credentials.Store the registry writes through.
type CredentialStore interface {
	Store(ctx context.Context, ref string, secret credentials.Secret) error
	Rotate(ctx context.Context, ref string, secret credentials.Secret) error
	Delete(ctx context.Context, ref string) error
}

type Options struct {
	Persister Persister
	Publisher events.Publisher
	Logger    *slog.Logger
}

type snapshot struct {
	byName   map[string]domain.Integration
	defaults map[domain.ProviderType]string
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byName:   make(map[string]domain.Integration, len(s.byName)+1),
		defaults: make(map[domain.ProviderType]string, len(s.defaults)),
	}
	for k, v := range s.byName {
		next.byName[k] = v
	}
	for k, v := range s.defaults {
		next.defaults[k] = v
	}
	return next
}

type Registry struct {
	creds   CredentialStore
	persist Persister
	pub     events.Publisher
	logger  *slog.Logger

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

func New(creds CredentialStore, opts Options) *Registry {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{creds: creds, persist: opts.Persister, pub: opts.Publisher, logger: opts.Logger}
	r.snap.Store(&snapshot{byName: map[string]domain.Integration{}, defaults: map[domain.ProviderType]string{}})
	return r
}

// Load replaces the registry contents with the persisted integrations.
func (r *Registry) Load(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	list, err := r.persist.ListIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("load integrations: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &snapshot{byName: map[string]domain.Integration{}, defaults: map[domain.ProviderType]string{}}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.Before(list[j].UpdatedAt) })
	for _, in := range list {
		if in.IsDefault {
			if prev, ok := next.defaults[in.ProviderType]; ok {
				r.logger.Warn("multiple stored defaults; keeping the most recent", "provider_type", in.ProviderType, "dropped", prev)
				old := next.byName[prev]
				old.IsDefault = false
				next.byName[prev] = old
			}
			next.defaults[in.ProviderType] = in.Name
		}
		next.byName[in.Name] = in.Clone()
	}
	r.snap.Store(next)
	r.logger.Info("integrations loaded", "count", len(list))
	return nil
}

// Register validates def, stores its secret under cred:<name> and adds the integration.
// A registration never becomes default unless make_default is set.
func (r *Registry) Register(ctx context.Context, def domain.Definition) (domain.Integration, error) {
	if err := def.Validate(); err != nil {
		return domain.Integration{}, err
	}
	if def.Secret == "" {
		return domain.Integration{}, domain.Errorf(domain.ErrConfig, "register", "api_key_or_credential is required")
	}

	r.mu.Lock()
	cur := r.snap.Load()
	if _, ok := cur.byName[def.Name]; ok {
		r.mu.Unlock()
		return domain.Integration{}, domain.NewError(domain.ErrConfig, "register", fmt.Errorf("%w: %s", ErrDuplicate, def.Name))
	}

	now := time.Now().UTC()
	in := def.ToIntegration()
	in.ID = uuid.NewString()
	in.CreatedAt, in.UpdatedAt = now, now

	// a ref left behind by an interrupted unregister must not block the name
	_ = r.creds.Delete(ctx, in.CredentialRef)
	if err := r.creds.Store(ctx, in.CredentialRef, credentials.NewSecret(def.Secret)); err != nil {
		r.mu.Unlock()
		return domain.Integration{}, fmt.Errorf("store credential: %w", err)
	}

	next := cur.clone()
	next.byName[in.Name] = in
	changed := []domain.Integration{}
	if def.MakeDefault {
		changed = setDefault(next, in.Name)
	}
	in = next.byName[in.Name]
	if err := r.save(ctx, append([]domain.Integration{in}, changed...)...); err != nil {
		_ = r.creds.Delete(ctx, in.CredentialRef)
		r.mu.Unlock()
		return domain.Integration{}, err
	}
	r.snap.Store(next)
	r.mu.Unlock()

	r.logger.Info("integration registered", "name", in.Name, "provider_type", in.ProviderType, "default", in.IsDefault)
	r.publish(ctx, in, events.Registered)
	if def.MakeDefault {
		r.publish(ctx, in, events.DefaultChanged)
	}
	return in.Clone(), nil
}

// setDefault makes name the default of its provider type in s and returns the
// integrations whose default flag changed, excluding name itself.
func setDefault(s *snapshot, name string) []domain.Integration {
	in := s.byName[name]
	var changed []domain.Integration
	if prev, ok := s.defaults[in.ProviderType]; ok && prev != name {
		old := s.byName[prev]
		old.IsDefault = false
		old.UpdatedAt = time.Now().UTC()
		s.byName[prev] = old
		changed = append(changed, old)
	}
	in.IsDefault = true
	s.byName[name] = in
	s.defaults[in.ProviderType] = name
	return changed
}

func (r *Registry) save(ctx context.Context, ins ...domain.Integration) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.SaveIntegrations(ctx, ins...); err != nil {
		return fmt.Errorf("persist integration %s: %w", ins[0].Name, err)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, in domain.Integration, kind events.Kind) {
	r.pub.Publish(ctx, events.IntegrationChanged{Name: in.Name, ProviderType: in.ProviderType, Kind: kind, At: time.Now().UTC()})
}

// SetDefault makes name the only default of its provider type.
func (r *Registry) SetDefault(ctx context.Context, name string) error {
	r.mu.Lock()
	cur := r.snap.Load()
	in, ok := cur.byName[name]
	if !ok {
		r.mu.Unlock()
		return notFound("set default", name)
	}
	if in.IsDefault {
		r.mu.Unlock()
		return nil
	}
	next := cur.clone()
	changed := setDefault(next, name)
	in = next.byName[name]
	in.UpdatedAt = time.Now().UTC()
	next.byName[name] = in
	if err := r.save(ctx, append([]domain.Integration{in}, changed...)...); err != nil {
		r.mu.Unlock()
		return err
	}
	r.snap.Store(next)
	r.mu.Unlock()

	r.logger.Info("default integration changed", "name", name, "provider_type", in.ProviderType)
	r.publish(ctx, in, events.DefaultChanged)
	return nil
}

// Unregister removes name and its credential. Removing a default leaves its
// provider type without one.
func (r *Registry) Unregister(ctx context.Context, name string) (domain.Integration, error) {
	r.mu.Lock()
	cur := r.snap.Load()
	in, ok := cur.byName[name]
	if !ok {
		r.mu.Unlock()
		return domain.Integration{}, notFound("unregister", name)
	}
	if r.persist != nil {
		if err := r.persist.DeleteIntegration(ctx, name); err != nil {
			r.mu.Unlock()
			return domain.Integration{}, fmt.Errorf("delete integration %s: %w", name, err)
		}
	}
	if err := r.creds.Delete(ctx, in.CredentialRef); err != nil {
		r.logger.Warn("credential delete failed", "name", name, "err", err)
	}
	next := cur.clone()
	delete(next.byName, name)
	if next.defaults[in.ProviderType] == name {
		delete(next.defaults, in.ProviderType)
	}
	r.snap.Store(next)
	r.mu.Unlock()

	r.logger.Info("integration unregistered", "name", name, "was_default", in.IsDefault)
	r.publish(ctx, in, events.Unregistered)
	return in, nil
}

// Update applies a partial change. The name and provider type are immutable.
func (r *Registry) Update(ctx context.Context, name string, p domain.Patch) (domain.Integration, error) {
	r.mu.Lock()
	cur := r.snap.Load()
	in, ok := cur.byName[name]
	if !ok {
		r.mu.Unlock()
		return domain.Integration{}, notFound("update", name)
	}
	out, err := p.Apply(in)
	if err != nil {
		r.mu.Unlock()
		return domain.Integration{}, err
	}
	out.UpdatedAt = time.Now().UTC()
	if err := r.save(ctx, out); err != nil {
		r.mu.Unlock()
		return domain.Integration{}, err
	}
	next := cur.clone()
	next.byName[name] = out
	r.snap.Store(next)
	r.mu.Unlock()

	r.publish(ctx, out, events.Updated)
	return out.Clone(), nil
}

// RotateCredential replaces the secret of name. Sessions opened afterwards use it.
func (r *Registry) RotateCredential(ctx context.Context, name string, secret credentials.Secret) error {
	if secret.IsZero() {
		return domain.Errorf(domain.ErrConfig, "rotate credential", "credential is empty")
	}
	in, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := r.creds.Rotate(ctx, in.CredentialRef, secret); err != nil {
		return err
	}
	r.publish(ctx, in, events.Rotated)
	return nil
}

func (r *Registry) Get(name string) (domain.Integration, error) {
	in, ok := r.snap.Load().byName[name]
	if !ok {
		return domain.Integration{}, notFound("get", name)
	}
	return in.Clone(), nil
}

// GetDefault returns the default integration of pt, or a NotFound error when the
// type has none.
func (r *Registry) GetDefault(pt domain.ProviderType) (domain.Integration, error) {
	s := r.snap.Load()
	name, ok := s.defaults[pt]
	if !ok {
		return domain.Integration{}, domain.Errorf(domain.ErrNotFound, "get default", "no default integration for provider type %q", pt)
	}
	return s.byName[name].Clone(), nil
}

// All returns every integration sorted by name, from one snapshot.
func (r *Registry) All() []domain.Integration {
	s := r.snap.Load()
	out := make([]domain.Integration, 0, len(s.byName))
	for _, in := range s.byName {
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns redacted views sorted by name.
func (r *Registry) List() []domain.View {
	all := r.All()
	out := make([]domain.View, len(all))
	for i, in := range all {
		out[i] = domain.View{Name: in.Name, ProviderType: in.ProviderType, IsDefault: in.IsDefault, Enabled: in.Enabled}
	}
	return out
}

func notFound(op, name string) error {
	return domain.Errorf(domain.ErrNotFound, op, "integration %q is not registered", name)
}
