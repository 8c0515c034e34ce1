package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/events"
	"github.com/yourorg/integrations-api/internal/logger"
)

type memPersister struct {
	mu      sync.Mutex
	rows    map[string]domain.Integration
	failing bool
}

func newMemPersister() *memPersister { return &memPersister{rows: map[string]domain.Integration{}} }

func (p *memPersister) SaveIntegrations(_ context.Context, ins ...domain.Integration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("db down")
	}
	for _, in := range ins {
		p.rows[in.Name] = in.Clone()
	}
	return nil
}

func (p *memPersister) DeleteIntegration(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, name)
	return nil
}

func (p *memPersister) ListIntegrations(context.Context) ([]domain.Integration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Integration, 0, len(p.rows))
	for _, in := range p.rows {
		out = append(out, in.Clone())
	}
	return out, nil
}

func newTestRegistry(t *testing.T, p Persister) (*Registry, *credentials.Store, *events.InMemory) {
	t.Helper()
	creds := credentials.NewStore(credentials.NewMemoryVault(), nil, logger.Discard())
	pub := events.NewInMemory(64)
	return New(creds, Options{Persister: p, Publisher: pub, Logger: logger.Discard()}), creds, pub
}

func def(name string, pt domain.ProviderType, makeDefault bool) domain.Definition {
	return domain.Definition{
		Name:         name,
		ProviderType: pt,
		BaseURL:      "https://" + name + ".example.com",
		Secret:       "secret-" + name,
		MakeDefault:  makeDefault,
	}
}

func TestRegister_StoresCredentialAndRedacts(t *testing.T) {
	r, creds, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	in, err := r.Register(ctx, def("mls1", domain.ProviderRESTMLS, false))
	require.NoError(t, err)
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, "cred:mls1", in.CredentialRef)
	assert.False(t, in.IsDefault, "first integration of a type is not default implicitly")

	require.NoError(t, creds.Use(ctx, "cred:mls1", func(s credentials.Secret) error {
		assert.Equal(t, "secret-mls1", s.Reveal())
		return nil
	}))

	b, err := json.Marshal(r.List())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret-mls1")
	b, err = json.Marshal(r.All())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret-mls1")
}

func TestRegister_Rejects(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	_, err := r.Register(ctx, def("mls1", domain.ProviderRESTMLS, false))
	require.NoError(t, err)

	_, err = r.Register(ctx, def("mls1", domain.ProviderCRM, false))
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.ErrorIs(t, err, ErrDuplicate)

	bad := def("Bad Name", domain.ProviderRESTMLS, false)
	_, err = r.Register(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrConfig)

	noSecret := def("mls2", domain.ProviderRESTMLS, false)
	noSecret.Secret = ""
	_, err = r.Register(ctx, noSecret)
	assert.ErrorIs(t, err, domain.ErrConfig)

	assert.Len(t, r.List(), 1)
}

func TestMakeDefault_IsExclusivePerProviderType(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, def("mls1", domain.ProviderRESTMLS, true))
	require.NoError(t, err)
	_, err = r.Register(ctx, def("crm1", domain.ProviderCRM, true))
	require.NoError(t, err)
	_, err = r.Register(ctx, def("mls2", domain.ProviderRESTMLS, true))
	require.NoError(t, err)

	d, err := r.GetDefault(domain.ProviderRESTMLS)
	require.NoError(t, err)
	assert.Equal(t, "mls2", d.Name)

	mls1, err := r.Get("mls1")
	require.NoError(t, err)
	assert.False(t, mls1.IsDefault)

	d, err = r.GetDefault(domain.ProviderCRM)
	require.NoError(t, err)
	assert.Equal(t, "crm1", d.Name, "defaults of other types are untouched")
}

func TestSetDefault_ConcurrentSwapsNeverShowTwoDefaults(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	for _, n := range []string{"mls1", "mls2", "mls3"} {
		_, err := r.Register(ctx, def(n, domain.ProviderRESTMLS, n == "mls1"))
		require.NoError(t, err)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := 0
				for _, v := range r.List() {
					if v.IsDefault {
						n++
					}
				}
				assert.Equal(t, 1, n)
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 30; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			assert.NoError(t, r.SetDefault(ctx, []string{"mls1", "mls2", "mls3"}[i%3]))
		}(i)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	d, err := r.GetDefault(domain.ProviderRESTMLS)
	require.NoError(t, err)
	for _, in := range r.All() {
		assert.Equal(t, in.Name == d.Name, in.IsDefault, in.Name)
	}
}

func TestUnregister_DefaultIsNotReplaced(t *testing.T) {
	r, creds, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	_, err := r.Register(ctx, def("mls1", domain.ProviderRESTMLS, true))
	require.NoError(t, err)
	_, err = r.Register(ctx, def("mls2", domain.ProviderRESTMLS, false))
	require.NoError(t, err)

	_, err = r.Unregister(ctx, "mls1")
	require.NoError(t, err)

	_, err = r.GetDefault(domain.ProviderRESTMLS)
	assert.ErrorIs(t, err, domain.ErrNotFound, "unregistering the default leaves the type without one")
	ok, err := creds.Exists(ctx, "cred:mls1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Unregister(ctx, "mls1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Register(ctx, def("mls1", domain.ProviderRESTMLS, false))
	assert.NoError(t, err, "name is reusable after unregister")
}

func TestUpdate(t *testing.T) {
	r, _, pub := newTestRegistry(t, nil)
	sub := pub.Subscribe()
	ctx := context.Background()
	_, err := r.Register(ctx, def("mls1", domain.ProviderRESTMLS, false))
	require.NoError(t, err)

	disabled := false
	out, err := r.Update(ctx, "mls1", domain.Patch{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, out.Enabled)

	got, _ := r.Get("mls1")
	assert.False(t, got.Enabled)

	_, err = r.Update(ctx, "ghost", domain.Patch{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, events.Registered, (<-sub).Kind)
	assert.Equal(t, events.Updated, (<-sub).Kind)
}

func TestRotateCredential(t *testing.T) {
	r, creds, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	_, err := r.Register(ctx, def("crm1", domain.ProviderCRM, false))
	require.NoError(t, err)

	require.NoError(t, r.RotateCredential(ctx, "crm1", credentials.NewSecret("new-token")))
	require.NoError(t, creds.Use(ctx, "cred:crm1", func(s credentials.Secret) error {
		assert.Equal(t, "new-token", s.Reveal())
		return nil
	}))
	assert.ErrorIs(t, r.RotateCredential(ctx, "ghost", credentials.NewSecret("x")), domain.ErrNotFound)
	assert.ErrorIs(t, r.RotateCredential(ctx, "crm1", credentials.Secret{}), domain.ErrConfig)
}

func TestPersistence_LoadAndRollback(t *testing.T) {
	p := newMemPersister()
	r, _, _ := newTestRegistry(t, p)
	ctx := context.Background()
	_, err := r.Register(ctx, def("mls1", domain.ProviderRESTMLS, true))
	require.NoError(t, err)
	_, err = r.Register(ctx, def("mls2", domain.ProviderRESTMLS, false))
	require.NoError(t, err)
	require.NoError(t, r.SetDefault(ctx, "mls2"))

	restored, _, _ := newTestRegistry(t, p)
	require.NoError(t, restored.Load(ctx))
	d, err := restored.GetDefault(domain.ProviderRESTMLS)
	require.NoError(t, err)
	assert.Equal(t, "mls2", d.Name)
	assert.Len(t, restored.List(), 2)

	p.failing = true
	_, err = r.Register(ctx, def("mls3", domain.ProviderRESTMLS, false))
	require.Error(t, err)
	_, err = r.Get("mls3")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
