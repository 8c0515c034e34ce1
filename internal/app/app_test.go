package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/integrations-api/internal/cache"
	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/env"
	"github.com/yourorg/integrations-api/internal/logger"
)

func baseConfig() env.Config {
	return env.Config{
		CacheTTL:         time.Minute,
		SearchMaxWorkers: 4,
		SearchBudget:     5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Second,
	}
}

func TestNew_InProcessDefaults(t *testing.T) {
	a, err := New(context.Background(), baseConfig(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Store)
	assert.Nil(t, a.Redis)
	assert.IsType(t, &cache.Memory{}, a.Cache)
	assert.Empty(t, a.Manager.ListIntegrations(context.Background()))
}

func TestNew_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.DatabaseURL = "sqlite://" + filepath.Join(t.TempDir(), "integrations.db")
	cfg.CredentialsKey = "0123456789abcdef0123456789abcdef"

	a, err := New(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	_, err = a.Manager.CreateIntegration(ctx, domain.Definition{
		Name:         "mls1",
		ProviderType: domain.ProviderRESTMLS,
		BaseURL:      "https://mls1.example.com",
		Secret:       "top-secret",
		MakeDefault:  true,
	})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := New(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	in, err := b.Manager.Integration("mls1")
	require.NoError(t, err)
	assert.True(t, in.IsDefault)
	assert.Equal(t, "https://mls1.example.com", in.BaseURL)

	sealer, err := credentials.NewSealer([]byte(cfg.CredentialsKey))
	require.NoError(t, err)
	creds := credentials.NewStore(b.Store, sealer, logger.Discard())
	require.NoError(t, creds.Use(ctx, in.CredentialRef, func(s credentials.Secret) error {
		assert.Equal(t, "top-secret", s.Reveal())
		return nil
	}))
}

func TestNew_BadCredentialsKey(t *testing.T) {
	cfg := baseConfig()
	cfg.DatabaseURL = "sqlite://" + filepath.Join(t.TempDir(), "integrations.db")
	cfg.CredentialsKey = "short"
	_, err := New(context.Background(), cfg, logger.Discard())
	assert.Error(t, err)
}
