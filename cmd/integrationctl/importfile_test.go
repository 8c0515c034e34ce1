package main

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/registry"
)

const sample = `
integrations:
  - name: mls1
    provider_type: rest_mls
    base_url: https://mls1.example.com
    secret_env: MLS1_KEY
    make_default: true
    timeout_ms: 4000
    retry_policy:
      max_attempts: 3
      base_delay_ms: 200
  - name: crm1
    provider_type: crm
    base_url: https://crm.example.com
    secret_env: CRM1_TOKEN
    enabled: false
`

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParseImport(t *testing.T) {
	defs, err := parseImport(strings.NewReader(sample), envOf(map[string]string{
		"MLS1_KEY":   "k1",
		"CRM1_TOKEN": "t1",
	}))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "mls1", defs[0].Name)
	assert.Equal(t, domain.ProviderRESTMLS, defs[0].ProviderType)
	assert.Equal(t, "k1", defs[0].Secret)
	assert.True(t, defs[0].MakeDefault)
	assert.Equal(t, 4000, defs[0].TimeoutMS)
	assert.Equal(t, 3, defs[0].RetryPolicy.MaxAttempts)
	assert.Equal(t, 200, defs[0].RetryPolicy.BaseDelayMS)

	require.NotNil(t, defs[1].Enabled)
	assert.False(t, *defs[1].Enabled)
	assert.Equal(t, "t1", defs[1].Secret)
}

func TestParseImport_Errors(t *testing.T) {
	_, err := parseImport(strings.NewReader(sample), envOf(map[string]string{"MLS1_KEY": "k1"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRM1_TOKEN is not set")

	_, err = parseImport(strings.NewReader("integrations:\n  - name: x\n    provider_type: crm\n"), envOf(nil))
	assert.ErrorContains(t, err, "secret_env is required")

	_, err = parseImport(strings.NewReader("integrations:\n  - name: x\n    api_key: inline\n"), envOf(nil))
	assert.ErrorContains(t, err, "parse import file")
}

type fakeCreator struct{ existing map[string]bool }

func (f *fakeCreator) CreateIntegration(_ context.Context, d domain.Definition) (string, error) {
	if d.Name == "broken" {
		return "", domain.NewError(domain.ErrConfig, "register", fmt.Errorf("bad base url"))
	}
	if f.existing[d.Name] {
		return "", domain.NewError(domain.ErrConfig, "register", fmt.Errorf("%w: %s", registry.ErrDuplicate, d.Name))
	}
	f.existing[d.Name] = true
	return "id-" + d.Name, nil
}

func TestRunImport_SkipsExisting(t *testing.T) {
	c := &fakeCreator{existing: map[string]bool{"crm1": true}}
	res, err := runImport(context.Background(), c, []domain.Definition{{Name: "mls1"}, {Name: "crm1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mls1"}, res.Created)
	assert.Equal(t, []string{"crm1"}, res.Skipped)

	res, err = runImport(context.Background(), c, []domain.Definition{{Name: "mls2"}, {Name: "broken"}, {Name: "mls3"}})
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Equal(t, []string{"mls2"}, res.Created)
}
