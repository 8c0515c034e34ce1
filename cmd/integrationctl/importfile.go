package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/registry"
)

// importFile is the document read by `integrationctl import`. Secrets are never
// written into it; each entry names the environment variable that holds one.
type importFile struct {
	Integrations []importEntry `yaml:"integrations"`
}

type importEntry struct {
	domain.Definition `yaml:",inline"`
	SecretEnv         string `yaml:"secret_env"`
}

func parseImport(r io.Reader, lookup func(string) (string, bool)) ([]domain.Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f importFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse import file: %w", err)
	}
	defs := make([]domain.Definition, 0, len(f.Integrations))
	var errs []error
	for i, e := range f.Integrations {
		if e.SecretEnv == "" {
			errs = append(errs, fmt.Errorf("integrations[%d] %q: secret_env is required", i, e.Name))
			continue
		}
		v, ok := lookup(e.SecretEnv)
		if !ok || strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("integrations[%d] %q: %s is not set", i, e.Name, e.SecretEnv))
			continue
		}
		d := e.Definition
		d.Secret = v
		defs = append(defs, d)
	}
	return defs, errors.Join(errs...)
}

type creator interface {
	CreateIntegration(ctx context.Context, def domain.Definition) (string, error)
}

type importResult struct {
	Created []string
	Skipped []string
}

// runImport registers each definition; names that already exist are skipped so
// the same file can be applied repeatedly.
func runImport(ctx context.Context, m creator, defs []domain.Definition) (importResult, error) {
	var res importResult
	for _, d := range defs {
		_, err := m.CreateIntegration(ctx, d)
		switch {
		case err == nil:
			res.Created = append(res.Created, d.Name)
		case errors.Is(err, registry.ErrDuplicate):
			res.Skipped = append(res.Skipped, d.Name)
		default:
			return res, fmt.Errorf("import %s: %w", d.Name, err)
		}
	}
	return res, nil
}

func openImport(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
