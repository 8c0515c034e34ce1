package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/yourorg/integrations-api/internal/domain"
)

// Store persists integrations, sealed credentials and raw provider snapshots in
// Postgres (pgx) or SQLite.
type Store struct {
	DB     *sqlx.DB
	driver string
	logger *slog.Logger
}

// Open connects to url, retrying the first ping with backoff for up to 30s.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, dsn, err := driverFor(url)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "pgx" {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		db.SetMaxOpenConns(1)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 250 * time.Millisecond
	exp.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		err := db.PingContext(ctx)
		if err != nil {
			logger.Warn("database not ready", "err", err)
		}
		return err
	}, backoff.WithContext(exp, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Store{DB: db, driver: driver, logger: logger}, nil
}

func driverFor(url string) (string, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, nil
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "file:"), url == ":memory:":
		return "sqlite", url, nil
	default:
		return "", "", fmt.Errorf("unsupported database url scheme")
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	blob, ts, real, js := "BLOB", "TIMESTAMP", "REAL", "TEXT"
	if s.driver == "pgx" {
		blob, ts, real, js = "BYTEA", "TIMESTAMPTZ", "DOUBLE PRECISION", "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS integrations (
			name                TEXT PRIMARY KEY,
			id                  TEXT NOT NULL,
			provider_type       TEXT NOT NULL,
			base_url            TEXT NOT NULL DEFAULT '',
			timeout_ms          BIGINT NOT NULL,
			retry_policy        TEXT NOT NULL,
			credential_ref      TEXT NOT NULL,
			is_default          BOOLEAN NOT NULL DEFAULT FALSE,
			enabled             BOOLEAN NOT NULL DEFAULT TRUE,
			requests_per_second ` + real + ` NOT NULL DEFAULT 0,
			options             TEXT NOT NULL DEFAULT '{}',
			created_at          ` + ts + ` NOT NULL,
			updated_at          ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_integrations_type ON integrations(provider_type)`,
		`CREATE TABLE IF NOT EXISTS integration_credentials (
			ref        TEXT PRIMARY KEY,
			sealed     ` + blob + ` NOT NULL,
			rotated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provider_raw_snapshots (
			payload_sha256 TEXT PRIMARY KEY,
			integration    TEXT NOT NULL,
			provider_type  TEXT NOT NULL,
			external_id    TEXT,
			payload        ` + js + ` NOT NULL,
			fetched_at     ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_integration ON provider_raw_snapshots(integration, fetched_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_external ON provider_raw_snapshots(integration, external_id)`,
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type integrationRow struct {
	Name              string    `db:"name"`
	ID                string    `db:"id"`
	ProviderType      string    `db:"provider_type"`
	BaseURL           string    `db:"base_url"`
	TimeoutMS         int64     `db:"timeout_ms"`
	RetryPolicy       string    `db:"retry_policy"`
	CredentialRef     string    `db:"credential_ref"`
	IsDefault         bool      `db:"is_default"`
	Enabled           bool      `db:"enabled"`
	RequestsPerSecond float64   `db:"requests_per_second"`
	Options           string    `db:"options"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func toRow(in domain.Integration) (integrationRow, error) {
	rp, err := json.Marshal(in.RetryPolicy)
	if err != nil {
		return integrationRow{}, err
	}
	opts := []byte("{}")
	if len(in.Options) > 0 {
		if opts, err = json.Marshal(in.Options); err != nil {
			return integrationRow{}, err
		}
	}
	return integrationRow{
		Name:              in.Name,
		ID:                in.ID,
		ProviderType:      string(in.ProviderType),
		BaseURL:           in.BaseURL,
		TimeoutMS:         in.Timeout.Milliseconds(),
		RetryPolicy:       string(rp),
		CredentialRef:     in.CredentialRef,
		IsDefault:         in.IsDefault,
		Enabled:           in.Enabled,
		RequestsPerSecond: in.RequestsPerSecond,
		Options:           string(opts),
		CreatedAt:         in.CreatedAt.UTC(),
		UpdatedAt:         in.UpdatedAt.UTC(),
	}, nil
}

func (r integrationRow) integration() (domain.Integration, error) {
	in := domain.Integration{
		ID:                r.ID,
		Name:              r.Name,
		ProviderType:      domain.ProviderType(r.ProviderType),
		BaseURL:           r.BaseURL,
		Timeout:           time.Duration(r.TimeoutMS) * time.Millisecond,
		CredentialRef:     r.CredentialRef,
		IsDefault:         r.IsDefault,
		Enabled:           r.Enabled,
		RequestsPerSecond: r.RequestsPerSecond,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.RetryPolicy), &in.RetryPolicy); err != nil {
		return in, fmt.Errorf("integration %s retry_policy: %w", r.Name, err)
	}
	in.RetryPolicy = in.RetryPolicy.WithDefaults()
	var opts map[string]string
	if err := json.Unmarshal([]byte(r.Options), &opts); err != nil {
		return in, fmt.Errorf("integration %s options: %w", r.Name, err)
	}
	if len(opts) > 0 {
		in.Options = opts
	}
	return in, nil
}

const upsertIntegration = `
	INSERT INTO integrations (name, id, provider_type, base_url, timeout_ms, retry_policy, credential_ref,
		is_default, enabled, requests_per_second, options, created_at, updated_at)
	VALUES (:name, :id, :provider_type, :base_url, :timeout_ms, :retry_policy, :credential_ref,
		:is_default, :enabled, :requests_per_second, :options, :created_at, :updated_at)
	ON CONFLICT (name) DO UPDATE SET
		base_url=excluded.base_url, timeout_ms=excluded.timeout_ms, retry_policy=excluded.retry_policy,
		is_default=excluded.is_default, enabled=excluded.enabled, requests_per_second=excluded.requests_per_second,
		options=excluded.options, updated_at=excluded.updated_at`

// SaveIntegrations upserts ins in one transaction.
func (s *Store) SaveIntegrations(ctx context.Context, ins ...domain.Integration) (err error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, in := range ins {
		row, err := toRow(in)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertIntegration, row); err != nil {
			return fmt.Errorf("save %s: %w", in.Name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteIntegration(ctx context.Context, name string) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`DELETE FROM integrations WHERE name = ?`), name)
	return err
}

func (s *Store) ListIntegrations(ctx context.Context) ([]domain.Integration, error) {
	var rows []integrationRow
	if err := s.DB.SelectContext(ctx, &rows, `SELECT * FROM integrations ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]domain.Integration, 0, len(rows))
	for _, r := range rows {
		in, err := r.integration()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// PutSealed, GetSealed and DeleteSealed make the store a credentials.Vault.
func (s *Store) PutSealed(ctx context.Context, ref string, sealed []byte) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		INSERT INTO integration_credentials (ref, sealed, rotated_at) VALUES (?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET sealed=excluded.sealed, rotated_at=excluded.rotated_at`),
		ref, sealed, time.Now().UTC())
	return err
}

func (s *Store) GetSealed(ctx context.Context, ref string) ([]byte, bool, error) {
	var sealed []byte
	err := s.DB.GetContext(ctx, &sealed, s.DB.Rebind(`SELECT sealed FROM integration_credentials WHERE ref = ?`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

func (s *Store) DeleteSealed(ctx context.Context, ref string) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`DELETE FROM integration_credentials WHERE ref = ?`), ref)
	return err
}

// Snapshot is one raw provider payload, addressed by its sha256 ref.
type Snapshot struct {
	Ref          string    `db:"payload_sha256"`
	Integration  string    `db:"integration"`
	ProviderType string    `db:"provider_type"`
	ExternalID   string    `db:"external_id"`
	Payload      []byte    `db:"payload"`
	FetchedAt    time.Time `db:"fetched_at"`
}

// WriteSnapshot stores snap unless a payload with the same ref exists.
func (s *Store) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		INSERT INTO provider_raw_snapshots (payload_sha256, integration, provider_type, external_id, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (payload_sha256) DO NOTHING`),
		snap.Ref, snap.Integration, snap.ProviderType, snap.ExternalID, string(snap.Payload), snap.FetchedAt)
	return err
}

// GetSnapshot returns the payload stored under ref.
func (s *Store) GetSnapshot(ctx context.Context, ref string) (Snapshot, error) {
	var snap Snapshot
	err := s.DB.GetContext(ctx, &snap, s.DB.Rebind(`
		SELECT payload_sha256, integration, provider_type, COALESCE(external_id, '') AS external_id, payload, fetched_at
		FROM provider_raw_snapshots WHERE payload_sha256 = ?`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, domain.Errorf(domain.ErrNotFound, "get snapshot", "snapshot %s not found", ref)
	}
	return snap, err
}
