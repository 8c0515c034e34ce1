package adapters

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
)

// dbColumns are the aliases rows are selected under; the normalizer maps these names.
var dbColumns = []string{
	"id", "address_line1", "unit", "city", "state", "postal_code", "latitude", "longitude",
	"price", "bedrooms", "bathrooms", "area_sqft", "area_sqm", "listing_date",
}

var reIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Database reads listings from a SQL table. The credential is the connection string:
// postgres:// URLs use pgx, sqlite:// and file: DSNs use the pure-Go sqlite driver.
//
// Options: table, page_size, max_conns, and col_<alias> to rename a column
// ("-" drops it).
type Database struct {
	Logger *slog.Logger
}

func (a *Database) Connect(ctx context.Context, in domain.Integration, secret credentials.Secret) (Session, error) {
	if secret.IsZero() {
		return nil, domain.Errorf(domain.ErrAuth, "connect", "empty connection string")
	}
	driverName, dsn, err := splitDSN(secret.Reveal())
	if err != nil {
		return nil, err
	}
	table := in.Option("table", "properties")
	if !reIdent.MatchString(table) {
		return nil, domain.Errorf(domain.ErrConfig, "connect", "invalid table name %q", table)
	}
	cols := make([]dbColumn, 0, len(dbColumns))
	idCol := ""
	for _, alias := range dbColumns {
		col := in.Option("col_"+alias, alias)
		if alias == "id" {
			col = in.Option("id_column", col)
		}
		if col == "-" {
			continue
		}
		if !reIdent.MatchString(col) {
			return nil, domain.Errorf(domain.ErrConfig, "connect", "invalid column %q for %s", col, alias)
		}
		if alias == "id" {
			idCol = col
		}
		cols = append(cols, dbColumn{name: col, alias: alias})
	}
	if idCol == "" {
		return nil, domain.Errorf(domain.ErrConfig, "connect", "id column is required")
	}
	pageSize, _ := strconv.Atoi(in.Option("page_size", "100"))
	if pageSize <= 0 {
		pageSize = 100
	}
	maxConns, _ := strconv.Atoi(in.Option("max_conns", "4"))
	if strings.Contains(dsn, ":memory:") {
		// every connection would open its own empty database
		maxConns = 1
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, domain.NewError(domain.ErrConfig, "connect", err)
	}
	db.SetMaxOpenConns(max(maxConns, 1))
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, in.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classifySQL("connect", err)
	}
	a.logger().Debug("database connected", "integration", in.Name, "driver", driverName, "table", table)

	return &dbSession{in: in, db: db, table: table, idCol: idCol, cols: cols, pageSize: pageSize}, nil
}

func (a *Database) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func splitDSN(raw string) (string, string, error) {
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "pgx", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite://"), nil
	case strings.HasPrefix(raw, "file:"), raw == ":memory:":
		return "sqlite", raw, nil
	default:
		return "", "", domain.Errorf(domain.ErrConfig, "connect", "unsupported connection string scheme")
	}
}

// classifySQL maps driver failures onto the error taxonomy.
func classifySQL(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewError(domain.ErrNotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "28":
			return domain.NewError(domain.ErrAuth, op, err)
		case "42", "3D", "3F":
			return domain.NewError(domain.ErrConfig, op, err)
		case "22":
			return domain.NewError(domain.ErrSchemaMismatch, op, err)
		default:
			return domain.NewError(domain.ErrTransient, op, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return domain.NewError(domain.ErrTransient, op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		return domain.NewError(domain.ErrConfig, op, err)
	case strings.Contains(msg, "password authentication failed"):
		return domain.NewError(domain.ErrAuth, op, err)
	}
	return domain.NewError(domain.ErrTransient, op, err)
}

type dbColumn struct {
	name  string
	alias string
}

type dbSession struct {
	in       domain.Integration
	db       *sqlx.DB
	table    string
	idCol    string
	cols     []dbColumn
	pageSize int
}

func (s *dbSession) column(alias string) (string, bool) {
	for _, c := range s.cols {
		if c.alias == alias {
			return c.name, true
		}
	}
	return "", false
}

// where builds the filter for c over the configured columns. Placeholders are
// written as ? and rebound per driver.
func (s *dbSession) where(c domain.Criteria) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(alias, expr string, v any) {
		if col, ok := s.column(alias); ok {
			conds = append(conds, strings.ReplaceAll(expr, "$col", col))
			args = append(args, v)
		}
	}
	if c.City != "" {
		add("city", "LOWER($col) = LOWER(?)", c.City)
	}
	if c.State != "" {
		add("state", "UPPER($col) = UPPER(?)", c.State)
	}
	if c.PostalCode != "" {
		add("postal_code", "$col = ?", c.PostalCode)
	}
	if c.MinPrice > 0 {
		add("price", "$col >= ?", c.MinPrice)
	}
	if c.MaxPrice > 0 {
		add("price", "$col <= ?", c.MaxPrice)
	}
	if c.MinBeds > 0 {
		add("bedrooms", "$col >= ?", c.MinBeds)
	}
	if c.MinBaths > 0 {
		add("bathrooms", "$col >= ?", c.MinBaths)
	}
	if c.Location != "" {
		add("address_line1", "LOWER($col) LIKE ?", "%"+strings.ToLower(c.Location)+"%")
	}
	if c.PropertyType != "" {
		if col := s.in.Option("col_property_type", ""); reIdent.MatchString(col) {
			conds = append(conds, "LOWER("+col+") = LOWER(?)")
			args = append(args, c.PropertyType)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *dbSession) selectFrom() string {
	exprs := make([]string, len(s.cols))
	for i, c := range s.cols {
		exprs[i] = c.name + " AS " + c.alias
	}
	return "SELECT " + strings.Join(exprs, ", ") + " FROM " + s.table
}

func (s *dbSession) Search(ctx context.Context, c domain.Criteria) (iter.Seq2[domain.RawRecord, error], error) {
	c = withLimit(c)
	where, args := s.where(c)
	size := min(s.pageSize, c.Limit)
	query := s.db.Rebind(s.selectFrom() + where + " ORDER BY " + s.idCol + " LIMIT ? OFFSET ?")

	var load func(ctx context.Context, offset int) (page, error)
	load = func(ctx context.Context, offset int) (page, error) {
		recs, err := s.query(ctx, "search", query, append(append([]any{}, args...), size, offset)...)
		if err != nil {
			return page{}, err
		}
		p := page{records: recs}
		if len(recs) >= size {
			p.next = func(ctx context.Context) (page, error) { return load(ctx, offset+len(recs)) }
		}
		return p, nil
	}
	first, err := load(ctx, 0)
	if err != nil {
		return nil, err
	}
	return stream(ctx, first, c.Limit), nil
}

func (s *dbSession) query(ctx context.Context, op, query string, args ...any) ([]domain.RawRecord, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQL(op, err)
	}
	defer rows.Close()
	var out []domain.RawRecord
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, domain.NewError(domain.ErrSchemaMismatch, op, err)
		}
		fields := make(map[string]any, len(row))
		for k, v := range row {
			fields[k] = sqlValue(v)
		}
		payload, _ := json.Marshal(fields)
		out = append(out, domain.RawRecord{Provider: domain.ProviderDB, Source: s.in.Name, Fields: fields, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQL(op, err)
	}
	return out, nil
}

// sqlValue converts driver values into JSON-friendly scalars.
func sqlValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}

func (s *dbSession) Fetch(ctx context.Context, id string) (domain.RawRecord, error) {
	query := s.db.Rebind(s.selectFrom() + " WHERE " + s.idCol + " = ? LIMIT 1")
	recs, err := s.query(ctx, "fetch", query, id)
	if err != nil {
		return domain.RawRecord{}, err
	}
	if len(recs) == 0 {
		return domain.RawRecord{}, domain.Errorf(domain.ErrNotFound, "fetch", "row %s not found", id)
	}
	return recs[0], nil
}

// Push inserts each record as a row in one transaction. Keys naming a known alias
// go to its configured column; other keys must be plain identifiers.
func (s *dbSession) Push(ctx context.Context, recs []map[string]any) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, classifySQL("push", err)
	}
	defer tx.Rollback()
	for _, r := range recs {
		keys := slices.Sorted(maps.Keys(r))
		if len(keys) == 0 {
			return 0, domain.Errorf(domain.ErrSchemaMismatch, "push", "empty record")
		}
		cols := make([]string, len(keys))
		args := make([]any, len(keys))
		for i, k := range keys {
			col, ok := s.column(k)
			if !ok {
				if !reIdent.MatchString(k) {
					return 0, domain.Errorf(domain.ErrSchemaMismatch, "push", "invalid column name %q", k)
				}
				col = k
			}
			cols[i], args[i] = col, r[k]
		}
		query := s.db.Rebind("INSERT INTO " + s.table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, classifySQL("push", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classifySQL("push", err)
	}
	return len(recs), nil
}

func (s *dbSession) Healthcheck(ctx context.Context) (domain.HealthStatus, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.HealthDown, classifySQL("healthcheck", err)
	}
	if st := s.db.Stats(); st.MaxOpenConnections > 0 && st.InUse >= st.MaxOpenConnections {
		return domain.HealthDegraded, nil
	}
	return domain.HealthUp, nil
}

func (s *dbSession) Close() error {
	return s.db.Close()
}
