package integrations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// PostgresSink writes rows straight into a Postgres database, creating the
// target table and any missing columns on demand. Every value is stored as
// text.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PostgresOption configures a PostgresSink.
type PostgresOption func(*PostgresSink)

// WithPostgresLogger sets the logger.
func WithPostgresLogger(l *slog.Logger) PostgresOption {
	return func(s *PostgresSink) { s.logger = l }
}

// NewPostgresSink connects to connString.
func NewPostgresSink(ctx context.Context, connString string, opts ...PostgresOption) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "postgres sink: parse config: %v", err).WithCause(err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "postgres sink: connect: %v", err).WithCause(err)
	}
	s := &PostgresSink{pool: pool, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Send copies rows into table.
func (s *PostgresSink) Send(ctx context.Context, table string, rows []map[string]any) error {
	if strings.TrimSpace(table) == "" {
		return schema.NewError(schema.ErrCodeValidation, "postgres sink: table name is required")
	}
	if len(rows) == 0 {
		return nil
	}
	cols := rowColumns(rows)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "postgres sink: begin: %v", err).WithCause(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range ensureTableStatements(table, cols) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeTransport, "postgres sink: prepare table %s: %v", table, err).WithCause(err)
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(rowValues(rows, cols)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "postgres sink: copy into %s: %v", table, err).WithCause(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "postgres sink: commit: %v", err).WithCause(err)
	}
	s.logger.DebugContext(ctx, "rows written", slog.String("table", table), slog.Int64("rows", n))
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

// rowColumns is the sorted union of keys across rows.
func rowColumns(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func ensureTableStatements(table string, cols []string) []string {
	ident := pgx.Identifier{table}.Sanitize()
	stmts := []string{fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (_id BIGSERIAL PRIMARY KEY, _inserted_at TIMESTAMPTZ NOT NULL DEFAULT now())",
		ident,
	)}
	for _, c := range cols {
		stmts = append(stmts, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT", ident, pgx.Identifier{c}.Sanitize(),
		))
	}
	return stmts
}

func rowValues(rows []map[string]any, cols []string) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			v, ok := r[c]
			if !ok || v == nil {
				continue
			}
			vals[j] = expressions.Stringify(v)
		}
		out[i] = vals
	}
	return out
}
