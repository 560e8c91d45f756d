package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConstructor registers the "postgres" driver type backed by pgxpool.
func PostgresConstructor() Constructor {
	return Constructor{
		Type:               "postgres",
		DefaultConcurrency: 4,
		Open: func(ctx context.Context, cfg Config) (Driver, error) {
			pool, err := pgxpool.New(ctx, cfg.URL)
			if err != nil {
				return nil, fmt.Errorf("open postgres: %w", err)
			}
			return &PostgresDriver{pool: pool}, nil
		},
	}
}

// PostgresDriver runs queries through a pgx connection pool.
type PostgresDriver struct {
	pool *pgxpool.Pool
}

// TestConnection pings the pool.
func (d *PostgresDriver) TestConnection(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return fmt.Errorf("test connection: %w", err)
	}
	return nil
}

// Query runs a statement written with "?" placeholders.
func (d *PostgresDriver) Query(ctx context.Context, query string, values []any) ([]map[string]any, error) {
	rows, err := d.pool.Query(ctx, Rebind(query), values...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

// Release closes the pool.
func (d *PostgresDriver) Release(context.Context) error {
	d.pool.Close()
	return nil
}

// Rebind rewrites "?" placeholders to postgres "$n" form, leaving quoted
// strings untouched.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
