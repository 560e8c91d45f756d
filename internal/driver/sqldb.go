package driver

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLDriver adapts a database/sql pool to Driver.
type SQLDriver struct {
	db *sql.DB
}

// NewSQLDriver wraps an open pool.
func NewSQLDriver(db *sql.DB) *SQLDriver {
	return &SQLDriver{db: db}
}

// TestConnection runs a trivial query.
func (d *SQLDriver) TestConnection(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("test connection: %w", err)
	}
	return nil
}

// Query runs a statement and returns rows keyed by column name.
func (d *SQLDriver) Query(ctx context.Context, query string, values []any) ([]map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// Release closes the pool.
func (d *SQLDriver) Release(context.Context) error {
	return d.db.Close()
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
