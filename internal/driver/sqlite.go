package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteConstructor registers the "sqlite" driver type. The URL is a file
// path, optionally prefixed with "sqlite://".
func SQLiteConstructor() Constructor {
	return Constructor{
		Type:               "sqlite",
		DefaultConcurrency: 1,
		Open:               openSQLite,
	}
}

func openSQLite(_ context.Context, cfg Config) (Driver, error) {
	path := strings.TrimPrefix(cfg.URL, "sqlite://")
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite supports one writer; keep a single connection so :memory:
	// databases are shared across queries.
	db.SetMaxOpenConns(1)
	return NewSQLDriver(db), nil
}
