package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQLConstructor registers the "mysql" driver type.
func MySQLConstructor() Constructor {
	return Constructor{
		Type:               "mysql",
		DefaultConcurrency: 2,
		Open:               openMySQL,
	}
}

func openMySQL(ctx context.Context, cfg Config) (Driver, error) {
	dsn := strings.TrimPrefix(cfg.URL, "mysql://")
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	return NewSQLDriver(sql.OpenDB(connector)), nil
}
