// Package driver defines data-source driver handles, the startup registry of
// driver types and the concurrency resolver.
package driver

import (
	"context"
	"fmt"
)

// Driver is an open handle to one data source.
type Driver interface {
	TestConnection(ctx context.Context) error
	Query(ctx context.Context, query string, values []any) ([]map[string]any, error)
}

// Releaser is implemented by drivers holding connections that must be closed.
type Releaser interface {
	Release(ctx context.Context) error
}

// Release closes d when it implements Releaser.
func Release(ctx context.Context, d Driver) error {
	if r, ok := d.(Releaser); ok {
		return r.Release(ctx)
	}
	return nil
}

// Source is what a driver factory returns for a data source: either a ready
// Instance or a Config the registry opens. No other implementations exist.
type Source interface {
	isSource()
}

// Instance wraps an already constructed driver.
type Instance struct {
	Driver Driver
}

// Config describes a driver the registry should open.
type Config struct {
	Type string // registered driver type, e.g. "postgres"
	URL  string // connection string understood by the driver
}

func (Instance) isSource() {}
func (Config) isSource()   {}

// Factory produces the driver source for a named data source.
type Factory func(ctx context.Context, dataSource string) (Source, error)

// Open resolves src into a Driver using reg for Config sources.
func Open(ctx context.Context, reg *Registry, src Source) (Driver, error) {
	switch s := src.(type) {
	case Instance:
		if s.Driver == nil {
			return nil, fmt.Errorf("driver instance is nil")
		}
		return s.Driver, nil
	case Config:
		c, err := reg.Get(s.Type)
		if err != nil {
			return nil, err
		}
		return c.Open(ctx, s)
	default:
		return nil, fmt.Errorf("unknown driver source %T", src)
	}
}
