package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Constructor registers one driver type.
type Constructor struct {
	Type               string
	DefaultConcurrency int
	Open               func(ctx context.Context, cfg Config) (Driver, error)
}

// Registry maps driver type names to constructors.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	constructors map[string]Constructor
	logger       *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		logger:       logger.With("component", "driver-registry"),
	}
}

// NewDefaultRegistry returns a registry with the built-in postgres, mysql
// and sqlite drivers.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(PostgresConstructor())
	r.Register(MySQLConstructor())
	r.Register(SQLiteConstructor())
	return r
}

// Register adds a Constructor to the registry, keyed by its Type.
func (r *Registry) Register(c Constructor) {
	r.constructors[c.Type] = c
	r.logger.Info("driver registered", "type", c.Type, "default_concurrency", c.DefaultConcurrency)
}

// Get returns the Constructor for the given type or an error if none is registered.
func (r *Registry) Get(dbType string) (Constructor, error) {
	c, ok := r.constructors[dbType]
	if !ok {
		return Constructor{}, fmt.Errorf("no driver registered for type %q", dbType)
	}
	return c, nil
}

// DefaultConcurrency returns the declared default concurrency of a driver
// type, or zero when the type is unknown or declares none.
func (r *Registry) DefaultConcurrency(dbType string) int {
	return r.constructors[dbType].DefaultConcurrency
}

// Types lists registered driver types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
