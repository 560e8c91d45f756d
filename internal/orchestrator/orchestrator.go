// Package orchestrator is the per-tenant query execution coordinator: it runs
// queries with a bounded wait, falls back to stale cached results, and owns
// the tenant's lazily created driver handles.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/me/rollupd/internal/cache"
	"github.com/me/rollupd/internal/driver"
	"github.com/me/rollupd/internal/engine"
	"github.com/me/rollupd/internal/metrics"
	"github.com/me/rollupd/pkg/model"
)

// DefaultContinueWaitTimeout bounds how long ExecuteQuery waits for the engine.
const DefaultContinueWaitTimeout = 5 * time.Second

// Engine executes queries on behalf of the coordinator.
type Engine interface {
	FetchQuery(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error)
	LoadRefreshKeys(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error)
	ResultFromCacheIfExists(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error)
	QueryStage(ctx context.Context, q *model.QueryDescriptor) (*model.QueryStage, error)
	ExpandPartitionsInPreAggregations(ctx context.Context, req model.PartitionExpansion) (*model.ExpandedPartitions, error)
	CheckPartitionsBuildRangeCache(ctx context.Context, req model.PartitionExpansion) ([]model.BuildRangeCacheStatus, error)
	Cleanup(ctx context.Context) error
	TestConnections(ctx context.Context) error
}

// Config configures a Coordinator.
type Config struct {
	// ID is the orchestrator id of the tenant this coordinator serves.
	ID string
	// DriverFactory resolves the driver source of a data source.
	DriverFactory driver.Factory
	// ExternalDriverFactory resolves the external pre-aggregation store; nil
	// when none is configured.
	ExternalDriverFactory func(ctx context.Context) (driver.Source, error)
	Registry              *driver.Registry
	// DBType resolves the driver type name reported with results.
	DBType              func(dataSource string) string
	ContinueWaitTimeout time.Duration
	Cache               cache.Backend
	EngineConfig        engine.Config
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithEngine replaces the built-in engine.
func WithEngine(e Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

const externalKey = "\x00external"

// ErrReleased is returned when a driver is requested from a coordinator
// that has been released, such as one evicted from the instance cache.
var ErrReleased = errors.New("orchestrator released")

// Coordinator is one tenant's query execution coordinator.
type Coordinator struct {
	cfg    Config
	engine Engine
	logger *slog.Logger

	creating singleflight.Group

	mu       sync.Mutex
	drivers  map[string]driver.Driver
	external driver.Driver
	seen     map[string]struct{}
	released bool
}

// New creates a Coordinator. Without WithEngine the built-in engine is used,
// backed by cfg.Cache (an in-memory cache when nil).
func New(cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.ContinueWaitTimeout <= 0 {
		cfg.ContinueWaitTimeout = DefaultContinueWaitTimeout
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory()
	}
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator", "orchestrator_id", cfg.ID),
		drivers: make(map[string]driver.Driver),
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.engine == nil {
		c.engine = engine.New(c, cfg.Cache, cfg.EngineConfig, logger)
	}
	return c
}

// ID returns the orchestrator id.
func (c *Coordinator) ID() string { return c.cfg.ID }

// JobCache is the tenant cache holding posted build jobs.
func (c *Coordinator) JobCache() cache.Backend { return c.cfg.Cache }

// ExpandPartitionsInPreAggregations delegates to the engine.
func (c *Coordinator) ExpandPartitionsInPreAggregations(ctx context.Context, req model.PartitionExpansion) (*model.ExpandedPartitions, error) {
	return c.engine.ExpandPartitionsInPreAggregations(ctx, req)
}

// CheckPartitionsBuildRangeCache delegates to the engine.
func (c *Coordinator) CheckPartitionsBuildRangeCache(ctx context.Context, req model.PartitionExpansion) ([]model.BuildRangeCacheStatus, error) {
	return c.engine.CheckPartitionsBuildRangeCache(ctx, req)
}

type outcome struct {
	res *model.Result
	err error
}

// ExecuteQuery runs q, waiting at most the continue-wait timeout. The engine
// keeps running after a timeout; callers poll by issuing the same query again.
func (c *Coordinator) ExecuteQuery(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error) {
	logger := c.logger.With("request_id", q.RequestID, "data_source", q.DataSourceOrDefault())

	done := make(chan outcome, 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		var o outcome
		if q.LoadRefreshKeysOnly {
			o.res, o.err = c.engine.LoadRefreshKeys(bg, q)
		} else {
			o.res, o.err = c.engine.FetchQuery(bg, q)
		}
		done <- o
	}()

	timer := time.NewTimer(c.cfg.ContinueWaitTimeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-done:
	case <-timer.C:
		o.err = &model.ContinueWaitError{}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if o.err == nil {
		c.annotate(o.res)
		metrics.Queries.WithLabelValues(metrics.OutcomeSuccess).Inc()
		return o.res, nil
	}
	if model.IsContinueWait(o.err) {
		return c.continueWait(ctx, q, logger)
	}

	logger.Error("error querying db",
		"query", q.Query.SQL,
		"values", q.Query.Values,
		"error", o.err,
	)
	metrics.Queries.WithLabelValues(metrics.OutcomeError).Inc()
	return nil, &model.QueryError{Message: o.err.Error(), Err: o.err}
}

// continueWait serves a stale cached result when the caller allows it, or
// returns a ContinueWaitError.
func (c *Coordinator) continueWait(ctx context.Context, q *model.QueryDescriptor, logger *slog.Logger) (*model.Result, error) {
	cached, err := c.engine.ResultFromCacheIfExists(ctx, q)
	if err != nil {
		logger.Warn("cached result lookup failed", "error", err)
	}
	if cached != nil && !q.RenewQuery && !q.ScheduledRefresh {
		// The cached result keeps the db type it was stored with.
		res := cached.Clone()
		res.SlowQuery = true
		metrics.Queries.WithLabelValues(metrics.OutcomeStale).Inc()
		logger.Debug("serving stale result")
		return res, nil
	}

	var stage *model.QueryStage
	if !q.ScheduledRefresh {
		stage, err = c.engine.QueryStage(ctx, q)
		if err != nil {
			logger.Warn("query stage lookup failed", "error", err)
		}
	}
	metrics.Queries.WithLabelValues(metrics.OutcomeContinueWait).Inc()
	return nil, &model.ContinueWaitError{Stage: stage}
}

// annotate sets the db type of res and of every batch item.
func (c *Coordinator) annotate(res *model.Result) {
	if res == nil || c.cfg.DBType == nil {
		return
	}
	res.DBType = c.cfg.DBType(model.DataSourceName(res.DataSource))
	for _, item := range res.Items {
		c.annotate(item)
	}
}

// Driver returns the driver of dataSource, creating and testing it on first
// use. Concurrent first use shares one creation; a failed creation is not
// remembered.
func (c *Coordinator) Driver(ctx context.Context, dataSource string) (driver.Driver, error) {
	ds := model.DataSourceName(dataSource)
	c.AddDataSeenSource(ds)

	c.mu.Lock()
	d, ok := c.drivers[ds]
	released := c.released
	c.mu.Unlock()
	if released {
		return nil, ErrReleased
	}
	if ok {
		return d, nil
	}

	v, err, _ := c.creating.Do(ds, func() (any, error) {
		c.mu.Lock()
		d, ok := c.drivers[ds]
		c.mu.Unlock()
		if ok {
			return d, nil
		}
		if c.cfg.DriverFactory == nil {
			return nil, fmt.Errorf("no driver factory for data source %q", ds)
		}
		d, err := c.open(context.WithoutCancel(ctx), func(ctx context.Context) (driver.Source, error) {
			return c.cfg.DriverFactory(ctx, ds)
		})
		if err != nil {
			return nil, fmt.Errorf("data source %q: %w", ds, err)
		}
		if !c.keep(ctx, func() { c.drivers[ds] = d }, d) {
			return nil, ErrReleased
		}
		c.logger.Info("driver created", "data_source", ds)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Driver), nil
}

// ExternalDriver returns the driver of the external pre-aggregation store.
func (c *Coordinator) ExternalDriver(ctx context.Context) (driver.Driver, error) {
	if c.cfg.ExternalDriverFactory == nil {
		return nil, fmt.Errorf("external driver is not configured")
	}
	c.mu.Lock()
	d := c.external
	released := c.released
	c.mu.Unlock()
	if released {
		return nil, ErrReleased
	}
	if d != nil {
		return d, nil
	}

	v, err, _ := c.creating.Do(externalKey, func() (any, error) {
		c.mu.Lock()
		d := c.external
		c.mu.Unlock()
		if d != nil {
			return d, nil
		}
		d, err := c.open(context.WithoutCancel(ctx), c.cfg.ExternalDriverFactory)
		if err != nil {
			return nil, fmt.Errorf("external driver: %w", err)
		}
		if !c.keep(ctx, func() { c.external = d }, d) {
			return nil, ErrReleased
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Driver), nil
}

// keep stores a freshly opened driver with store unless the coordinator was
// released while it was being opened, in which case the driver is released.
func (c *Coordinator) keep(ctx context.Context, store func(), d driver.Driver) bool {
	c.mu.Lock()
	if !c.released {
		store()
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	if err := driver.Release(context.WithoutCancel(ctx), d); err != nil {
		c.logger.Warn("release driver opened after release", "error", err)
	}
	return false
}

// open resolves a source, then tests it. A driver failing its test is released.
func (c *Coordinator) open(ctx context.Context, factory func(context.Context) (driver.Source, error)) (driver.Driver, error) {
	src, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	d, err := driver.Open(ctx, c.cfg.Registry, src)
	if err != nil {
		return nil, err
	}
	if err := d.TestConnection(ctx); err != nil {
		if rerr := driver.Release(ctx, d); rerr != nil {
			c.logger.Warn("release after failed connection test", "error", rerr)
		}
		return nil, err
	}
	return d, nil
}

// AddDataSeenSource records that dataSource was used by this tenant.
func (c *Coordinator) AddDataSeenSource(dataSource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[model.DataSourceName(dataSource)] = struct{}{}
}

// SeenDataSources lists data sources used so far, sorted.
func (c *Coordinator) SeenDataSources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for ds := range c.seen {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out
}

// TestConnection tests every data source seen so far and the external driver
// when configured.
func (c *Coordinator) TestConnection(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ds := range c.SeenDataSources() {
		g.Go(func() error {
			d, err := c.Driver(ctx, ds)
			if err != nil {
				return err
			}
			return d.TestConnection(ctx)
		})
	}
	if c.cfg.ExternalDriverFactory != nil {
		g.Go(func() error {
			d, err := c.ExternalDriver(ctx)
			if err != nil {
				return err
			}
			return d.TestConnection(ctx)
		})
	}
	return g.Wait()
}

// TestOrchestratorConnections tests the engine's own connections, such as
// the result cache.
func (c *Coordinator) TestOrchestratorConnections(ctx context.Context) error {
	return c.engine.TestConnections(ctx)
}

// Release releases every driver and cleans up the engine. Afterwards no
// driver can be created; Driver and ExternalDriver return ErrReleased.
// Calling Release again only repeats the engine cleanup.
func (c *Coordinator) Release(ctx context.Context) error {
	c.mu.Lock()
	c.released = true
	drivers := c.drivers
	external := c.external
	c.drivers = make(map[string]driver.Driver)
	c.external = nil
	c.mu.Unlock()

	var g errgroup.Group
	for ds, d := range drivers {
		g.Go(func() error {
			if err := driver.Release(ctx, d); err != nil {
				return fmt.Errorf("release %s: %w", ds, err)
			}
			return nil
		})
	}
	if external != nil {
		g.Go(func() error { return driver.Release(ctx, external) })
	}
	err := g.Wait()
	if cerr := c.engine.Cleanup(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if len(drivers) > 0 || external != nil {
		c.logger.Info("drivers released", "count", len(drivers))
	}
	return err
}
