// Package core binds tenants to their query execution coordinators and
// exposes the refresh and query operations served by rollupd.
package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/me/rollupd/internal/cache"
	"github.com/me/rollupd/internal/compiler"
	"github.com/me/rollupd/internal/config"
	"github.com/me/rollupd/internal/driver"
	"github.com/me/rollupd/internal/engine"
	"github.com/me/rollupd/internal/expr"
	"github.com/me/rollupd/internal/logging"
	"github.com/me/rollupd/internal/orchestrator"
	"github.com/me/rollupd/internal/scheduler"
	"github.com/me/rollupd/internal/storage"
	"github.com/me/rollupd/internal/store"
	"github.com/me/rollupd/pkg/model"
)

// DefaultOrchestratorID serves every tenant when no id expression is set.
const DefaultOrchestratorID = "default"

// DriverFactory resolves the driver of a data source for a tenant.
type DriverFactory func(ctx context.Context, rc model.RequestContext, dataSource string) (driver.Source, error)

// Options holds the collaborators of a Core.
type Options struct {
	Config   config.ServerConfig
	Compiler compiler.Compiler
	Registry *driver.Registry
	// Cache is shared by every coordinator, each under its own key prefix.
	// An in-memory cache is used when nil.
	Cache cache.Backend
	// Store persists worker cursors and the refresh run ledger. Optional.
	Store store.Store
	// DriverFactory overrides the data sources declared in Config.
	DriverFactory DriverFactory
}

// Core is the server core.
type Core struct {
	cfg           config.ServerConfig
	compiler      compiler.Compiler
	registry      *driver.Registry
	cache         cache.Backend
	store         store.Store
	driverFactory DriverFactory
	resolver      driver.ConcurrencyResolver
	idExpr        *expr.Expression
	dbTypeExpr    *expr.Expression
	storage       *storage.Storage[*orchestrator.Coordinator]
	scheduler     *scheduler.Scheduler
	creating      singleflight.Group
	logger        *slog.Logger
}

// New creates a Core.
func New(opts Options, logger *slog.Logger) (*Core, error) {
	if opts.Compiler == nil {
		return nil, fmt.Errorf("compiler is required")
	}
	if opts.Registry == nil {
		opts.Registry = driver.NewDefaultRegistry(logger)
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	cfg := opts.Config
	c := &Core{
		cfg:      cfg,
		compiler: opts.Compiler,
		registry: opts.Registry,
		cache:    opts.Cache,
		store:    opts.Store,
		logger:   logger.With("component", "core"),
		storage: storage.New[*orchestrator.Coordinator](storage.Options{
			Max:            cfg.Orchestrator.CacheSize,
			TTL:            cfg.Orchestrator.TTL,
			UpdateAgeOnGet: cfg.Orchestrator.UpdateAgeOnGet,
		}, logger),
	}
	c.driverFactory = opts.DriverFactory
	if c.driverFactory == nil {
		c.driverFactory = c.configDriver
	}

	var err error
	if cfg.Orchestrator.IDExpression != "" {
		if c.idExpr, err = expr.Compile(cfg.Orchestrator.IDExpression); err != nil {
			return nil, fmt.Errorf("orchestrator id expression: %w", err)
		}
	}
	if cfg.Orchestrator.DBTypeExpression != "" {
		if c.dbTypeExpr, err = expr.Compile(cfg.Orchestrator.DBTypeExpression); err != nil {
			return nil, fmt.Errorf("db type expression: %w", err)
		}
	}

	c.resolver = driver.ConcurrencyResolver{
		QueueConcurrency: cfg.QueueConcurrency,
		Override:         cfg.Concurrency,
		DBType:           func(ds string) string { return c.DBType(model.RequestContext{}, ds) },
		Registry:         c.registry,
	}
	schedOpts := []scheduler.Option{scheduler.WithConcurrency(c.resolver.Resolve)}
	if c.store != nil {
		schedOpts = append(schedOpts, scheduler.WithCursorStore(c.store), scheduler.WithRunLedger(c.store))
	}
	c.scheduler = scheduler.New(c, logger, schedOpts...)
	return c, nil
}

// Scheduler returns the refresh scheduler.
func (c *Core) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Concurrency returns the effective queue concurrency of a data source.
func (c *Core) Concurrency(dataSource string) int {
	return c.resolver.Resolve(dataSource)
}

// OrchestratorID maps a tenant to the id of its coordinator.
func (c *Core) OrchestratorID(rc model.RequestContext) (string, error) {
	if c.idExpr == nil {
		return DefaultOrchestratorID, nil
	}
	id, err := c.idExpr.EvaluateString(expr.Scope{SecurityContext: rc.SecurityContext})
	if err != nil {
		return "", err
	}
	if id == "" {
		return DefaultOrchestratorID, nil
	}
	return id, nil
}

// DBType resolves the driver type of a tenant's data source. The expression
// result wins; an empty result or a failed evaluation falls back to Config.
func (c *Core) DBType(rc model.RequestContext, dataSource string) string {
	dataSource = model.DataSourceName(dataSource)
	if c.dbTypeExpr != nil {
		t, err := c.dbTypeExpr.EvaluateString(expr.Scope{SecurityContext: rc.SecurityContext, DataSource: dataSource})
		if err != nil {
			c.logger.Warn("db type expression failed", "data_source", dataSource, "error", err)
		} else if t != "" {
			return t
		}
	}
	return c.cfg.DataSourceType(dataSource)
}

func (c *Core) configDriver(_ context.Context, rc model.RequestContext, dataSource string) (driver.Source, error) {
	ds, ok := c.cfg.DataSources[dataSource]
	if !ok {
		return nil, fmt.Errorf("data source %q is not configured", dataSource)
	}
	return driver.Config{Type: c.DBType(rc, dataSource), URL: ds.URL}, nil
}

// Coordinator returns the tenant's coordinator, creating it on first use.
func (c *Core) Coordinator(ctx context.Context, rc model.RequestContext) (*orchestrator.Coordinator, error) {
	id, err := c.OrchestratorID(rc)
	if err != nil {
		return nil, fmt.Errorf("orchestrator id: %w", err)
	}
	if co, ok := c.storage.Get(ctx, id); ok {
		return co, nil
	}
	v, _, _ := c.creating.Do(id, func() (any, error) {
		if co, ok := c.storage.Get(ctx, id); ok {
			return co, nil
		}
		co := c.newCoordinator(id, rc)
		c.storage.Set(ctx, id, co)
		c.logger.Info("orchestrator created", "orchestrator_id", id)
		return co, nil
	})
	return v.(*orchestrator.Coordinator), nil
}

func (c *Core) newCoordinator(id string, rc model.RequestContext) *orchestrator.Coordinator {
	engineCfg := engine.DefaultConfig()
	if c.cfg.Cache.TTL > 0 {
		engineCfg.ResultTTL = c.cfg.Cache.TTL
	}
	cfg := orchestrator.Config{
		ID: id,
		DriverFactory: func(ctx context.Context, dataSource string) (driver.Source, error) {
			return c.driverFactory(ctx, rc, dataSource)
		},
		Registry:            c.registry,
		DBType:              func(ds string) string { return c.DBType(rc, ds) },
		ContinueWaitTimeout: c.cfg.Orchestrator.ContinueWaitTimeout,
		Cache:               cache.WithPrefix(c.cache, id+":"),
		EngineConfig:        engineCfg,
	}
	if ext := c.cfg.External; ext != nil {
		cfg.ExternalDriverFactory = func(context.Context) (driver.Source, error) {
			return driver.Config{Type: ext.Type, URL: ext.URL}, nil
		}
	}
	return orchestrator.New(cfg, c.logger)
}

// CompilerFor returns the schema compiler. The schema is shared by every
// tenant.
func (c *Core) CompilerFor(context.Context, model.RequestContext) (compiler.Compiler, error) {
	return c.compiler, nil
}

// OrchestratorFor implements scheduler.Core.
func (c *Core) OrchestratorFor(ctx context.Context, rc model.RequestContext) (scheduler.Orchestrator, error) {
	return c.Coordinator(ctx, rc)
}

// RunScheduledRefresh runs one scheduled refresh for the tenant of rc.
func (c *Core) RunScheduledRefresh(ctx context.Context, rc *model.RequestContext, opts model.ScheduledRefreshOptions) (*model.RefreshResult, error) {
	return c.scheduler.RunScheduledRefresh(ctx, rc, opts)
}

// HandleScheduledRefreshInterval runs a scheduled refresh for every
// configured background context, in parallel, with the configured
// concurrency, timezones and worker indices.
func (c *Core) HandleScheduledRefreshInterval(ctx context.Context) ([]*model.RefreshResult, error) {
	contexts := c.cfg.ScheduledRefresh.Contexts
	if len(contexts) == 0 {
		contexts = []map[string]any{nil}
	}
	opts := model.ScheduledRefreshOptions{
		Concurrency:   c.cfg.ScheduledRefresh.Concurrency,
		Timezones:     c.cfg.ScheduledRefresh.Timezones,
		WorkerIndices: c.cfg.ScheduledRefresh.WorkerIndices,
	}

	results := make([]*model.RefreshResult, len(contexts))
	var g errgroup.Group
	for i, bc := range contexts {
		rc := BackgroundContext(bc)
		g.Go(func() error {
			res, err := c.RunScheduledRefresh(ctx, &rc, opts)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// BackgroundContext converts a configured background context into a request
// context. Both {"securityContext": {...}} and the legacy {"authInfo": {...}}
// forms are accepted; a map with neither key is the security context itself.
func BackgroundContext(m map[string]any) model.RequestContext {
	var rc model.RequestContext
	if m == nil {
		return rc.Normalize()
	}
	sc, hasSC := m["securityContext"].(map[string]any)
	ai, hasAI := m["authInfo"].(map[string]any)
	if !hasSC && !hasAI {
		sc = m
	}
	rc.SecurityContext = sc
	rc.AuthInfo = ai
	return rc.Normalize()
}

// PreAggregationPartitions plans the partitions of the selected
// pre-aggregations.
func (c *Core) PreAggregationPartitions(ctx context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]model.PreAggregationPartitions, error) {
	return c.scheduler.PreAggregationPartitions(ctx, c.requestContext(rc), opts)
}

// BuildPreAggregations builds the selected partitions on demand.
func (c *Core) BuildPreAggregations(ctx context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) error {
	return c.scheduler.BuildPreAggregations(ctx, c.requestContext(rc), opts)
}

// PostBuildJobs posts background build jobs and returns their tokens.
func (c *Core) PostBuildJobs(ctx context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]string, error) {
	return c.scheduler.PostBuildJobs(ctx, c.requestContext(rc), opts)
}

// GetCachedBuildJobs reports the posted build jobs of tokens.
func (c *Core) GetCachedBuildJobs(ctx context.Context, rc *model.RequestContext, tokens []string) ([]model.BuildJobStatus, error) {
	return c.scheduler.GetCachedBuildJobs(ctx, c.requestContext(rc), tokens)
}

// Load compiles req and runs it through the tenant's coordinator. Matching
// pre-aggregation partitions are built first.
func (c *Core) Load(ctx context.Context, rc *model.RequestContext, req model.QueryRequest) (*model.Result, error) {
	reqCtx := c.requestContext(rc)
	req.SecurityContext = reqCtx.SecurityContext
	logger := logging.ForRequest(c.logger, reqCtx)

	cq, err := c.compiler.GetSQL(ctx, req)
	if err != nil {
		return nil, err
	}
	co, err := c.Coordinator(ctx, reqCtx)
	if err != nil {
		return nil, err
	}

	q := &model.QueryDescriptor{
		RequestID:       reqCtx.RequestID,
		Query:           cq.Query,
		DataSource:      cq.DataSource,
		Timezone:        req.Timezone,
		CacheKeyQueries: cq.CacheKeyQueries,
		RefreshKey:      cq.RefreshKey,
		ContinueWait:    true,
	}
	if len(cq.PreAggregations) > 0 {
		expanded, err := co.ExpandPartitionsInPreAggregations(ctx, model.PartitionExpansion{
			RequestID:       reqCtx.RequestID,
			PreAggregations: cq.PreAggregations,
		})
		if err != nil {
			return nil, err
		}
		q.PreAggregations = expanded.Partitions
	}
	logger.Debug("load", "data_source", q.DataSourceOrDefault(), "pre_aggregations", len(q.PreAggregations))
	return co.ExecuteQuery(ctx, q)
}

func (c *Core) requestContext(rc *model.RequestContext) model.RequestContext {
	out := rc.Normalize()
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	return out
}

// RefreshRuns lists recorded scheduled refresh runs.
func (c *Core) RefreshRuns(ctx context.Context, opts model.ListOptions) ([]*model.RefreshRun, int, error) {
	if c.store == nil {
		return []*model.RefreshRun{}, 0, nil
	}
	return c.store.ListRefreshRuns(ctx, opts)
}

// TestConnections tests the drivers and caches of every cached coordinator.
func (c *Core) TestConnections(ctx context.Context) error {
	if err := c.storage.TestConnections(ctx); err != nil {
		return err
	}
	return c.storage.TestOrchestratorConnections(ctx)
}

// ReleaseConnections releases every cached coordinator.
func (c *Core) ReleaseConnections(ctx context.Context) error {
	return c.storage.ReleaseConnections(ctx)
}

// Shutdown releases every coordinator and closes the shared cache.
func (c *Core) Shutdown(ctx context.Context) error {
	err := c.ReleaseConnections(ctx)
	if cerr := c.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RefreshRun returns one recorded run, or nil when it does not exist.
func (c *Core) RefreshRun(ctx context.Context, id string) (*model.RefreshRun, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.GetRefreshRun(ctx, id)
}
