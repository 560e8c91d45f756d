// Package engine executes queries and materializes pre-aggregation partitions
// against data-source drivers. Results, refresh keys, build ranges and built
// table versions are kept in a cache.Backend.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/me/rollupd/internal/cache"
	"github.com/me/rollupd/internal/driver"
	"github.com/me/rollupd/internal/metrics"
	"github.com/me/rollupd/pkg/model"
)

// Query stages reported while a fetch is running.
const (
	StageExecuting = "Executing query"
	StageWaiting   = "Waiting for query"
)

// Drivers gives the engine access to the coordinator's driver handles.
type Drivers interface {
	Driver(ctx context.Context, dataSource string) (driver.Driver, error)
	ExternalDriver(ctx context.Context) (driver.Driver, error)
}

// Config holds engine tunables.
type Config struct {
	ResultTTL     time.Duration // lifetime of cached results (default 24h)
	BuildRangeTTL time.Duration // lifetime of cached build ranges (default 1h)
	MaxPartitions int           // partitions per pre-aggregation (default 10000)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ResultTTL:     24 * time.Hour,
		BuildRangeTTL: time.Hour,
		MaxPartitions: MaxPartitions,
	}
}

type progress struct {
	stage   string
	started time.Time
}

// Engine is one tenant's execution engine.
type Engine struct {
	drivers Drivers
	cache   cache.Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]*progress
}

// New creates an Engine.
func New(drivers Drivers, backend cache.Backend, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxPartitions <= 0 {
		cfg.MaxPartitions = MaxPartitions
	}
	return &Engine{
		drivers:  drivers,
		cache:    backend,
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
		inFlight: make(map[string]*progress),
	}
}

// FetchQuery builds every partition of q in order and then runs its query.
// Identical concurrent calls share one execution.
func (e *Engine) FetchQuery(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error) {
	key := fetchKey(q)
	v, err, shared := e.group.Do(key, func() (any, error) {
		e.setStage(key, StageWaiting)
		defer e.clearStage(key)
		return e.fetch(ctx, key, q)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("joined in-flight query", "request_id", q.RequestID)
	}
	return v.(*model.Result).Clone(), nil
}

func (e *Engine) fetch(ctx context.Context, key string, q *model.QueryDescriptor) (*model.Result, error) {
	start := e.now()
	res := &model.Result{DataSource: q.DataSourceOrDefault()}
	built := make(map[string][]string)

	for i, p := range q.PreAggregations {
		e.setStage(key, fmt.Sprintf("Building pre-aggregation %d/%d", i+1, len(q.PreAggregations)))
		used, err := e.buildPartition(ctx, p, built, q.ForceBuildPreAggregations)
		if err != nil {
			metrics.PartitionBuilds.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("build %s: %w", p.TableName, err)
		}
		base := baseTableName(p)
		built[base] = append(built[base], used.TargetTableName)
		if res.UsedPreAggregations == nil {
			res.UsedPreAggregations = make(map[string]model.UsedPreAggregation)
		}
		res.UsedPreAggregations[p.TableName] = used
		if p.External {
			res.External = true
		}
	}

	if q.Query.IsZero() {
		return res, nil
	}

	e.setStage(key, StageExecuting)
	refreshKeys, err := e.refreshKeyValues(ctx, q)
	if err != nil {
		return nil, err
	}
	sqlText := rewriteTables(q.Query.SQL, built)
	resultKey := hashKey("result", q.DataSourceOrDefault(), sqlText, q.Query.Values, refreshKeys)

	if !q.RenewQuery {
		if cached, ok := e.readResult(ctx, resultKey); ok {
			return cached, nil
		}
	}

	d, err := e.queryDriver(ctx, q)
	if err != nil {
		return nil, err
	}
	rows, err := d.Query(ctx, sqlText, q.Query.Values)
	if err != nil {
		return nil, err
	}
	metrics.QueryDuration.WithLabelValues(q.DataSourceOrDefault()).Observe(e.now().Sub(start).Seconds())

	now := e.now().UTC()
	res.Data = rows
	res.RefreshKeyValues = refreshKeys
	res.LastRefreshTime = &now

	e.writeResult(ctx, resultKey, res)
	e.writeResult(ctx, lastResultKey(q), res)
	return res, nil
}

// LoadRefreshKeys evaluates only the cache-key queries of q.
func (e *Engine) LoadRefreshKeys(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error) {
	values, err := e.refreshKeyValues(ctx, q)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(values); err == nil {
		key := hashKey("refresh-keys", q.DataSourceOrDefault(), q.CacheKeyQueries)
		if err := e.cache.Set(ctx, key, data, e.cfg.ResultTTL); err != nil {
			e.logger.Warn("cache refresh keys", "error", err)
		}
	}
	return &model.Result{DataSource: q.DataSourceOrDefault(), RefreshKeyValues: values}, nil
}

// ResultFromCacheIfExists returns the last stored result of q regardless of
// refresh keys, or nil when none exists.
func (e *Engine) ResultFromCacheIfExists(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error) {
	res, ok := e.readResult(ctx, lastResultKey(q))
	if !ok {
		return nil, nil
	}
	return res, nil
}

// QueryStage returns the progress of an in-flight execution of q, or nil.
func (e *Engine) QueryStage(_ context.Context, q *model.QueryDescriptor) (*model.QueryStage, error) {
	key := fetchKey(q)
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.inFlight[key]
	if !ok {
		return nil, nil
	}
	return &model.QueryStage{Stage: p.stage, TimeElapsed: e.now().Sub(p.started)}, nil
}

// Cleanup forgets in-flight bookkeeping. Running executions are not interrupted.
func (e *Engine) Cleanup(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight = make(map[string]*progress)
	return nil
}

// TestConnections checks the cache backend.
func (e *Engine) TestConnections(ctx context.Context) error {
	return e.cache.TestConnection(ctx)
}

func (e *Engine) setStage(key, stage string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.inFlight[key]; ok {
		p.stage = stage
		return
	}
	e.inFlight[key] = &progress{stage: stage, started: e.now()}
}

func (e *Engine) clearStage(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

func (e *Engine) queryDriver(ctx context.Context, q *model.QueryDescriptor) (driver.Driver, error) {
	for _, p := range q.PreAggregations {
		if p.External {
			return e.drivers.ExternalDriver(ctx)
		}
	}
	return e.drivers.Driver(ctx, q.DataSourceOrDefault())
}

func (e *Engine) partitionDriver(ctx context.Context, p model.Partition) (driver.Driver, error) {
	if p.External {
		return e.drivers.ExternalDriver(ctx)
	}
	return e.drivers.Driver(ctx, model.DataSourceName(p.DataSource))
}

// refreshKeyValues evaluates the cache-key queries of q. Without queries an
// Every interval yields the current time bucket.
func (e *Engine) refreshKeyValues(ctx context.Context, q *model.QueryDescriptor) ([]any, error) {
	queries := q.CacheKeyQueries
	if len(queries) == 0 && q.RefreshKey.SQL != "" {
		queries = []model.SQLQuery{{SQL: q.RefreshKey.SQL}}
	}
	if len(queries) == 0 {
		if q.RefreshKey.Every > 0 {
			secs := max(int64(q.RefreshKey.Every/time.Second), 1)
			return []any{e.now().Unix() / secs}, nil
		}
		return nil, nil
	}
	d, err := e.drivers.Driver(ctx, q.DataSourceOrDefault())
	if err != nil {
		return nil, err
	}
	return evalScalars(ctx, d, queries)
}

// evalScalars runs each query and collects the first column of its first row.
func evalScalars(ctx context.Context, d driver.Driver, queries []model.SQLQuery) ([]any, error) {
	out := make([]any, 0, len(queries))
	for _, sq := range queries {
		rows, err := d.Query(ctx, sq.SQL, sq.Values)
		if err != nil {
			return nil, fmt.Errorf("refresh key %q: %w", sq.SQL, err)
		}
		out = append(out, firstValue(rows))
	}
	return out, nil
}

func firstValue(rows []map[string]any) any {
	if len(rows) == 0 {
		return nil
	}
	if len(rows[0]) == 1 {
		for _, v := range rows[0] {
			return v
		}
	}
	// Multiple columns: pick deterministically by name.
	keys := sortedKeys(rows[0])
	if len(keys) == 0 {
		return nil
	}
	return rows[0][keys[0]]
}

func (e *Engine) readResult(ctx context.Context, key string) (*model.Result, bool) {
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			e.logger.Warn("cache read", "error", err)
		}
		return nil, false
	}
	var res model.Result
	if err := json.Unmarshal(data, &res); err != nil {
		e.logger.Warn("cache decode", "error", err)
		return nil, false
	}
	return &res, true
}

func (e *Engine) writeResult(ctx context.Context, key string, res *model.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		e.logger.Warn("cache encode", "error", err)
		return
	}
	if err := e.cache.Set(ctx, key, data, e.cfg.ResultTTL); err != nil {
		e.logger.Warn("cache write", "error", err)
	}
}
