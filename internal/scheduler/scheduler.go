// Package scheduler plans pre-aggregation partition rebuilds and distributes
// them across refresh workers.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/me/rollupd/internal/cache"
	"github.com/me/rollupd/internal/compiler"
	"github.com/me/rollupd/internal/logging"
	"github.com/me/rollupd/internal/metrics"
	"github.com/me/rollupd/pkg/model"
)

// OrphanedTimeout is attached to on-demand builds.
const OrphanedTimeout = time.Hour

// Orchestrator is the part of a tenant's query execution coordinator the
// scheduler drives.
type Orchestrator interface {
	ExecuteQuery(ctx context.Context, q *model.QueryDescriptor) (*model.Result, error)
	ExpandPartitionsInPreAggregations(ctx context.Context, req model.PartitionExpansion) (*model.ExpandedPartitions, error)
	CheckPartitionsBuildRangeCache(ctx context.Context, req model.PartitionExpansion) ([]model.BuildRangeCacheStatus, error)
	SeenDataSources() []string
	JobCache() cache.Backend
}

// Core resolves the collaborators serving a tenant.
type Core interface {
	CompilerFor(ctx context.Context, rc model.RequestContext) (compiler.Compiler, error)
	OrchestratorFor(ctx context.Context, rc model.RequestContext) (Orchestrator, error)
}

// CursorStore persists worker cursors between runs.
type CursorStore interface {
	SaveCursor(ctx context.Context, tenantKey string, workerIndex int, c model.WorkerCursor) error
	GetCursor(ctx context.Context, tenantKey string, workerIndex int) (*model.WorkerCursor, error)
	DeleteCursor(ctx context.Context, tenantKey string, workerIndex int) error
	// DeleteCursorsFrom removes the cursors of every worker index >= workerIndex.
	DeleteCursorsFrom(ctx context.Context, tenantKey string, workerIndex int) error
}

// RunLedger records scheduled refresh runs.
type RunLedger interface {
	CreateRefreshRun(ctx context.Context, run *model.RefreshRun) error
	UpdateRefreshRun(ctx context.Context, run *model.RefreshRun) error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithCursorStore persists worker cursors so interrupted sweeps resume.
func WithCursorStore(cs CursorStore) Option {
	return func(s *Scheduler) { s.cursors = cs }
}

// WithRunLedger records every RunScheduledRefresh call.
func WithRunLedger(l RunLedger) Option {
	return func(s *Scheduler) { s.runs = l }
}

// WithConcurrency sets the per data source concurrency used when a run does
// not set one.
func WithConcurrency(fn func(dataSource string) int) Option {
	return func(s *Scheduler) { s.concurrency = fn }
}

// Scheduler is the refresh scheduler.
type Scheduler struct {
	core        Core
	cursors     CursorStore
	runs        RunLedger
	concurrency func(dataSource string) int
	logger      *slog.Logger
	now         func() time.Time
	jobRetry    time.Duration
}

// New creates a Scheduler.
func New(core Core, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		core:     core,
		logger:   logger.With("component", "refresh-scheduler"),
		now:      time.Now,
		jobRetry: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TenantKey identifies a tenant by its security context.
func TenantKey(securityContext map[string]any) string {
	if len(securityContext) == 0 {
		return "{}"
	}
	b, err := json.Marshal(securityContext)
	if err != nil {
		return fmt.Sprintf("%v", securityContext)
	}
	return string(b)
}

// RunScheduledRefresh runs one scheduled refresh for a tenant. Failures are
// reported as {finished:false} unless opts.ThrowErrors is set; continue-wait
// is never logged as an error.
func (s *Scheduler) RunScheduledRefresh(ctx context.Context, rc *model.RequestContext, opts model.ScheduledRefreshOptions) (*model.RefreshResult, error) {
	reqCtx := rc.Normalize()
	id := reqCtx.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	reqCtx.RequestID = "scheduler-" + id
	logger := logging.ForRequest(s.logger, reqCtx)

	run := s.startRun(ctx, reqCtx, opts, logger)
	logger.Info("refresh scheduler run")

	err := s.runScheduledRefresh(ctx, reqCtx, opts)
	s.finishRun(ctx, run, err, logger)

	if err != nil {
		if model.IsContinueWait(err) {
			logger.Info("refresh scheduler continue wait")
			metrics.RefreshRuns.WithLabelValues("partial").Inc()
		} else {
			logger.Error("refresh scheduler error", "error", err)
			metrics.RefreshRuns.WithLabelValues("failed").Inc()
		}
		if opts.ThrowErrors {
			return nil, err
		}
		return &model.RefreshResult{Finished: false}, nil
	}
	metrics.RefreshRuns.WithLabelValues("finished").Inc()
	return &model.RefreshResult{Finished: true}, nil
}

func (s *Scheduler) runScheduledRefresh(ctx context.Context, rc model.RequestContext, opts model.ScheduledRefreshOptions) error {
	orch, err := s.core.OrchestratorFor(ctx, rc)
	if err != nil {
		return err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = s.schedulerConcurrency(orch)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	timezones := opts.Timezones
	if len(timezones) == 0 {
		tz := opts.Timezone
		if tz == "" {
			tz = "UTC"
		}
		timezones = []string{tz}
	}
	workerIndices := opts.WorkerIndices
	if len(workerIndices) == 0 {
		workerIndices = make([]int, concurrency)
		for i := range workerIndices {
			workerIndices[i] = i
		}
	}
	qo := model.RefreshQueryingOptions{
		Timezones:             timezones,
		Concurrency:           concurrency,
		WorkerIndices:         workerIndices,
		PreAggregationsWarmup: opts.PreAggregationsWarmup,
		SecurityContext:       rc.SecurityContext,
	}

	if qo.PreAggregationsWarmup {
		return s.RefreshPreAggregations(ctx, rc, qo)
	}
	var g errgroup.Group
	g.Go(func() error { return s.RefreshCubesRefreshKey(ctx, rc, qo) })
	g.Go(func() error { return s.RefreshPreAggregations(ctx, rc, qo) })
	return g.Wait()
}

// schedulerConcurrency is the smallest concurrency among the data sources
// the tenant has used, or zero before any was used.
func (s *Scheduler) schedulerConcurrency(orch Orchestrator) int {
	if s.concurrency == nil {
		return 0
	}
	n := 0
	for _, ds := range orch.SeenDataSources() {
		if c := s.concurrency(ds); c > 0 && (n == 0 || c < n) {
			n = c
		}
	}
	return n
}

func (s *Scheduler) startRun(ctx context.Context, rc model.RequestContext, opts model.ScheduledRefreshOptions, logger *slog.Logger) *model.RefreshRun {
	if s.runs == nil {
		return nil
	}
	run := &model.RefreshRun{
		ID:        "run_" + uuid.NewString(),
		RequestID: rc.RequestID,
		TenantKey: TenantKey(rc.SecurityContext),
		Warmup:    opts.PreAggregationsWarmup,
		StartedAt: s.now().UTC(),
	}
	if err := s.runs.CreateRefreshRun(ctx, run); err != nil {
		logger.Warn("record refresh run", "error", err)
		return nil
	}
	return run
}

func (s *Scheduler) finishRun(ctx context.Context, run *model.RefreshRun, err error, logger *slog.Logger) {
	if run == nil {
		return
	}
	now := s.now().UTC()
	run.CompletedAt = &now
	run.Finished = err == nil
	if err != nil {
		run.Error = err.Error()
	}
	if uerr := s.runs.UpdateRefreshRun(context.WithoutCancel(ctx), run); uerr != nil {
		logger.Warn("update refresh run", "run_id", run.ID, "error", uerr)
	}
}

// representativeQuery selects the first measure and the first dimension of
// a cube.
func representativeQuery(cube model.Cube) (model.QueryRequest, error) {
	if len(cube.Measures) == 0 && len(cube.Dimensions) == 0 {
		return model.QueryRequest{}, fmt.Errorf("%w: %s", model.ErrEmptyCube, cube.Name)
	}
	var req model.QueryRequest
	if len(cube.Measures) > 0 {
		req.Measures = []string{cube.Member(cube.Measures[0])}
	}
	if len(cube.Dimensions) > 0 {
		req.Dimensions = []string{cube.Member(cube.Dimensions[0])}
	}
	return req, nil
}

// RefreshCubesRefreshKey evaluates the refresh keys of every cube with at
// least one member, once per timezone, without loading data.
func (s *Scheduler) RefreshCubesRefreshKey(ctx context.Context, rc model.RequestContext, qo model.RefreshQueryingOptions) error {
	comp, err := s.core.CompilerFor(ctx, rc)
	if err != nil {
		return err
	}
	orch, err := s.core.OrchestratorFor(ctx, rc)
	if err != nil {
		return err
	}
	cubes, err := comp.Cubes(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, cube := range cubes {
		base, err := representativeQuery(cube)
		if err != nil {
			continue
		}
		for _, tz := range qo.Timezones {
			g.Go(func() error {
				req := base
				req.Timezone = tz
				req.SecurityContext = qo.SecurityContext
				cq, err := comp.GetSQL(ctx, req)
				if err != nil {
					return fmt.Errorf("cube %s: %w", cube.Name, err)
				}
				_, err = orch.ExecuteQuery(ctx, &model.QueryDescriptor{
					RequestID:           rc.RequestID,
					DataSource:          cq.DataSource,
					Timezone:            tz,
					CacheKeyQueries:     cq.CacheKeyQueries,
					RefreshKey:          cq.RefreshKey,
					ContinueWait:        true,
					RenewQuery:          true,
					ScheduledRefresh:    true,
					LoadRefreshKeysOnly: true,
				})
				return err
			})
		}
	}
	return g.Wait()
}

// BaseQueryForPreAggregation builds the query whose compilation lists the
// pre-aggregation and its dependencies.
func (s *Scheduler) BaseQueryForPreAggregation(ctx context.Context, comp compiler.Compiler, pa model.PreAggregation, qo model.RefreshQueryingOptions) (model.QueryRequest, error) {
	switch {
	case pa.PartitionGranularity != "" || pa.Type == model.PreAggregationRollup:
		return model.QueryRequest{
			Measures:         pa.References.Measures,
			Dimensions:       pa.References.Dimensions,
			TimeDimension:    pa.References.TimeDimension,
			Granularity:      pa.References.Granularity,
			Timezone:         qo.Timezone,
			PreAggregationID: pa.ID,
			SecurityContext:  qo.SecurityContext,
		}, nil
	case pa.Type == model.PreAggregationOriginalSQL:
		cubes, err := comp.Cubes(ctx)
		if err != nil {
			return model.QueryRequest{}, err
		}
		idx := slices.IndexFunc(cubes, func(c model.Cube) bool { return c.Name == pa.Cube })
		if idx < 0 {
			return model.QueryRequest{}, model.NewNotFoundError("cube", pa.Cube)
		}
		req, err := representativeQuery(cubes[idx])
		if err != nil {
			return model.QueryRequest{}, fmt.Errorf("%w: %s", model.ErrEmptyCube, pa.Name)
		}
		req.Timezone = qo.Timezone
		req.PreAggregationID = pa.ID
		req.SecurityContext = qo.SecurityContext
		return req, nil
	default:
		return model.QueryRequest{}, fmt.Errorf("%w for %s of %s", model.ErrUnsupportedPreAggregation, pa.Type, pa.Name)
	}
}

// RefreshQueriesForPreAggregation plans the partitions of one
// pre-aggregation in qo.Timezone. A superseded pre-aggregation, or one whose
// build range is not cached when qo.CacheOnly is set, yields an empty plan
// with a reason instead of an error.
func (s *Scheduler) RefreshQueriesForPreAggregation(ctx context.Context, rc model.RequestContext, pa model.PreAggregation, qo model.RefreshQueryingOptions) (*model.RefreshQueries, error) {
	comp, err := s.core.CompilerFor(ctx, rc)
	if err != nil {
		return nil, err
	}
	orch, err := s.core.OrchestratorFor(ctx, rc)
	if err != nil {
		return nil, err
	}

	req, err := s.BaseQueryForPreAggregation(ctx, comp, pa, qo)
	if err != nil {
		return nil, err
	}
	cq, err := comp.GetSQL(ctx, req)
	if err != nil {
		return nil, err
	}
	if !slices.ContainsFunc(cq.PreAggregations, func(d model.PreAggregationDescription) bool {
		return d.PreAggregationID == pa.ID
	}) {
		return emptyRefreshQueries(model.RefreshUnusedPreAggregation), nil
	}

	exp := model.PartitionExpansion{
		RequestID:       rc.RequestID,
		PreAggregations: cq.PreAggregations,
		CacheOnly:       qo.CacheOnly,
	}
	if qo.CacheOnly {
		statuses, err := orch.CheckPartitionsBuildRangeCache(ctx, exp)
		if err != nil {
			return nil, err
		}
		for _, st := range statuses {
			if !st.IsCached {
				return emptyRefreshQueries(model.RefreshWaitingForCache), nil
			}
		}
	}

	expanded, err := orch.ExpandPartitionsInPreAggregations(ctx, exp)
	if err != nil {
		return nil, err
	}
	return &model.RefreshQueries{
		Partitions:        expanded.Partitions,
		GroupedPartitions: expanded.Grouped,
	}, nil
}

func emptyRefreshQueries(reason string) *model.RefreshQueries {
	return &model.RefreshQueries{
		Error:             reason,
		Partitions:        []model.Partition{},
		GroupedPartitions: [][]model.Partition{},
	}
}

// QueryIterator creates a round-robin iterator over the scheduled
// pre-aggregations of a tenant.
func (s *Scheduler) QueryIterator(ctx context.Context, rc model.RequestContext, qo model.RefreshQueryingOptions) (*QueryIterator, error) {
	comp, err := s.core.CompilerFor(ctx, rc)
	if err != nil {
		return nil, err
	}
	pas, err := comp.ScheduledPreAggregations(ctx)
	if err != nil {
		return nil, err
	}
	return s.newIterator(rc, pas, qo, newQueryMemo()), nil
}

func (s *Scheduler) newIterator(rc model.RequestContext, pas []model.PreAggregation, qo model.RefreshQueryingOptions, memo *queryMemo) *QueryIterator {
	load := memo.wrap(func(ctx context.Context, pi int, tz string) ([][]model.Partition, error) {
		opts := qo
		opts.Timezone = tz
		rq, err := s.RefreshQueriesForPreAggregation(ctx, rc, pas[pi], opts)
		if err != nil {
			return nil, fmt.Errorf("pre-aggregation %s: %w", pas[pi].ID, err)
		}
		return cascade(rq.GroupedPartitions), nil
	})
	return newQueryIterator(pas, qo.Timezones, rc.RequestID, qo.PreAggregationsWarmup, load)
}

// RefreshPreAggregations runs qo.Concurrency logical workers, restricted to
// qo.WorkerIndices. Every worker sweeps the same iterator sequence and
// executes the positions whose partition counter falls in its residue class.
func (s *Scheduler) RefreshPreAggregations(ctx context.Context, rc model.RequestContext, qo model.RefreshQueryingOptions) error {
	comp, err := s.core.CompilerFor(ctx, rc)
	if err != nil {
		return err
	}
	orch, err := s.core.OrchestratorFor(ctx, rc)
	if err != nil {
		return err
	}
	pas, err := comp.ScheduledPreAggregations(ctx)
	if err != nil {
		return err
	}
	if qo.Concurrency <= 0 {
		qo.Concurrency = 1
	}

	memo := newQueryMemo()
	tenantKey := TenantKey(rc.SecurityContext)
	if s.cursors != nil {
		// Workers beyond the current concurrency never run again.
		if err := s.cursors.DeleteCursorsFrom(ctx, tenantKey, qo.Concurrency); err != nil {
			s.logger.Warn("delete stale worker cursors", "error", err)
		}
	}
	var g errgroup.Group
	for workerIndex := range qo.Concurrency {
		if len(qo.WorkerIndices) > 0 && !slices.Contains(qo.WorkerIndices, workerIndex) {
			continue
		}
		g.Go(func() error {
			it := s.newIterator(rc, pas, qo, memo)
			return s.runWorker(ctx, orch, it, tenantKey, workerIndex, qo.Concurrency)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, orch Orchestrator, it *QueryIterator, tenantKey string, workerIndex, concurrency int) error {
	logger := s.logger.With("worker_index", workerIndex)

	if s.cursors != nil {
		saved, err := s.cursors.GetCursor(ctx, tenantKey, workerIndex)
		if err != nil {
			logger.Warn("load worker cursor", "error", err)
		} else if saved != nil {
			switch {
			case saved.Concurrency != concurrency:
				logger.Info("discarding worker cursor of a different concurrency",
					"saved_concurrency", saved.Concurrency, "concurrency", concurrency)
				s.deleteCursor(ctx, tenantKey, workerIndex, logger)
			case it.restore(*saved):
				logger.Debug("worker cursor restored", "partition_counter", saved.PartitionCounter)
			}
		}
	}

	for {
		q, err := it.Current(ctx)
		if err != nil {
			return err
		}
		if q != nil && it.PartitionCounter()%concurrency == workerIndex {
			if _, err := orch.ExecuteQuery(ctx, q); err != nil {
				return err
			}
			metrics.RefreshPartitions.Inc()
		}

		more, err := it.Advance(ctx)
		if err != nil {
			return err
		}
		if !more {
			s.deleteCursor(ctx, tenantKey, workerIndex, logger)
			return nil
		}
		if s.cursors != nil {
			cur := it.Cursor()
			cur.Concurrency = concurrency
			if err := s.cursors.SaveCursor(ctx, tenantKey, workerIndex, cur); err != nil {
				logger.Warn("save worker cursor", "error", err)
			}
		}
	}
}

func (s *Scheduler) deleteCursor(ctx context.Context, tenantKey string, workerIndex int, logger *slog.Logger) {
	if s.cursors == nil {
		return
	}
	if err := s.cursors.DeleteCursor(ctx, tenantKey, workerIndex); err != nil {
		logger.Warn("delete worker cursor", "error", err)
	}
}

// PreAggregationPartitions plans the partitions of the selected
// pre-aggregations in every requested timezone. Ephemeral pre-aggregations
// yield an empty plan.
func (s *Scheduler) PreAggregationPartitions(ctx context.Context, rc model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]model.PreAggregationPartitions, error) {
	comp, err := s.core.CompilerFor(ctx, rc)
	if err != nil {
		return nil, err
	}

	selectors := make(map[string]model.PreAggregationSelector, len(opts.PreAggregations))
	ids := make([]string, 0, len(opts.PreAggregations))
	for _, sel := range opts.PreAggregations {
		if _, ok := selectors[sel.ID]; !ok {
			ids = append(ids, sel.ID)
		}
		selectors[sel.ID] = sel
	}
	pas, err := comp.PreAggregations(ctx, ids)
	if err != nil {
		return nil, err
	}
	timezones := opts.Timezones
	if len(timezones) == 0 {
		timezones = []string{"UTC"}
	}

	out := make([]model.PreAggregationPartitions, len(pas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.LoadConcurrency, 1))
	for i, pa := range pas {
		g.Go(func() error {
			res, err := s.partitionsFor(gctx, rc, pa, selectors[pa.ID], timezones)
			if err != nil {
				return err
			}
			out[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scheduler) partitionsFor(ctx context.Context, rc model.RequestContext, pa model.PreAggregation, sel model.PreAggregationSelector, timezones []string) (*model.PreAggregationPartitions, error) {
	var queries []*model.RefreshQueries
	if !pa.Type.IsEphemeral() {
		for _, tz := range timezones {
			rq, err := s.RefreshQueriesForPreAggregation(ctx, rc, pa, model.RefreshQueryingOptions{
				Timezone:        tz,
				CacheOnly:       sel.CacheOnly,
				SecurityContext: rc.SecurityContext,
			})
			if err != nil {
				return nil, fmt.Errorf("pre-aggregation %s: %w", pa.ID, err)
			}
			queries = append(queries, rq)
		}
	}

	res := &model.PreAggregationPartitions{
		Timezones:                  timezones,
		PreAggregation:             pa,
		Partitions:                 []model.Partition{},
		Errors:                     []string{},
		PartitionsWithDependencies: []model.PartitionsWithDependencies{},
	}
	for _, rq := range queries {
		pwd := model.PartitionsWithDependencies{
			Dependencies: []model.Partition{},
			Partitions:   []model.Partition{},
		}
		if n := len(rq.GroupedPartitions); n > 0 {
			for _, g := range rq.GroupedPartitions[:n-1] {
				pwd.Dependencies = append(pwd.Dependencies, g...)
			}
			for _, p := range rq.GroupedPartitions[n-1] {
				if len(sel.Partitions) == 0 || slices.Contains(sel.Partitions, p.TableName) {
					pwd.Partitions = append(pwd.Partitions, p)
				}
			}
		}
		res.PartitionsWithDependencies = append(res.PartitionsWithDependencies, pwd)
		res.Partitions = append(res.Partitions, pwd.Partitions...)
		if rq.Error != "" && !slices.Contains(res.Errors, rq.Error) {
			res.Errors = append(res.Errors, rq.Error)
		}
	}

	if len(res.PartitionsWithDependencies) > 0 && len(res.PartitionsWithDependencies[0].Partitions) > 0 {
		first := res.PartitionsWithDependencies[0].Partitions[0]
		res.InvalidateKeyQueries = first.InvalidateKeyQueries
		res.StartEndQueries = first.StartEndQueries
		if pa.RefreshKey.SQL != "" && len(first.InvalidateKeyQueries) > 0 {
			res.PreAggregation.RefreshKey.SQL = first.InvalidateKeyQueries[0].SQL
		}
	}
	return res, nil
}

// BuildPreAggregations builds the selected partitions on demand: one
// execution per final-stage partition, preceded by all of its dependency
// partitions. With opts.ThrowErrors the call waits and returns the first
// failure; otherwise builds continue in the background and failures are
// only logged.
func (s *Scheduler) BuildPreAggregations(ctx context.Context, rc model.RequestContext, opts model.PreAggregationsQueryingOptions) error {
	plans, err := s.PreAggregationPartitions(ctx, rc, opts)
	if err != nil {
		return err
	}
	orch, err := s.core.OrchestratorFor(ctx, rc)
	if err != nil {
		return err
	}
	logger := logging.ForRequest(s.logger, rc)

	bg := ctx
	if !opts.ThrowErrors {
		bg = context.WithoutCancel(ctx)
	}
	var g errgroup.Group
	for _, b := range buildQueries(rc, plans, opts) {
		g.Go(func() error {
			_, err := orch.ExecuteQuery(bg, b.query)
			return err
		})
	}

	wait := func() error {
		err := g.Wait()
		if err != nil && !model.IsContinueWait(err) {
			logger.Error("manual build pre-aggregations error", "error", err)
		}
		return err
	}
	if opts.ThrowErrors {
		return wait()
	}
	go wait()
	return nil
}

type buildQuery struct {
	partition model.Partition
	query     *model.QueryDescriptor
}

// buildQueries returns one query per final-stage partition of plans,
// preceded by the dependency partitions of its timezone.
func buildQueries(rc model.RequestContext, plans []model.PreAggregationPartitions, opts model.PreAggregationsQueryingOptions) []buildQuery {
	force := true
	if opts.ForceBuildPreAggregations != nil {
		force = *opts.ForceBuildPreAggregations
	}
	var out []buildQuery
	for _, plan := range plans {
		for _, pwd := range plan.PartitionsWithDependencies {
			for _, p := range pwd.Partitions {
				partitions := make([]model.Partition, 0, len(pwd.Dependencies)+1)
				partitions = append(partitions, pwd.Dependencies...)
				partitions = append(partitions, p)
				out = append(out, buildQuery{partition: p, query: &model.QueryDescriptor{
					RequestID:                 rc.RequestID,
					DataSource:                p.DataSource,
					Timezone:                  p.Timezone,
					PreAggregations:           partitions,
					ContinueWait:              true,
					RenewQuery:                true,
					ForceBuildPreAggregations: force,
					OrphanedTimeout:           OrphanedTimeout,
					Metadata:                  opts.Metadata,
				}})
			}
		}
	}
	return out
}
