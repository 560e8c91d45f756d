package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/rollupd/internal/cache"
	"github.com/me/rollupd/internal/compiler"
	"github.com/me/rollupd/internal/logging"
	"github.com/me/rollupd/internal/store"
	"github.com/me/rollupd/pkg/model"
)

// sweepSchema has one partitioned rollup (daily) and one unpartitioned
// rollup (byStatus).
const sweepSchema = `
cubes:
  - name: Orders
    sql_table: orders
    measures:
      - name: count
        type: count
    dimensions:
      - name: status
        type: string
        sql: status
      - name: createdAt
        type: time
        sql: created_at
    pre_aggregations:
      - name: daily
        measures: [count]
        time_dimension: createdAt
        granularity: day
        partition_granularity: day
      - name: byStatus
        measures: [count]
        dimensions: [status]
`

const planSchema = `
cubes:
  - name: Orders
    sql_table: orders
    measures:
      - name: count
        type: count
    dimensions:
      - name: status
        type: string
        sql: status
      - name: createdAt
        type: time
        sql: created_at
    pre_aggregations:
      - name: daily
        measures: [count]
        dimensions: [status]
        time_dimension: createdAt
        granularity: day
        partition_granularity: month
      - name: dailyByWeek
        measures: [count]
        dimensions: [status]
        time_dimension: createdAt
        granularity: day
        partition_granularity: week
      - name: monthly
        measures: [count]
        dimensions: [status]
        time_dimension: createdAt
        granularity: month
        partition_granularity: year
        rollups: [dailyByWeek]
      - name: raw
        type: original_sql
  - name: Users
    sql_table: users
    measures:
      - name: count
        type: count
    pre_aggregations:
      - name: joined
        type: rollup_join
        rollups: [Orders.monthly]
  - name: Empty
    sql_table: nothing
    pre_aggregations:
      - name: copy
        type: original_sql
`

type fakeOrchestrator struct {
	mu       sync.Mutex
	counts   map[string]int // partitions per pre-aggregation id, default 1
	uncached bool
	exec     func(q *model.QueryDescriptor) error
	seen     []string

	executed    []*model.QueryDescriptor
	keyQueries  []*model.QueryDescriptor
	expandCalls int
	jobs        cache.Backend
}

func (f *fakeOrchestrator) ExecuteQuery(_ context.Context, q *model.QueryDescriptor) (*model.Result, error) {
	f.mu.Lock()
	if q.LoadRefreshKeysOnly {
		f.keyQueries = append(f.keyQueries, q)
		f.mu.Unlock()
		return &model.Result{}, nil
	}
	exec := f.exec
	f.mu.Unlock()
	if exec != nil {
		if err := exec(q); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.executed = append(f.executed, q)
	f.mu.Unlock()
	return &model.Result{}, nil
}

func (f *fakeOrchestrator) ExpandPartitionsInPreAggregations(_ context.Context, req model.PartitionExpansion) (*model.ExpandedPartitions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expandCalls++
	out := &model.ExpandedPartitions{Partitions: []model.Partition{}}
	for _, d := range req.PreAggregations {
		n := f.counts[d.PreAggregationID]
		if n == 0 {
			n = 1
		}
		group := make([]model.Partition, n)
		for i := range group {
			group[i] = model.Partition{
				PreAggregationID: d.PreAggregationID,
				DataSource:       d.DataSource,
				Timezone:         d.Timezone,
				TableName:        fmt.Sprintf("%s_%d", d.TableName, i),
				InvalidateKeyQueries: []model.SQLQuery{
					{SQL: "SELECT MAX(updated_at) FROM " + d.TableName},
				},
			}
		}
		out.Grouped = append(out.Grouped, group)
		out.Partitions = append(out.Partitions, group...)
	}
	return out, nil
}

func (f *fakeOrchestrator) CheckPartitionsBuildRangeCache(_ context.Context, req model.PartitionExpansion) ([]model.BuildRangeCacheStatus, error) {
	var out []model.BuildRangeCacheStatus
	for _, d := range req.PreAggregations {
		out = append(out, model.BuildRangeCacheStatus{PreAggregationID: d.PreAggregationID, IsCached: !f.uncached})
	}
	return out, nil
}

func (f *fakeOrchestrator) SeenDataSources() []string { return f.seen }

func (f *fakeOrchestrator) JobCache() cache.Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = cache.NewMemory()
	}
	return f.jobs
}

func (f *fakeOrchestrator) executedTables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, q := range f.executed {
		out = append(out, q.PreAggregations[len(q.PreAggregations)-1].TableName)
	}
	return out
}

type fakeCore struct {
	comp compiler.Compiler
	orch *fakeOrchestrator
}

func (c *fakeCore) CompilerFor(context.Context, model.RequestContext) (compiler.Compiler, error) {
	return c.comp, nil
}

func (c *fakeCore) OrchestratorFor(context.Context, model.RequestContext) (Orchestrator, error) {
	return c.orch, nil
}

func newTestScheduler(t *testing.T, schema string, orch *fakeOrchestrator, logger *slog.Logger, opts ...Option) *Scheduler {
	t.Helper()
	s, err := compiler.ParseSchema([]byte(schema))
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	comp, err := compiler.New(s, logging.Discard())
	if err != nil {
		t.Fatalf("compiler.New: %v", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return New(&fakeCore{comp: comp, orch: orch}, logger, opts...)
}

type visit struct {
	Counter  int
	Depth    int
	Table    string
	Priority int
}

// sweep drives an iterator the way a worker does, recording every position
// that produces work.
func sweep(t *testing.T, it *QueryIterator) []visit {
	t.Helper()
	ctx := context.Background()
	var out []visit
	for i := 0; i < 1000; i++ {
		q, err := it.Current(ctx)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if q != nil {
			last := q.PreAggregations[len(q.PreAggregations)-1]
			out = append(out, visit{
				Counter:  it.PartitionCounter(),
				Depth:    it.Cursor().PartitionCursor,
				Table:    last.TableName,
				Priority: last.Priority,
			})
		}
		more, err := it.Advance(ctx)
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if !more {
			return out
		}
	}
	t.Fatal("iterator did not terminate")
	return nil
}

func sweepOptions(timezones ...string) model.RefreshQueryingOptions {
	if len(timezones) == 0 {
		timezones = []string{"UTC"}
	}
	return model.RefreshQueryingOptions{Timezones: timezones, Concurrency: 1, WorkerIndices: []int{0}}
}

func TestIterator_FivePartitionsPlusOne(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 5}}
	s := newTestScheduler(t, sweepSchema, orch, nil)

	it, err := s.QueryIterator(context.Background(), model.RequestContext{RequestID: "r1"}, sweepOptions())
	if err != nil {
		t.Fatalf("QueryIterator: %v", err)
	}
	if it.PartitionCounter() != 0 {
		t.Fatalf("initial counter = %d, want 0", it.PartitionCounter())
	}

	want := []visit{
		{Counter: 0, Depth: 0, Table: "orders_daily_4", Priority: -1},
		{Counter: 1, Depth: 0, Table: "orders_by_status_0", Priority: -1},
		{Counter: 2, Depth: 1, Table: "orders_daily_3", Priority: -2},
		{Counter: 3, Depth: 2, Table: "orders_daily_2", Priority: -3},
		{Counter: 4, Depth: 3, Table: "orders_daily_1", Priority: -4},
		{Counter: 5, Depth: 4, Table: "orders_daily_0", Priority: -5},
	}
	if diff := cmp.Diff(want, sweep(t, it)); diff != "" {
		t.Errorf("visits mismatch (-want +got):\n%s", diff)
	}
	if c := it.Cursor(); !c.AllFinished() {
		t.Errorf("not every pair finished: %v", c.Finished)
	}
}

func TestIterator_CurrentDescriptor(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestScheduler(t, sweepSchema, orch, nil)
	it, err := s.QueryIterator(context.Background(), model.RequestContext{RequestID: "scheduler-r"}, sweepOptions("Europe/Berlin"))
	if err != nil {
		t.Fatalf("QueryIterator: %v", err)
	}
	q, err := it.Current(context.Background())
	if err != nil || q == nil {
		t.Fatalf("Current = %v, %v", q, err)
	}
	if !q.ContinueWait || !q.RenewQuery || !q.ScheduledRefresh {
		t.Errorf("flags = %+v", q)
	}
	if q.RequestID != "scheduler-r" || q.Timezone != "Europe/Berlin" || q.DataSource != "default" {
		t.Errorf("descriptor = %+v", q)
	}
}

func TestIterator_WarmupPriority(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 3}}
	s := newTestScheduler(t, sweepSchema, orch, nil)
	qo := sweepOptions()
	qo.PreAggregationsWarmup = true
	it, err := s.QueryIterator(context.Background(), model.RequestContext{}, qo)
	if err != nil {
		t.Fatalf("QueryIterator: %v", err)
	}
	for _, v := range sweep(t, it) {
		if v.Priority != 1 {
			t.Errorf("%s priority = %d, want 1", v.Table, v.Priority)
		}
	}
}

func TestIterator_DepthOrderAndTermination(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 3, "Orders.byStatus": 2}}
	s := newTestScheduler(t, sweepSchema, orch, nil)
	it, err := s.QueryIterator(context.Background(), model.RequestContext{}, sweepOptions("UTC", "America/New_York"))
	if err != nil {
		t.Fatalf("QueryIterator: %v", err)
	}

	visits := sweep(t, it)
	if len(visits) != (3+2)*2 {
		t.Fatalf("visits = %d, want 10", len(visits))
	}
	for i := 1; i < len(visits); i++ {
		if visits[i].Depth < visits[i-1].Depth {
			t.Errorf("depth decreased at %d: %+v after %+v", i, visits[i], visits[i-1])
		}
		if visits[i].Counter != visits[i-1].Counter+1 {
			t.Errorf("counter not sequential at %d", i)
		}
	}
	if c := it.Cursor(); !c.AllFinished() || len(c.Finished) != 4 {
		t.Errorf("finished = %v", c.Finished)
	}
}

func TestIterator_Deterministic(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 4, "Orders.byStatus": 2}}
	s := newTestScheduler(t, sweepSchema, orch, nil)
	ctx := context.Background()
	qo := sweepOptions("UTC", "Asia/Tokyo")

	first, err := s.QueryIterator(ctx, model.RequestContext{}, qo)
	if err != nil {
		t.Fatalf("QueryIterator: %v", err)
	}
	second, err := s.QueryIterator(ctx, model.RequestContext{}, qo)
	if err != nil {
		t.Fatalf("QueryIterator: %v", err)
	}
	if diff := cmp.Diff(sweep(t, first), sweep(t, second)); diff != "" {
		t.Errorf("sweeps differ (-first +second):\n%s", diff)
	}
}

func TestIterator_NoPreAggregations(t *testing.T) {
	it := newQueryIterator(nil, []string{"UTC"}, "r", false, func(context.Context, int, string) ([][]model.Partition, error) {
		t.Error("loader must not be called")
		return nil, nil
	})
	q, err := it.Current(context.Background())
	if err != nil || q != nil {
		t.Errorf("Current = %v, %v", q, err)
	}
	more, err := it.Advance(context.Background())
	if err != nil || more {
		t.Errorf("Advance = %v, %v", more, err)
	}
}

func TestIterator_RollbackOnFailure(t *testing.T) {
	pas := []model.PreAggregation{{ID: "A"}, {ID: "B"}}
	calls := map[int]int{}
	boom := errors.New("expand failed")
	memo := newQueryMemo()
	load := memo.wrap(func(_ context.Context, pi int, tz string) ([][]model.Partition, error) {
		calls[pi]++
		if pi == 1 && calls[pi] == 1 {
			return nil, boom
		}
		return [][]model.Partition{{{TableName: fmt.Sprintf("p%d", pi)}}}, nil
	})
	it := newQueryIterator(pas, []string{"UTC"}, "r", false, load)
	ctx := context.Background()

	before := it.Cursor()
	if _, err := it.Advance(ctx); !errors.Is(err, boom) {
		t.Fatalf("Advance err = %v, want %v", err, boom)
	}
	if diff := cmp.Diff(before, it.Cursor()); diff != "" {
		t.Fatalf("cursor not rolled back (-want +got):\n%s", diff)
	}

	more, err := it.Advance(ctx)
	if err != nil || !more {
		t.Fatalf("retry Advance = %v, %v", more, err)
	}
	if it.PartitionCounter() != 1 || it.Cursor().PreAggregationCursor != 1 {
		t.Errorf("cursor after retry = %+v", it.Cursor())
	}
	if calls[1] != 2 {
		t.Errorf("failed load should be retried, calls = %d", calls[1])
	}
	if _, err := it.Current(ctx); err != nil || calls[1] != 2 {
		t.Errorf("successful load should be memoized, calls = %d", calls[1])
	}
}

func TestIterator_Restore(t *testing.T) {
	pas := []model.PreAggregation{{ID: "A"}, {ID: "B"}}
	load := func(context.Context, int, string) ([][]model.Partition, error) { return nil, nil }
	it := newQueryIterator(pas, []string{"UTC"}, "r", false, load)

	saved := model.WorkerCursor{
		PreAggregationCursor: 1,
		PartitionCursor:      2,
		PartitionCounter:     3,
		Finished:             map[string]bool{"0_0": true, "1_0": false},
	}
	if !it.restore(saved) {
		t.Fatal("matching cursor should be restored")
	}
	if diff := cmp.Diff(saved, it.Cursor()); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	stale := model.WorkerCursor{Finished: map[string]bool{"0_0": false}}
	fresh := newQueryIterator(pas, []string{"UTC"}, "r", false, load)
	if fresh.restore(stale) {
		t.Error("cursor from a different layout must be refused")
	}
}

func TestRefreshPreAggregations_WorkersPartitionWork(t *testing.T) {
	want := []string{
		"orders_by_status_0", "orders_daily_0", "orders_daily_1",
		"orders_daily_2", "orders_daily_3", "orders_daily_4",
	}
	tests := []struct {
		name          string
		workerIndices []int
		want          []string
	}{
		{"all workers", []int{0, 1}, want},
		{"worker 0 owns even counters", []int{0}, []string{"orders_daily_4", "orders_daily_3", "orders_daily_1"}},
		{"worker 1 owns odd counters", []int{1}, []string{"orders_by_status_0", "orders_daily_2", "orders_daily_0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 5}}
			s := newTestScheduler(t, sweepSchema, orch, nil)
			qo := model.RefreshQueryingOptions{Timezones: []string{"UTC"}, Concurrency: 2, WorkerIndices: tt.workerIndices}

			if err := s.RefreshPreAggregations(context.Background(), model.RequestContext{}, qo); err != nil {
				t.Fatalf("RefreshPreAggregations: %v", err)
			}
			got := orch.executedTables()
			if len(tt.workerIndices) > 1 {
				sort.Strings(got)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("executed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRefreshPreAggregations_ExpansionSharedAcrossWorkers(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 5}}
	s := newTestScheduler(t, sweepSchema, orch, nil)
	qo := model.RefreshQueryingOptions{Timezones: []string{"UTC"}, Concurrency: 3}
	if err := s.RefreshPreAggregations(context.Background(), model.RequestContext{}, qo); err != nil {
		t.Fatalf("RefreshPreAggregations: %v", err)
	}
	if orch.expandCalls != 2 {
		t.Errorf("expand calls = %d, want one per pair", orch.expandCalls)
	}
	if n := len(orch.executedTables()); n != 6 {
		t.Errorf("executed = %d, want 6", n)
	}
}

func TestRefreshQueries_UnusedPreAggregation(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestScheduler(t, planSchema, orch, nil)
	ctx := context.Background()
	comp, _ := s.core.CompilerFor(ctx, model.RequestContext{})
	pas, err := comp.PreAggregations(ctx, []string{"Orders.daily"})
	if err != nil {
		t.Fatalf("PreAggregations: %v", err)
	}

	rq, err := s.RefreshQueriesForPreAggregation(ctx, model.RequestContext{}, pas[0], model.RefreshQueryingOptions{Timezone: "UTC"})
	if err != nil {
		t.Fatalf("RefreshQueriesForPreAggregation: %v", err)
	}
	want := &model.RefreshQueries{
		Error:             model.RefreshUnusedPreAggregation,
		Partitions:        []model.Partition{},
		GroupedPartitions: [][]model.Partition{},
	}
	if diff := cmp.Diff(want, rq); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if orch.expandCalls != 0 {
		t.Error("unused pre-aggregation must not be expanded")
	}
}

func TestRefreshQueries_CacheOnly(t *testing.T) {
	ctx := context.Background()
	for _, uncached := range []bool{true, false} {
		t.Run(fmt.Sprintf("uncached=%v", uncached), func(t *testing.T) {
			orch := &fakeOrchestrator{uncached: uncached}
			s := newTestScheduler(t, planSchema, orch, nil)
			comp, _ := s.core.CompilerFor(ctx, model.RequestContext{})
			pas, _ := comp.PreAggregations(ctx, []string{"Orders.dailyByWeek"})

			rq, err := s.RefreshQueriesForPreAggregation(ctx, model.RequestContext{}, pas[0], model.RefreshQueryingOptions{Timezone: "UTC", CacheOnly: true})
			if err != nil {
				t.Fatalf("RefreshQueriesForPreAggregation: %v", err)
			}
			if uncached {
				if rq.Error != model.RefreshWaitingForCache || len(rq.Partitions) != 0 || orch.expandCalls != 0 {
					t.Errorf("result = %+v, expandCalls = %d", rq, orch.expandCalls)
				}
				return
			}
			if rq.Error != "" || len(rq.Partitions) != 1 {
				t.Errorf("result = %+v", rq)
			}
		})
	}
}

func TestBaseQueryForPreAggregation(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestScheduler(t, planSchema, orch, nil)
	ctx := context.Background()
	comp, _ := s.core.CompilerFor(ctx, model.RequestContext{})
	byID := func(id string) model.PreAggregation {
		pas, err := comp.PreAggregations(ctx, []string{id})
		if err != nil {
			t.Fatalf("PreAggregations(%s): %v", id, err)
		}
		return pas[0]
	}
	qo := model.RefreshQueryingOptions{Timezone: "UTC", SecurityContext: map[string]any{"tenant": "a"}}

	req, err := s.BaseQueryForPreAggregation(ctx, comp, byID("Orders.monthly"), qo)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	want := model.QueryRequest{
		Measures:         []string{"Orders.count"},
		Dimensions:       []string{"Orders.status"},
		TimeDimension:    "Orders.createdAt",
		Granularity:      "month",
		Timezone:         "UTC",
		PreAggregationID: "Orders.monthly",
		SecurityContext:  map[string]any{"tenant": "a"},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("rollup query mismatch (-want +got):\n%s", diff)
	}

	req, err = s.BaseQueryForPreAggregation(ctx, comp, byID("Orders.raw"), qo)
	if err != nil {
		t.Fatalf("original sql: %v", err)
	}
	if diff := cmp.Diff([]string{"Orders.count"}, req.Measures); diff != "" {
		t.Errorf("original sql measures (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Orders.status"}, req.Dimensions); diff != "" {
		t.Errorf("original sql dimensions (-want +got):\n%s", diff)
	}

	if _, err := s.BaseQueryForPreAggregation(ctx, comp, byID("Empty.copy"), qo); !errors.Is(err, model.ErrEmptyCube) {
		t.Errorf("empty cube err = %v, want ErrEmptyCube", err)
	}
	if _, err := s.BaseQueryForPreAggregation(ctx, comp, byID("Users.joined"), qo); !errors.Is(err, model.ErrUnsupportedPreAggregation) {
		t.Errorf("rollup join err = %v, want ErrUnsupportedPreAggregation", err)
	}
}

func TestRefreshCubesRefreshKey(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestScheduler(t, planSchema, orch, nil)
	qo := model.RefreshQueryingOptions{Timezones: []string{"UTC", "Asia/Tokyo"}}

	if err := s.RefreshCubesRefreshKey(context.Background(), model.RequestContext{RequestID: "r"}, qo); err != nil {
		t.Fatalf("RefreshCubesRefreshKey: %v", err)
	}
	// Orders and Users have members, Empty has none.
	if n := len(orch.keyQueries); n != 2*2 {
		t.Fatalf("refresh key executions = %d, want 4", n)
	}
	for _, q := range orch.keyQueries {
		if !q.LoadRefreshKeysOnly || !q.RenewQuery || !q.ScheduledRefresh || !q.ContinueWait {
			t.Errorf("flags = %+v", q)
		}
		if len(q.PreAggregations) != 0 || !q.Query.IsZero() {
			t.Errorf("refresh key query must not carry SQL or partitions: %+v", q)
		}
	}
	if len(orch.executed) != 0 {
		t.Errorf("no data queries expected, got %d", len(orch.executed))
	}
}

func TestRunScheduledRefresh(t *testing.T) {
	cw := &model.ContinueWaitError{}
	failure := &model.QueryError{Message: "relation does not exist"}
	tests := []struct {
		name         string
		execErr      error
		throwErrors  bool
		wantFinished bool
		wantErr      bool
		wantErrorLog bool
	}{
		{"both tasks succeed", nil, false, true, false, false},
		{"continue wait is benign", cw, false, false, false, false},
		{"continue wait rethrown", cw, true, false, true, false},
		{"failure swallowed", failure, false, false, false, true},
		{"failure rethrown", failure, true, false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.NewLoggerWithWriter(slog.LevelDebug, "text", &buf)
			var requestIDs []string
			var mu sync.Mutex
			orch := &fakeOrchestrator{exec: func(q *model.QueryDescriptor) error {
				mu.Lock()
				requestIDs = append(requestIDs, q.RequestID)
				mu.Unlock()
				return tt.execErr
			}}
			s := newTestScheduler(t, sweepSchema, orch, logger)

			res, err := s.RunScheduledRefresh(context.Background(), &model.RequestContext{RequestID: "abc"},
				model.ScheduledRefreshOptions{ThrowErrors: tt.throwErrors})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.Is(tt.execErr, cw) != model.IsContinueWait(err) {
					t.Errorf("err = %v lost its classification", err)
				}
			} else {
				if err != nil {
					t.Fatalf("RunScheduledRefresh: %v", err)
				}
				if res.Finished != tt.wantFinished {
					t.Errorf("finished = %v, want %v", res.Finished, tt.wantFinished)
				}
			}
			if got := strings.Contains(buf.String(), "level=ERROR"); got != tt.wantErrorLog {
				t.Errorf("error logged = %v, want %v\n%s", got, tt.wantErrorLog, buf.String())
			}
			for _, id := range requestIDs {
				if id != "scheduler-abc" {
					t.Errorf("request id = %q, want scheduler-abc", id)
				}
			}
			if len(orch.keyQueries) != 1 {
				t.Errorf("refresh key executions = %d, want 1", len(orch.keyQueries))
			}
		})
	}
}

func TestRunScheduledRefresh_Warmup(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestScheduler(t, sweepSchema, orch, nil)
	res, err := s.RunScheduledRefresh(context.Background(), nil, model.ScheduledRefreshOptions{PreAggregationsWarmup: true})
	if err != nil || !res.Finished {
		t.Fatalf("RunScheduledRefresh = %+v, %v", res, err)
	}
	if len(orch.keyQueries) != 0 {
		t.Error("warmup must only rebuild partitions")
	}
	if n := len(orch.executedTables()); n != 2 {
		t.Errorf("executed = %d, want 2", n)
	}
	for _, q := range orch.executed {
		if !strings.HasPrefix(q.RequestID, "scheduler-") || len(q.RequestID) <= len("scheduler-") {
			t.Errorf("request id = %q", q.RequestID)
		}
	}
}

func TestSchedulerConcurrency(t *testing.T) {
	resolve := func(ds string) int {
		return map[string]int{"default": 4, "events": 2}[ds]
	}
	s := New(&fakeCore{}, logging.Discard(), WithConcurrency(resolve))

	if n := s.schedulerConcurrency(&fakeOrchestrator{}); n != 0 {
		t.Errorf("no data sources seen: %d, want 0", n)
	}
	if n := s.schedulerConcurrency(&fakeOrchestrator{seen: []string{"default", "events"}}); n != 2 {
		t.Errorf("concurrency = %d, want minimum 2", n)
	}
	if n := New(&fakeCore{}, logging.Discard()).schedulerConcurrency(&fakeOrchestrator{seen: []string{"default"}}); n != 0 {
		t.Errorf("without resolver: %d, want 0", n)
	}
}

func TestRunScheduledRefresh_ResumesFromSavedCursor(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	failed := false
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 5}}
	orch.exec = func(q *model.QueryDescriptor) error {
		if q.PreAggregations[len(q.PreAggregations)-1].TableName == "orders_daily_3" && !failed {
			failed = true
			return &model.ContinueWaitError{}
		}
		return nil
	}
	s := newTestScheduler(t, sweepSchema, orch, nil, WithCursorStore(st), WithRunLedger(st))
	opts := model.ScheduledRefreshOptions{Concurrency: 1}

	res, err := s.RunScheduledRefresh(ctx, nil, opts)
	if err != nil || res.Finished {
		t.Fatalf("first run = %+v, %v; want unfinished", res, err)
	}
	if diff := cmp.Diff([]string{"orders_daily_4", "orders_by_status_0"}, orch.executedTables()); diff != "" {
		t.Fatalf("first run executed (-want +got):\n%s", diff)
	}
	saved, err := st.GetCursor(ctx, "{}", 0)
	if err != nil || saved == nil {
		t.Fatalf("saved cursor = %v, %v", saved, err)
	}
	if saved.PartitionCounter != 2 || saved.Concurrency != 1 {
		t.Errorf("saved cursor counter = %d concurrency = %d, want 2 and 1", saved.PartitionCounter, saved.Concurrency)
	}

	orch.executed = nil
	res, err = s.RunScheduledRefresh(ctx, nil, opts)
	if err != nil || !res.Finished {
		t.Fatalf("second run = %+v, %v; want finished", res, err)
	}
	want := []string{"orders_daily_3", "orders_daily_2", "orders_daily_1", "orders_daily_0"}
	if diff := cmp.Diff(want, orch.executedTables()); diff != "" {
		t.Errorf("second run executed (-want +got):\n%s", diff)
	}
	if c, _ := st.GetCursor(ctx, "{}", 0); c != nil {
		t.Errorf("cursor should be removed after a full sweep: %+v", c)
	}

	runs, total, err := st.ListRefreshRuns(ctx, model.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListRefreshRuns: %v", err)
	}
	if total != 2 {
		t.Fatalf("runs = %d, want 2", total)
	}
	finished := 0
	for _, r := range runs {
		if r.Finished {
			finished++
		} else if r.Error != model.ContinueWaitMessage {
			t.Errorf("unfinished run error = %q", r.Error)
		}
		if r.CompletedAt == nil {
			t.Errorf("run %s has no completion time", r.ID)
		}
	}
	if finished != 1 {
		t.Errorf("finished runs = %d, want 1", finished)
	}
}

func TestRunScheduledRefresh_ConcurrencyChangeDiscardsCursors(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	failed := false
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.daily": 5}}
	orch.exec = func(q *model.QueryDescriptor) error {
		if q.PreAggregations[len(q.PreAggregations)-1].TableName == "orders_daily_3" && !failed {
			failed = true
			return &model.ContinueWaitError{}
		}
		return nil
	}
	s := newTestScheduler(t, sweepSchema, orch, nil, WithCursorStore(st), WithRunLedger(st))

	if _, err := s.RunScheduledRefresh(ctx, nil, model.ScheduledRefreshOptions{Concurrency: 1}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	saved, err := st.GetCursor(ctx, "{}", 0)
	if err != nil || saved == nil {
		t.Fatalf("saved cursor = %v, %v", saved, err)
	}
	if saved.Concurrency != 1 {
		t.Errorf("saved concurrency = %d, want 1", saved.Concurrency)
	}
	stale := model.WorkerCursor{Finished: map[string]bool{"0_0": false}, Concurrency: 4}
	if err := st.SaveCursor(ctx, "{}", 3, stale); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	orch.executed = nil
	res, err := s.RunScheduledRefresh(ctx, nil, model.ScheduledRefreshOptions{Concurrency: 2, WorkerIndices: []int{0}})
	if err != nil || !res.Finished {
		t.Fatalf("second run = %+v, %v; want finished", res, err)
	}
	// A fresh sweep: the cursor of the single-worker sweep must not be resumed.
	want := []string{"orders_daily_4", "orders_daily_3", "orders_daily_1"}
	if diff := cmp.Diff(want, orch.executedTables()); diff != "" {
		t.Errorf("worker 0 executed (-want +got):\n%s", diff)
	}
	for _, idx := range []int{0, 3} {
		if c, _ := st.GetCursor(ctx, "{}", idx); c != nil {
			t.Errorf("cursor of worker %d still stored: %+v", idx, c)
		}
	}
}

func TestPreAggregationPartitions(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.dailyByWeek": 3, "Orders.monthly": 2}}
	s := newTestScheduler(t, planSchema, orch, nil)

	plans, err := s.PreAggregationPartitions(context.Background(), model.RequestContext{}, model.PreAggregationsQueryingOptions{
		Timezones: []string{"UTC", "Asia/Tokyo"},
		PreAggregations: []model.PreAggregationSelector{
			{ID: "Orders.monthly"},
			{ID: "Orders.daily"},
			{ID: "Users.joined"},
		},
		LoadConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("PreAggregationPartitions: %v", err)
	}
	if len(plans) != 3 {
		t.Fatalf("plans = %d, want 3", len(plans))
	}

	monthly := plans[0]
	if monthly.PreAggregation.ID != "Orders.monthly" {
		t.Fatalf("plan order = %s", monthly.PreAggregation.ID)
	}
	if len(monthly.PartitionsWithDependencies) != 2 || len(monthly.Partitions) != 4 {
		t.Fatalf("monthly = %d groups, %d partitions", len(monthly.PartitionsWithDependencies), len(monthly.Partitions))
	}
	for i, tz := range []string{"UTC", "Asia/Tokyo"} {
		pwd := monthly.PartitionsWithDependencies[i]
		var deps []string
		for _, p := range pwd.Dependencies {
			deps = append(deps, p.TableName)
			if p.Timezone != tz {
				t.Errorf("dependency timezone = %q, want %q", p.Timezone, tz)
			}
		}
		if diff := cmp.Diff([]string{"orders_daily_by_week_0", "orders_daily_by_week_1", "orders_daily_by_week_2"}, deps); diff != "" {
			t.Errorf("dependencies (-want +got):\n%s", diff)
		}
	}
	if len(monthly.Errors) != 0 || len(monthly.InvalidateKeyQueries) != 1 {
		t.Errorf("monthly errors = %v, invalidate = %v", monthly.Errors, monthly.InvalidateKeyQueries)
	}

	daily := plans[1]
	if diff := cmp.Diff([]string{model.RefreshUnusedPreAggregation}, daily.Errors); diff != "" {
		t.Errorf("errors should be deduplicated (-want +got):\n%s", diff)
	}
	if len(daily.Partitions) != 0 {
		t.Errorf("superseded partitions = %d", len(daily.Partitions))
	}

	joined := plans[2]
	if len(joined.PartitionsWithDependencies) != 0 || len(joined.Partitions) != 0 {
		t.Errorf("ephemeral pre-aggregation should have no plan: %+v", joined)
	}
}

func TestBuildPreAggregations_CascadesDependencies(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.dailyByWeek": 3, "Orders.monthly": 2}}
	s := newTestScheduler(t, planSchema, orch, nil)

	err := s.BuildPreAggregations(context.Background(), model.RequestContext{RequestID: "build-1"}, model.PreAggregationsQueryingOptions{
		Timezones:       []string{"UTC"},
		PreAggregations: []model.PreAggregationSelector{{ID: "Orders.monthly"}},
		ThrowErrors:     true,
		Metadata:        map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("BuildPreAggregations: %v", err)
	}

	executed := slices.Clone(orch.executed)
	sort.Slice(executed, func(i, j int) bool {
		return executed[i].PreAggregations[3].TableName < executed[j].PreAggregations[3].TableName
	})
	if len(executed) != 2 {
		t.Fatalf("executions = %d, want one per final partition", len(executed))
	}
	for i, q := range executed {
		var tables []string
		for _, p := range q.PreAggregations {
			tables = append(tables, p.TableName)
		}
		want := []string{
			"orders_daily_by_week_0", "orders_daily_by_week_1", "orders_daily_by_week_2",
			fmt.Sprintf("orders_monthly_%d", i),
		}
		if diff := cmp.Diff(want, tables); diff != "" {
			t.Errorf("execution %d tables (-want +got):\n%s", i, diff)
		}
		if !q.ForceBuildPreAggregations || !q.RenewQuery || !q.ContinueWait || q.ScheduledRefresh {
			t.Errorf("flags = %+v", q)
		}
		if q.OrphanedTimeout != time.Hour || q.RequestID != "build-1" || q.Metadata["source"] != "test" {
			t.Errorf("descriptor = %+v", q)
		}
	}
}

func TestBuildPreAggregations_FilterAndForce(t *testing.T) {
	orch := &fakeOrchestrator{counts: map[string]int{"Orders.dailyByWeek": 3, "Orders.monthly": 2}}
	s := newTestScheduler(t, planSchema, orch, nil)
	force := false

	err := s.BuildPreAggregations(context.Background(), model.RequestContext{}, model.PreAggregationsQueryingOptions{
		Timezones: []string{"UTC"},
		PreAggregations: []model.PreAggregationSelector{
			{ID: "Orders.monthly", Partitions: []string{"orders_monthly_1"}},
		},
		ForceBuildPreAggregations: &force,
		ThrowErrors:               true,
	})
	if err != nil {
		t.Fatalf("BuildPreAggregations: %v", err)
	}
	if diff := cmp.Diff([]string{"orders_monthly_1"}, orch.executedTables()); diff != "" {
		t.Errorf("executed (-want +got):\n%s", diff)
	}
	if orch.executed[0].ForceBuildPreAggregations {
		t.Error("force build should follow the option")
	}
}

func TestBuildPreAggregations_Errors(t *testing.T) {
	boom := &model.QueryError{Message: "disk full"}
	orch := &fakeOrchestrator{exec: func(*model.QueryDescriptor) error { return boom }}
	s := newTestScheduler(t, planSchema, orch, nil)
	opts := model.PreAggregationsQueryingOptions{
		Timezones:       []string{"UTC"},
		PreAggregations: []model.PreAggregationSelector{{ID: "Orders.raw"}},
	}

	opts.ThrowErrors = true
	if err := s.BuildPreAggregations(context.Background(), model.RequestContext{}, opts); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	opts.ThrowErrors = false
	if err := s.BuildPreAggregations(context.Background(), model.RequestContext{}, opts); err != nil {
		t.Errorf("without throwErrors err = %v, want nil", err)
	}
}
