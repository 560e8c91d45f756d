// Package compiler turns a static YAML cube schema into SQL, pre-aggregation
// descriptions and cache-key queries.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/me/rollupd/pkg/model"
)

// Compiler is the schema-to-SQL collaborator of the scheduler and the
// coordinator.
type Compiler interface {
	GetSQL(ctx context.Context, req model.QueryRequest) (*model.CompiledQuery, error)
	ScheduledPreAggregations(ctx context.Context) ([]model.PreAggregation, error)
	// PreAggregations returns the pre-aggregations with the given ids, or all
	// of them when ids is empty.
	PreAggregations(ctx context.Context, ids []string) ([]model.PreAggregation, error)
	Cubes(ctx context.Context) ([]model.Cube, error)
}

// DefaultCubeRefreshEvery applies to cubes without a refresh key.
const DefaultCubeRefreshEvery = 10 * time.Second

// DefaultPreAggregationRefreshEvery applies to unpartitioned pre-aggregations
// without a refresh key.
const DefaultPreAggregationRefreshEvery = time.Hour

type cube struct {
	def        CubeDef
	alias      string
	measures   map[string]MeasureDef
	dimensions map[string]DimensionDef
}

type preAgg struct {
	id        string
	cube      *cube
	def       PreAggregationDef
	typ       model.PreAggregationType
	deps      []string
	tableName string
	scheduled bool
}

// SchemaCompiler compiles queries against a static schema. It is immutable
// after construction and safe for concurrent use.
type SchemaCompiler struct {
	cubes        []*cube
	cubeByName   map[string]*cube
	preAggs      map[string]*preAgg
	declared     []string // pre-aggregation ids in declaration order
	deps         map[string][]string
	order        []string
	supersededBy map[string]string
	logger       *slog.Logger
}

// New validates schema and prepares a compiler.
func New(schema *Schema, logger *slog.Logger) (*SchemaCompiler, error) {
	if apiErr := Validate(schema); apiErr != nil {
		return nil, apiErr
	}
	c := &SchemaCompiler{
		cubeByName:   make(map[string]*cube),
		preAggs:      make(map[string]*preAgg),
		deps:         make(map[string][]string),
		supersededBy: make(map[string]string),
		logger:       logger.With("component", "compiler"),
	}
	for _, cd := range schema.Cubes {
		cb := &cube{
			def:        cd,
			alias:      snake(cd.Name),
			measures:   make(map[string]MeasureDef),
			dimensions: make(map[string]DimensionDef),
		}
		for _, m := range cd.Measures {
			cb.measures[m.Name] = m
		}
		for _, d := range cd.Dimensions {
			cb.dimensions[d.Name] = d
		}
		c.cubes = append(c.cubes, cb)
		c.cubeByName[cd.Name] = cb
	}
	for _, cb := range c.cubes {
		for _, pd := range cb.def.PreAggregations {
			typ := preAggregationType(pd.Type)
			pa := &preAgg{
				id:        cb.def.Name + "." + pd.Name,
				cube:      cb,
				def:       pd,
				typ:       typ,
				tableName: cb.alias + "_" + snake(pd.Name),
				scheduled: typ != model.PreAggregationRollupJoin,
			}
			if pd.ScheduledRefresh != nil {
				pa.scheduled = *pd.ScheduledRefresh
			}
			for _, r := range pd.Rollups {
				pa.deps = append(pa.deps, qualify(cb.def.Name, r))
			}
			c.preAggs[pa.id] = pa
			c.deps[pa.id] = pa.deps
			c.declared = append(c.declared, pa.id)
		}
	}

	order, err := buildOrder(c.deps)
	if err != nil {
		return nil, err
	}
	c.order = order
	c.resolveSuperseded()

	c.logger.Info("schema compiled", "cubes", len(c.cubes), "pre_aggregations", len(c.preAggs))
	return c, nil
}

// NewFromFile loads a schema file and compiles it.
func NewFromFile(path string, logger *slog.Logger) (*SchemaCompiler, error) {
	schema, err := LoadSchema(path)
	if err != nil {
		return nil, err
	}
	return New(schema, logger)
}

func preAggregationType(s string) model.PreAggregationType {
	switch s {
	case "original_sql", "originalSql":
		return model.PreAggregationOriginalSQL
	case "rollup_join", "rollupJoin":
		return model.PreAggregationRollupJoin
	default:
		return model.PreAggregationRollup
	}
}

func qualify(cubeName, ref string) string {
	if strings.Contains(ref, ".") {
		return ref
	}
	return cubeName + "." + ref
}

var granularityRank = map[string]int{
	"hour": 1, "day": 2, "week": 3, "month": 4, "quarter": 5, "year": 6, "": 7,
}

// resolveSuperseded marks rollups with identical references as duplicates of
// the one with the finest partition granularity, first declared on ties.
func (c *SchemaCompiler) resolveSuperseded() {
	winners := make(map[string]*preAgg)
	for _, id := range c.declared {
		pa := c.preAggs[id]
		if pa.typ != model.PreAggregationRollup || len(pa.deps) > 0 {
			continue
		}
		sig := signature(pa)
		w, ok := winners[sig]
		if !ok {
			winners[sig] = pa
			continue
		}
		if granularityRank[pa.def.PartitionGranularity] < granularityRank[w.def.PartitionGranularity] {
			c.supersededBy[w.id] = pa.id
			winners[sig] = pa
		} else {
			c.supersededBy[pa.id] = w.id
		}
	}
	// Point every loser at the final winner of its signature.
	for loser := range c.supersededBy {
		c.supersededBy[loser] = winners[signature(c.preAggs[loser])].id
	}
	for loser, winner := range c.supersededBy {
		c.logger.Debug("pre-aggregation superseded", "pre_aggregation", loser, "by", winner)
	}
}

func signature(pa *preAgg) string {
	m := append([]string(nil), pa.def.Measures...)
	d := append([]string(nil), pa.def.Dimensions...)
	sort.Strings(m)
	sort.Strings(d)
	return strings.Join([]string{
		pa.cube.def.Name,
		strings.Join(m, ","),
		strings.Join(d, ","),
		pa.def.TimeDimension,
		pa.def.Granularity,
	}, "|")
}

// Cubes lists the compiled cubes in declaration order.
func (c *SchemaCompiler) Cubes(context.Context) ([]model.Cube, error) {
	out := make([]model.Cube, 0, len(c.cubes))
	for _, cb := range c.cubes {
		mc := model.Cube{Name: cb.def.Name, DataSource: model.DataSourceName(cb.def.DataSource)}
		for _, m := range cb.def.Measures {
			mc.Measures = append(mc.Measures, m.Name)
		}
		for _, d := range cb.def.Dimensions {
			mc.Dimensions = append(mc.Dimensions, d.Name)
		}
		out = append(out, mc)
	}
	return out, nil
}

// ScheduledPreAggregations lists every pre-aggregation with scheduled
// refresh enabled, in declaration order.
func (c *SchemaCompiler) ScheduledPreAggregations(context.Context) ([]model.PreAggregation, error) {
	var out []model.PreAggregation
	for _, id := range c.declared {
		pa := c.preAggs[id]
		if pa.scheduled {
			out = append(out, c.toModel(pa))
		}
	}
	return out, nil
}

// PreAggregations returns the requested pre-aggregations in request order.
func (c *SchemaCompiler) PreAggregations(_ context.Context, ids []string) ([]model.PreAggregation, error) {
	if len(ids) == 0 {
		out := make([]model.PreAggregation, 0, len(c.declared))
		for _, id := range c.declared {
			out = append(out, c.toModel(c.preAggs[id]))
		}
		return out, nil
	}
	out := make([]model.PreAggregation, 0, len(ids))
	for _, id := range ids {
		pa, ok := c.preAggs[id]
		if !ok {
			return nil, model.NewNotFoundError("pre-aggregation", id)
		}
		out = append(out, c.toModel(pa))
	}
	return out, nil
}

func (c *SchemaCompiler) toModel(pa *preAgg) model.PreAggregation {
	refs := model.References{
		TimeDimension: qualifyOpt(pa.cube.def.Name, pa.def.TimeDimension),
		Granularity:   pa.def.Granularity,
	}
	for _, m := range pa.def.Measures {
		refs.Measures = append(refs.Measures, qualify(pa.cube.def.Name, m))
	}
	for _, d := range pa.def.Dimensions {
		refs.Dimensions = append(refs.Dimensions, qualify(pa.cube.def.Name, d))
	}
	return model.PreAggregation{
		ID:                   pa.id,
		Cube:                 pa.cube.def.Name,
		Name:                 pa.def.Name,
		Type:                 pa.typ,
		PartitionGranularity: pa.def.PartitionGranularity,
		References:           refs,
		RefreshKey:           c.preAggRefreshKey(pa),
		ScheduledRefresh:     pa.scheduled,
		DataSource:           model.DataSourceName(pa.cube.def.DataSource),
	}
}

func qualifyOpt(cubeName, ref string) string {
	if ref == "" {
		return ""
	}
	return qualify(cubeName, ref)
}

// GetSQL compiles a query. With PreAggregationID set, that pre-aggregation
// (or the one superseding it) is selected; otherwise the first matching
// rollup of the cube is used, if any.
func (c *SchemaCompiler) GetSQL(_ context.Context, req model.QueryRequest) (*model.CompiledQuery, error) {
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	var cb *cube
	var selected *preAgg
	if req.PreAggregationID != "" {
		pa, ok := c.preAggs[req.PreAggregationID]
		if !ok {
			return nil, model.NewNotFoundError("pre-aggregation", req.PreAggregationID)
		}
		cb = pa.cube
		selected = pa
		if winner, ok := c.supersededBy[pa.id]; ok {
			selected = c.preAggs[winner]
		}
	}

	members, err := c.resolveMembers(req, cb)
	if err != nil {
		return nil, err
	}
	if cb == nil {
		cb = members.cube
	}
	if selected == nil {
		selected = c.match(cb, req)
	}

	out := &model.CompiledQuery{
		DataSource: model.DataSourceName(cb.def.DataSource),
		RefreshKey: cubeRefreshKey(cb),
	}
	if cb.def.RefreshKey != nil && cb.def.RefreshKey.SQL != "" {
		out.CacheKeyQueries = []model.SQLQuery{{SQL: cb.def.RefreshKey.SQL}}
	}

	if selected != nil {
		for _, dep := range closure(selected.id, c.deps, c.order) {
			out.PreAggregations = append(out.PreAggregations, c.describe(c.preAggs[dep], tz))
		}
		if selected.typ != model.PreAggregationRollupJoin {
			out.PreAggregations = append(out.PreAggregations, c.describe(selected, tz))
		}
	}
	out.Query = c.querySQL(cb, members, selected)
	return out, nil
}

type resolvedMembers struct {
	cube          *cube
	measures      []string
	dimensions    []string
	timeDimension string
	granularity   string
}

func (c *SchemaCompiler) resolveMembers(req model.QueryRequest, cb *cube) (*resolvedMembers, error) {
	rm := &resolvedMembers{cube: cb, granularity: req.Granularity}
	var errs []model.FieldError
	use := func(field, ref string, isMeasure bool) string {
		cubeName, name, ok := strings.Cut(ref, ".")
		if !ok {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("member %q must be qualified with its cube", ref)})
			return ""
		}
		mc, found := c.cubeByName[cubeName]
		if !found {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("cube %q not found", cubeName)})
			return ""
		}
		if rm.cube == nil {
			rm.cube = mc
		} else if rm.cube != mc {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("member %q is not in cube %q", ref, rm.cube.def.Name)})
			return ""
		}
		if isMeasure {
			if _, ok := mc.measures[name]; !ok {
				errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("measure %q not found", ref)})
			}
		} else if _, ok := mc.dimensions[name]; !ok {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("dimension %q not found", ref)})
		}
		return name
	}
	for i, m := range req.Measures {
		rm.measures = append(rm.measures, use(fmt.Sprintf("measures[%d]", i), m, true))
	}
	for i, d := range req.Dimensions {
		rm.dimensions = append(rm.dimensions, use(fmt.Sprintf("dimensions[%d]", i), d, false))
	}
	if req.TimeDimension != "" {
		rm.timeDimension = use("timeDimension", req.TimeDimension, false)
		if rm.granularity == "" {
			rm.granularity = "day"
		}
	}
	if len(errs) > 0 {
		return nil, model.NewValidationError("invalid query", errs...)
	}
	if rm.cube == nil {
		return nil, model.NewValidationError("invalid query", model.FieldError{Message: "query must reference at least one member"})
	}
	return rm, nil
}

// match returns the first non-superseded plain rollup of cb covering req.
func (c *SchemaCompiler) match(cb *cube, req model.QueryRequest) *preAgg {
	for _, pd := range cb.def.PreAggregations {
		pa := c.preAggs[cb.def.Name+"."+pd.Name]
		if pa.typ != model.PreAggregationRollup {
			continue
		}
		if _, superseded := c.supersededBy[pa.id]; superseded {
			continue
		}
		if covers(pa, req) {
			return pa
		}
	}
	return nil
}

func covers(pa *preAgg, req model.QueryRequest) bool {
	has := func(list []string, ref string) bool {
		_, name, _ := strings.Cut(ref, ".")
		for _, v := range list {
			if v == name {
				return true
			}
		}
		return false
	}
	for _, m := range req.Measures {
		if !has(pa.def.Measures, m) {
			return false
		}
	}
	for _, d := range req.Dimensions {
		if !has(pa.def.Dimensions, d) {
			return false
		}
	}
	if req.TimeDimension != "" {
		_, name, _ := strings.Cut(req.TimeDimension, ".")
		if pa.def.TimeDimension != name {
			return false
		}
		g := req.Granularity
		if g == "" {
			g = "day"
		}
		if granularityRank[pa.def.Granularity] > granularityRank[g] {
			return false
		}
	}
	return true
}

func cubeRefreshKey(cb *cube) model.RefreshKey {
	if rk := cb.def.RefreshKey; rk != nil {
		return model.RefreshKey{SQL: rk.SQL, Every: rk.Every, Incremental: rk.Incremental}
	}
	return model.RefreshKey{Every: DefaultCubeRefreshEvery}
}

func (c *SchemaCompiler) preAggRefreshKey(pa *preAgg) model.RefreshKey {
	if rk := pa.def.RefreshKey; rk != nil {
		return model.RefreshKey{SQL: rk.SQL, Every: rk.Every, Incremental: rk.Incremental}
	}
	if rk := pa.cube.def.RefreshKey; rk != nil {
		return model.RefreshKey{SQL: rk.SQL, Every: rk.Every, Incremental: rk.Incremental}
	}
	if pa.def.PartitionGranularity != "" {
		return model.RefreshKey{Incremental: true}
	}
	return model.RefreshKey{Every: DefaultPreAggregationRefreshEvery}
}

// IsValidationError reports whether err is a schema or query validation error.
func IsValidationError(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrValidation
}
