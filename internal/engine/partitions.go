package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/me/rollupd/pkg/model"
)

// MaxPartitions bounds the partitions of one pre-aggregation.
const MaxPartitions = 10000

// Partition granularities.
const (
	GranularityHour    = "hour"
	GranularityDay     = "day"
	GranularityWeek    = "week"
	GranularityMonth   = "month"
	GranularityQuarter = "quarter"
	GranularityYear    = "year"
)

// ExpandPartitionsInPreAggregations splits every description into its
// partitions, oldest first. Grouped keeps one group per description.
func (e *Engine) ExpandPartitionsInPreAggregations(ctx context.Context, req model.PartitionExpansion) (*model.ExpandedPartitions, error) {
	out := &model.ExpandedPartitions{
		Partitions: []model.Partition{},
		Grouped:    make([][]model.Partition, 0, len(req.PreAggregations)),
	}
	for _, d := range req.PreAggregations {
		parts, err := e.expandDescription(ctx, d, req.CacheOnly)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", d.PreAggregationID, err)
		}
		out.Grouped = append(out.Grouped, parts)
		out.Partitions = append(out.Partitions, parts...)
	}
	return out, nil
}

// CheckPartitionsBuildRangeCache reports, for each partitioned description,
// whether its build range is cached.
func (e *Engine) CheckPartitionsBuildRangeCache(ctx context.Context, req model.PartitionExpansion) ([]model.BuildRangeCacheStatus, error) {
	var out []model.BuildRangeCacheStatus
	for _, d := range req.PreAggregations {
		if d.PartitionGranularity == "" {
			continue
		}
		_, ok := e.cachedBuildRange(ctx, d)
		out = append(out, model.BuildRangeCacheStatus{PreAggregationID: d.PreAggregationID, IsCached: ok})
	}
	return out, nil
}

func (e *Engine) expandDescription(ctx context.Context, d model.PreAggregationDescription, cacheOnly bool) ([]model.Partition, error) {
	base := model.Partition{
		PreAggregationID:     d.PreAggregationID,
		Cube:                 d.Cube,
		Type:                 d.Type,
		DataSource:           d.DataSource,
		Timezone:             d.Timezone,
		TableName:            d.TableName,
		BaseTableName:        d.TableName,
		TargetTableName:      d.TableName,
		External:             d.External,
		LoadSQL:              d.LoadSQL,
		InvalidateKeyQueries: d.InvalidateKeyQueries,
		StartEndQueries:      d.StartEndQueries,
		RefreshKey:           d.RefreshKey,
	}
	if d.PartitionGranularity == "" {
		return []model.Partition{base}, nil
	}

	buildRange, err := e.buildRange(ctx, d, cacheOnly)
	if err != nil {
		return nil, err
	}
	ranges, err := TimeSeries(d.PartitionGranularity, buildRange, e.cfg.MaxPartitions)
	if err != nil {
		return nil, err
	}

	parts := make([]model.Partition, 0, len(ranges))
	for _, r := range ranges {
		p := base
		dateRange := r
		br := buildRange
		p.TableName = PartitionTableName(d.TableName, d.PartitionGranularity, r)
		p.TargetTableName = p.TableName
		p.DateRange = &dateRange
		p.BuildRange = &br
		p.LoadSQL = SubstituteRange(d.LoadSQL, r)
		if len(d.InvalidateKeyQueries) > 0 {
			p.InvalidateKeyQueries = make([]model.SQLQuery, len(d.InvalidateKeyQueries))
			for i, q := range d.InvalidateKeyQueries {
				p.InvalidateKeyQueries[i] = SubstituteRange(q, r)
			}
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func buildRangeKey(d model.PreAggregationDescription) string {
	return hashKey("build-range", model.DataSourceName(d.DataSource), d.PreAggregationID, d.Timezone, d.StartEndQueries)
}

func (e *Engine) cachedBuildRange(ctx context.Context, d model.PreAggregationDescription) (model.DateRange, bool) {
	data, err := e.cache.Get(ctx, buildRangeKey(d))
	if err != nil {
		return model.DateRange{}, false
	}
	var r model.DateRange
	if err := json.Unmarshal(data, &r); err != nil {
		return model.DateRange{}, false
	}
	return r, true
}

// buildRange loads the [start, end] range of the source data with the
// description's start/end queries, in the description's timezone.
func (e *Engine) buildRange(ctx context.Context, d model.PreAggregationDescription, cacheOnly bool) (model.DateRange, error) {
	if r, ok := e.cachedBuildRange(ctx, d); ok && cacheOnly {
		return r, nil
	}
	if cacheOnly {
		return model.DateRange{}, fmt.Errorf("build range of %s is not cached", d.PreAggregationID)
	}
	if len(d.StartEndQueries) != 2 {
		return model.DateRange{}, fmt.Errorf("partitioned pre-aggregation %s needs start and end queries", d.PreAggregationID)
	}
	loc, err := loadLocation(d.Timezone)
	if err != nil {
		return model.DateRange{}, err
	}
	drv, err := e.drivers.Driver(ctx, model.DataSourceName(d.DataSource))
	if err != nil {
		return model.DateRange{}, err
	}
	values, err := evalScalars(ctx, drv, d.StartEndQueries)
	if err != nil {
		return model.DateRange{}, err
	}

	var r model.DateRange
	for i, v := range values {
		t, err := toTime(v, e.now())
		if err != nil {
			return model.DateRange{}, fmt.Errorf("build range of %s: %w", d.PreAggregationID, err)
		}
		r[i] = t.In(loc).Format(model.TimestampFormat)
	}

	if data, err := json.Marshal(r); err == nil {
		if err := e.cache.Set(ctx, buildRangeKey(d), data, e.cfg.BuildRangeTTL); err != nil {
			e.logger.Warn("cache build range", "error", err)
		}
	}
	return r, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	model.TimestampFormat,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// toTime interprets a start/end query value. NULL means "now"; strings
// without a zone are UTC.
func toTime(v any, now time.Time) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return now, nil
	case time.Time:
		return x, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", x)
	case []byte:
		return toTime(string(x), now)
	case int64:
		return time.Unix(x, 0), nil
	case float64:
		return time.Unix(int64(x), 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp value %T", v)
	}
}

// TimeSeries splits r into consecutive ranges of the given granularity,
// aligned to unit boundaries. More than limit ranges is an error.
func TimeSeries(granularity string, r model.DateRange, limit int) ([]model.DateRange, error) {
	from, err := time.Parse(model.TimestampFormat, r[0])
	if err != nil {
		return nil, fmt.Errorf("range start: %w", err)
	}
	to, err := time.Parse(model.TimestampFormat, r[1])
	if err != nil {
		return nil, fmt.Errorf("range end: %w", err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("range end %s is before start %s", r[1], r[0])
	}

	cur, err := truncate(from, granularity)
	if err != nil {
		return nil, err
	}
	var out []model.DateRange
	for !cur.After(to) {
		next := step(cur, granularity)
		out = append(out, model.DateRange{
			cur.Format(model.TimestampFormat),
			next.Add(-time.Millisecond).Format(model.TimestampFormat),
		})
		if limit > 0 && len(out) > limit {
			return nil, fmt.Errorf("resulting partitions range for %s is too large: more than %d partitions", granularity, limit)
		}
		cur = next
	}
	return out, nil
}

func truncate(t time.Time, granularity string) (time.Time, error) {
	y, m, d := t.Date()
	switch granularity {
	case GranularityHour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, time.UTC), nil
	case GranularityDay:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case GranularityWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC), nil
	case GranularityMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), nil
	case GranularityQuarter:
		qm := time.Month((int(m)-1)/3*3 + 1)
		return time.Date(y, qm, 1, 0, 0, 0, 0, time.UTC), nil
	case GranularityYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported partition granularity %q", granularity)
	}
}

func step(t time.Time, granularity string) time.Time {
	switch granularity {
	case GranularityHour:
		return t.Add(time.Hour)
	case GranularityDay:
		return t.AddDate(0, 0, 1)
	case GranularityWeek:
		return t.AddDate(0, 0, 7)
	case GranularityMonth:
		return t.AddDate(0, 1, 0)
	case GranularityQuarter:
		return t.AddDate(0, 3, 0)
	default:
		return t.AddDate(1, 0, 0)
	}
}

// PartitionTableName suffixes tableName with the compact start of r:
// YYYYMMDD, or YYYYMMDDHH for hourly partitions.
func PartitionTableName(tableName, granularity string, r model.DateRange) string {
	n := 10
	if granularity == GranularityHour {
		n = 13
	}
	start := r[0]
	if len(start) > n {
		start = start[:n]
	}
	start = strings.NewReplacer("-", "", "T", "", ":", "").Replace(start)
	return tableName + start
}

// SubstituteRange replaces the partition range placeholders in q's values.
func SubstituteRange(q model.SQLQuery, r model.DateRange) model.SQLQuery {
	if len(q.Values) == 0 {
		return q
	}
	values := make([]any, len(q.Values))
	for i, v := range q.Values {
		switch v {
		case model.FromPartitionRange:
			values[i] = r[0]
		case model.ToPartitionRange:
			values[i] = r[1]
		default:
			values[i] = v
		}
	}
	return model.SQLQuery{SQL: q.SQL, Values: values}
}
