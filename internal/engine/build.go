package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/me/rollupd/internal/metrics"
	"github.com/me/rollupd/pkg/model"
)

// builtTable records the current version of a partition table.
type builtTable struct {
	TargetTableName string    `json:"targetTableName"`
	Version         string    `json:"version"`
	InvalidateKeys  []any     `json:"invalidateKeys,omitempty"`
	BuiltAt         time.Time `json:"builtAt"`
}

func tableStateKey(p model.Partition) string {
	return "table:" + model.DataSourceName(p.DataSource) + ":" + p.TableName
}

func baseTableName(p model.Partition) string {
	if p.BaseTableName != "" {
		return p.BaseTableName
	}
	return p.TableName
}

// buildPartition materializes p unless its current version is already built.
// built maps base table names of earlier stages to their target tables.
func (e *Engine) buildPartition(ctx context.Context, p model.Partition, built map[string][]string, force bool) (model.UsedPreAggregation, error) {
	d, err := e.partitionDriver(ctx, p)
	if err != nil {
		return model.UsedPreAggregation{}, err
	}
	keys, err := evalScalars(ctx, d, p.InvalidateKeyQueries)
	if err != nil {
		return model.UsedPreAggregation{}, err
	}
	if len(p.InvalidateKeyQueries) == 0 && p.RefreshKey.Every > 0 {
		secs := max(int64(p.RefreshKey.Every/time.Second), 1)
		keys = []any{e.now().Unix() / secs}
	}

	loadSQL := rewriteTables(p.LoadSQL.SQL, built)
	version := hashKey("version", loadSQL, p.LoadSQL.Values, keys)[len("version:"):][:8]
	stateKey := tableStateKey(p)

	if !force {
		if prev, ok := e.readTable(ctx, stateKey); ok && prev.Version == version {
			metrics.PartitionBuilds.WithLabelValues("skipped").Inc()
			return model.UsedPreAggregation{
				TargetTableName:  prev.TargetTableName,
				RefreshKeyValues: prev.InvalidateKeys,
				LastUpdatedAt:    prev.BuiltAt,
			}, nil
		}
	}

	now := e.now().UTC()
	target := p.TableName + "_" + version + "_" + strconv.FormatInt(now.UnixNano(), 36)
	e.logger.Info("building partition",
		"pre_aggregation", p.PreAggregationID,
		"table", p.TableName,
		"target", target,
		"timezone", p.Timezone,
	)
	if _, err := d.Query(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", target, loadSQL), p.LoadSQL.Values); err != nil {
		return model.UsedPreAggregation{}, err
	}
	metrics.PartitionBuilds.WithLabelValues("built").Inc()

	state := builtTable{TargetTableName: target, Version: version, InvalidateKeys: keys, BuiltAt: now}
	if data, err := json.Marshal(state); err == nil {
		if err := e.cache.Set(ctx, stateKey, data, 0); err != nil {
			e.logger.Warn("cache table version", "error", err)
		}
	}
	return model.UsedPreAggregation{TargetTableName: target, RefreshKeyValues: keys, LastUpdatedAt: now}, nil
}

func (e *Engine) readTable(ctx context.Context, key string) (builtTable, bool) {
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		return builtTable{}, false
	}
	var t builtTable
	if err := json.Unmarshal(data, &t); err != nil {
		return builtTable{}, false
	}
	return t, true
}

// rewriteTables points references to base tables at their built targets.
// Several targets for one base table are read as a union.
func rewriteTables(sql string, built map[string][]string) string {
	if len(built) == 0 {
		return sql
	}
	bases := make([]string, 0, len(built))
	for b := range built {
		bases = append(bases, b)
	}
	// Longest first so a base name that prefixes another is not hit early.
	sort.Slice(bases, func(i, j int) bool {
		if len(bases[i]) != len(bases[j]) {
			return len(bases[i]) > len(bases[j])
		}
		return bases[i] < bases[j]
	})
	pairs := make([]string, 0, 2*len(bases))
	for _, b := range bases {
		targets := built[b]
		repl := targets[0]
		if len(targets) > 1 {
			selects := make([]string, len(targets))
			for i, t := range targets {
				selects[i] = "SELECT * FROM " + t
			}
			repl = "(" + strings.Join(selects, " UNION ALL ") + ")"
		}
		pairs = append(pairs, b, repl)
	}
	return strings.NewReplacer(pairs...).Replace(sql)
}
