package compiler

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/me/rollupd/pkg/model"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// snake converts camelCase names to snake_case.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (cb *cube) source() string {
	if cb.def.SQLTable != "" {
		return cb.def.SQLTable + " AS " + cb.alias
	}
	return "(" + cb.def.SQL + ") AS " + cb.alias
}

func (cb *cube) memberSQL(name, sql string) string {
	if sql == "" {
		sql = name
	}
	if strings.Contains(sql, "{CUBE}") {
		return strings.ReplaceAll(sql, "{CUBE}", cb.alias)
	}
	if identRe.MatchString(sql) {
		return cb.alias + "." + sql
	}
	return sql
}

func (cb *cube) dimensionSQL(name string) string {
	return cb.memberSQL(name, cb.dimensions[name].SQL)
}

func (cb *cube) column(name string) string {
	return cb.alias + "__" + snake(name)
}

func (cb *cube) timeColumn(name, granularity string) string {
	return cb.column(name) + "_" + granularity
}

func (cb *cube) measureSQL(name string) string {
	m := cb.measures[name]
	switch m.Type {
	case "count":
		if m.SQL == "" {
			return "count(*)"
		}
		return "count(" + cb.memberSQL(name, m.SQL) + ")"
	case "count_distinct":
		return "count(distinct " + cb.memberSQL(name, m.SQL) + ")"
	default:
		return m.Type + "(" + cb.memberSQL(name, m.SQL) + ")"
	}
}

// reaggregate combines an already aggregated measure column.
func (cb *cube) reaggregate(name, col string) string {
	switch cb.measures[name].Type {
	case "min", "max":
		return cb.measures[name].Type + "(" + col + ")"
	default:
		return "sum(" + col + ")"
	}
}

func truncTime(granularity, expr string) string {
	return fmt.Sprintf("date_trunc('%s', %s)", granularity, expr)
}

func partitionFilter(expr string) (string, []any) {
	return fmt.Sprintf(" WHERE %s >= ? AND %s <= ?", expr, expr),
		[]any{model.FromPartitionRange, model.ToPartitionRange}
}

// describe renders the description of pa for timezone tz.
func (c *SchemaCompiler) describe(pa *preAgg, tz string) model.PreAggregationDescription {
	cb := pa.cube
	d := model.PreAggregationDescription{
		PreAggregationID:     pa.id,
		Cube:                 cb.def.Name,
		Type:                 pa.typ,
		DataSource:           model.DataSourceName(cb.def.DataSource),
		TableName:            pa.tableName,
		Timezone:             tz,
		Granularity:          pa.def.Granularity,
		PartitionGranularity: pa.def.PartitionGranularity,
		External:             pa.def.External,
		LoadSQL:              c.loadSQL(pa),
		RefreshKey:           c.preAggRefreshKey(pa),
	}
	partitioned := pa.def.PartitionGranularity != ""
	if partitioned {
		timeSQL := cb.dimensionSQL(pa.def.TimeDimension)
		d.StartEndQueries = []model.SQLQuery{
			{SQL: fmt.Sprintf("SELECT MIN(%s) FROM %s", timeSQL, cb.source())},
			{SQL: fmt.Sprintf("SELECT MAX(%s) FROM %s", timeSQL, cb.source())},
		}
	}
	switch {
	case d.RefreshKey.SQL != "":
		d.InvalidateKeyQueries = []model.SQLQuery{{SQL: d.RefreshKey.SQL}}
	case partitioned:
		timeSQL := cb.dimensionSQL(pa.def.TimeDimension)
		where, values := partitionFilter(timeSQL)
		d.InvalidateKeyQueries = []model.SQLQuery{{
			SQL:    fmt.Sprintf("SELECT MAX(%s) FROM %s%s", timeSQL, cb.source(), where),
			Values: values,
		}}
	}
	return d
}

func (c *SchemaCompiler) loadSQL(pa *preAgg) model.SQLQuery {
	cb := pa.cube
	partitioned := pa.def.PartitionGranularity != ""

	if pa.typ == model.PreAggregationOriginalSQL {
		q := model.SQLQuery{SQL: "SELECT * FROM " + cb.source()}
		if partitioned {
			where, values := partitionFilter(cb.dimensionSQL(pa.def.TimeDimension))
			q.SQL += where
			q.Values = values
		}
		return q
	}
	if pa.typ == model.PreAggregationRollupJoin {
		return model.SQLQuery{}
	}

	// A rollup with rollups reads the first stage it depends on.
	var from string
	var dimExpr, timeExpr func(string) string
	measureExpr := cb.measureSQL
	if len(pa.deps) > 0 {
		dep := c.preAggs[pa.deps[0]]
		from = dep.tableName
		dimExpr = dep.cube.column
		timeExpr = func(name string) string { return dep.cube.timeColumn(name, dep.def.Granularity) }
		measureExpr = func(name string) string { return cb.reaggregate(name, dep.cube.column(name)) }
	} else {
		from = cb.source()
		dimExpr = cb.dimensionSQL
		timeExpr = cb.dimensionSQL
	}

	var cols []string
	for _, d := range pa.def.Dimensions {
		cols = append(cols, dimExpr(d)+" AS "+cb.column(d))
	}
	if pa.def.TimeDimension != "" {
		cols = append(cols, truncTime(pa.def.Granularity, timeExpr(pa.def.TimeDimension))+" AS "+cb.timeColumn(pa.def.TimeDimension, pa.def.Granularity))
	}
	groupBy := len(cols)
	for _, m := range pa.def.Measures {
		cols = append(cols, measureExpr(m)+" AS "+cb.column(m))
	}

	q := model.SQLQuery{SQL: "SELECT " + strings.Join(cols, ", ") + " FROM " + from}
	if partitioned {
		where, values := partitionFilter(timeExpr(pa.def.TimeDimension))
		q.SQL += where
		q.Values = values
	}
	if groupBy > 0 {
		q.SQL += " GROUP BY " + ordinals(groupBy)
	}
	return q
}

// querySQL renders the main query, reading from the selected rollup when
// there is one.
func (c *SchemaCompiler) querySQL(cb *cube, rm *resolvedMembers, selected *preAgg) model.SQLQuery {
	fromRollup := selected != nil && selected.typ == model.PreAggregationRollup

	var cols []string
	for _, d := range rm.dimensions {
		if fromRollup {
			cols = append(cols, cb.column(d))
		} else {
			cols = append(cols, cb.dimensionSQL(d)+" AS "+cb.column(d))
		}
	}
	if rm.timeDimension != "" {
		var expr string
		if fromRollup {
			expr = truncTime(rm.granularity, cb.timeColumn(rm.timeDimension, selected.def.Granularity))
		} else {
			expr = truncTime(rm.granularity, cb.dimensionSQL(rm.timeDimension))
		}
		cols = append(cols, expr+" AS "+cb.timeColumn(rm.timeDimension, rm.granularity))
	}
	groupBy := len(cols)
	for _, m := range rm.measures {
		if fromRollup {
			cols = append(cols, cb.reaggregate(m, cb.column(m))+" AS "+cb.column(m))
		} else {
			cols = append(cols, cb.measureSQL(m)+" AS "+cb.column(m))
		}
	}

	from := cb.source()
	if fromRollup {
		from = selected.tableName
	}
	sql := "SELECT " + strings.Join(cols, ", ") + " FROM " + from
	if groupBy > 0 && len(rm.measures) > 0 {
		sql += " GROUP BY " + ordinals(groupBy)
	}
	return model.SQLQuery{SQL: sql}
}

func ordinals(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprint(i + 1)
	}
	return strings.Join(parts, ", ")
}
