package compiler

import (
	"fmt"

	"github.com/me/rollupd/pkg/model"
)

var measureTypes = map[string]bool{
	"count": true, "sum": true, "min": true, "max": true, "count_distinct": true, "avg": true,
}

var partitionGranularities = map[string]bool{
	"hour": true, "day": true, "week": true, "month": true, "quarter": true, "year": true,
}

// Validate checks a schema for structural errors.
// Returns nil if valid, or an *model.APIError with FieldError details.
func Validate(s *Schema) *model.APIError {
	var errs []model.FieldError
	cubes := make(map[string]CubeDef, len(s.Cubes))
	for i, cd := range s.Cubes {
		field := fmt.Sprintf("cubes[%d]", i)
		if cd.Name == "" {
			errs = append(errs, model.FieldError{Field: field + ".name", Message: "cube name is required"})
			continue
		}
		if _, dup := cubes[cd.Name]; dup {
			errs = append(errs, model.FieldError{Field: field + ".name", Message: fmt.Sprintf("duplicate cube %q", cd.Name)})
			continue
		}
		cubes[cd.Name] = cd
		if cd.SQLTable == "" && cd.SQL == "" {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("cube %q needs sql_table or sql", cd.Name)})
		}
		for j, m := range cd.Measures {
			if !measureTypes[m.Type] {
				errs = append(errs, model.FieldError{
					Field:   fmt.Sprintf("%s.measures[%d].type", field, j),
					Message: fmt.Sprintf("unsupported measure type %q", m.Type),
				})
			}
		}
	}
	for i, cd := range s.Cubes {
		if cubes[cd.Name].Name == "" {
			continue
		}
		for j, pd := range cd.PreAggregations {
			errs = append(errs, validatePreAggregation(fmt.Sprintf("cubes[%d].pre_aggregations[%d]", i, j), cd, pd, cubes)...)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return model.NewValidationError("schema validation failed", errs...)
}

func validatePreAggregation(field string, cd CubeDef, pd PreAggregationDef, cubes map[string]CubeDef) []model.FieldError {
	var errs []model.FieldError
	add := func(f, format string, args ...any) {
		errs = append(errs, model.FieldError{Field: field + f, Message: fmt.Sprintf(format, args...)})
	}
	if pd.Name == "" {
		add(".name", "pre-aggregation name is required")
		return errs
	}
	switch pd.Type {
	case "", "rollup", "original_sql", "originalSql", "rollup_join", "rollupJoin":
	default:
		add(".type", "unsupported pre-aggregation type %q", pd.Type)
		return errs
	}
	typ := preAggregationType(pd.Type)

	for _, m := range pd.Measures {
		if !hasMeasure(cd, m) {
			add(".measures", "measure %q not found in cube %q", m, cd.Name)
		}
	}
	for _, d := range pd.Dimensions {
		if !hasDimension(cd, d) {
			add(".dimensions", "dimension %q not found in cube %q", d, cd.Name)
		}
	}
	if pd.TimeDimension != "" {
		if !hasDimension(cd, pd.TimeDimension) {
			add(".time_dimension", "dimension %q not found in cube %q", pd.TimeDimension, cd.Name)
		}
		if typ == model.PreAggregationRollup && !partitionGranularities[pd.Granularity] {
			add(".granularity", "granularity %q is not supported", pd.Granularity)
		}
	}
	if pd.PartitionGranularity != "" {
		if !partitionGranularities[pd.PartitionGranularity] {
			add(".partition_granularity", "partition granularity %q is not supported", pd.PartitionGranularity)
		}
		if pd.TimeDimension == "" {
			add(".partition_granularity", "partitioned pre-aggregation needs a time_dimension")
		}
	}
	if typ == model.PreAggregationRollupJoin && len(pd.Rollups) == 0 {
		add(".rollups", "rollup_join needs rollups")
	}
	for _, r := range pd.Rollups {
		dep, ok := findPreAggregation(cd.Name, r, cubes)
		if !ok {
			add(".rollups", "rollup %q not found", r)
			continue
		}
		if typ != model.PreAggregationRollup {
			continue
		}
		if dep.cube != cd.Name {
			add(".rollups", "rollup %q must be in cube %q", r, cd.Name)
			continue
		}
		for _, m := range pd.Measures {
			if !contains(dep.def.Measures, m) {
				add(".rollups", "rollup %q does not provide measure %q", r, m)
			}
			if mt := measureType(cd, m); mt == "count_distinct" || mt == "avg" {
				add(".measures", "measure %q of type %s can't be rolled up again", m, mt)
			}
		}
		for _, d := range pd.Dimensions {
			if !contains(dep.def.Dimensions, d) {
				add(".rollups", "rollup %q does not provide dimension %q", r, d)
			}
		}
		if pd.TimeDimension != "" && dep.def.TimeDimension != pd.TimeDimension {
			add(".rollups", "rollup %q does not provide time dimension %q", r, pd.TimeDimension)
		}
	}
	return errs
}

type foundPreAgg struct {
	cube string
	def  PreAggregationDef
}

func findPreAggregation(cubeName, ref string, cubes map[string]CubeDef) (foundPreAgg, bool) {
	qualified := qualify(cubeName, ref)
	for name, cd := range cubes {
		for _, pd := range cd.PreAggregations {
			if name+"."+pd.Name == qualified {
				return foundPreAgg{cube: name, def: pd}, true
			}
		}
	}
	return foundPreAgg{}, false
}

func hasMeasure(cd CubeDef, name string) bool {
	return measureType(cd, name) != ""
}

func measureType(cd CubeDef, name string) string {
	for _, m := range cd.Measures {
		if m.Name == name {
			return m.Type
		}
	}
	return ""
}

func hasDimension(cd CubeDef, name string) bool {
	for _, d := range cd.Dimensions {
		if d.Name == name {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
