package compiler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Schema is the YAML cube schema document.
type Schema struct {
	Cubes []CubeDef `yaml:"cubes"`
}

// CubeDef declares one cube.
type CubeDef struct {
	Name            string              `yaml:"name"`
	SQLTable        string              `yaml:"sql_table"`
	SQL             string              `yaml:"sql"`
	DataSource      string              `yaml:"data_source"`
	RefreshKey      *RefreshKeyDef      `yaml:"refresh_key"`
	Measures        []MeasureDef        `yaml:"measures"`
	Dimensions      []DimensionDef      `yaml:"dimensions"`
	PreAggregations []PreAggregationDef `yaml:"pre_aggregations"`
}

// MeasureDef declares an aggregate.
type MeasureDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // count, sum, min, max, count_distinct
	SQL  string `yaml:"sql"`
}

// DimensionDef declares a grouping column.
type DimensionDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // string, number, time, boolean
	SQL  string `yaml:"sql"`
}

// RefreshKeyDef declares when data is stale.
type RefreshKeyDef struct {
	SQL         string        `yaml:"sql"`
	Every       time.Duration `yaml:"every"`
	Incremental bool          `yaml:"incremental"`
}

// PreAggregationDef declares a materialized aggregate.
type PreAggregationDef struct {
	Name                 string         `yaml:"name"`
	Type                 string         `yaml:"type"` // rollup (default), original_sql, rollup_join
	Measures             []string       `yaml:"measures"`
	Dimensions           []string       `yaml:"dimensions"`
	TimeDimension        string         `yaml:"time_dimension"`
	Granularity          string         `yaml:"granularity"`
	PartitionGranularity string         `yaml:"partition_granularity"`
	Rollups              []string       `yaml:"rollups"`
	External             bool           `yaml:"external"`
	ScheduledRefresh     *bool          `yaml:"scheduled_refresh"`
	RefreshKey           *RefreshKeyDef `yaml:"refresh_key"`
}

// ParseSchema decodes a YAML schema.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// LoadSchema reads and decodes a YAML schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}
