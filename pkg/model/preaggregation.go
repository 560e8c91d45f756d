package model

import (
	"strings"
	"time"
)

// PreAggregationType is the kind of a configured materialized aggregate.
type PreAggregationType string

const (
	PreAggregationRollup      PreAggregationType = "rollup"
	PreAggregationOriginalSQL PreAggregationType = "originalSql"
	PreAggregationRollupJoin  PreAggregationType = "rollupJoin"
)

// IsEphemeral reports whether the type is assembled from other rollups at
// query time and therefore never built on its own.
func (t PreAggregationType) IsEphemeral() bool {
	return t == PreAggregationRollupJoin
}

// Parameter placeholders replaced with the partition date range on expansion.
const (
	FromPartitionRange = "__FROM_PARTITION_RANGE"
	ToPartitionRange   = "__TO_PARTITION_RANGE"
)

// TimestampFormat is the local timestamp layout used for date ranges.
const TimestampFormat = "2006-01-02T15:04:05.000"

// SQLQuery is a SQL statement with positional parameters.
type SQLQuery struct {
	SQL    string `json:"sql" yaml:"sql"`
	Values []any  `json:"values,omitempty" yaml:"values,omitempty"`
}

// IsZero reports whether the query has no SQL.
func (q SQLQuery) IsZero() bool {
	return strings.TrimSpace(q.SQL) == ""
}

// References lists the members a rollup is built from.
type References struct {
	Measures      []string `json:"measures,omitempty"`
	Dimensions    []string `json:"dimensions,omitempty"`
	TimeDimension string   `json:"timeDimension,omitempty"`
	Granularity   string   `json:"granularity,omitempty"`
}

// RefreshKey decides when a cached value is stale: either the value of SQL
// changes, or the Every interval elapses.
type RefreshKey struct {
	SQL         string        `json:"sql,omitempty" yaml:"sql,omitempty"`
	Every       time.Duration `json:"every,omitempty" yaml:"every,omitempty"`
	Incremental bool          `json:"incremental,omitempty" yaml:"incremental,omitempty"`
}

// PreAggregation is a scheduled pre-aggregation as listed by the compiler.
type PreAggregation struct {
	ID                   string             `json:"id"`
	Cube                 string             `json:"cube"`
	Name                 string             `json:"preAggregationName"`
	Type                 PreAggregationType `json:"type"`
	PartitionGranularity string             `json:"partitionGranularity,omitempty"`
	References           References         `json:"references"`
	RefreshKey           RefreshKey         `json:"refreshKey"`
	ScheduledRefresh     bool               `json:"scheduledRefresh"`
	DataSource           string             `json:"dataSource"`
}

// PreAggregationDescription is a compiled, not yet partitioned, pre-aggregation
// as returned with a compiled query. Descriptions that another description
// depends on come before it in a compiled list.
type PreAggregationDescription struct {
	PreAggregationID     string             `json:"preAggregationId"`
	Cube                 string             `json:"cube"`
	Type                 PreAggregationType `json:"type"`
	DataSource           string             `json:"dataSource"`
	TableName            string             `json:"tableName"`
	Timezone             string             `json:"timezone"`
	Granularity          string             `json:"granularity,omitempty"`
	PartitionGranularity string             `json:"partitionGranularity,omitempty"`
	External             bool               `json:"external,omitempty"`
	LoadSQL              SQLQuery           `json:"loadSql"`
	InvalidateKeyQueries []SQLQuery         `json:"invalidateKeyQueries,omitempty"`
	StartEndQueries      []SQLQuery         `json:"preAggregationStartEndQueries,omitempty"`
	RefreshKey           RefreshKey         `json:"refreshKey"`
}

// DateRange is an inclusive [from, to] pair of local timestamps.
type DateRange [2]string

// Partition is one independently buildable slice of a pre-aggregation.
type Partition struct {
	PreAggregationID     string             `json:"preAggregationId"`
	Cube                 string             `json:"cube"`
	Type                 PreAggregationType `json:"type"`
	DataSource           string             `json:"dataSource"`
	Timezone             string             `json:"timezone"`
	TableName            string             `json:"tableName"`
	BaseTableName        string             `json:"baseTableName,omitempty"`
	TargetTableName      string             `json:"targetTableName"`
	DateRange            *DateRange         `json:"dateRange,omitempty"`
	BuildRange           *DateRange         `json:"buildRange,omitempty"`
	External             bool               `json:"external,omitempty"`
	LoadSQL              SQLQuery           `json:"loadSql"`
	InvalidateKeyQueries []SQLQuery         `json:"invalidateKeyQueries,omitempty"`
	StartEndQueries      []SQLQuery         `json:"preAggregationStartEndQueries,omitempty"`
	RefreshKey           RefreshKey         `json:"refreshKey"`
	Priority             int                `json:"priority"`
}

// ExpandedPartitions is the result of expanding a compiled description list.
// Grouped holds one group per description, in dependency stage order.
type ExpandedPartitions struct {
	Partitions []Partition   `json:"partitions"`
	Grouped    [][]Partition `json:"groupedPartitions"`
}

// PartitionExpansion asks the engine to split compiled descriptions into
// partitions. With CacheOnly set, only cached build ranges are used.
type PartitionExpansion struct {
	RequestID       string                      `json:"requestId"`
	PreAggregations []PreAggregationDescription `json:"preAggregations"`
	CacheOnly       bool                        `json:"cacheOnly,omitempty"`
}

// BuildRangeCacheStatus reports whether the build range of a description is cached.
type BuildRangeCacheStatus struct {
	PreAggregationID string `json:"preAggregationId"`
	IsCached         bool   `json:"isCached"`
}

// Cube is the introspection view of a compiled cube.
type Cube struct {
	Name       string   `json:"name"`
	DataSource string   `json:"dataSource"`
	Measures   []string `json:"measures"`
	Dimensions []string `json:"dimensions"`
}

// Member returns the fully qualified member path.
func (c Cube) Member(name string) string {
	return c.Name + "." + name
}
