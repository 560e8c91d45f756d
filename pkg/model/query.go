package model

import "time"

// QueryRequest is the description of a query handed to the compiler.
type QueryRequest struct {
	Measures         []string       `json:"measures,omitempty"`
	Dimensions       []string       `json:"dimensions,omitempty"`
	TimeDimension    string         `json:"timeDimension,omitempty"`
	Granularity      string         `json:"granularity,omitempty"`
	Timezone         string         `json:"timezone,omitempty"`
	PreAggregationID string         `json:"preAggregationId,omitempty"`
	SecurityContext  map[string]any `json:"securityContext,omitempty"`
}

// CompiledQuery is the compiler's output for a QueryRequest.
type CompiledQuery struct {
	Query           SQLQuery                    `json:"query"`
	DataSource      string                      `json:"dataSource"`
	PreAggregations []PreAggregationDescription `json:"preAggregations"`
	CacheKeyQueries []SQLQuery                  `json:"cacheKeyQueries,omitempty"`
	RefreshKey      RefreshKey                  `json:"refreshKey"`
}

// QueryDescriptor is a unit of work submitted to the coordinator.
type QueryDescriptor struct {
	RequestID       string      `json:"requestId"`
	Query           SQLQuery    `json:"query"`
	DataSource      string      `json:"dataSource"`
	Timezone        string      `json:"timezone,omitempty"`
	PreAggregations []Partition `json:"preAggregations,omitempty"`
	CacheKeyQueries []SQLQuery  `json:"cacheKeyQueries,omitempty"`
	RefreshKey      RefreshKey  `json:"refreshKey"`

	ContinueWait              bool `json:"continueWait,omitempty"`
	RenewQuery                bool `json:"renewQuery,omitempty"`
	ScheduledRefresh          bool `json:"scheduledRefresh,omitempty"`
	LoadRefreshKeysOnly       bool `json:"loadRefreshKeysOnly,omitempty"`
	ForceBuildPreAggregations bool `json:"forceBuildPreAggregations,omitempty"`

	OrphanedTimeout time.Duration  `json:"orphanedTimeout,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// DataSourceOrDefault returns the data source name, "default" when empty.
func (q *QueryDescriptor) DataSourceOrDefault() string {
	return DataSourceName(q.DataSource)
}

// DataSourceName normalizes an empty data source name to "default".
func DataSourceName(ds string) string {
	if ds == "" {
		return "default"
	}
	return ds
}

// UsedPreAggregation describes a partition table a result was served from.
type UsedPreAggregation struct {
	TargetTableName  string    `json:"targetTableName"`
	RefreshKeyValues []any     `json:"refreshKeyValues,omitempty"`
	LastUpdatedAt    time.Time `json:"lastUpdatedAt"`
}

// Result is the outcome of an executed query. Items holds per-partition
// results for batch executions.
type Result struct {
	Data                []map[string]any              `json:"data,omitempty"`
	DataSource          string                        `json:"dataSource,omitempty"`
	DBType              string                        `json:"dbType,omitempty"`
	External            bool                          `json:"external,omitempty"`
	SlowQuery           bool                          `json:"slowQuery,omitempty"`
	RefreshKeyValues    []any                         `json:"refreshKeyValues,omitempty"`
	UsedPreAggregations map[string]UsedPreAggregation `json:"usedPreAggregations,omitempty"`
	LastRefreshTime     *time.Time                    `json:"lastRefreshTime,omitempty"`
	Items               []*Result                     `json:"items,omitempty"`
}

// Clone returns a shallow copy of r with its own Items slice.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Items != nil {
		c.Items = make([]*Result, len(r.Items))
		for i, it := range r.Items {
			c.Items[i] = it.Clone()
		}
	}
	return &c
}

// QueryStage is a caller-pollable progress descriptor.
type QueryStage struct {
	Stage       string        `json:"stage"`
	TimeElapsed time.Duration `json:"timeElapsed"`
}
