package model

import (
	"fmt"
	"time"
)

// ScheduledRefreshOptions configures one RunScheduledRefresh call.
type ScheduledRefreshOptions struct {
	Timezone              string   `json:"timezone,omitempty"`
	Timezones             []string `json:"timezones,omitempty"`
	ThrowErrors           bool     `json:"throwErrors,omitempty"`
	PreAggregationsWarmup bool     `json:"preAggregationsWarmup,omitempty"`
	Concurrency           int      `json:"concurrency,omitempty"`
	WorkerIndices         []int    `json:"workerIndices,omitempty"`
}

// RefreshQueryingOptions are the resolved options threaded through a refresh run.
type RefreshQueryingOptions struct {
	Timezones             []string
	Timezone              string
	Concurrency           int
	WorkerIndices         []int
	PreAggregationsWarmup bool
	CacheOnly             bool
	SecurityContext       map[string]any
}

// RefreshResult is returned by RunScheduledRefresh.
type RefreshResult struct {
	Finished bool `json:"finished"`
}

// RefreshQueries is the partition plan of one pre-aggregation in one timezone.
// Error carries a benign reason when nothing should be built.
type RefreshQueries struct {
	Error             string        `json:"error,omitempty"`
	Partitions        []Partition   `json:"partitions"`
	GroupedPartitions [][]Partition `json:"groupedPartitions"`
}

// PreAggregationSelector selects one pre-aggregation for an on-demand build.
type PreAggregationSelector struct {
	ID         string   `json:"id"`
	CacheOnly  bool     `json:"cacheOnly,omitempty"`
	Partitions []string `json:"partitions,omitempty"`
}

// PreAggregationsQueryingOptions configures PreAggregationPartitions and
// BuildPreAggregations.
type PreAggregationsQueryingOptions struct {
	Timezones                 []string                 `json:"timezones"`
	PreAggregations           []PreAggregationSelector `json:"preAggregations"`
	ForceBuildPreAggregations *bool                    `json:"forceBuildPreAggregations,omitempty"`
	ThrowErrors               bool                     `json:"throwErrors,omitempty"`
	LoadConcurrency           int                      `json:"preAggregationLoadConcurrency,omitempty"`
	Metadata                  map[string]any           `json:"metadata,omitempty"`
}

// PartitionsWithDependencies groups the final-stage partitions of one timezone
// with every earlier-stage partition they are built from.
type PartitionsWithDependencies struct {
	Dependencies []Partition `json:"dependencies"`
	Partitions   []Partition `json:"partitions"`
}

// PreAggregationPartitions is the on-demand partition plan of one pre-aggregation.
type PreAggregationPartitions struct {
	Timezones                  []string                     `json:"timezones"`
	PreAggregation             PreAggregation               `json:"preAggregation"`
	InvalidateKeyQueries       []SQLQuery                   `json:"invalidateKeyQueries,omitempty"`
	StartEndQueries            []SQLQuery                   `json:"preAggregationStartEndQueries,omitempty"`
	Partitions                 []Partition                  `json:"partitions"`
	Errors                     []string                     `json:"errors"`
	PartitionsWithDependencies []PartitionsWithDependencies `json:"partitionsWithDependencies"`
}

// WorkerCursor is the position of one refresh worker in
// (pre-aggregation, timezone, partition depth) space.
type WorkerCursor struct {
	PreAggregationCursor int             `json:"preAggregationCursor"`
	TimezoneCursor       int             `json:"timezoneCursor"`
	PartitionCursor      int             `json:"partitionCursor"`
	PartitionCounter     int             `json:"partitionCounter"`
	Finished             map[string]bool `json:"finished"`
	// Concurrency is the worker count of the sweep the cursor belongs to.
	// A cursor only resumes a sweep split the same way.
	Concurrency int `json:"concurrency,omitempty"`
}

// PairKey returns the Finished key of a (pre-aggregation, timezone) pair.
func PairKey(preAggregationIndex, timezoneIndex int) string {
	return fmt.Sprintf("%d_%d", preAggregationIndex, timezoneIndex)
}

// AllFinished reports whether every pair has been swept.
func (c *WorkerCursor) AllFinished() bool {
	for _, done := range c.Finished {
		if !done {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the cursor.
func (c WorkerCursor) Clone() WorkerCursor {
	out := c
	out.Finished = make(map[string]bool, len(c.Finished))
	for k, v := range c.Finished {
		out.Finished[k] = v
	}
	return out
}

// RefreshRun is a ledger entry for one scheduled refresh invocation.
type RefreshRun struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"request_id"`
	TenantKey   string     `json:"tenant_key"`
	Finished    bool       `json:"finished"`
	Warmup      bool       `json:"warmup,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
