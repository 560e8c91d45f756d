package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/me/rollupd/pkg/model"
)

// queryLoader returns the cascaded partition lists of one pre-aggregation in
// one timezone, oldest first. Each list holds every dependency-stage
// partition followed by one final-stage partition.
type queryLoader func(ctx context.Context, preAggregationIndex int, timezone string) ([][]model.Partition, error)

// queryMemo shares loaded partition lists between the workers of one run.
// Failed loads are not remembered.
type queryMemo struct {
	group singleflight.Group

	mu      sync.Mutex
	entries map[string][][]model.Partition
}

func newQueryMemo() *queryMemo {
	return &queryMemo{entries: make(map[string][][]model.Partition)}
}

func (m *queryMemo) wrap(load queryLoader) queryLoader {
	return func(ctx context.Context, pi int, tz string) ([][]model.Partition, error) {
		key := fmt.Sprintf("%d_%s", pi, tz)
		m.mu.Lock()
		queries, ok := m.entries[key]
		m.mu.Unlock()
		if ok {
			return queries, nil
		}

		v, err, _ := m.group.Do(key, func() (any, error) {
			m.mu.Lock()
			queries, ok := m.entries[key]
			m.mu.Unlock()
			if ok {
				return queries, nil
			}
			queries, err := load(ctx, pi, tz)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.entries[key] = queries
			m.mu.Unlock()
			return queries, nil
		})
		if err != nil {
			return nil, err
		}
		return v.([][]model.Partition), nil
	}
}

// cascade turns grouped partitions into one list per final-stage partition,
// each prefixed with every earlier-stage partition.
func cascade(grouped [][]model.Partition) [][]model.Partition {
	if len(grouped) == 0 {
		return nil
	}
	var deps []model.Partition
	for _, g := range grouped[:len(grouped)-1] {
		deps = append(deps, g...)
	}
	last := grouped[len(grouped)-1]
	out := make([][]model.Partition, 0, len(last))
	for _, p := range last {
		q := make([]model.Partition, 0, len(deps)+1)
		q = append(q, deps...)
		q = append(q, p)
		out = append(out, q)
	}
	return out
}

// QueryIterator walks (pre-aggregation, timezone, depth) space breadth
// first: every pre-aggregation, then every timezone, before moving one
// partition further into the past. It is owned by a single worker.
type QueryIterator struct {
	preAggregations []model.PreAggregation
	timezones       []string
	requestID       string
	warmup          bool
	load            queryLoader
	cursor          model.WorkerCursor
}

func newQueryIterator(pas []model.PreAggregation, timezones []string, requestID string, warmup bool, load queryLoader) *QueryIterator {
	it := &QueryIterator{
		preAggregations: pas,
		timezones:       timezones,
		requestID:       requestID,
		warmup:          warmup,
		load:            load,
		cursor:          model.WorkerCursor{Finished: make(map[string]bool)},
	}
	for pi := range pas {
		for ti := range timezones {
			it.cursor.Finished[model.PairKey(pi, ti)] = false
		}
	}
	return it
}

// restore replaces the cursor with a saved one. It refuses cursors whose
// pairs no longer match the current pre-aggregation and timezone layout.
func (it *QueryIterator) restore(c model.WorkerCursor) bool {
	if len(c.Finished) != len(it.cursor.Finished) {
		return false
	}
	for k := range it.cursor.Finished {
		if _, ok := c.Finished[k]; !ok {
			return false
		}
	}
	if c.PreAggregationCursor >= len(it.preAggregations) || c.TimezoneCursor >= len(it.timezones) {
		return false
	}
	it.cursor = c.Clone()
	return true
}

// Cursor returns a snapshot of the iterator position.
func (it *QueryIterator) Cursor() model.WorkerCursor {
	return it.cursor.Clone()
}

// PartitionCounter is the number of units of work produced so far. It is 0
// at the initial position and 1 after the first productive advance.
func (it *QueryIterator) PartitionCounter() int {
	return it.cursor.PartitionCounter
}

// Advance moves to the next position that produces work. It returns false
// once every (pre-aggregation, timezone) pair is finished.
func (it *QueryIterator) Advance(ctx context.Context) (bool, error) {
	for !it.cursor.AllFinished() {
		ok, err := it.step(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// step advances by one position. On failure the cursor is rolled back.
func (it *QueryIterator) step(ctx context.Context) (bool, error) {
	prev := it.cursor
	c := &it.cursor

	c.PreAggregationCursor++
	if c.PreAggregationCursor >= len(it.preAggregations) {
		c.PreAggregationCursor = 0
		c.TimezoneCursor++
	}
	if c.TimezoneCursor >= len(it.timezones) {
		c.TimezoneCursor = 0
		c.PartitionCursor++
	}

	queries, err := it.load(ctx, c.PreAggregationCursor, it.timezones[c.TimezoneCursor])
	if err != nil {
		it.cursor = prev
		return false, err
	}
	if c.PartitionCursor < len(queries) {
		c.PartitionCounter++
		return true, nil
	}
	c.Finished[model.PairKey(c.PreAggregationCursor, c.TimezoneCursor)] = true
	return false, nil
}

// Current returns the query for the current position, or nil when the
// position has no partition. Older partitions get a lower priority.
func (it *QueryIterator) Current(ctx context.Context) (*model.QueryDescriptor, error) {
	c := it.cursor
	if c.PreAggregationCursor >= len(it.preAggregations) || len(it.timezones) == 0 {
		return nil, nil
	}
	tz := it.timezones[c.TimezoneCursor]
	queries, err := it.load(ctx, c.PreAggregationCursor, tz)
	if err != nil {
		return nil, err
	}
	if c.PartitionCursor >= len(queries) {
		return nil, nil
	}

	queryCursor := len(queries) - 1 - c.PartitionCursor
	priority := queryCursor - len(queries)
	if it.warmup {
		priority = 1
	}
	partitions := make([]model.Partition, len(queries[queryCursor]))
	for i, p := range queries[queryCursor] {
		p.Priority = priority
		partitions[i] = p
	}

	return &model.QueryDescriptor{
		RequestID:        it.requestID,
		DataSource:       partitions[len(partitions)-1].DataSource,
		Timezone:         tz,
		PreAggregations:  partitions,
		ContinueWait:     true,
		RenewQuery:       true,
		ScheduledRefresh: true,
	}, nil
}
