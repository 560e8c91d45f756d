package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/me/rollupd/pkg/model"
)

// hashKey derives a stable cache key from a namespace and JSON-encodable parts.
func hashKey(namespace string, parts ...any) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, p := range parts {
		_ = enc.Encode(p)
	}
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}

type partitionKey struct {
	TableName string
	LoadSQL   model.SQLQuery
	External  bool
}

// fetchKey identifies work that can be shared between identical requests.
func fetchKey(q *model.QueryDescriptor) string {
	parts := make([]partitionKey, len(q.PreAggregations))
	for i, p := range q.PreAggregations {
		parts[i] = partitionKey{TableName: p.TableName, LoadSQL: p.LoadSQL, External: p.External}
	}
	return hashKey("fetch", q.DataSourceOrDefault(), q.Query, q.CacheKeyQueries, parts,
		q.RenewQuery, q.ForceBuildPreAggregations)
}

// lastResultKey addresses the newest result of a query independent of its
// refresh keys.
func lastResultKey(q *model.QueryDescriptor) string {
	return hashKey("last", q.DataSourceOrDefault(), q.Query)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
