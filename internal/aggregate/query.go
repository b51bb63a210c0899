package aggregate

import (
	"encoding/json"
	"sort"
)

// QueryStats holds the accumulated totals of one query statement within
// one aggregate bucket.
type QueryStats struct {
	QueryType      string `json:"queryType"`
	QueryText      string `json:"queryText"`
	TotalMicros    int64  `json:"totalMicros"`
	ExecutionCount int64  `json:"executionCount"`
	TotalRows      int64  `json:"totalRows"`
}

// QueryAggregate carries the per-statement stats of one rollup bucket.
// Same rollup semantics as Aggregate, specialized to query statements.
type QueryAggregate struct {
	TransactionType string
	TransactionName string // empty for overall
	CaptureTime     int64
	Queries         []QueryStats
}

// MergeQueries folds many query aggregates into per-statement totals,
// grouped by query type. Statements are matched by (type, text) and their
// totals summed. Each type's statements are ordered by total duration
// descending and truncated to maxPerType; truncation is reported so
// callers can surface that more statements existed.
func MergeQueries(aggs []QueryAggregate, maxPerType int) (map[string][]QueryStats, bool) {
	type key struct {
		queryType string
		queryText string
	}
	merged := make(map[key]*QueryStats)
	for _, agg := range aggs {
		for _, q := range agg.Queries {
			k := key{q.QueryType, q.QueryText}
			if existing, ok := merged[k]; ok {
				existing.TotalMicros += q.TotalMicros
				existing.ExecutionCount += q.ExecutionCount
				existing.TotalRows += q.TotalRows
				continue
			}
			copied := q
			merged[k] = &copied
		}
	}

	byType := make(map[string][]QueryStats)
	for k, q := range merged {
		byType[k.queryType] = append(byType[k.queryType], *q)
	}

	truncated := false
	for queryType, queries := range byType {
		sort.Slice(queries, func(i, j int) bool {
			if queries[i].TotalMicros != queries[j].TotalMicros {
				return queries[i].TotalMicros > queries[j].TotalMicros
			}
			return queries[i].QueryText < queries[j].QueryText
		})
		if maxPerType > 0 && len(queries) > maxPerType {
			queries = queries[:maxPerType]
			truncated = true
		}
		byType[queryType] = queries
	}
	return byType, truncated
}

// mergeQueryStats folds src statements into dst, matching by (type, text).
// Used by the rollup accumulator; unlike MergeQueries, no ordering or
// truncation is applied until the bucket is emitted.
func mergeQueryStats(dst []QueryStats, src []QueryStats) []QueryStats {
	type key struct {
		queryType string
		queryText string
	}
	index := make(map[key]int, len(dst))
	for i, q := range dst {
		index[key{q.QueryType, q.QueryText}] = i
	}
	for _, q := range src {
		k := key{q.QueryType, q.QueryText}
		if i, ok := index[k]; ok {
			dst[i].TotalMicros += q.TotalMicros
			dst[i].ExecutionCount += q.ExecutionCount
			dst[i].TotalRows += q.TotalRows
			continue
		}
		index[k] = len(dst)
		dst = append(dst, q)
	}
	return dst
}

// EncodeQueries serializes query statement stats for column storage.
func EncodeQueries(queries []QueryStats) ([]byte, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	return json.Marshal(queries)
}

// DecodeQueries deserializes query statement stats from column storage.
func DecodeQueries(data []byte) ([]QueryStats, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var queries []QueryStats
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, err
	}
	return queries, nil
}
