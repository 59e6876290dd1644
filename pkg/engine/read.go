package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/nsdb-io/nsdb/pkg/index"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/planner"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

// SelectStatementExecuted carries the merged result set of a SELECT.
type SelectStatementExecuted struct {
	Metric string      `json:"metric"`
	Values []model.Bit `json:"values"`
}

// SelectStatementFailed is the wire shape of a failed SELECT.
type SelectStatementFailed struct {
	Metric string `json:"metric"`
	Reason string `json:"reason"`
}

// ExecuteSelect plans the statement once, fans it out to every relevant
// shard, and merges the partial results under the global ordering and
// limit.
func (e *Engine) ExecuteSelect(ctx context.Context, stmt *statement.SelectStatement) (*SelectStatementExecuted, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	ns, err := e.namespace(stmt.DB, stmt.Namespace, false)
	if err != nil {
		return nil, err
	}
	sch, ok := ns.schemas.Get(stmt.Metric)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, stmt.Metric)
	}

	now := e.clk.Now().UnixMilli()
	plan, err := planner.Plan(stmt, sch, now, e.cfg.QueryDefaultLimit)
	if err != nil {
		return nil, err
	}
	locs := ns.router.ReadLocations(stmt.Metric, stmt.Condition, now)
	if len(locs) == 0 {
		return &SelectStatementExecuted{Metric: stmt.Metric}, nil
	}

	var values []model.Bit
	if plan.Aggregation != nil {
		values, err = e.runAggregated(ctx, ns, stmt.Metric, plan, locs)
	} else {
		values, err = e.runSimple(ctx, ns, stmt.Metric, plan, locs)
	}
	if err != nil {
		return nil, err
	}
	return &SelectStatementExecuted{Metric: stmt.Metric, Values: values}, nil
}

type shardResult struct {
	bits      []model.Bit
	collector *index.Collector
	err       error
}

// queryShard runs the physical query against one location.
func (e *Engine) queryShard(ns *namespaceState, metric string, loc model.Location, plan *planner.PhysicalQuery, perShardLimit int) shardResult {
	sh, err := e.openShard(ns, metric, loc)
	if err != nil {
		return shardResult{err: err}
	}
	searcher := sh.idx.Searcher()
	defer sh.idx.ReleaseSearcher(searcher)

	if plan.Aggregation != nil {
		c := plan.Aggregation.NewCollector()
		if err := searcher.QueryWithCollector(plan.Query, c); err != nil {
			return shardResult{err: &IndexIOError{Op: "query", Err: err}}
		}
		return shardResult{collector: c}
	}
	bits, err := searcher.Query(plan.Query, perShardLimit, plan.Sort)
	if err != nil {
		return shardResult{err: &IndexIOError{Op: "query", Err: err}}
	}
	return shardResult{bits: bits}
}

// runSimple executes a non-aggregated plan. When ordering by timestamp
// over time-disjoint shards the scan walks the shards in time order and
// short-circuits once the limit is reached; otherwise every shard
// returns up to limit candidates so that the global top-K is correct.
func (e *Engine) runSimple(ctx context.Context, ns *namespaceState, metric string, plan *planner.PhysicalQuery, locs []model.Location) ([]model.Bit, error) {
	var merged []model.Bit

	if plan.Sort != nil && plan.Sort.Field == model.FieldTimestamp && plan.Limit > 0 {
		ordered := make([]model.Location, len(locs))
		copy(ordered, locs)
		sort.Slice(ordered, func(i, j int) bool {
			if plan.Sort.Descending {
				return ordered[i].From > ordered[j].From
			}
			return ordered[i].From < ordered[j].From
		})
		for _, loc := range ordered {
			if err := ctx.Err(); err != nil {
				return nil, ErrTimeout
			}
			res := e.queryShard(ns, metric, loc, plan, plan.Limit)
			if res.err != nil {
				return nil, res.err
			}
			merged = append(merged, res.bits...)
			if len(merged) >= plan.Limit {
				break
			}
		}
	} else {
		results := make(chan shardResult, len(locs))
		for _, loc := range locs {
			go func(loc model.Location) {
				results <- e.queryShard(ns, metric, loc, plan, plan.Limit)
			}(loc)
		}
		for range locs {
			select {
			case res := <-results:
				if res.err != nil {
					return nil, res.err
				}
				merged = append(merged, res.bits...)
			case <-ctx.Done():
				// In-flight shard queries run to completion on their own;
				// the caller just stops waiting.
				return nil, ErrTimeout
			}
		}
	}

	if plan.Sort != nil {
		index.SortBits(merged, plan.Sort)
	}
	merged = projectBits(merged, plan.Fields)
	if plan.Distinct {
		merged = dedupBits(merged)
	}
	if plan.Limit > 0 && len(merged) > plan.Limit {
		merged = merged[:plan.Limit]
	}
	return merged, nil
}

// runAggregated executes an aggregated plan: per-shard collectors merged
// group by group, finalized after the merge.
func (e *Engine) runAggregated(ctx context.Context, ns *namespaceState, metric string, plan *planner.PhysicalQuery, locs []model.Location) ([]model.Bit, error) {
	results := make(chan shardResult, len(locs))
	for _, loc := range locs {
		go func(loc model.Location) {
			results <- e.queryShard(ns, metric, loc, plan, 0)
		}(loc)
	}

	merged := plan.Aggregation.NewCollector()
	for range locs {
		select {
		case res := <-results:
			if res.err != nil {
				return nil, res.err
			}
			merged.Merge(res.collector)
		case <-ctx.Done():
			return nil, ErrTimeout
		}
	}

	bits := make([]model.Bit, 0, len(merged.Partials()))
	for _, p := range merged.Partials() {
		if p.Count == 0 {
			continue
		}
		v, err := p.Finalize(plan.Aggregation.Agg)
		if err != nil {
			return nil, &InternalError{Msg: err.Error()}
		}
		b := model.Bit{Value: v}
		switch {
		case plan.Aggregation.GroupTag != "":
			b.Tags = map[string]model.Value{plan.Aggregation.GroupTag: p.Key}
			if p.Last != nil {
				b.Timestamp = p.Last.Timestamp
			}
		case plan.Aggregation.Interval > 0:
			b.Timestamp = p.Key.Int
		}
		bits = append(bits, b)
	}

	if plan.Sort != nil {
		index.SortBits(bits, plan.Sort)
	}
	if plan.Limit > 0 && len(bits) > plan.Limit {
		bits = bits[:plan.Limit]
	}
	return bits, nil
}

// projectBits keeps only the selected dimensions and tags. Timestamp and
// value always survive projection.
func projectBits(bits []model.Bit, fields []string) []model.Bit {
	if fields == nil {
		return bits
	}
	selected := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		selected[f] = struct{}{}
	}
	out := make([]model.Bit, 0, len(bits))
	for _, b := range bits {
		projected := model.Bit{Timestamp: b.Timestamp, Value: b.Value}
		for name, v := range b.Dimensions {
			if _, ok := selected[name]; ok {
				if projected.Dimensions == nil {
					projected.Dimensions = make(map[string]model.Value)
				}
				projected.Dimensions[name] = v
			}
		}
		for name, v := range b.Tags {
			if _, ok := selected[name]; ok {
				if projected.Tags == nil {
					projected.Tags = make(map[string]model.Value)
				}
				projected.Tags[name] = v
			}
		}
		out = append(out, projected)
	}
	return out
}

func dedupBits(bits []model.Bit) []model.Bit {
	seen := make(map[uint64]struct{}, len(bits))
	out := bits[:0]
	for i := range bits {
		uid := bits[i].UID()
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, bits[i])
	}
	return out
}

// GetSchema returns the schema of a metric.
func (e *Engine) GetSchema(db, namespace, metric string) (*model.Schema, error) {
	ns, err := e.namespace(db, namespace, false)
	if err != nil {
		return nil, err
	}
	sch, ok := ns.schemas.Get(metric)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	return sch, nil
}

// GetMetrics lists the metrics of a namespace.
func (e *Engine) GetMetrics(db, namespace string) ([]string, error) {
	ns, err := e.namespace(db, namespace, false)
	if err != nil {
		return nil, err
	}
	return ns.schemas.Metrics(), nil
}

// GetCount counts every stored record of a metric across its shards.
func (e *Engine) GetCount(ctx context.Context, db, namespace, metric string) (int, error) {
	ns, err := e.namespace(db, namespace, false)
	if err != nil {
		return 0, err
	}
	if _, ok := ns.schemas.Get(metric); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	total := 0
	for _, loc := range ns.router.Locations(metric) {
		if err := ctx.Err(); err != nil {
			return 0, ErrTimeout
		}
		sh, err := e.openShard(ns, metric, loc)
		if err != nil {
			return 0, err
		}
		searcher := sh.idx.Searcher()
		n, err := searcher.Count(index.AllQuery{})
		sh.idx.ReleaseSearcher(searcher)
		if err != nil {
			return 0, &IndexIOError{Op: "count", Err: err}
		}
		total += n
	}
	return total, nil
}
