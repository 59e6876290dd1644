package index

import (
	"fmt"
	"sort"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// AggregateFunc names an aggregate computed by a collector.
type AggregateFunc int

const (
	AggCount AggregateFunc = iota
	AggSum
	AggMin
	AggMax
	AggFirst
	AggLast
	AggAvg // derived: count and sum combined at finalize
)

// String returns the aggregate name.
func (a AggregateFunc) String() string {
	switch a {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggAvg:
		return "avg"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Partial is the mergeable per-group aggregation state. It carries every
// primary aggregate so that partials from different shards merge without
// knowing which aggregate the query asked for.
type Partial struct {
	Key   model.Value // group key: tag value, or bucket start for temporal groups
	Count int64
	Sum   model.Value
	Min   model.Value
	Max   model.Value
	First *model.Bit
	Last  *model.Bit

	firstSeq uint64
	lastSeq  uint64
}

// Collector accumulates records into per-group partials. A collector
// groups by a tag, by temporal buckets of the timestamp, or globally.
type Collector struct {
	tag      string // tag to group by; empty for global and temporal collectors
	interval int64  // temporal bucket width in ms; 0 otherwise
	groups   map[string]*Partial
	seq      uint64
}

// NewGlobalCollector aggregates every record into one group.
func NewGlobalCollector() *Collector {
	return &Collector{groups: make(map[string]*Partial)}
}

// NewTagCollector buckets records by the value of one tag. Records
// without the tag are skipped.
func NewTagCollector(tag string) *Collector {
	return &Collector{tag: tag, groups: make(map[string]*Partial)}
}

// NewTemporalCollector buckets records by timestamp floored to multiples
// of interval milliseconds.
func NewTemporalCollector(interval int64) *Collector {
	return &Collector{interval: interval, groups: make(map[string]*Partial)}
}

// Collect folds one record into its group.
func (c *Collector) Collect(b *model.Bit) {
	var key model.Value
	switch {
	case c.tag != "":
		v, ok := b.Tags[c.tag]
		if !ok {
			return
		}
		key = v
	case c.interval > 0:
		key = model.IntValue(bucketStart(b.Timestamp, c.interval))
	default:
		key = model.IntValue(0)
	}

	c.seq++
	mapKey := string(key.SortKey())
	p, ok := c.groups[mapKey]
	if !ok {
		p = &Partial{Key: key}
		c.groups[mapKey] = p
	}
	p.fold(b, c.seq)
}

func (p *Partial) fold(b *model.Bit, seq uint64) {
	p.Count++
	if p.Count == 1 {
		p.Sum, p.Min, p.Max = b.Value, b.Value, b.Value
	} else {
		if sum, err := model.Add(p.Sum, b.Value); err == nil {
			p.Sum = sum
		}
		if model.Compare(b.Value, p.Min) == model.Less {
			p.Min = b.Value
		}
		if model.Compare(b.Value, p.Max) == model.Greater {
			p.Max = b.Value
		}
	}
	if p.First == nil || b.Timestamp < p.First.Timestamp {
		p.First, p.firstSeq = b, seq
	}
	if p.Last == nil || b.Timestamp > p.Last.Timestamp ||
		(b.Timestamp == p.Last.Timestamp && seq > p.lastSeq) {
		p.Last, p.lastSeq = b, seq
	}
}

// Merge folds another collector's partials into c, group by group.
// Merging is associative and commutative except for first/last ties,
// which break by timestamp then arrival order.
func (c *Collector) Merge(other *Collector) {
	for key, op := range other.groups {
		p, ok := c.groups[key]
		if !ok {
			c.groups[key] = op
			continue
		}
		p.merge(op)
	}
}

func (p *Partial) merge(o *Partial) {
	if o.Count == 0 {
		return
	}
	if p.Count == 0 {
		*p = *o
		return
	}
	p.Count += o.Count
	if sum, err := model.Add(p.Sum, o.Sum); err == nil {
		p.Sum = sum
	}
	if model.Compare(o.Min, p.Min) == model.Less {
		p.Min = o.Min
	}
	if model.Compare(o.Max, p.Max) == model.Greater {
		p.Max = o.Max
	}
	if o.First != nil && (p.First == nil || o.First.Timestamp < p.First.Timestamp) {
		p.First, p.firstSeq = o.First, o.firstSeq
	}
	if o.Last != nil && (p.Last == nil || o.Last.Timestamp >= p.Last.Timestamp) {
		p.Last, p.lastSeq = o.Last, o.lastSeq
	}
}

// Partials returns the groups ordered by key.
func (c *Collector) Partials() []*Partial {
	keys := make([]string, 0, len(c.groups))
	for key := range c.groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*Partial, len(keys))
	for i, key := range keys {
		out[i] = c.groups[key]
	}
	return out
}

// Finalize computes the requested aggregate from the merged partial.
func (p *Partial) Finalize(agg AggregateFunc) (model.Value, error) {
	switch agg {
	case AggCount:
		return model.IntValue(p.Count), nil
	case AggSum:
		return p.Sum, nil
	case AggMin:
		return p.Min, nil
	case AggMax:
		return p.Max, nil
	case AggFirst:
		if p.First == nil {
			return model.Value{}, fmt.Errorf("empty group has no first value")
		}
		return p.First.Value, nil
	case AggLast:
		if p.Last == nil {
			return model.Value{}, fmt.Errorf("empty group has no last value")
		}
		return p.Last.Value, nil
	case AggAvg:
		return model.Div(p.Sum, p.Count)
	default:
		return model.Value{}, fmt.Errorf("unknown aggregate %d", int(agg))
	}
}

// bucketStart floors ts to a multiple of interval, correct for negative
// timestamps too.
func bucketStart(ts, interval int64) int64 {
	bucket := ts / interval
	if ts%interval < 0 {
		bucket--
	}
	return bucket * interval
}
