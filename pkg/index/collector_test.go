package index

import (
	"testing"

	"github.com/nsdb-io/nsdb/pkg/model"
)

func TestTagCollector(t *testing.T) {
	c := NewTagCollector("city")
	for _, b := range []*model.Bit{
		person(10, "A", 1, "X", 1),
		person(20, "B", 2, "X", 2),
		person(30, "C", 3, "X", 3),
		person(40, "D", 4, "Y", 4),
		person(50, "E", 5, "Y", 5),
	} {
		c.Collect(b)
	}

	partials := c.Partials()
	if len(partials) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(partials))
	}
	byKey := map[string]*Partial{}
	for _, p := range partials {
		byKey[p.Key.Str] = p
	}
	if byKey["X"].Count != 3 || byKey["Y"].Count != 2 {
		t.Fatalf("unexpected counts: X=%d Y=%d", byKey["X"].Count, byKey["Y"].Count)
	}
	sum, err := byKey["X"].Finalize(AggSum)
	if err != nil || sum.Int != 6 {
		t.Fatalf("sum(X) = %v, %v", sum, err)
	}
}

func TestTemporalCollectorBuckets(t *testing.T) {
	c := NewTemporalCollector(60)
	for _, ts := range []int64{0, 30, 60, 90} {
		c.Collect(&model.Bit{Timestamp: ts, Value: model.IntValue(ts)})
	}
	partials := c.Partials()
	if len(partials) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(partials))
	}
	if partials[0].Key.Int != 0 || partials[1].Key.Int != 60 {
		t.Fatalf("unexpected bucket keys: %v, %v", partials[0].Key, partials[1].Key)
	}
	avg, err := partials[0].Finalize(AggAvg)
	if err != nil || avg.AsFloat() != 15 {
		t.Fatalf("avg(bucket 0) = %v, %v", avg, err)
	}
	avg, err = partials[1].Finalize(AggAvg)
	if err != nil || avg.AsFloat() != 75 {
		t.Fatalf("avg(bucket 60) = %v, %v", avg, err)
	}
}

func TestNegativeTimestampBucket(t *testing.T) {
	if got := bucketStart(-1, 60); got != -60 {
		t.Errorf("bucketStart(-1, 60) = %d, want -60", got)
	}
	if got := bucketStart(-60, 60); got != -60 {
		t.Errorf("bucketStart(-60, 60) = %d, want -60", got)
	}
	if got := bucketStart(61, 60); got != 60 {
		t.Errorf("bucketStart(61, 60) = %d, want 60", got)
	}
}

// Partitioned aggregation followed by a merge must equal single-pass
// aggregation over the union.
func TestMergeLaw(t *testing.T) {
	bits := []*model.Bit{
		person(10, "A", 1, "X", 5),
		person(20, "B", 2, "Y", 7),
		person(30, "C", 3, "X", 1),
		person(40, "D", 4, "Y", 9),
		person(50, "E", 5, "X", 3),
	}

	single := NewTagCollector("city")
	for _, b := range bits {
		single.Collect(b)
	}

	left, right := NewTagCollector("city"), NewTagCollector("city")
	for i, b := range bits {
		if i%2 == 0 {
			left.Collect(b)
		} else {
			right.Collect(b)
		}
	}
	left.Merge(right)

	for _, agg := range []AggregateFunc{AggCount, AggSum, AggMin, AggMax, AggFirst, AggLast, AggAvg} {
		want, got := single.Partials(), left.Partials()
		if len(want) != len(got) {
			t.Fatalf("group count mismatch: %d vs %d", len(want), len(got))
		}
		for i := range want {
			w, err1 := want[i].Finalize(agg)
			g, err2 := got[i].Finalize(agg)
			if err1 != nil || err2 != nil {
				t.Fatalf("%s: finalize errors: %v, %v", agg, err1, err2)
			}
			if model.Compare(w, g) != model.Equal {
				t.Errorf("%s group %s: single-pass %v != merged %v", agg, want[i].Key, w, g)
			}
		}
	}
}
