// Package shard maps metrics to time-range locations and routes reads
// and writes to the shards whose intervals are relevant.
package shard

import (
	"sort"
	"sync"

	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

// Router maintains, per metric, the ordered set of locations on this
// node. Locations are allocated lazily on first write to an interval and
// seeded from the on-disk index tree at startup.
type Router struct {
	node     string
	interval int64 // shard window in ms

	mu        sync.Mutex
	locations map[string][]model.Location
}

// NewRouter creates a router for the given node with the configured
// shard window.
func NewRouter(node string, intervalMS int64) *Router {
	if intervalMS <= 0 {
		intervalMS = 1
	}
	return &Router{
		node:      node,
		interval:  intervalMS,
		locations: make(map[string][]model.Location),
	}
}

// Seed registers a location discovered on disk.
func (r *Router) Seed(loc model.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(loc)
}

// WriteLocation returns the location whose interval covers ts, creating
// it aligned to the shard window when absent.
func (r *Router) WriteLocation(metric string, ts int64) model.Location {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, loc := range r.locations[metric] {
		if loc.Contains(ts) {
			return loc
		}
	}
	from := alignDown(ts, r.interval)
	loc := model.Location{Metric: metric, Node: r.node, From: from, To: from + r.interval - 1}
	r.insert(loc)
	return loc
}

// ReadLocations returns the locations whose interval intersects the
// timestamp range derivable from the condition. A condition without a
// timestamp bound selects every location.
func (r *Router) ReadLocations(metric string, cond statement.Expression, now int64) []model.Location {
	lo, hi := TimeBounds(cond, now)

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Location
	for _, loc := range r.locations[metric] {
		if loc.Overlaps(lo, hi) {
			out = append(out, loc)
		}
	}
	return out
}

// Locations returns every location of a metric, ordered by start time.
func (r *Router) Locations(metric string) []model.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Location, len(r.locations[metric]))
	copy(out, r.locations[metric])
	return out
}

// Metrics lists every metric with at least one location, sorted.
func (r *Router) Metrics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.locations))
	for metric := range r.locations {
		out = append(out, metric)
	}
	sort.Strings(out)
	return out
}

// DropMetric forgets every location of a metric.
func (r *Router) DropMetric(metric string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locations, metric)
}

func (r *Router) insert(loc model.Location) {
	locs := r.locations[loc.Metric]
	for _, existing := range locs {
		if existing.From == loc.From && existing.To == loc.To {
			return
		}
	}
	locs = append(locs, loc)
	sort.Slice(locs, func(i, j int) bool { return locs[i].From < locs[j].From })
	r.locations[loc.Metric] = locs
}

// alignDown floors ts to a multiple of the window, correct for negative
// timestamps.
func alignDown(ts, window int64) int64 {
	aligned := ts / window
	if ts%window < 0 {
		aligned--
	}
	return aligned * window
}
