package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is a time-range partition (shard) of a metric's storage on a
// single node. From and To are milliseconds since epoch, both inclusive.
type Location struct {
	Metric string `json:"metric"`
	Node   string `json:"node"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
}

// ID is the on-disk directory name of the shard.
func (l Location) ID() string {
	return fmt.Sprintf("%d_%d", l.From, l.To)
}

// Contains reports whether the timestamp falls inside the shard interval.
func (l Location) Contains(ts int64) bool {
	return ts >= l.From && ts <= l.To
}

// Overlaps reports whether the shard interval intersects [from, to].
func (l Location) Overlaps(from, to int64) bool {
	return l.From <= to && from <= l.To
}

// ParseLocationID parses a "<from>_<to>" directory name back into the
// shard bounds.
func ParseLocationID(id string) (from, to int64, err error) {
	// from may be negative, so split on the last underscore.
	sep := strings.LastIndex(id, "_")
	if sep <= 0 {
		return 0, 0, fmt.Errorf("malformed location id %q", id)
	}
	from, err = strconv.ParseInt(id[:sep], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed location id %q: %w", id, err)
	}
	to, err = strconv.ParseInt(id[sep+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed location id %q: %w", id, err)
	}
	return from, to, nil
}
