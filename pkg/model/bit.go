package model

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
)

// Reserved field names. Every record carries both; neither may be used as
// a dimension or tag name.
const (
	FieldTimestamp = "timestamp"
	FieldValue     = "value"
)

// Bit is a single time-stamped observation: a numeric value plus indexed
// dimensions and groupable tags.
type Bit struct {
	Timestamp  int64            `json:"timestamp"`
	Value      Value            `json:"value"`
	Dimensions map[string]Value `json:"dimensions,omitempty"`
	Tags       map[string]Value `json:"tags,omitempty"`
}

// Fields merges dimensions and tags into one map. Tag and dimension names
// never collide in a valid record.
func (b *Bit) Fields() map[string]Value {
	out := make(map[string]Value, len(b.Dimensions)+len(b.Tags))
	for k, v := range b.Dimensions {
		out[k] = v
	}
	for k, v := range b.Tags {
		out[k] = v
	}
	return out
}

// FieldNames returns the merged field names in sorted order.
func (b *Bit) FieldNames() []string {
	names := make([]string, 0, len(b.Dimensions)+len(b.Tags))
	for k := range b.Dimensions {
		names = append(names, k)
	}
	for k := range b.Tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// UID hashes the record identity: timestamp, value, and the full field
// set. Two records with identical content share a UID, which makes write
// replay idempotent and lets delete-by-record remove every exact match.
func (b *Bit) UID() uint64 {
	h := xxhash.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(b.Timestamp))
	_, _ = h.Write(ts[:])
	_, _ = h.Write(b.Value.SortKey())
	fields := b.Fields()
	for _, name := range b.FieldNames() {
		_, _ = h.WriteString(name)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(fields[name].SortKey())
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Validate checks the record before it is handed to an index writer.
// All problems are reported together.
func (b *Bit) Validate() error {
	var result *multierror.Error
	if !b.Value.Numeric() {
		result = multierror.Append(result, fmt.Errorf("value must be numeric, got %s", b.Value.Type))
	}
	check := func(kind string, fields map[string]Value) {
		for name := range fields {
			if name == "" {
				result = multierror.Append(result, fmt.Errorf("empty %s name", kind))
			}
			if name == FieldTimestamp || name == FieldValue {
				result = multierror.Append(result, fmt.Errorf("%s name %q is reserved", kind, name))
			}
		}
	}
	check("dimension", b.Dimensions)
	check("tag", b.Tags)
	for name := range b.Tags {
		if _, dup := b.Dimensions[name]; dup {
			result = multierror.Append(result, fmt.Errorf("field %q is both dimension and tag", name))
		}
	}
	return result.ErrorOrNil()
}
