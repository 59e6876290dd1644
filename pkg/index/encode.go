package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// Key layout inside a shard's store:
//
//	d<uid>                     -> JSON-encoded record
//	p<field>\x00<sortkey><uid> -> nil (one posting per indexed field)
//
// Postings cover every field: dimensions, tags, timestamp, and value,
// so term and range scans never touch documents until the final load.
const (
	prefixDoc     byte = 'd'
	prefixPosting byte = 'p'
)

func docKey(uid uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixDoc
	binary.BigEndian.PutUint64(key[1:], uid)
	return key
}

func docUID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:9])
}

// fieldPrefix is the common prefix of every posting of one field.
func fieldPrefix(field string) []byte {
	prefix := make([]byte, 0, 2+len(field))
	prefix = append(prefix, prefixPosting)
	prefix = append(prefix, field...)
	prefix = append(prefix, 0)
	return prefix
}

func postingKey(field string, value model.Value, uid uint64) []byte {
	prefix := fieldPrefix(field)
	sort := value.SortKey()
	key := make([]byte, 0, len(prefix)+len(sort)+8)
	key = append(key, prefix...)
	key = append(key, sort...)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uid)
	return append(key, id[:]...)
}

// postingTerm slices the sort-key bytes out of a posting key.
func postingTerm(key []byte, prefixLen int) []byte {
	return key[prefixLen : len(key)-8]
}

func postingUID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// indexedFields returns every (field, value) pair a record contributes
// postings for.
func indexedFields(b *model.Bit) map[string]model.Value {
	fields := b.Fields()
	fields[model.FieldTimestamp] = model.IntValue(b.Timestamp)
	fields[model.FieldValue] = b.Value
	return fields
}

func encodeBit(b *model.Bit) ([]byte, error) {
	return json.Marshal(b)
}

func decodeBit(data []byte) (*model.Bit, error) {
	var b model.Bit
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("corrupt document: %w", err)
	}
	return &b, nil
}
