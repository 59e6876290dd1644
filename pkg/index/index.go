// Package index implements the per-shard inverted index: typed postings
// over dimensions, tags, timestamp, and value on top of BadgerDB, with
// term, range, wildcard, existence, and boolean queries, sorted
// retrieval, and pluggable aggregating collectors.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// ErrWriterOpen is returned when a second writer is requested while one
// is still open.
var ErrWriterOpen = errors.New("index: writer already open")

// ErrWriterClosed is returned when a closed writer is used.
var ErrWriterClosed = errors.New("index: writer closed")

// Index is one metric shard's on-disk index. At most one writer may be
// open at a time; searchers are cached per generation and invalidated
// when a writer closes.
type Index struct {
	path string

	mu         sync.Mutex
	db         *badger.DB
	writer     *Writer
	generation uint64
	searcher   *Searcher
}

// Open opens (or creates) the index directory. An empty path opens an
// in-memory index for tests.
func Open(path string) (*Index, error) {
	opts := badger.DefaultOptions(path).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open index at %q: %w", path, err)
	}
	return &Index{path: path, db: db}, nil
}

// Path returns the index directory, empty for in-memory indices.
func (i *Index) Path() string { return i.path }

// Close closes the underlying store. Any open writer must be closed
// first.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.writer != nil {
		return ErrWriterOpen
	}
	i.searcher = nil
	return i.db.Close()
}

// DeleteAll removes every document and posting.
func (i *Index) DeleteAll() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.writer != nil {
		return ErrWriterOpen
	}
	if err := i.db.DropAll(); err != nil {
		return err
	}
	i.generation++
	i.searcher = nil
	return nil
}

// opKind orders the operations a writer buffers.
type opKind int

const (
	opWrite opKind = iota
	opDeleteBit
	opDeleteQuery
)

type writeOp struct {
	kind  opKind
	bit   *model.Bit
	query Query
}

// Writer buffers writes and deletes and applies them in order inside a
// single store transaction on Flush.
type Writer struct {
	idx    *Index
	ops    []writeOp
	closed bool
}

// OpenWriter claims the index's single writer slot.
func (i *Index) OpenWriter() (*Writer, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.writer != nil {
		return nil, ErrWriterOpen
	}
	w := &Writer{idx: i}
	i.writer = w
	return w, nil
}

// Write validates the record and schedules it for indexing. A validation
// failure is returned immediately and the record is not scheduled.
func (w *Writer) Write(b *model.Bit) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	w.ops = append(w.ops, writeOp{kind: opWrite, bit: b})
	return nil
}

// DeleteBit schedules deletion of every record exactly matching b's
// identity (timestamp plus full field set).
func (w *Writer) DeleteBit(b *model.Bit) error {
	if w.closed {
		return ErrWriterClosed
	}
	w.ops = append(w.ops, writeOp{kind: opDeleteBit, bit: b})
	return nil
}

// DeleteByQuery schedules mass deletion of every record matching q.
func (w *Writer) DeleteByQuery(q Query) error {
	if w.closed {
		return ErrWriterClosed
	}
	w.ops = append(w.ops, writeOp{kind: opDeleteQuery, query: q})
	return nil
}

// Flush applies the buffered operations in enqueue order inside one
// transaction and clears the buffer.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(w.ops) == 0 {
		return nil
	}
	err := w.idx.db.Update(func(txn *badger.Txn) error {
		for _, op := range w.ops {
			switch op.kind {
			case opWrite:
				if err := writeBit(txn, op.bit); err != nil {
					return err
				}
			case opDeleteBit:
				if err := deleteBit(txn, op.bit); err != nil {
					return err
				}
			case opDeleteQuery:
				if err := deleteByQuery(txn, op.query); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	w.ops = w.ops[:0]
	return nil
}

// Close releases the writer slot and invalidates every cached searcher,
// so the next searcher observes the flushed state.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.idx.mu.Lock()
	w.idx.writer = nil
	w.idx.generation++
	w.idx.searcher = nil
	w.idx.mu.Unlock()
}

func writeBit(txn *badger.Txn, b *model.Bit) error {
	uid := b.UID()
	doc, err := encodeBit(b)
	if err != nil {
		return err
	}
	if err := txn.Set(docKey(uid), doc); err != nil {
		return err
	}
	for field, value := range indexedFields(b) {
		if err := txn.Set(postingKey(field, value, uid), nil); err != nil {
			return err
		}
	}
	return nil
}

func deleteBit(txn *badger.Txn, b *model.Bit) error {
	uid := b.UID()
	if _, err := txn.Get(docKey(uid)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	if err := txn.Delete(docKey(uid)); err != nil {
		return err
	}
	for field, value := range indexedFields(b) {
		if err := txn.Delete(postingKey(field, value, uid)); err != nil {
			return err
		}
	}
	return nil
}

func deleteByQuery(txn *badger.Txn, q Query) error {
	uids, err := runQuery(txn, q)
	if err != nil {
		return err
	}
	for uid := range uids {
		b, err := loadBit(txn, uid)
		if err != nil {
			return err
		}
		if b == nil || !q.Matches(b) {
			continue
		}
		if err := deleteBit(txn, b); err != nil {
			return err
		}
	}
	return nil
}

// SortField describes the requested result order.
type SortField struct {
	Field      string
	Descending bool
}

// Searcher answers queries against the state of the most recent flush.
type Searcher struct {
	idx        *Index
	generation uint64
}

// Searcher returns the cached searcher for the current generation,
// creating it on first use after a flush.
func (i *Index) Searcher() *Searcher {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.searcher == nil {
		i.searcher = &Searcher{idx: i, generation: i.generation}
	}
	return i.searcher
}

// ReleaseSearcher drops the cached searcher if s is stale.
func (i *Index) ReleaseSearcher(s *Searcher) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.searcher == s && s.generation != i.generation {
		i.searcher = nil
	}
}

// Valid reports whether the searcher still reflects the latest flush.
func (s *Searcher) Valid() bool {
	s.idx.mu.Lock()
	defer s.idx.mu.Unlock()
	return s.generation == s.idx.generation
}

// Query returns the records matching q. With a sort it returns the
// top-limit records under that order; otherwise the first limit records
// in index order. limit <= 0 means no limit.
func (s *Searcher) Query(q Query, limit int, sortBy *SortField) ([]model.Bit, error) {
	var out []model.Bit
	err := s.idx.db.View(func(txn *badger.Txn) error {
		bits, err := matchingBits(txn, q)
		if err != nil {
			return err
		}
		out = bits
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sortBy != nil {
		SortBits(out, sortBy)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryWithCollector feeds every record matching q into the collector.
func (s *Searcher) QueryWithCollector(q Query, c *Collector) error {
	return s.idx.db.View(func(txn *badger.Txn) error {
		bits, err := matchingBits(txn, q)
		if err != nil {
			return err
		}
		for i := range bits {
			c.Collect(&bits[i])
		}
		return nil
	})
}

// Count returns the number of records matching q.
func (s *Searcher) Count(q Query) (int, error) {
	var n int
	err := s.idx.db.View(func(txn *badger.Txn) error {
		bits, err := matchingBits(txn, q)
		if err != nil {
			return err
		}
		n = len(bits)
		return nil
	})
	return n, err
}

// SortBits orders records by the sort field. Records missing the field
// or incomparable with the others sink to the end.
func SortBits(bits []model.Bit, sortBy *SortField) {
	sort.SliceStable(bits, func(i, j int) bool {
		a, aok := FieldValueOf(&bits[i], sortBy.Field)
		b, bok := FieldValueOf(&bits[j], sortBy.Field)
		if !aok || !bok {
			return aok && !bok
		}
		switch model.Compare(a, b) {
		case model.Less:
			return !sortBy.Descending
		case model.Greater:
			return sortBy.Descending
		default:
			return false
		}
	})
}

func matchingBits(txn *badger.Txn, q Query) ([]model.Bit, error) {
	uids, err := runQuery(txn, q)
	if err != nil {
		return nil, err
	}
	ordered := make([]uint64, 0, len(uids))
	for uid := range uids {
		ordered = append(ordered, uid)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var out []model.Bit
	for _, uid := range ordered {
		b, err := loadBit(txn, uid)
		if err != nil {
			return nil, err
		}
		// Candidate retrieval over-approximates; the decoded record decides.
		if b != nil && q.Matches(b) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func loadBit(txn *badger.Txn, uid uint64) (*model.Bit, error) {
	item, err := txn.Get(docKey(uid))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var b *model.Bit
	err = item.Value(func(val []byte) error {
		decoded, err := decodeBit(val)
		if err != nil {
			return err
		}
		b = decoded
		return nil
	})
	return b, err
}

// runQuery resolves the candidate document set for q through the
// postings.
func runQuery(txn *badger.Txn, q Query) (map[uint64]struct{}, error) {
	switch qt := q.(type) {
	case AllQuery:
		return allDocs(txn)
	case TermQuery:
		return termDocs(txn, qt.Field, qt.Value)
	case RangeQuery:
		return rangeDocs(txn, qt)
	case WildcardQuery:
		// All postings of the field; the exact pattern is applied on the
		// decoded records.
		return fieldDocs(txn, qt.Field)
	case ExistsQuery:
		return fieldDocs(txn, qt.Field)
	case NotQuery:
		all, err := allDocs(txn)
		if err != nil {
			return nil, err
		}
		inner, err := runQuery(txn, qt.Inner)
		if err != nil {
			return nil, err
		}
		for uid := range inner {
			delete(all, uid)
		}
		return all, nil
	case AndQuery:
		var acc map[uint64]struct{}
		for _, sub := range qt.Subs {
			uids, err := runQuery(txn, sub)
			if err != nil {
				return nil, err
			}
			if acc == nil {
				acc = uids
				continue
			}
			for uid := range acc {
				if _, ok := uids[uid]; !ok {
					delete(acc, uid)
				}
			}
		}
		if acc == nil {
			return allDocs(txn)
		}
		return acc, nil
	case OrQuery:
		acc := make(map[uint64]struct{})
		for _, sub := range qt.Subs {
			uids, err := runQuery(txn, sub)
			if err != nil {
				return nil, err
			}
			for uid := range uids {
				acc[uid] = struct{}{}
			}
		}
		return acc, nil
	default:
		return nil, fmt.Errorf("unknown query %T", q)
	}
}

func allDocs(txn *badger.Txn) (map[uint64]struct{}, error) {
	uids := make(map[uint64]struct{})
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte{prefixDoc}
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		uids[docUID(it.Item().Key())] = struct{}{}
	}
	return uids, nil
}

func fieldDocs(txn *badger.Txn, field string) (map[uint64]struct{}, error) {
	uids := make(map[uint64]struct{})
	prefix := fieldPrefix(field)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		uids[postingUID(it.Item().Key())] = struct{}{}
	}
	return uids, nil
}

func termDocs(txn *badger.Txn, field string, value model.Value) (map[uint64]struct{}, error) {
	uids := make(map[uint64]struct{})
	prefix := fieldPrefix(field)
	term := append(append([]byte{}, prefix...), value.SortKey()...)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = term
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		// Guard against longer terms sharing the byte prefix.
		if len(key) != len(term)+8 {
			continue
		}
		uids[postingUID(key)] = struct{}{}
	}
	return uids, nil
}

func rangeDocs(txn *badger.Txn, q RangeQuery) (map[uint64]struct{}, error) {
	uids := make(map[uint64]struct{})
	prefix := fieldPrefix(q.Field)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if q.From != nil {
		seek = append(append([]byte{}, prefix...), q.From.SortKey()...)
	}
	var upper []byte
	if q.To != nil {
		upper = q.To.SortKey()
	}
	for it.Seek(seek); it.Valid(); it.Next() {
		key := it.Item().Key()
		term := postingTerm(key, len(prefix))
		if upper != nil && bytes.Compare(term, upper) > 0 {
			break
		}
		uids[postingUID(key)] = struct{}{}
	}
	return uids, nil
}
