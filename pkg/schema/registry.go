// Package schema keeps per-namespace metric schemas, inferred from
// incoming records and persisted in one store per namespace.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// Registry maps metric names to schemas for one (db, namespace) pair.
// Schemas only grow: the class and type of a field never change once
// recorded.
type Registry struct {
	log zerolog.Logger

	mu      sync.Mutex
	db      *badger.DB
	schemas map[string]*model.Schema
}

// Open loads the registry from its store directory. An empty path keeps
// the registry in memory, for tests.
func Open(path string, log zerolog.Logger) (*Registry, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open schema store at %q: %w", path, err)
	}

	r := &Registry{
		log:     log.With().Str("component", "schema-registry").Logger(),
		db:      db,
		schemas: make(map[string]*model.Schema),
	}
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			metric := string(item.Key())
			if err := item.Value(func(val []byte) error {
				var s model.Schema
				if err := json.Unmarshal(val, &s); err != nil {
					return fmt.Errorf("corrupt schema for %q: %w", metric, err)
				}
				r.schemas[metric] = &s
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

// Get returns the schema of a metric, if any.
func (r *Registry) Get(metric string) (*model.Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[metric]
	return s, ok
}

// Metrics lists every metric with a schema, sorted.
func (r *Registry) Metrics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.schemas))
	for metric := range r.schemas {
		out = append(out, metric)
	}
	sort.Strings(out)
	return out
}

// UpdateFromRecord installs the schema inferred from the record, or
// widens the existing one. Incompatible records fail with a
// SchemaConflictError and leave the stored schema unchanged.
func (r *Registry) UpdateFromRecord(metric string, b *model.Bit) (*model.Schema, error) {
	return r.update(metric, model.SchemaOf(metric, b))
}

// Update installs s as the schema of a metric, or widens the recorded
// one with the fields of s, only if compatible with it. Fields missing
// from s are kept.
func (r *Registry) Update(metric string, s *model.Schema) error {
	_, err := r.update(metric, s)
	return err
}

func (r *Registry) update(metric string, incoming *model.Schema) (*model.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.schemas[metric]
	next := incoming
	if ok {
		merged, err := existing.Union(incoming)
		if err != nil {
			return nil, err
		}
		if len(merged.Fields) == len(existing.Fields) {
			// Nothing new to record.
			return existing, nil
		}
		next = merged
	}
	if err := r.persist(metric, next); err != nil {
		return nil, err
	}
	r.schemas[metric] = next
	r.log.Debug().Str("metric", metric).Int("fields", len(next.Fields)).Msg("schema updated")
	return next, nil
}

func (r *Registry) persist(metric string, s *model.Schema) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metric), data)
	})
}

// Delete removes the schema of a metric.
func (r *Registry) Delete(metric string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(metric))
	}); err != nil {
		return err
	}
	delete(r.schemas, metric)
	return nil
}

// DeleteAll wipes every schema of the namespace.
func (r *Registry) DeleteAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.DropAll(); err != nil {
		return err
	}
	r.schemas = make(map[string]*model.Schema)
	return nil
}
