// Package engine wires the core together: it coordinates the schema
// registries, shard routers, write accumulators, and per-shard indices,
// and exposes statement execution to the outside.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/accumulator"
	"github.com/nsdb-io/nsdb/pkg/config"
	"github.com/nsdb-io/nsdb/pkg/index"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/schema"
	"github.com/nsdb-io/nsdb/pkg/shard"
)

// FlushListener observes the records of every successful flush. Live
// query subscriptions hang off this hook.
type FlushListener func(db, namespace, metric string, bits []*model.Bit)

// Engine is the root handle over the single-node core. Lifecycle:
// Start, serve statements, Shutdown (drains every accumulator).
type Engine struct {
	cfg *config.Config
	log zerolog.Logger
	clk clock.Clock

	mu         sync.Mutex
	namespaces map[string]*namespaceState
	listeners  []FlushListener
	started    bool
	stopped    bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// namespaceState is the per-(db, namespace) partition: its schema
// registry, shard router, write accumulator, and open shard indices.
type namespaceState struct {
	db   string
	name string

	schemas *schema.Registry
	router  *shard.Router
	acc     *accumulator.Accumulator

	mu      sync.Mutex
	metrics map[string]*metricState
}

// metricState serializes flushes per metric and tracks its open shards.
type metricState struct {
	mu     sync.Mutex
	shards map[string]*openShard
}

type openShard struct {
	loc      model.Location
	idx      *index.Index
	lastUsed time.Time
}

// New builds an engine over the given configuration. The clock drives
// flush scheduling, relative-time resolution, and passivation.
func New(cfg *config.Config, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		log:        log.With().Str("component", "engine").Logger(),
		clk:        clk,
		namespaces: make(map[string]*namespaceState),
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
}

// Start restores on-disk state (schemas and shard locations) and begins
// the background passivation sweep.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if e.cfg.BasePath != "" {
		if err := e.restore(); err != nil {
			return err
		}
	}
	go e.passivationSweep()
	e.log.Info().Str("base_path", e.cfg.BasePath).Msg("engine started")
	return nil
}

// Shutdown drains every accumulator and closes every open index and
// registry.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	states := make([]*namespaceState, 0, len(e.namespaces))
	for _, ns := range e.namespaces {
		states = append(states, ns)
	}
	e.mu.Unlock()

	close(e.stopSweep)
	<-e.sweepDone

	var firstErr error
	for _, ns := range states {
		if err := ns.acc.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		ns.mu.Lock()
		for _, ms := range ns.metrics {
			ms.mu.Lock()
			for _, sh := range ms.shards {
				if err := sh.idx.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			ms.shards = make(map[string]*openShard)
			ms.mu.Unlock()
		}
		ns.mu.Unlock()
		if err := ns.schemas.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.log.Info().Msg("engine stopped")
	return firstErr
}

// OnFlush registers a listener invoked after every successful write
// flush with the flushed records.
func (e *Engine) OnFlush(fn FlushListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notifyFlush(db, namespace, metric string, bits []*model.Bit) {
	if len(bits) == 0 {
		return
	}
	e.mu.Lock()
	listeners := make([]FlushListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(db, namespace, metric, bits)
	}
}

func nsKey(db, namespace string) string {
	return db + "/" + namespace
}

// namespace returns the state of (db, namespace), creating it when
// create is set, or ErrUnknownNamespace otherwise.
func (e *Engine) namespace(db, namespace string, create bool) (*namespaceState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrStopped
	}
	key := nsKey(db, namespace)
	if ns, ok := e.namespaces[key]; ok {
		return ns, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, key)
	}

	schemaPath := ""
	if e.cfg.BasePath != "" {
		schemaPath = filepath.Join(e.cfg.BasePath, "schemas", db, namespace)
		if err := os.MkdirAll(schemaPath, 0o755); err != nil {
			return nil, &IndexIOError{Op: "create namespace", Err: err}
		}
	}
	registry, err := schema.Open(schemaPath, e.log)
	if err != nil {
		return nil, &IndexIOError{Op: "open schema registry", Err: err}
	}

	ns := &namespaceState{
		db:      db,
		name:    namespace,
		schemas: registry,
		router:  shard.NewRouter(e.cfg.NodeName, e.cfg.ShardInterval.Std().Milliseconds()),
		metrics: make(map[string]*metricState),
	}
	ns.acc = accumulator.New(e.cfg.WriteSchedulerInterval.Std(), e.clk, func(metric string, ops []accumulator.Operation) error {
		return e.flushMetric(ns, metric, ops)
	}, e.log.With().Str("db", db).Str("namespace", namespace).Logger())
	ns.acc.Start()

	e.namespaces[key] = ns
	return ns, nil
}

func (ns *namespaceState) metric(name string) *metricState {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ms, ok := ns.metrics[name]
	if !ok {
		ms = &metricState{shards: make(map[string]*openShard)}
		ns.metrics[name] = ms
	}
	return ms
}

func (e *Engine) shardPath(ns *namespaceState, metric string, loc model.Location) string {
	if e.cfg.BasePath == "" {
		return ""
	}
	return filepath.Join(e.cfg.BasePath, "index", ns.db, ns.name, metric, loc.ID())
}

// openShard returns the open index of a location, opening it on first
// use after startup or passivation.
func (e *Engine) openShard(ns *namespaceState, metric string, loc model.Location) (*openShard, error) {
	ms := ns.metric(metric)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return e.openShardLocked(ns, ms, metric, loc)
}

func (e *Engine) openShardLocked(ns *namespaceState, ms *metricState, metric string, loc model.Location) (*openShard, error) {
	if sh, ok := ms.shards[loc.ID()]; ok {
		sh.lastUsed = e.clk.Now()
		return sh, nil
	}
	idx, err := index.Open(e.shardPath(ns, metric, loc))
	if err != nil {
		return nil, &IndexIOError{Op: "open shard", Err: err}
	}
	sh := &openShard{loc: loc, idx: idx, lastUsed: e.clk.Now()}
	ms.shards[loc.ID()] = sh
	return sh, nil
}

// restore seeds routers and namespaces from the on-disk layout:
// schemas/<db>/<ns> and index/<db>/<ns>/<metric>/<from>_<to>.
func (e *Engine) restore() error {
	for _, root := range []string{"schemas", "index"} {
		dbs, err := os.ReadDir(filepath.Join(e.cfg.BasePath, root))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &IndexIOError{Op: "restore", Err: err}
		}
		for _, dbDir := range dbs {
			if !dbDir.IsDir() {
				continue
			}
			namespaces, err := os.ReadDir(filepath.Join(e.cfg.BasePath, root, dbDir.Name()))
			if err != nil {
				return &IndexIOError{Op: "restore", Err: err}
			}
			for _, nsDir := range namespaces {
				if !nsDir.IsDir() {
					continue
				}
				ns, err := e.namespace(dbDir.Name(), nsDir.Name(), true)
				if err != nil {
					return err
				}
				if root == "index" {
					if err := e.restoreLocations(ns); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (e *Engine) restoreLocations(ns *namespaceState) error {
	base := filepath.Join(e.cfg.BasePath, "index", ns.db, ns.name)
	metrics, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IndexIOError{Op: "restore locations", Err: err}
	}
	for _, metricDir := range metrics {
		if !metricDir.IsDir() {
			continue
		}
		shards, err := os.ReadDir(filepath.Join(base, metricDir.Name()))
		if err != nil {
			return &IndexIOError{Op: "restore locations", Err: err}
		}
		for _, shardDir := range shards {
			if !shardDir.IsDir() {
				continue
			}
			from, to, err := model.ParseLocationID(shardDir.Name())
			if err != nil {
				e.log.Warn().Str("dir", shardDir.Name()).Err(err).Msg("skipping unrecognized shard directory")
				continue
			}
			ns.router.Seed(model.Location{
				Metric: metricDir.Name(),
				Node:   e.cfg.NodeName,
				From:   from,
				To:     to,
			})
		}
	}
	return nil
}

// passivationSweep closes shards idle longer than passivate.after; they
// reopen transparently on next use.
func (e *Engine) passivationSweep() {
	defer close(e.sweepDone)
	after := e.cfg.PassivateAfter.Std()
	// In-memory shards hold the only copy of their data and must never
	// be passivated.
	if after <= 0 || e.cfg.BasePath == "" {
		<-e.stopSweep
		return
	}
	ticker := e.clk.Ticker(after)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.passivateIdle(after)
		case <-e.stopSweep:
			return
		}
	}
}

func (e *Engine) passivateIdle(after time.Duration) {
	e.mu.Lock()
	states := make([]*namespaceState, 0, len(e.namespaces))
	for _, ns := range e.namespaces {
		states = append(states, ns)
	}
	e.mu.Unlock()

	now := e.clk.Now()
	for _, ns := range states {
		ns.mu.Lock()
		for metric, ms := range ns.metrics {
			ms.mu.Lock()
			for id, sh := range ms.shards {
				if now.Sub(sh.lastUsed) < after {
					continue
				}
				if err := sh.idx.Close(); err != nil {
					// A writer is mid-flush; try again next sweep.
					continue
				}
				delete(ms.shards, id)
				e.log.Debug().Str("metric", metric).Str("shard", id).Msg("passivated idle shard")
			}
			ms.mu.Unlock()
		}
		ns.mu.Unlock()
	}
}

// flushMetric applies one metric's pending operations: it routes each
// operation to its shard, then per shard opens the single writer,
// applies the operations in enqueue order, flushes, and closes, which
// invalidates that shard's cached searchers.
func (e *Engine) flushMetric(ns *namespaceState, metric string, ops []accumulator.Operation) error {
	ms := ns.metric(metric)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	perShard := make(map[string][]accumulator.Operation)
	locByID := make(map[string]model.Location)
	route := func(loc model.Location, op accumulator.Operation) {
		locByID[loc.ID()] = loc
		perShard[loc.ID()] = append(perShard[loc.ID()], op)
	}
	for _, op := range ops {
		switch op.Kind {
		case accumulator.OpWrite:
			route(ns.router.WriteLocation(metric, op.Bit.Timestamp), op)
		case accumulator.OpDeleteBit:
			for _, loc := range ns.router.Locations(metric) {
				if loc.Contains(op.Bit.Timestamp) {
					route(loc, op)
				}
			}
		case accumulator.OpDeleteQuery:
			// Mass deletes visit every shard; the backing query decides.
			for _, loc := range ns.router.Locations(metric) {
				route(loc, op)
			}
		}
	}

	ids := make([]string, 0, len(perShard))
	for id := range perShard {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var flushed []*model.Bit
	for _, id := range ids {
		sh, err := e.openShardLocked(ns, ms, metric, locByID[id])
		if err != nil {
			return err
		}
		w, err := sh.idx.OpenWriter()
		if err != nil {
			return &IndexIOError{Op: "open writer", Err: err}
		}
		for _, op := range perShard[id] {
			switch op.Kind {
			case accumulator.OpWrite:
				if err := w.Write(op.Bit); err != nil {
					// Per-record validation failure: log, drop the record,
					// keep the batch going.
					e.log.Warn().Err(err).Str("metric", metric).Msg("dropping invalid record")
					continue
				}
				flushed = append(flushed, op.Bit)
			case accumulator.OpDeleteBit:
				if err := w.DeleteBit(op.Bit); err != nil {
					w.Close()
					return &IndexIOError{Op: "delete", Err: err}
				}
			case accumulator.OpDeleteQuery:
				if err := w.DeleteByQuery(op.Query); err != nil {
					w.Close()
					return &IndexIOError{Op: "delete by query", Err: err}
				}
			}
		}
		if err := w.Flush(); err != nil {
			w.Close()
			return &IndexIOError{Op: "flush", Err: err}
		}
		w.Close()
	}

	e.notifyFlush(ns.db, ns.name, metric, flushed)
	return nil
}
