// Package accumulator buffers writes and deletes per metric and flushes
// them to the index engine on a fixed period. It is a two-state machine:
// accepting, where operations buffer per metric, and draining, where a
// flush is in progress and new operations are stashed and replayed FIFO
// once the drain completes.
package accumulator

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/index"
	"github.com/nsdb-io/nsdb/pkg/model"
)

// OpKind discriminates the buffered operation types.
type OpKind int

const (
	OpWrite OpKind = iota
	OpDeleteBit
	OpDeleteQuery
)

// Operation is one pending write or delete against a metric.
type Operation struct {
	Kind  OpKind
	Bit   *model.Bit
	Query index.Query
}

// Ack acknowledges an enqueued operation. The operation is accepted but
// not yet durable; durability arrives with the next successful flush.
type Ack struct {
	Metric  string
	Pending int
}

// FlushFunc applies one metric's operations, in order, to its indices.
type FlushFunc func(metric string, ops []Operation) error

// State of the accumulator.
type State int

const (
	Accepting State = iota
	Draining
)

type stashed struct {
	metric string
	op     Operation
}

// Accumulator is the per-namespace write buffer.
type Accumulator struct {
	log      zerolog.Logger
	clk      clock.Clock
	interval time.Duration
	flush    FlushFunc

	mu      sync.Mutex
	state   State
	buffers map[string][]Operation
	stash   []stashed

	stop chan struct{}
	done chan struct{}
}

// New creates an accumulator flushing every interval through flush.
func New(interval time.Duration, clk clock.Clock, flush FlushFunc, log zerolog.Logger) *Accumulator {
	return &Accumulator{
		log:      log.With().Str("component", "accumulator").Logger(),
		clk:      clk,
		interval: interval,
		flush:    flush,
		buffers:  make(map[string][]Operation),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (a *Accumulator) Start() {
	go func() {
		defer close(a.done)
		ticker := a.clk.Ticker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.Flush(); err != nil {
					a.log.Error().Err(err).Msg("scheduled flush failed")
				}
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop halts the flush loop and performs a final drain.
func (a *Accumulator) Stop() error {
	close(a.stop)
	<-a.done
	return a.Flush()
}

// CurrentState reports whether the accumulator is accepting or draining.
func (a *Accumulator) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Enqueue buffers an operation for a metric and acknowledges it
// immediately. During a drain the operation is stashed and replayed,
// in arrival order, when the accumulator returns to accepting.
func (a *Accumulator) Enqueue(metric string, op Operation) Ack {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Draining {
		a.stash = append(a.stash, stashed{metric: metric, op: op})
		return Ack{Metric: metric, Pending: len(a.stash)}
	}
	a.buffers[metric] = append(a.buffers[metric], op)
	return Ack{Metric: metric, Pending: len(a.buffers[metric])}
}

// Discard drops every buffered and stashed operation of a metric. Used
// when the metric itself is dropped.
func (a *Accumulator) Discard(metric string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, metric)
	kept := a.stash[:0]
	for _, st := range a.stash {
		if st.metric != metric {
			kept = append(kept, st)
		}
	}
	a.stash = kept
}

// Pending returns the number of buffered operations for a metric.
func (a *Accumulator) Pending(metric string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers[metric])
}

// Flush drains every metric's buffer through the flush function,
// metric by metric, in enqueue order within each metric. A metric whose
// flush fails keeps its buffer for the next tick; the other metrics
// still drain. Stashed operations are replayed once the drain ends.
func (a *Accumulator) Flush() error {
	a.mu.Lock()
	if a.state == Draining {
		a.mu.Unlock()
		return nil
	}
	a.state = Draining
	pending := a.buffers
	a.buffers = make(map[string][]Operation)
	a.mu.Unlock()

	metrics := make([]string, 0, len(pending))
	for metric := range pending {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	failed := make(map[string][]Operation)
	var firstErr error
	for _, metric := range metrics {
		ops := pending[metric]
		if len(ops) == 0 {
			continue
		}
		if err := a.flush(metric, ops); err != nil {
			a.log.Error().Err(err).Str("metric", metric).Int("ops", len(ops)).
				Msg("flush failed, keeping buffer for retry")
			failed[metric] = ops
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		a.log.Debug().Str("metric", metric).Int("ops", len(ops)).Msg("flushed")
	}

	a.mu.Lock()
	// Failed batches go back first so ordering within a metric holds,
	// then the stash replays in arrival order.
	for metric, ops := range failed {
		a.buffers[metric] = append(ops, a.buffers[metric]...)
	}
	for _, st := range a.stash {
		a.buffers[st.metric] = append(a.buffers[st.metric], st.op)
	}
	a.stash = nil
	a.state = Accepting
	a.mu.Unlock()
	return firstErr
}
