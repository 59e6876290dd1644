package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nsdb-io/nsdb/pkg/accumulator"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/planner"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

// RecordAccepted acknowledges an accepted write or delete. The
// operation becomes durable with the next flush.
type RecordAccepted struct {
	DB        string `json:"db"`
	Namespace string `json:"namespace"`
	Metric    string `json:"metric"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Pending   int    `json:"pending"`
}

// ExecuteInsert validates the record against the metric's schema
// (installing or widening it) and enqueues the write.
func (e *Engine) ExecuteInsert(ctx context.Context, stmt *statement.InsertStatement) (*RecordAccepted, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	ns, err := e.namespace(stmt.DB, stmt.Namespace, true)
	if err != nil {
		return nil, err
	}

	bit := stmt.Bit(e.clk.Now().UnixMilli())
	if err := bit.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	if _, err := ns.schemas.UpdateFromRecord(stmt.Metric, bit); err != nil {
		return nil, err
	}

	ack := ns.acc.Enqueue(stmt.Metric, accumulator.Operation{Kind: accumulator.OpWrite, Bit: bit})
	return &RecordAccepted{
		DB:        stmt.DB,
		Namespace: stmt.Namespace,
		Metric:    stmt.Metric,
		Timestamp: bit.Timestamp,
		Pending:   ack.Pending,
	}, nil
}

// DeleteBit enqueues deletion of every record exactly matching the
// given one.
func (e *Engine) DeleteBit(ctx context.Context, db, namespace, metric string, bit *model.Bit) (*RecordAccepted, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	ns, err := e.namespace(db, namespace, false)
	if err != nil {
		return nil, err
	}
	if _, ok := ns.schemas.Get(metric); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	ack := ns.acc.Enqueue(metric, accumulator.Operation{Kind: accumulator.OpDeleteBit, Bit: bit})
	return &RecordAccepted{DB: db, Namespace: namespace, Metric: metric, Timestamp: bit.Timestamp, Pending: ack.Pending}, nil
}

// ExecuteDelete lowers the condition to a backing query and enqueues a
// mass delete against every intersecting shard.
func (e *Engine) ExecuteDelete(ctx context.Context, stmt *statement.DeleteStatement) (*RecordAccepted, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	ns, err := e.namespace(stmt.DB, stmt.Namespace, false)
	if err != nil {
		return nil, err
	}
	sch, ok := ns.schemas.Get(stmt.Metric)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, stmt.Metric)
	}
	if stmt.Condition == nil {
		return nil, &planner.PlanError{Msg: "delete requires a condition"}
	}
	q, err := planner.PlanCondition(stmt.Condition, sch, e.clk.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	ack := ns.acc.Enqueue(stmt.Metric, accumulator.Operation{Kind: accumulator.OpDeleteQuery, Query: q})
	return &RecordAccepted{DB: stmt.DB, Namespace: stmt.Namespace, Metric: stmt.Metric, Pending: ack.Pending}, nil
}

// ExecuteDrop removes the metric entirely: pending operations, every
// shard index, its locations, and its schema.
func (e *Engine) ExecuteDrop(ctx context.Context, stmt *statement.DropStatement) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout
	}
	ns, err := e.namespace(stmt.DB, stmt.Namespace, false)
	if err != nil {
		return err
	}

	ns.acc.Discard(stmt.Metric)

	ms := ns.metric(stmt.Metric)
	ms.mu.Lock()
	for id, sh := range ms.shards {
		if err := sh.idx.Close(); err != nil {
			ms.mu.Unlock()
			return &IndexIOError{Op: "drop", Err: err}
		}
		delete(ms.shards, id)
	}
	ms.mu.Unlock()

	if e.cfg.BasePath != "" {
		dir := filepath.Join(e.cfg.BasePath, "index", ns.db, ns.name, stmt.Metric)
		if err := os.RemoveAll(dir); err != nil {
			return &IndexIOError{Op: "drop", Err: err}
		}
	}

	ns.router.DropMetric(stmt.Metric)
	if err := ns.schemas.Delete(stmt.Metric); err != nil {
		return &IndexIOError{Op: "drop schema", Err: err}
	}
	e.log.Info().Str("db", stmt.DB).Str("namespace", stmt.Namespace).Str("metric", stmt.Metric).Msg("metric dropped")
	return nil
}

// DropNamespace removes every metric and schema of a namespace.
func (e *Engine) DropNamespace(ctx context.Context, db, namespace string) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout
	}
	ns, err := e.namespace(db, namespace, false)
	if err != nil {
		return err
	}
	for _, metric := range ns.schemas.Metrics() {
		if err := e.ExecuteDrop(ctx, &statement.DropStatement{DB: db, Namespace: namespace, Metric: metric}); err != nil {
			return err
		}
	}
	if err := ns.schemas.DeleteAll(); err != nil {
		return &IndexIOError{Op: "drop namespace", Err: err}
	}
	return nil
}

// FlushNow forces an immediate drain of a namespace's accumulator.
// Reads submitted after it returns observe every prior write.
func (e *Engine) FlushNow(db, namespace string) error {
	ns, err := e.namespace(db, namespace, false)
	if err != nil {
		return err
	}
	return ns.acc.Flush()
}
