package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdb-io/nsdb/pkg/config"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/sql"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

func newTestEngine(t *testing.T, shardInterval time.Duration) (*Engine, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	cfg.BasePath = "" // in-memory shards
	cfg.ShardInterval = config.Duration(shardInterval)
	cfg.WriteSchedulerInterval = config.Duration(time.Minute)
	mock := clock.NewMock()
	e := New(cfg, mock, zerolog.Nop())
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Shutdown() })
	return e, mock
}

func insert(t *testing.T, e *Engine, q string) {
	t.Helper()
	stmt, err := sql.Parse("db", "ns", q)
	require.NoError(t, err)
	_, err = e.ExecuteInsert(context.Background(), stmt.(*statement.InsertStatement))
	require.NoError(t, err)
}

func query(t *testing.T, e *Engine, q string) *SelectStatementExecuted {
	t.Helper()
	stmt, err := sql.Parse("db", "ns", q)
	require.NoError(t, err)
	res, err := e.ExecuteSelect(context.Background(), stmt.(*statement.SelectStatement))
	require.NoError(t, err)
	return res
}

func timestamps(values []model.Bit) []int64 {
	out := make([]int64, len(values))
	for i, b := range values {
		out[i] = b.Timestamp
	}
	return out
}

// Insert and range select: after a flush, a timestamp range returns
// exactly the covered records.
func TestInsertAndRangeSelect(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO people TS 10 DIM (name='A') VAL 1")
	insert(t, e, "INSERT INTO people TS 20 DIM (name='B') VAL 2")
	insert(t, e, "INSERT INTO people TS 30 DIM (name='A') VAL 3")
	require.NoError(t, e.FlushNow("db", "ns"))

	res := query(t, e, "SELECT * FROM people WHERE timestamp >= 10 AND timestamp <= 20")
	assert.ElementsMatch(t, []int64{10, 20}, timestamps(res.Values))
}

// Limit and order across shards: with a 5ms shard window and writes at
// 1..10, the top-2 by timestamp desc are 10 and 9.
func TestLimitAndOrderWithSharding(t *testing.T) {
	e, _ := newTestEngine(t, 5*time.Millisecond)

	for ts := int64(1); ts <= 10; ts++ {
		ts := ts
		stmt := &statement.InsertStatement{
			DB: "db", Namespace: "ns", Metric: "m",
			Timestamp: &ts,
			Value:     model.IntValue(ts),
		}
		_, err := e.ExecuteInsert(context.Background(), stmt)
		require.NoError(t, err)
	}
	require.NoError(t, e.FlushNow("db", "ns"))

	res := query(t, e, "SELECT * FROM m ORDER BY timestamp DESC LIMIT 2")
	require.Len(t, res.Values, 2)
	assert.Equal(t, []int64{10, 9}, timestamps(res.Values))

	res = query(t, e, "SELECT * FROM m ORDER BY timestamp ASC LIMIT 3")
	assert.Equal(t, []int64{1, 2, 3}, timestamps(res.Values))
}

// Group by tag with count.
func TestGroupByTagCount(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO m TS 1 TAGS (city='X') VAL 1")
	insert(t, e, "INSERT INTO m TS 2 TAGS (city='X') VAL 1")
	insert(t, e, "INSERT INTO m TS 3 TAGS (city='X') VAL 1")
	insert(t, e, "INSERT INTO m TS 4 TAGS (city='Y') VAL 1")
	insert(t, e, "INSERT INTO m TS 5 TAGS (city='Y') VAL 1")
	require.NoError(t, e.FlushNow("db", "ns"))

	res := query(t, e, "SELECT count(*) FROM m GROUP BY city")
	require.Len(t, res.Values, 2)
	counts := map[string]int64{}
	for _, b := range res.Values {
		counts[b.Tags["city"].Str] = b.Value.Int
	}
	assert.Equal(t, map[string]int64{"X": 3, "Y": 2}, counts)
}

// Temporal group by with avg: records at 0,30,60,90 and a 60ms interval
// make exactly the buckets 0 and 60.
func TestTemporalGroupByAvg(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO m TS 0 VAL 10")
	insert(t, e, "INSERT INTO m TS 30 VAL 20")
	insert(t, e, "INSERT INTO m TS 60 VAL 30")
	insert(t, e, "INSERT INTO m TS 90 VAL 50")
	require.NoError(t, e.FlushNow("db", "ns"))

	res := query(t, e, "SELECT avg(value) FROM m GROUP BY interval 60ms")
	require.Len(t, res.Values, 2)
	assert.Equal(t, int64(0), res.Values[0].Timestamp)
	assert.Equal(t, 15.0, res.Values[0].Value.AsFloat())
	assert.Equal(t, int64(60), res.Values[1].Timestamp)
	assert.Equal(t, 40.0, res.Values[1].Value.AsFloat())
}

// Relative-time select against the engine clock.
func TestRelativeTimeSelect(t *testing.T) {
	e, mock := newTestEngine(t, time.Hour)
	mock.Set(time.UnixMilli(1000))

	insert(t, e, "INSERT INTO m TS 850 VAL 1")
	insert(t, e, "INSERT INTO m TS 950 VAL 2")
	require.NoError(t, e.FlushNow("db", "ns"))

	res := query(t, e, "SELECT * FROM m WHERE timestamp >= now - 100ms")
	assert.Equal(t, []int64{950}, timestamps(res.Values))
}

// A record that contradicts the schema fails with SchemaConflict naming
// the field, and the schema stays intact.
func TestSchemaConflictOnInsert(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO m TS 1 DIM (name='A') VAL 1")

	stmt, err := sql.Parse("db", "ns", "INSERT INTO m TS 2 DIM (name=42) VAL 2")
	require.NoError(t, err)
	_, err = e.ExecuteInsert(context.Background(), stmt.(*statement.InsertStatement))

	var conflict *model.SchemaConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Error(), "name")
	assert.Contains(t, conflict.Error(), "string")

	sch, err := e.GetSchema("db", "ns", "m")
	require.NoError(t, err)
	field, ok := sch.Field("name")
	require.True(t, ok)
	assert.Equal(t, model.TypeString, field.Type)
}

func TestDeleteByQuery(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO m TS 10 DIM (name='A') VAL 1")
	insert(t, e, "INSERT INTO m TS 20 DIM (name='B') VAL 2")
	insert(t, e, "INSERT INTO m TS 30 DIM (name='C') VAL 3")
	require.NoError(t, e.FlushNow("db", "ns"))

	stmt, err := sql.Parse("db", "ns", "DELETE FROM m WHERE timestamp < 25")
	require.NoError(t, err)
	_, err = e.ExecuteDelete(context.Background(), stmt.(*statement.DeleteStatement))
	require.NoError(t, err)
	require.NoError(t, e.FlushNow("db", "ns"))

	res := query(t, e, "SELECT * FROM m")
	assert.Equal(t, []int64{30}, timestamps(res.Values))

	n, err := e.GetCount(context.Background(), "db", "ns", "m")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDropMetric(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO m TS 10 VAL 1")
	require.NoError(t, e.FlushNow("db", "ns"))

	stmt, err := sql.Parse("db", "ns", "DROP METRIC m")
	require.NoError(t, err)
	require.NoError(t, e.ExecuteDrop(context.Background(), stmt.(*statement.DropStatement)))

	_, err = e.GetSchema("db", "ns", "m")
	assert.True(t, errors.Is(err, ErrUnknownMetric))

	metrics, err := e.GetMetrics("db", "ns")
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestUnknownTargets(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	stmt, err := sql.Parse("db", "ns", "SELECT * FROM ghost")
	require.NoError(t, err)
	_, execErr := e.ExecuteSelect(context.Background(), stmt.(*statement.SelectStatement))
	assert.True(t, errors.Is(execErr, ErrUnknownNamespace))

	insert(t, e, "INSERT INTO real TS 1 VAL 1")
	_, execErr = e.ExecuteSelect(context.Background(), stmt.(*statement.SelectStatement))
	assert.True(t, errors.Is(execErr, ErrUnknownMetric))
}

// Unflushed writes carry no visibility guarantee, but a read after an
// explicit flush sees everything before it.
func TestReadYourFlushedWrites(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO m TS 10 VAL 1")
	require.NoError(t, e.FlushNow("db", "ns"))
	res := query(t, e, "SELECT * FROM m")
	require.Len(t, res.Values, 1)

	insert(t, e, "INSERT INTO m TS 20 VAL 2")
	require.NoError(t, e.FlushNow("db", "ns"))
	res = query(t, e, "SELECT * FROM m")
	assert.ElementsMatch(t, []int64{10, 20}, timestamps(res.Values))
}

// The scheduler tick drives flushes through the mock clock.
func TestScheduledFlushTick(t *testing.T) {
	cfg := config.Default()
	cfg.BasePath = ""
	cfg.ShardInterval = config.Duration(time.Hour)
	cfg.WriteSchedulerInterval = config.Duration(5 * time.Second)
	mock := clock.NewMock()
	e := New(cfg, mock, zerolog.Nop())
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Shutdown() })

	insert(t, e, "INSERT INTO m TS 10 VAL 1")
	time.Sleep(10 * time.Millisecond) // let the flush loop install its ticker
	mock.Add(5 * time.Second)

	require.Eventually(t, func() bool {
		res, err := e.ExecuteSelect(context.Background(), &statement.SelectStatement{
			DB: "db", Namespace: "ns", Metric: "m",
			Fields: statement.FieldSelection{All: true},
		})
		return err == nil && len(res.Values) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProjection(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)

	insert(t, e, "INSERT INTO m TS 1 DIM (name='A', age=20) VAL 1")
	insert(t, e, "INSERT INTO m TS 2 DIM (name='A', age=30) VAL 1")
	require.NoError(t, e.FlushNow("db", "ns"))

	res := query(t, e, "SELECT name FROM m")
	require.Len(t, res.Values, 2)
	for _, b := range res.Values {
		assert.Contains(t, b.Dimensions, "name")
		assert.NotContains(t, b.Dimensions, "age")
	}
}
