package accumulator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/model"
)

func writeOp(ts int64) Operation {
	return Operation{Kind: OpWrite, Bit: &model.Bit{Timestamp: ts, Value: model.IntValue(ts)}}
}

func TestEnqueueAndFlushOrdering(t *testing.T) {
	var mu sync.Mutex
	applied := make(map[string][]int64)
	flush := func(metric string, ops []Operation) error {
		mu.Lock()
		defer mu.Unlock()
		for _, op := range ops {
			applied[metric] = append(applied[metric], op.Bit.Timestamp)
		}
		return nil
	}

	a := New(time.Second, clock.NewMock(), flush, zerolog.Nop())
	for ts := int64(1); ts <= 5; ts++ {
		ack := a.Enqueue("m", writeOp(ts))
		if ack.Metric != "m" || ack.Pending != int(ts) {
			t.Errorf("unexpected ack: %+v", ack)
		}
	}
	a.Enqueue("other", writeOp(100))

	if err := a.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := []int64{1, 2, 3, 4, 5}
	got := applied["m"]
	if len(got) != len(want) {
		t.Fatalf("applied %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("operations out of order: %v", got)
		}
	}
	if len(applied["other"]) != 1 {
		t.Errorf("other metric should have flushed once, got %v", applied["other"])
	}
	if a.Pending("m") != 0 {
		t.Errorf("buffer should be empty after flush")
	}
}

func TestScheduledFlushOnTick(t *testing.T) {
	mock := clock.NewMock()
	flushed := make(chan string, 10)
	a := New(5*time.Second, mock, func(metric string, ops []Operation) error {
		flushed <- metric
		return nil
	}, zerolog.Nop())
	a.Start()
	defer func() { _ = a.Stop() }()

	a.Enqueue("m", writeOp(1))
	// Give the flush loop a beat to install its ticker before advancing
	// the mock clock.
	time.Sleep(10 * time.Millisecond)
	mock.Add(5 * time.Second)

	select {
	case metric := <-flushed:
		if metric != "m" {
			t.Errorf("flushed %q, want m", metric)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not trigger a flush")
	}
}

func TestDrainingStashesAndReplays(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var mu sync.Mutex
	var applied []int64
	var enterOnce sync.Once

	a := New(time.Second, clock.NewMock(), func(metric string, ops []Operation) error {
		enterOnce.Do(func() { close(entered) })
		<-release
		mu.Lock()
		for _, op := range ops {
			applied = append(applied, op.Bit.Timestamp)
		}
		mu.Unlock()
		return nil
	}, zerolog.Nop())

	a.Enqueue("m", writeOp(1))

	flushDone := make(chan error)
	go func() { flushDone <- a.Flush() }()

	<-entered
	if a.CurrentState() != Draining {
		t.Fatal("accumulator should be draining during a flush")
	}
	// These arrive mid-drain and must be stashed, not lost.
	a.Enqueue("m", writeOp(2))
	a.Enqueue("m", writeOp(3))
	close(release)

	if err := <-flushDone; err != nil {
		t.Fatalf("flush: %v", err)
	}
	if a.CurrentState() != Accepting {
		t.Fatal("accumulator should accept again after the drain")
	}
	if got := a.Pending("m"); got != 2 {
		t.Fatalf("stash should have replayed 2 operations, got %d", got)
	}

	if err := a.Flush(); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []int64{1, 2, 3}
	if len(applied) != 3 {
		t.Fatalf("applied %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("replayed operations out of order: %v", applied)
		}
	}
}

func TestFailedFlushRetries(t *testing.T) {
	attempts := 0
	var applied []int64
	a := New(time.Second, clock.NewMock(), func(metric string, ops []Operation) error {
		attempts++
		if attempts == 1 {
			return errors.New("disk on fire")
		}
		for _, op := range ops {
			applied = append(applied, op.Bit.Timestamp)
		}
		return nil
	}, zerolog.Nop())

	a.Enqueue("m", writeOp(1))
	a.Enqueue("m", writeOp(2))

	if err := a.Flush(); err == nil {
		t.Fatal("first flush should report the failure")
	}
	if got := a.Pending("m"); got != 2 {
		t.Fatalf("failed batch should stay buffered, got %d pending", got)
	}

	// Next tick retries and succeeds, preserving order.
	if err := a.Flush(); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Fatalf("retried batch out of order: %v", applied)
	}
}
