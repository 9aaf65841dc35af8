package usage

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeSink) InsertUsage(ctx context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestEmit_NonBlockingUnderOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{}
	e := NewEmitter(ctx, sink, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e.Emit(Record{TenantID: "t1", Surface: "REST", Endpoint: "/v1/notes", Bytes: 10})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Emit must never block the caller even under sustained overflow")
	}
}

func TestEmit_DroppedCounterIncrementsOnOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{}
	e := NewEmitter(ctx, sink, 1)

	for i := 0; i < 50; i++ {
		e.Emit(Record{TenantID: "t1", Surface: "RPC", Endpoint: "/get", Bytes: 1})
	}

	if e.Dropped() == 0 {
		t.Fatalf("expected the overflow counter to increment when backlog exceeds capacity")
	}
}

func TestEmit_RecordsEventuallyFlushToSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &fakeSink{}
	e := NewEmitter(ctx, sink, 16)

	e.Emit(Record{TenantID: "t1", Surface: "STREAM", Endpoint: "edit", Bytes: 5})
	cancel() // triggers a final flush in the drain loop

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() == 0 {
		t.Fatalf("expected at least one record to reach the sink after cancellation flush")
	}
}
