// Package usage implements the Usage Emitter (spec section 4.F): a
// non-blocking, bounded record of (tenant, principal, surface, endpoint,
// bytes) for downstream billing aggregation. The serving path must never
// stall on this; the oldest records are dropped on overflow.
package usage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Surface mirrors quota.Surface to avoid a dependency between the two
// leaf packages; callers pass quota.Surface values through as strings.
type Surface string

// Record is the append-only row shape, modeled on the original
// implementation's UsageLog fields (org_id, user_id, kind, endpoint,
// bytes).
type Record struct {
	TenantID  string
	Principal string // empty when the call carried no principal
	Surface   Surface
	Endpoint  string
	Bytes     int
	Timestamp time.Time
}

// Sink persists a batch of usage records. Implemented by PgSink
// (pgsink.go), which writes into usage_log.
type Sink interface {
	InsertUsage(ctx context.Context, records []Record) error
}

// Emitter owns a bounded channel drained by a single background
// goroutine. Emit never blocks the caller: a full channel drops the
// oldest queued record rather than applying backpressure to the serving
// path.
type Emitter struct {
	ch      chan Record
	dropped atomic.Uint64
	sink    Sink
}

// NewEmitter starts the background drain loop. capacity bounds the
// backlog; ctx cancellation stops the drain loop once the channel drains.
func NewEmitter(ctx context.Context, sink Sink, capacity int) *Emitter {
	e := &Emitter{ch: make(chan Record, capacity), sink: sink}
	go e.run(ctx)
	return e
}

// Emit enqueues a record, dropping the oldest queued record (not the new
// one) when the backlog is full, per spec section 4.F.
func (e *Emitter) Emit(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	select {
	case e.ch <- r:
		return
	default:
	}
	// Backlog full: drop the oldest to make room for this one, rather than
	// dropping the new record and losing recency.
	select {
	case <-e.ch:
		e.dropped.Add(1)
	default:
	}
	select {
	case e.ch <- r:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the overflow counter spec section 4.F requires.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Emitter) run(ctx context.Context) {
	const flushInterval = 2 * time.Second
	const flushBatch = 64
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	buf := make([]Record, 0, flushBatch)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := e.sink.InsertUsage(context.Background(), buf); err != nil {
			log.Error().Err(err).Int("count", len(buf)).Msg("usage: batch insert failed")
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for len(e.ch) > 0 {
				buf = append(buf, <-e.ch)
			}
			flush()
			return
		case r := <-e.ch:
			buf = append(buf, r)
			if len(buf) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
