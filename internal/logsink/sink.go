// Package logsink implements the non-blocking, batched persistence path for
// request logs, sync logs, and counter deltas.
//
// Records are written to internal buffered channels and flushed to the store
// in batches by a background goroutine — so logging never blocks the proxy
// hot path. Request logs get a larger buffer than the auxiliary kinds: when
// the auxiliary channel fills, its oldest entries are evicted first; request
// logs are only dropped once their own, larger buffer is exhausted. Every
// drop is counted.
package logsink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hermesproj/hermes/internal/store"
)

const (
	requestBuffer = 10_000
	auxBuffer     = 2_000
	batchSize     = 100
	flushInterval = time.Second
)

// Persister is the slice of *store.Store the sink needs: one write
// transaction per flushed batch.
type Persister interface {
	WithTx(ctx context.Context, fn func(*sql.Tx) error) error
}

// AnalyticsSink mirrors flushed request-log batches to a secondary analytics
// store (ClickHouse in the managed deployment). Best-effort: errors are
// logged and never propagate to the hot path.
type AnalyticsSink interface {
	WriteRequestLogs(ctx context.Context, logs []*store.RequestLog) error
	Close() error
}

// record is one enqueued entry; exactly one field is non-nil.
type record struct {
	req     *store.RequestLog
	sync    *store.SyncLog
	counter *store.CounterDelta
}

// Sink drains enqueued records into the store in batches of at most
// batchSize, or every flushInterval, whichever comes first.
type Sink struct {
	db  Persister
	log *slog.Logger

	reqCh chan record
	auxCh chan record

	analytics AnalyticsSink
	onDrop    func(kind string)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRequests int64
	droppedAux      int64
	flushErrors     int64
}

// New starts a Sink flushing into db. The background worker stops and drains
// when Close is called.
func New(db Persister, logger *slog.Logger) (*Sink, error) {
	if db == nil {
		return nil, fmt.Errorf("logsink: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		db:    db,
		log:   logger,
		reqCh: make(chan record, requestBuffer),
		auxCh: make(chan record, auxBuffer),
		done:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// SetAnalytics attaches an optional secondary analytics sink. Must be called
// before the first enqueue.
func (s *Sink) SetAnalytics(a AnalyticsSink) { s.analytics = a }

// SetDropHook installs an observer called with "request" or "aux" on every
// dropped record (metrics). Must be called before the first enqueue.
func (s *Sink) SetDropHook(fn func(kind string)) { s.onDrop = fn }

func (s *Sink) dropped(kind string, counter *int64) {
	atomic.AddInt64(counter, 1)
	if s.onDrop != nil {
		s.onDrop(kind)
	}
}

// LogRequest enqueues a request log. Never blocks; drops (and counts) when
// the request buffer is full.
func (s *Sink) LogRequest(l *store.RequestLog) {
	select {
	case s.reqCh <- record{req: l}:
	default:
		s.dropped("request", &s.droppedRequests)
	}
}

// LogSync enqueues a sync log. When the auxiliary buffer is full the oldest
// pending auxiliary entry is evicted to make room.
func (s *Sink) LogSync(l *store.SyncLog) {
	s.enqueueAux(record{sync: l})
}

// AddCounter enqueues a counter delta under the same eviction policy as sync
// logs.
func (s *Sink) AddCounter(d *store.CounterDelta) {
	s.enqueueAux(record{counter: d})
}

func (s *Sink) enqueueAux(r record) {
	select {
	case s.auxCh <- r:
		return
	default:
	}
	// Full: evict the oldest auxiliary entry, then retry once.
	select {
	case <-s.auxCh:
		s.dropped("aux", &s.droppedAux)
	default:
	}
	select {
	case s.auxCh <- r:
	default:
		s.dropped("aux", &s.droppedAux)
	}
}

// DroppedRequests returns how many request logs were dropped on overflow.
func (s *Sink) DroppedRequests() int64 { return atomic.LoadInt64(&s.droppedRequests) }

// DroppedAux returns how many sync logs / counter deltas were evicted.
func (s *Sink) DroppedAux() int64 { return atomic.LoadInt64(&s.droppedAux) }

// FlushErrors returns how many batch flushes failed against the store.
func (s *Sink) FlushErrors() int64 { return atomic.LoadInt64(&s.flushErrors) }

// Close stops the worker after draining everything still buffered.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	if s.analytics != nil {
		return s.analytics.Close()
	}
	return nil
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]record, 0, batchSize)

	for {
		select {
		case r := <-s.reqCh:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				s.flush(&batch)
			}

		case r := <-s.auxCh:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				s.flush(&batch)
			}

		case <-ticker.C:
			s.flush(&batch)

		case <-s.done:
			for drained := false; !drained; {
				select {
				case r := <-s.reqCh:
					batch = append(batch, r)
				case r := <-s.auxCh:
					batch = append(batch, r)
				default:
					drained = true
				}
				if len(batch) >= batchSize {
					s.flush(&batch)
				}
			}
			s.flush(&batch)
			return
		}
	}
}

// flush commits the accumulated batch in one write transaction. A failed
// flush is counted and logged; the batch is discarded either way — request
// handling must never stall behind the store.
func (s *Sink) flush(batch *[]record) {
	if len(*batch) == 0 {
		return
	}

	var (
		reqs     []*store.RequestLog
		syncs    []*store.SyncLog
		counters []*store.CounterDelta
	)
	for _, r := range *batch {
		switch {
		case r.req != nil:
			reqs = append(reqs, r.req)
		case r.sync != nil:
			syncs = append(syncs, r.sync)
		case r.counter != nil:
			counters = append(counters, r.counter)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if len(reqs) > 0 {
			if err := store.InsertRequestLogsTx(ctx, tx, reqs); err != nil {
				return err
			}
		}
		if len(syncs) > 0 {
			if err := store.InsertSyncLogsTx(ctx, tx, syncs); err != nil {
				return err
			}
		}
		if len(counters) > 0 {
			if err := store.ApplyCounterDeltasTx(ctx, tx, counters); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		atomic.AddInt64(&s.flushErrors, 1)
		s.log.Error("logsink flush failed",
			slog.Int("batch", len(*batch)),
			slog.String("error", err.Error()),
		)
	} else if s.analytics != nil && len(reqs) > 0 {
		if aerr := s.analytics.WriteRequestLogs(ctx, reqs); aerr != nil {
			s.log.Warn("analytics mirror failed", slog.String("error", aerr.Error()))
		}
	}

	*batch = (*batch)[:0]
}
