// Package reqlog implements the asynchronous, batched request-log writer.
// Enqueue is non-blocking by construction: under sustained overload records
// are dropped and counted rather than ever stalling the request path.
package reqlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Sink receives batches of completed records. Implementations may write to
// SQLite, a message queue, or any other write-behind target.
type Sink interface {
	WriteBatch(ctx context.Context, records []*Record) error
}

// Options configures the logger's buffering and retry behaviour.
type Options struct {
	// BufferSize is the capacity of the enqueue channel. When full, new
	// records are dropped.
	BufferSize int
	// BatchSize is the maximum number of records handed to the sink at once.
	BatchSize int
	// FlushInterval flushes a partial batch after this long without filling.
	FlushInterval time.Duration
	// FlushTimeout bounds each individual sink write attempt.
	FlushTimeout time.Duration
	// MaxRetries bounds sink write attempts per batch before the batch is
	// counted as dropped.
	MaxRetries int
	// RetryBase is the initial delay of the exponential backoff between
	// sink retries.
	RetryBase time.Duration
}

// withDefaults fills zero-valued options with the standard policy.
func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	return o
}

// Stats is a snapshot of the logger's counters. Dropped counts both
// buffer-full drops and records lost to exhausted sink retries; monitoring
// it is how overload is detected, since the logger never reports it
// synchronously.
type Stats struct {
	Received      int64 `json:"received"`
	Written       int64 `json:"written"`
	Dropped       int64 `json:"dropped"`
	FailedBatches int64 `json:"failed_batches"`
}

// Logger drains a bounded buffer into batches, flushing when a batch fills
// or on a fixed interval, whichever comes first. It never blocks the
// enqueueing request and runs entirely off the hot path.
type Logger struct {
	sink Sink
	opts Options

	records chan *Record
	done    chan struct{}

	closeMu sync.RWMutex
	closed  bool

	received      int64
	written       int64
	dropped       int64
	failedBatches int64
}

// New creates a Logger and starts its background drain goroutine.
func New(sink Sink, opts Options) *Logger {
	l := &Logger{
		sink:    sink,
		opts:    opts.withDefaults(),
		done:    make(chan struct{}),
	}
	l.records = make(chan *Record, l.opts.BufferSize)
	go l.run()
	return l
}

// Enqueue hands a record to the logger without blocking. It returns false
// when the buffer is full or the logger is closed and the record was dropped.
func (l *Logger) Enqueue(r *Record) bool {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()

	atomic.AddInt64(&l.received, 1)
	if l.closed {
		atomic.AddInt64(&l.dropped, 1)
		return false
	}

	select {
	case l.records <- r:
		return true
	default:
		atomic.AddInt64(&l.dropped, 1)
		return false
	}
}

// Stats returns a snapshot of the logger's counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Received:      atomic.LoadInt64(&l.received),
		Written:       atomic.LoadInt64(&l.written),
		Dropped:       atomic.LoadInt64(&l.dropped),
		FailedBatches: atomic.LoadInt64(&l.failedBatches),
	}
}

// Close stops accepting records, drains and flushes everything buffered,
// and waits for the background goroutine to exit.
func (l *Logger) Close() {
	l.closeMu.Lock()
	alreadyClosed := l.closed
	l.closed = true
	if !alreadyClosed {
		close(l.records)
	}
	l.closeMu.Unlock()

	<-l.done
}

// run is the background drain loop.
func (l *Logger) run() {
	defer close(l.done)

	batch := make([]*Record, 0, l.opts.BatchSize)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-l.records:
			if !ok {
				// Shutdown: flush whatever is buffered before exiting.
				if len(batch) > 0 {
					l.flush(batch)
				}
				return
			}
			batch = append(batch, r)
			if len(batch) >= l.opts.BatchSize {
				l.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush hands one batch to the sink, retrying with exponential backoff up to
// the configured attempt bound. A batch that still fails is counted as
// dropped; the failure is never surfaced to any request. The flush respects
// its own per-attempt timeout but not external cancellation.
func (l *Logger) flush(batch []*Record) {
	records := make([]*Record, len(batch))
	copy(records, batch)

	operation := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.FlushTimeout)
		defer cancel()
		return struct{}{}, l.sink.WriteBatch(ctx, records)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = l.opts.RetryBase

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(l.opts.MaxRetries)),
	)
	if err != nil {
		atomic.AddInt64(&l.dropped, int64(len(records)))
		atomic.AddInt64(&l.failedBatches, 1)
		log.Error().
			Err(err).
			Int("batch_size", len(records)).
			Int("max_retries", l.opts.MaxRetries).
			Msg("reqlog: dropping batch after exhausted retries")
		return
	}

	atomic.AddInt64(&l.written, int64(len(records)))
}
