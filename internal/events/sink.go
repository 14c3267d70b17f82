// Package events provides the asynchronous pipeline-event sink.
//
// Pipeline code emits structured events on the hot path; the sink buffers them
// in memory and writes them to the event store in batches off the hot path.
// Delivery is at-least-once: a failed batch stays queued and is retried on the
// next flush interval, so a slow database never blocks a running pipeline and
// a transient outage never silently drops events.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-ai/halyard/internal/store"
)

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 250 * time.Millisecond
)

// Option is a functional option for [Sink].
type Option func(*Sink)

// WithBufferSize sets the in-memory channel capacity. Emit blocks once the
// buffer is full, applying backpressure rather than dropping events.
func WithBufferSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithBatchSize sets the maximum number of events written per store call.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets how often buffered events are written when the batch
// size is not reached.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Sink is the asynchronous at-least-once event writer. Create it with
// [NewSink], emit with [Sink.Emit], and call [Sink.Close] on shutdown to drain
// the buffer.
type Sink struct {
	st     store.EventStore
	logger *slog.Logger

	bufferSize int
	batchSize  int
	interval   time.Duration

	in      chan store.PipelineEvent
	flushCh chan chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSink creates a Sink writing to st and starts its background writer.
func NewSink(st store.EventStore, logger *slog.Logger, opts ...Option) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		st:         st,
		logger:     logger,
		bufferSize: defaultBufferSize,
		batchSize:  defaultBatchSize,
		interval:   defaultFlushInterval,
		flushCh:    make(chan chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.in = make(chan store.PipelineEvent, s.bufferSize)

	s.wg.Add(1)
	go s.run()
	return s
}

// Emit queues one event for asynchronous persistence. Missing IDs and
// timestamps are filled in. Emit blocks when the buffer is full and becomes a
// no-op after Close.
func (s *Sink) Emit(ev store.PipelineEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case <-s.done:
	case s.in <- ev:
	}
}

// Flush blocks until every event emitted before the call has been handed to
// the store (or ctx expires). Tests and the run finalizer use it to observe a
// consistent event log.
func (s *Sink) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushCh <- ack:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the buffer, stops the background writer, and returns once the
// final batch has been written.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// run is the background writer loop.
func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var pending []store.PipelineEvent

	writePending := func() {
		for len(pending) > 0 {
			n := len(pending)
			if n > s.batchSize {
				n = s.batchSize
			}
			batch := pending[:n]
			if err := s.st.InsertEvents(context.Background(), batch); err != nil {
				// Keep the batch queued; the next interval retries it.
				s.logger.Warn("event sink: batch write failed, will retry",
					"events", n, "error", err)
				return
			}
			pending = pending[n:]
		}
	}

	drainChannel := func() {
		for {
			select {
			case ev := <-s.in:
				pending = append(pending, ev)
			default:
				return
			}
		}
	}

	for {
		select {
		case ev := <-s.in:
			pending = append(pending, ev)
			if len(pending) >= s.batchSize {
				writePending()
			}

		case <-ticker.C:
			writePending()

		case ack := <-s.flushCh:
			drainChannel()
			writePending()
			close(ack)

		case <-s.done:
			drainChannel()
			writePending()
			if len(pending) > 0 {
				s.logger.Error("event sink: dropping events on shutdown",
					"events", len(pending))
			}
			return
		}
	}
}
