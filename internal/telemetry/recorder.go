package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink consumes turn records. Sinks are called from the recorder's goroutine
// only, never from the engine.
type Sink interface {
	Write(ctx context.Context, rec TurnRecord) error
}

// DefaultQueueSize is the recorder backlog used when none is given.
const DefaultQueueSize = 64

// sinkTimeout bounds a single sink write.
const sinkTimeout = 5 * time.Second

// Recorder queues records and fans them out to its sinks on a background
// goroutine. Record never blocks; when the queue is full the record is
// dropped and counted.
type Recorder struct {
	sinks []Sink
	queue chan TurnRecord
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewRecorder starts a Recorder with a backlog of size records.
func NewRecorder(size int, sinks ...Sink) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	r := &Recorder{
		sinks: sinks,
		queue: make(chan TurnRecord, size),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues rec.
func (r *Recorder) Record(rec TurnRecord) {
	select {
	case <-r.stop:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many records reached every sink.
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case rec := <-r.queue:
			r.fanOut(rec)
		case <-r.stop:
			for {
				select {
				case rec := <-r.queue:
					r.fanOut(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) fanOut(rec TurnRecord) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.Write(ctx, rec); err != nil {
			slog.Warn("telemetry: sink write failed", "turn", rec.Turn, "err", err)
		}
		cancel()
	}
	r.written.Add(1)
}

// Close stops accepting records and drains the backlog, waiting at most
// until ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
