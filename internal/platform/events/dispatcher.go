package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultBuffer = 1024

// Sink receives dispatched events. Implementations must be safe for use
// from the single dispatcher goroutine.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
	Name() string
}

// Dispatcher decouples event production from delivery. Enqueue never
// blocks; when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	log     zerolog.Logger
	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

type Option func(*Dispatcher)

func WithBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

func NewDispatcher(log zerolog.Logger, sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue: make(chan Event, defaultBuffer),
		sinks: sinks,
		log:   log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery worker. It drains remaining events when
// ctx is cancelled, then returns from Wait.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case ev := <-d.queue:
				d.deliver(ctx, ev)
			case <-ctx.Done():
				for {
					select {
					case ev := <-d.queue:
						d.deliver(context.Background(), ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue queues an event for async delivery. Safe to call on a nil
// dispatcher, which makes event emission optional in tests.
func (d *Dispatcher) Enqueue(ev Event) {
	if d == nil {
		return
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	select {
	case d.queue <- ev:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.log.Warn().Str("event_type", string(ev.Type)).Msg("event queue full, event dropped")
	}
}

// Dropped reports how many events were discarded because of a full queue.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			d.log.Error().Err(err).
				Str("sink", sink.Name()).
				Str("event_type", string(ev.Type)).
				Str("event_id", ev.ID.String()).
				Msg("event delivery failed")
		}
	}
}
