package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"AgentVault/internal/observability/metrics"
	"AgentVault/pkg/logger"
)

// Fanout delivers each event to every sink.
type Fanout struct {
	sinks []Sink
}

// NewFanout skips nil sinks.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Name() string { return "fanout" }

// Send tries every sink and joins their errors.
func (f *Fanout) Send(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, sink := range f.sinks {
		err := sink.Send(ctx, event)
		metrics.ObserveNotification(sink.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues events and delivers them off the caller's goroutine.
// Publish never blocks: a full buffer drops the event.
type Dispatcher struct {
	sink    Sink
	events  chan Event
	timeout time.Duration
	logger  *slog.Logger

	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewDispatcher starts one delivery goroutine.
func NewDispatcher(sink Sink, buffer int, timeout time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		sink:    sink,
		events:  make(chan Event, buffer),
		timeout: timeout,
		logger:  logger.Named("notify"),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues event. It reports false when the event was dropped.
func (d *Dispatcher) Publish(event Event) bool {
	if d == nil || d.sink == nil {
		return false
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.events <- event:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped, buffer full",
			slog.String("type", string(event.Type)),
			slog.String("tx_id", event.TxID))
		return false
	}
}

// Dropped counts events lost to a full buffer.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close stops accepting events and waits for queued ones, up to ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panicked",
				slog.String("type", string(event.Type)),
				slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Send(ctx, event); err != nil {
		d.logger.Warn("notification delivery failed",
			slog.String("type", string(event.Type)),
			slog.String("tx_id", event.TxID),
			slog.Any("error", err))
	}
}
