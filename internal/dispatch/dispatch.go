// Package dispatch fans supervisor events out to slow consumers (archive,
// publisher, websocket hub) without ever blocking the producer.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"emissionguard/internal/logging"
	"emissionguard/internal/metrics"
	"emissionguard/internal/model"
)

// Handler consumes events on its own goroutine.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev model.Event) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, ev model.Event) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, ev model.Event) error { return h.fn(ctx, ev) }

func HandlerFunc(name string, fn func(ctx context.Context, ev model.Event) error) Handler {
	return funcHandler{name: name, fn: fn}
}

type queue struct {
	handler Handler
	ch      chan model.Event
}

// Dispatcher gives every handler a bounded queue. When a queue is full the
// event is dropped for that handler only.
type Dispatcher struct {
	logger *slog.Logger
	buffer int

	mu      sync.RWMutex
	queues  []*queue
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{logger: logger, buffer: buffer}
}

// Register adds a handler. Handlers registered after Start are started at once.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	q := &queue{handler: h, ch: make(chan model.Event, d.buffer)}
	d.queues = append(d.queues, q)
	if d.started {
		d.runCtx(d.ctx, q)
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	for _, q := range d.queues {
		d.runCtx(d.ctx, q)
	}
}

func (d *Dispatcher) runCtx(ctx context.Context, q *queue) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range q.ch {
			if err := q.handler.Handle(ctx, ev); err != nil {
				d.logger.Warn("event handler failed", "sink", q.handler.Name(), "kind", ev.Kind, "vehicle_id", ev.VehicleID, "err", err)
			}
		}
	}()
}

// Publish never blocks. Events published after Close are discarded.
func (d *Dispatcher) Publish(ev model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, q := range d.queues {
		select {
		case q.ch <- ev:
		default:
			metrics.DispatchDrops.WithLabelValues(q.handler.Name()).Inc()
			d.logger.Warn("sink queue full, dropping event", "sink", q.handler.Name(), "kind", ev.Kind, "vehicle_id", ev.VehicleID)
		}
	}
}

// Close stops accepting events, drains every queue and waits for the handlers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q.ch)
	}
	cancel := d.cancel
	d.mu.Unlock()
	d.wg.Wait()
	if cancel != nil {
		cancel()
	}
}
