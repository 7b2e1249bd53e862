package driver

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"ircbot/internal/observability/metrics"
	logx "ircbot/pkg/logx"
)

const DefaultPollInterval = 100 * time.Millisecond

// Driver is a subsystem ticked by the core loop. Tick must do a bounded amount
// of work and return without blocking.
type Driver interface {
	Tick()
}

// Named drivers are identified by Name in logs and metrics.
type Named interface {
	Name() string
}

// Waker drivers signal their channel when work arrives from another goroutine,
// cutting the loop's sleep short.
type Waker interface {
	Wakeup() <-chan struct{}
}

type Config struct {
	PollInterval time.Duration
}

type entry struct {
	name string
	d    Driver
}

type Registry struct {
	log     logx.Logger
	poll    time.Duration
	drivers []entry
	wake    chan struct{}
	passes  atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		log:  log,
		wake: make(chan struct{}, 1),
	}
	r.SetPollInterval(cfg.PollInterval)
	return r
}

// Register appends d. Drivers are ticked in registration order.
func (r *Registry) Register(d Driver) {
	if d == nil {
		return
	}
	name := fmt.Sprintf("%T", d)
	if n, ok := d.(Named); ok && n.Name() != "" {
		name = n.Name()
	}
	r.drivers = append(r.drivers, entry{name: name, d: d})
	r.log.Debug("driver registered", logx.String("driver", name), logx.Int("count", len(r.drivers)))
}

// SetPollInterval changes the sleep between passes. Must be called on the
// core loop (or before it starts).
func (r *Registry) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	r.poll = d
}

func (r *Registry) PollInterval() time.Duration { return r.poll }

// Len reports the number of registered drivers.
func (r *Registry) Len() int { return len(r.drivers) }

// Passes reports how many full passes RunOnce has completed.
func (r *Registry) Passes() uint64 { return r.passes.Load() }

// Wake cuts the current or next sleep short. Safe for concurrent use.
func (r *Registry) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RunOnce ticks every driver once, then sleeps for the poll interval unless
// ctx is done or Wake is called. Driver panics are logged and never escape.
func (r *Registry) RunOnce(ctx context.Context) {
	for _, e := range r.drivers {
		if ctx.Err() != nil {
			return
		}
		r.tickOne(e)
	}
	r.passes.Add(1)

	t := time.NewTimer(r.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-r.wake:
	case <-t.C:
	}
}

// RunForever loops RunOnce until ctx is done.
func (r *Registry) RunForever(ctx context.Context) error {
	for _, e := range r.drivers {
		if w, ok := e.d.(Waker); ok {
			go r.forward(ctx, w.Wakeup())
		}
	}
	r.log.Info("core loop started", logx.Int("drivers", len(r.drivers)), logx.Duration("poll", r.poll))
	for ctx.Err() == nil {
		r.RunOnce(ctx)
	}
	r.log.Info("core loop stopped", logx.Uint64("passes", r.passes.Load()))
	return ctx.Err()
}

func (r *Registry) forward(ctx context.Context, ch <-chan struct{}) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			r.Wake()
		}
	}
}

func (r *Registry) tickOne(e entry) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.TickPanics.WithLabelValues(e.name).Inc()
			r.log.Error("driver tick panicked",
				logx.String("driver", e.name),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
		}
		metrics.TickDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	}()
	e.d.Tick()
}
