package plugin

import (
	"context"
	"errors"
	"time"

	"ircbot/internal/irc"
	"ircbot/internal/task/engine"
	"ircbot/internal/task/scheduler"
	logx "ircbot/pkg/logx"
)

// Kit is a plugin-scoped view of the core API. Event names are namespaced as
// "<plugin>:<name>" and everything registered through a Kit is undone by
// Cleanup.
type Kit struct {
	plugin string
	Log    logx.Logger
	sched  Scheduler
	async  Async

	events map[string]struct{}
	undo   []func()
	closed bool
}

// ErrNoAsync is returned by Run when the task engine is disabled.
var ErrNoAsync = errors.New("task engine disabled")

func NewKit(plugin string, env *Env) *Kit {
	log := env.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Kit{
		plugin: plugin,
		Log:    log.With(logx.String("plugin", plugin)),
		sched:  env.Sched,
		async:  env.Async,
		events: map[string]struct{}{},
	}
}

func (k *Kit) ns(name string) string { return k.plugin + ":" + name }

func (k *Kit) Now() time.Time { return k.sched.Now() }

// Active reports whether the named event is still registered.
func (k *Kit) Active(name string) bool { return k.sched.Has(k.ns(name)) }

// Every registers a periodic event, replacing one with the same name.
func (k *Kit) Every(name string, period time.Duration, fn func(), opts ...scheduler.PeriodicOption) error {
	full := k.ns(name)
	_ = k.cancel(full)
	if _, err := k.sched.AddPeriodicEvent(fn, period, full, opts...); err != nil {
		return err
	}
	k.events[full] = struct{}{}
	return nil
}

// After registers a one-shot event d from now, replacing one with the same
// name.
func (k *Kit) After(name string, d time.Duration, fn func()) error {
	full := k.ns(name)
	_ = k.cancel(full)
	if _, err := k.sched.AddEvent(fn, k.sched.Now().Add(d), full); err != nil {
		return err
	}
	k.events[full] = struct{}{}
	return nil
}

// Schedule registers fn on a cron or interval schedule string.
func (k *Kit) Schedule(name, schedule string, fn func()) error {
	full := k.ns(name)
	if _, err := k.sched.Replace(fn, schedule, full); err != nil {
		return err
	}
	k.events[full] = struct{}{}
	return nil
}

// Cancel removes the named event. Unknown names are ignored.
func (k *Kit) Cancel(name string) { _ = k.cancel(k.ns(name)) }

func (k *Kit) cancel(full string) error {
	delete(k.events, full)
	err := k.sched.RemoveEvent(full)
	if errors.Is(err, scheduler.ErrUnknownName) {
		return nil
	}
	return err
}

// Handle registers an IRC handler on srv until Cleanup.
func (k *Kit) Handle(srv *Server, command string, fn irc.Handler) {
	k.undo = append(k.undo, srv.State.Handle(command, fn))
}

// OnReset registers a session reset hook on srv until Cleanup.
func (k *Kit) OnReset(srv *Server, fn func()) {
	k.undo = append(k.undo, srv.State.OnReset(fn))
}

// Run executes run on a worker. done is called on the core loop with the
// result unless Cleanup has happened in the meantime.
func (k *Kit) Run(name string, timeout time.Duration, run func(ctx context.Context) error, done func(err error)) error {
	if k.async == nil {
		return ErrNoAsync
	}
	t := engine.Task{
		Name:    k.ns(name),
		Timeout: timeout,
		Run:     run,
		Done: func(err error) {
			if k.closed || done == nil {
				return
			}
			done(err)
		},
	}
	err := k.async.Enqueue(t)
	if engine.Unavailable(err) {
		// The pool was disabled by a reload after the plugin started.
		engine.RunDetached(t, k.sched)
		return nil
	}
	return err
}

// Cleanup removes every event, handler and hook registered through k.
func (k *Kit) Cleanup() {
	for full := range k.events {
		if err := k.cancel(full); err != nil {
			k.Log.Warn("event cleanup failed", logx.String("event", full), logx.Err(err))
		}
	}
	for i := len(k.undo) - 1; i >= 0; i-- {
		k.undo[i]()
	}
	k.undo = nil
	k.closed = true
}
