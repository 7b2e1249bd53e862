// Package plugin hosts optional features built on the core API: scheduler
// events, IRC handlers and connection control.
//
// Every plugin method runs on the core loop, so plugins never lock.
package plugin

import (
	"encoding/json"
	"time"

	"ircbot/internal/eventbus"
	"ircbot/internal/irc"
	"ircbot/internal/task/engine"
	"ircbot/internal/task/scheduler"
	logx "ircbot/pkg/logx"
)

type Plugin interface {
	Name() string
	// Validate checks a config block without side effects.
	Validate(raw json.RawMessage) error
	// Start attaches the plugin to every server in env.
	Start(env *Env, raw json.RawMessage) error
	// Stop undoes Start.
	Stop()
}

// Scheduler is the part of the scheduler plugins use.
type Scheduler interface {
	Now() time.Time
	Has(name string) bool
	AddEvent(fn func(), at time.Time, name string) (string, error)
	AddPeriodicEvent(fn func(), period time.Duration, name string, opts ...scheduler.PeriodicOption) (string, error)
	Replace(fn func(), schedule string, name string) (string, error)
	RemoveEvent(name string) error
	Post(fn func())
}

// Reconnector drops the current session and lets the backoff schedule the
// next attempt.
type Reconnector interface {
	Reconnect()
}

// Server is one configured network as seen by plugins.
type Server struct {
	Name     string
	AltNicks []string
	State    *irc.State
	Conn     Reconnector
}

// Async runs blocking work off the core loop. *engine.Service satisfies it.
type Async interface {
	Enqueue(t engine.Task) error
}

type Env struct {
	Log   logx.Logger
	Sched Scheduler
	// Async is nil when the task engine is disabled.
	Async   Async
	Bus     eventbus.Bus
	Servers []*Server
}
