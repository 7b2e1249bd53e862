// Package driver runs the bot's core loop.
//
// A Registry holds tickable subsystems (the scheduler and one Connection per
// server) and ticks them in registration order on a single goroutine. Between
// passes it sleeps for the poll interval, or less if a registered Waker signals
// that work arrived from another goroutine. Everything reached from a Tick is
// therefore serialized and needs no locking.
package driver
