// Package scheduler provides the bot's timed-event scheduler.
//
// The scheduler is a driver: the outer loop calls Tick() and every due callback
// runs on that goroutine, in (fire time, insertion order) order. Registrations
// are addressed by name:
//   - one-shot events (AddEvent)
//   - periodic events (AddPeriodicEvent), fired once at registration by default
//     and re-armed one period after each callback returns
//   - cron events (AddCron / AddSchedule)
//
// Except for Post, methods must only be called from the goroutine that ticks
// the scheduler. Background goroutines hand work back with Post, which queues
// the callback in a locked inbox that Tick drains before firing due events.
package scheduler
