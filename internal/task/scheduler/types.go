package scheduler

import (
	"errors"
	"time"
)

var (
	ErrDuplicateName = errors.New("event name already scheduled")
	ErrUnknownName   = errors.New("no event with that name")
	ErrReservedName  = errors.New("integer event names are reserved")
	ErrInvalidPeriod = errors.New("period must be > 0")
	ErrNilCallback   = errors.New("callback required")
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ used for cron schedules, e.g. "Europe/Berlin"
}

// Kind describes how a registration is re-armed after it fires.
type Kind int

const (
	KindOnce Kind = iota
	KindPeriodic
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindPeriodic:
		return "periodic"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// registration is the name map value. seq identifies the single heap entry
// that may fire it; older entries for the same name are stale.
type registration struct {
	fn     func()
	kind   Kind
	period time.Duration
	next   func(time.Time) time.Time // cron only
	spec   string

	seq    uint64
	at     time.Time
	firing bool // recurring callback running; no heap entry until re-armed
}

// EventInfo is a read-only view of a live registration.
type EventInfo struct {
	Name   string
	Kind   Kind
	Next   time.Time
	Period time.Duration
	Spec   string
}

type periodicOpts struct {
	deferFirst bool
}

// PeriodicOption tunes AddPeriodicEvent.
type PeriodicOption func(*periodicOpts)

// DeferFirst skips the immediate invocation; the first fire happens one period
// after registration.
func DeferFirst() PeriodicOption {
	return func(o *periodicOpts) { o.deferFirst = true }
}
