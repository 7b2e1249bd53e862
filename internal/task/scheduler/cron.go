package scheduler

import (
	"errors"
	"fmt"
	"time"

	"ircbot/internal/observability/metrics"
	logx "ircbot/pkg/logx"
)

// AddCron registers fn on a cron expression evaluated in the scheduler timezone.
//
// Supported forms are those of robfig/cron with optional seconds:
// "*/5 * * * *", "0 30 9 * * MON-FRI", "@hourly", "@every 90s".
func (s *Service) AddCron(fn func(), spec string, name string) (string, error) {
	if fn == nil {
		return "", ErrNilCallback
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	next := func(t time.Time) time.Time { return sched.Next(t.In(s.loc)) }
	first := next(s.now())
	if first.IsZero() {
		return "", fmt.Errorf("cron spec %q never fires", spec)
	}
	name, err = s.claimName(name)
	if err != nil {
		return "", err
	}
	reg := &registration{fn: fn, kind: KindCron, next: next, spec: spec}
	s.events[name] = reg
	s.push(name, reg, first)
	metrics.EventsPending.Set(float64(len(s.events)))
	s.log.Debug("cron event added", logx.String("name", name), logx.String("spec", spec), logx.Time("next", first))
	return name, nil
}

// AddSchedule parses a schedule string (see ParseSchedule) and registers fn as
// either a cron event or a deferred periodic event.
func (s *Service) AddSchedule(fn func(), schedule string, name string) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(fn, ps.Cron, name)
	case SpecInterval:
		return s.AddPeriodicEvent(fn, ps.Every, name, DeferFirst())
	default:
		return "", errors.New("unsupported schedule kind")
	}
}

// Replace removes name if it is live and registers fn under the same name on
// the given schedule. Used when configuration is hot-reloaded.
func (s *Service) Replace(fn func(), schedule string, name string) (string, error) {
	if s.Has(name) {
		if err := s.RemoveEvent(name); err != nil {
			return "", err
		}
	}
	return s.AddSchedule(fn, schedule, name)
}
