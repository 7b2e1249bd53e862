package scheduler

import (
	"container/heap"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ircbot/internal/observability/metrics"
	logx "ircbot/pkg/logx"
)

// compactMinStale is the smallest number of stale heap entries worth a rebuild.
const compactMinStale = 64

type Service struct {
	log logx.Logger
	cfg Config
	loc *time.Location
	now func() time.Time

	parser cron.Parser

	heap   eventHeap
	events map[string]*registration
	seq    uint64
	autoID uint64
	stale  int

	// inbox is the only state shared with other goroutines.
	inboxMu sync.Mutex
	inbox   []func()
	spare   []func()
	wake    chan struct{}
}

// Option configures a Service at construction.
type Option func(*Service)

// WithClock replaces time.Now. Tests use it to drive the scheduler manually.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log,
		cfg: cfg,
		now: time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		events: map[string]*registration{},
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation()
	return s
}

// Name identifies the scheduler in driver logs.
func (s *Service) Name() string { return "scheduler" }

// Now returns the scheduler clock.
func (s *Service) Now() time.Time { return s.now() }

// Len reports the number of live registrations.
func (s *Service) Len() int { return len(s.events) }

// Has reports whether name is a live registration.
func (s *Service) Has(name string) bool {
	_, ok := s.events[strings.TrimSpace(name)]
	return ok
}

// AddEvent schedules fn to run once at the first Tick at or after at.
// An empty name gets an auto-assigned integer name. The effective name is returned.
func (s *Service) AddEvent(fn func(), at time.Time, name string) (string, error) {
	if fn == nil {
		return "", ErrNilCallback
	}
	name, err := s.claimName(name)
	if err != nil {
		return "", err
	}
	reg := &registration{fn: fn, kind: KindOnce}
	s.events[name] = reg
	s.push(name, reg, at)
	metrics.EventsPending.Set(float64(len(s.events)))
	s.log.Trace("event added", logx.String("name", name), logx.Time("at", at))
	return name, nil
}

// AddPeriodicEvent runs fn now, before returning, and then every period.
// DeferFirst() suppresses the immediate call.
func (s *Service) AddPeriodicEvent(fn func(), period time.Duration, name string, opts ...PeriodicOption) (string, error) {
	if fn == nil {
		return "", ErrNilCallback
	}
	if period <= 0 {
		return "", ErrInvalidPeriod
	}
	var po periodicOpts
	for _, o := range opts {
		o(&po)
	}
	name, err := s.claimName(name)
	if err != nil {
		return "", err
	}
	reg := &registration{fn: fn, kind: KindPeriodic, period: period}
	s.events[name] = reg
	s.push(name, reg, s.now().Add(period))
	metrics.EventsPending.Set(float64(len(s.events)))
	s.log.Debug("periodic event added", logx.String("name", name), logx.Duration("period", period), logx.Bool("deferred", po.deferFirst))

	if !po.deferFirst {
		s.fire(name, fn)
	}
	return name, nil
}

// RemoveEvent drops a registration. Its pending heap entry is discarded lazily
// on a later Tick. Names are trimmed the same way AddEvent trims them.
func (s *Service) RemoveEvent(name string) error {
	name = strings.TrimSpace(name)
	reg, ok := s.events[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	delete(s.events, name)
	if !reg.firing {
		s.stale++
	}
	metrics.EventsPending.Set(float64(len(s.events)))
	s.log.Trace("event removed", logx.String("name", name))
	s.maybeCompact()
	return nil
}

// Post queues fn to run on the next Tick. It is safe for concurrent use and is
// the only way background goroutines may reach scheduler-owned state.
func (s *Service) Post(fn func()) {
	if fn == nil {
		return
	}
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()
	metrics.InboxPosted.Inc()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wakeup is signalled whenever Post queues work, so the driver loop can cut its
// poll sleep short.
func (s *Service) Wakeup() <-chan struct{} { return s.wake }

// Tick drains the inbox and fires every event due at the current time.
func (s *Service) Tick() {
	s.drainInbox()

	for len(s.heap) > 0 {
		top := s.heap[0]
		if top.at.After(s.now()) {
			return
		}
		heap.Pop(&s.heap)

		reg, ok := s.events[top.name]
		if !ok || reg.seq != top.seq {
			if s.stale > 0 {
				s.stale--
			}
			continue
		}

		if reg.kind == KindOnce {
			delete(s.events, top.name)
			metrics.EventsPending.Set(float64(len(s.events)))
			s.fire(top.name, reg.fn)
			continue
		}

		// Recurring events re-arm from the clock after the callback returns;
		// a slow callback fires at most once per Tick.
		reg.firing = true
		s.fire(top.name, reg.fn)
		reg.firing = false
		if cur, live := s.events[top.name]; live && cur == reg {
			s.rearm(top.name, reg)
		}
		metrics.EventsPending.Set(float64(len(s.events)))
	}
}

func (s *Service) rearm(name string, reg *registration) {
	now := s.now()
	if reg.kind == KindPeriodic {
		s.push(name, reg, now.Add(reg.period))
		return
	}
	next := reg.next(now)
	if next.IsZero() {
		delete(s.events, name)
		s.log.Warn("cron schedule has no future run; dropping", logx.String("name", name), logx.String("spec", reg.spec))
		return
	}
	s.push(name, reg, next)
}

// Snapshot lists live registrations ordered by next fire time.
func (s *Service) Snapshot() []EventInfo {
	out := make([]EventInfo, 0, len(s.events))
	for name, reg := range s.events {
		out = append(out, EventInfo{Name: name, Kind: reg.kind, Next: reg.at, Period: reg.period, Spec: reg.spec})
	}
	sortInfos(out)
	return out
}

func (s *Service) drainInbox() {
	s.inboxMu.Lock()
	jobs := s.inbox
	s.inbox = s.spare[:0]
	s.inboxMu.Unlock()

	if len(jobs) == 0 {
		s.spare = jobs
		return
	}
	now := s.now()
	for i, fn := range jobs {
		if _, err := s.AddEvent(fn, now, ""); err != nil {
			s.log.Error("inbox callback dropped", logx.Err(err))
		}
		jobs[i] = nil
	}
	s.spare = jobs[:0]
}

func (s *Service) fire(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanics.Inc()
			s.log.Error("event callback panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	metrics.EventsFired.Inc()
	fn()
}

func (s *Service) push(name string, reg *registration, at time.Time) {
	s.seq++
	reg.seq = s.seq
	reg.at = at
	heap.Push(&s.heap, entry{at: at, seq: s.seq, name: name})
}

// claimName validates a caller name or allocates the next integer name.
func (s *Service) claimName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		for {
			s.autoID++
			n := strconv.FormatUint(s.autoID, 10)
			if _, taken := s.events[n]; !taken {
				return n, nil
			}
		}
	}
	if _, err := strconv.ParseInt(name, 10, 64); err == nil {
		return "", fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	if _, ok := s.events[name]; ok {
		return "", fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	return name, nil
}

// maybeCompact rebuilds the heap once stale entries dominate it.
func (s *Service) maybeCompact() {
	if s.stale < compactMinStale || s.stale*2 < len(s.heap) {
		return
	}
	live := s.heap[:0]
	for _, e := range s.heap {
		if reg, ok := s.events[e.name]; ok && reg.seq == e.seq {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(s.heap); i++ {
		s.heap[i] = entry{}
	}
	s.heap = live
	heap.Init(&s.heap)
	s.stale = 0
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
