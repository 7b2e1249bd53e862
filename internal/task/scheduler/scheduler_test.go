package scheduler

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logx "ircbot/pkg/logx"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, *manualClock) {
	t.Helper()
	clk := &manualClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Timezone: "UTC"}, logx.Nop(), WithClock(clk.Now)), clk
}

func TestOneShotEventsFireInTimeOrder(t *testing.T) {
	s, clk := newTestService(t)
	var fired []string
	now := clk.Now()

	if _, err := s.AddEvent(func() { fired = append(fired, "f") }, now.Add(500*time.Millisecond), ""); err != nil {
		t.Fatalf("AddEvent f: %v", err)
	}
	if _, err := s.AddEvent(func() { fired = append(fired, "g") }, now.Add(100*time.Millisecond), ""); err != nil {
		t.Fatalf("AddEvent g: %v", err)
	}

	clk.Advance(200 * time.Millisecond)
	s.Tick()
	if strings.Join(fired, ",") != "g" {
		t.Fatalf("after 0.2s fired = %v, want [g]", fired)
	}

	clk.Advance(400 * time.Millisecond)
	s.Tick()
	s.Tick()
	if strings.Join(fired, ",") != "g,f" {
		t.Fatalf("after 0.6s fired = %v, want [g f]", fired)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestEqualFireTimesKeepInsertionOrder(t *testing.T) {
	s, clk := newTestService(t)
	at := clk.Now().Add(time.Second)
	var fired []int
	for i := 0; i < 10; i++ {
		i := i
		if _, err := s.AddEvent(func() { fired = append(fired, i) }, at, ""); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}
	clk.Advance(time.Second)
	s.Tick()
	for i, v := range fired {
		if v != i {
			t.Fatalf("fired = %v, want ascending insertion order", fired)
		}
	}
	if len(fired) != 10 {
		t.Fatalf("fired %d events, want 10", len(fired))
	}
}

func TestAutoNamesAreIncreasingIntegers(t *testing.T) {
	s, clk := newTestService(t)
	a, _ := s.AddEvent(func() {}, clk.Now(), "")
	b, _ := s.AddEvent(func() {}, clk.Now(), "")
	if a != "1" || b != "2" {
		t.Fatalf("auto names = %q, %q, want \"1\", \"2\"", a, b)
	}
}

func TestPeriodicEventFiresImmediatelyThenEveryPeriod(t *testing.T) {
	s, clk := newTestService(t)
	count := 0
	name, err := s.AddPeriodicEvent(func() { count++ }, time.Second, "beat")
	if err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	if name != "beat" {
		t.Fatalf("name = %q, want beat", name)
	}
	if count != 1 {
		t.Fatalf("count after registration = %d, want 1", count)
	}

	for i := 0; i < 11; i++ {
		clk.Advance(100 * time.Millisecond)
		s.Tick()
	}
	if count != 2 {
		t.Fatalf("count after 1.1s = %d, want 2", count)
	}

	if err := s.RemoveEvent("beat"); err != nil {
		t.Fatalf("RemoveEvent: %v", err)
	}
	for i := 0; i < 20; i++ {
		clk.Advance(100 * time.Millisecond)
		s.Tick()
	}
	if count != 2 {
		t.Fatalf("count after removal = %d, want 2", count)
	}
}

func TestPeriodicDeferFirst(t *testing.T) {
	s, clk := newTestService(t)
	count := 0
	if _, err := s.AddPeriodicEvent(func() { count++ }, time.Second, "later", DeferFirst()); err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	if count != 0 {
		t.Fatalf("deferred periodic fired on registration")
	}
	clk.Advance(time.Second)
	s.Tick()
	clk.Advance(time.Second)
	s.Tick()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestPeriodicRejectsNonPositivePeriod(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.AddPeriodicEvent(func() {}, 0, "zero"); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("err = %v, want ErrInvalidPeriod", err)
	}
}

func TestNameErrors(t *testing.T) {
	s, clk := newTestService(t)

	if _, err := s.AddEvent(func() {}, clk.Now().Add(time.Second), "7"); !errors.Is(err, ErrReservedName) {
		t.Fatalf("integer name err = %v, want ErrReservedName", err)
	}
	if _, err := s.AddEvent(func() {}, clk.Now().Add(time.Second), "42"); !errors.Is(err, ErrReservedName) {
		t.Fatalf("integer name err = %v, want ErrReservedName", err)
	}

	if _, err := s.AddEvent(func() {}, clk.Now().Add(time.Second), "ghost"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := s.AddEvent(func() {}, clk.Now().Add(time.Second), "ghost"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateName", err)
	}

	if err := s.RemoveEvent("ghost"); err != nil {
		t.Fatalf("RemoveEvent: %v", err)
	}
	if err := s.RemoveEvent("ghost"); !errors.Is(err, ErrUnknownName) {
		t.Fatalf("second remove err = %v, want ErrUnknownName", err)
	}
	if _, err := s.AddEvent(nil, clk.Now(), ""); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("nil callback err = %v, want ErrNilCallback", err)
	}
}

func TestRemovedEventNeverFires(t *testing.T) {
	s, clk := newTestService(t)
	fired := false
	if _, err := s.AddEvent(func() { fired = true }, clk.Now().Add(time.Second), "timeout"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := s.RemoveEvent("timeout"); err != nil {
		t.Fatalf("RemoveEvent: %v", err)
	}
	clk.Advance(2 * time.Second)
	s.Tick()
	if fired {
		t.Fatal("removed event fired")
	}
}

func TestRemoveInsideTickPreventsLaterDueEvent(t *testing.T) {
	s, clk := newTestService(t)
	at := clk.Now()
	secondFired := false
	if _, err := s.AddEvent(func() {
		if err := s.RemoveEvent("second"); err != nil {
			t.Errorf("RemoveEvent: %v", err)
		}
	}, at, "first"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := s.AddEvent(func() { secondFired = true }, at, "second"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	s.Tick()
	if secondFired {
		t.Fatal("event removed by an earlier callback in the same tick still fired")
	}
}

func TestRemoveCurrentlyFiringEventIsNoop(t *testing.T) {
	s, clk := newTestService(t)
	var removeErr error
	if _, err := s.AddEvent(func() { removeErr = s.RemoveEvent("self") }, clk.Now(), "self"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	s.Tick()
	if !errors.Is(removeErr, ErrUnknownName) {
		t.Fatalf("self remove err = %v, want ErrUnknownName", removeErr)
	}
}

func TestReaddedNameDoesNotFireAtOldTime(t *testing.T) {
	s, clk := newTestService(t)
	fired := 0
	if _, err := s.AddEvent(func() { fired++ }, clk.Now().Add(time.Second), "retry"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := s.RemoveEvent("retry"); err != nil {
		t.Fatalf("RemoveEvent: %v", err)
	}
	if _, err := s.AddEvent(func() { fired++ }, clk.Now().Add(10*time.Second), "retry"); err != nil {
		t.Fatalf("AddEvent again: %v", err)
	}
	clk.Advance(2 * time.Second)
	s.Tick()
	if fired != 0 {
		t.Fatalf("re-added event fired at the stale time")
	}
	clk.Advance(8 * time.Second)
	s.Tick()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestReentrantAddBecomesVisibleInSameTick(t *testing.T) {
	s, clk := newTestService(t)
	var order []string
	if _, err := s.AddEvent(func() {
		order = append(order, "outer")
		_, _ = s.AddEvent(func() { order = append(order, "inner-now") }, clk.Now(), "")
		_, _ = s.AddEvent(func() { order = append(order, "inner-later") }, clk.Now().Add(time.Minute), "")
	}, clk.Now(), ""); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	s.Tick()
	if strings.Join(order, ",") != "outer,inner-now" {
		t.Fatalf("order = %v", order)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 pending", s.Len())
	}
}

func TestPanickingCallbackDoesNotBlockOthers(t *testing.T) {
	var buf bytes.Buffer
	clk := &manualClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(Config{}, logx.NewJSON(&buf, "debug"), WithClock(clk.Now))

	at := clk.Now().Add(time.Second)
	ran := 0
	if _, err := s.AddEvent(func() { panic("value error") }, at, "broken"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := s.AddEvent(func() { ran++ }, at, "healthy"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	clk.Advance(time.Second)
	s.Tick()
	if ran != 1 {
		t.Fatalf("healthy event ran %d times, want 1", ran)
	}
	if !strings.Contains(buf.String(), `"name":"broken"`) {
		t.Fatalf("panic log does not name the event: %s", buf.String())
	}

	if _, err := s.AddEvent(func() { ran++ }, clk.Now().Add(time.Second), "after"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	clk.Advance(time.Second)
	s.Tick()
	if ran != 2 {
		t.Fatalf("later tick ran = %d, want 2", ran)
	}
}

func TestPostFromGoroutinesRunsOnTick(t *testing.T) {
	s, _ := newTestService(t)
	var wg sync.WaitGroup
	count := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Post(func() { count++ })
		}()
	}
	wg.Wait()

	select {
	case <-s.Wakeup():
	default:
		t.Fatal("Post did not signal wakeup")
	}
	if count != 0 {
		t.Fatal("posted callbacks ran before Tick")
	}
	s.Tick()
	if count != 50 {
		t.Fatalf("count = %d, want 50", count)
	}
}

func TestPostedCallbacksKeepPostOrder(t *testing.T) {
	s, _ := newTestService(t)
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		s.Post(func() { got = append(got, i) })
	}
	s.Tick()
	for i, v := range got {
		if v != i {
			t.Fatalf("got = %v, want post order", got)
		}
	}
}

func TestCronEventRearms(t *testing.T) {
	s, clk := newTestService(t)
	count := 0
	if _, err := s.AddCron(func() { count++ }, "*/5 * * * *", "report"); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	clk.Advance(4 * time.Minute)
	s.Tick()
	if count != 0 {
		t.Fatalf("cron fired early")
	}
	clk.Advance(time.Minute)
	s.Tick()
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	info := s.Snapshot()
	if len(info) != 1 || info[0].Kind != KindCron {
		t.Fatalf("snapshot = %+v", info)
	}
	want := time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC)
	if !info[0].Next.Equal(want) {
		t.Fatalf("next = %v, want %v", info[0].Next, want)
	}
}

func TestAddScheduleInterval(t *testing.T) {
	s, clk := newTestService(t)
	count := 0
	if _, err := s.AddSchedule(func() { count++ }, "00:10", "tenmin"); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if count != 0 {
		t.Fatal("interval schedules should not fire on registration")
	}
	clk.Advance(10 * time.Minute)
	s.Tick()
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if _, err := s.AddSchedule(func() {}, "not-a-schedule", "bad"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestReplaceSwapsSchedule(t *testing.T) {
	s, clk := newTestService(t)
	a, b := 0, 0
	if _, err := s.Replace(func() { a++ }, "1m", "announce"); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := s.Replace(func() { b++ }, "2m", "announce"); err != nil {
		t.Fatalf("Replace again: %v", err)
	}
	clk.Advance(2 * time.Minute)
	s.Tick()
	if a != 0 || b != 1 {
		t.Fatalf("a=%d b=%d, want 0 and 1", a, b)
	}
}

func TestStaleEntriesAreCompacted(t *testing.T) {
	s, clk := newTestService(t)
	for i := 0; i < 200; i++ {
		name, err := s.AddEvent(func() {}, clk.Now().Add(time.Hour), "")
		if err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		if err := s.RemoveEvent(name); err != nil {
			t.Fatalf("RemoveEvent: %v", err)
		}
	}
	if len(s.heap) >= 200 {
		t.Fatalf("heap len = %d, expected compaction", len(s.heap))
	}
}

func TestSlowPeriodicCallbackFiresOncePerTick(t *testing.T) {
	s, clk := newTestService(t)
	fires := 0
	if _, err := s.AddPeriodicEvent(func() {
		fires++
		clk.Advance(2 * time.Second)
	}, time.Second, "slow", DeferFirst()); err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}

	clk.Advance(time.Second)
	done := make(chan struct{})
	go func() {
		s.Tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick did not return")
	}
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
	next := s.Snapshot()[0].Next
	if want := clk.Now().Add(time.Second); !next.Equal(want) {
		t.Fatalf("next = %v, want %v (one period after the callback returned)", next, want)
	}
}

func TestSlowCronCallbackFiresOncePerTick(t *testing.T) {
	s, clk := newTestService(t)
	fires := 0
	if _, err := s.AddCron(func() {
		fires++
		clk.Advance(5 * time.Second)
	}, "* * * * * *", "every-second"); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	clk.Advance(time.Second)
	s.Tick()
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
	if !s.Has("every-second") {
		t.Fatal("cron event not re-armed")
	}
}

func TestPeriodicSelfRemoveStopsRearm(t *testing.T) {
	s, clk := newTestService(t)
	fires := 0
	var removeErr error
	if _, err := s.AddPeriodicEvent(func() {
		fires++
		removeErr = s.RemoveEvent("once-more")
	}, time.Second, "once-more", DeferFirst()); err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	clk.Advance(time.Second)
	s.Tick()
	clk.Advance(time.Second)
	s.Tick()
	if removeErr != nil || fires != 1 || s.Len() != 0 {
		t.Fatalf("removeErr = %v, fires = %d, Len = %d", removeErr, fires, s.Len())
	}
}

func TestNamesAreTrimmedConsistently(t *testing.T) {
	s, clk := newTestService(t)
	name, err := s.AddEvent(func() {}, clk.Now().Add(time.Minute), " beat ")
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if name != "beat" {
		t.Fatalf("name = %q, want beat", name)
	}
	if !s.Has(" beat") {
		t.Fatal("Has does not find the untrimmed name")
	}
	if err := s.RemoveEvent(" beat"); err != nil {
		t.Fatalf("RemoveEvent: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}
