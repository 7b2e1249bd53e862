package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"ircbot/internal/eventbus"
	"ircbot/internal/task/engine"
	"ircbot/internal/task/scheduler"
	logx "ircbot/pkg/logx"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingState is a State that remembers what the connection did to it.
type recordingState struct {
	fed     []string
	out     [][]byte
	resets  int
	badWord string
}

func (s *recordingState) FeedMsg(frame []byte) error {
	if s.badWord != "" && strings.Contains(string(frame), s.badWord) {
		return errors.New("unparseable")
	}
	s.fed = append(s.fed, string(frame))
	return nil
}

func (s *recordingState) TakeMsg() ([]byte, bool) {
	if len(s.out) == 0 {
		return nil, false
	}
	f := s.out[0]
	s.out = s.out[1:]
	return f, true
}

func (s *recordingState) Reset() { s.resets++ }

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	next  func() (net.Conn, error)
}

func (d *fakeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.next()
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) set(fn func() (net.Conn, error)) {
	d.mu.Lock()
	d.next = fn
	d.mu.Unlock()
}

func refused() (net.Conn, error) {
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

// inlineAsync runs dials synchronously on the calling goroutine.
type inlineAsync struct{}

func (inlineAsync) Enqueue(t engine.Task) error {
	t.Done(t.Run(context.Background()))
	return nil
}

// heldAsync keeps tasks until the test releases them.
type heldAsync struct{ tasks []engine.Task }

func (a *heldAsync) Enqueue(t engine.Task) error {
	a.tasks = append(a.tasks, t)
	return nil
}

type harness struct {
	t      *testing.T
	clk    *manualClock
	sched  *scheduler.Service
	dialer *fakeDialer
	state  *recordingState
	c      *Connection
}

func newHarness(t *testing.T, cfg Config, async Async, bus eventbus.Bus) *harness {
	t.Helper()
	clk := &manualClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		t:      t,
		clk:    clk,
		sched:  scheduler.New(scheduler.Config{}, logx.Nop(), scheduler.WithClock(clk.Now)),
		dialer: &fakeDialer{next: refused},
		state:  &recordingState{},
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 1
	}
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	c, err := New(cfg, h.state, Deps{Scheduler: h.sched, Async: async, Dialer: h.dialer, Bus: bus, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	t.Cleanup(c.Close)
	return h
}

// pipe makes the dialer hand out one end of an in-memory socket and returns
// the server end.
func (h *harness) pipe() net.Conn {
	client, server := net.Pipe()
	h.dialer.set(func() (net.Conn, error) { return client, nil })
	h.t.Cleanup(func() { _ = server.Close() })
	return server
}

func (h *harness) tick() {
	h.sched.Tick()
	h.c.Tick()
}

// tickUntil ticks in real time until cond holds; socket data arrives on the
// reader goroutine.
func (h *harness) tickUntil(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s (status %s)", what, h.c.Status())
		}
		h.tick()
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) nextRetry() time.Duration {
	h.t.Helper()
	for _, ev := range h.sched.Snapshot() {
		if ev.Name == h.c.RetryEventName() {
			return ev.Next.Sub(h.clk.Now())
		}
	}
	h.t.Fatalf("no reconnect event pending (status %s)", h.c.Status())
	return 0
}

func (h *harness) connect() net.Conn {
	h.t.Helper()
	server := h.pipe()
	h.c.Start()
	h.sched.Tick()
	if h.c.Status() != Connected {
		h.t.Fatalf("status = %s, want connected", h.c.Status())
	}
	return server
}

func readLines(conn net.Conn) <-chan string {
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			ch <- line
		}
	}()
	return ch
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, logx.Nop())
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty host", cfg: Config{Port: 6667}},
		{name: "host with space", cfg: Config{Host: "irc example", Port: 6667}},
		{name: "port zero", cfg: Config{Host: "irc.example.net"}},
		{name: "port too big", cfg: Config{Host: "irc.example.net", Port: 70000}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, &recordingState{}, Deps{Scheduler: sched}); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestBackoffDoublesToCapAndResetsAfterRegistration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, inlineAsync{}, nil)

	h.c.Start()
	h.tick()
	if h.dialer.Calls() != 1 || h.c.Status() != Disconnected {
		t.Fatalf("after first attempt: calls = %d status = %s", h.dialer.Calls(), h.c.Status())
	}

	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 600, 600}
	for i, w := range want {
		w *= time.Second
		if got := h.nextRetry(); got != w {
			t.Fatalf("retry %d delay = %v, want %v", i+1, got, w)
		}
		h.clk.Advance(w - time.Millisecond)
		h.tick()
		if h.dialer.Calls() != i+1 {
			t.Fatalf("retry %d fired early", i+1)
		}
		h.clk.Advance(time.Millisecond)
		h.tick()
		if h.dialer.Calls() != i+2 {
			t.Fatalf("retry %d did not dial", i+1)
		}
	}

	server := h.pipe()
	h.clk.Advance(h.nextRetry())
	h.tick()
	if h.c.Status() != Connected {
		t.Fatalf("status = %s, want connected", h.c.Status())
	}
	if h.c.SessionID() == "" {
		t.Fatal("connected session has no id")
	}

	go func() { _, _ = io.WriteString(server, ":srv 376 bot :End of /MOTD command.\r\n") }()
	h.tickUntil("registration", func() bool { return h.c.Status() == Registered })
	if h.c.Delay() != time.Second {
		t.Fatalf("delay after registration = %v, want 1s", h.c.Delay())
	}

	_ = server.Close()
	h.tickUntil("disconnect", func() bool { return h.c.Status() == Disconnected })
	if got := h.nextRetry(); got != time.Second {
		t.Fatalf("delay after registered session dropped = %v, want 1s", got)
	}
	if h.state.resets != 1 {
		t.Fatalf("resets = %d, want 1", h.state.resets)
	}
}

func TestOneFramePerTickInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WriteTimeout: time.Second}, inlineAsync{}, nil)
	want := []string{"NICK bot", "USER bot 0 * :Bot", "JOIN #a", "PRIVMSG #a :one", "PRIVMSG #a :two"}
	for _, f := range want {
		h.state.out = append(h.state.out, []byte(f))
	}

	server := h.connect()
	lines := readLines(server)

	for i, w := range want {
		h.c.Tick()
		if left := len(h.state.out); left != len(want)-i-1 {
			t.Fatalf("after tick %d queue = %d, want %d", i+1, left, len(want)-i-1)
		}
		select {
		case got := <-lines:
			if got != w+"\r\n" {
				t.Fatalf("frame %d = %q, want %q", i+1, got, w+"\r\n")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not written", i+1)
		}
	}

	h.c.Tick()
	select {
	case extra := <-lines:
		t.Fatalf("unexpected frame %q", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStalledWriteResumesBeforeNextFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WriteTimeout: 20 * time.Millisecond}, inlineAsync{}, nil)
	h.state.out = [][]byte{[]byte("PRIVMSG #a :first"), []byte("PRIVMSG #a :second")}
	server := h.connect()

	// Nobody reads yet: the write hits its deadline.
	h.c.Tick()
	if h.c.Status() != Connected {
		t.Fatalf("stalled write dropped the connection: %s", h.c.Status())
	}
	if len(h.state.out) != 1 {
		t.Fatalf("queue = %d, want 1", len(h.state.out))
	}

	lines := readLines(server)
	h.tickUntil("first frame", func() bool { return len(lines) >= 1 })
	if got := <-lines; got != "PRIVMSG #a :first\r\n" {
		t.Fatalf("first = %q", got)
	}
	h.tickUntil("second frame", func() bool { return len(lines) >= 1 })
	if got := <-lines; got != "PRIVMSG #a :second\r\n" {
		t.Fatalf("second = %q", got)
	}
}

func TestInboundFramingAndBadFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxLineLength: 64}, inlineAsync{}, nil)
	h.state.badWord = "GARBAGE"
	server := h.connect()

	go func() {
		_, _ = io.WriteString(server, strings.Repeat("x", 200)+"\r\n")
		_, _ = io.WriteString(server, "GARBAGE\r\n:srv NOTICE * :hel")
		_, _ = io.WriteString(server, "lo\r\nPING :x\n")
	}()
	h.tickUntil("two frames", func() bool { return len(h.state.fed) == 2 })

	if h.state.fed[0] != ":srv NOTICE * :hello" || h.state.fed[1] != "PING :x" {
		t.Fatalf("fed = %q", h.state.fed)
	}
	if h.c.Status() != Connected {
		t.Fatalf("malformed input dropped the connection: %s", h.c.Status())
	}
}

func TestResetOncePerSessionAndCloseNeverReschedules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, inlineAsync{}, nil)
	h.connect()

	h.c.Reconnect()
	if h.c.Status() != Disconnected || h.state.resets != 1 {
		t.Fatalf("after Reconnect status = %s resets = %d", h.c.Status(), h.state.resets)
	}
	if got := h.nextRetry(); got != time.Second {
		t.Fatalf("retry in %v, want 1s", got)
	}

	h.c.Reconnect()
	if h.state.resets != 1 {
		t.Fatal("Reconnect while disconnected reset the state again")
	}

	h.c.Close()
	if h.c.Status() != Closing {
		t.Fatalf("status = %s, want closing", h.c.Status())
	}
	if h.state.resets != 1 {
		t.Fatalf("Close from disconnected reset the state: %d", h.state.resets)
	}
	if h.sched.Has(h.c.RetryEventName()) {
		t.Fatal("Close left the reconnect event pending")
	}

	calls := h.dialer.Calls()
	h.clk.Advance(time.Hour)
	h.tick()
	if h.dialer.Calls() != calls {
		t.Fatal("closed connection dialed again")
	}
}

func TestCloseWhileConnectedResetsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, inlineAsync{}, nil)
	server := h.connect()
	lines := readLines(server)

	h.c.Close()
	h.c.Close()
	if h.state.resets != 1 {
		t.Fatalf("resets = %d, want 1", h.state.resets)
	}
	for range lines {
	}
	if h.sched.Has(h.c.RetryEventName()) {
		t.Fatal("reconnect scheduled after Close")
	}
}

func TestDialResultAfterCloseIsDiscarded(t *testing.T) {
	t.Parallel()
	async := &heldAsync{}
	h := newHarness(t, Config{}, async, nil)
	server := h.pipe()

	h.c.Start()
	h.tick()
	if h.c.Status() != Connecting || len(async.tasks) != 1 {
		t.Fatalf("status = %s tasks = %d", h.c.Status(), len(async.tasks))
	}
	h.c.Close()

	task := async.tasks[0]
	task.Done(task.Run(context.Background()))
	if h.c.Status() != Closing || h.c.SessionID() != "" {
		t.Fatalf("late dial revived the connection: %s", h.c.Status())
	}
	buf := make([]byte, 1)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("late socket not closed: %v", err)
	}
}

func TestStateEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	h := newHarness(t, Config{}, inlineAsync{}, bus)
	h.c.Start()
	h.tick()

	var got []string
	for len(got) < 2 {
		select {
		case e := <-events:
			if e.Type != EventStateChanged {
				continue
			}
			ev := e.Data.(StateEvent)
			got = append(got, ev.From+">"+ev.To)
		case <-time.After(time.Second):
			t.Fatalf("events = %q", got)
		}
	}
	if got[0] != "disconnected>connecting" || got[1] != "connecting>disconnected" {
		t.Fatalf("events = %q", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{err: io.EOF, want: "eof"},
		{err: &net.DNSError{Err: "no such host", Name: "nope.invalid"}, want: "dns"},
		{err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: "refused"},
		{err: &net.OpError{Op: "read", Err: syscall.ECONNRESET}, want: "reset"},
		{err: context.DeadlineExceeded, want: "timeout"},
		{err: errors.New("weird"), want: "other"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Fatalf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestDialFallsBackWhenEngineDisabled(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	eng.Apply(ctx, engine.Config{Enabled: false})

	h := newHarness(t, Config{}, eng, nil)
	h.pipe()
	h.c.Start()
	h.tickUntil("connected", func() bool { return h.c.Status() == Connected })
	if h.dialer.Calls() != 1 || h.c.Failures() != 0 {
		t.Fatalf("dialer calls = %d, failures = %d", h.dialer.Calls(), h.c.Failures())
	}
}
