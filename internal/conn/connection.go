package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ircbot/internal/eventbus"
	"ircbot/internal/irc"
	"ircbot/internal/observability/metrics"
	"ircbot/internal/task/engine"
	logx "ircbot/pkg/logx"
)

// Connection is a reconnecting client for one IRC server. It is a driver: the
// core loop calls Tick, and every other method must also be called from the
// core loop.
type Connection struct {
	cfg   Config
	addr  string
	state State
	sched Scheduler
	async Async
	dial  Dialer
	bus   eventbus.Bus
	log   logx.Logger

	status   Status
	delay    time.Duration
	failures int

	retryName    string
	retryPending bool

	// attempt invalidates dial results that arrive after Close or a newer attempt.
	attempt uint64
	sess    *session
	framer  *framer
	limiter *rate.Limiter
	wake    chan struct{}
}

// New validates cfg and returns a Disconnected connection. Start schedules the
// first attempt.
func New(cfg Config, state State, deps Deps) (*Connection, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" || strings.ContainsAny(cfg.Host, " \t\r\n/") {
		return nil, fmt.Errorf("%w: bad host %q", ErrInvalidConfig, cfg.Host)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: bad port %d", ErrInvalidConfig, cfg.Port)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: state required", ErrInvalidConfig)
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler required", ErrInvalidConfig)
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if cfg.Name == "" {
		cfg.Name = addr
	}

	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}

	c := &Connection{
		cfg:       cfg,
		addr:      addr,
		state:     state,
		sched:     deps.Scheduler,
		async:     deps.Async,
		dial:      dialer,
		bus:       deps.Bus,
		log:       log.With(logx.String("comp", "conn"), logx.String("server", cfg.Name)),
		status:    Disconnected,
		delay:     cfg.InitialBackoff,
		retryName: "conn." + cfg.Name + ".reconnect",
		framer:    newFramer(cfg.MaxLineLength),
		wake:      make(chan struct{}, 1),
	}
	if cfg.FloodRate > 0 {
		burst := cfg.FloodBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.FloodRate), burst)
	}
	metrics.ConnState.WithLabelValues(cfg.Name).Set(float64(Disconnected))
	metrics.ReconnectDelay.WithLabelValues(cfg.Name).Set(c.delay.Seconds())
	return c, nil
}

// Name identifies the connection in driver logs.
func (c *Connection) Name() string { return "conn/" + c.cfg.Name }

func (c *Connection) Server() string         { return c.cfg.Name }
func (c *Connection) Addr() string           { return c.addr }
func (c *Connection) Status() Status         { return c.status }
func (c *Connection) Delay() time.Duration   { return c.delay }
func (c *Connection) Failures() int          { return c.failures }
func (c *Connection) RetryEventName() string { return c.retryName }

// SessionID is the id of the live socket, or "".
func (c *Connection) SessionID() string {
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Wakeup is signalled when the reader goroutine hands over data.
func (c *Connection) Wakeup() <-chan struct{} { return c.wake }

// Start schedules an immediate connect attempt.
func (c *Connection) Start() {
	if c.status != Disconnected || c.retryPending {
		return
	}
	c.schedule(c.sched.Now())
}

// Tick services one round of inbound then outbound I/O.
func (c *Connection) Tick() {
	if c.sess == nil || !c.status.online() {
		return
	}
	c.pumpIn()
	if c.sess != nil {
		c.pumpOut()
	}
}

// Close stops the connection for good: any pending attempt is cancelled and
// the socket is dropped after a best-effort QUIT.
func (c *Connection) Close() {
	if c.status == Closing {
		return
	}
	from := c.status
	c.cancelRetry()
	c.attempt++

	if c.sess != nil && from == Registered {
		c.quit()
	}
	c.setStatus(Closing, "closed")
	if c.sess != nil {
		c.sess.close()
		c.sess = nil
	}
	if from.online() {
		c.resetState()
	}
}

// Reconnect drops the live session, if any. The next attempt follows the
// normal backoff.
func (c *Connection) Reconnect() {
	if c.sess == nil || !c.status.online() {
		return
	}
	c.disconnect("reconnect requested", nil)
}

func (c *Connection) attemptConnect() {
	c.retryPending = false
	if c.status != Disconnected {
		return
	}
	c.attempt++
	gen := c.attempt
	c.setStatus(Connecting, "")
	c.log.Info("connecting", logx.String("addr", c.addr), logx.Int("failures", c.failures))

	var nc net.Conn
	run := func(ctx context.Context) error {
		var err error
		nc, err = c.dial.DialContext(ctx, "tcp", c.addr)
		return err
	}
	done := func(err error) { c.onDialed(gen, nc, err) }

	task := engine.Task{
		Name:    "dial:" + c.cfg.Name,
		Timeout: c.cfg.ConnectTimeout,
		Run:     run,
		Done:    done,
	}
	if c.async == nil {
		engine.RunDetached(task, c.sched)
		return
	}
	err := c.async.Enqueue(task)
	switch {
	case err == nil:
	case engine.Unavailable(err):
		c.log.Debug("task engine unavailable; dialing on a goroutine", logx.Err(err))
		engine.RunDetached(task, c.sched)
	default:
		c.onDialed(gen, nil, fmt.Errorf("dial not started: %w", err))
	}
}

func (c *Connection) onDialed(gen uint64, nc net.Conn, err error) {
	if gen != c.attempt || c.status != Connecting {
		if nc != nil {
			_ = nc.Close()
		}
		return
	}
	if err == nil && nc == nil {
		err = errors.New("dialer returned no connection")
	}
	if err != nil {
		class := classify(err)
		metrics.ConnectAttempts.WithLabelValues(c.cfg.Name, class).Inc()
		c.failures++
		c.setStatus(Disconnected, "connect failed: "+class)
		c.log.Warn("connect failed",
			logx.String("addr", c.addr),
			logx.String("class", class),
			logx.Err(err),
			logx.Duration("retry_in", c.delay),
		)
		c.schedule(c.sched.Now().Add(c.delay))
		c.delay *= 2
		if c.delay > c.cfg.MaxBackoff {
			c.delay = c.cfg.MaxBackoff
		}
		metrics.ReconnectDelay.WithLabelValues(c.cfg.Name).Set(c.delay.Seconds())
		return
	}

	metrics.ConnectAttempts.WithLabelValues(c.cfg.Name, "ok").Inc()
	c.sess = newSession(uuid.NewString(), nc)
	c.framer.reset()
	c.setStatus(Connected, "")
	c.log.Info("connected", logx.String("addr", c.addr), logx.String("session", c.sess.id))

	sess := c.sess
	go sess.read(c.signal)
}

func (c *Connection) pumpIn() {
	sess := c.sess
	for i := 0; i < maxChunksPerTick; i++ {
		var ch chunk
		select {
		case ch = <-sess.in:
		default:
			return
		}
		if ch.err != nil {
			c.disconnect("read: "+classify(ch.err), ch.err)
			return
		}
		c.framer.push(ch.data, func(frame []byte) bool {
			c.deliver(frame)
			return c.sess == sess
		}, func(size int) {
			metrics.FramesDropped.WithLabelValues(c.cfg.Name, "oversize").Inc()
			c.log.Warn("oversize frame dropped", logx.Int("size", size), logx.Int("max", c.cfg.MaxLineLength))
		})
		if c.sess != sess {
			return
		}
	}
}

func (c *Connection) deliver(frame []byte) {
	metrics.FramesIn.WithLabelValues(c.cfg.Name).Inc()
	func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.FramesDropped.WithLabelValues(c.cfg.Name, "panic").Inc()
				c.log.Error("state panicked on frame", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		if err := c.state.FeedMsg(frame); err != nil {
			metrics.FramesDropped.WithLabelValues(c.cfg.Name, "parse").Inc()
			c.log.Warn("frame rejected", logx.Err(err), logx.Int("size", len(frame)))
		}
	}()

	if c.status != Connected || c.sess == nil {
		return
	}
	switch irc.Command(frame) {
	case "376", "377", "422":
		c.delay = c.cfg.InitialBackoff
		c.failures = 0
		metrics.ReconnectDelay.WithLabelValues(c.cfg.Name).Set(c.delay.Seconds())
		c.setStatus(Registered, "")
	}
}

// pumpOut writes at most one frame. A frame cut short by the write deadline
// is finished on later ticks before another is taken.
func (c *Connection) pumpOut() {
	sess := c.sess
	if len(sess.out) == 0 {
		now := time.Now()
		if c.limiter != nil && c.limiter.TokensAt(now) < 1 {
			return
		}
		frame, ok := c.takeMsg()
		if !ok {
			return
		}
		if c.limiter != nil {
			c.limiter.AllowN(now, 1)
		}
		frame = bytes.TrimRight(frame, "\r\n")
		sess.out = append(append(sess.out[:0], frame...), '\r', '\n')
	}

	_ = sess.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	n, err := sess.nc.Write(sess.out)
	sess.out = sess.out[n:]
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.log.Debug("write stalled; resuming next tick", logx.Int("written", n), logx.Int("left", len(sess.out)))
			return
		}
		c.disconnect("write: "+classify(err), err)
		return
	}
	if len(sess.out) == 0 {
		metrics.FramesOut.WithLabelValues(c.cfg.Name).Inc()
	}
}

func (c *Connection) takeMsg() (frame []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("state panicked in TakeMsg", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			frame, ok = nil, false
		}
	}()
	return c.state.TakeMsg()
}

// disconnect leaves Connected/Registered: the socket is dropped, the state is
// reset once and a retry is scheduled at the current delay.
func (c *Connection) disconnect(reason string, err error) {
	if !c.status.online() {
		return
	}
	c.setStatus(Disconnected, reason)
	if c.sess != nil {
		c.sess.close()
		c.sess = nil
	}
	c.framer.reset()
	c.log.Warn("disconnected", logx.String("reason", reason), logx.Err(err), logx.Duration("retry_in", c.delay))
	c.resetState()
	if c.status == Disconnected {
		c.schedule(c.sched.Now().Add(c.delay))
	}
}

func (c *Connection) resetState() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("state panicked in Reset", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	c.state.Reset()
}

func (c *Connection) quit() {
	msg := c.cfg.QuitMessage
	if msg == "" {
		msg = "shutting down"
	}
	line, err := irc.Message{Command: "QUIT", Params: []string{msg}}.Bytes()
	if err != nil {
		c.log.Warn("quit not sent", logx.Err(err))
		return
	}
	line = append(line, '\r', '\n')
	_ = c.sess.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, _ = c.sess.nc.Write(line)
}

func (c *Connection) schedule(at time.Time) {
	c.cancelRetry()
	if _, err := c.sched.AddEvent(c.attemptConnect, at, c.retryName); err != nil {
		c.log.Error("reconnect not scheduled", logx.Err(err))
		return
	}
	c.retryPending = true
}

func (c *Connection) cancelRetry() {
	if !c.retryPending {
		return
	}
	c.retryPending = false
	if err := c.sched.RemoveEvent(c.retryName); err != nil {
		c.log.Debug("reconnect event already gone", logx.Err(err))
	}
}

func (c *Connection) setStatus(to Status, reason string) {
	from := c.status
	if from == to {
		return
	}
	c.status = to
	metrics.ConnState.WithLabelValues(c.cfg.Name).Set(float64(to))
	c.log.Debug("status changed", logx.String("from", from.String()), logx.String("to", to.String()), logx.String("reason", reason))

	if c.bus == nil {
		return
	}
	ev := StateEvent{
		Server: c.cfg.Name,
		From:   from.String(),
		To:     to.String(),
		Reason: reason,
		At:     c.sched.Now(),
	}
	if c.sess != nil {
		ev.SessionID = c.sess.id
	}
	if to == Disconnected {
		ev.Delay = c.delay.String()
	}
	c.bus.Publish(eventbus.Event{Type: EventStateChanged, Time: ev.At, Data: ev})
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
