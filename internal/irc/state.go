package irc

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	logx "ircbot/pkg/logx"
)

const defaultMaxQueue = 512

var ErrQueueFull = errors.New("outbound queue full")

type Config struct {
	Nick     string
	User     string
	Realname string
	Password string
	Channels []string

	// MaxQueue bounds both the outbound queue and the messages held back
	// until registration completes.
	MaxQueue int
}

// Handler reacts to an inbound message. Handlers run on the core loop.
type Handler func(s *State, m Message)

// State is the per-server IRC session model the connection talks to.
//
// Outbound frames sent before the server welcomes us (001) are held back and
// released after the registration burst. Reset discards session state and
// queues a fresh burst for the next connection.
type State struct {
	cfg Config
	log logx.Logger

	out  [][]byte
	held [][]byte

	nick     string
	welcomed bool

	handlers map[string][]handlerEntry
	onReset  []resetEntry
	seq      uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type resetEntry struct {
	id uint64
	fn func()
}

func NewState(cfg Config, log logx.Logger) *State {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = defaultMaxQueue
	}
	if cfg.User == "" {
		cfg.User = cfg.Nick
	}
	if cfg.Realname == "" {
		cfg.Realname = cfg.Nick
	}
	s := &State{
		cfg:      cfg,
		log:      log,
		handlers: map[string][]handlerEntry{},
	}
	s.queueBurst()
	return s
}

// Nick is the nickname the server currently knows us by.
func (s *State) Nick() string { return s.nick }

// PrimaryNick is the configured nickname.
func (s *State) PrimaryNick() string { return s.cfg.Nick }

// Welcomed reports whether 001 was received on the current session.
func (s *State) Welcomed() bool { return s.welcomed }

// Pending reports the number of frames waiting to be written.
func (s *State) Pending() int { return len(s.out) }

// Handle registers fn for a command ("PRIVMSG", "433", ...). "*" receives
// every message. The returned func unregisters it.
func (s *State) Handle(command string, fn Handler) (remove func()) {
	if fn == nil {
		return func() {}
	}
	cmd := strings.ToUpper(strings.TrimSpace(command))
	s.seq++
	id := s.seq
	s.handlers[cmd] = append(s.handlers[cmd], handlerEntry{id: id, fn: fn})
	return func() {
		hs := s.handlers[cmd]
		for i, h := range hs {
			if h.id == id {
				s.handlers[cmd] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// OnReset registers fn to run whenever the session is reset. The returned
// func unregisters it.
func (s *State) OnReset(fn func()) (remove func()) {
	if fn == nil {
		return func() {}
	}
	s.seq++
	id := s.seq
	s.onReset = append(s.onReset, resetEntry{id: id, fn: fn})
	return func() {
		for i, r := range s.onReset {
			if r.id == id {
				s.onReset = append(s.onReset[:i:i], s.onReset[i+1:]...)
				return
			}
		}
	}
}

// Send queues m for the server.
func (s *State) Send(m Message) error {
	frame, err := m.Bytes()
	if err != nil {
		return err
	}
	if !s.welcomed && !preRegistration(m.Command) {
		if len(s.held) >= s.cfg.MaxQueue {
			return ErrQueueFull
		}
		s.held = append(s.held, frame)
		return nil
	}
	return s.enqueue(frame)
}

// Sendf formats a raw line and queues it.
func (s *State) Sendf(format string, args ...any) error {
	m, err := Parse(fmt.Sprintf(format, args...))
	if err != nil {
		return err
	}
	return s.Send(m)
}

// Privmsg sends text to a channel or nick.
func (s *State) Privmsg(target, text string) error {
	return s.Send(Message{Command: "PRIVMSG", Params: []string{target, text}})
}

// SetNick asks the server for a new nickname. Nick() changes once the server confirms.
func (s *State) SetNick(nick string) error {
	return s.Send(Message{Command: "NICK", Params: []string{nick}})
}

// FeedMsg handles one inbound frame.
func (s *State) FeedMsg(frame []byte) error {
	m, err := Parse(string(frame))
	if err != nil {
		return err
	}

	switch m.Command {
	case "PING":
		// PONG goes to the front of the queue.
		if frame, err := (Message{Command: "PONG", Params: m.Params}).Bytes(); err == nil {
			s.out = append([][]byte{frame}, s.out...)
		}
	case "001":
		s.welcomed = true
		if n := m.Param(0); n != "" {
			s.nick = n
		}
		s.log.Info("registered with server", logx.String("nick", s.nick))
		for _, ch := range s.cfg.Channels {
			_ = s.enqueueMsg(Message{Command: "JOIN", Params: []string{ch}})
		}
		held := s.held
		s.held = nil
		for _, f := range held {
			if err := s.enqueue(f); err != nil {
				s.log.Warn("held message dropped", logx.Err(err))
			}
		}
	case "NICK":
		if strings.EqualFold(m.Nick(), s.nick) {
			s.nick = m.Param(0)
			s.log.Info("nick changed", logx.String("nick", s.nick))
		}
	}

	s.dispatch(m.Command, m)
	s.dispatch("*", m)
	return nil
}

// TakeMsg pops the oldest outbound frame.
func (s *State) TakeMsg() ([]byte, bool) {
	if len(s.out) == 0 {
		return nil, false
	}
	f := s.out[0]
	s.out[0] = nil
	s.out = s.out[1:]
	return f, true
}

// Reset drops everything tied to the finished session and prepares the
// registration burst for the next one.
func (s *State) Reset() {
	s.out = nil
	s.held = nil
	s.welcomed = false
	s.queueBurst()
	for _, r := range s.onReset {
		s.safe("reset hook", r.fn)
	}
}

func (s *State) queueBurst() {
	s.nick = s.cfg.Nick
	if s.cfg.Password != "" {
		_ = s.enqueueMsg(Message{Command: "PASS", Params: []string{s.cfg.Password}})
	}
	_ = s.enqueueMsg(Message{Command: "NICK", Params: []string{s.cfg.Nick}})
	_ = s.enqueueMsg(Message{Command: "USER", Params: []string{s.cfg.User, "0", "*", s.cfg.Realname}})
}

func (s *State) enqueueMsg(m Message) error {
	frame, err := m.Bytes()
	if err != nil {
		s.log.Warn("outbound message not encodable", logx.String("command", m.Command), logx.Err(err))
		return err
	}
	return s.enqueue(frame)
}

func (s *State) enqueue(frame []byte) error {
	if len(s.out) >= s.cfg.MaxQueue {
		s.log.Warn("outbound queue full; dropping frame", logx.Int("max", s.cfg.MaxQueue))
		return ErrQueueFull
	}
	s.out = append(s.out, frame)
	return nil
}

func (s *State) dispatch(key string, m Message) {
	for _, h := range s.handlers[key] {
		fn := h.fn
		s.safe("handler "+key, func() { fn(s, m) })
	}
}

func (s *State) safe(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("irc "+what+" panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func preRegistration(cmd string) bool {
	switch strings.ToUpper(cmd) {
	case "PASS", "NICK", "USER", "PONG", "QUIT", "CAP":
		return true
	}
	return false
}
