package conn

import (
	"context"
	"errors"
	"net"
	"time"

	"ircbot/internal/eventbus"
	"ircbot/internal/task/engine"
	logx "ircbot/pkg/logx"
)

// ErrInvalidConfig is returned by New for a host or port that can never work.
var ErrInvalidConfig = errors.New("invalid connection config")

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 600 * time.Second
	DefaultMaxLineLength  = 1024
	DefaultConnectTimeout = 30 * time.Second
	DefaultWriteTimeout   = 50 * time.Millisecond

	// maxChunksPerTick bounds inbound work done in a single Tick.
	maxChunksPerTick = 16
	readBufferSize   = 4096
)

// EventStateChanged is the event bus topic for status transitions.
const EventStateChanged = "conn.state"

// State is the protocol collaborator a Connection pumps frames through.
// All three methods run on the core loop.
type State interface {
	FeedMsg(frame []byte) error
	TakeMsg() ([]byte, bool)
	Reset()
}

// Scheduler is the part of the timed-event scheduler a Connection uses.
type Scheduler interface {
	Now() time.Time
	AddEvent(fn func(), at time.Time, name string) (string, error)
	RemoveEvent(name string) error
	Post(fn func())
}

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Async runs blocking work off the core loop. *engine.Service satisfies it.
type Async interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	// Name labels logs, metrics and scheduler events. Defaults to host:port.
	Name string
	Host string
	Port int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxLineLength  int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// FloodRate limits outbound frames per second on top of the one frame per
	// tick rule. 0 disables it.
	FloodRate  float64
	FloodBurst int

	QuitMessage string
}

type Deps struct {
	Scheduler Scheduler
	// Async defaults to a goroutine per dial with the result posted back.
	Async  Async
	Dialer Dialer
	Bus    eventbus.Bus
	Log    logx.Logger
}

// Status is the connection lifecycle state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Registered
	Closing
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Registered:
		return "registered"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

func (s Status) online() bool { return s == Connected || s == Registered }

// StateEvent is published on EventStateChanged.
type StateEvent struct {
	Server    string    `json:"server"`
	SessionID string    `json:"session_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Delay     string    `json:"delay,omitempty"`
	At        time.Time `json:"at"`
}
