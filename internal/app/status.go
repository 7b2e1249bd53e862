package app

import (
	"time"

	"ircbot/internal/task/engine"
	"ircbot/internal/task/scheduler"
)

const statusTimeout = 2 * time.Second

type ServerStatus struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Status    string `json:"status"`
	Nick      string `json:"nick"`
	SessionID string `json:"session_id,omitempty"`
	Pending   int    `json:"pending"`
	Failures  int    `json:"failures"`
	Delay     string `json:"delay"`
}

type EventStatus struct {
	Name   string    `json:"name"`
	Kind   string    `json:"kind"`
	Next   time.Time `json:"next"`
	Period string    `json:"period,omitempty"`
	Spec   string    `json:"spec,omitempty"`
}

// Status is the document served on /status.
type Status struct {
	Servers    []ServerStatus  `json:"servers"`
	Events     []EventStatus   `json:"events"`
	Plugins    []string        `json:"plugins"`
	Engine     engine.Snapshot `json:"engine"`
	Passes     uint64          `json:"passes"`
	BusDropped uint64          `json:"bus_dropped"`
	Error      string          `json:"error,omitempty"`
}

// Status collects a snapshot on the core loop. It is safe to call from any
// goroutine and gives up after a short wait if the loop is busy or gone.
func (a *App) Status() any {
	out := Status{
		Engine:     a.engine.Snapshot(),
		Passes:     a.reg.Passes(),
		BusDropped: a.bus.Dropped(),
	}
	ch := make(chan Status, 1)
	a.sched.Post(func() { ch <- a.coreStatus() })

	t := time.NewTimer(statusTimeout)
	defer t.Stop()
	select {
	case s := <-ch:
		out.Servers, out.Events, out.Plugins = s.Servers, s.Events, s.Plugins
	case <-a.loopDone:
		out.Error = "core loop stopped"
	case <-t.C:
		out.Error = "core loop busy"
	}
	return out
}

func (a *App) coreStatus() Status {
	var s Status
	for _, srv := range a.servers {
		s.Servers = append(s.Servers, ServerStatus{
			Name:      srv.name,
			Addr:      srv.conn.Addr(),
			Status:    srv.conn.Status().String(),
			Nick:      srv.state.Nick(),
			SessionID: srv.conn.SessionID(),
			Pending:   srv.state.Pending(),
			Failures:  srv.conn.Failures(),
			Delay:     srv.conn.Delay().String(),
		})
	}
	for _, e := range a.sched.Snapshot() {
		es := EventStatus{Name: e.Name, Kind: e.Kind.String(), Next: e.Next, Spec: e.Spec}
		if e.Kind == scheduler.KindPeriodic {
			es.Period = e.Period.String()
		}
		s.Events = append(s.Events, es)
	}
	s.Plugins = a.plugins.Running()
	return s
}
