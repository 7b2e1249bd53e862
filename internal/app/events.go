package app

import (
	"context"
	"time"

	"ircbot/internal/conn"
	"ircbot/internal/eventbus"
	"ircbot/internal/storage"
	logx "ircbot/pkg/logx"
)

// startRecorder persists every connection status transition.
func (a *App) startRecorder() {
	events, unsub := a.bus.Subscribe(256, conn.EventStateChanged)
	a.sup.Go0("sessions.record", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				// Transitions published while closing are still buffered.
				for {
					select {
					case e := <-events:
						a.record(e)
					default:
						return
					}
				}
			case e, ok := <-events:
				if !ok {
					return
				}
				a.record(e)
			}
		}
	})
}

func (a *App) record(e eventbus.Event) {
	ev, ok := e.Data.(conn.StateEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.store.AppendSession(ctx, storage.SessionEntry{
		At:        ev.At,
		Server:    ev.Server,
		SessionID: ev.SessionID,
		From:      ev.From,
		To:        ev.To,
		Reason:    ev.Reason,
		Delay:     ev.Delay,
	})
	if err != nil {
		a.log.Warn("session not recorded", logx.String("server", ev.Server), logx.Err(err))
	}
}

// startEventLog logs every bus event at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise from periodic events.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}
