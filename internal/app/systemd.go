package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "ircbot/pkg/logx"
)

const watchdogEvent = "systemd.watchdog"

// sdNotify is a no-op unless systemd.notify is set and NOTIFY_SOCKET exists.
func (a *App) sdNotify(state string) {
	if !a.notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		a.log.Debug("sd_notify skipped (no NOTIFY_SOCKET)", logx.String("state", state))
	}
}

// armWatchdog pings the systemd watchdog from a core-loop event, so a stuck
// loop stops the pings and lets systemd restart the unit. Runs on the core loop.
func (a *App) armWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		a.log.Debug("systemd watchdog not configured for this unit")
		return
	}
	period := interval / 2
	_, err = a.sched.AddPeriodicEvent(func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
			a.log.Warn("watchdog ping failed", logx.Err(err))
		}
	}, period, watchdogEvent)
	if err != nil {
		a.log.Warn("watchdog event not armed", logx.Err(err))
		return
	}
	a.log.Info("systemd watchdog armed", logx.Duration("period", period))
}
