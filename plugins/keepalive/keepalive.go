// Package keepalive pings each registered server periodically and forces a
// reconnect when the PONG does not arrive in time.
package keepalive

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"ircbot/internal/config"
	"ircbot/internal/irc"
	"ircbot/internal/plugin"
	"ircbot/internal/task/scheduler"
	logx "ircbot/pkg/logx"
)

const (
	defaultInterval = 90 * time.Second
	defaultTimeout  = 60 * time.Second
)

type Config struct {
	Interval string `json:"interval,omitempty"` // default "90s"
	Timeout  string `json:"timeout,omitempty"`  // default "60s"
}

type settings struct {
	interval, timeout time.Duration
}

func parse(raw json.RawMessage) (settings, error) {
	var c Config
	if err := config.DecodeStrict(raw, &c); err != nil {
		return settings{}, err
	}
	iv, err := config.ParseDurationOrDefault("interval", c.Interval, defaultInterval)
	if err != nil {
		return settings{}, err
	}
	to, err := config.ParseDurationOrDefault("timeout", c.Timeout, defaultTimeout)
	if err != nil {
		return settings{}, err
	}
	if iv < time.Second {
		return settings{}, errors.New("interval must be >= 1s")
	}
	return settings{interval: iv, timeout: to}, nil
}

type Plugin struct {
	kit *plugin.Kit
	set settings
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "keepalive" }

func (p *Plugin) Validate(raw json.RawMessage) error {
	_, err := parse(raw)
	return err
}

func (p *Plugin) Start(env *plugin.Env, raw json.RawMessage) error {
	set, err := parse(raw)
	if err != nil {
		return err
	}
	p.set = set
	p.kit = plugin.NewKit(p.Name(), env)
	for _, srv := range env.Servers {
		if err := p.attach(srv); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) Stop() {
	if p.kit != nil {
		p.kit.Cleanup()
		p.kit = nil
	}
}

func pingEvent(srv *plugin.Server) string { return srv.Name + ".ping" }
func lagEvent(srv *plugin.Server) string  { return srv.Name + ".lag" }

func (p *Plugin) attach(srv *plugin.Server) error {
	k := p.kit
	log := k.Log.With(logx.String("server", srv.Name))

	// Any PONG proves the link is alive.
	k.Handle(srv, "PONG", func(*irc.State, irc.Message) { k.Cancel(lagEvent(srv)) })
	k.OnReset(srv, func() { k.Cancel(lagEvent(srv)) })

	return k.Every(pingEvent(srv), p.set.interval, func() {
		if !srv.State.Welcomed() || k.Active(lagEvent(srv)) {
			return
		}
		token := strconv.FormatInt(k.Now().UnixNano(), 10)
		if err := srv.State.Send(irc.Message{Command: "PING", Params: []string{token}}); err != nil {
			log.Warn("ping not queued", logx.Err(err))
			return
		}
		err := k.After(lagEvent(srv), p.set.timeout, func() {
			log.Warn("ping timeout; reconnecting", logx.Duration("timeout", p.set.timeout))
			srv.Conn.Reconnect()
		})
		if err != nil {
			log.Warn("lag timer not armed", logx.Err(err))
		}
	}, scheduler.DeferFirst())
}
