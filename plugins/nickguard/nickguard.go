// Package nickguard picks an alternate nick when the configured one is taken
// and keeps trying to regain the primary nick afterwards.
package nickguard

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"ircbot/internal/config"
	"ircbot/internal/irc"
	"ircbot/internal/plugin"
	"ircbot/internal/task/scheduler"
	logx "ircbot/pkg/logx"
)

const defaultRetry = 60 * time.Second

type Config struct {
	Retry string `json:"retry,omitempty"` // default "60s"
	// Ghost asks NickServ to disconnect whoever holds the primary nick
	// before each regain attempt. Needs NickServPassword.
	Ghost            bool   `json:"ghost,omitempty"`
	NickServ         string `json:"nickserv,omitempty"` // default "NickServ"
	NickServPassword string `json:"nickserv_password,omitempty"`
}

type settings struct {
	retry    time.Duration
	ghost    bool
	nickserv string
	password string
}

func parse(raw json.RawMessage) (settings, error) {
	var c Config
	if err := config.DecodeStrict(raw, &c); err != nil {
		return settings{}, err
	}
	retry, err := config.ParseDurationOrDefault("retry", c.Retry, defaultRetry)
	if err != nil {
		return settings{}, err
	}
	if c.Ghost && strings.TrimSpace(c.NickServPassword) == "" {
		return settings{}, errors.New("ghost requires nickserv_password")
	}
	ns := strings.TrimSpace(c.NickServ)
	if ns == "" {
		ns = "NickServ"
	}
	return settings{retry: retry, ghost: c.Ghost, nickserv: ns, password: c.NickServPassword}, nil
}

type Plugin struct {
	kit *plugin.Kit
	set settings
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "nickguard" }

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
		p.attach(srv)
	}
	return nil
}

func (p *Plugin) Stop() {
	if p.kit != nil {
		p.kit.Cleanup()
		p.kit = nil
	}
}

// guard is the per-server state.
type guard struct {
	p     *Plugin
	srv   *plugin.Server
	log   logx.Logger
	tried int // alternates used on this session
}

func (p *Plugin) attach(srv *plugin.Server) {
	g := &guard{p: p, srv: srv, log: p.kit.Log.With(logx.String("server", srv.Name))}
	k := p.kit
	for _, cmd := range []string{"432", "433", "436", "437"} {
		k.Handle(srv, cmd, g.onNickRejected)
	}
	k.Handle(srv, "001", func(*irc.State, irc.Message) { g.check() })
	k.Handle(srv, "NICK", func(*irc.State, irc.Message) { g.check() })
	k.OnReset(srv, func() {
		g.tried = 0
		k.Cancel(g.event())
	})
}

func (g *guard) event() string { return g.srv.Name + ".regain" }

// candidate returns the i-th fallback nick: configured alternates first,
// then the primary nick with growing underscores.
func (g *guard) candidate(i int) string {
	if i < len(g.srv.AltNicks) {
		return g.srv.AltNicks[i]
	}
	return g.srv.State.PrimaryNick() + strings.Repeat("_", i-len(g.srv.AltNicks)+1)
}

func (g *guard) onNickRejected(st *irc.State, m irc.Message) {
	wanted := m.Param(1)
	if st.Welcomed() {
		// A failed regain attempt; the retry event tries again later.
		g.log.Debug("nick change rejected", logx.String("nick", wanted), logx.String("code", m.Command))
		return
	}
	next := g.candidate(g.tried)
	g.tried++
	g.log.Info("nick unavailable; trying alternate", logx.String("nick", wanted), logx.String("alternate", next))
	if err := st.SetNick(next); err != nil {
		g.log.Warn("nick change not queued", logx.Err(err))
	}
}

// check starts or stops the regain event depending on the current nick.
func (g *guard) check() {
	st := g.srv.State
	k := g.p.kit
	if !st.Welcomed() {
		return
	}
	if strings.EqualFold(st.Nick(), st.PrimaryNick()) {
		if k.Active(g.event()) {
			g.log.Info("primary nick regained", logx.String("nick", st.Nick()))
			k.Cancel(g.event())
		}
		return
	}
	if k.Active(g.event()) {
		return
	}
	err := k.Every(g.event(), g.p.set.retry, g.regain, scheduler.DeferFirst())
	if err != nil {
		g.log.Warn("regain event not armed", logx.Err(err))
	}
}

func (g *guard) regain() {
	st := g.srv.State
	if !st.Welcomed() || strings.EqualFold(st.Nick(), st.PrimaryNick()) {
		return
	}
	if g.p.set.ghost {
		_ = st.Privmsg(g.p.set.nickserv, "GHOST "+st.PrimaryNick()+" "+g.p.set.password)
	}
	if err := st.SetNick(st.PrimaryNick()); err != nil {
		g.log.Warn("nick change not queued", logx.Err(err))
	}
}
