// Package unitwatch polls systemd units and reports state changes to an IRC
// channel. Probes run on the task engine; results are compared on the core
// loop.
package unitwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ircbot/internal/config"
	"ircbot/internal/plugin"
	logx "ircbot/pkg/logx"
	"ircbot/pkg/unitstatus"
)

const (
	defaultInterval = time.Minute
	defaultTimeout  = 2 * time.Second
	minInterval     = 5 * time.Second
)

var errStopped = errors.New("unitwatch stopped")

type Config struct {
	Units    []string `json:"units"`
	Interval string   `json:"interval,omitempty"`
	Timeout  string   `json:"timeout,omitempty"` // per unit
	Server   string   `json:"server,omitempty"`  // empty means every server
	Target   string   `json:"target"`
}

type settings struct {
	units    []string
	interval time.Duration
	timeout  time.Duration
	server   string
	target   string
}

func parse(raw json.RawMessage) (settings, error) {
	var c Config
	if err := config.DecodeStrict(raw, &c); err != nil {
		return settings{}, err
	}
	var errs []error
	s := settings{server: c.Server, target: strings.TrimSpace(c.Target)}
	for _, u := range c.Units {
		if name := unitstatus.UnitName(u); name != "" {
			s.units = append(s.units, name)
		}
	}
	if len(s.units) == 0 {
		errs = append(errs, errors.New("units: at least one unit is required"))
	}
	if s.target == "" || strings.ContainsAny(s.target, " \r\n") {
		errs = append(errs, errors.New("target must be a single word"))
	}
	var err error
	if s.interval, err = config.ParseDurationOrDefault("interval", c.Interval, defaultInterval); err != nil {
		errs = append(errs, err)
	} else if s.interval < minInterval {
		errs = append(errs, fmt.Errorf("interval must be >= %s", minInterval))
	}
	if s.timeout, err = config.ParseDurationOrDefault("timeout", c.Timeout, defaultTimeout); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}

// Prober reads one unit's state. *unitstatus.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, unit string) (unitstatus.Status, error)
	Close() error
}

type Plugin struct {
	open func(ctx context.Context) (Prober, error)

	kit     *plugin.Kit
	cfg     settings
	servers []*plugin.Server

	last     map[string]string
	inflight bool

	// mu guards the prober, which workers open and use off the core loop.
	mu      sync.Mutex
	prober  Prober
	stopped bool
}

func New() *Plugin {
	return &Plugin{open: func(ctx context.Context) (Prober, error) {
		p, err := unitstatus.Open(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	}}
}

func (p *Plugin) Name() string { return "unitwatch" }

func (p *Plugin) Validate(raw json.RawMessage) error {
	_, err := parse(raw)
	return err
}

func (p *Plugin) Start(env *plugin.Env, raw json.RawMessage) error {
	cfg, err := parse(raw)
	if err != nil {
		return err
	}
	if env.Async == nil {
		return plugin.ErrNoAsync
	}
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()

	p.cfg = cfg
	p.kit = plugin.NewKit(p.Name(), env)
	p.servers = nil
	for _, s := range env.Servers {
		if cfg.server == "" || s.Name == cfg.server {
			p.servers = append(p.servers, s)
		}
	}
	p.last = map[string]string{}
	p.inflight = false
	return p.kit.Every("poll", cfg.interval, p.poll)
}

func (p *Plugin) Stop() {
	if p.kit != nil {
		p.kit.Cleanup()
		p.kit = nil
	}
	p.mu.Lock()
	p.stopped = true
	pr := p.prober
	p.prober = nil
	p.mu.Unlock()
	if pr != nil {
		_ = pr.Close()
	}
}

// acquire returns the shared prober, connecting on first use. Runs on a worker.
func (p *Plugin) acquire(ctx context.Context) (Prober, error) {
	p.mu.Lock()
	pr, stopped := p.prober, p.stopped
	p.mu.Unlock()
	if stopped {
		return nil, errStopped
	}
	if pr != nil {
		return pr, nil
	}

	pr, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		_ = pr.Close()
		return nil, errStopped
	}
	if p.prober != nil {
		_ = pr.Close()
		return p.prober, nil
	}
	p.prober = pr
	return pr, nil
}

type result struct {
	st  unitstatus.Status
	err error
}

func (p *Plugin) poll() {
	if p.inflight {
		return
	}
	p.inflight = true

	units, timeout := p.cfg.units, p.cfg.timeout
	results := make([]result, len(units))
	run := func(ctx context.Context) error {
		pr, err := p.acquire(ctx)
		if err != nil {
			return err
		}
		for i, u := range units {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			results[i].st, results[i].err = pr.Probe(pctx, u)
			cancel()
		}
		return nil
	}
	done := func(err error) {
		p.inflight = false
		if err != nil {
			p.kit.Log.Warn("unit probe failed", logx.Err(err))
			return
		}
		p.compare(units, results)
	}
	if err := p.kit.Run("probe", time.Duration(len(units)+1)*timeout, run, done); err != nil {
		p.inflight = false
		p.kit.Log.Warn("unit probe not queued", logx.Err(err))
	}
}

func (p *Plugin) compare(units []string, results []result) {
	for i, u := range units {
		cur := "unknown"
		if r := results[i]; r.err != nil {
			p.kit.Log.Debug("unit probe error", logx.String("unit", u), logx.Err(r.err))
		} else {
			cur = r.st.Summary()
		}
		prev, seen := p.last[u]
		p.last[u] = cur
		switch {
		case !seen && strings.HasPrefix(cur, "failed"):
			p.say(fmt.Sprintf("unit %s is %s", u, cur))
		case seen && prev != cur:
			p.say(fmt.Sprintf("unit %s: %s -> %s", u, prev, cur))
		}
	}
}

func (p *Plugin) say(text string) {
	p.kit.Log.Info("unit state", logx.String("text", text))
	for _, srv := range p.servers {
		if !srv.State.Welcomed() {
			continue
		}
		if err := srv.State.Privmsg(p.cfg.target, text); err != nil {
			p.kit.Log.Warn("unit report not queued", logx.String("server", srv.Name), logx.Err(err))
		}
	}
}
