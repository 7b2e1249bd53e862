// Package announce posts configured messages to channels on cron or
// interval schedules.
package announce

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ircbot/internal/config"
	"ircbot/internal/plugin"
	"ircbot/internal/task/scheduler"
	logx "ircbot/pkg/logx"
)

type Message struct {
	Name string `json:"name"`
	// Schedule accepts cron ("0 9 * * MON-FRI", "@hourly"), durations ("30m")
	// and HH:MM intervals ("01:30").
	Schedule string `json:"schedule"`
	Server   string `json:"server,omitempty"` // empty means every server
	Target   string `json:"target"`
	Text     string `json:"text"`
}

type Config struct {
	Messages []Message `json:"messages"`
}

func parse(raw json.RawMessage) (Config, error) {
	var c Config
	if err := config.DecodeStrict(raw, &c); err != nil {
		return Config{}, err
	}
	var errs []error
	seen := map[string]bool{}
	for i, m := range c.Messages {
		p := fmt.Sprintf("messages[%d]", i)
		name := strings.TrimSpace(m.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", p))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", p, name))
		}
		seen[name] = true
		if _, err := scheduler.ParseSchedule(m.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", p, err))
		}
		if strings.TrimSpace(m.Target) == "" || strings.ContainsAny(m.Target, " \r\n") {
			errs = append(errs, fmt.Errorf("%s.target must be a single word", p))
		}
		if strings.TrimSpace(m.Text) == "" {
			errs = append(errs, fmt.Errorf("%s.text is required", p))
		}
	}
	return c, errors.Join(errs...)
}

type Plugin struct {
	kit *plugin.Kit
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "announce" }

func (p *Plugin) Validate(raw json.RawMessage) error {
	_, err := parse(raw)
	return err
}

func (p *Plugin) Start(env *plugin.Env, raw json.RawMessage) error {
	cfg, err := parse(raw)
	if err != nil {
		return err
	}
	p.kit = plugin.NewKit(p.Name(), env)
	for _, m := range cfg.Messages {
		m := m
		targets := serversFor(env.Servers, m.Server)
		if len(targets) == 0 {
			p.kit.Log.Warn("announce has no matching server", logx.String("name", m.Name), logx.String("server", m.Server))
			continue
		}
		if err := p.kit.Schedule(m.Name, m.Schedule, func() { p.post(targets, m) }); err != nil {
			return fmt.Errorf("announce %q: %w", m.Name, err)
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

func serversFor(all []*plugin.Server, name string) []*plugin.Server {
	if name == "" {
		return all
	}
	for _, s := range all {
		if s.Name == name {
			return []*plugin.Server{s}
		}
	}
	return nil
}

func (p *Plugin) post(servers []*plugin.Server, m Message) {
	for _, srv := range servers {
		// Skip servers that are offline; announcements are not queued for later.
		if !srv.State.Welcomed() {
			continue
		}
		if err := srv.State.Privmsg(m.Target, m.Text); err != nil {
			p.kit.Log.Warn("announce not queued", logx.String("name", m.Name), logx.String("server", srv.Name), logx.Err(err))
		}
	}
}
