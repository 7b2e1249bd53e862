package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"ircbot/internal/config"
	"ircbot/internal/eventbus"
	logx "ircbot/pkg/logx"
)

var ErrUnknownPlugin = errors.New("unknown plugin")

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Err    string `json:"err,omitempty"`
}

// Manager starts, stops and reconfigures plugins from the "plugins" config
// section. All methods except Validate must run on the core loop.
type Manager struct {
	log logx.Logger
	env *Env

	order   []string
	reg     map[string]Plugin
	running map[string][]byte // compacted config of running plugins
}

func NewManager(env *Env, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:     log,
		env:     env,
		reg:     map[string]Plugin{},
		running: map[string][]byte{},
	}
}

// Register adds plugins. Names must be unique.
func (m *Manager) Register(ps ...Plugin) {
	for _, p := range ps {
		name := p.Name()
		if _, dup := m.reg[name]; dup {
			panic("plugin registered twice: " + name)
		}
		m.reg[name] = p
		m.order = append(m.order, name)
	}
}

// Validate checks every enabled plugin block. Safe for concurrent use.
func (m *Manager) Validate(cfgs map[string]config.PluginConfigRaw) error {
	var errs []error
	for name, pc := range cfgs {
		p, ok := m.reg[name]
		if !ok {
			errs = append(errs, fmt.Errorf("plugins.%s: %w", name, ErrUnknownPlugin))
			continue
		}
		if !pc.Enabled {
			continue
		}
		if err := p.Validate(pc.Config); err != nil {
			errs = append(errs, fmt.Errorf("plugins.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Apply brings running plugins in line with cfgs: disabled ones stop,
// changed ones restart, newly enabled ones start.
func (m *Manager) Apply(cfgs map[string]config.PluginConfigRaw) {
	for _, name := range m.order {
		p := m.reg[name]
		pc, want := cfgs[name]
		want = want && pc.Enabled
		cur, running := m.running[name]
		next := compact(pc.Config)

		if running && (!want || !bytes.Equal(cur, next)) {
			m.stop(p)
			running = false
		}
		if want && !running {
			m.start(p, pc.Config, next)
		}
	}
}

// StopAll stops running plugins in reverse registration order.
func (m *Manager) StopAll() {
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		if _, ok := m.running[name]; ok {
			m.stop(m.reg[name])
		}
	}
}

// Running returns the sorted names of running plugins.
func (m *Manager) Running() []string {
	out := make([]string, 0, len(m.running))
	for name := range m.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) start(p Plugin, raw json.RawMessage, key []byte) {
	name := p.Name()
	err := m.guard(name, "start", func() error { return p.Start(m.env, raw) })
	if err != nil {
		m.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		m.publish("plugin.failed", pluginEvent{Plugin: name, Err: err.Error()})
		// Undo partial registrations.
		_ = m.guard(name, "stop", func() error { p.Stop(); return nil })
		return
	}
	m.running[name] = key
	m.log.Info("plugin started", logx.String("plugin", name))
	m.publish("plugin.started", pluginEvent{Plugin: name})
}

func (m *Manager) stop(p Plugin) {
	name := p.Name()
	delete(m.running, name)
	if err := m.guard(name, "stop", func() error { p.Stop(); return nil }); err != nil {
		m.log.Error("plugin stop failed", logx.String("plugin", name), logx.Err(err))
	}
	m.log.Info("plugin stopped", logx.String("plugin", name))
	m.publish("plugin.stopped", pluginEvent{Plugin: name})
}

func (m *Manager) guard(name, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("plugin panicked", logx.String("plugin", name), logx.String("stage", stage), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", stage, r)
		}
	}()
	return fn()
}

func (m *Manager) publish(typ string, ev pluginEvent) {
	if m.env == nil || m.env.Bus == nil {
		return
	}
	m.env.Bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func compact(raw json.RawMessage) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte{}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append([]byte{}, raw...)
	}
	return buf.Bytes()
}
