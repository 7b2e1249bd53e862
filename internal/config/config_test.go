package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const minimalJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "servers": [{"name": "libera", "host": "irc.libera.chat", "port": 6667, "nick": "ircbot"}]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	yamlBody := `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
servers:
  - name: oftc
    host: irc.oftc.net
    port: 6697
    nick: bot
    alt_nicks: [bot_, bot__]
    flood: {rate_per_sec: 0.5, burst: 4}
plugins:
  keepalive:
    enabled: true
    config: {interval: 90s}
`
	tests := []struct {
		name string
		file string
		body string
		want func(*Config) bool
	}{
		{
			name: "json",
			file: "c.json",
			body: minimalJSON,
			want: func(c *Config) bool { return c.Servers[0].Port == 6667 && c.Logging.Level == "info" },
		},
		{
			name: "yaml",
			file: "c.yaml",
			body: yamlBody,
			want: func(c *Config) bool {
				s := c.Servers[0]
				return s.Name == "oftc" && s.Flood.Burst == 4 && len(s.AltNicks) == 2 &&
					c.Plugins["keepalive"].Enabled && strings.Contains(string(c.Plugins["keepalive"].Config), "90s")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, dir, tt.file, tt.body))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !tt.want(cfg) {
				t.Fatalf("unexpected config %+v", cfg)
			}
			if m.Get() != cfg {
				t.Fatalf("Get did not return the committed config")
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown top-level field", body: `{"servers": [], "irc": {}}`},
		{name: "unknown plugin field", body: `{"plugins": {"x": {"enabled": true, "allow": []}}}`},
		{name: "trailing data", body: minimalJSON + ` {}`},
		{name: "not json", body: `servers = 1`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, t.TempDir(), "c.json", tt.body))
			if _, err := m.Parse(); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("IRCBOT_TEST_PASS", "s3cret")
	body := strings.Replace(minimalJSON, `"nick": "ircbot"`, `"nick": "ircbot", "password": "${IRCBOT_TEST_PASS}", "realname": "$HOME"`, 1)
	m := NewConfigManager(writeFile(t, t.TempDir(), "c.json", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Servers[0].Password; got != "s3cret" {
		t.Fatalf("password = %q", got)
	}
	if got := cfg.Servers[0].Realname; got != "$HOME" {
		t.Fatalf("bare $NAME should be kept, got %q", got)
	}
}

func validConfig() *Config {
	return &Config{Servers: []ServerConfig{{Name: "a", Host: "h", Port: 6667, Nick: "n"}}}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	f := false
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "no servers", mutate: func(c *Config) { c.Servers = nil }, wantErr: "at least one server"},
		{name: "dup name", mutate: func(c *Config) { c.Servers = append(c.Servers, c.Servers[0]) }, wantErr: "duplicated"},
		{name: "bad port", mutate: func(c *Config) { c.Servers[0].Port = 70000 }, wantErr: "port"},
		{name: "nick with space", mutate: func(c *Config) { c.Servers[0].Nick = "a b" }, wantErr: "nick"},
		{name: "bad duration", mutate: func(c *Config) { c.Servers[0].MaxBackoff = "soon" }, wantErr: "max_backoff"},
		{name: "max below initial", mutate: func(c *Config) {
			c.Servers[0].InitialBackoff, c.Servers[0].MaxBackoff = "10s", "1s"
		}, wantErr: "max_backoff must be"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, wantErr: "timezone"},
		{name: "engine disabled", mutate: func(c *Config) { c.TaskEngine = &TaskEngineConfig{Enabled: &f} }},
		{name: "storage driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, wantErr: "storage.driver"},
		{name: "storage path", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, wantErr: "storage.path"},
		{name: "ops public", mutate: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:9108"} }, wantErr: "not loopback"},
		{name: "ops public with token", mutate: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:9108", Token: "t"} }},
		{name: "ops loopback", mutate: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "localhost:9108"} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validConfig()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err does not wrap ErrInvalid: %v", err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "c.json", minimalJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if _, err := m.Reload(ctx); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("reload unchanged: %v", err)
	}

	writeFile(t, filepath.Dir(path), "c.json", strings.Replace(minimalJSON, "6667", "0", 1))
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("invalid reload accepted")
	}
	if m.Get().Servers[0].Port != 6667 {
		t.Fatalf("rejected config was committed")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	writeFile(t, filepath.Dir(path), "c.json", strings.Replace(minimalJSON, "6667", "6697", 1))
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("validator ignored")
	}
	m.SetValidator(nil)

	cfg, err := m.Reload(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	select {
	case got := <-sub:
		if got != cfg || got.Servers[0].Port != 6697 {
			t.Fatalf("published %+v", got)
		}
	default:
		t.Fatalf("nothing published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("slow subscriber should see the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel not closed")
	}
	m.publish(a)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "c.json", minimalJSON)
	m := NewConfigManager(path)
	m.SetDebounce(20 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is up and notices.
		writeFile(t, dir, "c.json", strings.Replace(minimalJSON, `"info"`, `"debug"`, 1))
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-deadline:
			t.Fatalf("no reload observed")
		case <-tick.C:
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := validConfig()
	oldCfg.Plugins = map[string]PluginConfigRaw{"announce": {Enabled: true, Config: []byte(`{"a":1,"b":2}`)}}

	newCfg := validConfig()
	newCfg.Logging.Level = "debug"
	newCfg.Servers[0].Password = "x"
	newCfg.Ops.Token = "secret"
	newCfg.Plugins = map[string]PluginConfigRaw{"announce": {Enabled: true, Config: []byte(`{ "b":2, "a":1 }`)}, "keepalive": {Enabled: true}}

	sections, attrs, plugins := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"logging", "ops", "plugins", "servers"}; !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if want := []string{"keepalive"}; !reflect.DeepEqual(plugins, want) {
		t.Fatalf("plugins = %v, want %v", plugins, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}

	if s, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}
