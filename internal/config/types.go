package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m") and are parsed by the app when mapping sections onto
// component configs.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Driver    DriverConfig    `json:"driver,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`

	// TaskEngine controls the worker pool used for blocking work such as dials.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Servers []ServerConfig `json:"servers"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`

	Plugins map[string]PluginConfigRaw `json:"plugins,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DriverConfig controls the core loop. PollInterval is the longest the loop
// sleeps between passes when nothing wakes it (default "100ms").
type DriverConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the IANA zone used for cron schedules. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so "omitted" (enabled) differs from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// ServerConfig describes one IRC network. Name must be unique; it labels
// logs, metrics and stored sessions.
type ServerConfig struct {
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Nick     string   `json:"nick"`
	AltNicks []string `json:"alt_nicks,omitempty"`
	User     string   `json:"user,omitempty"`
	Realname string   `json:"realname,omitempty"`
	Password string   `json:"password,omitempty"` // server PASS; never logged
	Channels []string `json:"channels,omitempty"`

	InitialBackoff string `json:"initial_backoff,omitempty"` // default "1s"
	MaxBackoff     string `json:"max_backoff,omitempty"`     // default "10m"
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default "30s"
	WriteTimeout   string `json:"write_timeout,omitempty"`   // default "50ms"
	MaxLineLength  int    `json:"max_line_length,omitempty"` // default 1024
	MaxQueue       int    `json:"max_queue,omitempty"`       // default 512
	QuitMessage    string `json:"quit_message,omitempty"`

	Flood FloodConfig `json:"flood,omitempty"`
}

// FloodConfig paces outbound lines. A zero rate disables pacing.
type FloodConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// StorageConfig controls the optional session audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ircbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the optional operations HTTP server (/metrics, pprof).
//
// Prefer binding to loopback. A non-loopback address needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:9108"
	MetricsPath   string `json:"metrics_path,omitempty"` // default: "/metrics"
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY=1 / STOPPING=1 when NOTIFY_SOCKET is set.
	Notify bool `json:"notify,omitempty"`
	// Watchdog pings WATCHDOG=1 from a periodic core event when the unit
	// has WatchdogSec configured.
	Watchdog bool `json:"watchdog,omitempty"`
}

// PluginConfigRaw carries a plugin's enable flag and its own config block,
// which the plugin decodes itself.
type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos fail on load and on reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// DecodeStrict decodes raw into v rejecting unknown fields. Empty raw is a no-op.
func DecodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
