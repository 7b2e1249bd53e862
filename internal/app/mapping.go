package app

import (
	"fmt"
	"strings"
	"time"

	"ircbot/internal/config"
	"ircbot/internal/conn"
	"ircbot/internal/driver"
	"ircbot/internal/irc"
	"ircbot/internal/observability/ops"
	"ircbot/internal/storage"
	"ircbot/internal/task/engine"
	logx "ircbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDriverConfig(cfg *config.Config) (driver.Config, error) {
	poll, err := config.ParseDurationOrDefault("driver.poll_interval", cfg.Driver.PollInterval, driver.DefaultPollInterval)
	if err != nil {
		return driver.Config{}, err
	}
	return driver.Config{PollInterval: poll}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 2, QueueSize: 64, HistorySize: 100}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

// mapServerConfig splits one server block into the connection and the IRC
// session configs.
func mapServerConfig(i int, sc config.ServerConfig) (conn.Config, irc.Config, error) {
	p := fmt.Sprintf("servers[%d]", i)
	initial, err := config.ParseDurationOrDefault(p+".initial_backoff", sc.InitialBackoff, conn.DefaultInitialBackoff)
	if err != nil {
		return conn.Config{}, irc.Config{}, err
	}
	maxB, err := config.ParseDurationOrDefault(p+".max_backoff", sc.MaxBackoff, conn.DefaultMaxBackoff)
	if err != nil {
		return conn.Config{}, irc.Config{}, err
	}
	connectTimeout, err := config.ParseDurationOrDefault(p+".connect_timeout", sc.ConnectTimeout, conn.DefaultConnectTimeout)
	if err != nil {
		return conn.Config{}, irc.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault(p+".write_timeout", sc.WriteTimeout, conn.DefaultWriteTimeout)
	if err != nil {
		return conn.Config{}, irc.Config{}, err
	}

	cc := conn.Config{
		Name:           strings.TrimSpace(sc.Name),
		Host:           strings.TrimSpace(sc.Host),
		Port:           sc.Port,
		InitialBackoff: initial,
		MaxBackoff:     maxB,
		MaxLineLength:  sc.MaxLineLength,
		ConnectTimeout: connectTimeout,
		WriteTimeout:   writeTimeout,
		FloodRate:      sc.Flood.RatePerSec,
		FloodBurst:     sc.Flood.Burst,
		QuitMessage:    sc.QuitMessage,
	}
	ic := irc.Config{
		Nick:     strings.TrimSpace(sc.Nick),
		User:     sc.User,
		Realname: sc.Realname,
		Password: sc.Password,
		Channels: sc.Channels,
		MaxQueue: sc.MaxQueue,
	}
	return cc, ic, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	drv := strings.ToLower(strings.TrimSpace(sc.Driver))
	if drv == "" || drv == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch drv {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: drv, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationField("ops.read_timeout", o.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationField("ops.idle_timeout", o.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		MetricsPath:   o.MetricsPath,
		Pprof:         o.Pprof,
		PprofPrefix:   o.PprofPrefix,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   rt,
		IdleTimeout:   it,
	}, nil
}

// OpenStorage opens the store described by cfg.storage for offline tools.
// It returns storage.ErrDisabled when no store is configured.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}
