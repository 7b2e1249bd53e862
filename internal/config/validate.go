package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid config")

// ParseDurationField parses a Go duration string found at path.
// Empty means 0; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks everything that can be checked without opening sockets or
// files. Plugin blocks are validated by the plugins themselves.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}

	dur("driver.poll_interval", cfg.Driver.PollInterval)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: invalid %q: %v", tz, err)
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			add("task_engine.queue_size must be >= 0")
		}
		if te.HistorySize < 0 {
			add("task_engine.history_size must be >= 0")
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
	}

	if len(cfg.Servers) == 0 {
		add("servers: at least one server is required")
	}
	seen := map[string]bool{}
	for i, s := range cfg.Servers {
		p := fmt.Sprintf("servers[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add("%s.name is required", p)
		case seen[name]:
			add("%s.name %q is duplicated", p, name)
		}
		seen[name] = true
		if strings.TrimSpace(s.Host) == "" {
			add("%s.host is required", p)
		}
		if s.Port <= 0 || s.Port > 65535 {
			add("%s.port %d out of range", p, s.Port)
		}
		if strings.TrimSpace(s.Nick) == "" || strings.ContainsAny(s.Nick, " \r\n") {
			add("%s.nick must be a single word", p)
		}
		for _, alt := range s.AltNicks {
			if strings.TrimSpace(alt) == "" || strings.ContainsAny(alt, " \r\n") {
				add("%s.alt_nicks contains an invalid nick %q", p, alt)
			}
		}
		if s.MaxLineLength < 0 {
			add("%s.max_line_length must be >= 0", p)
		}
		if s.MaxQueue < 0 {
			add("%s.max_queue must be >= 0", p)
		}
		if s.Flood.RatePerSec < 0 || s.Flood.Burst < 0 {
			add("%s.flood values must be >= 0", p)
		}
		dur(p+".initial_backoff", s.InitialBackoff)
		dur(p+".max_backoff", s.MaxBackoff)
		dur(p+".connect_timeout", s.ConnectTimeout)
		dur(p+".write_timeout", s.WriteTimeout)
		ib, _ := ParseDurationField("", s.InitialBackoff)
		mb, _ := ParseDurationField("", s.MaxBackoff)
		if ib > 0 && mb > 0 && mb < ib {
			add("%s.max_backoff must be >= initial_backoff", p)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required when storage.driver=%s", st.Driver)
			}
		default:
			add("storage.driver: unknown %q", st.Driver)
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if err := validateOps(cfg.Ops); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateOps(o OpsConfig) error {
	if _, err := ParseDurationField("ops.read_timeout", o.ReadTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := ParseDurationField("ops.idle_timeout", o.IdleTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !o.Enabled {
		return nil
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: ops.addr %q: %v", ErrInvalid, addr, err)
	}
	if isLoopbackHost(host) || o.AllowInsecure || strings.TrimSpace(o.Token) != "" {
		return nil
	}
	return fmt.Errorf("%w: ops.addr %q is not loopback; set ops.token or ops.allow_insecure", ErrInvalid, addr)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
