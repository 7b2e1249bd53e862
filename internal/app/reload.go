package app

import (
	"context"
	"strings"

	"ircbot/internal/config"
	logx "ircbot/pkg/logx"
)

// Sections that are only read at startup.
var restartSections = map[string]bool{
	"servers":   true,
	"storage":   true,
	"scheduler": true,
	"systemd":   true,
}

// startReload fans committed config reloads out to the live components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs, plugins := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(plugins) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", plugins))
	}

	var restart []string
	for _, s := range sections {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if ec, err := mapTaskEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
		if ec.Enabled {
			a.engine.Start(ctx)
		}
	}

	if oc, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	dc, derr := mapDriverConfig(cfg)
	if derr != nil {
		a.log.Warn("invalid driver config; keeping previous", logx.Err(derr))
	}
	a.sched.Post(func() {
		if derr == nil {
			a.reg.SetPollInterval(dc.PollInterval)
		}
		a.plugins.Apply(cfg.Plugins)
	})

	a.log.Info("config reloaded", fields...)
}
