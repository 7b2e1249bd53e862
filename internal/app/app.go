package app

import (
	"context"
	"fmt"
	"time"

	"ircbot/internal/config"
	"ircbot/internal/conn"
	"ircbot/internal/driver"
	"ircbot/internal/eventbus"
	"ircbot/internal/irc"
	"ircbot/internal/observability/ops"
	"ircbot/internal/plugin"
	"ircbot/internal/runtime/supervisor"
	"ircbot/internal/storage"
	"ircbot/internal/task/engine"
	"ircbot/internal/task/scheduler"
	logx "ircbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Option customizes New.
type Option func(*options)

type options struct {
	dialer conn.Dialer
}

// WithDialer replaces the TCP dialer used by every server connection.
func WithDialer(d conn.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

type server struct {
	name  string
	state *irc.State
	conn  *conn.Connection
}

// App owns the core loop and everything hanging off it. Scheduler, plugin,
// IRC state and connection methods only ever run on the core loop goroutine;
// everything else reaches them through sched.Post.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *scheduler.Service
	engine  *engine.Service
	reg     *driver.Registry
	servers []*server
	plugins *plugin.Manager
	ops     *ops.Server

	notify   bool
	loopDone chan struct{}
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log.With(logx.String("comp", "scheduler")))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus, sched)

	drvCfg, err := mapDriverConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := driver.New(drvCfg, log.With(logx.String("comp", "driver")))
	reg.Register(sched)

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sched:    sched,
		engine:   eng,
		reg:      reg,
		notify:   cfg.Systemd.Notify,
		loopDone: make(chan struct{}),
	}

	// A disabled or stopped engine makes dials and plugin tasks fall back to
	// their own goroutines, so reloads may toggle it freely.
	env := &plugin.Env{Log: log, Sched: sched, Async: eng, Bus: bus}
	for i, sc := range cfg.Servers {
		cc, ic, err := mapServerConfig(i, sc)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, err
		}
		st := irc.NewState(ic, log.With(logx.String("comp", "irc"), logx.String("server", cc.Name)))
		c, err := conn.New(cc, st, conn.Deps{
			Scheduler: sched,
			Async:     eng,
			Dialer:    o.dialer,
			Bus:       bus,
			Log:       log,
		})
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		reg.Register(c)
		a.servers = append(a.servers, &server{name: cc.Name, state: st, conn: c})
		env.Servers = append(env.Servers, &plugin.Server{Name: cc.Name, AltNicks: sc.AltNicks, State: st, Conn: c})
	}
	a.plugins = plugin.NewManager(env, log.With(logx.String("comp", "plugins")))

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, log.With(logx.String("comp", "ops")), a.Status)

	return a, nil
}

// Plugins is the registry plugins must be added to before Start.
func (a *App) Plugins() *plugin.Manager { return a.plugins }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if err := a.plugins.Validate(cfg.Plugins); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reloads are validated before they are committed or published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapTaskEngineConfig(c); err != nil {
			return err
		}
		if _, err := mapOpsConfig(c); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(c); err != nil {
			return err
		}
		return a.plugins.Validate(c.Plugins)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.store != nil {
		a.startRecorder()
	}
	a.startEventLog()
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	a.sched.Post(func() {
		for _, s := range a.servers {
			s.conn.Start()
		}
		a.plugins.Apply(cfg.Plugins)
		if cfg.Systemd.Watchdog {
			a.armWatchdog()
		}
	})
	a.sup.Go("core.loop", func(c context.Context) error {
		defer close(a.loopDone)
		return a.reg.RunForever(c)
	})

	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("servers", len(a.servers)))
	return nil
}

// Stop quits every server, then unwinds the background goroutines. Each
// step is bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Plugins and connections are stopped on the core loop while it still runs.
	step("core", 3*time.Second, a.closeOnCore)

	a.sup.Cancel()
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeOnCore(ctx context.Context) error {
	shutdown := func() {
		a.plugins.StopAll()
		for _, s := range a.servers {
			s.conn.Close()
		}
	}
	done := make(chan struct{})
	a.sched.Post(func() {
		shutdown()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-a.loopDone:
		// The loop is gone, so this goroutine owns core state now.
		select {
		case <-done:
		default:
			shutdown()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
