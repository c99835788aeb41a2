package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feishubot/internal/config"
	"feishubot/internal/eventbus"
	"feishubot/internal/plugin"
	"feishubot/internal/runtime/supervisor"
	"feishubot/internal/scheduler"
	"feishubot/internal/storage"
	logx "feishubot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sched *scheduler.Service
	pm    *plugin.Manager
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateGlobal(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgPath: cfgPath, logs: logSvc, log: log.With(logx.String("comp", "app"))}

	// Reloads are validated before commit: global sections here, plugin blocks
	// by the plugin manager.
	a.cfgm = config.NewManager(cfgPath,
		config.WithLogger(log),
		config.WithValidator(a.validate),
	)
	a.cfgm.Commit(cfg)

	a.bus = eventbus.New()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, log)

	deps := plugin.Deps{
		Logger:    log,
		Config:    a.cfgm,
		Bus:       a.bus,
		Scheduler: a.sched,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	a.pm = plugin.NewManager(log, a.cfgm, deps)
	return a, nil
}

func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	if err := validateGlobal(cfg); err != nil {
		return err
	}
	return a.pm.ValidateConfig(ctx, cfg)
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Trigger fires a registered command, e.g. "/feishu".
func (a *App) Trigger(ctx context.Context, route string, data map[string]any) error {
	return a.pm.Trigger(ctx, route, data)
}

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sched.Start(a.sup.Context())

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	// Debug trail of everything on the bus.
	events, unsubEvents := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsubEvents()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	updates, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer unsubCfg()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-updates:
				if !ok {
					return nil
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
	}

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case prev && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	a.pm.OnConfigUpdate(newCfg)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Plugins first: they close their pools while the scheduler can still be unregistered from.
	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, string(reason)); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
