// Package app wires schedgate's components from config and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"schedgate/internal/api"
	"schedgate/internal/config"
	"schedgate/internal/dispatch"
	"schedgate/internal/eventbus"
	"schedgate/internal/executor"
	"schedgate/internal/notify"
	"schedgate/internal/observability/metrics"
	"schedgate/internal/observability/pprof"
	rtsup "schedgate/internal/runtime/supervisor"
	"schedgate/internal/schedule"
	"schedgate/internal/skills"
	"schedgate/internal/storage"
	"schedgate/internal/task/engine"
	"schedgate/internal/task/scheduler"
	logx "schedgate/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine    *engine.Service
	registry  *scheduler.Registry
	notif     *notify.Service
	skills    *skills.Catalog
	schedules *schedule.Service
	http      *api.Server
	pprof     *pprof.Service
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	// Forwarding needs a notifier channel, which does not exist yet: start
	// with it off and turn it on once the channel is built.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Forward.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))
	fail = func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	dcfg, ecfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	exec, err := executor.New(ecfg, store, root.With(logx.String("comp", "executor")))
	if err != nil {
		return fail(err)
	}

	skcfg, err := mapSkillsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	catalog := skills.New(skcfg, root.With(logx.String("comp", "skills")))

	router := dispatch.New(dcfg, dispatch.Deps{
		Profiles: store,
		Tools:    store,
		Tasks:    store,
		Skills:   catalog,
		Executor: exec,
		Log:      root.With(logx.String("comp", "dispatch")),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.New(reg)
	if err != nil {
		return fail(err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notify.New(ncfg, root.With(logx.String("comp", "notifier")), bus, store)

	schedCfg, regCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return fail(err)
	}
	registry := scheduler.New(regCfg, root.With(logx.String("comp", "registry")), bus)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eng := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)

	svc := schedule.NewService(schedCfg, schedule.Deps{
		Store:      store,
		Dispatcher: router,
		Observer:   recorder,
		Notifier:   notif,
		Registry:   registry,
		Runner:     eng,
		Bus:        bus,
		Log:        root.With(logx.String("comp", "schedule")),
	})

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	srv, err := api.NewServer(hcfg, api.Deps{
		Schedules:  svc,
		Skills:     catalog,
		Store:      store,
		Log:        root.With(logx.String("comp", "http")),
		Registerer: reg,
		Gatherer:   reg,
	})
	if err != nil {
		return fail(err)
	}

	ppcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		engine:    eng,
		registry:  registry,
		notif:     notif,
		skills:    catalog,
		schedules: svc,
		http:      srv,
		pprof:     pprof.New(ppcfg, root),
	}
	a.applyLogging(cfg)
	return a, nil
}

// Schedules exposes the schedule service (used by tests and tooling).
func (a *App) Schedules() *schedule.Service { return a.schedules }

// HTTPAddr is the bound management address once started.
func (a *App) HTTPAddr() string { return a.http.Addr() }

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

// applyLogging points log forwarding at the configured notifier channel and
// applies the logging section.
func (a *App) applyLogging(cfg *config.Config) {
	lc := mapLoggingConfig(cfg)
	if lc.Forward.Enabled {
		var fwd logx.Forwarder
		if ch, ok := a.notif.Channel(strings.TrimSpace(cfg.Logging.Forward.Channel)); ok {
			fwd, _ = ch.(logx.Forwarder)
		}
		if fwd == nil {
			a.log.Warn("log forwarding disabled: channel cannot forward", logx.String("channel", cfg.Logging.Forward.Channel))
			lc.Forward.Enabled = false
		}
		a.logs.SetForwarder(fwd)
	} else {
		a.logs.SetForwarder(nil)
	}
	a.logs.Apply(lc)
}

// seed upserts the profiles and tools named in config.
func (a *App) seed(ctx context.Context, dc config.DispatchConfig) error {
	for _, p := range dc.Profiles {
		if err := a.store.PutProfile(ctx, dispatch.Profile{ID: strings.TrimSpace(p.ID), Name: p.Name}); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.ID, err)
		}
	}
	for _, t := range dc.Tools {
		if err := a.store.PutTool(ctx, dispatch.Tool{ID: strings.TrimSpace(t.ID), Name: t.Name, Description: t.Description}); err != nil {
			return fmt.Errorf("seed tool %s: %w", t.ID, err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	runCtx := a.sup.Context()

	cfg := a.cfgm.Get()
	if err := a.seed(runCtx, cfg.Dispatch); err != nil {
		return err
	}

	a.engine.Start(runCtx)
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	// Timers only fire once the registry is started, and fires go through
	// the service, so the engine must already be running.
	a.registry.SetTrigger(a.schedules.HandleSignal)
	if err := a.registry.ReloadAll(runCtx, a.schedules.Loader()); err != nil {
		return err
	}
	a.registry.Start(runCtx)

	if err := a.http.Start(runCtx); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := a.pprof.Start(runCtx); err != nil {
		// pprof is optional; a bad bind must not take the service down.
		a.log.Warn("pprof not started", logx.Err(err))
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise for frequent schedules.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("http", a.http.Addr()))
	return nil
}

// applyConfig applies the live-reloadable sections of newCfg.
func (a *App) applyConfig(ctx context.Context, prev, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("some config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// notifier first so a new forward channel exists before logging applies
	prevNotif := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.applyLogging(newCfg)

	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if _, regCfg, err := mapScheduleConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.registry.Apply(regCfg)
	}

	if slices.Contains(sections, "skills") {
		a.skills.Invalidate("")
	}

	if ppc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse start order. Each step is bounded so
// one stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// stop intake first: no new HTTP requests, no new timer fires
	step("http", 6*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("registry", 2*time.Second, func(c context.Context) error { a.registry.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
