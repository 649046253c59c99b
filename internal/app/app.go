// Package app wires the diffido daemon together: config, logging, the
// schedule store, the scheduling engine, the executor and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"diffido/internal/action"
	"diffido/internal/api"
	"diffido/internal/config"
	"diffido/internal/eventbus"
	"diffido/internal/jobstore"
	"diffido/internal/manager"
	"diffido/internal/metrics"
	rtsup "diffido/internal/runtime/supervisor"
	"diffido/internal/storage"
	"diffido/internal/task/executor"
	"diffido/internal/task/scheduler"
	logx "diffido/pkg/logx"
	"diffido/pkg/systemd"
)

type App struct {
	cfgm      *config.ConfigManager
	watch     bool
	overrides Overrides
	cfg       *config.Config

	sup         *rtsup.Supervisor
	loadBackoff time.Duration

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	timers  jobstore.Store
	exec    *executor.Service
	sched   *scheduler.Service
	mgr     *manager.Manager
	api     *api.Service
	metrics *metrics.Metrics
}

// NewApp loads cfgPath and builds every component without starting any.
// A missing file at cfgPath falls back to the defaults when required is false.
func NewApp(ctx context.Context, cfgPath string, required bool, ov Overrides) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	watch := true
	if err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Defaults()
		cfgm.Commit(cfg)
		watch = false
	}
	effective := *cfg
	ov.apply(&effective)
	if err := config.Validate(&effective); err != nil {
		return nil, err
	}
	cfg = &effective

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	if !watch {
		log.Info("config file not found; using defaults", logx.String("path", cfgPath))
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		log.Warn("invalid scheduler timezone; using Local", logx.Err(err))
	}

	bus := eventbus.New()

	store, err := storage.Open(mapStorageConfig(cfg, loc), root.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	jsCfg, err := mapJobStoreConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	timers, err := jobstore.Open(ctx, jsCfg)
	if err != nil {
		// The timer table only refines restart behavior; run without it.
		log.Warn("job store unavailable; timers will not survive restarts", logx.String("url", redactURL(jsCfg.URL)), logx.Err(err))
		timers = jobstore.NewMemory()
	}

	fetchCfg, err := mapFetchConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = timers.Close()
		return nil, err
	}
	actions := action.NewMux(action.NameLog)
	actions.Handle(action.NameLog, action.NewLog(root.With(logx.String("comp", "action"))))
	actions.Handle(action.NameFetch, action.NewFetch(fetchCfg, root.With(logx.String("comp", "action.fetch"))))

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = timers.Close()
		return nil, err
	}
	execSvc := executor.New(execCfg, actions, root.With(logx.String("comp", "executor")), bus)

	schedSvc := scheduler.New(scheduler.Config{Location: loc}, execSvc, timers, root.With(logx.String("comp", "scheduler")), bus)
	execSvc.SetOnComplete(schedSvc.Complete)

	mgr := manager.New(store, schedSvc, execSvc, root.With(logx.String("comp", "manager")))

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = timers.Close()
		return nil, err
	}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, schedSvc.ArmedCount, bus.Dropped)
		apiCfg.Metrics = m.Handler()
	}
	apiSvc := api.New(apiCfg, mgr, root.With(logx.String("comp", "api")))

	return &App{
		cfgm:        cfgm,
		watch:       watch,
		overrides:   ov,
		cfg:         cfg,
		loadBackoff: time.Second,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		timers:      timers,
		exec:        execSvc,
		sched:       schedSvc,
		mgr:         mgr,
		api:         apiSvc,
		metrics:     m,
	}, nil
}

// Addr is the API listener address once started.
func (a *App) Addr() string { return a.api.Addr() }

func (a *App) Manager() *manager.Manager { return a.mgr }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.exec.Start(c)
	if err := a.sched.Start(c); err != nil {
		return err
	}
	if err := a.mgr.Load(c); err != nil {
		// The armed set is rebuilt from the store, so keep trying until it reads.
		a.log.Warn("initial schedule load failed; retrying", logx.Err(err))
		a.sup.GoRestart("schedules.load", a.mgr.Load,
			rtsup.WithRestartBackoff(a.loadBackoff, 30*time.Second),
		)
	}
	if err := a.api.Start(c); err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	if a.metrics != nil {
		a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	}

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.watch {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			eff := *cfg
			a.overrides.apply(&eff)
			if err := config.Validate(&eff); err != nil {
				return err
			}
			_, err := mapAPIConfig(&eff)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(newCfg)
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithMaxRestarts(5),
		)
	}

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started", logx.String("addr", a.api.Addr()), logx.Int("armed", a.sched.ArmedCount()))
	return nil
}

// applyConfig applies the live parts of a reloaded config and reports the
// rest as needing a restart.
func (a *App) applyConfig(fileCfg *config.Config) {
	newCfg := *fileCfg
	a.overrides.apply(&newCfg)

	sections, attrs := config.SummarizeConfigChange(a.cfg, &newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	prev := a.cfg
	a.cfg = &newCfg

	a.logs.Apply(mapLogConfig(&newCfg))
	if prev.Server.RatePerSec != newCfg.Server.RatePerSec || prev.Server.RateBurst != newCfg.Server.RateBurst {
		a.api.SetRateLimit(newCfg.Server.RatePerSec, newCfg.Server.RateBurst)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
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
		}
	}

	shutdown, _ := config.Duration("server.shutdown_timeout", a.cfg.Server.ShutdownTimeout, 5*time.Second)
	if shutdown <= 0 {
		shutdown = 5 * time.Second
	}

	// Stop intake first so no fire or request races the teardown below.
	step("api", shutdown, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("executor", shutdown, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("store", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("job_store", 1*time.Second, func(context.Context) error { return a.timers.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Int64("active", c.Active), logx.Int64("panics", int64(c.Panics)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// redactURL hides the password of a database URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":***@" + host
}
