// Package app wires the job manager from a config file: logging, metrics, the task
// registry, the manager itself, configured jobs and the ops server. Config changes
// are applied live.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobmanager/internal/config"
	"jobmanager/internal/eventbus"
	"jobmanager/internal/manager"
	"jobmanager/internal/metrics"
	"jobmanager/internal/observability/ops"
	rtsup "jobmanager/internal/runtime/supervisor"
	"jobmanager/internal/task/job"
	logx "jobmanager/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	reg     *job.Registry
	mgr     *manager.Manager
	ops     *ops.Service

	// jobsMu guards applied: the configured jobs currently registered, by name.
	jobsMu  sync.Mutex
	applied map[string]config.JobConfig
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New(cfg.Ops.RuntimeMetrics)

	reg := job.NewRegistry()
	if err := registerBuiltinTasks(reg, logSvc.Logger(), time.Now()); err != nil {
		return nil, err
	}
	fallback, err := mapCommandRunner(cfg, logSvc.Logger())
	if err != nil {
		return nil, err
	}
	reg.SetFallback(fallback)

	// The manager outlives the run context: Stop decides when jobs are cancelled.
	mgr := manager.New(manager.Options{
		Context:   context.Background(),
		Log:       logSvc.Logger(),
		Bus:       bus,
		Metrics:   m,
		Resolver:  reg,
		Scheduler: schedCfg,
	})

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		reg:     reg,
		mgr:     mgr,
		applied: map[string]config.JobConfig{},
	}
	a.ops = ops.New(opsCfg, ops.Sources{
		Metrics: m.Handler(),
		Jobs:    func() any { return a.mgr.Snapshot() },
		Health:  a.health,
	}, logSvc.Logger())
	return a, nil
}

func (a *App) Manager() *manager.Manager { return a.mgr }

// Registry exposes the task registry so embedders can add their own named tasks.
func (a *App) Registry() *job.Registry { return a.reg }

func (a *App) Ops() *ops.Service { return a.ops }

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

func (a *App) health() error {
	if a.mgr.Scheduler().Stopped() {
		return errors.New("scheduler stopped")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger())

	cfg := a.cfgm.Get()
	a.syncJobs(cfg)
	a.ops.Start(a.sup.Context())

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
				// Debug only; frequent schedules would be noisy.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

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

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("jobs", len(a.mgr.Snapshot().Scheduler.Jobs)),
		logx.String("tasks", strings.Join(a.reg.Names(), ",")),
	)
	return nil
}

// applyConfig applies a validated config change to the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobChanges := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(newCfg))

	if fb, err := mapCommandRunner(newCfg, a.logs.Logger()); err != nil {
		a.log.Warn("invalid tasks config; keeping previous", logx.Err(err))
	} else {
		a.reg.SetFallback(fb)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.mgr.Scheduler().Apply(sc)
	}

	if !jobChanges.Empty() || strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		a.syncJobs(newCfg)
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.log.Info("config reloaded", fields...)
}

// syncJobs reconciles the configured jobs with the coordinator: removed and
// disabled jobs are unregistered, new and changed ones (re)scheduled. Jobs
// registered through the API under other names are left alone.
func (a *App) syncJobs(cfg *config.Config) {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		a.log.Warn("invalid scheduler timezone; jobs not synced", logx.Err(err))
		return
	}

	desired := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if j.IsEnabled() {
			desired[j.EffectiveName()] = j
		}
	}

	for name := range a.applied {
		if _, ok := desired[name]; ok {
			continue
		}
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.mgr.RemoveJob(rctx, name)
		cancel()
		delete(a.applied, name)
		a.log.Info("configured job removed", logx.String("name", name))
	}

	for name, j := range desired {
		if prev, ok := a.applied[name]; ok && prev.At == j.At && prev.Task == j.Task && string(prev.Data) == string(j.Data) && a.mgr.Scheduler().Has(name) {
			continue
		}
		if err := a.scheduleConfigured(name, j, loc); err != nil {
			a.log.Error("configured job rejected", logx.String("name", name), logx.String("at", j.At), logx.Err(err))
			continue
		}
		a.applied[name] = j
	}
}

func (a *App) scheduleConfigured(name string, j config.JobConfig, loc *time.Location) error {
	spec, err := j.Spec(loc)
	if err != nil {
		return err
	}
	data, err := j.Payload()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	_, err = a.mgr.ScheduleJob(spec, job.Named(j.Task), data, name)
	return err
}

// Stop shuts the manager down (waiting for the immediate queue to drain), then
// the ops server and the app's own goroutines.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so config reloads can't race the shutdown.
	a.sup.Cancel()

	opts, err := mapShutdownOptions(a.cfgm.Get())
	if err != nil {
		a.log.Warn("invalid shutdown config; using defaults", logx.Err(err))
		opts = manager.ShutdownOptions{}
	}

	shutdownErr := a.step(ctx, "manager", 0, func(c context.Context) error { return a.mgr.Shutdown(c, opts) })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return shutdownErr
}

// step runs one shutdown step bounded by max (0 means only ctx) so one component
// can't stall the whole stop. It returns fn's error, or the step context's error
// when fn overran it.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
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
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
		return stepCtx.Err()
	}
}
