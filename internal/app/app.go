package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pogobot/internal/config"
	"pogobot/internal/delivery"
	"pogobot/internal/dispatch"
	"pogobot/internal/eventbus"
	"pogobot/internal/render"
	"pogobot/internal/retention"
	"pogobot/internal/runtime/supervisor"
	kit "pogobot/internal/transport"
	telegram "pogobot/internal/transport/telegram/adapter"
	"pogobot/internal/webhook"
	logx "pogobot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	be  *backends
	out kit.Deliverer

	sched  *delivery.Scheduler
	render *render.Renderer
	coord  *dispatch.Coordinator
	disp   *dispatch.Service
	ret    *retention.Service
	hook   *webhook.Server

	mu          sync.Mutex
	hookEnabled bool
	hookCfg     webhook.Config
	hookRun     *hookRun
	started     time.Time
}

type hookRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.Manager, cfg *Config) (*App, error) {
	// The Telegram log sink is enabled only once the scheduler exists.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg)

	out, err := newOutbound(cfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	be, err := openBackends(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, closeOnErr(be, logSvc, err)
	}
	sched := delivery.New(dcfg, out, log.With(logx.String("comp", "delivery")), bus)
	// The operator log chat goes through the same queues as notifications.
	logSvc.SetSender(sched)
	logSvc.Apply(logCfg)

	rcfg, err := mapRenderConfig(cfg)
	if err != nil {
		return nil, closeOnErr(be, logSvc, err)
	}
	rend := render.New(rcfg)

	coord := dispatch.NewCoordinator(dispatch.Options{
		Tracker:     be.tracker,
		Subscribers: be.subs,
		Sender:      sched,
		Renderer:    rend,
		Log:         log.With(logx.String("comp", "dispatch")),
		Bus:         bus,
	})
	pcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, closeOnErr(be, logSvc, err)
	}
	disp := dispatch.NewService(pcfg, coord, log.With(logx.String("comp", "dispatch")), bus)

	retCfg, err := mapRetentionConfig(cfg)
	if err != nil {
		return nil, closeOnErr(be, logSvc, err)
	}
	ret := retention.New(retCfg, be.tracker, log.With(logx.String("comp", "retention")), bus)

	hcfg, hookEnabled, err := mapWebhookConfig(cfg)
	if err != nil {
		return nil, closeOnErr(be, logSvc, err)
	}

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		be:          be,
		out:         out,
		sched:       sched,
		render:      rend,
		coord:       coord,
		disp:        disp,
		ret:         ret,
		hookEnabled: hookEnabled,
		hookCfg:     hcfg,
	}
	a.hook = webhook.New(hcfg, disp, a.Stats, log.With(logx.String("comp", "webhook")))
	return a, nil
}

func closeOnErr(be *backends, logs *logx.Service, err error) error {
	_ = be.Close()
	_ = logs.Close()
	return err
}

func newOutbound(cfg *Config, log logx.Logger) (kit.Deliverer, error) {
	if cfg.Telegram.DryRun {
		log.Warn("telegram dry run: messages are logged, not sent")
		return telegram.NewDryRun(log), nil
	}
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tc, log)
	if err != nil {
		return nil, err
	}
	return ad, nil
}

// Ingest is the event entry point (webhook, tests, embedding programs).
func (a *App) Ingest() *dispatch.Service { return a.disp }

func (a *App) Bus() eventbus.Bus { return a.bus }

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

// Stats is the document served on GET /stats.
func (a *App) Stats() any {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	out := map[string]any{
		"delivery": a.sched.Snapshot(),
		"dispatch": a.disp.Stats(),
		"bus":      a.bus.Stats(),
	}
	if !started.IsZero() {
		out["started_at"] = started.UTC().Format(time.RFC3339)
		out["uptime"] = time.Since(started).Truncate(time.Second).String()
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return ValidateConfig(cfg)
	})

	runCtx := a.sup.Context()
	a.sched.Start(runCtx)
	a.disp.Start(runCtx)
	if err := a.ret.Start(runCtx); err != nil {
		return err
	}

	a.mu.Lock()
	a.started = time.Now()
	if a.hookEnabled {
		a.startWebhookLocked()
	}
	a.mu.Unlock()

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) startWebhookLocked() {
	ctx, cancel := context.WithCancel(a.sup.Context())
	run := &hookRun{cancel: cancel, done: make(chan struct{})}
	a.hookRun = run
	a.sup.Go("webhook", func(context.Context) error {
		defer close(run.done)
		return a.hook.Run(ctx)
	})
}

func (a *App) stopWebhook(ctx context.Context) {
	a.mu.Lock()
	run := a.hookRun
	a.hookRun = nil
	a.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
	}
}

// reloadLoop applies committed configs. The manager has already validated
// them and logged which sections need a restart.
func (a *App) reloadLoop(c context.Context, sub <-chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						break drain
					}
					newCfg = newer
				default:
					break drain
				}
			}
			a.applyConfig(c, newCfg, config.Diff(lastApplied, newCfg))
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live sections in ch to their components.
// Restart-only sections are left alone.
func (a *App) applyConfig(c context.Context, newCfg *Config, ch config.Change) {
	if ch.Has(config.SectionLogging) {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if ch.Has(config.SectionDelivery) {
		if dc, err := mapDeliveryConfig(newCfg); err != nil {
			a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(dc)
		}
	}
	if ch.Has(config.SectionDispatch) {
		if pc, err := mapDispatchConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(pc)
		}
	}
	if ch.Has(config.SectionRender) {
		if rc, err := mapRenderConfig(newCfg); err != nil {
			a.log.Warn("invalid render config; keeping previous", logx.Err(err))
		} else {
			a.render.Apply(rc)
		}
	}
	if ch.Has(config.SectionRetention) {
		if rc, err := mapRetentionConfig(newCfg); err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		} else {
			a.ret.Apply(rc)
		}
	}
	if !ch.Has(config.SectionWebhook) {
		return
	}

	hc, enabled, err := mapWebhookConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid webhook config; keeping previous", logx.Err(err))
		return
	}
	a.hook.Apply(hc)
	a.mu.Lock()
	prevEnabled, prevCfg := a.hookEnabled, a.hookCfg
	a.hookEnabled, a.hookCfg = enabled, hc
	a.mu.Unlock()

	rebind := prevCfg.Addr != hc.Addr || prevCfg.Path != hc.Path || prevCfg.Profiling != hc.Profiling
	if prevEnabled && (!enabled || rebind) {
		stopCtx, cancel := context.WithTimeout(c, 6*time.Second)
		a.stopWebhook(stopCtx)
		cancel()
		if !enabled {
			a.log.Info("webhook disabled via config")
		}
	}
	if enabled && (!prevEnabled || rebind) && c.Err() == nil {
		a.mu.Lock()
		a.startWebhookLocked()
		a.mu.Unlock()
		a.log.Info("webhook enabled via config", logx.String("addr", hc.Addr))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
			if max > 0 {
				var cancel context.CancelFunc
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
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Ingestion drains before the run context is cancelled so queued events
	// still reach the delivery scheduler.
	step("webhook", 6*time.Second, func(c context.Context) error { a.stopWebhook(c); return nil })
	step("dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("delivery", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("retention", 2*time.Second, func(c context.Context) error { a.ret.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("backends", 2*time.Second, func(context.Context) error { return a.be.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
