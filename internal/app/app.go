// Package app wires configuration, storage, tenant adapters and the bell,
// poll and scheduler engines into one running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"babbell/internal/admission"
	"babbell/internal/broadcast"
	"babbell/internal/config"
	"babbell/internal/menu"
	"babbell/internal/metrics"
	"babbell/internal/ops"
	"babbell/internal/poll"
	"babbell/internal/registry"
	"babbell/internal/router"
	rtsup "babbell/internal/runtime/supervisor"
	"babbell/internal/scheduler"
	"babbell/internal/storage"
	"babbell/internal/tracing"
	"babbell/internal/transport"
	"babbell/internal/transport/slack"
	"babbell/internal/transport/telegram"
	logx "babbell/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

const updatesBuffer = 256

// AdapterFactory connects one tenant.
type AdapterFactory func(t config.TenantConfig, log logx.Logger) (transport.Adapter, error)

type Option func(*App)

// WithAdapterFactory replaces the slack/telegram adapters.
func WithAdapterFactory(f AdapterFactory) Option { return func(a *App) { a.newAdapter = f } }

// WithEnv sets the environment lookup used for secrets.
func WithEnv(getenv func(string) string) Option { return func(a *App) { a.getenv = getenv } }

func WithClock(c clockwork.Clock) Option { return func(a *App) { a.clock = c } }

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	traces *tracing.Provider
	store  storage.Store
	reg    *registry.Registry
	clock  clockwork.Clock

	prom    *prometheus.Registry
	metrics *metrics.Metrics

	gate   *admission.Gate
	sender *broadcast.Sender
	polls  *poll.Engine
	menu   *menu.Fetcher
	router *router.Router
	sched  *scheduler.Service
	ops    *ops.Service

	newAdapter AdapterFactory
	getenv     func(string) string

	updates chan transport.Update
}

func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{newAdapter: defaultAdapter}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}

	a.cfgm = config.NewConfigManager(cfgPath)
	if a.getenv != nil {
		a.cfgm.SetEnv(a.getenv)
	}
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(set.logging)
	a.cfgm.SetLogger(a.log)

	// Installed before the engines so their tracers come from this provider.
	a.traces, err = tracing.Setup(set.tracing, a.log)
	if err != nil {
		a.logs.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}

	a.store, err = storage.Open(ctx, set.storage, a.log)
	if err != nil {
		_ = a.traces.Shutdown(ctx)
		a.logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.reg = registry.New()
	for _, t := range cfg.Tenants {
		ad, err := a.newAdapter(t, a.log)
		if err != nil {
			_ = a.store.Close()
			_ = a.traces.Shutdown(ctx)
			a.logs.Close()
			return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		a.reg.Register(t.ID, ad)
	}

	a.prom = metrics.NewRegistry()
	a.metrics = metrics.New(a.prom)

	a.gate = admission.New(set.admission, a.clock)
	a.sender = broadcast.New(set.broadcast, a.store, a.reg, a.metrics, a.log)
	a.polls = poll.New(set.poll, a.store, a.reg, a.metrics, a.log)
	a.menu = menu.NewFetcher(set.menu, a.clock, a.log)
	a.router = router.New(set.router, router.Deps{
		Registry: a.reg,
		Store:    a.store,
		Gate:     a.gate,
		Sender:   a.sender,
		Polls:    a.polls,
		Menu:     a.menu,
		Metrics:  a.metrics,
	}, a.log)
	a.sched = scheduler.New(set.scheduler, a.fire, a.log, scheduler.WithClock(a.clock))
	a.updates = make(chan transport.Update, updatesBuffer)

	a.log.Info("app configured",
		logx.Int("tenants", a.reg.Len()),
		logx.String("storage", set.storage.Driver),
		logx.Bool("menu", set.menu.Enabled),
		logx.Int("schedules", len(set.scheduler.Schedules)),
		logx.Bool("tracing", a.traces.Enabled()),
	)
	return a, nil
}

func defaultAdapter(t config.TenantConfig, log logx.Logger) (transport.Adapter, error) {
	switch t.Platform {
	case config.PlatformSlack:
		return slack.New(slack.Config{
			TenantID: t.ID,
			BotToken: t.BotToken,
			AppToken: t.AppToken,
			APIURL:   t.APIURL,
		}, log)
	case config.PlatformTelegram:
		timeout, err := config.ParseDurationOrDefault("poll_timeout", t.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{TenantID: t.ID, Token: t.BotToken, PollTimeout: timeout}, log)
	default:
		return nil, fmt.Errorf("unknown platform %q", t.Platform)
	}
}

// Logger returns the application logger.
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context ends, either by Stop or by a fatal
// component error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal component error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reject reloads that cannot be applied without a restart.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSettings(cfg); err != nil {
			return err
		}
		for _, s := range cfg.Schedules {
			if _, ok := a.reg.Get(s.Tenant); !ok {
				return fmt.Errorf("schedule %q: tenant %q is not connected (restart required)", s.Name, s.Tenant)
			}
		}
		return nil
	})

	components := []ops.Component{{Name: "router", Probe: a.router}}
	for _, e := range a.reg.All() {
		if err := e.Adapter.Start(a.sup.Context(), a.updates); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("start %s adapter for %s: %w", e.Adapter.Platform(), e.TenantID, err)
		}
		// Send-only adapters have no inbound loop to report on.
		if sp, ok := e.Adapter.(ops.Supervised); ok && sp.Supervisor() != nil {
			components = append(components, ops.Component{Name: e.Adapter.Platform() + "." + e.TenantID, Probe: sp})
		}
	}

	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	set, err := mapSettings(a.cfgm.Get())
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.ops = ops.New(set.ops, ops.Sources{
		Metrics:    metrics.Handler(a.prom),
		Components: components,
		Broadcasts: a.sender,
		Schedules:  a.sched.Snapshot,
	}, a.log)
	a.ops.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("components", len(components)))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Unwind background loops first; steps below release external resources.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, a.sched.Stop)
	step("ops", time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})
	for _, e := range a.reg.All() {
		step("adapter."+e.TenantID, 2*time.Second, e.Adapter.Stop)
	}
	// The router drains queued updates before its goroutine returns.
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("tracing", 5*time.Second, a.traces.Shutdown)

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// Tenants lists the connected tenant ids.
func (a *App) Tenants() []string {
	entries := a.reg.All()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TenantID)
	}
	return out
}
