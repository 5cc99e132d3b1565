// Package app wires configuration, storage, the job queue, the lifecycle
// manager and both command surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"casebot/internal/config"
	"casebot/internal/enrich"
	"casebot/internal/eventbus"
	"casebot/internal/httpapi"
	"casebot/internal/notifier"
	"casebot/internal/queue"
	"casebot/internal/runtime/supervisor"
	"casebot/internal/storage"
	kit "casebot/internal/transport"
	tgadapter "casebot/internal/transport/telegram/adapter"
	"casebot/internal/transport/telegram/router"
	logx "casebot/pkg/logx"
)

type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	adapter *tgadapter.Adapter
	store   storage.Store
	queue   *queue.Service
	mgr     *notifier.Service
	router  *router.Router
	api     *httpapi.Server
	maint   *maintenance

	sup     *supervisor.Supervisor
	updates chan kit.Update
}

// New loads and validates the config at path and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewConfigManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	a := &App{cfgMgr: cfgMgr, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	adapter, err := tgadapter.New(tgadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	a.logSvc, a.log = logx.New(logxConfig(cfg.Logging), adapter)
	a.logSvc.SetTelegramTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
	a.cfgMgr.SetLogger(a.log.With(logx.String("component", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	qCfg, err := queueConfig(cfg.Queue)
	if err != nil {
		return err
	}
	nCfg, err := notifierConfig(cfg.Notifications)
	if err != nil {
		return err
	}

	// The queue handler is the lifecycle executor; build order matters.
	var mgr *notifier.Service
	q, err := queue.New(qCfg, store, func(ctx context.Context, id string) error {
		return mgr.Execute(ctx, id)
	}, a.log.With(logx.String("component", "queue")))
	if err != nil {
		return err
	}
	a.queue = q

	mgr, err = notifier.New(nCfg, store, q, adapter, enrich.NewStoreLookup(store), a.bus,
		a.log.With(logx.String("component", "notifier")))
	if err != nil {
		return err
	}
	a.mgr = mgr

	a.router, err = router.New(router.Config{
		OwnerIDs: cfg.Telegram.OwnerUserIDs,
		Timezone: nCfg.Timezone,
	}, mgr, adapter, a.log.With(logx.String("component", "router")))
	if err != nil {
		return err
	}

	a.api, err = httpapi.New(apiConfig(cfg.AdminAPI), mgr, store,
		a.log.With(logx.String("component", "httpapi")))
	if err != nil {
		return err
	}

	a.maint, err = newMaintenance(cfg.Maintenance, nCfg.Timezone, mgr, adapter,
		a.log.With(logx.String("component", "maintenance")))
	if err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log))
	a.updates = make(chan kit.Update, 64)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	// Recovery runs before the queue so stale jobs can't fire late.
	recCtx, cancel := context.WithTimeout(ctx, time.Minute)
	missed, err := a.mgr.RecoverMissed(recCtx, 0)
	if err != nil {
		cancel()
		return fmt.Errorf("recover missed: %w", err)
	}
	rearmed, err := a.mgr.Reconcile(recCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if missed > 0 || rearmed > 0 {
		a.log.Warn("startup recovery finished",
			logx.Int("missed", missed), logx.Int("re_armed", rearmed))
	}

	if err := a.queue.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.api.Start(a.sup.Context()); err != nil {
		return err
	}
	a.maint.start(a.sup)

	a.sup.Go0("router.dispatch", func(ctx context.Context) {
		a.router.DispatchLoop(ctx, a.updates)
	})
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	a.sup.Go0("config.fanout", a.reloadLoop)
	a.sup.Go0("bus.debuglog", a.busLogLoop)

	notifyReady(a.sup, a.log)

	a.log.Info("casebot started")
	return nil
}

// reloadLoop applies hot-reloadable settings when the config file changes.
// Storage, queue sizing and the admin API bind address need a restart; the
// log sinks and maintenance schedule swap live.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(sub)
	last := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(last, cfg)
			last = cfg
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)

			a.logSvc.Apply(logxConfig(cfg.Logging))
			a.logSvc.SetTelegramTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
		}
	}
}

// busLogLoop mirrors lifecycle events to the debug log.
func (a *App) busLogLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("lifecycle event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// Stop shuts components down in reverse start order, each with its own slice
// of the deadline so one stuck component can't eat the whole budget.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	step := func(name string, fn func(ctx context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("admin_api", a.api.Stop)
	step("queue", a.queue.Stop)
	if a.sup != nil {
		step("supervisor", a.sup.Stop)
	}
	step("telegram", a.adapter.Stop)
	step("storage", func(context.Context) error { return a.store.Close() })
	_ = a.logSvc.Close()

	return errors.Join(errs...)
}

func logxConfig(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func queueConfig(q *config.QueueConfig) (queue.Config, error) {
	if q == nil {
		return queue.Config{}, nil
	}
	poll, err := config.ParseDurationField("queue.poll_interval", q.PollInterval)
	if err != nil {
		return queue.Config{}, err
	}
	lease, err := config.ParseDurationField("queue.claim_lease", q.ClaimLease)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		PollInterval: poll,
		Workers:      q.Workers,
		ClaimLease:   lease,
		BatchLimit:   q.BatchLimit,
	}, nil
}

func notifierConfig(n *config.NotificationsConf) (notifier.Config, error) {
	out := notifier.Config{}
	if n == nil {
		return out, nil
	}
	if tz := strings.TrimSpace(n.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("notifications.timezone: %w", err)
		}
		out.Timezone = loc
	}
	var err error
	if out.CompletionOffset, err = config.ParseDurationField("notifications.completion_offset", n.CompletionOffset); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifications.send_timeout", n.SendTimeout); err != nil {
		return out, err
	}
	if out.OpTimeout, err = config.ParseDurationField("notifications.op_timeout", n.OpTimeout); err != nil {
		return out, err
	}
	out.CreateRetryMax = n.CreateRetryMax
	return out, nil
}

func apiConfig(a *config.AdminAPIConfig) httpapi.Config {
	if a == nil {
		return httpapi.Config{}
	}
	return httpapi.Config{Enabled: a.Enabled, Addr: a.Addr, Token: a.Token}
}
