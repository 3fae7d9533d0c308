// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"deskbot/internal/broadcast"
	"deskbot/internal/config"
	"deskbot/internal/console"
	"deskbot/internal/conversation"
	"deskbot/internal/dedupe"
	"deskbot/internal/directory"
	"deskbot/internal/inbound"
	"deskbot/internal/notifier"
	"deskbot/internal/pending"
	"deskbot/internal/realtime"
	rtsup "deskbot/internal/runtime/supervisor"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	"deskbot/internal/transport/telegram"
	logx "deskbot/pkg/logx"
)

type deduper interface {
	dedupe.Deduper
	io.Closer
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	dedup deduper
	bus   *realtime.Bus
	amqp  *realtime.AMQPPublisher

	adapter *telegram.Adapter

	dir     *directory.Directory
	convs   *conversation.Service
	queue   *pending.Queue
	inbound *inbound.Dispatcher
	bcast   *broadcast.Service
	notif   *notifier.Service
	console *console.Console

	busBuffer int
	updates   chan transport.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(tcfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	cleanup = append(cleanup, func() { _ = logSvc.Close() })
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = store.Close() })
	log.Info("storage ready", logx.String("driver", sc.Driver))

	dd, err := openDeduper(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = dd.Close() })

	bus := realtime.NewBus()
	var pub realtime.Publisher = bus
	var amqpPub *realtime.AMQPPublisher
	if acfg, enabled, err := mapAMQPConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		amqpPub, err = realtime.DialAMQP(ctx, acfg, comp("amqp"))
		if err != nil {
			return nil, fmt.Errorf("realtime.amqp: %w", err)
		}
		cleanup = append(cleanup, func() { _ = amqpPub.Close() })
		pub = realtime.Fanout{bus, amqpPub}
	}

	agents := mapAgents(cfg)
	dir := directory.New(store, comp("directory"), directory.Options{MaxActivePerAgent: cfg.Routing.MaxActivePerAgent})
	if err := dir.SeedAgents(ctx, agents); err != nil {
		return nil, err
	}
	convs := conversation.New(store, ad, pub, comp("conversation"), mapTexts(cfg))
	queue := pending.New(store, dir, convs, comp("pending"), cfg.Pending.Schedule)
	dir.SetOnlineHook(func(string) { queue.Trigger() })

	inOpts, err := mapInboundOptions(cfg)
	if err != nil {
		return nil, err
	}
	inb := inbound.New(dd, store, dir, convs, queue, ad, comp("inbound"), inOpts)

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bc := broadcast.New(bcfg, store, ad, pub, comp("broadcast"))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, store, ad, comp("notifier"))

	copts, err := mapConsoleOptions(cfg)
	if err != nil {
		return nil, err
	}
	cons := console.New(ad, console.Services{
		Directory:     dir,
		Conversations: convs,
		EndUsers:      store,
		Pending:       queue,
		Broadcasts:    bc,
		Inbound:       inb,
	}, comp("console"), copts)
	cons.SetOperators(agents)

	busBuffer := cfg.Realtime.BusBuffer
	if busBuffer <= 0 {
		busBuffer = 256
	}

	cfgm.SetLogger(comp("config"))
	return &App{
		cfgm:      cfgm,
		log:       comp("app"),
		logs:      logSvc,
		store:     store,
		dedup:     dd,
		bus:       bus,
		amqp:      amqpPub,
		adapter:   ad,
		dir:       dir,
		convs:     convs,
		queue:     queue,
		inbound:   inb,
		bcast:     bc,
		notif:     notif,
		console:   cons,
		busBuffer: busBuffer,
		updates:   make(chan transport.Update, 256),
	}, nil
}

func openDeduper(ctx context.Context, cfg *config.Config) (deduper, error) {
	ds, err := mapDedupConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ds.Driver != "redis" {
		return dedupe.New(ds.Window, ds.MaxEntries), nil
	}
	r := dedupe.NewRedis(ds.Redis)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("dedup.redis: %w", err)
	}
	return r, nil
}

// Done is closed when the app context ends, by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	a.bcast.Start(run)
	if n, err := a.bcast.Resume(run); err != nil {
		a.log.Warn("broadcast resume failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("broadcasts resumed", logx.Int("count", n))
	}

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	events, unsub := a.bus.Subscribe(a.busBuffer)
	a.sup.Go0("notifier.follow", func(c context.Context) {
		defer unsub()
		a.notif.Follow(c, events)
	})

	a.sup.Go("pending.run", a.queue.Run)
	a.sup.Go("console.run", func(c context.Context) error {
		return a.console.Run(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Keep only the newest of a burst.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd()
	a.log.Info("app started")
	return nil
}

// startSystemd reports readiness and feeds the watchdog when running under
// systemd. Outside systemd both calls are no-ops.
func (a *App) startSystemd() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// applyConfig pushes a committed reload into the running services. Sections
// that only take effect at startup are reported and left alone.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.NeedsRestart(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.convs.SetTexts(mapTexts(newCfg))
	if o, err := mapInboundOptions(newCfg); err == nil {
		a.inbound.SetOptions(o)
	}
	a.console.SetLabels(mapLabels(newCfg))

	a.dir.SetCapacity(newCfg.Routing.MaxActivePerAgent)
	agents := mapAgents(newCfg)
	if err := a.dir.SyncAgents(ctx, agents); err != nil {
		a.log.Warn("agent sync failed", logx.Err(err))
	}
	a.console.SetOperators(agents)
	// Capacity or agent changes may free a slot for waiting end users.
	a.queue.Trigger()

	if bcfg, err := mapBroadcastConfig(newCfg); err == nil {
		a.bcast.Apply(bcfg)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err == nil {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
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
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Stop intake first, then the senders, then storage.
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("broadcast", 3*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	reportSupervisor(a.log, a.sup)
	if a.amqp != nil {
		step("amqp", time.Second, func(context.Context) error { return a.amqp.Close() })
	}
	step("dedup", time.Second, func(context.Context) error { return a.dedup.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Info("realtime events dropped during run", logx.Uint64("count", n))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// reportSupervisor logs goroutines that outlived the stop and any that
// restarted or panicked during the run.
func reportSupervisor(log logx.Logger, sup *rtsup.Supervisor) {
	for _, st := range sup.Snapshot() {
		switch {
		case st.Active > 0:
			log.Warn("goroutine still running after stop",
				logx.String("name", st.Name), logx.Int64("active", st.Active))
		case st.Restarts > 0 || st.Panics > 0:
			log.Info("goroutine summary",
				logx.String("name", st.Name),
				logx.Uint64("runs", st.Runs),
				logx.Uint64("restarts", st.Restarts),
				logx.Uint64("panics", st.Panics),
				logx.String("last_err", st.LastErr))
		}
	}
	if n := sup.Active(); n > 0 {
		log.Warn("supervisor stopped with goroutines left", logx.Int64("active", n))
	}
}
