package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"

	"tgarchiver/internal/archive"
	"tgarchiver/internal/bridge"
	"tgarchiver/internal/config"
	"tgarchiver/internal/eventbus"
	"tgarchiver/internal/registry"
	rtsup "tgarchiver/internal/runtime/supervisor"
	"tgarchiver/internal/storage"
	"tgarchiver/internal/task/scheduler"
	"tgarchiver/internal/transport"
	telegram "tgarchiver/internal/transport/telegram/adapter"
	"tgarchiver/pkg/logx"
	"tgarchiver/pkg/systemd"
)

const statsJob = "archive.stats"

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter transport.Adapter
	arch    *archive.Archiver
	reg     *registry.Registry
	bridge  *bridge.Bridge
	stats   *archive.Stats
	sched   *scheduler.Service

	updates chan transport.Update
}

// NewApp loads .env and the config at cfgPath, connects to Telegram and opens
// the archive store. A connection failure is returned and aborts startup, as
// does ctx ending while the connection is still pending.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(ctx, tc, bootLog)
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, ad)
}

// newApp wires every component around an already connected adapter.
func newApp(cfgm *config.ConfigManager, cfg *config.Config, ad transport.Adapter) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	sched, err := scheduler.New(cfg.Stats.Timezone, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	bus := eventbus.New()
	arch := archive.New(store, bus, log.With(logx.String("comp", "archive")))
	reg := registry.New(cfg.Registry.Path, ad, log.With(logx.String("comp", "registry")))

	buf := cfg.Telegram.UpdateBuffer
	if buf <= 0 {
		buf = 256
	}
	return &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: ad,
		arch:    arch,
		reg:     reg,
		bridge:  bridge.New(arch, reg, log.With(logx.String("comp", "bridge"))),
		stats:   archive.NewStats(),
		sched:   sched,
		updates: make(chan transport.Update, buf),
	}, nil
}

// Done is closed when the app stops or a supervised task fails.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	n := a.reg.Load(a.sup.Context())
	if n == 0 {
		a.log.Warn("no channels to archive; waiting for the channel list to change")
	}

	// Subscribe before any update can be archived so no event is missed.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("stats.collect", func(c context.Context) {
		defer unsub()
		a.stats.Run(c, events)
	})
	if err := a.applyStatsSchedule(a.cfg.Stats.Schedule); err != nil {
		a.log.Warn("stats schedule disabled", logx.Err(err))
	}
	a.sched.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start telegram: %w", err)
	}
	a.sup.Go("bridge", func(c context.Context) error {
		return a.bridge.Run(c, a.updates)
	})

	if a.cfg.Registry.Watch {
		a.sup.Go("registry.watch", a.reg.Watch)
	}
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", systemd.RunWatchdog)

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("archiver started; waiting for new messages",
		logx.Int("channels", n),
		logx.String("storage", a.cfg.Storage.Driver),
	)
	return nil
}

func (a *App) applyStatsSchedule(schedule string) error {
	if schedule == "" {
		a.sched.Remove(statsJob)
		return nil
	}
	log := a.log.With(logx.String("comp", "stats"))
	return a.sched.AddSchedule(statsJob, schedule, 0, func(context.Context) error {
		a.stats.Report(log)
		return nil
	})
}

// startConfigReload applies hot-reloaded logging and stats settings. Other
// sections need a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	a.logs.Apply(mapLogConfig(next))
	if prev.Stats.Schedule != next.Stats.Schedule {
		if err := a.applyStatsSchedule(next.Stats.Schedule); err != nil {
			a.log.Warn("invalid stats schedule; keeping previous", logx.Err(err))
		}
	}
	if prev.Telegram != next.Telegram || prev.Storage != next.Storage ||
		prev.Registry != next.Registry || prev.Stats.Timezone != next.Stats.Timezone {
		a.log.Warn("config change requires restart to take effect")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop intake first so the bridge can archive what is already buffered.
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.sup.Cancel()
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.stats.Report(a.log.With(logx.String("comp", "stats")))

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
