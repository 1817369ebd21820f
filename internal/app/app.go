package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"talkie/internal/broadcast"
	"talkie/internal/config"
	"talkie/internal/host"
	"talkie/internal/observability/debug"
	"talkie/internal/runtime/supervisor"
	"talkie/internal/speech"
	"talkie/internal/storage"
	logx "talkie/pkg/logx"
)

// App wires the background execution context: config, logging, storage, the
// host with its broadcaster, and the speech service answering on the
// background page.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	host   *host.Host
	synth  *speech.WriterSynthesizer
	speech *speech.Service
	debug  *debug.Service

	cronMu    sync.Mutex
	cron      *cron.Cron
	sweepID   cron.EntryID
	sweepSpec string
}

type Option func(*options)

type options struct {
	out io.Writer
}

// WithSpeechOutput sets where the built-in synthesizer writes. Defaults to stdout.
func WithSpeechOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ss, err := mapSpeechConfig(cfg)
	if err != nil {
		_ = multierr.Append(logSvc.Close(), closeStore(store))
		return nil, err
	}

	h := host.New(log.With(logx.String("comp", "host")))
	synth := speech.NewWriterSynthesizer(o.out, ss.voices)
	synth.SetPerChar(ss.perChar)
	svc := speech.New(ss.cfg, h.Broadcaster(), synth, store, log.With(logx.String("comp", "speech")))

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		store:  store,
		host:   h,
		synth:  synth,
		speech: svc,
	}
	a.debug = debug.New(mapDebugConfig(cfg), a, log.With(logx.String("comp", "debug")))
	return a, nil
}

func closeStore(st storage.Store) error {
	if st == nil {
		return nil
	}
	return st.Close()
}

func (a *App) Host() *host.Host        { return a.host }
func (a *App) Speech() *speech.Service { return a.speech }
func (a *App) Logger() logx.Logger     { return a.log }

// BroadcastStats, Pages, Goroutines and History feed the debug endpoints.

func (a *App) BroadcastStats() broadcast.Stats { return a.host.Broadcaster().Stats() }
func (a *App) Pages() []host.PageInfo          { return a.host.Pages() }

func (a *App) Goroutines() []supervisor.GoroutineStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) History(ctx context.Context, limit int) ([]storage.HistoryEntry, error) {
	return a.speech.History(ctx, limit)
}

// Done is closed when the app context ends (fatal error or Stop).
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	if err := a.speech.LoadSettings(ctx); err != nil {
		// Stored settings are a convenience; defaults still work.
		a.log.Warn("stored speech settings ignored", logx.Err(err))
	}
	if err := a.speech.Register(a.host.Background()); err != nil {
		return fmt.Errorf("register speech responders: %w", err)
	}

	a.cron = cron.New(
		cron.WithParser(config.SweepParser),
		cron.WithChain(cron.Recover(cronLogger{a.log.With(logx.String("comp", "cron"))})),
	)
	if err := a.scheduleSweep(a.cfgm.Get().SweepSpec()); err != nil {
		return err
	}
	a.cron.Start()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapSpeechConfig(cfg)
		return err
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 10*time.Second)
	a.debug.Start(a.sup.Context())

	a.log.Info("app started",
		logx.String("background", a.host.Background().ID()),
		logx.String("sweep", a.sweepSpec))
	return nil
}

// scheduleSweep replaces the dead-listener sweep job when spec changes.
func (a *App) scheduleSweep(spec string) error {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if spec == a.sweepSpec && a.sweepID != 0 {
		return nil
	}
	id, err := a.cron.AddFunc(spec, a.sweep)
	if err != nil {
		return fmt.Errorf("broadcast.sweep: %w", err)
	}
	if a.sweepID != 0 {
		a.cron.Remove(a.sweepID)
	}
	a.sweepID, a.sweepSpec = id, spec
	return nil
}

func (a *App) sweep() { a.host.Sweep() }

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, fields := config.Changed(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "speech") {
		ss, err := mapSpeechConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid speech config; keeping previous", logx.Err(err))
		} else {
			a.speech.Apply(ss.cfg)
			a.synth.SetVoices(ss.voices)
			a.synth.SetPerChar(ss.perChar)
			// Frontends re-read voices and premium state on this event.
			if _, err := a.host.Background().Broadcast(ctx, broadcast.EventSettingsChanged, a.speech.Settings()); err != nil {
				a.log.Warn("settings-changed broadcast failed", logx.Err(err))
			}
		}
	}

	if slices.Contains(sections, "broadcast") {
		if err := a.scheduleSweep(newCfg.SweepSpec()); err != nil {
			a.log.Warn("invalid sweep schedule; keeping previous", logx.Err(err))
		}
	}

	if slices.Contains(sections, "debug") {
		a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config applied", fields...)
}

// Stop unwinds Start in reverse. Errors from each step are combined.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var err error
	if a.sup != nil {
		a.sup.Cancel()
	}
	if a.cron != nil {
		select {
		case <-a.cron.Stop().Done():
		case <-ctx.Done():
			a.log.Warn("sweep still running at shutdown")
		}
	}
	a.debug.Stop(ctx)
	// Running utterances still broadcast after-speaking and write history.
	if serr := a.speech.Shutdown(ctx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("speech shutdown: %w", serr))
	}
	err = multierr.Append(err, a.host.Close())
	err = multierr.Append(err, closeStore(a.store))
	if a.sup != nil {
		if werr := a.sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
			err = multierr.Append(err, werr)
		}
	}

	if err != nil {
		a.log.Warn("stopped with errors", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	return multierr.Append(err, a.logs.Close())
}
