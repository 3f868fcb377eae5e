package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-deck/internal/bus"
	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/engine"
	"github.com/loqalabs/loqa-deck/internal/eventbus"
	"github.com/loqalabs/loqa-deck/internal/eventstore"
	"github.com/loqalabs/loqa-deck/internal/fetch"
	"github.com/loqalabs/loqa-deck/internal/narration"
	"github.com/loqalabs/loqa-deck/internal/natsserver"
	"github.com/loqalabs/loqa-deck/internal/plugin"
	"github.com/loqalabs/loqa-deck/internal/plugin/builtin"
	"github.com/loqalabs/loqa-deck/internal/plugin/wasm"
	"github.com/loqalabs/loqa-deck/internal/presence"
	"github.com/loqalabs/loqa-deck/internal/progress"
	"github.com/loqalabs/loqa-deck/internal/scorm"
	"github.com/loqalabs/loqa-deck/internal/stage"
	"github.com/loqalabs/loqa-deck/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	course   config.Course
	events   *eventbus.Bus
	engine   *engine.Engine
	journal  *eventstore.Store
	recorder *eventstore.Recorder
	bridge   *scorm.Bridge
	presence *presence.Registry
	hub      *hub

	closeOnce sync.Once
	closers   []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Open loads the course and wires the player. Resources acquired before a
// failure are released before Open returns.
func (r *Runtime) Open(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	course, err := config.LoadCourse(r.cfg.CoursePath)
	if err != nil {
		return err
	}
	r.course = course
	r.events = eventbus.New(r.logger)

	if err := r.openJournal(ctx); err != nil {
		return err
	}

	fetcher, err := r.newFetcher()
	if err != nil {
		return err
	}

	narrator, err := r.newNarrator()
	if err != nil {
		return err
	}
	r.onClose(narrator.Close)

	runner, err := r.newPluginRunner(ctx)
	if err != nil {
		return err
	}

	var store engine.ProgressStore
	if course.Options.RememberProgress {
		p, err := progress.Open(ctx, r.cfg.Progress, r.logger)
		if err != nil {
			return err
		}
		r.onClose(func() { _ = p.Close() })
		store = p
	}

	if course.Scorm.Enabled {
		if err := r.openBridge(ctx); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Deps{
		Course:   course,
		Fetcher:  fetcher,
		Display:  stage.New(course.Total(), r.cfg.Locale),
		Narrator: narrator,
		Plugins:  runner,
		Progress: store,
		Events:   r.events,
		Logger:   r.logger,
	})
	if err != nil {
		return err
	}
	r.engine = eng
	r.onClose(eng.Close)

	r.hub = newHub(r, r.logger)
	r.hub.attach(r.events)
	r.onClose(r.hub.close)

	if r.cfg.Bus.Enabled {
		if err := r.openBus(ctx); err != nil {
			return err
		}
	}

	if err := eng.Start(ctx); err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return err
		}
		r.logger.Warn("first slide failed to load", slog.String("error", err.Error()))
	}

	r.logger.Info("course opened",
		slog.String("title", course.Title),
		slog.Int("slides", course.Total()),
		slog.String("attempt_id", r.recorder.AttemptID()))
	r.ready.Store(true)
	return nil
}

func (r *Runtime) openJournal(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.journal = store
	r.onClose(func() { _ = store.Close() })

	rec, err := eventstore.NewRecorder(ctx, store, r.cfg.LMS.Learner, r.course.Title, r.cfg.Plugins.AuditPrivacy, r.logger)
	if err != nil {
		return fmt.Errorf("start attempt: %w", err)
	}
	rec.Attach(r.events)
	r.recorder = rec
	r.onClose(rec.Close)
	return nil
}

func (r *Runtime) newFetcher() (engine.Fetcher, error) {
	if r.cfg.Content.BaseURL != "" {
		client := &http.Client{Timeout: time.Duration(r.cfg.Content.TimeoutMS) * time.Millisecond}
		return fetch.NewHTTP(r.cfg.Content.BaseURL, client)
	}
	return fetch.NewDir(r.cfg.Content.Directory), nil
}

func (r *Runtime) newNarrator() (*narration.Controller, error) {
	ncfg := r.cfg.Narration
	var (
		player  narration.MediaPlayer
		speaker narration.Speaker
	)
	switch ncfg.Mode {
	case "mock":
		d := time.Duration(ncfg.MockDurationMS) * time.Millisecond
		player = tts.NewMockPlayer(d, ncfg.MockMediaAvailable)
		speaker = tts.NewMockSpeaker(d)
	case "wav":
		player = tts.NewWAVPlayer(0)
		speaker = tts.NewMockSpeaker(time.Duration(ncfg.MockDurationMS) * time.Millisecond)
		if ncfg.SpeechCommand != "" {
			s, err := tts.NewExecSpeaker(ncfg.SpeechCommand, ncfg.Voice)
			if err != nil {
				return nil, err
			}
			speaker = s
		}
	case "exec":
		if ncfg.PlayerCommand != "" {
			p, err := tts.NewExecPlayer(ncfg.PlayerCommand)
			if err != nil {
				return nil, err
			}
			player = p
		}
		if ncfg.SpeechCommand != "" {
			s, err := tts.NewExecSpeaker(ncfg.SpeechCommand, ncfg.Voice)
			if err != nil {
				return nil, err
			}
			speaker = s
		}
	}
	return narration.New(narration.Config{
		Player:   player,
		Speaker:  speaker,
		Selector: ncfg.NarrationSelector,
		Logger:   r.logger,
	}), nil
}

func (r *Runtime) newPluginRunner(ctx context.Context) (*plugin.Runner, error) {
	reg := plugin.NewRegistry()
	if err := builtin.Register(reg, r.events); err != nil {
		return nil, fmt.Errorf("register builtin plugins: %w", err)
	}

	if dir := r.cfg.Plugins.WASMDirectory; dir != "" {
		loader, err := wasm.NewLoader(ctx, wasm.Options{
			Publisher: r.events,
			Audit: func(name, invocationID string, evt wasm.AuditEvent) {
				r.recorder.Audit(name, invocationID, evt.Type, evt.Data)
			},
			Logger: r.logger,
		})
		if err != nil {
			return nil, err
		}
		r.onClose(func() { _ = loader.Close(context.Background()) })
		names, err := loader.Discover(ctx, dir, reg)
		if err != nil {
			return nil, err
		}
		r.logger.Info("wasm plugins loaded", slog.Int("count", len(names)), slog.Any("plugins", names))
	}

	runner := plugin.NewRunner(reg, r.course.Slides, r.logger)
	for _, missing := range runner.Validate() {
		r.logger.Warn("slide hook references unknown plugin", slog.String("hook", missing.String()))
	}
	return runner, nil
}

func (r *Runtime) openBridge(ctx context.Context) error {
	var api scorm.API
	if r.cfg.LMS.Mode == "local" {
		local, err := scorm.OpenLocal(ctx, r.cfg.LMS, r.logger)
		if err != nil {
			return fmt.Errorf("open local lms: %w", err)
		}
		r.onClose(func() { _ = local.Close() })
		api = local
	}
	r.bridge = scorm.NewBridge(scorm.NewClient(api, r.logger), r.course.Scorm, r.logger)
	r.bridge.Attach(r.events)
	r.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.bridge.Close(ctx)
	})
	return nil
}

func (r *Runtime) openBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.onClose(srv.Shutdown)
		busCfg.Servers = []string{srv.URL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.Node.ID, r.logger)
	if err != nil {
		return err
	}
	r.onClose(client.Close)

	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureEventStream(maxAge); err != nil {
		r.logger.Warn("event stream unavailable", slog.String("error", err.Error()))
	}

	relay := bus.NewRelay(client, r.cfg.Node.ID, r.recorder.AttemptID(), r.engine, r.logger)
	if err := relay.Start(r.events); err != nil {
		return err
	}
	r.onClose(relay.Close)

	reg, err := presence.NewRegistry(ctx, r.cfg.Node, client, r.status, r.logger)
	if err != nil {
		return err
	}
	r.presence = reg
	r.onClose(reg.Close)
	return nil
}

func (r *Runtime) status() presence.Status {
	return presence.Status{
		Course:   r.course.Title,
		Total:    r.engine.Total(),
		Index:    r.engine.CurrentIndex(),
		AutoMode: r.engine.AutoMode(),
	}
}

// onClose registers fn to run on Close, in reverse registration order.
func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Close releases everything Open acquired.
func (r *Runtime) Close() {
	r.ready.Store(false)
	r.closeOnce.Do(func() {
		for i := len(r.closers) - 1; i >= 0; i-- {
			r.closers[i]()
		}
		r.closers = nil
	})
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.Open(ctx); err != nil {
		r.closeTelemetry()
		return fmt.Errorf("failed to open course: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.Close()
	r.closeTelemetry()

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
