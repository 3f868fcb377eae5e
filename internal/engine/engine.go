// Package engine drives slide navigation: it fetches slide fragments, mounts
// them, runs the slide's plugins, starts narration, persists progress and
// publishes course events, and arms the auto-advance trigger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/dom"
	"github.com/loqalabs/loqa-deck/internal/narration"
	"github.com/loqalabs/loqa-deck/internal/protocol"
	"github.com/loqalabs/loqa-deck/internal/stage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSuperseded is returned by a navigation that a newer one overtook
	// before its content arrived.
	ErrSuperseded = errors.New("navigation superseded")
	// ErrClosed is returned once the engine has shut down.
	ErrClosed = errors.New("engine closed")
)

// Fetcher loads slide fragments.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Resolver maps a configured reference to a playable location. Fetchers that
// implement it also resolve narration tracks.
type Resolver interface {
	Resolve(ref string) string
}

// Display is the slide region.
type Display interface {
	Mount(content []byte) (*dom.Element, error)
	ShowError(slide int, reason string)
	Failed() bool
	Counter(index int) stage.Counter
	HTML() string
	Click(selector string) error
}

// Narrator plays slide narration.
type Narrator interface {
	Play(root *dom.Element, audioRef string, opts narration.Options, onFinished func())
	Stop()
	Toggle() bool
	State() narration.State
}

// PluginRunner activates the hooks of one slide.
type PluginRunner interface {
	Run(slideIndex int, root *dom.Element)
	Close()
}

// ProgressStore remembers the last viewed slide.
type ProgressStore interface {
	Load(ctx context.Context) (int, bool, error)
	Save(ctx context.Context, index int) error
}

// Publisher receives course events.
type Publisher interface {
	Publish(name string, payload any)
}

// Deps are the collaborators an Engine drives. Progress and Scheduler are
// optional.
type Deps struct {
	Course    config.Course
	Fetcher   Fetcher
	Display   Display
	Narrator  Narrator
	Plugins   PluginRunner
	Progress  ProgressStore
	Events    Publisher
	Scheduler Scheduler
	Logger    *slog.Logger
}

type trigger int

const (
	triggerNone trigger = iota
	triggerTimer
	triggerNarration
)

// Engine is the slide navigation state machine. Its exported methods are safe
// for concurrent use but must not be called synchronously from event
// handlers, which run on the engine's own goroutine.
type Engine struct {
	course   config.Course
	opts     config.PlaybackOptions
	fetcher  Fetcher
	display  Display
	narrator Narrator
	plugins  PluginRunner
	progress ProgressStore
	events   Publisher
	sched    Scheduler
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loop   *loop
	wg     sync.WaitGroup

	index    atomic.Int64
	autoMode atomic.Bool

	// Owned by the loop goroutine.
	current    int
	target     int
	generation uint64
	activation uint64
	committed  bool
	timer      Timer

	tracer        trace.Tracer
	navigations   metric.Int64Counter
	fetchFailures metric.Int64Counter
}

// Snapshot describes the player for status surfaces.
type Snapshot struct {
	Index       int           `json:"index"`
	Total       int           `json:"total"`
	Title       string        `json:"title"`
	CourseTitle string        `json:"course_title"`
	AutoMode    bool          `json:"auto_mode"`
	Narration   string        `json:"narration"`
	Failed      bool          `json:"failed"`
	Counter     stage.Counter `json:"counter"`
}

func New(d Deps) (*Engine, error) {
	if d.Course.Total() == 0 {
		return nil, errors.New("course has no slides")
	}
	if d.Fetcher == nil || d.Display == nil || d.Narrator == nil || d.Plugins == nil {
		return nil, errors.New("engine requires fetcher, display, narrator and plugin runner")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engine"))
	sched := d.Scheduler
	if sched == nil {
		sched = realScheduler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		course:   d.Course,
		opts:     d.Course.Options,
		fetcher:  d.Fetcher,
		display:  d.Display,
		narrator: d.Narrator,
		plugins:  d.Plugins,
		progress: d.Progress,
		events:   d.Events,
		sched:    sched,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		loop:     newLoop(logger),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-deck/engine"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-deck/engine")
	if c, err := meter.Int64Counter("deck.engine.navigations",
		metric.WithDescription("Completed slide navigations")); err == nil {
		e.navigations = c
	}
	if c, err := meter.Int64Counter("deck.engine.fetch_failures",
		metric.WithDescription("Slide fetches that failed")); err == nil {
		e.fetchFailures = c
	}
	return e, nil
}

// Total returns the number of slides.
func (e *Engine) Total() int { return e.course.Total() }

// CurrentIndex returns the index of the active slide.
func (e *Engine) CurrentIndex() int { return int(e.index.Load()) }

// AutoMode reports whether auto mode is on.
func (e *Engine) AutoMode() bool { return e.autoMode.Load() }

// Start announces the course and navigates to the remembered slide, or the
// first one.
func (e *Engine) Start(ctx context.Context) error {
	start := 0
	if e.opts.RememberProgress && e.progress != nil {
		idx, ok, err := e.progress.Load(ctx)
		if err != nil {
			e.log.Warn("progress restore failed", slog.String("error", err.Error()))
		} else if ok {
			start = e.clamp(idx)
		}
	}
	if err := e.loop.call(ctx, func() {
		e.publish(protocol.TopicCourseInit, protocol.CourseInit{TotalSlides: e.Total(), Title: e.course.Title})
	}); err != nil {
		return err
	}
	return e.NavigateTo(ctx, start)
}

// NavigateTo shows slide i, clamped to the deck. It returns once the slide is
// active or the load failed.
func (e *Engine) NavigateTo(ctx context.Context, i int) error {
	return e.navigate(ctx, "goto", func() (int, bool) {
		return e.clamp(i), true
	})
}

// GoTo navigates to a 1-based slide number.
func (e *Engine) GoTo(ctx context.Context, n int) error {
	return e.NavigateTo(ctx, n-1)
}

// Advance moves to the slide after the latest requested one. It does nothing
// on the last slide.
func (e *Engine) Advance(ctx context.Context) error {
	return e.navigate(ctx, "next", e.step(1))
}

// Retreat moves to the slide before the latest requested one. It does nothing
// on the first slide.
func (e *Engine) Retreat(ctx context.Context) error {
	return e.navigate(ctx, "prev", e.step(-1))
}

// Reload fetches and activates the current slide again.
func (e *Engine) Reload(ctx context.Context) error {
	return e.navigate(ctx, "reload", func() (int, bool) {
		return e.current, true
	})
}

// ToggleAutoMode flips auto mode and reports the new value. Turning it on arms
// the current slide's trigger; turning it off cancels a pending timer.
func (e *Engine) ToggleAutoMode(ctx context.Context) (bool, error) {
	var on bool
	err := e.loop.call(ctx, func() {
		on = !e.autoMode.Load()
		e.autoMode.Store(on)
		if !on {
			e.cancelTimer()
			return
		}
		if e.committed && e.selectTrigger() == triggerTimer {
			e.armTimer(e.activation)
		}
	})
	return on, err
}

// ToggleNarration pauses or resumes the bound narration track and reports
// whether it is now playing.
func (e *Engine) ToggleNarration(ctx context.Context) (bool, error) {
	var playing bool
	err := e.loop.call(ctx, func() {
		playing = e.narrator.Toggle()
	})
	return playing, err
}

// Click dispatches a click into the active slide.
func (e *Engine) Click(ctx context.Context, selector string) error {
	var clickErr error
	if err := e.loop.call(ctx, func() {
		clickErr = e.display.Click(selector)
	}); err != nil {
		return err
	}
	return clickErr
}

// SlideHTML renders the display region.
func (e *Engine) SlideHTML(ctx context.Context) (string, error) {
	var out string
	err := e.loop.call(ctx, func() {
		out = e.display.HTML()
	})
	return out, err
}

// Snapshot reports the player state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.loop.call(ctx, func() {
		snap = Snapshot{
			Index:       e.current,
			Total:       e.Total(),
			Title:       e.course.Slides[e.current].Title,
			CourseTitle: e.course.Title,
			AutoMode:    e.autoMode.Load(),
			Narration:   e.narrator.State().String(),
			Failed:      e.display.Failed(),
			Counter:     e.display.Counter(e.current),
		}
	})
	return snap, err
}

// Close cancels pending work, tears down the active slide's plugins and stops
// narration.
func (e *Engine) Close() {
	e.cancel()
	_ = e.loop.call(context.Background(), func() {
		e.cancelTimer()
		e.narrator.Stop()
		e.plugins.Close()
		e.generation++
	})
	e.loop.close()
	e.wg.Wait()
}

func (e *Engine) clamp(i int) int {
	if i < 0 {
		return 0
	}
	if last := e.Total() - 1; i > last {
		return last
	}
	return i
}

func (e *Engine) step(delta int) func() (int, bool) {
	return func() (int, bool) {
		next := e.clamp(e.target + delta)
		return next, next != e.target
	}
}

// selectTrigger picks the single advance trigger for a slide activation.
func (e *Engine) selectTrigger() trigger {
	switch {
	case e.opts.AdvanceOnAudioEnd:
		return triggerNarration
	case !e.opts.AutoplayAudio:
		return triggerTimer
	default:
		return triggerNone
	}
}

func (e *Engine) armTimer(activation uint64) {
	e.cancelTimer()
	delay := time.Duration(e.opts.AutoAdvanceDelayMs) * time.Millisecond
	e.timer = e.sched.AfterFunc(delay, e.triggerFunc(activation))
}

func (e *Engine) cancelTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// triggerFunc returns the callback handed to timers and narration. It hops onto
// the loop before acting.
func (e *Engine) triggerFunc(activation uint64) func() {
	return func() {
		e.loop.post(func() { e.fire(activation) })
	}
}

// fire advances on behalf of a trigger. It runs on the loop, so the
// navigation itself runs on its own goroutine and checks again that the
// activation is still current once it reaches the loop.
func (e *Engine) fire(activation uint64) {
	if activation != e.activation || !e.autoMode.Load() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.navigate(e.ctx, "auto", func() (int, bool) {
			if activation != e.activation || !e.autoMode.Load() {
				return 0, false
			}
			e.timer = nil
			return e.step(1)()
		})
		if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			e.log.Warn("auto advance failed", slog.String("error", err.Error()))
		}
	}()
}

func (e *Engine) publish(name string, payload any) {
	if e.events != nil {
		e.events.Publish(name, payload)
	}
}

func slideError(index int, err error) error {
	return fmt.Errorf("load slide %d: %w", index+1, err)
}
