// Package narration plays slide narration: a media track when one is bound,
// falling back to speech synthesized from the slide's narration text. Exactly
// one finished notification is delivered per activation.
package narration

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-deck/internal/dom"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultSelector locates the narration text inside a slide.
const DefaultSelector = ".narration-panel"

// State of the narration channel.
type State int

const (
	Idle State = iota
	// Cued means a track is bound but was not started.
	Cued
	PlayingMedia
	SpeakingFallback
)

func (s State) String() string {
	switch s {
	case Cued:
		return "cued"
	case PlayingMedia:
		return "playing"
	case SpeakingFallback:
		return "speaking"
	default:
		return "idle"
	}
}

// MediaPlayer plays a track, blocking until it ends or ctx is cancelled.
type MediaPlayer interface {
	Play(ctx context.Context, src string) error
}

// Speaker speaks text, blocking until the utterance ends or ctx is cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Options for one activation.
type Options struct {
	Autoplay bool
}

type Config struct {
	Player   MediaPlayer
	Speaker  Speaker
	Selector string
	Logger   *slog.Logger
}

type activation struct {
	src        string
	text       string
	onFinished func()
	notified   bool
	run        uint64
	cancel     context.CancelFunc
}

// Controller owns the single narration channel.
type Controller struct {
	player   MediaPlayer
	speaker  Speaker
	selector string
	log      *slog.Logger

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu    sync.Mutex
	state State
	act   *activation

	fallbacks metric.Int64Counter
}

func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	selector := cfg.Selector
	if selector == "" {
		selector = DefaultSelector
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		player:    cfg.Player,
		speaker:   cfg.Speaker,
		selector:  selector,
		log:       logger.With(slog.String("component", "narration")),
		ctx:       ctx,
		cancelAll: cancel,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-deck/narration").Int64Counter("deck.narration.fallbacks",
		metric.WithDescription("Activations that fell back to synthesized speech"))
	if err == nil {
		c.fallbacks = counter
	}
	return c
}

// Play stops whatever is active and starts narration for a new slide.
// onFinished is called at most once, from a goroutine other than the caller's
// unless the slide has nothing to narrate.
func (c *Controller) Play(root *dom.Element, audioRef string, opts Options, onFinished func()) {
	c.Stop()
	text := ""
	if panel := root.Query(c.selector); panel != nil {
		text = panel.Text()
	}

	c.mu.Lock()
	a := &activation{src: audioRef, text: text, onFinished: onFinished}
	c.act = a
	var notify func()
	switch {
	case audioRef != "" && c.player != nil && opts.Autoplay:
		c.startMediaLocked(a)
	case audioRef != "" && c.player != nil:
		c.state = Cued
	default:
		notify = c.startSpeechLocked(a)
	}
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Stop cancels media and speech and returns to Idle without notifying.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.act != nil && c.act.cancel != nil {
		c.act.cancel()
	}
	c.act = nil
	c.state = Idle
}

// Toggle pauses active narration, or starts the bound track when nothing is
// playing. It reports whether narration is now playing.
func (c *Controller) Toggle() bool {
	c.mu.Lock()
	a := c.act
	if a == nil {
		c.mu.Unlock()
		return false
	}
	if c.state == PlayingMedia || c.state == SpeakingFallback {
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
		a.run++
		c.state = Cued
		if a.src == "" || c.player == nil {
			c.state = Idle
		}
		c.mu.Unlock()
		return false
	}
	if a.src == "" || c.player == nil {
		c.mu.Unlock()
		return false
	}
	c.startMediaLocked(a)
	c.mu.Unlock()
	return true
}

// IsPlayingOrSpeaking reports whether media or speech is active.
func (c *Controller) IsPlayingOrSpeaking() bool {
	s := c.State()
	return s == PlayingMedia || s == SpeakingFallback
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops narration and waits for background playback to exit.
func (c *Controller) Close() {
	c.Stop()
	c.cancelAll()
	c.wg.Wait()
}

func (c *Controller) startMediaLocked(a *activation) {
	ctx, cancel := context.WithCancel(c.ctx)
	a.run++
	a.cancel = cancel
	run := a.run
	c.state = PlayingMedia

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.player.Play(ctx, a.src)
		c.mediaDone(a, run, err)
	}()
}

func (c *Controller) mediaDone(a *activation, run uint64, err error) {
	c.mu.Lock()
	if c.act != a || a.run != run {
		c.mu.Unlock()
		return
	}
	a.cancel = nil
	var notify func()
	if err == nil {
		c.state = Idle
		notify = c.finishLocked(a)
	} else {
		c.log.Debug("media playback failed, speaking instead", slog.String("src", a.src), slog.String("error", err.Error()))
		if c.fallbacks != nil {
			c.fallbacks.Add(context.Background(), 1)
		}
		notify = c.startSpeechLocked(a)
	}
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// startSpeechLocked speaks the activation's text. When there is nothing to
// speak it returns the finished notification for the caller to deliver after
// unlocking.
func (c *Controller) startSpeechLocked(a *activation) func() {
	if a.text == "" || c.speaker == nil {
		c.state = Idle
		return c.finishLocked(a)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	a.run++
	a.cancel = cancel
	run := a.run
	c.state = SpeakingFallback

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.speaker.Speak(ctx, a.text)
		c.speechDone(a, run, err)
	}()
	return nil
}

func (c *Controller) speechDone(a *activation, run uint64, err error) {
	c.mu.Lock()
	if c.act != a || a.run != run {
		c.mu.Unlock()
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("speech failed", slog.String("error", err.Error()))
	}
	a.cancel = nil
	c.state = Idle
	notify := c.finishLocked(a)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (c *Controller) finishLocked(a *activation) func() {
	if a.notified || a.onFinished == nil {
		a.notified = true
		return nil
	}
	a.notified = true
	return a.onFinished
}
