package narration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-deck/internal/dom"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gate is a MediaPlayer and Speaker whose calls block until the test
// releases them.
type gate struct {
	calls   chan string
	results chan error
}

func newGate() *gate {
	return &gate{calls: make(chan string, 8), results: make(chan error, 8)}
}

func (g *gate) Play(ctx context.Context, src string) error { return g.block(ctx, src) }

func (g *gate) Speak(ctx context.Context, text string) error { return g.block(ctx, text) }

func (g *gate) block(ctx context.Context, arg string) error {
	g.calls <- arg
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-g.results:
		return err
	}
}

func (g *gate) next(t *testing.T) string {
	t.Helper()
	select {
	case arg := <-g.calls:
		return arg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call")
		return ""
	}
}

func slideRoot(t *testing.T, markup string) *dom.Element {
	t.Helper()
	doc := dom.NewDocument()
	if err := doc.SetInnerHTML([]byte(markup)); err != nil {
		t.Fatal(err)
	}
	return doc.FirstElement()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

const narrated = `<div class="slide"><div class="narration-panel"> Hello learner </div></div>`

func TestStopIsIdempotent(t *testing.T) {
	media := newGate()
	c := New(Config{Player: media, Logger: newLogger()})
	defer c.Close()

	c.Stop()
	c.Stop()
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}

	var finished atomic.Int32
	c.Play(slideRoot(t, narrated), "audio/slide1.mp3", Options{Autoplay: true}, func() { finished.Add(1) })
	media.next(t)
	if !c.IsPlayingOrSpeaking() {
		t.Fatalf("expected playing, got %s", c.State())
	}
	c.Stop()
	c.Stop()
	if c.State() != Idle || c.IsPlayingOrSpeaking() {
		t.Fatalf("expected idle after stop, got %s", c.State())
	}
	c.Close()
	if finished.Load() != 0 {
		t.Fatal("stop must not notify")
	}
}

func TestMediaEndNotifiesOnce(t *testing.T) {
	media := newGate()
	c := New(Config{Player: media, Logger: newLogger()})
	defer c.Close()

	var finished atomic.Int32
	c.Play(slideRoot(t, narrated), "audio/slide1.mp3", Options{Autoplay: true}, func() { finished.Add(1) })
	if src := media.next(t); src != "audio/slide1.mp3" {
		t.Fatalf("unexpected src %q", src)
	}
	media.results <- nil
	waitFor(t, func() bool { return finished.Load() == 1 })
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}

	// Replaying the bound track does not notify again.
	if !c.Toggle() {
		t.Fatal("expected replay to start")
	}
	media.next(t)
	media.results <- nil
	waitFor(t, func() bool { return c.State() == Idle })
	c.Close()
	if finished.Load() != 1 {
		t.Fatalf("expected one notification, got %d", finished.Load())
	}
}

func TestMediaErrorFallsBackToSpeech(t *testing.T) {
	media, speech := newGate(), newGate()
	c := New(Config{Player: media, Speaker: speech, Logger: newLogger()})
	defer c.Close()

	var finished atomic.Int32
	c.Play(slideRoot(t, narrated), "audio/missing.mp3", Options{Autoplay: true}, func() { finished.Add(1) })
	media.next(t)
	media.results <- errors.New("unsupported format")

	if text := speech.next(t); text != "Hello learner" {
		t.Fatalf("unexpected narration text %q", text)
	}
	if c.State() != SpeakingFallback {
		t.Fatalf("expected speaking, got %s", c.State())
	}
	speech.results <- nil
	waitFor(t, func() bool { return finished.Load() == 1 })
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestMissingAudioSpeaksRegardlessOfAutoplay(t *testing.T) {
	speech := newGate()
	c := New(Config{Player: newGate(), Speaker: speech, Logger: newLogger()})
	defer c.Close()

	c.Play(slideRoot(t, narrated), "", Options{}, nil)
	speech.next(t)
	if c.State() != SpeakingFallback {
		t.Fatalf("expected speaking, got %s", c.State())
	}
}

func TestNoTextFinishesImmediately(t *testing.T) {
	c := New(Config{Speaker: newGate(), Logger: newLogger()})
	defer c.Close()

	finished := 0
	c.Play(slideRoot(t, `<div class="slide"><p>No narration here</p></div>`), "", Options{Autoplay: true}, func() { finished++ })
	if finished != 1 {
		t.Fatalf("expected immediate finish, got %d", finished)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestStopDuringSpeechNeverNotifies(t *testing.T) {
	speech := newGate()
	c := New(Config{Speaker: speech, Logger: newLogger()})

	var finished atomic.Int32
	c.Play(slideRoot(t, narrated), "", Options{}, func() { finished.Add(1) })
	speech.next(t)
	c.Stop()
	c.Close()
	if finished.Load() != 0 {
		t.Fatal("cancelled speech must not notify")
	}
}

func TestPlayReplacesPreviousActivation(t *testing.T) {
	media := newGate()
	c := New(Config{Player: media, Logger: newLogger()})
	defer c.Close()

	var first, second atomic.Int32
	c.Play(slideRoot(t, narrated), "a.mp3", Options{Autoplay: true}, func() { first.Add(1) })
	media.next(t)
	c.Play(slideRoot(t, narrated), "b.mp3", Options{Autoplay: true}, func() { second.Add(1) })
	if src := media.next(t); src != "b.mp3" {
		t.Fatalf("unexpected src %q", src)
	}
	media.results <- nil
	waitFor(t, func() bool { return second.Load() == 1 })
	c.Close()
	if first.Load() != 0 {
		t.Fatal("superseded activation must not notify")
	}
}

func TestCuedTrackWaitsForToggle(t *testing.T) {
	media := newGate()
	c := New(Config{Player: media, Logger: newLogger()})
	defer c.Close()

	var finished atomic.Int32
	c.Play(slideRoot(t, narrated), "audio/slide2.mp3", Options{}, func() { finished.Add(1) })
	if c.State() != Cued || c.IsPlayingOrSpeaking() {
		t.Fatalf("expected cued, got %s", c.State())
	}
	if !c.Toggle() {
		t.Fatal("expected toggle to start playback")
	}
	media.next(t)
	if c.Toggle() {
		t.Fatal("expected toggle to pause playback")
	}
	if c.State() != Cued {
		t.Fatalf("expected cued after pause, got %s", c.State())
	}
	c.Toggle()
	media.next(t)
	media.results <- nil
	waitFor(t, func() bool { return finished.Load() == 1 })
}
