package eventbus

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFailingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(newLogger())
	var calls []string
	b.Subscribe("quiz:score", func(Event) error {
		calls = append(calls, "first")
		panic("boom")
	})
	b.Subscribe("quiz:score", func(Event) error {
		calls = append(calls, "second")
		return errors.New("bad")
	})
	b.Subscribe("quiz:score", func(Event) error {
		calls = append(calls, "third")
		return nil
	})

	b.Publish("quiz:score", nil)

	if len(calls) != 3 || calls[0] != "first" || calls[1] != "second" || calls[2] != "third" {
		t.Fatalf("unexpected delivery order: %v", calls)
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := New(newLogger())
	b.Publish("nobody:listens", 42)

	got := 0
	b.Subscribe("nobody:listens", func(Event) error { got++; return nil })
	if got != 0 {
		t.Fatalf("expected no buffered delivery, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(newLogger())
	got := 0
	unsub := b.Subscribe("slide:change", func(Event) error { got++; return nil })
	b.Publish("slide:change", 1)
	unsub()
	unsub()
	b.Publish("slide:change", 2)
	if got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if n := b.HandlerCount("slide:change"); n != 0 {
		t.Fatalf("expected no handlers left, got %d", n)
	}
}

func TestReentrantPublish(t *testing.T) {
	b := New(newLogger())
	var order []string
	b.Subscribe("course:complete", func(evt Event) error {
		order = append(order, "complete")
		return nil
	})
	b.Subscribe("slide:change", func(evt Event) error {
		order = append(order, "change")
		b.Publish("course:complete", evt.Payload)
		order = append(order, "change-done")
		return nil
	})

	b.Publish("slide:change", 2)

	want := []string{"change", "complete", "change-done"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v", order)
		}
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	b := New(newLogger())
	var names []string
	b.SubscribeAll(func(evt Event) error {
		names = append(names, evt.Name)
		return nil
	})
	b.Publish("course:init", nil)
	b.Publish("slide:change", nil)
	if len(names) != 2 || names[0] != "course:init" || names[1] != "slide:change" {
		t.Fatalf("unexpected taps %v", names)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New(newLogger())
	got := 0
	var unsub func()
	unsub = b.Subscribe("slide:change", func(Event) error {
		got++
		unsub()
		return nil
	})
	b.Publish("slide:change", nil)
	b.Publish("slide:change", nil)
	if got != 1 {
		t.Fatalf("expected single delivery, got %d", got)
	}
}
