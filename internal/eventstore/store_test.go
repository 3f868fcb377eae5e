package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/eventbus"
	"github.com/loqalabs/loqa-deck/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatal("ephemeral store must not open a database")
	}
	if err := es.AppendEvent(ctx, Event{AttemptID: "a", Type: "noop"}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "attempt"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	attemptID := "attempt-123"
	if err := es.AppendAttempt(context.Background(), Attempt{ID: attemptID, Learner: "learner-1", Course: "Demo", Privacy: "internal"}); err != nil {
		t.Fatalf("append attempt: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{AttemptID: attemptID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListAttemptEvents(context.Background(), attemptID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	attempts, err := es.ListAttempts(context.Background(), 5)
	if err != nil || len(attempts) != 1 || attempts[0].Course != "Demo" {
		t.Fatalf("unexpected attempts %+v err=%v", attempts, err)
	}
}

func TestPruneByDaysAndAttempts(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxAttempts: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendAttempt(context.Background(), Attempt{ID: "old-attempt", Learner: "learner"}); err != nil {
		t.Fatalf("append attempt: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{AttemptID: "old-attempt", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendAttempt(context.Background(), Attempt{ID: "new-attempt", Learner: "learner"}); err != nil {
		t.Fatalf("append attempt: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListAttemptEvents(context.Background(), "old-attempt", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old attempt pruned")
	}
}

func TestRecorderJournalsBusEvents(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "attempt"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec, err := NewRecorder(ctx, es, "learner-1", "Demo", "internal", newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.AttemptID()) != 26 {
		t.Fatalf("expected ulid attempt id, got %q", rec.AttemptID())
	}
	bus := eventbus.New(newLogger())
	rec.Attach(bus)

	bus.Publish(protocol.TopicSlideChange, protocol.SlideChange{Index: 3})
	rec.Audit("stamp", "inv-1", "host.dom.write", map[string]any{"selector": "#title"})
	rec.Close()
	bus.Publish(protocol.TopicSlideChange, protocol.SlideChange{Index: 4})

	events, err := es.ListAttemptEvents(ctx, rec.AttemptID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two journaled events, got %d", len(events))
	}
	var change protocol.SlideChange
	if err := json.Unmarshal(events[0].Payload, &change); err != nil || change.Index != 3 {
		t.Fatalf("unexpected payload %s", events[0].Payload)
	}
	if events[1].ActorID != "plugin:stamp" || events[1].TraceID != "inv-1" || events[1].Type != "host.dom.write" {
		t.Fatalf("unexpected audit record %+v", events[1])
	}
}

func TestAttemptModeKeepsLatestAttemptPerLearner(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: ModeAttempt}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = es.Close() })

	for _, a := range []Attempt{
		{ID: "first", Learner: "ada", Course: "Demo"},
		{ID: "other-course", Learner: "ada", Course: "Safety"},
		{ID: "other-learner", Learner: "bob", Course: "Demo"},
	} {
		if err := es.AppendAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := es.AppendEvent(ctx, Event{AttemptID: "first", Type: "slide:change"}); err != nil {
		t.Fatal(err)
	}
	if err := es.AppendAttempt(ctx, Attempt{ID: "second", Learner: "ada", Course: "Demo"}); err != nil {
		t.Fatal(err)
	}

	attempts, err := es.ListAttempts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, a := range attempts {
		ids[a.ID] = true
	}
	if len(ids) != 3 || ids["first"] || !ids["second"] || !ids["other-course"] || !ids["other-learner"] {
		t.Fatalf("unexpected attempts after retake: %v", ids)
	}
	events, err := es.ListAttemptEvents(ctx, "first", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected retired attempt events removed, got %d", len(events))
	}
}

func TestPersistentModeKeepsRetakes(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: ModePersistent}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = es.Close() })

	for _, id := range []string{"first", "second"} {
		if err := es.AppendAttempt(ctx, Attempt{ID: id, Learner: "ada", Course: "Demo"}); err != nil {
			t.Fatal(err)
		}
	}
	attempts, err := es.ListAttempts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected both attempts kept, got %+v", attempts)
	}
}

func TestPrivateRecorderDropsPayloads(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: ModeAttempt}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec, err := NewRecorder(ctx, es, "learner-1", "Demo", PrivacyPrivate, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Record(protocol.TopicQuizInteraction, "player", "", map[string]any{"response": "B"}); err != nil {
		t.Fatal(err)
	}
	events, err := es.ListAttemptEvents(ctx, rec.AttemptID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Type != protocol.TopicQuizInteraction || events[0].Privacy != PrivacyPrivate || len(events[0].Payload) != 0 {
		t.Fatalf("expected type without payload, got %+v", events[0])
	}
}
