package scorm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/eventbus"
	"github.com/loqalabs/loqa-deck/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openLocal(t *testing.T) *Local {
	t.Helper()
	l, err := OpenLocal(context.Background(), config.LMSConfig{
		Path:    filepath.Join(t.TempDir(), "lms.db"),
		Learner: "learner-1",
	}, newLogger())
	if err != nil {
		t.Fatalf("open local lms: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newBridge(t *testing.T, api API, cfg config.ScormConfig) (*Bridge, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(newLogger())
	b := NewBridge(NewClient(api, newLogger()), cfg, newLogger())
	b.Attach(bus)
	return b, bus
}

func value(t *testing.T, l *Local, key string) string {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.valueLocked(context.Background(), key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return v
}

type failingAPI struct{ calls int }

var errLMS = errors.New("lms unreachable")

func (f *failingAPI) Initialize(context.Context) error {
	f.calls++
	return errLMS
}

func (f *failingAPI) GetValue(context.Context, string) (string, error) {
	f.calls++
	return "", errLMS
}

func (f *failingAPI) SetValue(context.Context, string, string) error {
	f.calls++
	return errLMS
}

func (f *failingAPI) Commit(context.Context) error {
	f.calls++
	return errLMS
}

func (f *failingAPI) Finish(context.Context) error {
	f.calls++
	return errLMS
}

func TestClientWithoutLMS(t *testing.T) {
	ctx := context.Background()
	c := NewClient(nil, newLogger())
	if c.Available() {
		t.Fatal("expected no lms")
	}
	if !c.Init(ctx) || !c.Set(ctx, KeyLessonLocation, "2") || !c.Save(ctx) || !c.Quit(ctx) {
		t.Fatal("expected no-op success")
	}
	if got := c.Get(ctx, KeyLessonStatus); got != StatusNotAttempted {
		t.Fatalf("expected not attempted, got %q", got)
	}
	if got := c.Get(ctx, KeyLessonLocation); got != "" {
		t.Fatalf("expected empty value, got %q", got)
	}
}

func TestBridgeToleratesFailingLMS(t *testing.T) {
	api := &failingAPI{}
	b, bus := newBridge(t, api, config.ScormConfig{Enabled: true, CompleteOnLastSlide: true})
	bus.Publish(protocol.TopicCourseInit, protocol.CourseInit{TotalSlides: 2})
	bus.Publish(protocol.TopicSlideChange, protocol.SlideChange{Index: 1})
	bus.Publish(protocol.TopicQuizScore, protocol.QuizScore{SlideIndex: 1, Score: 1, Max: 1})
	bus.Publish(protocol.TopicCourseComplete, protocol.CourseComplete{Index: 1})
	b.Close(context.Background())
	if api.calls == 0 {
		t.Fatal("expected the bridge to keep calling the lms")
	}
}

func TestBridgeStartSetsIncompleteAndReadsMastery(t *testing.T) {
	l := openLocal(t)
	if err := l.Seed(context.Background(), KeyMasteryScore, "80"); err != nil {
		t.Fatal(err)
	}
	b, bus := newBridge(t, l, config.ScormConfig{Enabled: true, MasteryScore: 60})
	bus.Publish(protocol.TopicCourseInit, protocol.CourseInit{TotalSlides: 3, Title: "Demo"})

	if got := value(t, l, KeyLessonStatus); got != StatusIncomplete {
		t.Fatalf("expected incomplete, got %q", got)
	}
	if b.Mastery() != 80 {
		t.Fatalf("expected lms mastery to win, got %v", b.Mastery())
	}

	bus.Publish(protocol.TopicSlideChange, protocol.SlideChange{Index: 2})
	if got := value(t, l, KeyLessonLocation); got != "2" {
		t.Fatalf("expected location 2, got %q", got)
	}
}

func TestBridgeKeepsExistingStatus(t *testing.T) {
	l := openLocal(t)
	if err := l.Seed(context.Background(), KeyLessonStatus, StatusPassed); err != nil {
		t.Fatal(err)
	}
	b, _ := newBridge(t, l, config.ScormConfig{Enabled: true})
	b.Start(context.Background())
	if got := value(t, l, KeyLessonStatus); got != StatusPassed {
		t.Fatalf("expected passed to survive, got %q", got)
	}
	if b.Mastery() != defaultMastery {
		t.Fatalf("expected default mastery, got %v", b.Mastery())
	}
}

func TestBridgeScoringFailsAtEnd(t *testing.T) {
	l := openLocal(t)
	b, bus := newBridge(t, l, config.ScormConfig{Enabled: true, MasteryScore: 70})
	bus.Publish(protocol.TopicCourseInit, protocol.CourseInit{TotalSlides: 3})

	bus.Publish(protocol.TopicQuizScore, protocol.QuizScore{SlideIndex: 0, Score: 1, Max: 1})
	if got := value(t, l, KeyLessonStatus); got != StatusPassed {
		t.Fatalf("expected passed at 100%%, got %q", got)
	}
	bus.Publish(protocol.TopicQuizScore, protocol.QuizScore{SlideIndex: 1, Score: 0, Max: 1})
	if got := value(t, l, KeyScoreRaw); got != "50" {
		t.Fatalf("expected raw 50, got %q", got)
	}
	if got := value(t, l, KeyLessonStatus); got != StatusPassed {
		t.Fatalf("status before the end must be left alone, got %q", got)
	}

	// Re-answering a slide replaces its score.
	bus.Publish(protocol.TopicQuizScore, protocol.QuizScore{SlideIndex: 0, Score: 0, Max: 1})
	if pct, ok := b.Percent(); !ok || pct != 0 {
		t.Fatalf("expected 0%%, got %d", pct)
	}

	bus.Publish(protocol.TopicCourseComplete, protocol.CourseComplete{Index: 2})
	if got := value(t, l, KeyLessonStatus); got != StatusFailed {
		t.Fatalf("expected failed at end, got %q", got)
	}
	if value(t, l, KeyScoreMin) != "0" || value(t, l, KeyScoreMax) != "100" {
		t.Fatal("expected score bounds written")
	}
}

func TestBridgeCompletesWithoutQuizzes(t *testing.T) {
	l := openLocal(t)
	_, bus := newBridge(t, l, config.ScormConfig{Enabled: true, CompleteOnLastSlide: true})
	bus.Publish(protocol.TopicCourseInit, protocol.CourseInit{TotalSlides: 2})
	bus.Publish(protocol.TopicCourseComplete, protocol.CourseComplete{Index: 1})
	if got := value(t, l, KeyLessonStatus); got != StatusCompleted {
		t.Fatalf("expected completed, got %q", got)
	}
	if got := value(t, l, KeyScoreRaw); got != "" {
		t.Fatalf("expected no score, got %q", got)
	}
}

func TestBridgeEvaluateOnLastSlide(t *testing.T) {
	l := openLocal(t)
	_, bus := newBridge(t, l, config.ScormConfig{Enabled: true, EvaluateOnLastSlide: true})
	bus.Publish(protocol.TopicCourseInit, protocol.CourseInit{TotalSlides: 2})
	bus.Publish(protocol.TopicQuizScore, protocol.QuizScore{SlideIndex: 0, Score: 1, Max: 1})
	if got := value(t, l, KeyScoreRaw); got != "" {
		t.Fatalf("expected evaluation deferred, got raw %q", got)
	}
	bus.Publish(protocol.TopicCourseComplete, protocol.CourseComplete{Index: 1})
	if got := value(t, l, KeyLessonStatus); got != StatusPassed {
		t.Fatalf("expected passed, got %q", got)
	}
}

func TestBridgeWritesInteractions(t *testing.T) {
	l := openLocal(t)
	b, bus := newBridge(t, l, config.ScormConfig{Enabled: true})
	bus.Publish(protocol.TopicCourseInit, protocol.CourseInit{TotalSlides: 2})
	bus.Publish(protocol.TopicQuizInteraction, protocol.QuizInteraction{
		SlideIndex: 0, ID: "q1", Result: protocol.ResultWrong, Response: "Blue", Correct: "Red",
	})
	bus.Publish(protocol.TopicQuizInteraction, protocol.QuizInteraction{
		SlideIndex: 1, ID: "q2", Result: protocol.ResultCorrect, Response: "Yes",
	})
	b.Close(context.Background())

	dump, err := l.Dump(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"cmi.interactions._count":                        "2",
		"cmi.interactions.0.id":                          "q1",
		"cmi.interactions.0.type":                        "choice",
		"cmi.interactions.0.result":                      "wrong",
		"cmi.interactions.0.student_response":            "Blue",
		"cmi.interactions.0.correct_responses.0.pattern": "Red",
		"cmi.interactions.0.weighting":                   "1",
		"cmi.interactions.1.id":                          "q2",
		"cmi.interactions.1.result":                      "correct",
	}
	for k, v := range want {
		if dump[k] != v {
			t.Fatalf("%s: expected %q, got %q", k, v, dump[k])
		}
	}
	if pattern, ok := dump["cmi.interactions.1.correct_responses.0.pattern"]; !ok || pattern != "" {
		t.Fatalf("expected empty correct pattern to be written, got %q (present=%v)", pattern, ok)
	}
}

func TestLocalAPIRules(t *testing.T) {
	ctx := context.Background()
	l := openLocal(t)

	if _, err := l.GetValue(ctx, KeyLessonStatus); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := l.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.SetValue(ctx, KeyInteractions, "4"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read only, got %v", err)
	}
	if err := l.SetValue(ctx, KeyLessonStatus, "done"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if err := l.SetValue(ctx, "cmi.interactions.1.id", "q"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected skip-ahead rejected, got %v", err)
	}
	if err := l.SetValue(ctx, KeyLessonLocation, "3"); err != nil {
		t.Fatal(err)
	}
	if got, _ := l.GetValue(ctx, KeyLessonLocation); got != "3" {
		t.Fatalf("pending write not visible, got %q", got)
	}
	dump, _ := l.Dump(ctx)
	if _, ok := dump[KeyLessonLocation]; ok {
		t.Fatal("uncommitted write persisted")
	}
	if err := l.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	dump, _ = l.Dump(ctx)
	if dump[KeyLessonLocation] != "3" {
		t.Fatalf("finish must commit, got %v", dump)
	}
	if err := l.SetValue(ctx, KeyLessonLocation, "4"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected finished session to reject writes, got %v", err)
	}
	if err := l.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if dump, _ = l.Dump(ctx); len(dump) != 0 {
		t.Fatalf("expected empty model, got %v", dump)
	}
}
