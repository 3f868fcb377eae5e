package scorm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/eventbus"
	"github.com/loqalabs/loqa-deck/internal/protocol"
)

const (
	defaultMastery = 70
	callTimeout    = 5 * time.Second
)

// Subscriber is the part of the event bus the bridge listens on.
type Subscriber interface {
	Subscribe(name string, fn eventbus.Handler) func()
}

type score struct {
	score int
	max   int
}

// Bridge turns course events into LMS data model writes. It owns quiz score
// aggregation.
type Bridge struct {
	client *Client
	cfg    config.ScormConfig
	log    *slog.Logger

	mu      sync.Mutex
	started bool
	mastery float64
	scores  map[int]score
	unsubs  []func()
}

func NewBridge(client *Client, cfg config.ScormConfig, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	mastery := cfg.MasteryScore
	if mastery == 0 {
		mastery = defaultMastery
	}
	return &Bridge{
		client:  client,
		cfg:     cfg,
		log:     log.With(slog.String("component", "scorm-bridge")),
		mastery: mastery,
		scores:  make(map[int]score),
	}
}

// Attach subscribes the bridge to the course topics.
func (b *Bridge) Attach(bus Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs,
		bus.Subscribe(protocol.TopicCourseInit, b.handle(b.onInit)),
		bus.Subscribe(protocol.TopicSlideChange, b.handle(b.onSlideChange)),
		bus.Subscribe(protocol.TopicQuizInteraction, b.handle(b.onInteraction)),
		bus.Subscribe(protocol.TopicQuizScore, b.handle(b.onScore)),
		bus.Subscribe(protocol.TopicCourseComplete, b.handle(b.onComplete)),
	)
}

// Start initializes the LMS session: a fresh attempt moves to incomplete and
// an LMS-provided mastery score replaces the configured one.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startLocked(ctx)
}

func (b *Bridge) startLocked(ctx context.Context) {
	if b.started {
		return
	}
	b.started = true
	b.client.Init(ctx)
	if status := b.client.Get(ctx, KeyLessonStatus); status == "" || status == StatusNotAttempted {
		b.client.Set(ctx, KeyLessonStatus, StatusIncomplete)
	}
	if raw := strings.TrimSpace(b.client.Get(ctx, KeyMasteryScore)); raw != "" {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(ms, 0) && !math.IsNaN(ms) {
			b.mastery = ms
		}
	}
	b.client.Save(ctx)
}

// Mastery returns the pass threshold in percent.
func (b *Bridge) Mastery() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mastery
}

// Percent returns the aggregated quiz score, or false without quizzes.
func (b *Bridge) Percent() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.percentLocked()
}

// Close unsubscribes and finishes the LMS session.
func (b *Bridge) Close(ctx context.Context) {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	b.client.Quit(ctx)
}

func (b *Bridge) handle(fn func(context.Context, any)) eventbus.Handler {
	return func(evt eventbus.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		fn(ctx, evt.Payload)
		return nil
	}
}

func (b *Bridge) onInit(ctx context.Context, _ any) {
	b.startLocked(ctx)
}

func (b *Bridge) onSlideChange(ctx context.Context, payload any) {
	p, ok := payload.(protocol.SlideChange)
	if !ok {
		return
	}
	b.client.Set(ctx, KeyLessonLocation, strconv.Itoa(p.Index))
	b.client.Save(ctx)
}

func (b *Bridge) onInteraction(ctx context.Context, payload any) {
	p, ok := payload.(protocol.QuizInteraction)
	if !ok {
		return
	}
	n, err := strconv.Atoi(b.client.Get(ctx, KeyInteractions))
	if err != nil || n < 0 {
		n = 0
	}
	prefix := fmt.Sprintf("cmi.interactions.%d.", n)
	b.client.Set(ctx, prefix+"id", p.ID)
	b.client.Set(ctx, prefix+"type", "choice")
	b.client.Set(ctx, prefix+"result", p.Result)
	b.client.Set(ctx, prefix+"student_response", p.Response)
	// Written even when empty: the quiz could not name a correct option.
	b.client.Set(ctx, prefix+"correct_responses.0.pattern", p.Correct)
	b.client.Set(ctx, prefix+"weighting", "1")
	b.client.Save(ctx)
	if !b.cfg.EvaluateOnLastSlide {
		b.evaluateLocked(ctx, false)
	}
}

func (b *Bridge) onScore(ctx context.Context, payload any) {
	p, ok := payload.(protocol.QuizScore)
	if !ok {
		return
	}
	b.scores[p.SlideIndex] = score{score: p.Score, max: p.Max}
	if !b.cfg.EvaluateOnLastSlide {
		b.evaluateLocked(ctx, false)
	}
}

func (b *Bridge) onComplete(ctx context.Context, _ any) {
	b.evaluateLocked(ctx, true)
}

func (b *Bridge) percentLocked() (int, bool) {
	if len(b.scores) == 0 {
		return 0, false
	}
	var total, possible int
	for _, s := range b.scores {
		total += s.score
		possible += s.max
	}
	if possible == 0 {
		possible = 1
	}
	return int(math.Round(float64(total) / float64(possible) * 100)), true
}

// evaluateLocked writes the score and derives the lesson status. Before the
// end a failing score leaves the status as it is.
func (b *Bridge) evaluateLocked(ctx context.Context, atEnd bool) {
	pct, ok := b.percentLocked()
	if ok {
		b.client.Set(ctx, KeyScoreRaw, strconv.Itoa(pct))
		b.client.Set(ctx, KeyScoreMin, "0")
		b.client.Set(ctx, KeyScoreMax, "100")
		b.client.Save(ctx)

		switch {
		case float64(pct) >= b.mastery:
			b.client.Set(ctx, KeyLessonStatus, StatusPassed)
		case atEnd:
			b.client.Set(ctx, KeyLessonStatus, StatusFailed)
		default:
			status := b.client.Get(ctx, KeyLessonStatus)
			if status == "" {
				status = StatusIncomplete
			}
			b.client.Set(ctx, KeyLessonStatus, status)
		}
	} else if atEnd && b.cfg.CompleteOnLastSlide {
		b.client.Set(ctx, KeyLessonStatus, StatusCompleted)
	}
	b.client.Save(ctx)
	b.log.Debug("lesson evaluated", slog.Bool("at_end", atEnd), slog.Int("percent", pct), slog.Bool("scored", ok))
}
