package eventstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-deck/internal/eventbus"
	"github.com/oklog/ulid/v2"
)

const writeTimeout = 2 * time.Second

// PrivacyPrivate journals event types and actors but never payloads.
const PrivacyPrivate = "private"

// Tap is the part of the event bus the recorder listens on.
type Tap interface {
	SubscribeAll(fn eventbus.Handler) func()
}

// Recorder journals every bus event, and plugin audit records, under one
// attempt.
type Recorder struct {
	store   *Store
	attempt string
	privacy string
	log     *slog.Logger

	mu    sync.Mutex
	unsub func()
}

// NewAttemptID returns a lexically sortable attempt id.
func NewAttemptID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewRecorder registers a new attempt for learner on course.
func NewRecorder(ctx context.Context, store *Store, learner, course, privacy string, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store:   store,
		attempt: NewAttemptID(),
		privacy: privacy,
		log:     log.With(slog.String("component", "journal")),
	}
	if err := store.AppendAttempt(ctx, Attempt{ID: r.attempt, Learner: learner, Course: course, Privacy: privacy}); err != nil {
		return nil, err
	}
	return r, nil
}

// AttemptID returns the attempt events are recorded under.
func (r *Recorder) AttemptID() string { return r.attempt }

// Attach starts journaling every event on bus.
func (r *Recorder) Attach(bus Tap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}
	r.unsub = bus.SubscribeAll(func(evt eventbus.Event) error {
		return r.Record(evt.Name, "player", "", evt.Payload)
	})
}

// Record appends one event. Under PrivacyPrivate the payload is dropped.
func (r *Recorder) Record(eventType, actor, traceID string, payload any) error {
	var data []byte
	if payload != nil && r.privacy != PrivacyPrivate {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return r.store.AppendEvent(ctx, Event{
		AttemptID: r.attempt,
		TraceID:   traceID,
		ActorID:   actor,
		Type:      eventType,
		Payload:   data,
		Privacy:   r.privacy,
	})
}

// Audit journals a plugin host call. Its signature matches the wasm loader's
// audit hook.
func (r *Recorder) Audit(plugin, invocationID, eventType string, data map[string]any) {
	if err := r.Record(eventType, "plugin:"+plugin, invocationID, data); err != nil {
		r.log.Warn("failed to record plugin audit", slog.String("plugin", plugin), slog.String("error", err.Error()))
	}
}

// Close stops journaling.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}
