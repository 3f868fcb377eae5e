// Package eventstore journals course events per learner attempt in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-deck/internal/config"
	_ "modernc.org/sqlite"
)

// Retention modes.
const (
	// ModeEphemeral keeps nothing; the store has no database.
	ModeEphemeral = "ephemeral"
	// ModeAttempt keeps only the latest attempt of each learner on a course.
	ModeAttempt = "attempt"
	// ModePersistent keeps every attempt within the age and count limits.
	ModePersistent = "persistent"
)

// Event is one journaled course event.
type Event struct {
	ID        int64
	AttemptID string
	TraceID   string
	ActorID   string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Attempt is one run through a course.
type Attempt struct {
	ID        string
	Learner   string
	Course    string
	Privacy   string
	CreatedAt time.Time
}

// Store is the SQLite attempt journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the journal database and applies retention once.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == ModeEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS attempts (
    attempt_id TEXT PRIMARY KEY,
    learner TEXT,
    course TEXT,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT NOT NULL,
    trace_id TEXT,
    actor_id TEXT,
    event_type TEXT,
    payload BLOB,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(attempt_id) REFERENCES attempts(attempt_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_attempt_created ON events(attempt_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == ModeEphemeral || s.db == nil
}

// AppendAttempt registers an attempt. In attempt mode it also drops the
// learner's earlier attempts on the same course, with their events.
func (s *Store) AppendAttempt(ctx context.Context, a Attempt) error {
	if s.disabled() {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if s.cfg.RetentionMode == ModeAttempt {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM attempts WHERE learner = ? AND course = ? AND attempt_id <> ?`,
				a.Learner, a.Course, a.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.log.Debug("retired earlier attempts", slog.String("learner", a.Learner), slog.Int64("count", n))
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attempts(attempt_id, learner, course, privacy_scope, created_at)
			 VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(attempt_id) DO UPDATE SET learner=excluded.learner, course=excluded.course, privacy_scope=excluded.privacy_scope`,
			a.ID, a.Learner, a.Course, a.Privacy, a.CreatedAt)
		return err
	})
}

// AppendEvent journals one event under its attempt.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(attempt_id, trace_id, actor_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.AttemptID, evt.TraceID, evt.ActorID, evt.Type, evt.Payload, evt.Privacy, evt.CreatedAt)
	return err
}

// ListAttempts returns the most recent attempts first.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, learner, course, privacy_scope, created_at
		 FROM attempts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var created string
		if err := rows.Scan(&a.ID, &a.Learner, &a.Course, &a.Privacy, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			a.CreatedAt = ts
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAttemptEvents retrieves up to limit events for an attempt ordered ascending by time.
func (s *Store) ListAttemptEvents(ctx context.Context, attemptID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, trace_id, actor_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE attempt_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, attemptID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.TraceID, &e.ActorID, &e.Type, &e.Payload, &e.Privacy, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops attempts older than retention_days and all but the newest
// max_attempts. Events go with their attempt.
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var removed int64
		if s.cfg.RetentionDays > 0 {
			cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
			res, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if s.cfg.MaxAttempts > 0 {
			res, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE attempt_id IN (
				SELECT attempt_id FROM attempts ORDER BY created_at DESC LIMIT -1 OFFSET ?
			)`, s.cfg.MaxAttempts)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if removed > 0 {
			s.log.Info("pruned attempts", slog.String("mode", s.cfg.RetentionMode), slog.Int64("count", removed))
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
