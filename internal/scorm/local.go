package scorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-deck/internal/config"
	_ "modernc.org/sqlite"
)

var (
	ErrNotInitialized = errors.New("lms session not initialized")
	ErrReadOnly       = errors.New("data model element is read only")
	ErrInvalidValue   = errors.New("invalid data model value")
)

var interactionKey = regexp.MustCompile(`^cmi\.interactions\.(\d+)\.`)

var lessonStatuses = map[string]bool{
	StatusNotAttempted: true,
	StatusIncomplete:   true,
	StatusCompleted:    true,
	StatusPassed:       true,
	StatusFailed:       true,
	"browsed":          true,
}

// Local is a SCORM 1.2 API backed by sqlite, for running a course without a
// hosting LMS. Writes are buffered until Commit.
type Local struct {
	db      *sql.DB
	learner string
	log     *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	active  bool
	pending map[string]string
}

// OpenLocal opens the data model database for cfg.Learner.
func OpenLocal(ctx context.Context, cfg config.LMSConfig, log *slog.Logger) (*Local, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS cmi (
    learner TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (learner, key)
);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init lms schema: %w", err)
	}
	learner := cfg.Learner
	if learner == "" {
		learner = "local"
	}
	return &Local{
		db:      db,
		learner: learner,
		log:     log.With(slog.String("component", "lms-local"), slog.String("learner", learner)),
		clock:   time.Now,
		pending: make(map[string]string),
	}, nil
}

// Close releases the database.
func (l *Local) Close() error {
	return l.db.Close()
}

func (l *Local) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = true
	l.log.Debug("lms session started")
	return nil
}

func (l *Local) GetValue(ctx context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return "", ErrNotInitialized
	}
	return l.valueLocked(ctx, key)
}

func (l *Local) SetValue(ctx context.Context, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return ErrNotInitialized
	}
	switch key {
	case KeyInteractions, KeyMasteryScore, "cmi.core.student_id":
		return fmt.Errorf("%w: %s", ErrReadOnly, key)
	case KeyLessonStatus:
		if !lessonStatuses[value] {
			return fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
		}
	case KeyScoreRaw, KeyScoreMin, KeyScoreMax:
		if _, err := strconv.ParseFloat(value, 64); err != nil && value != "" {
			return fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
		}
	}
	if m := interactionKey.FindStringSubmatch(key); m != nil {
		n, _ := strconv.Atoi(m[1])
		count, err := l.countLocked(ctx)
		if err != nil {
			return err
		}
		if n > count {
			return fmt.Errorf("%w: interaction %d skips ahead of %d", ErrInvalidValue, n, count)
		}
		if n == count {
			l.pending[KeyInteractions] = strconv.Itoa(count + 1)
		}
	}
	l.pending[key] = value
	return nil
}

func (l *Local) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return ErrNotInitialized
	}
	return l.commitLocked(ctx)
}

func (l *Local) Finish(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return ErrNotInitialized
	}
	if err := l.commitLocked(ctx); err != nil {
		return err
	}
	l.active = false
	l.log.Debug("lms session finished")
	return nil
}

// Seed stores a value directly, bypassing read-only checks. It stands in for
// values an LMS administrator would configure, such as the mastery score.
func (l *Local) Seed(ctx context.Context, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, upsertCMI, l.learner, key, value, l.clock().UTC())
	return err
}

// Dump returns every committed value for the learner.
func (l *Local) Dump(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT key, value FROM cmi WHERE learner = ? ORDER BY key`, l.learner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Reset deletes the learner's data model.
func (l *Local) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = make(map[string]string)
	_, err := l.db.ExecContext(ctx, `DELETE FROM cmi WHERE learner = ?`, l.learner)
	return err
}

const upsertCMI = `INSERT INTO cmi(learner, key, value, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(learner, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`

func (l *Local) valueLocked(ctx context.Context, key string) (string, error) {
	if v, ok := l.pending[key]; ok {
		return v, nil
	}
	var v string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM cmi WHERE learner = ? AND key = ?`, l.learner, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		switch key {
		case KeyLessonStatus:
			return StatusNotAttempted, nil
		case KeyInteractions:
			return "0", nil
		case "cmi.core.student_id":
			return l.learner, nil
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func (l *Local) countLocked(ctx context.Context) (int, error) {
	raw, err := l.valueLocked(ctx, KeyInteractions)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (l *Local) commitLocked(ctx context.Context) (err error) {
	if len(l.pending) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	now := l.clock().UTC()
	for k, v := range l.pending {
		if _, err = tx.ExecContext(ctx, upsertCMI, l.learner, k, v, now); err != nil {
			return fmt.Errorf("commit %s: %w", k, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	l.pending = make(map[string]string)
	return nil
}
