package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-deck/internal/config"
	_ "modernc.org/sqlite"
)

// SQLite keeps progress in a key/value table.
type SQLite struct {
	db    *sql.DB
	key   string
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg config.ProgressConfig, log *slog.Logger) (*SQLite, error) {
	if log == nil {
		log = slog.Default()
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
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
	s := &SQLite{db: db, key: key, log: log.With(slog.String("component", "progress")), clock: time.Now}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init progress schema: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key returns the entry progress is stored under.
func (s *SQLite) Key() string { return s.key }

func (s *SQLite) Load(ctx context.Context) (int, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load progress: %w", err)
	}
	return ParseIndex(value), true, nil
}

func (s *SQLite) Save(ctx context.Context, index int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		s.key, strconv.Itoa(index), s.clock().UTC())
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, s.key); err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	return nil
}

// Raw returns the stored string, for inspection tools.
func (s *SQLite) Raw(ctx context.Context) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// put writes a raw value; tests use it to plant malformed entries.
func (s *SQLite) put(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		s.key, value, s.clock().UTC())
	return err
}
