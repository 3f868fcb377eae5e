// Package scorm reports course progress to an LMS through the SCORM 1.2 data
// model.
package scorm

import (
	"context"
	"log/slog"
	"sync"
)

// SCORM 1.2 data model keys written by the bridge.
const (
	KeyLessonStatus   = "cmi.core.lesson_status"
	KeyLessonLocation = "cmi.core.lesson_location"
	KeyScoreRaw       = "cmi.core.score.raw"
	KeyScoreMin       = "cmi.core.score.min"
	KeyScoreMax       = "cmi.core.score.max"
	KeyMasteryScore   = "cmi.student_data.mastery_score"
	KeyInteractions   = "cmi.interactions._count"
)

// Lesson status vocabulary.
const (
	StatusNotAttempted = "not attempted"
	StatusIncomplete   = "incomplete"
	StatusCompleted    = "completed"
	StatusPassed       = "passed"
	StatusFailed       = "failed"
)

// API is the LMS runtime surface.
type API interface {
	Initialize(ctx context.Context) error
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
	Commit(ctx context.Context) error
	Finish(ctx context.Context) error
}

// Client wraps an API so the player runs the same with or without an LMS. A
// nil API makes every call a successful no-op; failures are logged and
// swallowed.
type Client struct {
	api API
	log *slog.Logger

	mu     sync.Mutex
	inited bool
}

func NewClient(api API, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{api: api, log: log.With(slog.String("component", "scorm"))}
}

// Available reports whether an LMS is attached.
func (c *Client) Available() bool { return c.api != nil }

// Init initializes the LMS session once.
func (c *Client) Init(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inited {
		return true
	}
	if c.api == nil {
		c.inited = true
		return true
	}
	if err := c.api.Initialize(ctx); err != nil {
		c.log.Warn("lms initialize failed", slog.String("error", err.Error()))
		return false
	}
	c.inited = true
	return true
}

// Get reads a data model value. Without an LMS the lesson status reads as
// not attempted and everything else as empty.
func (c *Client) Get(ctx context.Context, key string) string {
	if c.api == nil {
		if key == KeyLessonStatus {
			return StatusNotAttempted
		}
		return ""
	}
	v, err := c.api.GetValue(ctx, key)
	if err != nil {
		c.log.Warn("lms get failed", slog.String("key", key), slog.String("error", err.Error()))
		return ""
	}
	return v
}

// Set writes a data model value.
func (c *Client) Set(ctx context.Context, key, value string) bool {
	if c.api == nil {
		return true
	}
	if err := c.api.SetValue(ctx, key, value); err != nil {
		c.log.Warn("lms set failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

// Save commits pending writes.
func (c *Client) Save(ctx context.Context) bool {
	if c.api == nil {
		return true
	}
	if err := c.api.Commit(ctx); err != nil {
		c.log.Warn("lms commit failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Quit ends the LMS session.
func (c *Client) Quit(ctx context.Context) bool {
	if c.api == nil {
		return true
	}
	if err := c.api.Finish(ctx); err != nil {
		c.log.Warn("lms finish failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
