// Package progress remembers the last viewed slide under a single key.
package progress

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// DefaultKey is the key the index is stored under.
const DefaultKey = "presentation_progress"

// Store persists the last viewed slide index.
type Store interface {
	// Load returns the stored index. ok is false when nothing was saved.
	Load(ctx context.Context) (index int, ok bool, err error)
	Save(ctx context.Context, index int) error
	Reset(ctx context.Context) error
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	value *string
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(context.Context) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value == nil {
		return 0, false, nil
	}
	return ParseIndex(*m.value), true, nil
}

func (m *Memory) Save(_ context.Context, index int) error {
	v := strconv.Itoa(index)
	m.mu.Lock()
	m.value = &v
	m.mu.Unlock()
	return nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	m.value = nil
	m.mu.Unlock()
	return nil
}

// ParseIndex reads the leading decimal integer of a stored value. Values
// without one read as 0.
func ParseIndex(s string) int {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
