// Package plugin defines the slide behavior contract and the runner that
// activates hooks for the current slide and tears them down on the next
// navigation.
package plugin

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-deck/internal/dom"
)

// Cleanup detaches whatever a plugin attached on activation.
type Cleanup func()

// Func is a slide behavior. It receives the active slide root and the merged
// hook options and may return a cleanup. Plugins that attach listeners must
// return one.
type Func func(root *dom.Element, opts Options) (Cleanup, error)

// Options are the hook's declared options plus slideIndex and target.
type Options map[string]any

// SlideIndex returns the 0-based slide the hook is running on.
func (o Options) SlideIndex() int {
	return o.Int("slideIndex", 0)
}

// String returns a string option or def when missing or empty.
func (o Options) String(key, def string) string {
	switch v := o[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	case int, int64, float64, bool:
		return fmt.Sprint(v)
	}
	return def
}

// Int returns an integer option, accepting numeric strings.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Registry maps plugin names to implementations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Func)}
}

// Register adds a plugin. Names are unique.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("plugin %q has no implementation", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("duplicate plugin name %s", name)
	}
	r.plugins[name] = fn
	return nil
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.plugins[name]
	return fn, ok
}

// Names lists registered plugins in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
