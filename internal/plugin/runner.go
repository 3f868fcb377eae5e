package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/dom"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Runner activates the hooks of one slide at a time. It is driven from the
// player goroutine and is not safe for concurrent use.
type Runner struct {
	registry *Registry
	slides   []config.Slide
	log      *slog.Logger
	cleanups []namedCleanup

	failures metric.Int64Counter
}

type namedCleanup struct {
	plugin string
	fn     Cleanup
}

// MissingHook names a hook whose plugin is not registered.
type MissingHook struct {
	Slide  int
	Plugin string
}

func (m MissingHook) String() string {
	return fmt.Sprintf("slide %d: unknown plugin %q", m.Slide+1, m.Plugin)
}

func NewRunner(registry *Registry, slides []config.Slide, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		registry: registry,
		slides:   slides,
		log:      log.With(slog.String("component", "plugin-runner")),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-deck/plugin").Int64Counter("deck.plugin.failures",
		metric.WithDescription("Plugin activations that panicked or returned an error"))
	if err == nil {
		r.failures = counter
	}
	return r
}

// Validate reports hooks that reference unregistered plugins.
func (r *Runner) Validate() []MissingHook {
	var missing []MissingHook
	for i, s := range r.slides {
		for _, h := range s.Hooks {
			if _, ok := r.registry.Lookup(h.Plugin); !ok {
				missing = append(missing, MissingHook{Slide: i, Plugin: h.Plugin})
			}
		}
	}
	return missing
}

// Run tears down the previous slide's hooks and activates the hooks of
// slideIndex against root, in declaration order.
func (r *Runner) Run(slideIndex int, root *dom.Element) {
	r.Close()
	if slideIndex < 0 || slideIndex >= len(r.slides) {
		return
	}
	for _, hook := range r.slides[slideIndex].Hooks {
		fn, ok := r.registry.Lookup(hook.Plugin)
		if !ok {
			r.log.Warn("plugin not registered", slog.String("plugin", hook.Plugin), slog.Int("slide", slideIndex+1))
			continue
		}
		cleanup, err := r.activate(fn, root, mergeOptions(slideIndex, hook))
		if err != nil {
			r.recordFailure(hook.Plugin, slideIndex, err)
			continue
		}
		if cleanup != nil {
			r.cleanups = append(r.cleanups, namedCleanup{plugin: hook.Plugin, fn: cleanup})
		}
	}
}

// Close runs every outstanding cleanup in reverse activation order.
func (r *Runner) Close() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		c := r.cleanups[i]
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Debug("plugin cleanup panicked", slog.String("plugin", c.plugin), slog.String("error", fmt.Sprint(rec)))
				}
			}()
			c.fn()
		}()
	}
	r.cleanups = nil
}

// Active returns the number of retained cleanups.
func (r *Runner) Active() int { return len(r.cleanups) }

func (r *Runner) activate(fn Func, root *dom.Element, opts Options) (cleanup Cleanup, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cleanup = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(root, opts)
}

func (r *Runner) recordFailure(name string, slideIndex int, err error) {
	r.log.Warn("plugin failed", slog.String("plugin", name), slog.Int("slide", slideIndex+1), slog.String("error", err.Error()))
	if r.failures != nil {
		r.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("plugin", name)))
	}
}

func mergeOptions(slideIndex int, hook config.Hook) Options {
	opts := make(Options, len(hook.Options)+2)
	for k, v := range hook.Options {
		opts[k] = v
	}
	opts["slideIndex"] = slideIndex
	if hook.Target != "" {
		opts["target"] = hook.Target
	}
	return opts
}
