package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-deck/internal/dom"
	"github.com/loqalabs/loqa-deck/internal/narration"
	"github.com/loqalabs/loqa-deck/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const progressTimeout = 2 * time.Second

// navigate runs one navigation. pick chooses the target on the loop and may
// decline, which makes the call a no-op. The fetch happens off the loop; a
// result that arrives after a newer navigation started is dropped.
func (e *Engine) navigate(ctx context.Context, reason string, pick func() (int, bool)) error {
	ctx, span := e.tracer.Start(ctx, "engine.navigate", trace.WithAttributes(attribute.String("deck.reason", reason)))
	defer span.End()

	var (
		idx int
		gen uint64
		ok  bool
	)
	if err := e.loop.call(ctx, func() {
		idx, ok = pick()
		if !ok {
			return
		}
		e.narrator.Stop()
		e.cancelTimer()
		e.generation++
		e.activation++
		gen = e.generation
		e.target = idx
	}); err != nil {
		span.RecordError(err)
		return err
	}
	if !ok {
		span.SetAttributes(attribute.Bool("deck.noop", true))
		return nil
	}
	span.SetAttributes(attribute.Int("deck.slide", idx))

	data, fetchErr := e.fetcher.Fetch(ctx, e.course.Slides[idx].ContentRef)

	var result error
	if err := e.loop.call(context.WithoutCancel(ctx), func() {
		result = e.activate(gen, idx, data, fetchErr)
	}); err != nil {
		span.RecordError(err)
		return err
	}
	if result != nil {
		span.RecordError(result)
		span.SetStatus(codes.Error, result.Error())
	}
	return result
}

// activate mounts fetched content and commits the navigation. It runs on the
// loop.
func (e *Engine) activate(gen uint64, idx int, data []byte, fetchErr error) error {
	if gen != e.generation {
		e.log.Debug("dropping superseded slide", slog.Int("slide", idx+1))
		return ErrSuperseded
	}
	if fetchErr != nil && errors.Is(fetchErr, context.Canceled) {
		e.target = e.current
		return fetchErr
	}
	root, err := e.mount(data, fetchErr)
	if err != nil {
		e.target = e.current
		e.display.ShowError(idx+1, err.Error())
		if e.fetchFailures != nil {
			e.fetchFailures.Add(e.ctx, 1)
		}
		e.log.Warn("slide load failed", slog.Int("slide", idx+1), slog.String("error", err.Error()))
		return slideError(idx, err)
	}

	e.plugins.Run(idx, root)

	src := root.Data("audio")
	if src == "" {
		src = e.course.Slides[idx].AudioRef
	}
	if r, ok := e.fetcher.(Resolver); ok && src != "" {
		src = r.Resolve(src)
	}
	act := e.activation
	trig := e.selectTrigger()
	var onFinished func()
	if trig == triggerNarration {
		onFinished = e.triggerFunc(act)
	}
	e.narrator.Play(root, src, narration.Options{Autoplay: e.opts.AutoplayAudio}, onFinished)

	e.current = idx
	e.target = idx
	e.committed = true
	e.index.Store(int64(idx))
	e.saveProgress(idx)
	if trig == triggerTimer && e.autoMode.Load() {
		e.armTimer(act)
	}
	if e.navigations != nil {
		e.navigations.Add(e.ctx, 1, metric.WithAttributes(attribute.Int("slide", idx+1)))
	}

	e.publish(protocol.TopicSlideChange, protocol.SlideChange{Index: idx})
	if idx == e.Total()-1 {
		e.publish(protocol.TopicCourseComplete, protocol.CourseComplete{Index: idx})
	}
	return nil
}

func (e *Engine) mount(data []byte, fetchErr error) (*dom.Element, error) {
	if fetchErr != nil {
		return nil, fetchErr
	}
	return e.display.Mount(data)
}

func (e *Engine) saveProgress(idx int) {
	if !e.opts.RememberProgress || e.progress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, progressTimeout)
	defer cancel()
	if err := e.progress.Save(ctx, idx); err != nil {
		e.log.Warn("progress save failed", slog.String("error", err.Error()))
	}
}
