// Package wasm runs slide plugins compiled to WebAssembly. Each plugin ships a
// plugin.yaml manifest next to its module; an activation instantiates the
// module with the slide index and hook options in its environment, calls the
// entrypoint, and closes the instance on cleanup.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-deck/internal/dom"
	"github.com/loqalabs/loqa-deck/internal/plugin"
	"github.com/loqalabs/loqa-deck/internal/protocol"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Environment passed to each instance.
const (
	EnvPluginName   = "DECK_PLUGIN_NAME"
	EnvSlideIndex   = "DECK_SLIDE_INDEX"
	EnvOptions      = "DECK_PLUGIN_OPTIONS"
	EnvInvocationID = "DECK_INVOCATION_ID"
)

const callTimeout = 5 * time.Second

// Publisher receives events published by plugins.
type Publisher interface {
	Publish(name string, payload any)
}

// Options configure a Loader.
type Options struct {
	Publisher Publisher
	// Audit, when set, receives a record of every host call and invocation.
	Audit  func(plugin, invocationID string, evt AuditEvent)
	Logger *slog.Logger
}

// Loader compiles plugin modules once and registers them as plugin.Funcs.
type Loader struct {
	ctx context.Context
	rt  wazero.Runtime
	pub Publisher
	aud func(string, string, AuditEvent)
	log *slog.Logger
}

func NewLoader(ctx context.Context, opts Options) (*Loader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	rt, err := newRuntime(ctx)
	if err != nil {
		return nil, fmt.Errorf("init wasm runtime: %w", err)
	}
	return &Loader{
		ctx: ctx,
		rt:  rt,
		pub: opts.Publisher,
		aud: opts.Audit,
		log: logger.With(slog.String("component", "plugin.wasm")),
	}, nil
}

// Close releases the runtime along with every compiled module.
func (l *Loader) Close(ctx context.Context) error {
	if l == nil || l.rt == nil {
		return nil
	}
	return l.rt.Close(ctx)
}

// Discover walks dir for plugin manifests and registers every plugin that
// loads. Broken plugins are logged and skipped. It returns the registered
// names.
func (l *Loader) Discover(ctx context.Context, dir string, reg *plugin.Registry) ([]string, error) {
	if dir == "" {
		return nil, errors.New("plugin directory not configured")
	}
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(d.Name(), ManifestName) {
			return nil
		}
		m, err := LoadManifest(path)
		if err != nil {
			l.log.Error("failed to load plugin", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if err := l.Register(ctx, m, reg); err != nil {
			l.log.Error("failed to load plugin", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		names = append(names, m.Metadata.Name)
		return nil
	})
	if err != nil {
		return names, err
	}
	if len(names) == 0 {
		l.log.Warn("no wasm plugins discovered", slog.String("directory", dir))
	} else {
		l.log.Info("wasm plugins discovered", slog.Int("count", len(names)))
	}
	return names, nil
}

// Register compiles the manifest's module and adds it to reg under the
// manifest name.
func (l *Loader) Register(ctx context.Context, m Manifest, reg *plugin.Registry) error {
	if err := ValidateManifest(m); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	wasmBytes, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := l.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile module: %w", err)
	}
	if err := reg.Register(m.Metadata.Name, l.activation(m, compiled)); err != nil {
		compiled.Close(ctx)
		return err
	}
	return nil
}

func (l *Loader) activation(m Manifest, compiled wazero.CompiledModule) plugin.Func {
	name := m.Metadata.Name
	return func(root *dom.Element, opts plugin.Options) (plugin.Cleanup, error) {
		invocationID := uuid.NewString()
		optsJSON, err := json.Marshal(opts)
		if err != nil {
			return nil, fmt.Errorf("encode options: %w", err)
		}
		b := &binding{
			manifest: m,
			root:     root,
			log:      l.log.With(slog.String("plugin", name), slog.String("invocation_id", invocationID)),
			publish:  l.publish,
			audit: func(evt AuditEvent) {
				if l.aud != nil {
					l.aud(name, invocationID, evt)
				}
			},
		}

		ctx, cancel := context.WithTimeout(withBinding(l.ctx, b), callTimeout)
		defer cancel()

		cfg := wazero.NewModuleConfig().
			WithName("").
			WithEnv(EnvPluginName, name).
			WithEnv(EnvSlideIndex, strconv.Itoa(opts.SlideIndex())).
			WithEnv(EnvOptions, string(optsJSON)).
			WithEnv(EnvInvocationID, invocationID)
		mod, err := l.rt.InstantiateModule(ctx, compiled, cfg)
		if err != nil {
			return nil, fmt.Errorf("instantiate module: %w", err)
		}
		entry := mod.ExportedFunction(m.Runtime.Entrypoint)
		if entry == nil {
			mod.Close(ctx)
			return nil, fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
		}

		start := time.Now()
		b.record(AuditEvent{Type: "plugin.invoke.start", Data: map[string]any{"slide": opts.SlideIndex()}})
		if _, err := entry.Call(ctx); err != nil {
			b.record(AuditEvent{Type: "plugin.invoke.error", Data: map[string]any{"error": err.Error()}})
			mod.Close(ctx)
			return nil, err
		}
		b.record(AuditEvent{Type: "plugin.invoke.complete", Data: map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		}})

		return func() { l.teardown(b, mod) }, nil
	}
}

func (l *Loader) teardown(b *binding, mod api.Module) {
	ctx, cancel := context.WithTimeout(withBinding(l.ctx, b), callTimeout)
	defer cancel()
	if fn := b.manifest.Runtime.Cleanup; fn != "" {
		if cleanup := mod.ExportedFunction(fn); cleanup != nil {
			if _, err := cleanup.Call(ctx); err != nil {
				b.log.Warn("plugin cleanup failed", slog.String("error", err.Error()))
			}
		}
	}
	if err := mod.Close(ctx); err != nil {
		b.log.Debug("plugin close failed", slog.String("error", err.Error()))
	}
}

func (l *Loader) publish(topic string, payload []byte) error {
	if l.pub == nil {
		return errors.New("publish unsupported")
	}
	v, err := protocol.DecodePayload(topic, payload)
	if err != nil {
		return err
	}
	l.pub.Publish(topic, v)
	return nil
}
