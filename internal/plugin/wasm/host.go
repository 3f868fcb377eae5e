package wasm

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-deck/internal/dom"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Host call result codes returned to the guest.
const (
	CodeOK         = 0
	CodeNotAllowed = 1
	CodeRuntime    = 2
	CodeNotFound   = 3
)

// AuditEvent is a host-side record of something a plugin did.
type AuditEvent struct {
	Type string
	Data map[string]any
}

// binding is the per-activation state host functions act on. It travels in
// the context passed to guest calls so one host module serves every
// instance.
type binding struct {
	manifest Manifest
	root     *dom.Element
	log      *slog.Logger
	publish  func(topic string, payload []byte) error
	audit    func(AuditEvent)
}

type bindingKey struct{}

func withBinding(ctx context.Context, b *binding) context.Context {
	return context.WithValue(ctx, bindingKey{}, b)
}

func bindingFrom(ctx context.Context) *binding {
	b, _ := ctx.Value(bindingKey{}).(*binding)
	return b
}

func newRuntime(ctx context.Context) (wazero.Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := instantiateHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		b := bindingFrom(ctx)
		if b == nil {
			return
		}
		msg, ok := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		if !ok || msg == "" {
			return
		}
		b.log.Info("plugin log", slog.String("message", msg))
		b.record(AuditEvent{Type: "plugin.log", Data: map[string]any{"message": msg}})
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostPublishFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = api.EncodeI32(int32(hostPublish(ctx, mod, stack)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostPublishFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_publish").
		WithResultNames("code").
		Export("host_publish")

	hostSetTextFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = api.EncodeI32(int32(hostMutate(ctx, mod, stack, "plugin.set_text", func(el *dom.Element, text string) {
			el.SetText(text)
		})))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostSetTextFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_set_text").
		WithResultNames("code").
		Export("host_set_text")

	hostToggleClassFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = api.EncodeI32(int32(hostMutate(ctx, mod, stack, "plugin.toggle_class", func(el *dom.Element, class string) {
			el.ToggleClass(class)
		})))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostToggleClassFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_toggle_class").
		WithResultNames("code").
		Export("host_toggle_class")

	_, err := builder.Instantiate(ctx)
	return err
}

func hostPublish(ctx context.Context, mod api.Module, stack []uint64) int {
	b := bindingFrom(ctx)
	if b == nil {
		return CodeRuntime
	}
	topic, ok := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok || topic == "" {
		return CodeRuntime
	}
	if err := b.manifest.CanPublish(topic); err != nil {
		b.log.Warn("plugin publish blocked", slog.String("topic", topic), slog.String("error", err.Error()))
		return CodeNotAllowed
	}
	payload, ok := readString(mod, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	if !ok {
		return CodeRuntime
	}
	if b.publish == nil {
		return CodeRuntime
	}
	if err := b.publish(topic, []byte(payload)); err != nil {
		b.log.Error("plugin publish failed", slog.String("topic", topic), slog.String("error", err.Error()))
		return CodeRuntime
	}
	b.record(AuditEvent{Type: "plugin.publish", Data: map[string]any{
		"topic":         topic,
		"payload_bytes": len(payload),
	}})
	return CodeOK
}

func hostMutate(ctx context.Context, mod api.Module, stack []uint64, kind string, apply func(*dom.Element, string)) int {
	b := bindingFrom(ctx)
	if b == nil || b.root == nil {
		return CodeRuntime
	}
	if err := b.manifest.CanWriteDOM(); err != nil {
		b.log.Warn("plugin dom write blocked", slog.String("error", err.Error()))
		return CodeNotAllowed
	}
	selector, ok := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		return CodeRuntime
	}
	value, ok := readString(mod, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	if !ok {
		return CodeRuntime
	}
	el := b.root
	if selector != "" {
		el = b.root.Query(selector)
	}
	if el == nil {
		return CodeNotFound
	}
	apply(el, value)
	b.record(AuditEvent{Type: kind, Data: map[string]any{"selector": selector}})
	return CodeOK
}

func (b *binding) record(evt AuditEvent) {
	if b.audit != nil {
		b.audit(evt)
	}
}
