package pluginhost

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"saltshaker/eventbus"
	"saltshaker/javascript"
	"saltshaker/typedef"
)

// installGlobals gives the guest its whole view of the host: module,
// exports, plugin, api and console. Nothing else is reachable.
func (h *Host) installGlobals(vm *goja.Runtime, inst *Instance) error {
	exports := vm.NewObject()
	module := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return err
	}

	api := h.newAPI(vm, inst)
	inst.api = api

	globals := map[string]any{
		"module":  module,
		"exports": exports,
		"plugin":  inst.Meta,
		"api":     api,
		"console": newConsole(vm, inst.logger),
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) newAPI(vm *goja.Runtime, inst *Instance) *goja.Object {
	api := vm.NewObject()
	_ = api.Set("log", func(call goja.FunctionCall) goja.Value {
		inst.logger.Info().Msg(joinArgs(call.Arguments))
		return goja.Undefined()
	})
	_ = api.Set("sendEvent", func(call goja.FunctionCall) goja.Value {
		h.sendEvent(vm, inst, call.Argument(0), call.Argument(1))
		return goja.Undefined()
	})
	_ = api.Set("on", func(call goja.FunctionCall) goja.Value {
		return h.on(vm, inst, call.Argument(0), call.Argument(1))
	})

	calls := h.hostCalls(inst)

	file := vm.NewObject()
	_ = file.Set("readText", calls.bind(vm, "file.readText"))
	_ = file.Set("readJson", calls.bind(vm, "file.readJson"))

	dolphin := vm.NewObject()
	_ = dolphin.Set("subscribe", calls.bind(vm, "dolphin.subscribe"))
	_ = dolphin.Set("unsubscribe", calls.bind(vm, "dolphin.unsubscribe"))

	host := vm.NewObject()
	_ = host.Set("file", file)
	_ = host.Set("dolphin", dolphin)
	_ = host.Set("invoke", func(call goja.FunctionCall) goja.Value {
		method := call.Argument(0)
		if !isString(method) {
			return rejected(vm, typedef.NewError(typedef.KindInvalidArgument, "invoke", inst.ID, nil, "method must be a string"))
		}
		fn, ok := calls[method.String()]
		if !ok {
			return rejected(vm, typedef.NewError(typedef.KindInvalidArgument, "invoke", inst.ID, nil, "unknown method %q", method.String()))
		}
		return fn(vm, call.Argument(1))
	})
	_ = api.Set("host", host)
	return api
}

func (h *Host) sendEvent(vm *goja.Runtime, inst *Instance, name, payload goja.Value) {
	if !isString(name) || name.String() == "" {
		javascript.Throw(vm, typedef.NewError(typedef.KindInvalidArgument, "sendEvent", inst.ID, nil, "event name must be a non-empty string"))
	}
	kind := eventbus.Kind(name.String())
	if kind.IsReserved() {
		javascript.Throw(vm, typedef.NewError(typedef.KindInvalidArgument, "sendEvent", inst.ID, nil, "%q is reserved for the host", kind))
	}
	var data any
	if payload != nil && !goja.IsUndefined(payload) {
		plain, err := plainPayload(payload.Export())
		if err != nil {
			javascript.Throw(vm, typedef.NewError(typedef.KindInvalidArgument, "sendEvent", inst.ID, err, "payload must be plain data"))
		}
		data = plain
	}
	inst.logger.Debug().Str("event", string(kind)).Msg("plugin event")
	h.cfg.Bus.Publish(eventbus.Event{Kind: kind, Payload: data, Source: inst.ID})
}

// on subscribes a guest handler. Delivery is posted to the plugin's loop;
// telemetry kinds only reach plugins subscribed to that event name.
func (h *Host) on(vm *goja.Runtime, inst *Instance, name, handler goja.Value) goja.Value {
	if !isString(name) || name.String() == "" {
		javascript.Throw(vm, typedef.NewError(typedef.KindInvalidArgument, "on", inst.ID, nil, "event name must be a non-empty string"))
	}
	fn, ok := goja.AssertFunction(handler)
	if !ok {
		javascript.Throw(vm, typedef.NewError(typedef.KindInvalidArgument, "on", inst.ID, nil, "handler must be a function"))
	}
	kind := eventbus.Kind(name.String())
	telemetryName, isTelemetry := kind.TelemetryName()

	unsub := h.cfg.Bus.Subscribe(kind, func(ev eventbus.Event) {
		if isTelemetry && (h.cfg.Telemetry == nil || !h.cfg.Telemetry.Wants(inst.ID, telemetryName)) {
			return
		}
		data, err := plainPayload(ev.Payload)
		if err != nil {
			inst.logger.Warn().Err(err).Str("event", string(ev.Kind)).Msg("event payload is not plain data, dropped")
			return
		}
		inst.rt.Post(func(vm *goja.Runtime) {
			if _, err := fn(goja.Undefined(), vm.ToValue(data)); err != nil {
				inst.logger.Warn().Err(javascript.Exception(err)).Str("event", string(ev.Kind)).Msg("event handler failed")
			}
		})
	})
	id := inst.addHandler(unsub)
	return vm.ToValue(func(goja.FunctionCall) goja.Value {
		inst.removeHandler(id)
		return goja.Undefined()
	})
}

// hostCall handles one bridge method. It runs on the loop and returns a promise.
type hostCall func(vm *goja.Runtime, arg goja.Value) goja.Value

type hostCalls map[string]hostCall

func (c hostCalls) bind(vm *goja.Runtime, method string) func(goja.FunctionCall) goja.Value {
	fn := c[method]
	return func(call goja.FunctionCall) goja.Value {
		return fn(vm, call.Argument(0))
	}
}

func (h *Host) hostCalls(inst *Instance) hostCalls {
	id := inst.ID
	return hostCalls{
		"file.readText": func(vm *goja.Runtime, arg goja.Value) goja.Value {
			res, err := resourceArg(arg)
			if err != nil {
				return rejected(vm, typedef.NewError(typedef.KindInvalidArgument, "file.readText", id, nil, err.Error()))
			}
			if h.cfg.Files == nil {
				return rejected(vm, typedef.NewError(typedef.KindResourceUnavailable, "file.readText", id, nil, "file bridge is not available"))
			}
			return vm.ToValue(inst.rt.Async(func(ctx context.Context) (any, error) {
				return h.cfg.Files.ReadText(ctx, id, res)
			}))
		},
		"file.readJson": func(vm *goja.Runtime, arg goja.Value) goja.Value {
			res, err := resourceArg(arg)
			if err != nil {
				return rejected(vm, typedef.NewError(typedef.KindInvalidArgument, "file.readJson", id, nil, err.Error()))
			}
			if h.cfg.Files == nil {
				return rejected(vm, typedef.NewError(typedef.KindResourceUnavailable, "file.readJson", id, nil, "file bridge is not available"))
			}
			return vm.ToValue(inst.rt.Async(func(ctx context.Context) (any, error) {
				return h.cfg.Files.ReadJSON(ctx, id, res)
			}))
		},
		"dolphin.subscribe": func(vm *goja.Runtime, arg goja.Value) goja.Value {
			events, err := eventsArg(arg, true)
			if err != nil {
				return rejected(vm, typedef.NewError(typedef.KindInvalidArgument, "dolphin.subscribe", id, nil, err.Error()))
			}
			if h.cfg.Telemetry == nil {
				return rejected(vm, typedef.NewError(typedef.KindResourceUnavailable, "dolphin.subscribe", id, nil, "telemetry is not available"))
			}
			return vm.ToValue(inst.rt.Async(func(ctx context.Context) (any, error) {
				if err := h.cfg.Telemetry.Subscribe(ctx, id, events); err != nil {
					return nil, err
				}
				return map[string]any{"ok": true}, nil
			}))
		},
		"dolphin.unsubscribe": func(vm *goja.Runtime, arg goja.Value) goja.Value {
			events, err := eventsArg(arg, false)
			if err != nil {
				return rejected(vm, typedef.NewError(typedef.KindInvalidArgument, "dolphin.unsubscribe", id, nil, err.Error()))
			}
			if h.cfg.Telemetry == nil {
				return rejected(vm, typedef.NewError(typedef.KindResourceUnavailable, "dolphin.unsubscribe", id, nil, "telemetry is not available"))
			}
			return vm.ToValue(inst.rt.Async(func(ctx context.Context) (any, error) {
				if err := h.cfg.Telemetry.Unsubscribe(ctx, id, events); err != nil {
					return nil, err
				}
				return map[string]any{"ok": true}, nil
			}))
		},
	}
}

type argError string

func (e argError) Error() string { return string(e) }

// resourceArg accepts "id" or {resourceId: "id"}.
func resourceArg(arg goja.Value) (string, error) {
	if isString(arg) {
		return arg.String(), nil
	}
	if obj, ok := arg.(*goja.Object); ok {
		if v := obj.Get("resourceId"); isString(v) {
			return v.String(), nil
		}
	}
	return "", argError("resource id must be a string")
}

// eventsArg reads {events: [...]}. For unsubscribe a missing argument or
// missing events means every event, returned as nil.
func eventsArg(arg goja.Value, required bool) ([]string, error) {
	var list goja.Value
	if obj, ok := arg.(*goja.Object); ok {
		list = obj.Get("events")
	}
	if list == nil || goja.IsUndefined(list) || goja.IsNull(list) {
		if required {
			return nil, argError("events must be an array of strings")
		}
		return nil, nil
	}
	obj, ok := list.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return nil, argError("events must be an array of strings")
	}
	n := int(obj.Get("length").ToInteger())
	events := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v := obj.Get(strconv.Itoa(i))
		if !isString(v) {
			return nil, argError("events must be an array of strings")
		}
		events = append(events, v.String())
	}
	return events, nil
}

func isString(v goja.Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.Export().(string)
	return ok
}

func rejected(vm *goja.Runtime, err error) goja.Value {
	p, _, reject := vm.NewPromise()
	reject(javascript.ErrorValue(vm, err))
	return vm.ToValue(p)
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

func newConsole(vm *goja.Runtime, logger zerolog.Logger) *goja.Object {
	console := vm.NewObject()
	levels := map[string]func() *zerolog.Event{
		"log":   logger.Info,
		"info":  logger.Info,
		"debug": logger.Debug,
		"warn":  logger.Warn,
		"error": logger.Error,
	}
	for name, level := range levels {
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			level().Msg(joinArgs(call.Arguments))
			return goja.Undefined()
		})
	}
	return console
}

// plainPayload reduces v to JSON data: maps, slices, strings, float64, bools
// and nil. Every receiver gets its own copy, detached from host structs and
// from the sending plugin's runtime. Functions and channels are rejected.
func plainPayload(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
