// Package pluginhost runs plugins in goja sandboxes and manages their
// install, run and uninstall lifecycle.
package pluginhost

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"saltshaker/eventbus"
	"saltshaker/javascript"
	"saltshaker/logging"
	"saltshaker/metrics"
	"saltshaker/typedef"
)

const (
	DefaultScriptTimeout  = 5 * time.Second
	DefaultDisposeTimeout = 3 * time.Second
)

// FileReader is the file bridge as the sandbox sees it.
type FileReader interface {
	ReadText(ctx context.Context, pluginID, resourceID string) (string, error)
	ReadJSON(ctx context.Context, pluginID, resourceID string) (any, error)
}

// TelemetryBridge is the telemetry bridge as the sandbox sees it.
type TelemetryBridge interface {
	Subscribe(ctx context.Context, pluginID string, events []string) error
	Unsubscribe(ctx context.Context, pluginID string, events []string) error
	Wants(pluginID, name string) bool
	Release(pluginID string)
}

// HostConfig wires a Host to the rest of the process.
type HostConfig struct {
	Bus       *eventbus.Bus
	Files     FileReader
	Telemetry TelemetryBridge
	// Pool runs bridge calls off the plugin loops. *ants.Pool satisfies it.
	Pool           javascript.Submitter
	ScriptTimeout  time.Duration
	DisposeTimeout time.Duration
	Logger         zerolog.Logger
}

// Instance is one active plugin.
type Instance struct {
	ID   string
	Meta typedef.PluginMetadata

	rt     *javascript.Runtime
	logger zerolog.Logger

	// loop-only
	exports   *goja.Object
	onDispose goja.Callable
	api       *goja.Object

	mu       sync.Mutex
	handlers map[uint64]func()
	nextSub  uint64
	detached bool
}

func (inst *Instance) addHandler(unsub func()) uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.detached {
		unsub()
		return 0
	}
	inst.nextSub++
	inst.handlers[inst.nextSub] = unsub
	return inst.nextSub
}

func (inst *Instance) removeHandler(id uint64) {
	inst.mu.Lock()
	unsub, ok := inst.handlers[id]
	delete(inst.handlers, id)
	inst.mu.Unlock()
	if ok {
		unsub()
	}
}

// detach drops every bus handler; later on() calls are refused.
func (inst *Instance) detach() {
	inst.mu.Lock()
	inst.detached = true
	handlers := inst.handlers
	inst.handlers = make(map[uint64]func())
	inst.mu.Unlock()
	for _, unsub := range handlers {
		unsub()
	}
}

// Host owns the active-instance table. Nothing else writes it.
type Host struct {
	cfg    HostConfig
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*Instance
	locks  map[string]*sync.Mutex
}

// NewHost creates a host with no active plugins.
func NewHost(cfg HostConfig) *Host {
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = DefaultScriptTimeout
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = DefaultDisposeTimeout
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(cfg.Logger)
	}
	return &Host{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "pluginhost").Logger(),
		active: make(map[string]*Instance),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (h *Host) lockFor(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[id]
	if !ok {
		l = &sync.Mutex{}
		h.locks[id] = l
	}
	return l
}

// Activate loads code as plugin id and calls its onInit. An instance already
// active under id is disposed first. meta may be nil for ad-hoc code.
func (h *Host) Activate(ctx context.Context, id, code string, meta *typedef.PluginMetadata) error {
	if id == "" {
		return typedef.NewError(typedef.KindInvalidArgument, "activate", "", nil, "plugin id is required")
	}
	l := h.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if h.deactivate(ctx, id) {
		h.logger.Info().Str("plugin", id).Msg("replaced active instance")
	}

	m := typedef.PluginMetadata{ID: id, Name: id}
	if meta != nil {
		m = *meta
	}
	logger := logging.Plugin(h.logger, id)
	inst := &Instance{
		ID:     id,
		Meta:   m,
		logger: logger,
		rt: javascript.New(javascript.Options{
			Name:    id,
			Timeout: h.cfg.ScriptTimeout,
			Pool:    h.cfg.Pool,
			Logger:  h.cfg.Logger,
		}),
		handlers: make(map[uint64]func()),
	}

	logger.Info().Msg("activating plugin")
	if err := h.load(ctx, inst, code); err != nil {
		h.discard(inst)
		logger.Error().Err(err).Msg("plugin failed to load")
		return err
	}

	h.mu.Lock()
	h.active[id] = inst
	metrics.ActivePlugins.Set(float64(len(h.active)))
	h.mu.Unlock()

	if err := h.init(ctx, inst); err != nil {
		h.mu.Lock()
		if h.active[id] == inst {
			delete(h.active, id)
		}
		metrics.ActivePlugins.Set(float64(len(h.active)))
		h.mu.Unlock()
		h.discard(inst)
		logger.Error().Err(err).Msg("plugin failed to activate")
		return err
	}
	logger.Info().Msg("plugin activated")
	return nil
}

// load runs the script and picks up its lifecycle exports.
func (h *Host) load(ctx context.Context, inst *Instance, code string) error {
	err := inst.rt.Do(ctx, func(vm *goja.Runtime) error {
		return h.installGlobals(vm, inst)
	})
	if err != nil {
		return typedef.NewError(typedef.KindSandboxLoadError, "activate", inst.ID, err, "")
	}
	if err := inst.rt.RunScript(ctx, inst.ID+".js", code); err != nil {
		return typedef.NewError(typedef.KindSandboxLoadError, "activate", inst.ID, javascript.Exception(err), "")
	}
	err = inst.rt.Do(ctx, func(vm *goja.Runtime) error {
		module := vm.Get("module")
		if module == nil || goja.IsUndefined(module) || goja.IsNull(module) {
			return typedef.NewError(typedef.KindSandboxLoadError, "activate", inst.ID, nil, "module was removed")
		}
		exp := module.ToObject(vm).Get("exports")
		if exp == nil || goja.IsUndefined(exp) || goja.IsNull(exp) {
			return typedef.NewError(typedef.KindSandboxLoadError, "activate", inst.ID, nil, "module exports nothing")
		}
		obj := exp.ToObject(vm)
		if _, ok := goja.AssertFunction(obj.Get("onInit")); !ok {
			return typedef.NewError(typedef.KindSandboxLoadError, "activate", inst.ID, nil, "module does not export onInit")
		}
		inst.exports = obj
		if fn, ok := goja.AssertFunction(obj.Get("onDispose")); ok {
			inst.onDispose = fn
		}
		return nil
	})
	if err != nil && typedef.KindOf(err) == "" {
		return typedef.NewError(typedef.KindSandboxLoadError, "activate", inst.ID, err, "")
	}
	return err
}

// init calls onInit. A synchronous throw fails activation; a rejected
// promise is only logged, the plugin stays active.
func (h *Host) init(ctx context.Context, inst *Instance) error {
	err := inst.rt.Do(ctx, func(vm *goja.Runtime) error {
		onInit, _ := goja.AssertFunction(inst.exports.Get("onInit"))
		v, err := onInit(inst.exports, inst.api)
		if err != nil {
			return err
		}
		onRejected(vm, v, func(reason error) {
			inst.logger.Warn().Err(reason).Msg("onInit rejected")
		})
		return nil
	})
	if err == nil {
		return nil
	}
	if javascript.IsTimeout(err) {
		return typedef.NewError(typedef.KindSandboxRuntimeError, "onInit", inst.ID, javascript.ErrTimeout, "")
	}
	return typedef.NewError(typedef.KindSandboxRuntimeError, "onInit", inst.ID, javascript.Exception(err), "")
}

// onRejected calls fn if v is a promise that rejects.
func onRejected(vm *goja.Runtime, v goja.Value, fn func(error)) {
	if v == nil {
		return
	}
	if _, ok := v.Export().(*goja.Promise); !ok {
		return
	}
	then, ok := goja.AssertFunction(v.ToObject(vm).Get("then"))
	if !ok {
		return
	}
	_, _ = then(v, goja.Undefined(), vm.ToValue(func(call goja.FunctionCall) goja.Value {
		fn(javascript.Reason(call.Argument(0)))
		return goja.Undefined()
	}))
}

// Deactivate disposes the instance active under id. It reports whether there was one.
func (h *Host) Deactivate(ctx context.Context, id string) bool {
	l := h.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return h.deactivate(ctx, id)
}

// deactivate must be called with id's lock held.
func (h *Host) deactivate(ctx context.Context, id string) bool {
	h.mu.Lock()
	inst, ok := h.active[id]
	if ok {
		delete(h.active, id)
	}
	metrics.ActivePlugins.Set(float64(len(h.active)))
	h.mu.Unlock()
	if !ok {
		return false
	}

	inst.detach()
	if err := h.dispose(ctx, inst); err != nil {
		inst.logger.Warn().Err(err).Msg("onDispose failed")
	}
	h.discard(inst)
	inst.logger.Info().Msg("plugin deactivated")
	return true
}

func (h *Host) dispose(ctx context.Context, inst *Instance) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.DisposeTimeout)
	defer cancel()
	_, err := inst.rt.Await(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		if inst.onDispose == nil {
			return goja.Undefined(), nil
		}
		return inst.onDispose(inst.exports)
	})
	if err != nil {
		return javascript.Exception(err)
	}
	return nil
}

// discard closes the runtime, which waits out its bridge calls, and only
// then releases what the instance holds outside it.
func (h *Host) discard(inst *Instance) {
	inst.detach()
	inst.rt.Close()
	if h.cfg.Telemetry != nil {
		h.cfg.Telemetry.Release(inst.ID)
	}
}

// Shutdown deactivates every active plugin.
func (h *Host) Shutdown(ctx context.Context) {
	for _, id := range h.ActiveIDs() {
		h.Deactivate(ctx, id)
	}
}

// Active returns the instance running under id.
func (h *Host) Active(id string) (*Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.active[id]
	return inst, ok
}

// ActiveIDs lists the active plugin ids in no particular order.
func (h *Host) ActiveIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	return ids
}

// Call runs fn on the plugin's loop and waits for a returned promise to settle.
func (inst *Instance) Call(ctx context.Context, fn func(vm *goja.Runtime) (goja.Value, error)) (any, error) {
	v, err := inst.rt.Await(ctx, fn)
	return v, javascript.Exception(err)
}
