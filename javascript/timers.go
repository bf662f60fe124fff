package javascript

import (
	"time"

	"github.com/dop251/goja"
)

func (r *Runtime) installTimers() {
	_ = r.vm.Set("setTimeout", r.setTimeout)
	_ = r.vm.Set("clearTimeout", r.clearTimeout)
}

func (r *Runtime) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	r.nextTimer++
	id := r.nextTimer
	r.timers[id] = time.AfterFunc(delay, func() {
		r.Post(func(vm *goja.Runtime) {
			if _, live := r.timers[id]; !live {
				return
			}
			delete(r.timers, id)
			if _, err := fn(goja.Undefined(), args...); err != nil {
				r.logger.Warn().Err(Exception(err)).Msg("timer callback failed")
			}
		})
	})
	return r.vm.ToValue(id)
}

func (r *Runtime) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	return goja.Undefined()
}
