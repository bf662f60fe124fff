package javascript

import (
	"errors"

	"github.com/dop251/goja"

	"saltshaker/typedef"
)

// ScriptError is a value thrown or rejected by guest code.
type ScriptError struct {
	Name    string
	Message string
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func rejection(v goja.Value) error {
	if obj, ok := v.(*goja.Object); ok {
		name, msg := obj.Get("name"), obj.Get("message")
		if msg != nil && !goja.IsUndefined(msg) {
			se := &ScriptError{Message: msg.String()}
			if name != nil && !goja.IsUndefined(name) {
				se.Name = name.String()
			}
			return se
		}
	}
	if v == nil {
		return &ScriptError{Message: "undefined"}
	}
	return &ScriptError{Message: v.String()}
}

// ErrorValue converts err into a JS Error. HostErrors keep their kind as
// the error's name and as a kind property so guest code can branch on it.
func ErrorValue(vm *goja.Runtime, err error) goja.Value {
	name := "Error"
	var he *typedef.HostError
	if errors.As(err, &he) {
		name = string(he.Kind)
	}
	ctor, ok := goja.AssertConstructor(vm.Get("Error"))
	if !ok {
		return vm.ToValue(err.Error())
	}
	obj, cerr := ctor(nil, vm.ToValue(err.Error()))
	if cerr != nil {
		return vm.ToValue(err.Error())
	}
	_ = obj.Set("name", name)
	if he != nil {
		_ = obj.Set("kind", string(he.Kind))
	}
	return obj
}

// Throw raises err inside the guest. Call it only from a Go function invoked by JS.
func Throw(vm *goja.Runtime, err error) {
	panic(ErrorValue(vm, err))
}

// Exception unwraps a goja error into a ScriptError where possible.
func Exception(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return rejection(ex.Value())
	}
	return err
}

// IsTimeout reports whether err came from a job interrupted by Options.Timeout.
func IsTimeout(err error) bool {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		v, ok := ie.Value().(error)
		return ok && errors.Is(v, ErrTimeout)
	}
	return errors.Is(err, ErrTimeout)
}

// Reason converts a rejection reason or thrown value into an error.
func Reason(v goja.Value) error { return rejection(v) }
