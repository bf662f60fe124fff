// Package javascript runs guest scripts on goja. Each Runtime owns one VM
// and one goroutine; everything that touches the VM runs as a job on that
// goroutine.
package javascript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

var (
	// ErrTimeout interrupts a job that ran longer than Options.Timeout.
	ErrTimeout = errors.New("script timed out")
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("runtime closed")
)

// Submitter runs blocking work off the loop. *ants.Pool satisfies it.
type Submitter interface {
	Submit(task func()) error
}

type goSubmitter struct{}

func (goSubmitter) Submit(task func()) error {
	go task()
	return nil
}

// Options configures a Runtime.
type Options struct {
	// Name labels log lines and script errors.
	Name string
	// Timeout bounds every job; zero disables the bound.
	Timeout time.Duration
	// Pool runs Async work. Defaults to one goroutine per call.
	Pool   Submitter
	Logger zerolog.Logger
}

// Job is a unit of work run on the loop goroutine.
type Job func(vm *goja.Runtime)

// Runtime is a goja VM with a private event loop.
type Runtime struct {
	vm      *goja.Runtime
	name    string
	timeout time.Duration
	pool    Submitter
	logger  zerolog.Logger

	jobs   *queue.Queue
	done   chan struct{}
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	// Async work handed to the pool and not yet finished
	inflight sync.WaitGroup

	// guards current so a late timeout never interrupts the next job
	imu     sync.Mutex
	current uint64
	seq     uint64

	// loop-only
	timers    map[int64]*time.Timer
	nextTimer int64
}

// New starts a runtime. The VM sees ECMAScript builtins plus setTimeout
// and clearTimeout; callers add the rest.
func New(opts Options) *Runtime {
	if opts.Pool == nil {
		opts.Pool = goSubmitter{}
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		vm:      vm,
		name:    opts.Name,
		timeout: opts.Timeout,
		pool:    opts.Pool,
		logger:  opts.Logger.With().Str("component", "javascript").Str("runtime", opts.Name).Logger(),
		jobs:    queue.New(64),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[int64]*time.Timer),
	}
	r.installTimers()
	go r.loop()
	return r
}

func (r *Runtime) loop() {
	defer close(r.done)
	for {
		items, err := r.jobs.Get(32)
		if err != nil {
			return
		}
		for _, it := range items {
			if r.closed.Load() {
				return
			}
			r.run(it.(Job))
		}
	}
}

func (r *Runtime) run(j Job) {
	var t *time.Timer
	r.imu.Lock()
	r.seq++
	id := r.seq
	r.current = id
	r.imu.Unlock()
	if r.timeout > 0 {
		t = time.AfterFunc(r.timeout, func() {
			r.imu.Lock()
			defer r.imu.Unlock()
			if r.current == id {
				r.vm.Interrupt(ErrTimeout)
			}
		})
	}
	defer func() {
		if t != nil {
			t.Stop()
		}
		r.imu.Lock()
		r.current = 0
		r.vm.ClearInterrupt()
		r.imu.Unlock()
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("job panicked")
		}
	}()
	j(r.vm)
}

// Post queues j and returns immediately. It reports false once the runtime is closed.
func (r *Runtime) Post(j Job) bool {
	if r.closed.Load() {
		return false
	}
	return r.jobs.Put(j) == nil
}

// Do runs fn on the loop and waits for it.
func (r *Runtime) Do(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	errc := make(chan error, 1)
	ok := r.Post(func(vm *goja.Runtime) {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%s: panic: %v", r.name, p)
			}
			errc <- err
		}()
		err = fn(vm)
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// RunScript compiles and runs src on the loop.
func (r *Runtime) RunScript(ctx context.Context, name, src string) error {
	return r.Do(ctx, func(vm *goja.Runtime) error {
		_, err := vm.RunScript(name, src)
		return err
	})
}

// Context is cancelled when the runtime closes.
func (r *Runtime) Context() context.Context { return r.ctx }

// Async must be called on the loop. It returns a promise settled on the
// loop with work's result, while work itself runs on the pool.
func (r *Runtime) Async(work func(ctx context.Context) (any, error)) *goja.Promise {
	promise, resolve, reject := r.vm.NewPromise()
	settle := func(v any, err error) {
		r.Post(func(vm *goja.Runtime) {
			if err != nil {
				reject(ErrorValue(vm, err))
				return
			}
			resolve(v)
		})
	}
	if r.closed.Load() {
		reject(ErrorValue(r.vm, ErrClosed))
		return promise
	}
	r.inflight.Add(1)
	err := r.pool.Submit(func() {
		defer r.inflight.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Interface("panic", p).Msg("async work panicked")
				settle(nil, fmt.Errorf("internal error"))
			}
		}()
		if r.ctx.Err() != nil {
			settle(nil, ErrClosed)
			return
		}
		settle(work(r.ctx))
	})
	if err != nil {
		r.inflight.Done()
		reject(ErrorValue(r.vm, err))
	}
	return promise
}

// Await runs fn on the loop. If fn returns a promise, Await waits for it to
// settle; a rejection is returned as a *ScriptError.
func (r *Runtime) Await(ctx context.Context, fn func(vm *goja.Runtime) (goja.Value, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	err := r.Do(ctx, func(vm *goja.Runtime) error {
		v, err := fn(vm)
		if err != nil {
			return err
		}
		p, ok := promiseOf(v)
		if !ok {
			done <- result{v: exportValue(v)}
			return nil
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			done <- result{v: exportValue(p.Result())}
			return nil
		case goja.PromiseStateRejected:
			done <- result{err: rejection(p.Result())}
			return nil
		}
		then, ok := goja.AssertFunction(v.ToObject(vm).Get("then"))
		if !ok {
			return fmt.Errorf("%s: promise has no then", r.name)
		}
		_, err = then(v,
			vm.ToValue(func(call goja.FunctionCall) goja.Value {
				done <- result{v: exportValue(call.Argument(0))}
				return goja.Undefined()
			}),
			vm.ToValue(func(call goja.FunctionCall) goja.Value {
				done <- result{err: rejection(call.Argument(0))}
				return goja.Undefined()
			}),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

func promiseOf(v goja.Value) (*goja.Promise, bool) {
	if v == nil {
		return nil, false
	}
	p, ok := v.Export().(*goja.Promise)
	return p, ok
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// Close stops the loop, aborting a running job, and cancels Async work.
// It returns once every Async task already handed to the pool has finished,
// so nothing started by the guest outlives the call. It must not be called
// from a job.
func (r *Runtime) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		<-r.done
		return
	}
	r.cancel()
	r.jobs.Dispose()
	r.vm.Interrupt(ErrClosed)
	<-r.done
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	// Async only runs on the loop, which has exited, so no Add races this Wait
	r.inflight.Wait()
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool { return r.closed.Load() }
