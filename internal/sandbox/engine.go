// Package sandbox evaluates user-authored scripts under a restricted
// execution policy. Each call runs on a fresh single-use interpreter worker
// with a wall-clock timeout; the worker is discarded after the run, and a
// crashed worker is replaced transparently on the next attempt.
//
// Scripts see only the bindings injected by the caller (see helpers.go for
// the curated capability set). There is no module system, no file I/O, no
// process spawning, and no host reflection surface — the interpreter's
// global environment is the entire world.
//
// The result of an execution is the set of module-level names bound after
// the script returns, minus non-serializable entries: callables are
// dropped, timestamps normalize to RFC3339 strings, HTTP responses to their
// textual body, and anything that cannot survive JSON marshalling is
// silently omitted.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// maxWorkerDeaths bounds how many crashed workers are replaced before the
// failure surfaces to the caller.
const maxWorkerDeaths = 3

// ScriptError is the distinguished failure raised for compile errors,
// runtime errors, and timeouts. Message carries the original error text.
type ScriptError struct {
	Message string
	Timeout bool
}

// Error implements the error interface.
func (e *ScriptError) Error() string { return e.Message }

// Engine executes scripts with a default wall-clock timeout.
type Engine struct {
	defaultTimeout time.Duration
	baseline       map[string]struct{}
}

// NewEngine builds an engine. The baseline global set of a pristine worker
// is captured once so interpreter builtins never leak into results.
func NewEngine(defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	baseline := make(map[string]struct{})
	vm := goja.New()
	for _, k := range vm.GlobalObject().Keys() {
		baseline[k] = struct{}{}
	}
	return &Engine{defaultTimeout: defaultTimeout, baseline: baseline}
}

// Execute runs source with the given predefined bindings and timeout
// (zero means the engine default). It returns the serializable module-level
// bindings, or a *ScriptError.
func (e *Engine) Execute(ctx context.Context, source string, predefined map[string]any, timeout time.Duration) (map[string]any, error) {
	if source == "" {
		return nil, &ScriptError{Message: "script is empty"}
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	prog, err := goja.Compile("script", source, false)
	if err != nil {
		return nil, &ScriptError{Message: fmt.Sprintf("compile error: %v", err)}
	}

	var lastDeath error
	for attempt := 0; attempt < maxWorkerDeaths; attempt++ {
		out, err, died := e.runWorker(ctx, prog, predefined, timeout)
		if died != nil {
			lastDeath = died
			continue // replace the worker and retry
		}
		return out, err
	}
	return nil, &ScriptError{Message: fmt.Sprintf("script worker died: %v", lastDeath)}
}

// runWorker executes the program on a fresh interpreter in its own
// goroutine. The returned died error indicates worker death (panic), which
// is retryable; err is a terminal script outcome.
func (e *Engine) runWorker(ctx context.Context, prog *goja.Program, predefined map[string]any, timeout time.Duration) (out map[string]any, err error, died error) {
	type result struct {
		values map[string]any
		err    error
		death  error
	}
	done := make(chan result, 1)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for name, value := range predefined {
		if err := vm.Set(name, value); err != nil {
			return nil, &ScriptError{Message: fmt.Sprintf("cannot bind %q: %v", name, err)}, nil
		}
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("execution timed out")
	})
	defer timer.Stop()

	// Propagate caller cancellation into the worker.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-execCtx.Done()
		if execCtx.Err() == context.Canceled {
			return
		}
		vm.Interrupt("execution cancelled")
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{death: fmt.Errorf("%v", r)}
			}
		}()
		if _, runErr := vm.RunProgram(prog); runErr != nil {
			done <- result{err: translateRunError(runErr)}
			return
		}
		done <- result{values: e.collect(vm)}
	}()

	res := <-done
	return res.values, res.err, res.death
}

// translateRunError maps interpreter failures onto ScriptError, marking
// interrupts as timeouts.
func translateRunError(err error) error {
	if _, ok := err.(*goja.InterruptedError); ok {
		return &ScriptError{Message: "script execution timed out", Timeout: true}
	}
	if ex, ok := err.(*goja.Exception); ok {
		return &ScriptError{Message: ex.Error()}
	}
	return &ScriptError{Message: err.Error()}
}

// collect extracts the script's own global bindings and normalizes them.
func (e *Engine) collect(vm *goja.Runtime) map[string]any {
	out := make(map[string]any)
	global := vm.GlobalObject()
	for _, key := range global.Keys() {
		if _, builtin := e.baseline[key]; builtin {
			continue
		}
		v := global.Get(key)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			out[key] = nil
			continue
		}
		if _, isFn := goja.AssertFunction(v); isFn {
			continue
		}
		if norm, ok := normalize(v.Export()); ok {
			out[key] = norm
		}
	}
	return out
}

// normalize converts an exported value into its serializable form, or
// reports false when the value must be dropped.
func normalize(v any) (any, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case *HTTPResponse:
		return t.Text, true
	case func(goja.FunctionCall) goja.Value:
		return nil, false
	}
	if _, err := json.Marshal(v); err != nil {
		return nil, false
	}
	return v, true
}
