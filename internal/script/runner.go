package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	maxOutputSize = 16 * 1024
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Result is the outcome of a transform script.
type Result struct {
	// Data is the returned value when it was an object or array.
	Data any
	// Replaced reports whether Data should replace the caller's current data.
	Replaced bool
	// Output collects console.log/print output.
	Output string
}

// Validate checks that the script compiles and defines a 'transform' function.
// Top-level statements run under the same timeout as Run.
func Validate(scriptBody string) (err error) {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				err = ErrScriptTimeout
			} else {
				err = fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()
	if err := installConsole(vm, &outputBuffer{}); err != nil {
		return err
	}
	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(scriptBody); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return ErrScriptTimeout
		}
		return fmt.Errorf("script compilation error: %w", err)
	}

	if _, ok := transformFunc(vm); !ok {
		return ErrNoTransform
	}
	return nil
}

// Run calls transform(data) in a fresh VM. The VM has no host I/O; only a
// console object that records output is exposed.
func Run(scriptBody string, data any) (result *Result, err error) {
	if len(scriptBody) > maxScriptSize {
		return nil, ErrScriptTooLarge
	}

	// Recover from goja panics (e.g., from vm.Interrupt)
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if _, ok := r.(*goja.InterruptedError); ok {
				err = ErrScriptTimeout
			} else {
				err = fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()
	out := &outputBuffer{}
	if err := installConsole(vm, out); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(scriptBody); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script compilation error: %w", err)
	}

	callable, ok := transformFunc(vm)
	if !ok {
		return nil, ErrNoTransform
	}

	// Round-trip through JSON so the script sees plain objects.
	arg, err := toJSValue(vm, data)
	if err != nil {
		return nil, err
	}

	ret, err := callable(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	result = &Result{Output: out.String()}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return result, nil
	}

	exported := ret.Export()
	switch exported.(type) {
	case map[string]any, []any:
	default:
		return result, nil
	}

	jsonBytes, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script result: %w", err)
	}
	var clean any
	if err := json.Unmarshal(jsonBytes, &clean); err != nil {
		return nil, fmt.Errorf("failed to unmarshal script result: %w", err)
	}
	result.Data = clean
	result.Replaced = true
	return result, nil
}

func transformFunc(vm *goja.Runtime) (goja.Callable, bool) {
	fn := vm.Get("transform")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, false
	}
	return goja.AssertFunction(fn)
}

func toJSValue(vm *goja.Runtime, data any) (goja.Value, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script input: %w", err)
	}
	var plain any
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal script input: %w", err)
	}
	return vm.ToValue(plain), nil
}

type outputBuffer struct {
	sb strings.Builder
}

func (o *outputBuffer) write(args []goja.Value) {
	if o.sb.Len() >= maxOutputSize {
		return
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, a.String())
	}
	o.sb.WriteString(strings.Join(parts, " "))
	o.sb.WriteByte('\n')
}

func (o *outputBuffer) String() string {
	s := o.sb.String()
	if len(s) > maxOutputSize {
		s = s[:maxOutputSize]
	}
	return s
}

func installConsole(vm *goja.Runtime, out *outputBuffer) error {
	log := func(call goja.FunctionCall) goja.Value {
		out.write(call.Arguments)
		return goja.Undefined()
	}
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, log); err != nil {
			return fmt.Errorf("install console: %w", err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("install console: %w", err)
	}
	if err := vm.Set("print", log); err != nil {
		return fmt.Errorf("install print: %w", err)
	}
	return nil
}
