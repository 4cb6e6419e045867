// Package sandbox runs artifact code in an embedded ECMAScript engine.
// Each run gets a fresh VM carrying exactly four kernel bindings
// (kernel_state, kernel_actions, invoke, caller_id); compiled programs
// are cached by content hash. The timeout is cooperative via VM
// interrupts, per the kernel's security model: the container, not the
// sandbox, is the hard boundary.
package sandbox

import (
	"context"
	"crypto/sha256"
	"log"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/terrarium-sim/terrarium/internal/fault"
)

// DefaultEntry is the entry function for plain executables; contracts
// expose check_permission instead.
const DefaultEntry = "run"

// StateAPI is the read-only world view handed to sandboxed code.
type StateAPI interface {
	ReadArtifact(id string) (map[string]interface{}, error)
	Query(params map[string]interface{}) ([]interface{}, error)
	Balance(principal string) (int64, error)
}

// ActionsAPI is the verified mutator surface. Implementations
// re-verify the frame's caller on every call.
type ActionsAPI interface {
	WriteArtifact(id, content string, opts map[string]interface{}) (map[string]interface{}, error)
	TransferScrip(to string, amount int64) error
	TransferQuota(to, resource string, amount int64) error
}

// InvokeFunc re-enters the executor recursively. It returns the
// structured action result; it never produces a Go error because the
// executor converts everything.
type InvokeFunc func(artifactID, method string, args []interface{}) map[string]interface{}

// Bindings is the four-symbol kernel interface for one frame.
type Bindings struct {
	CallerID string
	State    StateAPI
	Actions  ActionsAPI
	Invoke   InvokeFunc
}

type Engine struct {
	timeout time.Duration
	allowed map[string]bool

	cacheMu sync.Mutex
	cache   map[[32]byte]*goja.Program

	logger *log.Logger
}

// NewEngine builds an engine with the configured hard timeout and
// import whitelist (executor.allowed_imports).
func NewEngine(timeout time.Duration, allowedImports []string) *Engine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	allowed := make(map[string]bool, len(allowedImports))
	for _, name := range allowedImports {
		allowed[name] = true
	}
	return &Engine{
		timeout: timeout,
		allowed: allowed,
		cache:   make(map[[32]byte]*goja.Program),
		logger:  log.New(log.Writer(), "[Sandbox] ", log.LstdFlags),
	}
}

func (e *Engine) compile(code string) (*goja.Program, error) {
	key := sha256.Sum256([]byte(code))
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if prog, ok := e.cache[key]; ok {
		return prog, nil
	}
	prog, err := goja.Compile("artifact", code, false)
	if err != nil {
		return nil, fault.Errorf(fault.KindRuntime, "compile: %v", err)
	}
	e.cache[key] = prog
	return prog, nil
}

// Run executes fn(args...) from code under the frame's bindings and
// returns the exported result. Failures come back as faults with the
// kinds the executor reports: TimeoutError, RuntimeError,
// InterfaceMismatch, or the kind a kernel binding raised.
func (e *Engine) Run(ctx context.Context, code, fn string, args []interface{}, b Bindings) (interface{}, error) {
	if fn == "" {
		fn = DefaultEntry
	}
	prog, err := e.compile(code)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(2048)
	if err := e.install(vm, b); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(e.timeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("timeout")
		case <-stopWatch:
		}
	}()

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, mapVMError(err)
	}

	callable, ok := goja.AssertFunction(vm.Get(fn))
	if !ok {
		return nil, fault.Errorf(fault.KindInterfaceMismatch, "code has no callable %q", fn)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = vm.ToValue(a)
	}

	result, err := callable(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, mapVMError(err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// mapVMError converts engine failures into taxonomy faults. A value
// thrown by a kernel binding carries error_kind and keeps it.
func mapVMError(err error) error {
	switch v := err.(type) {
	case *goja.InterruptedError:
		return fault.New(fault.KindTimeout, "execution interrupted by timeout")
	case *goja.Exception:
		if exported, ok := v.Value().Export().(map[string]interface{}); ok {
			if kind, ok := exported["error_kind"].(string); ok && kind != "" {
				msg, _ := exported["message"].(string)
				return fault.New(fault.Kind(kind), msg)
			}
		}
		return fault.Errorf(fault.KindRuntime, "%s", v.Error())
	default:
		return fault.Errorf(fault.KindRuntime, "%v", err)
	}
}

// throwFault raises a kernel failure into the VM as a catchable value
// carrying error_kind and message.
func throwFault(vm *goja.Runtime, err error) {
	panic(vm.ToValue(map[string]interface{}{
		"error_kind": string(fault.KindOf(err)),
		"message":    err.Error(),
	}))
}
