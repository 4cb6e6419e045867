package sandbox

import (
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/terrarium-sim/terrarium/internal/fault"
)

// install places the four kernel symbols plus whitelisted modules into
// a fresh VM. Nothing else from the host is reachable.
func (e *Engine) install(vm *goja.Runtime, b Bindings) error {
	vm.Set("caller_id", b.CallerID)

	state := vm.NewObject()
	state.Set("read_artifact", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		view, err := b.State.ReadArtifact(id)
		if err != nil {
			throwFault(vm, err)
		}
		return vm.ToValue(view)
	})
	state.Set("query", func(call goja.FunctionCall) goja.Value {
		params, _ := call.Argument(0).Export().(map[string]interface{})
		ids, err := b.State.Query(params)
		if err != nil {
			throwFault(vm, err)
		}
		return vm.ToValue(ids)
	})
	state.Set("balance", func(call goja.FunctionCall) goja.Value {
		bal, err := b.State.Balance(call.Argument(0).String())
		if err != nil {
			throwFault(vm, err)
		}
		return vm.ToValue(bal)
	})
	vm.Set("kernel_state", state)

	actions := vm.NewObject()
	actions.Set("write_artifact", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		content := call.Argument(1).String()
		opts, _ := call.Argument(2).Export().(map[string]interface{})
		out, err := b.Actions.WriteArtifact(id, content, opts)
		if err != nil {
			throwFault(vm, err)
		}
		return vm.ToValue(out)
	})
	actions.Set("transfer_scrip", func(call goja.FunctionCall) goja.Value {
		to := call.Argument(0).String()
		amount := call.Argument(1).ToInteger()
		if err := b.Actions.TransferScrip(to, amount); err != nil {
			throwFault(vm, err)
		}
		return goja.Undefined()
	})
	actions.Set("transfer_quota", func(call goja.FunctionCall) goja.Value {
		to := call.Argument(0).String()
		resource := call.Argument(1).String()
		amount := call.Argument(2).ToInteger()
		if err := b.Actions.TransferQuota(to, resource, amount); err != nil {
			throwFault(vm, err)
		}
		return goja.Undefined()
	})
	vm.Set("kernel_actions", actions)

	vm.Set("invoke", func(call goja.FunctionCall) goja.Value {
		if b.Invoke == nil {
			throwFault(vm, fault.New(fault.KindInternal, "invoke unavailable in this frame"))
		}
		if len(call.Arguments) < 2 {
			throwFault(vm, fault.New(fault.KindInvalidArgument, "invoke(artifact_id, method, ...args)"))
		}
		id := call.Argument(0).String()
		method := call.Argument(1).String()
		var args []interface{}
		for _, v := range call.Arguments[2:] {
			args = append(args, v.Export())
		}
		return vm.ToValue(b.Invoke(id, method, args))
	})

	e.installModules(vm)
	return nil
}

// installModules adds the whitelisted pure-computation helpers. The
// engine's built-in JSON and Math already cover the json and math
// names; text and time are host-provided.
func (e *Engine) installModules(vm *goja.Runtime) {
	if e.allowed["text"] {
		text := vm.NewObject()
		text.Set("upper", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.ToUpper(call.Argument(0).String()))
		})
		text.Set("lower", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.ToLower(call.Argument(0).String()))
		})
		text.Set("trim", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.TrimSpace(call.Argument(0).String()))
		})
		text.Set("split", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.Split(call.Argument(0).String(), call.Argument(1).String()))
		})
		text.Set("contains", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.Contains(call.Argument(0).String(), call.Argument(1).String()))
		})
		vm.Set("text", text)
	}
	if e.allowed["time"] {
		tmod := vm.NewObject()
		tmod.Set("now", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(time.Now().UnixMilli())
		})
		vm.Set("time", tmod)
	}
}
