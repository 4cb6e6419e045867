package executor

import (
	"context"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/fault"
	"github.com/terrarium-sim/terrarium/internal/sandbox"
)

// verdict is a contract's parsed answer.
type verdict struct {
	allowed bool
	reason  string
	cost    int64
}

// checkPermission resolves the target's access-contract chain and asks
// it whether caller may perform action. A self-governed contract is
// evaluated in place; a contract governed by another contract is a
// nested check one depth level down, so cyclic contract graphs hit the
// depth bound instead of looping.
func (x *Executor) checkPermission(ctx context.Context, fr *frame, action string, target artifacts.Artifact, actionCtx map[string]interface{}) (verdict, error) {
	return x.evalContract(ctx, fr.depth, fr.caller, action, target, actionCtx)
}

func (x *Executor) evalContract(ctx context.Context, depth int, callerID, action string, target artifacts.Artifact, actionCtx map[string]interface{}) (verdict, error) {
	contract, err := x.store.Get(target.AccessContract)
	if err != nil {
		// Fail closed: an unresolvable contract denies everything.
		return verdict{}, fault.Errorf(fault.KindPermissionDenied, "access contract %s of %s is unavailable", target.AccessContract, target.ID)
	}
	if !contract.CanExecute || contract.Code == "" {
		return verdict{}, fault.Errorf(fault.KindPermissionDenied, "access contract %s cannot execute", contract.ID)
	}

	if contract.AccessContract != contract.ID {
		// A governed contract must itself pass its own gate first.
		if depth+1 > x.maxDepth {
			return verdict{}, fault.Errorf(fault.KindRecursionLimit, "contract chain exceeds depth %d at %s", x.maxDepth, contract.ID)
		}
		outer, err := x.evalContract(ctx, depth+1, callerID, string(VerbInvoke), contract, actionCtx)
		if err != nil {
			return verdict{}, err
		}
		if !outer.allowed {
			return verdict{}, fault.Errorf(fault.KindPermissionDenied, "contract %s denied by its own contract: %s", contract.ID, outer.reason)
		}
	}

	return x.runContract(ctx, contract, callerID, action, target, actionCtx)
}

// runContract executes check_permission in an evaluation sandbox:
// reads carry kernel authority, mutations and invoke are unavailable.
// Contracts are predicates, not actors.
func (x *Executor) runContract(ctx context.Context, contract artifacts.Artifact, callerID, action string, target artifacts.Artifact, actionCtx map[string]interface{}) (verdict, error) {
	if actionCtx == nil {
		actionCtx = map[string]interface{}{}
	}
	args := []interface{}{
		callerID,
		action,
		artifactView(target),
		actionCtx,
		x.ledgerView(callerID),
	}
	b := sandbox.Bindings{
		CallerID: contract.ID,
		State:    rawState{x: x},
		Actions:  deniedActions{},
	}
	out, err := x.engine.Run(ctx, contract.Code, "check_permission", args, b)
	if err != nil {
		return verdict{}, err
	}
	return parseVerdict(contract.ID, out)
}

// ledgerView is the balance summary contracts see about the caller.
func (x *Executor) ledgerView(callerID string) map[string]interface{} {
	view := map[string]interface{}{"caller": callerID}
	if bal, err := x.ledger.Balance(callerID); err == nil {
		view["caller_balance"] = bal
	}
	if avail, err := x.ledger.Available(callerID); err == nil {
		view["caller_available"] = avail
	}
	return view
}

func parseVerdict(contractID string, out interface{}) (verdict, error) {
	m, ok := out.(map[string]interface{})
	if !ok {
		return verdict{}, fault.Errorf(fault.KindInterfaceMismatch, "contract %s returned %T, want an object with allowed", contractID, out)
	}
	allowed, ok := m["allowed"].(bool)
	if !ok {
		return verdict{}, fault.Errorf(fault.KindInterfaceMismatch, "contract %s verdict has no boolean allowed", contractID)
	}
	v := verdict{allowed: allowed}
	if r, ok := m["reason"].(string); ok {
		v.reason = r
	}
	switch c := m["cost_scrip"].(type) {
	case nil:
	case int64:
		v.cost = c
	case float64:
		v.cost = int64(c)
	default:
		return verdict{}, fault.Errorf(fault.KindInterfaceMismatch, "contract %s cost_scrip is %T", contractID, c)
	}
	if v.cost < 0 {
		return verdict{}, fault.Errorf(fault.KindInterfaceMismatch, "contract %s returned negative cost_scrip", contractID)
	}
	return v, nil
}

// rawState serves contract evaluations: unfiltered reads, since the
// contract is acting as part of the permission system itself.
type rawState struct {
	x *Executor
}

func (r rawState) ReadArtifact(id string) (map[string]interface{}, error) {
	a, err := r.x.store.Get(id)
	if err != nil {
		return nil, err
	}
	return artifactView(a), nil
}

func (r rawState) Query(params map[string]interface{}) ([]interface{}, error) {
	return r.x.queryIDs(params)
}

func (r rawState) Balance(principal string) (int64, error) {
	return r.x.ledger.Balance(principal)
}

// deniedActions blocks all mutation during contract evaluation.
type deniedActions struct{}

func (deniedActions) WriteArtifact(id, content string, opts map[string]interface{}) (map[string]interface{}, error) {
	return nil, fault.New(fault.KindPermissionDenied, "contracts cannot mutate state during permission checks")
}

func (deniedActions) TransferScrip(to string, amount int64) error {
	return fault.New(fault.KindPermissionDenied, "contracts cannot move scrip during permission checks")
}

func (deniedActions) TransferQuota(to, resource string, amount int64) error {
	return fault.New(fault.KindPermissionDenied, "contracts cannot move quota during permission checks")
}
