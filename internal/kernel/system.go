package kernel

import (
	"context"
	"time"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/executor"
	"github.com/terrarium-sim/terrarium/internal/fault"
	"github.com/terrarium-sim/terrarium/internal/genesis"
)

// systemHandler implements one method of one system artifact.
type systemHandler func(ctx context.Context, call executor.SystemCall) (interface{}, error)

// registerSystem builds the dispatch table for the genesis system
// artifacts. These are the kernel's own methods exposed to agents
// through the same invoke verb as any tool: the contract check, rate
// gate, and fee charge have already run by the time a handler fires.
func (k *Kernel) registerSystem() {
	k.system = map[string]map[string]systemHandler{
		genesis.LedgerID: {
			"transfer": k.sysTransfer,
			"balance":  k.sysBalance,
			"mint":     k.sysMint,
			"burn":     k.sysBurn,
		},
		genesis.EventLogID: {
			"read": k.sysReadEvents,
		},
		genesis.MintID: {
			"bid":    k.sysBid,
			"status": k.sysAuctionStatus,
		},
		genesis.LLMGatewayID: {
			"generate": k.sysGenerate,
		},
	}
	k.exec.SetSystemDispatch(k.dispatch)
}

func (k *Kernel) dispatch(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	methods, ok := k.system[call.Artifact]
	if !ok {
		return nil, fault.Errorf(fault.KindInterfaceMismatch, "%s is not a system artifact", call.Artifact)
	}
	handler, ok := methods[call.Method]
	if !ok {
		return nil, fault.Errorf(fault.KindInterfaceMismatch, "%s has no method %q", call.Artifact, call.Method)
	}
	return handler(ctx, call)
}

// sysTransfer moves scrip between principals. The frame's identity
// must be the paying side; nobody spends someone else's balance.
func (k *Kernel) sysTransfer(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	from, err := argString(call.Args, 0, "from")
	if err != nil {
		return nil, err
	}
	to, err := argString(call.Args, 1, "to")
	if err != nil {
		return nil, err
	}
	amount, err := argInt64(call.Args, 2, "amount")
	if err != nil {
		return nil, err
	}
	if from != call.Caller {
		return nil, fault.Errorf(fault.KindPermissionDenied, "%s cannot move %s's scrip", call.Caller, from)
	}
	if err := k.ledger.Transfer(from, to, amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"from": from, "to": to, "amount": amount}, nil
}

func (k *Kernel) sysBalance(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	principal, err := argString(call.Args, 0, "principal")
	if err != nil {
		return nil, err
	}
	bal, err := k.ledger.Balance(principal)
	if err != nil {
		return nil, err
	}
	avail, err := k.ledger.Available(principal)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"principal": principal, "scrip": bal, "available": avail}, nil
}

func (k *Kernel) sysMint(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	principal, err := argString(call.Args, 0, "principal")
	if err != nil {
		return nil, err
	}
	amount, err := argInt64(call.Args, 1, "amount")
	if err != nil {
		return nil, err
	}
	// The ledger rejects any authority that is not the mint.
	if err := k.ledger.Mint(call.Caller, principal, amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"principal": principal, "minted": amount}, nil
}

func (k *Kernel) sysBurn(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	principal, err := argString(call.Args, 0, "principal")
	if err != nil {
		return nil, err
	}
	amount, err := argInt64(call.Args, 1, "amount")
	if err != nil {
		return nil, err
	}
	if err := k.ledger.Burn(call.Caller, principal, amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"principal": principal, "burned": amount}, nil
}

// sysReadEvents pages the event log: read(offset, limit).
func (k *Kernel) sysReadEvents(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	var offset, limit int64 = 0, 100
	if len(call.Args) > 0 {
		v, err := argInt64(call.Args, 0, "offset")
		if err != nil {
			return nil, err
		}
		offset = v
	}
	if len(call.Args) > 1 {
		v, err := argInt64(call.Args, 1, "limit")
		if err != nil {
			return nil, err
		}
		limit = v
	}
	if limit > 500 {
		limit = 500
	}
	evs := k.log.Read(offset, limit)
	out := make([]interface{}, len(evs))
	for i, ev := range evs {
		out[i] = eventView(ev)
	}
	return out, nil
}

func (k *Kernel) sysBid(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	artifactID, err := argString(call.Args, 0, "artifact_id")
	if err != nil {
		return nil, err
	}
	amount, err := argInt64(call.Args, 1, "amount")
	if err != nil {
		return nil, err
	}
	if err := k.mint.Bid(call.Caller, artifactID, amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"artifact_id": artifactID, "accepted": true}, nil
}

func (k *Kernel) sysAuctionStatus(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	return k.mint.Status(), nil
}

// sysGenerate is the think call. Billing lands on the top-level
// caller: its budget pays, its llm_rate window absorbs the tokens.
func (k *Kernel) sysGenerate(ctx context.Context, call executor.SystemCall) (interface{}, error) {
	prompt, err := argString(call.Args, 0, "prompt")
	if err != nil {
		return nil, err
	}
	model := k.cfg.LLM.Model
	if len(call.Args) > 1 {
		if m, err := argString(call.Args, 1, "model"); err == nil && m != "" {
			model = m
		}
	}

	agent := call.TopCaller
	art, err := k.store.Get(agent)
	if err != nil || !art.HasCapability(artifacts.CapCallLLM) {
		return nil, fault.Errorf(fault.KindPermissionDenied, "%s lacks %s", agent, artifacts.CapCallLLM)
	}
	if k.ledger.Exhausted() {
		return nil, fault.New(fault.KindBudgetExhausted, "global api budget exhausted")
	}

	reply, err := k.gateway.Generate(ctx, agent, prompt, model)
	if err != nil {
		return nil, fault.Wrap(fault.KindRuntime, err)
	}
	if err := k.ledger.DebitLLM(agent, reply.CostUSD); err != nil {
		return nil, err
	}
	// Token backpressure: the window blocks further generations until
	// older output ages out.
	if err := k.tracker.ConsumeWait(ctx, agent, "llm_rate", reply.OutputTokens, 0); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"text":          reply.Text,
		"input_tokens":  reply.InputTokens,
		"output_tokens": reply.OutputTokens,
		"cost_usd":      reply.CostUSD.String(),
	}, nil
}

// eventView is the map shape events take on every read surface.
func eventView(ev events.Event) map[string]interface{} {
	m := map[string]interface{}{
		"seq":        ev.Seq,
		"ts":         ev.TS.UTC().Format(time.RFC3339Nano),
		"event_type": ev.EventType,
		"data":       ev.Data,
	}
	if ev.AgentID != "" {
		m["agent_id"] = ev.AgentID
	}
	if ev.ArtifactID != "" {
		m["artifact_id"] = ev.ArtifactID
	}
	return m
}

func argString(args []interface{}, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fault.Errorf(fault.KindInvalidArgument, "missing argument %s", name)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", fault.Errorf(fault.KindInvalidArgument, "argument %s must be a non-empty string", name)
	}
	return s, nil
}

func argInt64(args []interface{}, i int, name string) (int64, error) {
	if i >= len(args) {
		return 0, fault.Errorf(fault.KindInvalidArgument, "missing argument %s", name)
	}
	switch n := args[i].(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fault.Errorf(fault.KindInvalidArgument, "argument %s must be an integer", name)
}
