package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/fault"
	"github.com/terrarium-sim/terrarium/internal/sandbox"
)

// codeBindings builds the four-symbol kernel surface for artifact code
// running inside fr. codeID is the artifact whose code is executing;
// it, not the invoker, is the identity behind everything the code does.
func (x *Executor) codeBindings(ctx context.Context, fr *frame, codeID string, tx *txn) sandbox.Bindings {
	return sandbox.Bindings{
		CallerID: codeID,
		State:    frameState{x: x, fr: fr, ctx: ctx, tx: tx, codeID: codeID},
		Actions:  frameActions{x: x, fr: fr, ctx: ctx, tx: tx, codeID: codeID},
		Invoke: func(artifactID, method string, args []interface{}) map[string]interface{} {
			child := &frame{
				depth:     fr.depth + 1,
				topCaller: fr.topCaller,
				caller:    codeID,
				actionID:  uuid.NewString(),
				blocking:  false,
			}
			return x.perform(ctx, child, Action{
				Verb:   VerbInvoke,
				Caller: codeID,
				Target: artifactID,
				Method: method,
				Args:   args,
			}).AsMap()
		},
	}
}

// frameState is kernel_state for agent code: reads are contract-gated
// and priced, but cost no rate tick and leave no event of their own.
type frameState struct {
	x      *Executor
	fr     *frame
	ctx    context.Context
	tx     *txn
	codeID string
}

func (fs frameState) ReadArtifact(id string) (map[string]interface{}, error) {
	a, err := fs.x.store.Get(id)
	if err != nil {
		return nil, err
	}
	v, err := fs.x.evalContract(fs.ctx, fs.fr.depth, fs.codeID, string(VerbRead), a, nil)
	if err != nil {
		return nil, err
	}
	if !v.allowed {
		return nil, fault.Errorf(fault.KindPermissionDenied, "%s", v.reason)
	}
	if err := fs.x.chargeQuiet(fs.tx, fs.fr.topCaller, a.CreatedBy, a.Price+v.cost); err != nil {
		return nil, err
	}
	return artifactView(a), nil
}

func (fs frameState) Query(params map[string]interface{}) ([]interface{}, error) {
	return fs.x.queryIDs(params)
}

func (fs frameState) Balance(principal string) (int64, error) {
	return fs.x.ledger.Balance(principal)
}

// frameActions is kernel_actions: mutations applied in the frame's
// transaction, with their events appended only if the frame commits.
type frameActions struct {
	x      *Executor
	fr     *frame
	ctx    context.Context
	tx     *txn
	codeID string
}

func (fa frameActions) WriteArtifact(id, content string, opts map[string]interface{}) (map[string]interface{}, error) {
	body, isDelete, err := bodyFromOpts(content, opts)
	if err != nil {
		return nil, err
	}

	var old *artifacts.Artifact
	if existing, err := fa.x.store.Get(id); err == nil {
		old = &existing
	} else if !fault.IsKind(err, fault.KindNotFound) {
		return nil, err
	}

	if old != nil {
		v, err := fa.x.evalContract(fa.ctx, fa.fr.depth, fa.codeID, string(VerbWrite), *old, opts)
		if err != nil {
			return nil, err
		}
		if !v.allowed {
			return nil, fault.Errorf(fault.KindPermissionDenied, "%s", v.reason)
		}
		if err := fa.x.chargeQuiet(fa.tx, fa.fr.topCaller, old.CreatedBy, old.Price+v.cost); err != nil {
			return nil, err
		}
	} else if isDelete {
		return nil, fault.Errorf(fault.KindNotFound, "artifact %s", id)
	}

	// Disk is a nested cost like any other: new artifacts belong to,
	// and bill, the top-level caller, not the tool that wrote them.
	out, err := fa.x.applyWrite(fa.fr.topCaller, id, body, old, fa.tx)
	if err != nil {
		return nil, err
	}

	eventType := events.TypeArtifactWritten
	if isDelete {
		eventType = events.TypeArtifactDeleted
	}
	data := map[string]interface{}{"via": "kernel_actions", "success": true}
	for k, val := range out {
		if k != "id" {
			data[k] = val
		}
	}
	fa.tx.deferEvent(eventType, fa.codeID, id, data)
	return out, nil
}

func (fa frameActions) TransferScrip(to string, amount int64) error {
	from := fa.codeID
	if err := fa.x.ledger.TransferQuiet(from, to, amount); err != nil {
		return err
	}
	fa.tx.onRollback(func() {
		if err := fa.x.ledger.TransferQuiet(to, from, amount); err != nil {
			fa.x.logger.Printf("❌ Transfer rollback %d %s→%s failed: %v", amount, to, from, err)
		}
	})
	fa.tx.deferEvent(events.TypeTransfer, from, "", map[string]interface{}{
		"from":   from,
		"to":     to,
		"amount": amount,
		"via":    "kernel_actions",
	})
	return nil
}

func (fa frameActions) TransferQuota(to, resource string, amount int64) error {
	if resource != "disk_quota" {
		return fault.Errorf(fault.KindInvalidArgument, "resource %q is not transferable", resource)
	}
	from := fa.codeID
	if err := fa.x.ledger.TransferDiskQuota(from, to, amount); err != nil {
		return err
	}
	fa.tx.onRollback(func() {
		if err := fa.x.ledger.TransferDiskQuota(to, from, amount); err != nil {
			fa.x.logger.Printf("❌ Quota rollback %d %s→%s failed: %v", amount, to, from, err)
		}
	})
	return nil
}

// chargeQuiet moves a fee with a compensation, skipping self-payments.
func (x *Executor) chargeQuiet(tx *txn, payer, payee string, fee int64) error {
	if fee <= 0 || payer == payee {
		return nil
	}
	if err := x.ledger.TransferQuiet(payer, payee, fee); err != nil {
		return err
	}
	tx.onRollback(func() {
		if err := x.ledger.TransferQuiet(payee, payer, fee); err != nil {
			x.logger.Printf("❌ Fee rollback %d %s→%s failed: %v", fee, payee, payer, err)
		}
	})
	return nil
}

// bodyFromOpts maps a kernel_actions.write_artifact options object to
// a write body. {delete: true} marks an explicit delete.
func bodyFromOpts(content string, opts map[string]interface{}) (*Body, bool, error) {
	b := &Body{Content: content}
	for k, v := range opts {
		var ok bool
		switch k {
		case "delete":
			var del bool
			if del, ok = v.(bool); ok && del {
				return nil, true, nil
			}
		case "type":
			b.Type, ok = v.(string)
		case "code":
			b.Code, ok = v.(string)
		case "access_contract_id":
			b.AccessContract, ok = v.(string)
		case "price":
			b.Price, ok = toInt64(v)
		case "has_standing":
			b.HasStanding, ok = v.(bool)
		case "can_execute":
			b.CanExecute, ok = v.(bool)
		case "has_loop":
			b.HasLoop, ok = v.(bool)
		default:
			return nil, false, fault.Errorf(fault.KindInvalidArgument, "unknown write option %q", k)
		}
		if !ok {
			return nil, false, fault.Errorf(fault.KindInvalidArgument, "write option %q has wrong type", k)
		}
	}
	return b, false, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}

// queryIDs translates a query params object into a store predicate and
// returns matching ids.
func (x *Executor) queryIDs(params map[string]interface{}) ([]interface{}, error) {
	var p artifacts.Predicate
	for k, v := range params {
		var ok bool
		switch k {
		case "type":
			p.Type, ok = v.(string)
		case "created_by":
			p.CreatedBy, ok = v.(string)
		case "id_prefix":
			p.IDPrefix, ok = v.(string)
		case "capability":
			p.Capability, ok = v.(string)
		case "has_loop":
			var b bool
			if b, ok = v.(bool); ok {
				p.HasLoop = &b
			}
		case "can_execute":
			var b bool
			if b, ok = v.(bool); ok {
				p.CanExecute = &b
			}
		default:
			return nil, fault.Errorf(fault.KindInvalidArgument, "unknown query param %q", k)
		}
		if !ok {
			return nil, fault.Errorf(fault.KindInvalidArgument, "query param %q has wrong type", k)
		}
	}
	matches := x.store.Query(p)
	ids := make([]interface{}, len(matches))
	for i, a := range matches {
		ids[i] = a.ID
	}
	return ids, nil
}
