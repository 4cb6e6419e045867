// Package executor is the narrow waist: the only path by which agents
// change the world. Every action runs the same staged protocol
// (resolve, permission, rate, charge, execute, commit) and lands as
// exactly one event, success or failure. Failures roll all of the
// action's own mutations back; nested invocations that already
// committed stay committed with their own events.
package executor

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/fault"
	"github.com/terrarium-sim/terrarium/internal/ledger"
	"github.com/terrarium-sim/terrarium/internal/rate"
	"github.com/terrarium-sim/terrarium/internal/sandbox"
)

// Verb is the action alphabet.
type Verb string

const (
	VerbRead   Verb = "read_artifact"
	VerbWrite  Verb = "write_artifact"
	VerbInvoke Verb = "invoke_artifact"
	VerbNoop   Verb = "noop"
)

// ResourceCPU is the per-action compute tick resource.
const ResourceCPU = "cpu_rate"

// Body is the payload of a write action. A write with a nil Body is an
// explicit delete. Capabilities are deliberately absent: they exist
// only at genesis and no action can grant them.
type Body struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	Code           string `json:"code,omitempty"`
	AccessContract string `json:"access_contract_id,omitempty"`
	Price          int64  `json:"price"`
	HasStanding    bool   `json:"has_standing"`
	CanExecute     bool   `json:"can_execute"`
	HasLoop        bool   `json:"has_loop"`
}

// Action is one submitted intent.
type Action struct {
	Verb    Verb                   `json:"verb"`
	Caller  string                 `json:"caller"`
	Target  string                 `json:"target,omitempty"`
	Method  string                 `json:"method,omitempty"`
	Args    []interface{}          `json:"args,omitempty"`
	Body    *Body                  `json:"body,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Result is what every action returns. Loops never see a Go error;
// failures ride in ErrorKind/ErrorMessage.
type Result struct {
	Success      bool        `json:"success"`
	Value        interface{} `json:"result,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Stage        string      `json:"stage,omitempty"`
}

// AsMap is the structured form handed to sandboxed code from invoke().
func (r Result) AsMap() map[string]interface{} {
	m := map[string]interface{}{"success": r.Success}
	if r.Value != nil {
		m["result"] = r.Value
	}
	if !r.Success {
		m["error_kind"] = r.ErrorKind
		m["error_message"] = r.ErrorMessage
	}
	return m
}

func failure(stage string, err error) Result {
	return Result{
		Success:      false,
		ErrorKind:    string(fault.KindOf(err)),
		ErrorMessage: err.Error(),
		Stage:        stage,
	}
}

// SystemCall carries an invoke on a system artifact into the kernel's
// dispatch table.
type SystemCall struct {
	Caller    string
	TopCaller string
	Artifact  string
	Method    string
	Args      []interface{}
	Depth     int
}

// SystemDispatch resolves system-artifact methods. Registered by the
// kernel after genesis.
type SystemDispatch func(ctx context.Context, call SystemCall) (interface{}, error)

// Observer receives one sample per terminal action, for metrics.
type Observer func(verb string, success bool, errorKind string, elapsed time.Duration)

// frame is one executor entry on a causal chain. depth counts entries;
// topCaller is the principal billed for everything downstream.
type frame struct {
	depth     int
	topCaller string
	caller    string
	actionID  string
	blocking  bool
}

type Executor struct {
	store   *artifacts.Store
	ledger  *ledger.Ledger
	tracker *rate.Tracker
	engine  *sandbox.Engine
	log     *events.Log

	system          SystemDispatch
	observe         Observer
	maxDepth        int
	defaultContract string
	defaultQuota    int64

	logger *log.Logger
}

// Options tune executor behaviour beyond its collaborators.
type Options struct {
	MaxDepth        int    // executor.max_invocation_depth; default 5
	DefaultContract string // access contract assigned to writes that omit one
	DefaultQuota    int64  // disk quota for accounts opened by standing writes
}

func New(store *artifacts.Store, led *ledger.Ledger, tracker *rate.Tracker, engine *sandbox.Engine, eventLog *events.Log, opts Options) *Executor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 5
	}
	return &Executor{
		store:           store,
		ledger:          led,
		tracker:         tracker,
		engine:          engine,
		log:             eventLog,
		maxDepth:        opts.MaxDepth,
		defaultContract: opts.DefaultContract,
		defaultQuota:    opts.DefaultQuota,
		logger:          log.New(log.Writer(), "[Executor] ", log.LstdFlags),
	}
}

// SetSystemDispatch installs the kernel's system-artifact method table.
func (x *Executor) SetSystemDispatch(fn SystemDispatch) { x.system = fn }

// SetObserver installs the metrics hook.
func (x *Executor) SetObserver(fn Observer) { x.observe = fn }

// MaxDepth is the configured invocation depth bound.
func (x *Executor) MaxDepth() int { return x.maxDepth }

// DefaultContract is the access contract assigned to writes that omit
// one.
func (x *Executor) DefaultContract() string { return x.defaultContract }

// Submit runs one top-level action to completion. It blocks on the
// caller's rate window and returns a structured result, never an error.
func (x *Executor) Submit(ctx context.Context, a Action) Result {
	fr := &frame{
		depth:     1,
		topCaller: a.Caller,
		caller:    a.Caller,
		actionID:  uuid.NewString(),
		blocking:  true,
	}
	return x.perform(ctx, fr, a)
}

// perform executes the staged protocol for one frame and appends the
// frame's terminal event.
func (x *Executor) perform(ctx context.Context, fr *frame, a Action) Result {
	start := time.Now()
	tx := newTxn()
	res := x.runStages(ctx, fr, a, tx)
	if res.Success {
		tx.commit(x.log)
	} else {
		tx.rollback()
	}
	x.emitTerminal(fr, a, res)
	if x.observe != nil {
		x.observe(string(a.Verb), res.Success, res.ErrorKind, time.Since(start))
	}
	return res
}

func (x *Executor) runStages(ctx context.Context, fr *frame, a Action, tx *txn) Result {
	if fr.depth > x.maxDepth {
		return failure("depth", fault.Errorf(fault.KindRecursionLimit, "invocation depth %d exceeds limit %d", fr.depth, x.maxDepth))
	}
	if a.Caller == "" {
		return failure("resolve", fault.New(fault.KindInvalidArgument, "action has no caller"))
	}

	switch a.Verb {
	case VerbNoop:
		if err := x.rateGate(ctx, fr); err != nil {
			return failure("rate", err)
		}
		return Result{Success: true}
	case VerbRead, VerbWrite, VerbInvoke:
	default:
		return failure("resolve", fault.Errorf(fault.KindInvalidArgument, "unknown verb %q", a.Verb))
	}

	// 1. Resolve. Writes to a fresh id legitimately resolve nothing.
	target, exists, err := x.resolveTarget(a)
	if err != nil {
		return failure("resolve", err)
	}

	// 2. Permission. New-artifact writes have no contract to consult;
	// creation is bounded by disk quota alone.
	var v verdict
	if exists {
		v, err = x.checkPermission(ctx, fr, string(a.Verb), target, a.Context)
		if err != nil {
			return failure("permission", err)
		}
		if !v.allowed {
			return failure("permission", fault.Errorf(fault.KindPermissionDenied, "%s", v.reason))
		}
	}

	// 3. Rate gate. Non-refundable by design.
	if err := x.rateGate(ctx, fr); err != nil {
		return failure("rate", err)
	}

	// 4. Charge price plus contract fee, reversed if a later stage
	// fails.
	if exists {
		if err := x.chargeFee(tx, fr, target, v.cost); err != nil {
			return failure("charge", err)
		}
	}

	// 5. Execute.
	var value interface{}
	switch a.Verb {
	case VerbRead:
		value = artifactView(target)
	case VerbWrite:
		value, err = x.executeWrite(fr, a, target, exists, tx)
	case VerbInvoke:
		value, err = x.executeInvoke(ctx, fr, a, target, tx)
	}
	if err != nil {
		return failure("execute", err)
	}
	return Result{Success: true, Value: value}
}

func (x *Executor) resolveTarget(a Action) (artifacts.Artifact, bool, error) {
	if a.Target == "" {
		return artifacts.Artifact{}, false, fault.New(fault.KindInvalidArgument, "action has no target")
	}
	target, err := x.store.Get(a.Target)
	if err != nil {
		if a.Verb == VerbWrite && a.Body != nil && fault.IsKind(err, fault.KindNotFound) {
			return artifacts.Artifact{}, false, nil
		}
		return artifacts.Artifact{}, false, err
	}
	return target, true, nil
}

func (x *Executor) rateGate(ctx context.Context, fr *frame) error {
	if fr.blocking {
		return x.tracker.ConsumeWait(ctx, fr.topCaller, ResourceCPU, 1, 0)
	}
	return x.tracker.Consume(fr.topCaller, ResourceCPU, 1)
}

func (x *Executor) chargeFee(tx *txn, fr *frame, target artifacts.Artifact, contractCost int64) error {
	fee := target.Price + contractCost
	if fee <= 0 || fr.topCaller == target.CreatedBy {
		return nil
	}
	payer, payee := fr.topCaller, target.CreatedBy
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

// executeWrite is create, update, or delete for the write verb. The
// mutation itself is shared with binding-level writes.
func (x *Executor) executeWrite(fr *frame, a Action, target artifacts.Artifact, exists bool, tx *txn) (interface{}, error) {
	var old *artifacts.Artifact
	if exists {
		old = &target
	}
	return x.applyWrite(fr.caller, a.Target, a.Body, old, tx)
}

// applyWrite validates and applies one write, pushing a compensation
// for the mutation onto tx. Permission and fees are the caller's
// business; a nil body is an explicit delete.
func (x *Executor) applyWrite(caller, id string, body *Body, old *artifacts.Artifact, tx *txn) (map[string]interface{}, error) {
	if body == nil {
		if old == nil {
			return nil, fault.Errorf(fault.KindNotFound, "artifact %s", id)
		}
		if x.store.ReferencedAsContract(id) {
			return nil, fault.Errorf(fault.KindInUse, "artifact %s governs other artifacts", id)
		}
		deleted, err := x.store.Delete(id)
		if err != nil {
			return nil, err
		}
		tx.onRollback(func() {
			if err := x.store.Reinstate(deleted); err != nil {
				x.logger.Printf("❌ Delete rollback of %s failed: %v", deleted.ID, err)
			}
		})
		return map[string]interface{}{"id": deleted.ID, "deleted": true}, nil
	}

	next, err := x.buildArtifact(caller, id, body, old)
	if err != nil {
		return nil, err
	}

	if old != nil {
		stored, err := x.store.Put(next)
		if err != nil {
			return nil, err
		}
		prior := *old
		tx.onRollback(func() {
			if _, err := x.store.Put(prior); err != nil {
				x.logger.Printf("❌ Update rollback of %s failed: %v", prior.ID, err)
			}
		})
		return map[string]interface{}{"id": stored.ID, "size_bytes": stored.SizeBytes, "created": false}, nil
	}

	if next.HasStanding && !x.ledger.HasAccount(next.ID) {
		if err := x.ledger.CreateAccount(next.ID, 0, decimal.Zero, x.defaultQuota); err != nil {
			return nil, err
		}
	}
	stored, err := x.store.Create(next)
	if err != nil {
		return nil, err
	}
	tx.onRollback(func() {
		if _, err := x.store.Delete(stored.ID); err != nil {
			x.logger.Printf("❌ Create rollback of %s failed: %v", stored.ID, err)
		}
	})
	return map[string]interface{}{"id": stored.ID, "size_bytes": stored.SizeBytes, "created": true}, nil
}

// buildArtifact materializes the write body, validating what the body
// may and may not say.
func (x *Executor) buildArtifact(caller, id string, b *Body, old *artifacts.Artifact) (artifacts.Artifact, error) {
	if b.Type == artifacts.TypeSystem {
		return artifacts.Artifact{}, fault.New(fault.KindInvalidArgument, "system artifacts exist only at genesis")
	}
	if b.Price < 0 {
		return artifacts.Artifact{}, fault.New(fault.KindInvalidArgument, "negative price")
	}

	contract := b.AccessContract
	if contract == "" {
		if old != nil {
			contract = old.AccessContract
		} else {
			contract = x.defaultContract
		}
	}
	if err := x.validateContractRef(id, contract, b.CanExecute); err != nil {
		return artifacts.Artifact{}, err
	}

	next := artifacts.Artifact{
		ID:             id,
		Type:           b.Type,
		Content:        b.Content,
		Code:           b.Code,
		CreatedBy:      caller,
		AccessContract: contract,
		Price:          b.Price,
		HasStanding:    b.HasStanding,
		CanExecute:     b.CanExecute,
		HasLoop:        b.HasLoop,
	}
	if next.Type == "" {
		next.Type = artifacts.TypeText
	}
	if old != nil {
		next.CreatedBy = old.CreatedBy
		next.Capabilities = old.Capabilities
		if old.HasStanding && !b.HasStanding {
			return artifacts.Artifact{}, fault.Errorf(fault.KindInvalidArgument, "standing cannot be revoked by rewrite on %s", id)
		}
	}
	return next, nil
}

// validateContractRef keeps every access_contract_id pointing at an
// executable artifact. Self-reference is the one exception: a contract
// may govern itself, which is how permission chains terminate.
func (x *Executor) validateContractRef(selfID, contractID string, selfExecutable bool) error {
	if contractID == "" {
		return fault.New(fault.KindInvalidArgument, "artifact needs an access contract")
	}
	if contractID == selfID {
		if !selfExecutable {
			return fault.Errorf(fault.KindInvalidArgument, "self-governed artifact %s must be executable", selfID)
		}
		return nil
	}
	c, err := x.store.Get(contractID)
	if err != nil {
		return fault.Errorf(fault.KindInvalidArgument, "access contract %s does not exist", contractID)
	}
	if !c.CanExecute {
		return fault.Errorf(fault.KindInvalidArgument, "access contract %s is not executable", contractID)
	}
	return nil
}

func (x *Executor) executeInvoke(ctx context.Context, fr *frame, a Action, target artifacts.Artifact, tx *txn) (interface{}, error) {
	if target.Type == artifacts.TypeSystem {
		if x.system == nil {
			return nil, fault.New(fault.KindInternal, "no system dispatch registered")
		}
		return x.system(ctx, SystemCall{
			Caller:    fr.caller,
			TopCaller: fr.topCaller,
			Artifact:  target.ID,
			Method:    a.Method,
			Args:      a.Args,
			Depth:     fr.depth,
		})
	}

	if !target.CanExecute {
		return nil, fault.Errorf(fault.KindInvalidArgument, "artifact %s is not executable", target.ID)
	}
	if target.Code == "" {
		return nil, fault.Errorf(fault.KindInterfaceMismatch, "artifact %s has no code", target.ID)
	}

	b := x.codeBindings(ctx, fr, target.ID, tx)
	return x.engine.Run(ctx, target.Code, a.Method, a.Args, b)
}

// emitTerminal appends this frame's single terminal event.
func (x *Executor) emitTerminal(fr *frame, a Action, res Result) {
	data := map[string]interface{}{
		"action_id": fr.actionID,
		"verb":      string(a.Verb),
		"success":   res.Success,
	}
	if fr.depth > 1 {
		data["depth"] = fr.depth
		data["top_caller"] = fr.topCaller
	}
	if !res.Success {
		data["error_kind"] = res.ErrorKind
		data["error_message"] = res.ErrorMessage
		data["stage"] = res.Stage
	}

	eventType := events.TypeAction
	artifactID := a.Target
	switch a.Verb {
	case VerbInvoke:
		eventType = events.TypeInvocation
		if a.Method != "" {
			data["method"] = a.Method
		}
	case VerbWrite:
		if a.Body == nil {
			eventType = events.TypeArtifactDeleted
		} else {
			eventType = events.TypeArtifactWritten
			if res.Success {
				if m, ok := res.Value.(map[string]interface{}); ok {
					data["size_bytes"] = m["size_bytes"]
					data["created"] = m["created"]
				}
			}
		}
	case VerbNoop:
		artifactID = ""
	}

	x.log.Append(eventType, fr.caller, artifactID, data)
}

// artifactView is the map shape all read paths expose to agents.
func artifactView(a artifacts.Artifact) map[string]interface{} {
	view := map[string]interface{}{
		"id":                 a.ID,
		"type":               a.Type,
		"content":            a.Content,
		"created_by":         a.CreatedBy,
		"access_contract_id": a.AccessContract,
		"price":              a.Price,
		"has_standing":       a.HasStanding,
		"can_execute":        a.CanExecute,
		"has_loop":           a.HasLoop,
		"size_bytes":         a.SizeBytes,
		"created_at":         a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":         a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.Code != "" {
		view["code"] = a.Code
	}
	if len(a.Capabilities) > 0 {
		caps := make([]interface{}, len(a.Capabilities))
		for i, c := range a.Capabilities {
			caps[i] = c
		}
		view["capabilities"] = caps
	}
	return view
}
