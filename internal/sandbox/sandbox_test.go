package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrarium-sim/terrarium/internal/fault"
)

type stubState struct {
	artifacts map[string]map[string]interface{}
	balances  map[string]int64
	queryGot  map[string]interface{}
	queryIDs  []interface{}
}

func (s *stubState) ReadArtifact(id string) (map[string]interface{}, error) {
	view, ok := s.artifacts[id]
	if !ok {
		return nil, fault.Errorf(fault.KindNotFound, "artifact %s not found", id)
	}
	return view, nil
}

func (s *stubState) Query(params map[string]interface{}) ([]interface{}, error) {
	s.queryGot = params
	return s.queryIDs, nil
}

func (s *stubState) Balance(principal string) (int64, error) {
	bal, ok := s.balances[principal]
	if !ok {
		return 0, fault.Errorf(fault.KindNoSuchPrincipal, "principal %s has no account", principal)
	}
	return bal, nil
}

type stubActions struct {
	writes    []string
	scripTo   string
	scripAmt  int64
	quotaTo   string
	quotaRes  string
	quotaAmt  int64
	failScrip error
}

func (s *stubActions) WriteArtifact(id, content string, opts map[string]interface{}) (map[string]interface{}, error) {
	s.writes = append(s.writes, id)
	return map[string]interface{}{"id": id, "size": int64(len(content))}, nil
}

func (s *stubActions) TransferScrip(to string, amount int64) error {
	if s.failScrip != nil {
		return s.failScrip
	}
	s.scripTo, s.scripAmt = to, amount
	return nil
}

func (s *stubActions) TransferQuota(to, resource string, amount int64) error {
	s.quotaTo, s.quotaRes, s.quotaAmt = to, resource, amount
	return nil
}

func testBindings() (Bindings, *stubState, *stubActions) {
	st := &stubState{
		artifacts: map[string]map[string]interface{}{
			"note_1": {"id": "note_1", "artifact_type": "data", "content": "hello"},
		},
		balances: map[string]int64{"agent_alpha": 42},
	}
	act := &stubActions{}
	return Bindings{CallerID: "agent_alpha", State: st, Actions: act}, st, act
}

func TestRunReturnsExportedValue(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	out, err := e.Run(context.Background(), `function run(a, b) { return {sum: a + b}; }`, "run", []interface{}{int64(2), int64(3)}, b)
	require.NoError(t, err)

	m, ok := out.(map[string]interface{})
	require.True(t, ok, "expected object result, got %T", out)
	assert.Equal(t, int64(5), m["sum"])
}

func TestEmptyEntryDefaultsToRun(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	out, err := e.Run(context.Background(), `function run() { return "default"; }`, "", nil, b)
	require.NoError(t, err)
	assert.Equal(t, "default", out)
}

func TestMissingFunctionIsInterfaceMismatch(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	_, err := e.Run(context.Background(), `var x = 1;`, "run", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindInterfaceMismatch, fault.KindOf(err))

	_, err = e.Run(context.Background(), `function run() {}`, "check_permission", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindInterfaceMismatch, fault.KindOf(err))
}

func TestKernelFaultKeepsKind(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	_, err := e.Run(context.Background(), `function run() { return kernel_state.read_artifact("missing"); }`, "run", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestThrownFaultIsCatchable(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	code := `function run() {
		try {
			kernel_state.read_artifact("missing");
		} catch (e) {
			return e.error_kind + ":" + (e.message.length > 0);
		}
		return "no-error";
	}`
	out, err := e.Run(context.Background(), code, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, "NotFound:true", out)
}

func TestStateBindings(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, st, _ := testBindings()
	st.queryIDs = []interface{}{"a", "b"}

	code := `function run() {
		var view = kernel_state.read_artifact("note_1");
		var ids = kernel_state.query({artifact_type: "data"});
		var bal = kernel_state.balance("agent_alpha");
		return view.content + "/" + ids.length + "/" + bal;
	}`
	out, err := e.Run(context.Background(), code, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, "hello/2/42", out)
	assert.Equal(t, "data", st.queryGot["artifact_type"])
}

func TestActionBindings(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, act := testBindings()

	code := `function run() {
		var w = kernel_actions.write_artifact("out_1", "payload", {artifact_type: "data"});
		kernel_actions.transfer_scrip("agent_beta", 7);
		kernel_actions.transfer_quota("agent_beta", "llm_tokens", 100);
		return w.size;
	}`
	out, err := e.Run(context.Background(), code, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out)
	assert.Equal(t, []string{"out_1"}, act.writes)
	assert.Equal(t, "agent_beta", act.scripTo)
	assert.Equal(t, int64(7), act.scripAmt)
	assert.Equal(t, "llm_tokens", act.quotaRes)
	assert.Equal(t, int64(100), act.quotaAmt)
}

func TestActionFaultAbortsRun(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, act := testBindings()
	act.failScrip = fault.New(fault.KindInsufficientFunds, "balance too low")

	_, err := e.Run(context.Background(), `function run() { kernel_actions.transfer_scrip("agent_beta", 1e9); return "unreached"; }`, "run", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindInsufficientFunds, fault.KindOf(err))
}

func TestCallerIDVisible(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	out, err := e.Run(context.Background(), `function run() { return caller_id; }`, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, "agent_alpha", out)
}

func TestInvokePassesThroughStructuredResult(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	var gotID, gotMethod string
	var gotArgs []interface{}
	b.Invoke = func(artifactID, method string, args []interface{}) map[string]interface{} {
		gotID, gotMethod, gotArgs = artifactID, method, args
		return map[string]interface{}{
			"success":    false,
			"error_kind": "RecursionLimit",
		}
	}

	code := `function run() {
		var r = invoke("tool_1", "run", 1, "two");
		return r.success + "/" + r.error_kind;
	}`
	out, err := e.Run(context.Background(), code, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, "false/RecursionLimit", out)
	assert.Equal(t, "tool_1", gotID)
	assert.Equal(t, "run", gotMethod)
	assert.Equal(t, []interface{}{int64(1), "two"}, gotArgs)
}

func TestTimeoutInterruptsInfiniteLoop(t *testing.T) {
	e := NewEngine(80*time.Millisecond, nil)
	b, _, _ := testBindings()

	start := time.Now()
	_, err := e.Run(context.Background(), `function run() { while (true) {} }`, "run", nil, b)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.Less(t, elapsed, 3*time.Second, "interrupt should fire near the deadline")
}

func TestContextCancelInterrupts(t *testing.T) {
	e := NewEngine(10*time.Second, nil)
	b, _, _ := testBindings()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := e.Run(ctx, `function run() { while (true) {} }`, "run", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
}

func TestRuntimeErrorKind(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	_, err := e.Run(context.Background(), `function run() { return no_such_symbol.boom; }`, "run", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindRuntime, fault.KindOf(err))

	_, err = e.Run(context.Background(), `function run() { throw new Error("agent bug"); }`, "run", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindRuntime, fault.KindOf(err))
}

func TestCompileErrorIsRuntimeKind(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	_, err := e.Run(context.Background(), `function run( {`, "run", nil, b)
	require.Error(t, err)
	assert.Equal(t, fault.KindRuntime, fault.KindOf(err))
}

func TestAllowedModules(t *testing.T) {
	e := NewEngine(time.Second, []string{"text", "time", "json", "math"})
	b, _, _ := testBindings()

	out, err := e.Run(context.Background(), `function run() { return text.upper(text.trim("  hi ")); }`, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, "HI", out)

	out, err = e.Run(context.Background(), `function run() { return text.split("a,b,c", ",").length; }`, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	out, err = e.Run(context.Background(), `function run() { return time.now() > 0; }`, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// json and math ride on the engine's built-ins.
	out, err = e.Run(context.Background(), `function run() { return JSON.parse('{"n": 4}').n + Math.floor(1.9); }`, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out)
}

func TestModulesAbsentWithoutWhitelist(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()

	out, err := e.Run(context.Background(), `function run() { return typeof text + "/" + typeof time; }`, "run", nil, b)
	require.NoError(t, err)
	assert.Equal(t, "undefined/undefined", out)
}

func TestProgramCacheReuse(t *testing.T) {
	e := NewEngine(time.Second, nil)
	b, _, _ := testBindings()
	code := `function run(n) { return n * 2; }`

	for i := int64(1); i <= 3; i++ {
		out, err := e.Run(context.Background(), code, "run", []interface{}{i}, b)
		require.NoError(t, err)
		assert.Equal(t, i*2, out)
	}
	assert.Equal(t, 1, len(e.cache))
}
