package artifacts

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrarium-sim/terrarium/internal/fault"
	"github.com/terrarium-sim/terrarium/internal/ledger"
)

func newTestStore(t *testing.T) (*Store, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(nil, decimal.Zero)
	require.NoError(t, led.CreateAccount("agent_a", 100, decimal.Zero, 100))
	require.NoError(t, led.CreateAccount("genesis", 0, decimal.Zero, 0))
	return NewStore(led), led
}

func art(id, createdBy, content string) Artifact {
	return Artifact{
		ID:             id,
		Type:           TypeText,
		Content:        content,
		CreatedBy:      createdBy,
		AccessContract: "genesis_access_contract",
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	stored, err := s.Create(art("note_1", "agent_a", "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.SizeBytes)
	assert.False(t, stored.CreatedAt.IsZero())

	got, err := s.Get("note_1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	_, err = s.Get("missing")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(art("note_1", "agent_a", "x"))
	require.NoError(t, err)
	_, err = s.Create(art("note_1", "agent_a", "y"))
	assert.Equal(t, fault.KindAlreadyExists, fault.KindOf(err))
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	s, _ := newTestStore(t)
	a := art("caps", "agent_a", "x")
	a.Capabilities = []string{CapCallLLM}
	_, err := s.Create(a)
	require.NoError(t, err)

	got, _ := s.Get("caps")
	got.Content = "mutated"
	got.Capabilities[0] = "stolen"

	again, _ := s.Get("caps")
	assert.Equal(t, "x", again.Content)
	assert.Equal(t, CapCallLLM, again.Capabilities[0])
}

func TestDiskAccountingFollowsLifecycle(t *testing.T) {
	s, led := newTestStore(t)

	_, err := s.Create(art("a1", "agent_a", "0123456789")) // 10 bytes
	require.NoError(t, err)
	acct, _ := led.GetAccount("agent_a")
	assert.Equal(t, int64(10), acct.DiskUsed)

	// Replace with a bigger payload: delta reserved.
	_, err = s.Put(art("a1", "agent_a", "01234567890123456789")) // 20 bytes
	require.NoError(t, err)
	acct, _ = led.GetAccount("agent_a")
	assert.Equal(t, int64(20), acct.DiskUsed)

	// Replace with a smaller payload: delta released.
	_, err = s.Put(art("a1", "agent_a", "0123")) // 4 bytes
	require.NoError(t, err)
	acct, _ = led.GetAccount("agent_a")
	assert.Equal(t, int64(4), acct.DiskUsed)

	_, err = s.Delete("a1")
	require.NoError(t, err)
	acct, _ = led.GetAccount("agent_a")
	assert.Equal(t, int64(0), acct.DiskUsed)
}

func TestQuotaExceededLeavesNoTrace(t *testing.T) {
	s, led := newTestStore(t)

	big := art("big", "agent_a", string(make([]byte, 101)))
	_, err := s.Create(big)
	assert.Equal(t, fault.KindQuotaExceeded, fault.KindOf(err))
	assert.False(t, s.Exists("big"))
	acct, _ := led.GetAccount("agent_a")
	assert.Equal(t, int64(0), acct.DiskUsed)
}

func TestPutPinsIdentityFields(t *testing.T) {
	s, _ := newTestStore(t)
	created, err := s.Create(art("a1", "agent_a", "v1"))
	require.NoError(t, err)

	update := art("a1", "", "v2")
	stored, err := s.Put(update)
	require.NoError(t, err)
	assert.Equal(t, "agent_a", stored.CreatedBy)
	assert.Equal(t, created.CreatedAt, stored.CreatedAt)

	hijack := art("a1", "genesis", "v3")
	_, err = s.Put(hijack)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
}

func TestIdenticalWritesKeepSizeBumpTimestamp(t *testing.T) {
	s, _ := newTestStore(t)
	first, err := s.Create(art("a1", "agent_a", "same"))
	require.NoError(t, err)

	second, err := s.Put(art("a1", "agent_a", "same"))
	require.NoError(t, err)
	assert.Equal(t, first.SizeBytes, second.SizeBytes)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestDeleteRespectsLoopGuard(t *testing.T) {
	s, _ := newTestStore(t)
	loop := art("agent_loop", "agent_a", "x")
	loop.HasLoop = true
	_, err := s.Create(loop)
	require.NoError(t, err)

	s.SetLoopGuard(func(id string) bool { return id == "agent_loop" })
	_, err = s.Delete("agent_loop")
	assert.Equal(t, fault.KindInUse, fault.KindOf(err))

	s.SetLoopGuard(func(string) bool { return false })
	_, err = s.Delete("agent_loop")
	require.NoError(t, err)
}

func TestQueryPredicates(t *testing.T) {
	s, _ := newTestStore(t)

	exec := art("tool_calc", "agent_a", "")
	exec.Type = TypeExecutable
	exec.CanExecute = true
	exec.Code = "function run() { return 1 }"
	_, err := s.Create(exec)
	require.NoError(t, err)

	minty := art("genesis_mint", "genesis", "")
	minty.Type = TypeSystem
	minty.CanExecute = true
	minty.Capabilities = []string{CapMint}
	_, err = s.Create(minty)
	require.NoError(t, err)

	looped := art("agent_b_loop", "agent_a", "")
	looped.HasLoop = true
	_, err = s.Create(looped)
	require.NoError(t, err)

	assert.Len(t, s.Query(Predicate{Type: TypeExecutable}), 1)
	assert.Len(t, s.Query(Predicate{CreatedBy: "agent_a"}), 2)
	assert.Len(t, s.Query(Predicate{IDPrefix: "genesis_"}), 1)

	yes := true
	loops := s.Query(Predicate{HasLoop: &yes})
	require.Len(t, loops, 1)
	assert.Equal(t, "agent_b_loop", loops[0].ID)

	mints := s.ListByCapability(CapMint)
	require.Len(t, mints, 1)
	assert.Equal(t, "genesis_mint", mints[0].ID)

	// Results come back sorted by id.
	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"agent_b_loop", "genesis_mint", "tool_calc"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestDerivedIdentity(t *testing.T) {
	agent := Artifact{HasStanding: true, CanExecute: true, HasLoop: true}
	tool := Artifact{CanExecute: true}
	account := Artifact{HasStanding: true}
	data := Artifact{}

	assert.True(t, agent.IsAgent())
	assert.True(t, tool.IsTool())
	assert.True(t, account.IsAccount())
	assert.True(t, data.IsData())
	assert.False(t, tool.IsAgent())
	assert.False(t, account.IsTool())
}

func TestRestoreSkipsDiskAccounting(t *testing.T) {
	s, led := newTestStore(t)
	_, err := s.Create(art("a1", "agent_a", "0123456789"))
	require.NoError(t, err)

	saved := s.All()
	acctBefore, _ := led.GetAccount("agent_a")

	fresh := NewStore(led)
	fresh.Restore(saved)

	got, err := fresh.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.SizeBytes)
	acctAfter, _ := led.GetAccount("agent_a")
	assert.Equal(t, acctBefore.DiskUsed, acctAfter.DiskUsed)
}

func TestReferencedAsContract(t *testing.T) {
	s, _ := newTestStore(t)
	contract := art("contract_1", "agent_a", "")
	contract.Type = TypeExecutable
	contract.CanExecute = true
	contract.AccessContract = "contract_1"
	_, err := s.Create(contract)
	require.NoError(t, err)

	// Self-reference alone does not count as being in use.
	assert.False(t, s.ReferencedAsContract("contract_1"))

	gated := art("note_1", "agent_a", "x")
	gated.AccessContract = "contract_1"
	_, err = s.Create(gated)
	require.NoError(t, err)
	assert.True(t, s.ReferencedAsContract("contract_1"))

	_, err = s.Delete("note_1")
	require.NoError(t, err)
	assert.False(t, s.ReferencedAsContract("contract_1"))
}

func TestReinstateKeepsIdentity(t *testing.T) {
	s, led := newTestStore(t)
	stored, err := s.Create(art("note_1", "agent_a", "hello"))
	require.NoError(t, err)

	deleted, err := s.Delete("note_1")
	require.NoError(t, err)
	acct, _ := led.GetAccount("agent_a")
	assert.Equal(t, int64(0), acct.DiskUsed)

	require.NoError(t, s.Reinstate(deleted))
	back, err := s.Get("note_1")
	require.NoError(t, err)
	assert.Equal(t, stored.CreatedAt, back.CreatedAt)
	assert.Equal(t, stored.SizeBytes, back.SizeBytes)

	acct, _ = led.GetAccount("agent_a")
	assert.Equal(t, int64(5), acct.DiskUsed)

	err = s.Reinstate(deleted)
	assert.Equal(t, fault.KindAlreadyExists, fault.KindOf(err))
}
