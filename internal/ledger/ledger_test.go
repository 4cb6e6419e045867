package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/fault"
)

func newTestLedger(t *testing.T, apiLimit string) (*Ledger, *events.Log) {
	t.Helper()
	l, err := events.Open("", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return New(l, decimal.RequireFromString(apiLimit)), l
}

func TestCreateAccountAndDuplicates(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 100, decimal.NewFromInt(1), 0))
	err := led.CreateAccount("agent_a", 0, decimal.Zero, 0)
	assert.Equal(t, fault.KindAlreadyExists, fault.KindOf(err))

	bal, err := led.Balance("agent_a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestTransferMovesScripAndEmitsEvent(t *testing.T) {
	led, eventLog := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 100, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("agent_b", 0, decimal.Zero, 0))

	require.NoError(t, led.Transfer("agent_a", "agent_b", 30))

	a, _ := led.Balance("agent_a")
	b, _ := led.Balance("agent_b")
	assert.Equal(t, int64(70), a)
	assert.Equal(t, int64(30), b)

	evs := eventLog.Read(0, 10)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeTransfer, evs[0].EventType)
	assert.Equal(t, "agent_a", evs[0].Data["from"])
	assert.Equal(t, int64(30), evs[0].Data["amount"])
}

func TestTransferQuietEmitsNothing(t *testing.T) {
	led, eventLog := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 50, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("sink", 0, decimal.Zero, 0))

	require.NoError(t, led.TransferQuiet("agent_a", "sink", 5))
	assert.Equal(t, int64(0), eventLog.Watermark())
}

func TestTransferRejections(t *testing.T) {
	led, eventLog := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 10, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("agent_b", 0, decimal.Zero, 0))

	err := led.Transfer("agent_a", "agent_b", 11)
	assert.Equal(t, fault.KindInsufficientFunds, fault.KindOf(err))

	err = led.Transfer("ghost", "agent_b", 1)
	assert.Equal(t, fault.KindNoSuchPrincipal, fault.KindOf(err))

	err = led.Transfer("agent_a", "ghost", 1)
	assert.Equal(t, fault.KindNoSuchPrincipal, fault.KindOf(err))

	err = led.Transfer("agent_a", "agent_b", -1)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	// Failed transfers leave no trace.
	a, _ := led.Balance("agent_a")
	assert.Equal(t, int64(10), a)
	assert.Equal(t, int64(0), eventLog.Watermark())
}

func TestDebitLLMPerPrincipalBudget(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 0, decimal.RequireFromString("0.10"), 0))

	require.NoError(t, led.DebitLLM("agent_a", decimal.RequireFromString("0.07")))
	err := led.DebitLLM("agent_a", decimal.RequireFromString("0.05"))
	assert.Equal(t, fault.KindBudgetExhausted, fault.KindOf(err))

	acct, _ := led.GetAccount("agent_a")
	assert.True(t, acct.LLMBudget.Equal(decimal.RequireFromString("0.03")))
}

func TestGlobalBudgetCapIsPermanent(t *testing.T) {
	led, _ := newTestLedger(t, "0.01")
	require.NoError(t, led.CreateAccount("agent_a", 0, decimal.NewFromInt(10), 0))
	require.NoError(t, led.CreateAccount("agent_b", 0, decimal.NewFromInt(10), 0))

	// This debit reaches the cap; it still records.
	require.NoError(t, led.DebitLLM("agent_a", decimal.RequireFromString("0.01")))
	assert.True(t, led.Exhausted())

	// Every principal is refused from here on.
	err := led.DebitLLM("agent_b", decimal.RequireFromString("0.001"))
	assert.Equal(t, fault.KindBudgetExhausted, fault.KindOf(err))
	err = led.DebitLLM("agent_a", decimal.Zero)
	assert.Equal(t, fault.KindBudgetExhausted, fault.KindOf(err))
}

func TestDiskQuota(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 0, decimal.Zero, 100))

	require.NoError(t, led.ReserveDisk("agent_a", 60))
	require.NoError(t, led.ReserveDisk("agent_a", 40))
	err := led.ReserveDisk("agent_a", 1)
	assert.Equal(t, fault.KindQuotaExceeded, fault.KindOf(err))

	require.NoError(t, led.ReleaseDisk("agent_a", 50))
	require.NoError(t, led.ReserveDisk("agent_a", 50))

	acct, _ := led.GetAccount("agent_a")
	assert.Equal(t, int64(100), acct.DiskUsed)
}

func TestUnlimitedQuotaWhenZero(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 0, decimal.Zero, 0))
	require.NoError(t, led.ReserveDisk("agent_a", 1<<40))
}

func TestMintAndBurnRequireAuthority(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 10, decimal.Zero, 0))
	led.SetMinter("genesis_mint")

	err := led.Mint("agent_a", "agent_a", 50)
	assert.Equal(t, fault.KindPermissionDenied, fault.KindOf(err))

	require.NoError(t, led.Mint("genesis_mint", "agent_a", 50))
	bal, _ := led.Balance("agent_a")
	assert.Equal(t, int64(60), bal)

	require.NoError(t, led.Burn("genesis_mint", "agent_a", 20))
	bal, _ = led.Balance("agent_a")
	assert.Equal(t, int64(40), bal)

	err = led.Burn("agent_a", "agent_a", 1)
	assert.Equal(t, fault.KindPermissionDenied, fault.KindOf(err))
}

func TestConservationAcrossOperations(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	led.SetMinter("genesis_mint")
	require.NoError(t, led.CreateAccount("genesis_mint", 0, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("agent_a", 100, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("agent_b", 25, decimal.Zero, 0))

	require.NoError(t, led.Transfer("agent_a", "agent_b", 40))
	require.NoError(t, led.Mint("genesis_mint", "agent_b", 7))
	require.NoError(t, led.Burn("genesis_mint", "agent_a", 3))

	assert.Equal(t, led.MintedTotal()-led.BurnedTotal(), led.TotalScrip())
}

func TestHoldsExcludeScripFromSpending(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 100, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("agent_b", 0, decimal.Zero, 0))

	holdID, err := led.Hold("agent_a", 80)
	require.NoError(t, err)

	avail, _ := led.Available("agent_a")
	assert.Equal(t, int64(20), avail)

	err = led.Transfer("agent_a", "agent_b", 30)
	assert.Equal(t, fault.KindInsufficientFunds, fault.KindOf(err))

	// A second hold beyond available fails.
	_, err = led.Hold("agent_a", 30)
	assert.Equal(t, fault.KindInsufficientFunds, fault.KindOf(err))

	require.NoError(t, led.ReleaseHold(holdID))
	avail, _ = led.Available("agent_a")
	assert.Equal(t, int64(100), avail)

	// Release is not idempotent; the hold is gone.
	err = led.ReleaseHold(holdID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestSettleHoldSplitsPayment(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("winner", 100, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("peer_1", 0, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("peer_2", 0, decimal.Zero, 0))

	holdID, err := led.Hold("winner", 50)
	require.NoError(t, err)

	// Pay 30 of the 50 held: 10 back to the winner, 10 to each peer.
	require.NoError(t, led.SettleHold(holdID, 30, map[string]int64{
		"winner": 10,
		"peer_1": 10,
		"peer_2": 10,
	}))

	w, _ := led.Balance("winner")
	p1, _ := led.Balance("peer_1")
	assert.Equal(t, int64(80), w) // 100 - 30 + 10
	assert.Equal(t, int64(10), p1)

	avail, _ := led.Available("winner")
	assert.Equal(t, int64(80), avail)
	assert.Equal(t, led.MintedTotal()-led.BurnedTotal(), led.TotalScrip())
}

func TestSettleHoldValidatesCredits(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("winner", 100, decimal.Zero, 0))

	holdID, err := led.Hold("winner", 50)
	require.NoError(t, err)

	err = led.SettleHold(holdID, 30, map[string]int64{"winner": 20})
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	err = led.SettleHold(holdID, 60, map[string]int64{"winner": 60})
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	// The hold survived both rejections.
	assert.Equal(t, int64(50), led.HeldAmount("winner"))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	led, _ := newTestLedger(t, "5")
	led.SetMinter("genesis_mint")
	require.NoError(t, led.CreateAccount("genesis_mint", 0, decimal.Zero, 0))
	require.NoError(t, led.CreateAccount("agent_a", 100, decimal.RequireFromString("0.5"), 1024))
	require.NoError(t, led.ReserveDisk("agent_a", 100))
	require.NoError(t, led.DebitLLM("agent_a", decimal.RequireFromString("0.25")))
	_, err := led.Hold("agent_a", 10)
	require.NoError(t, err)

	snap := led.Snapshot()

	restored := New(nil, decimal.NewFromInt(5))
	restored.Restore(snap)

	acct, err := restored.GetAccount("agent_a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Scrip)
	assert.True(t, acct.LLMBudget.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, int64(100), acct.DiskUsed)
	assert.Equal(t, int64(10), restored.HeldAmount("agent_a"))
	assert.Equal(t, led.MintedTotal(), restored.MintedTotal())
	assert.True(t, led.APISpend().Equal(restored.APISpend()))

	// Minter survives the round trip.
	require.NoError(t, restored.Mint("genesis_mint", "agent_a", 1))
}

func TestTransferDiskQuota(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("agent_a", 0, decimal.Zero, 100))
	require.NoError(t, led.CreateAccount("agent_b", 0, decimal.Zero, 50))
	require.NoError(t, led.ReserveDisk("agent_a", 40))

	require.NoError(t, led.TransferDiskQuota("agent_a", "agent_b", 60))
	a, _ := led.GetAccount("agent_a")
	b, _ := led.GetAccount("agent_b")
	assert.Equal(t, int64(40), a.DiskQuota)
	assert.Equal(t, int64(110), b.DiskQuota)

	// Cannot give away quota that is already occupied.
	err := led.TransferDiskQuota("agent_a", "agent_b", 1)
	assert.Equal(t, fault.KindQuotaExceeded, fault.KindOf(err))
}

func TestTransferDiskQuotaRejectsUnlimitedSides(t *testing.T) {
	led, _ := newTestLedger(t, "0")
	require.NoError(t, led.CreateAccount("limited", 0, decimal.Zero, 100))
	require.NoError(t, led.CreateAccount("unlimited", 0, decimal.Zero, 0))

	err := led.TransferDiskQuota("unlimited", "limited", 10)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	err = led.TransferDiskQuota("limited", "unlimited", 10)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
}
