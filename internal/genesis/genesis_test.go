package genesis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/ledger"
)

func newLoader(t *testing.T) (*Loader, *artifacts.Store, *ledger.Ledger, *events.Log) {
	t.Helper()
	eventLog, err := events.Open("", 10*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eventLog.Close() })

	led := ledger.New(eventLog, decimal.Zero)
	store := artifacts.NewStore(led)
	return NewLoader(store, led, eventLog), store, led, eventLog
}

func TestEmptyManifestBootsInfrastructure(t *testing.T) {
	g, store, led, eventLog := newLoader(t)
	require.NoError(t, g.Load(&Manifest{}))

	for _, id := range []string{ContractID, SystemContractID, LedgerID, EventLogID, MintID, LLMGatewayID} {
		assert.True(t, store.Exists(id), "missing infrastructure artifact %s", id)
	}

	open, err := store.Get(ContractID)
	require.NoError(t, err)
	assert.Equal(t, ContractID, open.AccessContract, "the open contract governs itself")
	assert.True(t, open.CanExecute)

	ledgerArt, err := store.Get(LedgerID)
	require.NoError(t, err)
	assert.Equal(t, artifacts.TypeSystem, ledgerArt.Type)
	assert.Equal(t, SystemContractID, ledgerArt.AccessContract)

	// The mint has standing (it collects auction remainders) and is the
	// only registered minter.
	assert.True(t, led.HasAccount(MintID))
	assert.True(t, led.HasAccount(TreasuryID))
	assert.Equal(t, MintID, led.Snapshot().Minter)

	gw, err := store.Get(LLMGatewayID)
	require.NoError(t, err)
	assert.Contains(t, gw.Capabilities, artifacts.CapCallLLM)

	evs := eventLog.Read(0, int64(eventLog.Len()))
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeGenesisComplete, evs[len(evs)-1].EventType)
}

func TestLoadInstallsAccountsAndArtifacts(t *testing.T) {
	g, store, led, _ := newLoader(t)
	m := &Manifest{
		World: WorldSpec{Name: "test-world"},
		Accounts: map[string]AccountSpec{
			"alice": {Scrip: 100, LLMBudget: 1.5, DiskQuota: 4096},
		},
		Artifacts: []ArtifactSpec{
			{ID: "board", Content: "hello"},
			{
				ID: "alice", Type: artifacts.TypeExecutable, CreatedBy: "alice",
				Code: "function run(args) { return null; }",
				HasStanding: true, CanExecute: true, HasLoop: true,
				Capabilities: []string{artifacts.CapCallLLM},
			},
		},
	}
	require.NoError(t, g.Load(m))

	bal, err := led.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	// Defaults fill in for terse static specs.
	board, err := store.Get("board")
	require.NoError(t, err)
	assert.Equal(t, artifacts.TypeText, board.Type)
	assert.Equal(t, TreasuryID, board.CreatedBy)
	assert.Equal(t, ContractID, board.AccessContract)

	alice, err := store.Get("alice")
	require.NoError(t, err)
	assert.True(t, alice.HasLoop)
	assert.Contains(t, alice.Capabilities, artifacts.CapCallLLM)
}

func TestStandingArtifactOpensAccount(t *testing.T) {
	g, _, led, _ := newLoader(t)
	m := &Manifest{
		Artifacts: []ArtifactSpec{
			{ID: "drifter", Type: artifacts.TypeExecutable, CreatedBy: "drifter",
				CanExecute: true, HasStanding: true},
		},
	}
	require.NoError(t, g.Load(m))

	require.True(t, led.HasAccount("drifter"))
	bal, err := led.Balance("drifter")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name string
		m    Manifest
	}{
		{"empty id", Manifest{Artifacts: []ArtifactSpec{{ID: ""}}}},
		{"duplicate id", Manifest{Artifacts: []ArtifactSpec{{ID: "x"}, {ID: "x"}}}},
		{"can_mint outside the mint", Manifest{Artifacts: []ArtifactSpec{
			{ID: "rogue", Capabilities: []string{artifacts.CapMint}},
		}}},
		{"loop without execution", Manifest{Artifacts: []ArtifactSpec{
			{ID: "inert", HasLoop: true},
		}}},
		{"created_by unknown principal", Manifest{Artifacts: []ArtifactSpec{
			{ID: "orphan", CreatedBy: "nobody"},
		}}},
		{"account collides with treasury", Manifest{Accounts: map[string]AccountSpec{
			TreasuryID: {Scrip: 1},
		}}},
		{"dangling access contract", Manifest{Artifacts: []ArtifactSpec{
			{ID: "locked", AccessContract: "missing_contract"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _, _, _ := newLoader(t)
			assert.Error(t, g.Load(&tc.m))
		})
	}
}

func TestManifestMayOverrideInfrastructure(t *testing.T) {
	g, store, _, _ := newLoader(t)
	m := &Manifest{
		Artifacts: []ArtifactSpec{
			{
				ID: ContractID, Type: artifacts.TypeExecutable,
				Code: `function check_permission(c, a, t, x, lv) { return { allowed: false, reason: "closed world", cost_scrip: 0 }; }`,
				CanExecute: true,
			},
		},
	}
	require.NoError(t, g.Load(m))

	got, err := store.Get(ContractID)
	require.NoError(t, err)
	assert.Contains(t, got.Code, "closed world", "manifest version wins over the built-in")
}

func TestParseManifest(t *testing.T) {
	raw := []byte(`
world:
  name: yaml-world
accounts:
  bob:
    scrip: 42
    llm_budget: 0.5
artifacts:
  - id: note
    content: "hi"
`)
	m, err := ParseManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, "yaml-world", m.World.Name)
	assert.Equal(t, int64(42), m.Accounts["bob"].Scrip)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, "note", m.Artifacts[0].ID)

	_, err = ParseManifest([]byte("artifacts: {not: a list}"))
	assert.Error(t, err)
}

func TestLoadManifestFileEmptyPath(t *testing.T) {
	m, err := LoadManifestFile("")
	require.NoError(t, err)
	assert.Empty(t, m.Artifacts)
	assert.Empty(t, m.Accounts)
}

func TestLoopsInstallAfterStaticArtifacts(t *testing.T) {
	// An agent bundle may list the agent before its strategy; ordering
	// must still put the loop artifact last.
	g, store, _, _ := newLoader(t)
	m := &Manifest{
		Accounts: map[string]AccountSpec{"eve": {Scrip: 10}},
		Artifacts: []ArtifactSpec{
			{
				ID: "eve", Type: artifacts.TypeExecutable, CreatedBy: "eve",
				Code: "function run(args) { return null; }",
				HasStanding: true, CanExecute: true, HasLoop: true,
			},
			{ID: "eve_strategy", CreatedBy: "eve", Content: "wait and see"},
		},
	}
	require.NoError(t, g.Load(m))
	assert.True(t, store.Exists("eve"))
	assert.True(t, store.Exists("eve_strategy"))
}
