package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/ledger"
	"github.com/terrarium-sim/terrarium/internal/mint"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		SavedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Watermark: 42,
		Artifacts: []artifacts.Artifact{
			{ID: "town_square", Type: artifacts.TypeText, Content: "hello", CreatedBy: "genesis"},
		},
		Ledger: ledger.Snapshot{
			Accounts: map[string]ledger.Account{
				"genesis": {Scrip: 100, LLMBudget: decimal.NewFromInt(1)},
			},
			Minter:      "genesis_mint",
			MintedTotal: 100,
		},
		Mint: mint.Snapshot{Phase: mint.PhaseWaiting, Cycle: 3},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, Save(path, sampleCheckpoint()))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Watermark)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "town_square", got.Artifacts[0].ID)
	assert.Equal(t, "genesis_mint", got.Ledger.Minter)
	assert.Equal(t, int64(3), got.Mint.Cycle)
	assert.NotEmpty(t, got.Hash)
}

func TestLoadRejectsTamperedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, Save(path, sampleCheckpoint()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(raw), `"watermark": 42`, `"watermark": 41`, 1)
	require.NotEqual(t, string(raw), edited)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity")
}

func TestLoadRejectsMissingHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"watermark": 1}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")

	first := sampleCheckpoint()
	require.NoError(t, Save(path, first))
	second := sampleCheckpoint()
	second.Watermark = 99
	require.NoError(t, Save(path, second))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.Watermark)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint.json", entries[0].Name())
}
