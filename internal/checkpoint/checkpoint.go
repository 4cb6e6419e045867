// Package checkpoint persists the whole kernel state as one JSON
// file: event-log watermark, artifact table, ledger, rate windows,
// and auction state. Loading a checkpoint and resuming is
// behaviourally identical to never having stopped, modulo wall-clock
// time. A SHA-256 over the payload catches truncated or edited files.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/ledger"
	"github.com/terrarium-sim/terrarium/internal/mint"
	"github.com/terrarium-sim/terrarium/internal/rate"
)

// Checkpoint is the full persisted state.
type Checkpoint struct {
	SavedAt     time.Time             `json:"saved_at"`
	Watermark   int64                 `json:"watermark"`
	Artifacts   []artifacts.Artifact  `json:"artifacts"`
	Ledger      ledger.Snapshot       `json:"ledger"`
	RateWindows []rate.WindowSnapshot `json:"rate_windows"`
	Mint        mint.Snapshot         `json:"mint"`
	Hash        string                `json:"hash"`
}

// digest hashes the checkpoint with the Hash field blanked.
func digest(cp *Checkpoint) (string, error) {
	clean := *cp
	clean.Hash = ""
	data, err := json.Marshal(&clean)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes the checkpoint atomically: temp file in the same
// directory, fsync, rename. A crash mid-save leaves the previous
// checkpoint intact.
func Save(path string, cp *Checkpoint) error {
	hash, err := digest(cp)
	if err != nil {
		return err
	}
	cp.Hash = hash

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads and verifies a checkpoint file.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	want := cp.Hash
	got, err := digest(&cp)
	if err != nil {
		return nil, err
	}
	if want == "" || got != want {
		return nil, fmt.Errorf("checkpoint %s failed integrity check", path)
	}
	return &cp, nil
}
