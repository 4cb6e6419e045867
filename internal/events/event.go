// Package events provides the kernel's append-only event log, the
// in-process fan-out bus, and the optional advisory sinks (Redis
// mirror, Postgres archive). The JSONL log is the canonical record;
// everything else is derived.
package events

import (
	"encoding/json"
	"time"
)

// Event types appearing in the log. The set is closed; subsystems do
// not invent ad-hoc types.
const (
	TypeAction          = "action"
	TypeTransfer        = "transfer"
	TypeArtifactWritten = "artifact_written"
	TypeArtifactDeleted = "artifact_deleted"
	TypeInvocation      = "invocation"
	TypeAuctionStarted  = "auction_started"
	TypeAuctionBid      = "auction_bid"
	TypeAuctionEmpty    = "auction_empty"
	TypeAuctionClosed   = "auction_closed"
	TypeAuctionScored   = "auction_scored"
	TypeAuctionSettled  = "auction_settled"
	TypeLoopStarted     = "loop_started"
	TypeLoopStopped     = "loop_stopped"
	TypeLoopCrashed     = "loop_crashed"
	TypeLoopDied        = "loop_died"
	TypeBudgetExhausted = "budget_exhausted"
	TypeCheckpointSaved = "checkpoint_saved"
	TypeGenesisComplete = "genesis_complete"
)

// Event is one committed record. Seq is assigned by the log, strictly
// increasing and gap-free. AgentID and ArtifactID serialize as JSON
// null when empty.
type Event struct {
	Seq        int64                  `json:"seq"`
	TS         time.Time              `json:"ts"`
	EventType  string                 `json:"event_type"`
	AgentID    string                 `json:"agent_id"`
	ArtifactID string                 `json:"artifact_id"`
	Data       map[string]interface{} `json:"data"`
}

type eventWire struct {
	Seq        int64                  `json:"seq"`
	TS         time.Time              `json:"ts"`
	EventType  string                 `json:"event_type"`
	AgentID    *string                `json:"agent_id"`
	ArtifactID *string                `json:"artifact_id"`
	Data       map[string]interface{} `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := eventWire{
		Seq:       e.Seq,
		TS:        e.TS,
		EventType: e.EventType,
		Data:      e.Data,
	}
	if e.AgentID != "" {
		w.AgentID = &e.AgentID
	}
	if e.ArtifactID != "" {
		w.ArtifactID = &e.ArtifactID
	}
	if w.Data == nil {
		w.Data = map[string]interface{}{}
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Seq = w.Seq
	e.TS = w.TS
	e.EventType = w.EventType
	e.Data = w.Data
	e.AgentID = ""
	e.ArtifactID = ""
	if w.AgentID != nil {
		e.AgentID = *w.AgentID
	}
	if w.ArtifactID != nil {
		e.ArtifactID = *w.ArtifactID
	}
	return nil
}
