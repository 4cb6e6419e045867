package executor

import "github.com/terrarium-sim/terrarium/internal/events"

// pendingEvent is a domain event recorded during execution but
// appended only if the frame commits. Binding-level writes and
// transfers use this so a failed action leaves exactly its one
// terminal event in the log.
type pendingEvent struct {
	eventType  string
	agentID    string
	artifactID string
	data       map[string]interface{}
}

// txn tracks one frame's own mutations: compensations to run on
// failure and events to append on success. Mutations apply eagerly
// (the store and ledger stay the single source of truth mid-action);
// rollback replays the compensations in reverse order.
type txn struct {
	undo    []func()
	pending []pendingEvent
}

func newTxn() *txn {
	return &txn{}
}

func (t *txn) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *txn) deferEvent(eventType, agentID, artifactID string, data map[string]interface{}) {
	t.pending = append(t.pending, pendingEvent{
		eventType:  eventType,
		agentID:    agentID,
		artifactID: artifactID,
		data:       data,
	})
}

func (t *txn) commit(log *events.Log) {
	for _, pe := range t.pending {
		log.Append(pe.eventType, pe.agentID, pe.artifactID, pe.data)
	}
	t.pending = nil
	t.undo = nil
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.pending = nil
}
