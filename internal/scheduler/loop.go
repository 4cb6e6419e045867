package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/executor"
	"github.com/terrarium-sim/terrarium/internal/fault"
)

// State is the persistent per-agent record, stored as JSON in the
// agent's state artifact (<agent>_state). It survives restarts; the
// loop goroutine itself carries nothing across turns.
type State struct {
	Alive          bool                   `json:"alive"`
	SleepUntil     string                 `json:"sleep_until,omitempty"`
	Turns          int64                  `json:"turns"`
	LastIntent     map[string]interface{} `json:"last_intent,omitempty"`
	LastResult     *executor.Result       `json:"last_result,omitempty"`
	BudgetNotified bool                   `json:"budget_exhausted_notified,omitempty"`
	Memo           map[string]interface{} `json:"memo,omitempty"`
}

func stateArtifactID(agentID string) string    { return agentID + "_state" }
func strategyArtifactID(agentID string) string { return agentID + "_strategy" }

// runLoop is one agent's forever-loop: wake, snapshot the world, ask
// the gateway for an intent, submit it, persist the outcome. It
// returns nil on a clean stop (cancelled, loop flag cleared, or agent
// no longer alive) and an error on a crash.
func (s *Scheduler) runLoop(ctx context.Context, id string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		agent, err := s.store.Get(id)
		if err != nil || !agent.HasLoop {
			return nil
		}

		state := s.loadState(id)
		if !state.Alive {
			s.logger.Printf("💤 %s is not alive; loop exits", id)
			return nil
		}
		if until, ok := parseSleep(state.SleepUntil); ok {
			if d := time.Until(until); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil
				}
			}
			state.SleepUntil = ""
		}

		if s.ledger.Exhausted() {
			s.parkExhausted(ctx, id, state)
			return nil
		}

		prompt := s.buildPrompt(id, agent, state)
		think := s.exec.Submit(ctx, executor.Action{
			Verb:   executor.VerbInvoke,
			Caller: id,
			Target: s.cfg.GatewayID,
			Method: "generate",
			Args:   []interface{}{prompt, s.cfg.Model},
		})

		var intent executor.Action
		switch {
		case think.Success:
			intent = ParseIntent(id, replyText(think.Value))
		case think.ErrorKind == string(fault.KindBudgetExhausted):
			s.parkExhausted(ctx, id, state)
			return nil
		default:
			// The failed think is this turn's outcome; the agent sees
			// it in its state next turn.
			state.Turns++
			state.LastIntent = nil
			state.LastResult = &think
			s.persistState(id, agent.ID, state)
			continue
		}

		result := s.exec.Submit(ctx, intent)

		state.Turns++
		state.LastIntent = intentMap(intent)
		state.LastResult = &result
		s.applyDirectives(&state, intent)
		s.persistState(id, agent.ID, state)
	}
}

// parkExhausted emits the loop's single budget_exhausted event and
// parks the loop until shutdown. The world keeps running; this agent
// just has no more thinking to do.
func (s *Scheduler) parkExhausted(ctx context.Context, id string, state State) {
	if !state.BudgetNotified {
		state.BudgetNotified = true
		s.persistState(id, id, state)
		s.log.Append(events.TypeBudgetExhausted, id, "", nil)
		s.logger.Printf("💸 %s parked: llm budget exhausted", id)
	}
	<-ctx.Done()
}

// applyDirectives honours loop-control fields an intent may carry
// alongside its action: sleeping and retiring are agent choices.
func (s *Scheduler) applyDirectives(state *State, intent executor.Action) {
	if intent.Context == nil {
		return
	}
	if v, ok := intent.Context["sleep_seconds"].(float64); ok && v > 0 {
		state.SleepUntil = time.Now().Add(time.Duration(v * float64(time.Second))).UTC().Format(time.RFC3339)
	}
	if v, ok := intent.Context["retire"].(bool); ok && v {
		state.Alive = false
	}
}

// loadState reads and parses the agent's state artifact. A missing or
// corrupt artifact yields a fresh alive state; the loop heals it on
// the next persist.
func (s *Scheduler) loadState(agentID string) State {
	state := State{Alive: true}
	art, err := s.store.Get(stateArtifactID(agentID))
	if err != nil {
		return state
	}
	if err := json.Unmarshal([]byte(art.Content), &state); err != nil {
		s.logger.Printf("⚠️ %s state artifact is corrupt; resetting: %v", agentID, err)
		return State{Alive: true}
	}
	return state
}

// persistState writes the state artifact directly through the store.
// This is the loop's own bookkeeping, not a world action: no event,
// no contract check, but disk quota still binds.
func (s *Scheduler) persistState(agentID, owner string, state State) {
	raw, err := json.Marshal(state)
	if err != nil {
		s.logger.Printf("❌ marshal state for %s: %v", agentID, err)
		return
	}
	id := stateArtifactID(agentID)
	next := artifacts.Artifact{
		ID:        id,
		Type:      artifacts.TypeJSON,
		Content:   string(raw),
		CreatedBy: owner,
	}
	if old, err := s.store.Get(id); err == nil {
		next.AccessContract = old.AccessContract
		next.HasStanding = old.HasStanding
	} else {
		next.AccessContract = s.exec.DefaultContract()
	}
	if _, err := s.store.Put(next); err != nil {
		s.logger.Printf("❌ persist state for %s: %v", agentID, err)
	}
}

func parseSleep(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// replyText digs the generated text out of the gateway's reply map.
func replyText(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	text, _ := m["text"].(string)
	return text
}

func intentMap(a executor.Action) map[string]interface{} {
	m := map[string]interface{}{"action": string(a.Verb)}
	if a.Target != "" {
		m["target"] = a.Target
	}
	if a.Method != "" {
		m["method"] = a.Method
	}
	return m
}
