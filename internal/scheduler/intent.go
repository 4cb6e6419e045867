package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/executor"
)

// intentWire is the JSON shape agents are prompted to reply with.
type intentWire struct {
	Action  string                 `json:"action"`
	Target  string                 `json:"target,omitempty"`
	Method  string                 `json:"method,omitempty"`
	Args    []interface{}          `json:"args,omitempty"`
	Body    *executor.Body         `json:"body,omitempty"`
	Delete  bool                   `json:"delete,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// ParseIntent turns gateway text into one action. Models wrap JSON in
// prose and code fences, so the first balanced object in the text is
// taken. Anything unparseable degrades to noop: a confused agent
// wastes a turn, never crashes its loop.
func ParseIntent(agentID, text string) executor.Action {
	noop := executor.Action{Verb: executor.VerbNoop, Caller: agentID}

	raw, ok := firstJSONObject(text)
	if !ok {
		return noop
	}
	var w intentWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return noop
	}

	a := executor.Action{
		Caller:  agentID,
		Target:  w.Target,
		Method:  w.Method,
		Args:    w.Args,
		Context: w.Context,
	}
	switch executor.Verb(w.Action) {
	case executor.VerbRead:
		a.Verb = executor.VerbRead
	case executor.VerbWrite:
		a.Verb = executor.VerbWrite
		if !w.Delete {
			a.Body = w.Body
			if a.Body == nil {
				return noop
			}
		}
	case executor.VerbInvoke:
		a.Verb = executor.VerbInvoke
	case executor.VerbNoop:
		a.Verb = executor.VerbNoop
	default:
		return noop
	}
	if a.Verb != executor.VerbNoop && a.Target == "" {
		return noop
	}
	return a
}

// firstJSONObject extracts the first brace-balanced object, ignoring
// braces inside string literals.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// buildPrompt assembles the world snapshot one agent thinks about:
// its strategy, its persistent state, its balance, the auction, and a
// digest of recent events.
func (s *Scheduler) buildPrompt(id string, agent artifacts.Artifact, state State) string {
	var b strings.Builder
	b.WriteString("You are agent ")
	b.WriteString(id)
	b.WriteString(" in a shared artifact world.\n")

	if strat, err := s.store.Get(strategyArtifactID(id)); err == nil {
		b.WriteString("\n## Strategy\n")
		b.WriteString(strat.Content)
		b.WriteString("\n")
	}

	if raw, err := json.Marshal(state); err == nil {
		b.WriteString("\n## Your state\n")
		b.Write(raw)
		b.WriteString("\n")
	}

	if bal, err := s.ledger.Balance(id); err == nil {
		avail, _ := s.ledger.Available(id)
		fmt.Fprintf(&b, "\n## Ledger\nscrip=%d available=%d\n", bal, avail)
	}

	if s.auctionStatus != nil {
		if raw, err := json.Marshal(s.auctionStatus()); err == nil {
			b.WriteString("\n## Auction\n")
			b.Write(raw)
			b.WriteString("\n")
		}
	}

	recent := s.log.Read(maxInt64(0, s.log.Watermark()-10), 10)
	if len(recent) > 0 {
		b.WriteString("\n## Recent events\n")
		for _, ev := range recent {
			fmt.Fprintf(&b, "%d %s agent=%s artifact=%s\n", ev.Seq, ev.EventType, ev.AgentID, ev.ArtifactID)
		}
	}

	b.WriteString("\nReply with exactly one JSON intent: " +
		`{"action": "read_artifact"|"write_artifact"|"invoke_artifact"|"noop", ` +
		`"target": "...", "method": "...", "args": [...], "body": {...}}` + "\n")
	return b.String()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
