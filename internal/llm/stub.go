package llm

import (
	"context"
	"sync"
)

// DefaultStubReply is returned when a stub has no scripted reply and no
// fallback generator: a do-nothing intent every loop can parse.
const DefaultStubReply = `{"action": "noop"}`

// Stub is a deterministic offline gateway. Replies are dequeued per
// agent in FIFO order; when an agent's script runs dry the fallback
// generator (or the noop default) takes over. Costs are computed from
// the same pricing table as a live provider so budget accounting paths
// stay identical.
type Stub struct {
	mu       sync.Mutex
	pricing  Pricing
	scripts  map[string][]string
	fallback func(agentID, prompt string) string
	calls    int64
}

func NewStub(pricing Pricing) *Stub {
	return &Stub{
		pricing: pricing,
		scripts: make(map[string][]string),
	}
}

// Enqueue appends scripted replies for one agent.
func (s *Stub) Enqueue(agentID string, replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[agentID] = append(s.scripts[agentID], replies...)
}

// SetFallback installs a generator used when an agent's script is
// empty.
func (s *Stub) SetFallback(fn func(agentID, prompt string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// Calls reports how many generations the stub has served.
func (s *Stub) Calls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Stub) Generate(ctx context.Context, agentID, prompt, model string) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls++
	var text string
	if queue := s.scripts[agentID]; len(queue) > 0 {
		text = queue[0]
		s.scripts[agentID] = queue[1:]
	} else if s.fallback != nil {
		text = s.fallback(agentID, prompt)
	} else {
		text = DefaultStubReply
	}
	s.mu.Unlock()

	in := estimateTokens(prompt)
	out := estimateTokens(text)
	return &Reply{
		Text:         text,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      s.pricing.Cost(in, out),
	}, nil
}
