package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPricing() Pricing {
	return Pricing{
		PerKInput:  decimal.RequireFromString("0.00015"),
		PerKOutput: decimal.RequireFromString("0.0006"),
	}
}

func TestPricingCost(t *testing.T) {
	p := testPricing()

	// 1000 in + 1000 out = one of each rate.
	cost := p.Cost(1000, 1000)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.00075")), "got %s", cost)

	cost = p.Cost(150, 0)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.0000225")), "got %s", cost)

	assert.True(t, p.Cost(0, 0).IsZero())
}

func TestStubScriptOrder(t *testing.T) {
	s := NewStub(testPricing())
	s.Enqueue("agent_alpha", "first", "second")

	r1, err := s.Generate(context.Background(), "agent_alpha", "p", "")
	require.NoError(t, err)
	r2, err := s.Generate(context.Background(), "agent_alpha", "p", "")
	require.NoError(t, err)
	r3, err := s.Generate(context.Background(), "agent_alpha", "p", "")
	require.NoError(t, err)

	assert.Equal(t, "first", r1.Text)
	assert.Equal(t, "second", r2.Text)
	assert.Equal(t, DefaultStubReply, r3.Text)
	assert.Equal(t, int64(3), s.Calls())
}

func TestStubScriptsAreIsolatedPerAgent(t *testing.T) {
	s := NewStub(testPricing())
	s.Enqueue("agent_alpha", "alpha reply")

	r, err := s.Generate(context.Background(), "agent_beta", "p", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultStubReply, r.Text)

	r, err = s.Generate(context.Background(), "agent_alpha", "p", "")
	require.NoError(t, err)
	assert.Equal(t, "alpha reply", r.Text)
}

func TestStubFallback(t *testing.T) {
	s := NewStub(testPricing())
	s.SetFallback(func(agentID, prompt string) string {
		return "echo:" + prompt
	})

	r, err := s.Generate(context.Background(), "agent_alpha", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", r.Text)
	assert.Positive(t, r.InputTokens)
	assert.Positive(t, r.OutputTokens)
	assert.True(t, r.CostUSD.GreaterThan(decimal.Zero))
}

func TestStubHonoursCancelledContext(t *testing.T) {
	s := NewStub(testPricing())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Generate(ctx, "agent_alpha", "p", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIGenerate(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "generated text"}},
			},
			"usage": map[string]int64{"prompt_tokens": 200, "completion_tokens": 50},
		})
	}))
	defer srv.Close()

	g := NewOpenAI(srv.URL, "gpt-4o-mini", "sk-test", testPricing())
	r, err := g.Generate(context.Background(), "agent_alpha", "prompt", "")
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.Equal(t, "generated text", r.Text)
	assert.Equal(t, int64(200), r.InputTokens)
	assert.Equal(t, int64(50), r.OutputTokens)
	assert.True(t, r.CostUSD.Equal(testPricing().Cost(200, 50)))
}

func TestOpenAIModelOverride(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": "ok"}}},
			"usage":   map[string]int64{"prompt_tokens": 1, "completion_tokens": 1},
		})
	}))
	defer srv.Close()

	g := NewOpenAI(srv.URL, "gpt-4o-mini", "sk-test", testPricing())
	_, err := g.Generate(context.Background(), "agent_alpha", "p", "special-model")
	require.NoError(t, err)
	assert.Equal(t, "special-model", gotModel)
}

func TestOpenAIRetriesOnServerError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": "second try"}}},
			"usage":   map[string]int64{"prompt_tokens": 1, "completion_tokens": 1},
		})
	}))
	defer srv.Close()

	g := NewOpenAI(srv.URL, "gpt-4o-mini", "sk-test", testPricing())
	r, err := g.Generate(context.Background(), "agent_alpha", "p", "")
	require.NoError(t, err)
	assert.Equal(t, "second try", r.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestOpenAIDoesNotRetryClientError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	g := NewOpenAI(srv.URL, "gpt-4o-mini", "sk-bad", testPricing())
	_, err := g.Generate(context.Background(), "agent_alpha", "p", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
