package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/terrarium-sim/terrarium/internal/fault"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint. One
// retry on 429/5xx; everything else fails fast so the loop's crash
// accounting sees it.
type OpenAI struct {
	baseURL    string
	model      string
	apiKey     string
	pricing    Pricing
	httpClient *http.Client
	logger     *log.Logger
}

func NewOpenAI(baseURL, model, apiKey string, pricing Pricing) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		pricing: pricing,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (o *OpenAI) Generate(ctx context.Context, agentID, prompt, model string) (*Reply, error) {
	if model == "" {
		model = o.model
	}
	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fault.Errorf(fault.KindInternal, "marshal chat request: %v", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		reply, retryable, err := o.doRequest(ctx, payload)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retryable || attempt == 2 {
			break
		}
		o.logger.Printf("⚠️  Generation failed for %s, retrying: %v", agentID, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, lastErr
}

func (o *OpenAI) doRequest(ctx context.Context, payload []byte) (*Reply, bool, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fault.Errorf(fault.KindInternal, "create chat request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, true, fault.Errorf(fault.KindInternal, "chat request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fault.Errorf(fault.KindInternal, "read chat response: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fault.Errorf(fault.KindInternal, "provider returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if resp.StatusCode >= 400 {
		return nil, false, fault.Errorf(fault.KindInternal, "provider returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fault.Errorf(fault.KindInternal, "decode chat response: %v", err)
	}
	if parsed.Error != nil {
		return nil, false, fault.Errorf(fault.KindInternal, "provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, fault.New(fault.KindInternal, "provider returned no choices")
	}

	in := parsed.Usage.PromptTokens
	out := parsed.Usage.CompletionTokens
	return &Reply{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      o.pricing.Cost(in, out),
	}, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s…", b[:n])
}
