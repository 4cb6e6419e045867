// Package sdk is a small typed client for the dashboard API. External
// observers (tooling, notebooks, the inspect CLI) use it instead of
// hand-rolling HTTP calls against the JSON surface.
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to one running dashboard.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Health is the /healthz reply.
type Health struct {
	Status    string `json:"status"`
	Watermark int64  `json:"watermark"`
}

// ArtifactView is the shape of the artifact endpoints. List responses
// clip content and omit code; Artifact with full=true returns both.
type ArtifactView struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Content        string   `json:"content"`
	Code           string   `json:"code,omitempty"`
	CreatedBy      string   `json:"created_by"`
	AccessContract string   `json:"access_contract_id"`
	Price          int64    `json:"price"`
	HasStanding    bool     `json:"has_standing"`
	CanExecute     bool     `json:"can_execute"`
	HasLoop        bool     `json:"has_loop"`
	Capabilities   []string `json:"capabilities,omitempty"`
	SizeBytes      int64    `json:"size_bytes"`
}

type ArtifactPage struct {
	Total     int            `json:"total"`
	Offset    int            `json:"offset"`
	Artifacts []ArtifactView `json:"artifacts"`
}

// ArtifactFilter narrows the artifact listing; zero values mean no
// constraint.
type ArtifactFilter struct {
	Type       string
	CreatedBy  string
	Prefix     string
	Capability string
	Offset     int
	Limit      int
}

type AccountView struct {
	Scrip              int64  `json:"scrip"`
	Held               int64  `json:"held"`
	Available          int64  `json:"available"`
	LLMBudgetRemaining string `json:"llm_budget_remaining"`
	DiskQuota          int64  `json:"disk_quota"`
	DiskUsed           int64  `json:"disk_used"`
}

type LedgerView struct {
	Accounts    map[string]AccountView `json:"accounts"`
	TotalScrip  int64                  `json:"total_scrip"`
	MintedTotal int64                  `json:"minted_total"`
	BurnedTotal int64                  `json:"burned_total"`
	APISpendUSD string                 `json:"api_spend_usd"`
	Exhausted   bool                   `json:"exhausted"`
	ActiveHolds int                    `json:"active_holds"`
}

type Event struct {
	Seq        int64                  `json:"seq"`
	TS         time.Time              `json:"ts"`
	EventType  string                 `json:"event_type"`
	AgentID    string                 `json:"agent_id"`
	ArtifactID string                 `json:"artifact_id"`
	Data       map[string]interface{} `json:"data"`
}

type EventPage struct {
	Watermark int64   `json:"watermark"`
	Events    []Event `json:"events"`
}

type LoopPage struct {
	Loops []map[string]interface{} `json:"loops"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	return &out, c.get(ctx, "/healthz", nil, &out)
}

// State returns the world summary, invariant report included.
func (c *Client) State(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/api/v1/state", nil, &out)
}

func (c *Client) Artifacts(ctx context.Context, f ArtifactFilter) (*ArtifactPage, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.CreatedBy != "" {
		q.Set("created_by", f.CreatedBy)
	}
	if f.Prefix != "" {
		q.Set("prefix", f.Prefix)
	}
	if f.Capability != "" {
		q.Set("capability", f.Capability)
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out ArtifactPage
	return &out, c.get(ctx, "/api/v1/artifacts", q, &out)
}

func (c *Client) Artifact(ctx context.Context, id string, full bool) (*ArtifactView, error) {
	q := url.Values{}
	if full {
		q.Set("full", "1")
	}
	var out ArtifactView
	return &out, c.get(ctx, "/api/v1/artifacts/"+url.PathEscape(id), q, &out)
}

func (c *Client) Ledger(ctx context.Context) (*LedgerView, error) {
	var out LedgerView
	return &out, c.get(ctx, "/api/v1/ledger", nil, &out)
}

// Events pages committed history after sequence offset.
func (c *Client) Events(ctx context.Context, offset int64, limit int) (*EventPage, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out EventPage
	return &out, c.get(ctx, "/api/v1/events", q, &out)
}

func (c *Client) Auction(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/api/v1/auction", nil, &out)
}

func (c *Client) Loops(ctx context.Context) (*LoopPage, error) {
	var out LoopPage
	return &out, c.get(ctx, "/api/v1/loops", nil, &out)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
