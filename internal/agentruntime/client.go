// Package agentruntime implements the Agent process (spec §4.5): the EULA gate that suppresses
// all network I/O until acceptance is persisted, a small HTTP client for the scheduler's task and
// agent endpoints, hardware/metrics collection, and the bounded serial task queue that drives the
// Sandbox executor. Grounded on the teacher's infrastructure/httputil/httpclient.go
// (shallow-copy-with-timeout client construction) and infrastructure/datafeed/client.go (a plain
// net/http JSON client wrapping a base URL). Outbound calls are throttled the way
// infrastructure/ratelimit/ratelimit.go throttles inbound ones — a golang.org/x/time/rate.Limiter
// gating every request through Wait(ctx) — so an idle agent cannot tight-poll the scheduler
// (spec §5 "every outbound call... has a bounded timeout").
package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/domain/task"
)

// Client is the agent's HTTP connection to the scheduler.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Client targeting baseURL, rate-limited to at most one outbound call every
// minInterval (defaults to 1/s) so a quiet scheduler cannot be hammered by a tight poll loop.
func NewClient(baseURL string, timeout time.Duration, minInterval time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
	}
	return nil
}

// Register implements POST /v1/agents/register.
func (c *Client) Register(ctx context.Context, agentUID string, hw agent.Hardware, displayName string) (*agent.Agent, error) {
	var out agent.Agent
	err := c.post(ctx, "/v1/agents/register", map[string]interface{}{
		"agent_uid": agentUID, "hardware": hw, "display_name": displayName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics implements POST /v1/agents/metrics.
func (c *Client) Metrics(ctx context.Context, agentUID string, m agent.Metrics) error {
	return c.post(ctx, "/v1/agents/metrics", map[string]interface{}{
		"agent_uid": agentUID, "metrics": m,
	}, nil)
}

// RequestBatch implements POST /v1/tasks/request_batch.
func (c *Client) RequestBatch(ctx context.Context, agentUID string, max int, capabilities []string) ([]task.Envelope, error) {
	var out struct {
		Tasks []task.Envelope `json:"tasks"`
	}
	err := c.post(ctx, "/v1/tasks/request_batch", map[string]interface{}{
		"agent_uid": agentUID, "max": max, "capabilities": capabilities,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Submit implements POST /v1/tasks/submit.
func (c *Client) Submit(ctx context.Context, env task.ResultEnvelope) error {
	return c.post(ctx, "/v1/tasks/submit", env, nil)
}
