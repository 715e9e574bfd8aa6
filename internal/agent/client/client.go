// Package client is the agent's HTTP client for the controller API. It
// speaks the controller's response envelope ({"data": ...} / {"error": ...})
// and hides retry policy from the callers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/types"
)

// ErrAgentUnknown is returned when the controller does not recognize the
// agent ID, typically after the agent record was deleted. The caller should
// re-register.
var ErrAgentUnknown = errors.New("agent unknown to controller")

// registerMaxElapsed bounds the initial registration retry loop. An agent
// that cannot reach the controller within this window exits and lets the
// process supervisor restart it.
const registerMaxElapsed = 2 * time.Minute

// APIError is a non-2xx response from the controller.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller responded %d: %s", e.Status, e.Message)
}

// Client talks to the controller REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client for the controller at baseURL, e.g.
// "http://10.8.0.1:8001".
func New(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.Named("client"),
	}
}

// envelope mirrors the controller's response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// do performs one request and decodes the data payload into out (when out is
// non-nil). HTTP rejections surface as *APIError, 404s as ErrAgentUnknown,
// transport failures as wrapped errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		return fmt.Errorf("client: decode response for %s %s: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrAgentUnknown
	}
	if resp.StatusCode >= 400 {
		msg := resp.Status
		if env.Error != nil {
			msg = env.Error.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("client: decode payload for %s %s: %w", method, path, err)
		}
	}
	return nil
}

// Register announces the agent to the controller, retrying with exponential
// backoff while the controller is unreachable. Rejections (4xx) are
// permanent and fail immediately.
func (c *Client) Register(ctx context.Context, reg types.AgentRegistration) (*types.AgentInfo, error) {
	var info types.AgentInfo

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = registerMaxElapsed

	operation := func() error {
		err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", reg, &info)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			// A reachable controller that says no will keep saying no.
			return backoff.Permanent(err)
		}
		c.logger.Warn("registration attempt failed, retrying", zap.Error(err))
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("register with controller: %w", err)
	}

	c.logger.Info("registered with controller",
		zap.Uint("agent_id", info.ID),
		zap.String("hostname", info.Hostname),
	)
	return &info, nil
}

// Heartbeat reports liveness and resource usage for the agent.
func (c *Client) Heartbeat(ctx context.Context, agentID uint, hb types.AgentHeartbeat) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/agents/%d/heartbeat", agentID), hb, nil)
}

// FetchConfig retrieves the agent's current desired-state config.
func (c *Client) FetchConfig(ctx context.Context, agentID uint) (*types.AgentConfig, error) {
	var cfg types.AgentConfig
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/agents/%d/config", agentID), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReportStats uploads a batch of connection records.
func (c *Client) ReportStats(ctx context.Context, report types.StatsReport) error {
	return c.do(ctx, http.MethodPost, "/api/v1/stats/connections", report, nil)
}

// PostAlert raises an alert on the controller. Best effort: callers log and
// continue on failure.
func (c *Client) PostAlert(ctx context.Context, alert types.AlertCreate) error {
	return c.do(ctx, http.MethodPost, "/api/v1/alerts", alert, nil)
}
