// Package agent polls the controller for tasks and drives the executor.
//
// The agent holds no state of its own: every loop iteration fetches the
// active task list, computes each job's stage from observable state and
// reports back. Crashing at any point is recoverable by simply restarting.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/models"
)

// Client talks to the controller's task API.
type Client struct {
	// Endpoint is the base URL of the controller API, e.g.
	// "https://controller.example.org".
	Endpoint string

	// Backend identifies this agent to the controller.
	Backend string

	// Token authenticates requests for this backend.
	Token string

	// HTTP is the underlying client; a default is used when nil.
	HTTP *http.Client

	// Retry controls retries of task updates. Zero value means
	// DefaultRetryConfig.
	Retry RetryConfig

	Log *zap.Logger
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) retryConfig() RetryConfig {
	if c.Retry.MaxAttempts > 0 {
		return c.Retry
	}
	return DefaultRetryConfig
}

func (c *Client) taskURL(parts ...string) (string, error) {
	base, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse controller endpoint: %w", err)
	}
	return base.JoinPath(parts...).String() + "/", nil
}

// GetActiveTasks fetches the tasks the controller currently wants this
// backend to be working on.
func (c *Client) GetActiveTasks(ctx context.Context) ([]models.AgentTask, error) {
	u, err := c.taskURL(c.Backend, "tasks")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tasks request: %w", err)
	}
	req.Header.Set("Authorization", c.Token)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}

	var payload struct {
		Tasks []models.AgentTask `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode tasks response: %w", err)
	}
	return payload.Tasks, nil
}

// UpdateController reports a task's current stage, and on completion its
// results, back to the controller. Updates are retried with backoff: losing
// one means the controller acts on stale information for a whole loop
// iteration.
func (c *Client) UpdateController(ctx context.Context, update models.TaskUpdate) error {
	u, err := c.taskURL(c.Backend, "task", "update")
	if err != nil {
		return err
	}

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode task update: %w", err)
	}

	return RetryWithBackoff(ctx, c.retryConfig(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build update request: %w", err)
		}
		req.Header.Set("Authorization", c.Token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("failed to post task update: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return httpError(resp)
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	})
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("controller returned %s", resp.Status)
	}
	return fmt.Errorf("controller returned %s: %s", resp.Status, msg)
}
