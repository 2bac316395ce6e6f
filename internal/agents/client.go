// Package agents adapts the external specialist-agent service to the
// engine's task runner contract. Task semantics live on the other side of
// this boundary; the engine only depends on the output-plus-artifacts
// result shape and on failure signaling.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quintrel/researchd/internal/research"
)

// Client runs one task per call against the agent service's execute
// endpoint. Literature and analysis tasks share the same wire shape; the
// service dispatches on the task type.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

type executeRequest struct {
	TaskID    string   `json:"taskId"`
	Objective string   `json:"objective"`
	Type      string   `json:"type"`
	Datasets  []string `json:"datasets,omitempty"`
}

type executeResponse struct {
	Output    string              `json:"output"`
	Artifacts []research.Artifact `json:"artifacts,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (c *Client) Run(ctx context.Context, task research.PlanTask) (string, []research.Artifact, error) {
	if c.baseURL == "" {
		return "", nil, fmt.Errorf("agent service base url not configured")
	}
	payload, err := json.Marshal(executeRequest{
		TaskID:    task.ID,
		Objective: task.Objective,
		Type:      string(task.Type),
		Datasets:  task.Datasets,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/tasks/execute", bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("create request for task %s: %w", task.ID, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return "", nil, fmt.Errorf("task %s request failed: %w", task.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("task %s: agent service returned %s", task.ID, resp.Status)
	}

	var decoded executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", nil, fmt.Errorf("task %s: decode agent response: %w", task.ID, err)
	}
	if decoded.Error != "" {
		return "", nil, fmt.Errorf("task %s: %s", task.ID, decoded.Error)
	}
	if strings.TrimSpace(decoded.Output) == "" {
		return "", nil, fmt.Errorf("task %s: agent returned empty output", task.ID)
	}
	return decoded.Output, decoded.Artifacts, nil
}
