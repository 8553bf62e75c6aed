// Package taskservice provides the HTTP client for the external task
// service: task creation (write) and open-task counts (read).
package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/engine"
	"github.com/clinicore/task-engine/pkg/circuitbreaker"
)

// Config holds task service client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns the 3s production bound.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 3 * time.Second}
}

// Client talks to the task service over HTTP behind a circuit breaker.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// New creates a task service client. breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateTask creates one task and returns its id.
func (c *Client) CreateTask(ctx context.Context, req *engine.CreateTaskRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var taskID string
	call := func(ctx context.Context) error {
		var err error
		taskID, err = c.postTask(ctx, req)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	c.logger.Debug("task created",
		zap.String("task_id", taskID),
		zap.String("rule_id", req.OriginatingRuleID),
		zap.String("assignee", req.AssigneeType+":"+req.AssigneeID))
	return taskID, nil
}

func (c *Client) postTask(ctx context.Context, req *engine.CreateTaskRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/v1/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("task service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("task service returned empty task id")
	}
	return created.ID, nil
}

type countsResponse struct {
	Counts map[string]int `json:"counts"`
}

// OpenTaskCounts returns the number of open tasks per candidate. The result
// is a best-effort snapshot; the resolver accepts its staleness.
func (c *Client) OpenTaskCounts(ctx context.Context, orgID string, candidateIDs []string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var counts map[string]int
	call := func(ctx context.Context) error {
		var err error
		counts, err = c.fetchCounts(ctx, orgID, candidateIDs)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("open task counts: %w", err)
	}
	return counts, nil
}

func (c *Client) fetchCounts(ctx context.Context, orgID string, candidateIDs []string) (map[string]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/api/v1/tasks/open-counts?org_id="+orgID+"&assignees="+strings.Join(candidateIDs, ","), nil)
	if err != nil {
		return nil, err
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task service returned status %d", resp.StatusCode)
	}

	var body countsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}
	if body.Counts == nil {
		body.Counts = map[string]int{}
	}
	return body.Counts, nil
}

var (
	_ engine.TaskCreator    = (*Client)(nil)
	_ engine.WorkloadReader = (*Client)(nil)
)
