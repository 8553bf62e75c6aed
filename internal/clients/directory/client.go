// Package directory provides the HTTP client for the staff/role directory,
// the external collaborator that maps a role to its active members.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/domain/rule"
	"github.com/clinicore/task-engine/pkg/circuitbreaker"
)

// Config holds directory client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each lookup; an expired lookup fails the rule's
	// execution, it is never retried inline.
	Timeout time.Duration
}

// DefaultConfig returns the 3s production bound.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 3 * time.Second}
}

// Client queries the staff directory over HTTP behind a circuit breaker.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// New creates a directory client. breaker may be nil.
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

type membersResponse struct {
	Members []struct {
		UserID   string `json:"user_id"`
		IsActive bool   `json:"is_active"`
	} `json:"members"`
}

// ActiveMembers returns the user ids of active staff holding the target's
// role within the organization, scoped by department/location when the
// target carries them. Order is the directory's stable listing order.
func (c *Client) ActiveMembers(ctx context.Context, orgID string, scope rule.AssignmentTarget) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var members []string
	call := func(ctx context.Context) error {
		var err error
		members, err = c.fetchMembers(ctx, orgID, scope)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	return members, nil
}

func (c *Client) fetchMembers(ctx context.Context, orgID string, scope rule.AssignmentTarget) ([]string, error) {
	q := url.Values{}
	q.Set("org_id", orgID)
	q.Set("role", scope.Role)
	if scope.Department != "" {
		q.Set("department", scope.Department)
	}
	if scope.Location != "" {
		q.Set("location", scope.Location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/api/v1/staff/members?"+q.Encode(), nil)
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
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var body membersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}

	var ids []string
	for _, m := range body.Members {
		if m.IsActive {
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}
