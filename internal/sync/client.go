package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/tildaslashalef/tillsync/internal/config"
	"github.com/tildaslashalef/tillsync/internal/loggy"
)

// Gateway is the remote system of record. Each call returns nil on
// success, a *ConflictError when local and remote state diverge, or any
// other error for a retryable failure.
type Gateway interface {
	Ping(ctx context.Context) error

	UpdateStock(ctx context.Context, actionID string, payload StockUpdatePayload) error
	AdjustStock(ctx context.Context, actionID string, payload StockAdjustmentPayload) error
	CreateRecipe(ctx context.Context, actionID string, payload RecipePayload) error
	UpdateRecipe(ctx context.Context, actionID string, payload RecipePayload) error
	DeleteRecipe(ctx context.Context, actionID string, recipeID string) error
	CompleteOrder(ctx context.Context, actionID string, payload OrderCompletionPayload) error
	UpdateCost(ctx context.Context, actionID string, payload CostUpdatePayload) error
}

// APIError represents a non-conflict error response from the gateway
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// ConflictError is the gateway's conflict signal, distinguishable from a
// retryable failure. ServerData carries the remote version of the entity.
type ConflictError struct {
	ConflictType string          `json:"conflict_type"`
	Message      string          `json:"message"`
	ServerData   json.RawMessage `json:"server_data,omitempty"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("gateway conflict (%s): %s", e.ConflictType, e.Message)
}

// IsConflict reports whether err is a gateway conflict signal
func IsConflict(err error) (*ConflictError, bool) {
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return conflictErr, true
	}
	return nil, false
}

// Client is the HTTP implementation of Gateway
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *loggy.Logger

	retries int
	limiter *rate.Limiter
}

// NewClient creates a gateway client from configuration
func NewClient(cfg config.GatewayConfig, logger *loggy.Logger) *Client {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	maxIdlePerHost := cfg.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 10
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.BurstLimit
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}

	return &Client{
		baseURL: cfg.URL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger:  logger,
		retries: cfg.TransportRetries,
		limiter: limiter,
	}
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// Ping checks gateway reachability
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, http.MethodGet, "/api/pos/health", "", nil)
}

// UpdateStock sets the absolute stock quantity for a SKU
func (c *Client) UpdateStock(ctx context.Context, actionID string, payload StockUpdatePayload) error {
	path := fmt.Sprintf("/api/pos/stock/%s", url.PathEscape(payload.SKU))
	return c.send(ctx, http.MethodPut, path, actionID, payload)
}

// AdjustStock applies a signed quantity delta to a SKU
func (c *Client) AdjustStock(ctx context.Context, actionID string, payload StockAdjustmentPayload) error {
	path := fmt.Sprintf("/api/pos/stock/%s/adjustments", url.PathEscape(payload.SKU))
	return c.send(ctx, http.MethodPost, path, actionID, payload)
}

// CreateRecipe creates a recipe on the remote system
func (c *Client) CreateRecipe(ctx context.Context, actionID string, payload RecipePayload) error {
	return c.send(ctx, http.MethodPost, "/api/pos/recipes", actionID, payload)
}

// UpdateRecipe replaces a recipe on the remote system
func (c *Client) UpdateRecipe(ctx context.Context, actionID string, payload RecipePayload) error {
	path := fmt.Sprintf("/api/pos/recipes/%s", url.PathEscape(payload.RecipeID))
	return c.send(ctx, http.MethodPut, path, actionID, payload)
}

// DeleteRecipe removes a recipe from the remote system
func (c *Client) DeleteRecipe(ctx context.Context, actionID string, recipeID string) error {
	path := fmt.Sprintf("/api/pos/recipes/%s", url.PathEscape(recipeID))
	return c.send(ctx, http.MethodDelete, path, actionID, nil)
}

// CompleteOrder records a completed order and its inventory deductions
func (c *Client) CompleteOrder(ctx context.Context, actionID string, payload OrderCompletionPayload) error {
	path := fmt.Sprintf("/api/pos/orders/%s/completion", url.PathEscape(payload.OrderID))
	return c.send(ctx, http.MethodPost, path, actionID, payload)
}

// UpdateCost sets the unit cost of a SKU
func (c *Client) UpdateCost(ctx context.Context, actionID string, payload CostUpdatePayload) error {
	path := fmt.Sprintf("/api/pos/stock/%s/cost", url.PathEscape(payload.SKU))
	return c.send(ctx, http.MethodPut, path, actionID, payload)
}

// send performs one gateway call with request pacing and transport-level
// retries. Conflicts and client errors are returned immediately; network
// failures and 5xx responses are retried up to the configured limit.
func (c *Client) send(ctx context.Context, method, path, actionID string, body interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		return c.doOnce(ctx, method, path, actionID, bodyBytes)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retries)),
		ctx,
	)

	return backoff.Retry(operation, policy)
}

func (c *Client) doOnce(ctx context.Context, method, path, actionID string, body []byte) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	if actionID != "" {
		// At-least-once delivery: the action id lets the gateway
		// deduplicate redelivered operations
		req.Header.Set("X-Idempotency-Key", actionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failure, retryable at the transport layer
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusConflict {
		conflictErr := &ConflictError{}
		if err := json.NewDecoder(resp.Body).Decode(conflictErr); err != nil {
			conflictErr.ConflictType = "unknown"
			conflictErr.Message = resp.Status
		}
		return backoff.Permanent(conflictErr)
	}

	apiErr := APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		apiErr.Message = resp.Status
	}
	apiErr.StatusCode = resp.StatusCode

	if resp.StatusCode >= 500 {
		// Server-side failure, worth another transport attempt
		return apiErr
	}
	return backoff.Permanent(apiErr)
}
