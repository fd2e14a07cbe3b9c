package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/identity"
	"github.com/flotilla-dev/flotilla/pkg/api"
)

// RetryConfig defines retry behavior for coordinator calls.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryableStatuses are HTTP codes worth retrying.
	RetryableStatuses []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          15 * time.Second,
		BackoffFactor:     2.0,
		RetryableStatuses: []int{429, 500, 502, 503, 504},
	}
}

// Client talks to the coordinator's REST API with exponential backoff, so a
// node daemon started before the coordinator eventually connects instead of
// dying.
type Client struct {
	base   string
	client *http.Client
	retry  RetryConfig
	log    zerolog.Logger

	sender string
	id     *identity.Identity
}

func NewClient(coordinator string, retry RetryConfig, log zerolog.Logger) *Client {
	return &Client{
		base:   "http://" + coordinator,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
		log:    log.With().Str("component", "coordinator-client").Logger(),
	}
}

// Authenticate makes subsequent calls carry signature headers so the
// coordinator can check them against the node's registered key.
func (c *Client) Authenticate(sender string, id *identity.Identity) {
	c.sender = sender
	c.id = id
}

func (c *Client) retryable(status int) bool {
	for _, s := range c.retry.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.retry.InitialDelay) * math.Pow(c.retry.BackoffFactor, float64(attempt)))
	if d > c.retry.MaxDelay {
		d = c.retry.MaxDelay
	}
	// Jitter spreads reconnect storms after a coordinator restart.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// post sends a JSON body and decodes the JSON response into out. Transport
// failures and retryable statuses are retried with backoff; API errors come
// back as *api.ErrorResponse-derived errors.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.log.Debug().Dur("delay", delay).Int("attempt", attempt).Str("path", path).
				Msg("retrying coordinator call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.id != nil {
			ts := time.Now().Unix()
			nonce := uuid.NewString()
			req.Header.Set(api.HeaderSender, c.sender)
			req.Header.Set(api.HeaderTimestamp, strconv.FormatInt(ts, 10))
			req.Header.Set(api.HeaderNonce, nonce)
			req.Header.Set(api.HeaderSignature, c.id.Sign(identity.SigningBytes(c.sender, ts, nonce, payload)))
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if c.retryable(resp.StatusCode) {
			resp.Body.Close()
			lastErr = fmt.Errorf("coordinator returned %d", resp.StatusCode)
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			var apiErr api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Code != "" {
				return &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
			}
			return fmt.Errorf("coordinator returned %d", resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return fmt.Errorf("coordinator unreachable after %d attempts: %w", c.retry.MaxRetries+1, lastErr)
}

// APIError is a non-retryable coordinator rejection.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator rejected request: %d %s: %s", e.Status, e.Code, e.Message)
}

// Register announces the node to the coordinator.
func (c *Client) Register(ctx context.Context, desc api.NodeDescriptor) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	if err := c.post(ctx, "/cluster/nodes/register", desc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports liveness and the local agent statuses.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, req api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	var resp api.HeartbeatResponse
	if err := c.post(ctx, "/cluster/nodes/"+nodeID+"/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
