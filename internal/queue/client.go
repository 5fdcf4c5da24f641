// Package queue is the HTTP client for the remote work queue: register,
// poll and submit. Every operation returns failures as errors and leaves
// retry policy to the caller.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/neuron/internal/models"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	submitted  *DedupeCache
	newToken   func() string
}

// NewClient creates a queue client for serverURL. The token is sent as a
// bearer credential on every request.
func NewClient(serverURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		submitted: NewDedupeCache(),
		newToken:  func() string { return uuid.NewString() },
	}
}

// Submitted exposes the dedupe cache for inspection.
func (c *Client) Submitted() *DedupeCache {
	return c.submitted
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (models.Identity, error) {
	if req.Wallet == "" || req.Token == "" {
		return models.Identity{}, ErrMissingCredentials
	}

	body := registerBody{
		Wallet:   req.Wallet,
		Skills:   req.Skills,
		Agent:    string(req.Agent),
		Hostname: req.Hostname,
	}
	if body.Skills == nil {
		body.Skills = []string{}
	}

	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "/api/neurons/register", body, nil, &resp); err != nil {
		return models.Identity{}, fmt.Errorf("register: %w", err)
	}
	if resp.ID == "" {
		if resp.Error != "" {
			return models.Identity{}, fmt.Errorf("register: queue refused registration: %s", resp.Error)
		}
		return models.Identity{}, errors.New("register: response carried no worker id")
	}

	return models.Identity{WorkerID: resp.ID}, nil
}

// Poll asks for the next work item. A nil item with a nil error means the
// queue has no work; errors are reserved for transport, server and decoding
// failures.
func (c *Client) Poll(ctx context.Context, workerID string) (*models.WorkItem, error) {
	q := url.Values{}
	q.Set("neuronId", workerID)
	q.Set("status", "idle")

	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks/poll?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if resp.Task == nil {
		return nil, nil
	}
	if resp.Task.ID == "" {
		return nil, errors.New("poll: task has no id")
	}
	return resp.Task, nil
}

// Submit reports a result. Items already accepted by the queue, or with a
// submission still in progress, are skipped without a network call. Each
// attempt carries a fresh idempotency key.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	if !c.submitted.TryReserve(req.ItemID) {
		return SubmitAck{Status: models.SubmitStatusDuplicate}, nil
	}

	key := c.newToken()
	body := submitBody{
		TaskID:         req.ItemID,
		NeuronID:       req.WorkerID,
		Result:         req.Result,
		Error:          req.Error,
		IdempotencyKey: key,
		Metadata:       req.Metadata,
	}
	headers := map[string]string{"Idempotency-Key": key}

	if err := c.do(ctx, http.MethodPost, "/api/tasks/submit", body, headers, nil); err != nil {
		c.submitted.Release(req.ItemID)
		return SubmitAck{}, fmt.Errorf("submit %s: %w", req.ItemID, err)
	}

	c.submitted.Commit(req.ItemID)
	return SubmitAck{Status: models.SubmitStatusSubmitted, IdempotencyKey: key}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("queue returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
