// Package client talks to a running jobdrain deployment over HTTP. A Client
// serves as both the job query and the worker of a drain wait.
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

	"github.com/seantiz/jobdrain/internal/model"
)

// DefaultTimeout bounds each request made by a Client.
const DefaultTimeout = 10 * time.Second

// ErrNotFound is returned when the deployment has no job with the given id.
var ErrNotFound = errors.New("job not found")

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client is an HTTP client for the jobdrain API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the deployment at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateJobRequest describes a job to submit.
type CreateJobRequest struct {
	Type    string     `json:"type"`
	Payload string     `json:"payload,omitempty"`
	Retries *int       `json:"retries,omitempty"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// ExecutorStatus reports whether the remote executor is running.
type ExecutorStatus struct {
	Active bool   `json:"active"`
	Owner  string `json:"owner"`
}

type listJobsResponse struct {
	Jobs []*model.Job `json:"jobs"`
}

// ListJobs returns every job the deployment holds.
func (c *Client) ListJobs(ctx context.Context) ([]*model.Job, error) {
	var resp listJobsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// CreateJob submits a job.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*model.Job, error) {
	var j model.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, http.StatusCreated, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil, http.StatusOK, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Start starts the remote executor. Starting a running executor is a no-op.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/executor/start", nil, http.StatusOK, nil)
}

// Stop stops the remote executor. Stopping a stopped executor is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/executor/stop", nil, http.StatusOK, nil)
}

// ExecutorStatus returns the remote executor's state.
func (c *Client) ExecutorStatus(ctx context.Context) (*ExecutorStatus, error) {
	var st ExecutorStatus
	if err := c.do(ctx, http.MethodGet, "/v1/executor", nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/v1/jobs/") {
			return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		}
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
