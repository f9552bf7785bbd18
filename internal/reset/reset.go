// Package reset asks a deployment to purge its runtime job state between tests.
package reset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a single reset request.
	DefaultTimeout = 10 * time.Second
	// maxReportBytes caps how much of a failure report is read.
	maxReportBytes = 64 << 10
)

var (
	// ErrResetFailed matches every *FailedError.
	ErrResetFailed = errors.New("state reset failed")
	// ErrResetUnreachable matches every *UnreachableError.
	ErrResetUnreachable = errors.New("state reset endpoint unreachable")
)

// FailedError is returned when the purge endpoint answered with anything but
// 201 Created. Report is the response body, describing the state left behind.
type FailedError struct {
	StatusCode int
	Report     string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("state reset failed with status %d: %s", e.StatusCode, e.Report)
}

func (e *FailedError) Is(target error) bool {
	return target == ErrResetFailed
}

// UnreachableError is returned when the purge request could not be sent or
// no response arrived.
type UnreachableError struct {
	URL string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("state reset endpoint %s unreachable: %v", e.URL, e.Err)
}

func (e *UnreachableError) Is(target error) bool {
	return target == ErrResetUnreachable
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithHTTPClient replaces the HTTP client used for the purge request.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Trigger) {
		if c != nil {
			t.client = c
		}
	}
}

// Trigger posts to a deployment's purge endpoint.
type Trigger struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewTrigger builds a trigger for deployment served at baseURL. The purge path
// uses the deployment name without its extension, so "test.war" resets via
// <baseURL>/test/purge.
func NewTrigger(baseURL, deployment string, logger *slog.Logger, opts ...Option) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{
		url:    strings.TrimRight(baseURL, "/") + "/" + ContextPath(deployment) + "/purge",
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ContextPath strips the directory and extension from a deployment name.
func ContextPath(deployment string) string {
	base := path.Base(deployment)
	return strings.TrimSuffix(base, path.Ext(base))
}

// URL returns the purge endpoint this trigger posts to.
func (t *Trigger) URL() string {
	return t.url
}

// Reset sends one purge request. It returns nil on 201 Created, a
// *FailedError carrying the response body for any other status, and an
// *UnreachableError when no response was received.
func (t *Trigger) Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, nil)
	if err != nil {
		return &UnreachableError{URL: t.url, Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &UnreachableError{URL: t.url, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxReportBytes))
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusCreated {
		t.logger.Debug("state reset", "url", t.url)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReportBytes))
	if err != nil {
		t.logger.Warn("read state reset report", "url", t.url, "error", err)
	}
	report := string(body)
	t.logger.Warn("state reset found residue", "url", t.url, "status", resp.StatusCode, "report", report)
	return &FailedError{StatusCode: resp.StatusCode, Report: report}
}
