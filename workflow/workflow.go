// Package workflow defines the workflow-engine callback protocol from
// section 6 and an HTTP-backed implementation, sharing the request-scoped
// timeout and pooled-client discipline used by package provider.
package workflow

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/sorensen/exportjob/joberrors"
)

// SuccessPayload is the workflow success message from section 6.
type SuccessPayload struct {
	JobID          string     `json:"jobId"`
	ExportID       string     `json:"exportId"`
	UserID         string     `json:"userId"`
	Status         string     `json:"status"`
	TotalTasks     int        `json:"totalTasks"`
	CompletedTasks int        `json:"completedTasks"`
	FailedTasks    int        `json:"failedTasks"`
	Outputs        []string   `json:"outputs,omitempty"`
	CompletedAt    time.Time  `json:"completedAt"`
	DurationMs     int64      `json:"durationMs"`
}

// FailurePayload is the workflow failure message from section 6.
type FailurePayload struct {
	Error    string         `json:"error"`
	Cause    string         `json:"cause"`
	JobID    string         `json:"jobId,omitempty"`
	ExportID string         `json:"exportId,omitempty"`
	Counters map[string]int `json:"counters,omitempty"`
}

// Client is the workflow-engine callback contract from section 6. Callback
// failures must never propagate back into job state (section 7); callers
// are expected to log and continue on error, per section 4.8.
type Client interface {
	SendTaskSuccess(ctx context.Context, token string, payload SuccessPayload) error
	SendTaskFailure(ctx context.Context, token string, payload FailurePayload) error
	SendTaskHeartbeat(ctx context.Context, token string) error
}

// StaleTokenError indicates the workflow engine reports the task no longer
// exists, per section 4.9: "Specific errors that indicate a stale token...
// cause a warning but no state change."
type StaleTokenError struct {
	Token string
}

func (e *StaleTokenError) Error() string {
	return fmt.Sprintf("workflow token no longer exists: %s", e.Token)
}

// HTTPClient implements Client as POSTs against per-token callback URLs.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// New creates an HTTPClient. timeout defaults to 10s per section 5.
func New(client *http.Client, baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{client: client, baseURL: baseURL, timeout: timeout}
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, joberrors.Wrap(joberrors.KindCallbackFailed, "callback request failed", err)
	}
	return resp, nil
}

func (c *HTTPClient) SendTaskSuccess(ctx context.Context, token string, payload SuccessPayload) error {
	resp, err := c.post(ctx, "/tasks/"+token+"/success", payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return classifyCallbackResponse(resp, token)
}

func (c *HTTPClient) SendTaskFailure(ctx context.Context, token string, payload FailurePayload) error {
	resp, err := c.post(ctx, "/tasks/"+token+"/failure", payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return classifyCallbackResponse(resp, token)
}

func (c *HTTPClient) SendTaskHeartbeat(ctx context.Context, token string) error {
	resp, err := c.post(ctx, "/tasks/"+token+"/heartbeat", struct{}{})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return classifyCallbackResponse(resp, token)
}

func classifyCallbackResponse(resp *http.Response, token string) error {
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return &StaleTokenError{Token: token}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return joberrors.New(joberrors.KindCallbackFailed, fmt.Sprintf("callback returned status %d", resp.StatusCode))
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
