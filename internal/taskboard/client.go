package taskboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agoranet/backend/internal/httpapi"
)

// RemoteError is a categorical error envelope returned by the Task Board
// over HTTP.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("task board: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Client is the Task Board HTTP client the Court uses to read disputed
// tasks, pull deliverable metadata for the judges, and record rulings.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client with the configured timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envl struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envl); err != nil || envl.Code == "" {
			return fmt.Errorf("task board returned status %d", resp.StatusCode)
		}
		return &RemoteError{StatusCode: resp.StatusCode, Code: envl.Code, Message: envl.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetTask reads a task. The read is public; deadline transitions apply
// server-side before the task is returned.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := c.do(req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListAssets reads a task's deliverable metadata with a bearer envelope.
func (c *Client) ListAssets(ctx context.Context, taskID, bearer string) ([]*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/tasks/"+taskID+"/assets", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	var out struct {
		Assets []*Asset `json:"assets"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}

// RecordRuling submits a platform-signed ruling envelope for a disputed
// task.
func (c *Client) RecordRuling(ctx context.Context, taskID, token string) (*Task, error) {
	body, _ := json.Marshal(httpapi.TokenRequest{Token: token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/tasks/"+taskID+"/ruling", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var task Task
	if err := c.do(req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
