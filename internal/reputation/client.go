package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agoranet/backend/internal/httpapi"
)

// RemoteError is a categorical error envelope returned by the recorder
// over HTTP.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("reputation: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Client is the recorder HTTP client the Court writes ruling feedback
// through.
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

// Submit posts a signed submit_feedback envelope.
func (c *Client) Submit(ctx context.Context, token string) (*Feedback, error) {
	body, _ := json.Marshal(httpapi.TokenRequest{Token: token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/feedback", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envl struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envl); err != nil || envl.Code == "" {
			return nil, fmt.Errorf("reputation returned status %d", resp.StatusCode)
		}
		return nil, &RemoteError{StatusCode: resp.StatusCode, Code: envl.Code, Message: envl.Message}
	}

	var fb Feedback
	if err := json.NewDecoder(resp.Body).Decode(&fb); err != nil {
		return nil, err
	}
	return &fb, nil
}
