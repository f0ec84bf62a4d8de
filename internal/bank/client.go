package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agoranet/backend/internal/httpapi"
)

// RemoteError is a categorical error envelope returned by the Central
// Bank over HTTP.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("central bank: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Client is the Central Bank HTTP client used by Task Board and Court.
// Transport failures come back as plain errors; service-level refusals as
// *RemoteError.
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

func (c *Client) postToken(ctx context.Context, path, token string, out interface{}) error {
	body, _ := json.Marshal(httpapi.TokenRequest{Token: token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

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
			return fmt.Errorf("central bank returned status %d", resp.StatusCode)
		}
		return &RemoteError{StatusCode: resp.StatusCode, Code: envl.Code, Message: envl.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// EscrowLock relays a payer-signed escrow_lock envelope.
func (c *Client) EscrowLock(ctx context.Context, token string) (*LockResult, error) {
	var result LockResult
	if err := c.postToken(ctx, "/escrows/lock", token, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EscrowRelease submits a platform-signed escrow_release envelope.
func (c *Client) EscrowRelease(ctx context.Context, escrowID, token string) (*ReleaseResult, error) {
	var result ReleaseResult
	if err := c.postToken(ctx, "/escrows/"+escrowID+"/release", token, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EscrowSplit submits a platform-signed escrow_split envelope.
func (c *Client) EscrowSplit(ctx context.Context, escrowID, token string) (*ReleaseResult, error) {
	var result ReleaseResult
	if err := c.postToken(ctx, "/escrows/"+escrowID+"/split", token, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateAccount submits a create_account envelope (CLI and seed tooling).
func (c *Client) CreateAccount(ctx context.Context, token string) (*Account, error) {
	var account Account
	if err := c.postToken(ctx, "/accounts", token, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Credit submits a credit envelope (CLI and seed tooling).
func (c *Client) Credit(ctx context.Context, accountID, token string) (*Transaction, error) {
	var tx Transaction
	if err := c.postToken(ctx, "/accounts/"+accountID+"/credit", token, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetAccount reads an account with a bearer envelope.
func (c *Client) GetAccount(ctx context.Context, accountID, bearer string) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/accounts/"+accountID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var envl struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envl); err != nil || envl.Code == "" {
			return nil, fmt.Errorf("central bank returned status %d", resp.StatusCode)
		}
		return nil, &RemoteError{StatusCode: resp.StatusCode, Code: envl.Code, Message: envl.Message}
	}
	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, err
	}
	return &account, nil
}
