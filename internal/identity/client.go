package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
)

// Client is the Identity HTTP client the other services authenticate
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

// Verify submits a token to POST /verify. A transport failure is returned
// as a plain error (the caller maps it to IDENTITY_SERVICE_UNAVAILABLE).
func (c *Client) Verify(ctx context.Context, token string) (*VerifyResult, error) {
	body, _ := json.Marshal(httpapi.TokenRequest{Token: token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity verify returned status %d", resp.StatusCode)
	}

	var result VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAgent fetches one agent. The bool reports existence; transport
// failures are plain errors.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/agents/"+agentID, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var a Agent
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return nil, false, err
		}
		return &a, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("identity get agent returned status %d", resp.StatusCode)
	}
}

// Authenticate runs the fixed authentication chain for a mutating
// endpoint: structural decode (INVALID_JWS), Identity round trip
// (IDENTITY_SERVICE_UNAVAILABLE), signature validity (FORBIDDEN), then
// the action claim (INVALID_PAYLOAD, blocking cross-endpoint replay).
// Returns the signer's agent_id and the decoded payload fields.
func (c *Client) Authenticate(ctx context.Context, token, action string) (string, envelope.Fields, *httpapi.Error) {
	return c.authenticate(ctx, token, action, nil)
}

// AuthenticateAny is Authenticate with a set of accepted action aliases;
// actions[0] is the canonical name used in error messages.
func (c *Client) AuthenticateAny(ctx context.Context, token string, actions ...string) (string, envelope.Fields, *httpapi.Error) {
	if len(actions) == 0 {
		return "", nil, httpapi.NewError(httpapi.CodeInternal, "internal error")
	}
	return c.authenticate(ctx, token, actions[0], actions[1:])
}

func (c *Client) authenticate(ctx context.Context, token, action string, aliases []string) (string, envelope.Fields, *httpapi.Error) {
	if _, err := envelope.Decode(token); err != nil {
		return "", nil, httpapi.NewError(httpapi.CodeInvalidJWS, "token is not a well-formed signed envelope")
	}

	result, err := c.Verify(ctx, token)
	if err != nil {
		return "", nil, httpapi.NewError(httpapi.CodeIdentityUnavailable, "identity service is unavailable")
	}
	if !result.Valid {
		return "", nil, httpapi.NewError(httpapi.CodeForbidden, "signature verification failed")
	}

	var fields envelope.Fields
	if err := json.Unmarshal(result.Payload, &fields); err != nil {
		return "", nil, httpapi.NewError(httpapi.CodeInvalidPayload, "payload must be a JSON object")
	}

	got, herr := fields.String("action")
	if herr != nil {
		return "", nil, httpapi.Errorf(httpapi.CodeInvalidPayload, "payload action must be %q", action)
	}
	if got != action {
		ok := false
		for _, alias := range aliases {
			if got == alias {
				ok = true
				break
			}
		}
		if !ok {
			return "", nil, httpapi.Errorf(httpapi.CodeInvalidPayload, "payload action must be %q", action)
		}
	}

	return result.AgentID, fields, nil
}
