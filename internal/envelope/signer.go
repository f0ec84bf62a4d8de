package envelope

import (
	"crypto/ed25519"
	"fmt"
)

// Signer signs envelopes on behalf of one agent. Services hold a Signer
// for the platform agent when they emit privileged envelopes themselves
// (Task Board expiry refunds, Court settlements).
type Signer struct {
	AgentID string
	key     ed25519.PrivateKey
}

// NewSigner builds a Signer from a base64 raw private key.
func NewSigner(agentID, encodedKey string) (*Signer, error) {
	if agentID == "" {
		return nil, fmt.Errorf("envelope: signer agent id is required")
	}
	key, err := ParsePrivateKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return &Signer{AgentID: agentID, key: key}, nil
}

// SignerFromKey wraps an in-memory private key (tests, CLI).
func SignerFromKey(agentID string, key ed25519.PrivateKey) *Signer {
	return &Signer{AgentID: agentID, key: key}
}

// Sign produces a compact token over payload.
func (s *Signer) Sign(payload interface{}) (string, error) {
	return Sign(s.key, s.AgentID, payload)
}
