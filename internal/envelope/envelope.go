// Package envelope implements the compact signed token every
// authority-carrying request travels in: three dot-separated base64url
// parts (header.payload.signature), Ed25519 over the first two.
//
// The package only handles structure and signing. Verification against a
// registered key is Identity's job; every other service delegates to it.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PublicKeyPrefix tags wire-format public keys: "ed25519:<base64 raw 32>".
const PublicKeyPrefix = "ed25519:"

// ErrMalformed is returned for any structurally invalid token: wrong part
// count, bad base64, unparseable header, wrong algorithm, bad signature
// length. Callers surface it as INVALID_JWS without further detail.
var ErrMalformed = errors.New("malformed envelope")

// Header is the fixed envelope header. Kid carries the signing agent_id.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Envelope is a structurally decoded token. Signature validity is NOT
// established by decoding.
type Envelope struct {
	Header       Header
	Payload      []byte // raw JSON payload bytes
	Signature    []byte
	SigningInput []byte // ASCII(header_b64) '.' ASCII(payload_b64)
}

// Decode splits and structurally validates a compact token.
func Decode(token string) (*Envelope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}

	var hdr Header
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return nil, ErrMalformed
	}
	if hdr.Alg != "EdDSA" || hdr.Kid == "" {
		return nil, ErrMalformed
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, ErrMalformed
	}
	if !json.Valid(payload) {
		return nil, ErrMalformed
	}

	return &Envelope{
		Header:       hdr,
		Payload:      payload,
		Signature:    sig,
		SigningInput: []byte(parts[0] + "." + parts[1]),
	}, nil
}

// Action extracts the "action" claim from the payload. Empty when absent
// or not a string.
func (e *Envelope) Action() string {
	var claims struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(e.Payload, &claims); err != nil {
		return ""
	}
	return claims.Action
}

// Sign builds a compact token over payload for the agent identified by
// kid. The payload is marshalled as-is; callers include the "action"
// claim themselves.
func Sign(key ed25519.PrivateKey, kid string, payload interface{}) (string, error) {
	headerJSON, err := json.Marshal(Header{Alg: "EdDSA", Typ: "JWT", Kid: kid})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal payload: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	sig := ed25519.Sign(key, []byte(signingInput))

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ParsePublicKey decodes the "ed25519:<base64>" wire format into a key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, PublicKeyPrefix) {
		return nil, fmt.Errorf("envelope: public key must start with %q", PublicKeyPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, PublicKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("envelope: public key is not valid base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("envelope: public key must be %d raw bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// FormatPublicKey encodes a key into the wire format.
func FormatPublicKey(pub ed25519.PublicKey) string {
	return PublicKeyPrefix + base64.StdEncoding.EncodeToString(pub)
}

// GenerateKey creates a fresh keypair, returning the wire-format public
// key alongside the private key. Used by the CLI and tests.
func GenerateKey() (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return FormatPublicKey(pub), priv, nil
}

// ParsePrivateKey decodes a base64-encoded raw 64-byte Ed25519 private
// key (the platform signing key format in service configs).
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: private key is not valid base64")
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("envelope: private key must be %d raw bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// FormatPrivateKey encodes a private key for config/key files.
func FormatPrivateKey(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}
