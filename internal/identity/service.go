package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

const maxDisplayName = 200

// Service holds the registry and answers verification requests.
type Service struct {
	store   *Store
	logger  *slog.Logger
	metrics *Metrics
}

// New wires the service.
func New(st *Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger, metrics: NewMetrics()}
}

// Register creates a new agent from a display name and a wire-format
// public key, assigning a fresh a-<uuid4> identity.
func (s *Service) Register(ctx context.Context, displayName, publicKey string) (*Agent, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "display_name is required")
	}
	if len(displayName) > maxDisplayName {
		return nil, httpapi.Errorf(httpapi.CodeInvalidPayload, "display_name exceeds %d characters", maxDisplayName)
	}
	if _, err := envelope.ParsePublicKey(publicKey); err != nil {
		return nil, httpapi.NewError(httpapi.CodeInvalidPayload, "public_key must be ed25519:<base64 raw 32 bytes>")
	}

	agent := &Agent{
		AgentID:     "a-" + uuid.NewString(),
		DisplayName: displayName,
		PublicKey:   publicKey,
		CreatedAt:   store.NowISO(),
	}
	if err := s.store.Insert(ctx, agent); err != nil {
		return nil, err
	}

	s.metrics.AgentsRegistered.Inc()
	s.logger.Info("agent registered", "agent_id", agent.AgentID, "display_name", agent.DisplayName)
	return agent, nil
}

// Agent fetches one agent by id.
func (s *Service) Agent(ctx context.Context, agentID string) (*Agent, error) {
	return s.store.Get(ctx, agentID)
}

// Agents lists the registry.
func (s *Service) Agents(ctx context.Context) ([]*Agent, error) {
	return s.store.List(ctx)
}

// VerifyResult is the verdict on a presented token. When Valid is false
// the payload is never disclosed.
type VerifyResult struct {
	Valid   bool            `json:"valid"`
	AgentID string          `json:"agent_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VerifyToken checks a compact envelope: structural decode, kid lookup,
// Ed25519 signature over the signing input. Unknown kid, malformed
// structure and bad signatures all collapse into {valid:false}.
func (s *Service) VerifyToken(ctx context.Context, token string) VerifyResult {
	env, err := envelope.Decode(token)
	if err != nil {
		s.metrics.Verifications.WithLabelValues("malformed").Inc()
		return VerifyResult{Valid: false}
	}

	agent, err := s.store.Get(ctx, env.Header.Kid)
	if err != nil {
		s.metrics.Verifications.WithLabelValues("unknown_kid").Inc()
		return VerifyResult{Valid: false}
	}

	pub, err := envelope.ParsePublicKey(agent.PublicKey)
	if err != nil {
		// A stored key that fails to parse indicates registry corruption.
		s.logger.Error("stored public key is unparseable", "agent_id", agent.AgentID)
		s.metrics.Verifications.WithLabelValues("bad_key").Inc()
		return VerifyResult{Valid: false}
	}

	if !ed25519.Verify(pub, env.SigningInput, env.Signature) {
		s.metrics.Verifications.WithLabelValues("bad_signature").Inc()
		return VerifyResult{Valid: false}
	}

	s.metrics.Verifications.WithLabelValues("valid").Inc()
	return VerifyResult{Valid: true, AgentID: agent.AgentID, Payload: env.Payload}
}

func (s *Service) counters() map[string]interface{} {
	n, err := s.store.Count(context.Background())
	if err != nil {
		return map[string]interface{}{"agents": "unknown"}
	}
	return map[string]interface{}{"agents": n}
}
