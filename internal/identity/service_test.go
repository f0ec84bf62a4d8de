package identity

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := NewStore(db)
	require.NoError(t, err)
	return New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterAssignsAgentID(t *testing.T) {
	svc := newTestService(t)
	pub, _, err := envelope.GenerateKey()
	require.NoError(t, err)

	agent, err := svc.Register(context.Background(), "alice", pub)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(agent.AgentID, "a-"))
	assert.Equal(t, "alice", agent.DisplayName)
	assert.NotEmpty(t, agent.CreatedAt)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	pub, _, err := envelope.GenerateKey()
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "", pub)
	require.Error(t, err)
	assert.Equal(t, httpapi.CodeMissingField, err.(*httpapi.Error).Code)

	_, err = svc.Register(context.Background(), strings.Repeat("x", 201), pub)
	require.Error(t, err)
	assert.Equal(t, httpapi.CodeInvalidPayload, err.(*httpapi.Error).Code)

	_, err = svc.Register(context.Background(), "bob", "not-a-key")
	require.Error(t, err)
	assert.Equal(t, httpapi.CodeInvalidPayload, err.(*httpapi.Error).Code)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	svc := newTestService(t)
	pub1, _, err := envelope.GenerateKey()
	require.NoError(t, err)
	pub2, _, err := envelope.GenerateKey()
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "alice", pub1)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "alice", pub2)
	require.Error(t, err)
	assert.Equal(t, httpapi.CodeAgentExists, err.(*httpapi.Error).Code)
}

func TestRegisterDuplicateKeyFails(t *testing.T) {
	svc := newTestService(t)
	pub, _, err := envelope.GenerateKey()
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "alice", pub)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "bob", pub)
	require.Error(t, err)
	assert.Equal(t, httpapi.CodeAgentExists, err.(*httpapi.Error).Code)
}

func TestAgentNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Agent(context.Background(), "a-missing")
	require.Error(t, err)
	assert.Equal(t, httpapi.CodeAgentNotFound, err.(*httpapi.Error).Code)
}

func TestVerifyTokenValid(t *testing.T) {
	svc := newTestService(t)
	pub, priv, err := envelope.GenerateKey()
	require.NoError(t, err)

	agent, err := svc.Register(context.Background(), "alice", pub)
	require.NoError(t, err)

	token, err := envelope.Sign(priv, agent.AgentID, map[string]interface{}{
		"action": "create_task", "task_id": "t-1",
	})
	require.NoError(t, err)

	result := svc.VerifyToken(context.Background(), token)
	assert.True(t, result.Valid)
	assert.Equal(t, agent.AgentID, result.AgentID)
	assert.Contains(t, string(result.Payload), "create_task")
}

func TestVerifyTokenUnknownKid(t *testing.T) {
	svc := newTestService(t)
	_, priv, err := envelope.GenerateKey()
	require.NoError(t, err)

	token, err := envelope.Sign(priv, "a-unknown", map[string]interface{}{"action": "x"})
	require.NoError(t, err)

	result := svc.VerifyToken(context.Background(), token)
	assert.False(t, result.Valid)
	assert.Empty(t, result.AgentID)
	assert.Nil(t, result.Payload)
}

func TestVerifyTokenWrongKey(t *testing.T) {
	svc := newTestService(t)
	pub, _, err := envelope.GenerateKey()
	require.NoError(t, err)
	_, otherPriv, err := envelope.GenerateKey()
	require.NoError(t, err)

	agent, err := svc.Register(context.Background(), "alice", pub)
	require.NoError(t, err)

	// Signed with a key the registry never saw for this kid.
	token, err := envelope.Sign(otherPriv, agent.AgentID, map[string]interface{}{"action": "x"})
	require.NoError(t, err)

	result := svc.VerifyToken(context.Background(), token)
	assert.False(t, result.Valid)
}

func TestVerifyTokenTamperedPayload(t *testing.T) {
	svc := newTestService(t)
	pub, priv, err := envelope.GenerateKey()
	require.NoError(t, err)

	agent, err := svc.Register(context.Background(), "alice", pub)
	require.NoError(t, err)

	token, err := envelope.Sign(priv, agent.AgentID, map[string]interface{}{"action": "credit", "amount": int64(1)})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"action":"credit","amount":999999}`))
	result := svc.VerifyToken(context.Background(), strings.Join(parts, "."))
	assert.False(t, result.Valid)
}

func TestVerifyTokenMalformed(t *testing.T) {
	svc := newTestService(t)
	result := svc.VerifyToken(context.Background(), "garbage")
	assert.False(t, result.Valid)
}
