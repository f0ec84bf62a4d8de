// Package identity is the cryptographic agent registry and the sole
// verifier of signed envelopes. Every other service delegates signature
// checks here; Identity itself depends on nothing downstream.
package identity

import (
	"context"
	"database/sql"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

// Agent is a registered participant.
type Agent struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key"`
	CreatedAt   string `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id     TEXT PRIMARY KEY,
    display_name TEXT NOT NULL UNIQUE,
    public_key   TEXT NOT NULL UNIQUE,
    created_at   TEXT NOT NULL
);
`

// Store persists agents.
type Store struct {
	db *store.DB
}

// NewStore migrates the schema and returns the store.
func NewStore(db *store.DB) (*Store, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Insert registers a new agent. A duplicate display name or public key
// fails with AGENT_EXISTS.
func (s *Store) Insert(ctx context.Context, a *Agent) error {
	return s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (agent_id, display_name, public_key, created_at) VALUES (?, ?, ?, ?)`,
			a.AgentID, a.DisplayName, a.PublicKey, a.CreatedAt,
		)
		if store.IsConstraint(err) {
			return httpapi.NewError(httpapi.CodeAgentExists, "an agent with this name or public key is already registered")
		}
		return err
	})
}

// Get fetches one agent; AGENT_NOT_FOUND when unknown.
func (s *Store) Get(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT agent_id, display_name, public_key, created_at FROM agents WHERE agent_id = ?`,
		agentID,
	).Scan(&a.AgentID, &a.DisplayName, &a.PublicKey, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeAgentNotFound, "agent not found")
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns all agents ordered by registration time.
func (s *Store) List(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT agent_id, display_name, public_key, created_at FROM agents ORDER BY created_at, agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.DisplayName, &a.PublicKey, &a.CreatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// Count returns the number of registered agents (health counters).
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}
