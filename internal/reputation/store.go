// Package reputation records categorical feedback between agents. It is
// a thin trust-plane recorder: it validates shape and uniqueness but does
// not verify that the referenced task or agents exist.
package reputation

import (
	"context"
	"database/sql"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

// Feedback categories.
const (
	CategoryDeliveryQuality = "delivery_quality"
	CategorySpecQuality     = "spec_quality"
)

// Feedback ratings.
const (
	RatingExtremelySatisfied = "extremely_satisfied"
	RatingSatisfied          = "satisfied"
	RatingDissatisfied       = "dissatisfied"
)

// ValidCategory reports whether c is a known feedback category.
func ValidCategory(c string) bool {
	return c == CategoryDeliveryQuality || c == CategorySpecQuality
}

// ValidRating reports whether r is a known rating.
func ValidRating(r string) bool {
	switch r {
	case RatingExtremelySatisfied, RatingSatisfied, RatingDissatisfied:
		return true
	}
	return false
}

// Feedback is one recorded rating.
type Feedback struct {
	FeedbackID  string `json:"feedback_id"`
	TaskID      string `json:"task_id"`
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Category    string `json:"category"`
	Rating      string `json:"rating"`
	Comment     string `json:"comment"`
	CreatedAt   string `json:"created_at"`
}

// Summary aggregates an agent's received feedback per rating.
type Summary struct {
	AgentID            string `json:"agent_id"`
	Total              int64  `json:"total"`
	ExtremelySatisfied int64  `json:"extremely_satisfied"`
	Satisfied          int64  `json:"satisfied"`
	Dissatisfied       int64  `json:"dissatisfied"`
}

const schema = `
CREATE TABLE IF NOT EXISTS feedback (
    feedback_id   TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL,
    from_agent_id TEXT NOT NULL,
    to_agent_id   TEXT NOT NULL,
    category      TEXT NOT NULL,
    rating        TEXT NOT NULL,
    comment       TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    UNIQUE (task_id, category)
);
CREATE INDEX IF NOT EXISTS idx_feedback_to_agent ON feedback (to_agent_id);
`

// Store persists feedback rows.
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

const feedbackColumns = `feedback_id, task_id, from_agent_id, to_agent_id, category, rating, comment, created_at`

// Insert records one feedback row. A duplicate (task_id, category) pair
// fails FEEDBACK_EXISTS.
func (s *Store) Insert(ctx context.Context, fb *Feedback) error {
	return s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feedback (`+feedbackColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fb.FeedbackID, fb.TaskID, fb.FromAgentID, fb.ToAgentID, fb.Category, fb.Rating, fb.Comment, fb.CreatedAt)
		if store.IsConstraint(err) {
			return httpapi.NewError(httpapi.CodeFeedbackExists, "feedback for this task and category already exists")
		}
		return err
	})
}

// Get fetches one feedback row by id.
func (s *Store) Get(ctx context.Context, feedbackID string) (*Feedback, error) {
	var fb Feedback
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback WHERE feedback_id = ?`, feedbackID,
	).Scan(&fb.FeedbackID, &fb.TaskID, &fb.FromAgentID, &fb.ToAgentID, &fb.Category, &fb.Rating, &fb.Comment, &fb.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeFeedbackNotFound, "feedback not found")
	}
	if err != nil {
		return nil, err
	}
	return &fb, nil
}

// ListForAgent returns the feedback an agent has received, newest first.
func (s *Store) ListForAgent(ctx context.Context, agentID string) ([]*Feedback, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback WHERE to_agent_id = ? ORDER BY created_at DESC, feedback_id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]*Feedback, 0)
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.FeedbackID, &fb.TaskID, &fb.FromAgentID, &fb.ToAgentID, &fb.Category, &fb.Rating, &fb.Comment, &fb.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &fb)
	}
	return list, rows.Err()
}

// Summarize aggregates an agent's received ratings.
func (s *Store) Summarize(ctx context.Context, agentID string) (*Summary, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT rating, COUNT(*) FROM feedback WHERE to_agent_id = ? GROUP BY rating`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &Summary{AgentID: agentID}
	for rows.Next() {
		var rating string
		var n int64
		if err := rows.Scan(&rating, &n); err != nil {
			return nil, err
		}
		summary.Total += n
		switch rating {
		case RatingExtremelySatisfied:
			summary.ExtremelySatisfied = n
		case RatingSatisfied:
			summary.Satisfied = n
		case RatingDissatisfied:
			summary.Dissatisfied = n
		}
	}
	return summary, rows.Err()
}

// Counters feeds the health endpoint.
func (s *Store) Counters(ctx context.Context) map[string]interface{} {
	counters := map[string]interface{}{}
	var n int64
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n); err == nil {
		counters["feedback"] = n
	}
	return counters
}
