// Package court records disputes over submitted deliverables and drives
// them to a binding ruling. A ruling fans out to the Central Bank, the
// reputation recorder and the Task Board; the dispute only commits as
// ruled once every downstream effect has succeeded.
package court

import (
	"context"
	"database/sql"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

// Dispute statuses. judging is transient: it is only observable while a
// ruling is in flight.
const (
	StatusRebuttalPending = "rebuttal_pending"
	StatusJudging         = "judging"
	StatusRuled           = "ruled"
)

// Dispute is one contested task.
type Dispute struct {
	DisputeID        string  `json:"dispute_id"`
	TaskID           string  `json:"task_id"`
	ClaimantID       string  `json:"claimant_id"`
	RespondentID     string  `json:"respondent_id"`
	Claim            string  `json:"claim"`
	Rebuttal         *string `json:"rebuttal"`
	Status           string  `json:"status"`
	FiledAt          string  `json:"filed_at"`
	RebuttalDeadline string  `json:"rebuttal_deadline"`
	RebuttalAt       *string `json:"rebuttal_at"`
	WorkerPct        *int64  `json:"worker_pct"`
	RulingSummary    *string `json:"ruling_summary"`
	RuledAt          *string `json:"ruled_at"`
}

// Vote is one judge's normalized verdict.
type Vote struct {
	VoteID    string `json:"vote_id"`
	DisputeID string `json:"dispute_id"`
	JudgeID   string `json:"judge_id"`
	WorkerPct int64  `json:"worker_pct"`
	Reasoning string `json:"reasoning"`
	VotedAt   string `json:"voted_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS disputes (
    dispute_id        TEXT PRIMARY KEY,
    task_id           TEXT NOT NULL UNIQUE,
    claimant_id       TEXT NOT NULL,
    respondent_id     TEXT NOT NULL,
    claim             TEXT NOT NULL,
    rebuttal          TEXT,
    status            TEXT NOT NULL,
    filed_at          TEXT NOT NULL,
    rebuttal_deadline TEXT NOT NULL,
    rebuttal_at       TEXT,
    worker_pct        INTEGER,
    ruling_summary    TEXT,
    ruled_at          TEXT
);

CREATE TABLE IF NOT EXISTS votes (
    vote_id    TEXT PRIMARY KEY,
    dispute_id TEXT NOT NULL REFERENCES disputes(dispute_id),
    judge_id   TEXT NOT NULL,
    worker_pct INTEGER NOT NULL,
    reasoning  TEXT NOT NULL,
    voted_at   TEXT NOT NULL,
    UNIQUE (dispute_id, judge_id)
);
`

// Store persists disputes and votes.
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

const disputeColumns = `dispute_id, task_id, claimant_id, respondent_id, claim, rebuttal,
	status, filed_at, rebuttal_deadline, rebuttal_at, worker_pct, ruling_summary, ruled_at`

func scanDispute(scan func(dest ...interface{}) error) (*Dispute, error) {
	var d Dispute
	err := scan(
		&d.DisputeID, &d.TaskID, &d.ClaimantID, &d.RespondentID, &d.Claim, &d.Rebuttal,
		&d.Status, &d.FiledAt, &d.RebuttalDeadline, &d.RebuttalAt, &d.WorkerPct, &d.RulingSummary, &d.RuledAt,
	)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeDisputeNotFound, "dispute not found")
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDispute fetches one dispute by id.
func (s *Store) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	row := s.db.SQL().QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE dispute_id = ?`, disputeID)
	return scanDispute(row.Scan)
}

func getDisputeTx(ctx context.Context, tx *sql.Tx, disputeID string) (*Dispute, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE dispute_id = ?`, disputeID)
	return scanDispute(row.Scan)
}

// GetDisputeByTask fetches the dispute filed for a task.
func (s *Store) GetDisputeByTask(ctx context.Context, taskID string) (*Dispute, error) {
	row := s.db.SQL().QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE task_id = ?`, taskID)
	return scanDispute(row.Scan)
}

// ListDisputes returns all disputes, newest first.
func (s *Store) ListDisputes(ctx context.Context, status string) ([]*Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY filed_at DESC, dispute_id`

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	disputes := make([]*Dispute, 0)
	for rows.Next() {
		d, err := scanDispute(rows.Scan)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// ListVotes returns a dispute's votes in judge order.
func (s *Store) ListVotes(ctx context.Context, disputeID string) ([]*Vote, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT vote_id, dispute_id, judge_id, worker_pct, reasoning, voted_at
		   FROM votes WHERE dispute_id = ? ORDER BY voted_at, vote_id`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	votes := make([]*Vote, 0)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.VoteID, &v.DisputeID, &v.JudgeID, &v.WorkerPct, &v.Reasoning, &v.VotedAt); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

// Counters feeds the health endpoint.
func (s *Store) Counters(ctx context.Context) map[string]interface{} {
	counters := map[string]interface{}{}
	var n int64
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes`).Scan(&n); err == nil {
		counters["disputes"] = n
	}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes WHERE status = 'ruled'`).Scan(&n); err == nil {
		counters["ruled_disputes"] = n
	}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM votes`).Scan(&n); err == nil {
		counters["votes"] = n
	}
	return counters
}
