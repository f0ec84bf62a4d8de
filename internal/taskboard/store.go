// Package taskboard owns the task lifecycle state machine: sealed
// bidding, deliverable assets, lazy deadline enforcement, and the escrow
// side-effects that accompany every terminal transition.
package taskboard

import (
	"context"
	"database/sql"
	"time"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

// Task statuses.
const (
	StatusOpen      = "open"
	StatusAccepted  = "accepted"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusDisputed  = "disputed"
	StatusRuled     = "ruled"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// IsTerminal reports whether a status permits no further mutation.
func IsTerminal(status string) bool {
	switch status {
	case StatusApproved, StatusCancelled, StatusExpired, StatusRuled:
		return true
	}
	return false
}

// Task is the unit of work. Deadlines are persisted as durations from
// their anchor timestamps; the wall-clock deadlines in the JSON view are
// recomputed on every read.
type Task struct {
	TaskID                string  `json:"task_id"`
	PosterID              string  `json:"poster_id"`
	Title                 string  `json:"title"`
	Spec                  string  `json:"spec"`
	Reward                int64   `json:"reward"`
	BiddingDeadlineSecs   int64   `json:"bidding_deadline_secs"`
	ExecutionDeadlineSecs int64   `json:"execution_deadline_secs"`
	ReviewDeadlineSecs    int64   `json:"review_deadline_secs"`
	EscrowID              string  `json:"escrow_id"`
	WorkerID              *string `json:"worker_id"`
	AcceptedBidID         *string `json:"accepted_bid_id"`
	Status                string  `json:"status"`
	CreatedAt             string  `json:"created_at"`
	AcceptedAt            *string `json:"accepted_at"`
	SubmittedAt           *string `json:"submitted_at"`
	ClosedAt              *string `json:"closed_at"`
	DisputeReason         *string `json:"dispute_reason"`
	RulingID              *string `json:"ruling_id"`
	WorkerPct             *int64  `json:"worker_pct"`
	RulingSummary         *string `json:"ruling_summary"`

	// Computed deadlines, never persisted.
	BiddingDeadline   string  `json:"bidding_deadline"`
	ExecutionDeadline *string `json:"execution_deadline"`
	ReviewDeadline    *string `json:"review_deadline"`
}

// Bid is a sealed offer during a task's open phase.
type Bid struct {
	BidID       string `json:"bid_id"`
	TaskID      string `json:"task_id"`
	BidderID    string `json:"bidder_id"`
	Amount      int64  `json:"amount"`
	SubmittedAt string `json:"submitted_at"`
}

// Asset is an immutable deliverable blob uploaded by the worker.
type Asset struct {
	AssetID     string `json:"asset_id"`
	TaskID      string `json:"task_id"`
	UploaderID  string `json:"uploader_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	UploadedAt  string `json:"uploaded_at"`
	StoragePath string `json:"-"`
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id                 TEXT PRIMARY KEY,
    poster_id               TEXT NOT NULL,
    title                   TEXT NOT NULL,
    spec                    TEXT NOT NULL,
    reward                  INTEGER NOT NULL CHECK (reward > 0),
    bidding_deadline_secs   INTEGER NOT NULL CHECK (bidding_deadline_secs > 0),
    execution_deadline_secs INTEGER NOT NULL CHECK (execution_deadline_secs > 0),
    review_deadline_secs    INTEGER NOT NULL CHECK (review_deadline_secs > 0),
    escrow_id               TEXT NOT NULL,
    worker_id               TEXT,
    accepted_bid_id         TEXT,
    status                  TEXT NOT NULL,
    created_at              TEXT NOT NULL,
    accepted_at             TEXT,
    submitted_at            TEXT,
    closed_at               TEXT,
    dispute_reason          TEXT,
    ruling_id               TEXT,
    worker_pct              INTEGER,
    ruling_summary          TEXT
);

CREATE TABLE IF NOT EXISTS bids (
    bid_id       TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES tasks(task_id),
    bidder_id    TEXT NOT NULL,
    amount       INTEGER NOT NULL CHECK (amount > 0),
    submitted_at TEXT NOT NULL,
    UNIQUE (task_id, bidder_id)
);

CREATE TABLE IF NOT EXISTS assets (
    asset_id     TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES tasks(task_id),
    uploader_id  TEXT NOT NULL,
    filename     TEXT NOT NULL,
    content_type TEXT NOT NULL,
    size         INTEGER NOT NULL,
    sha256       TEXT NOT NULL,
    uploaded_at  TEXT NOT NULL,
    storage_path TEXT NOT NULL
);
`

// Store persists tasks, bids and asset metadata.
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

const taskColumns = `task_id, poster_id, title, spec, reward,
	bidding_deadline_secs, execution_deadline_secs, review_deadline_secs,
	escrow_id, worker_id, accepted_bid_id, status, created_at, accepted_at,
	submitted_at, closed_at, dispute_reason, ruling_id, worker_pct, ruling_summary`

func scanTask(scan func(dest ...interface{}) error) (*Task, error) {
	var t Task
	err := scan(
		&t.TaskID, &t.PosterID, &t.Title, &t.Spec, &t.Reward,
		&t.BiddingDeadlineSecs, &t.ExecutionDeadlineSecs, &t.ReviewDeadlineSecs,
		&t.EscrowID, &t.WorkerID, &t.AcceptedBidID, &t.Status, &t.CreatedAt, &t.AcceptedAt,
		&t.SubmittedAt, &t.ClosedAt, &t.DisputeReason, &t.RulingID, &t.WorkerPct, &t.RulingSummary,
	)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeTaskNotFound, "task not found")
	}
	if err != nil {
		return nil, err
	}
	t.computeDeadlines()
	return &t, nil
}

// computeDeadlines fills the derived wall-clock deadline fields.
func (t *Task) computeDeadlines() {
	if created, err := store.ParseISO(t.CreatedAt); err == nil {
		t.BiddingDeadline = created.Add(time.Duration(t.BiddingDeadlineSecs) * time.Second).Format(time.RFC3339Nano)
	}
	if t.AcceptedAt != nil {
		if accepted, err := store.ParseISO(*t.AcceptedAt); err == nil {
			d := accepted.Add(time.Duration(t.ExecutionDeadlineSecs) * time.Second).Format(time.RFC3339Nano)
			t.ExecutionDeadline = &d
		}
	}
	if t.SubmittedAt != nil {
		if submitted, err := store.ParseISO(*t.SubmittedAt); err == nil {
			d := submitted.Add(time.Duration(t.ReviewDeadlineSecs) * time.Second).Format(time.RFC3339Nano)
			t.ReviewDeadline = &d
		}
	}
}

// pendingExpiry reports whether the deadline governing the current
// status has elapsed at now, and which transition applies.
func (t *Task) pendingExpiry(now time.Time) (string, bool) {
	anchorFor := func(ts string, secs int64) (time.Time, bool) {
		anchor, err := store.ParseISO(ts)
		if err != nil {
			return time.Time{}, false
		}
		return anchor.Add(time.Duration(secs) * time.Second), true
	}
	switch t.Status {
	case StatusOpen:
		if deadline, ok := anchorFor(t.CreatedAt, t.BiddingDeadlineSecs); ok && now.After(deadline) {
			return StatusExpired, true
		}
	case StatusAccepted:
		if t.AcceptedAt != nil {
			if deadline, ok := anchorFor(*t.AcceptedAt, t.ExecutionDeadlineSecs); ok && now.After(deadline) {
				return StatusExpired, true
			}
		}
	case StatusSubmitted:
		if t.SubmittedAt != nil {
			if deadline, ok := anchorFor(*t.SubmittedAt, t.ReviewDeadlineSecs); ok && now.After(deadline) {
				return StatusApproved, true
			}
		}
	}
	return "", false
}

// GetTask reads one task without deadline evaluation.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.SQL().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row.Scan)
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row.Scan)
}

// ListTasks returns all tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, status string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, task_id`

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListBids returns a task's bids in submission order.
func (s *Store) ListBids(ctx context.Context, taskID string) ([]*Bid, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT bid_id, task_id, bidder_id, amount, submitted_at
		   FROM bids WHERE task_id = ? ORDER BY submitted_at, bid_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bids := make([]*Bid, 0)
	for rows.Next() {
		var b Bid
		if err := rows.Scan(&b.BidID, &b.TaskID, &b.BidderID, &b.Amount, &b.SubmittedAt); err != nil {
			return nil, err
		}
		bids = append(bids, &b)
	}
	return bids, rows.Err()
}

// GetBid fetches one bid on a task.
func (s *Store) GetBid(ctx context.Context, taskID, bidID string) (*Bid, error) {
	var b Bid
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT bid_id, task_id, bidder_id, amount, submitted_at
		   FROM bids WHERE task_id = ? AND bid_id = ?`, taskID, bidID,
	).Scan(&b.BidID, &b.TaskID, &b.BidderID, &b.Amount, &b.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeBidNotFound, "bid not found for this task")
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListAssets returns a task's asset metadata in upload order.
func (s *Store) ListAssets(ctx context.Context, taskID string) ([]*Asset, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT asset_id, task_id, uploader_id, filename, content_type, size, sha256, uploaded_at, storage_path
		   FROM assets WHERE task_id = ? ORDER BY uploaded_at, asset_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assets := make([]*Asset, 0)
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.AssetID, &a.TaskID, &a.UploaderID, &a.Filename, &a.ContentType, &a.Size, &a.SHA256, &a.UploadedAt, &a.StoragePath); err != nil {
			return nil, err
		}
		assets = append(assets, &a)
	}
	return assets, rows.Err()
}

// GetAsset fetches one asset on a task.
func (s *Store) GetAsset(ctx context.Context, taskID, assetID string) (*Asset, error) {
	var a Asset
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT asset_id, task_id, uploader_id, filename, content_type, size, sha256, uploaded_at, storage_path
		   FROM assets WHERE task_id = ? AND asset_id = ?`, taskID, assetID,
	).Scan(&a.AssetID, &a.TaskID, &a.UploaderID, &a.Filename, &a.ContentType, &a.Size, &a.SHA256, &a.UploadedAt, &a.StoragePath)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeAssetNotFound, "asset not found for this task")
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func countAssetsTx(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

// Counters feeds the health endpoint.
func (s *Store) Counters(ctx context.Context) map[string]interface{} {
	counters := map[string]interface{}{}
	var n int64
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err == nil {
		counters["tasks"] = n
	}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'open'`).Scan(&n); err == nil {
		counters["open_tasks"] = n
	}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM bids`).Scan(&n); err == nil {
		counters["bids"] = n
	}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n); err == nil {
		counters["assets"] = n
	}
	return counters
}
