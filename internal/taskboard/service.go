package taskboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agoranet/backend/internal/bank"
	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/events"
	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/store"
)

const (
	maxTitleLen  = 200
	maxSpecLen   = 10_000
	maxReasonLen = 10_000
)

// Service drives the task state machine.
type Service struct {
	store    *Store
	identity *identity.Client
	bank     *bank.Client
	signer   *envelope.Signer // platform agent
	hub      *events.Hub
	assets   *AssetStore
	logger   *slog.Logger
	metrics  *Metrics
}

// New wires the service. signer must hold the platform agent's key: Task
// Board emits platform-signed escrow releases for expiry, cancellation
// and approval.
func New(st *Store, idc *identity.Client, bankClient *bank.Client, signer *envelope.Signer, assets *AssetStore, hub *events.Hub, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		identity: idc,
		bank:     bankClient,
		signer:   signer,
		hub:      hub,
		assets:   assets,
		logger:   logger,
		metrics:  NewMetrics(),
	}
}

func (s *Service) isPlatform(agentID string) bool {
	return agentID == s.signer.AgentID
}

func validTaskID(taskID string) bool {
	if !strings.HasPrefix(taskID, "t-") {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(taskID, "t-"))
	return err == nil
}

// releaseEscrow issues a platform-signed release to the bank. A release
// that finds the escrow already resolved is treated as success: it means
// a previous attempt's credit landed before our commit did.
func (s *Service) releaseEscrow(ctx context.Context, escrowID, recipientID string) error {
	token, err := s.signer.Sign(map[string]interface{}{
		"action":               "escrow_release",
		"escrow_id":            escrowID,
		"recipient_account_id": recipientID,
	})
	if err != nil {
		return httpapi.NewError(httpapi.CodeInternal, "internal error")
	}
	if _, err := s.bank.EscrowRelease(ctx, escrowID, token); err != nil {
		var remote *bank.RemoteError
		if errors.As(err, &remote) && remote.Code == httpapi.CodeEscrowAlreadyResolved {
			return nil
		}
		return httpapi.NewError(httpapi.CodeBankUnavailable, "central bank is unavailable")
	}
	return nil
}

// CreateTask validates the paired envelopes, locks the escrow through the
// Central Bank, and records the task. If recording fails after the lock
// succeeded, the lock is compensated with a release back to the poster.
func (s *Service) CreateTask(ctx context.Context, taskToken, escrowToken string) (*Task, error) {
	taskEnv, err := envelope.Decode(taskToken)
	if err != nil {
		return nil, httpapi.NewError(httpapi.CodeInvalidJWS, "task_token is not a well-formed signed envelope")
	}
	escrowEnv, err := envelope.Decode(escrowToken)
	if err != nil {
		return nil, httpapi.NewError(httpapi.CodeInvalidJWS, "escrow_token is not a well-formed signed envelope")
	}
	signer, fields, herr := s.identity.Authenticate(ctx, taskToken, "create_task")
	if herr != nil {
		return nil, herr
	}

	posterID, herr := fields.String("poster_id")
	if herr != nil {
		return nil, herr
	}
	taskID, herr := fields.String("task_id")
	if herr != nil {
		return nil, herr
	}
	title, herr := fields.String("title")
	if herr != nil {
		return nil, herr
	}
	taskSpec, herr := fields.String("spec")
	if herr != nil {
		return nil, herr
	}
	reward, herr := fields.Int("reward")
	if herr != nil {
		return nil, herr
	}
	biddingSecs, herr := fields.Int("bidding_deadline_secs")
	if herr != nil {
		return nil, herr
	}
	executionSecs, herr := fields.Int("execution_deadline_secs")
	if herr != nil {
		return nil, herr
	}
	reviewSecs, herr := fields.Int("review_deadline_secs")
	if herr != nil {
		return nil, herr
	}

	if signer != posterID {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "signer must be the task poster")
	}

	// Structural cross-validation of the escrow envelope. Its signature is
	// verified by the Central Bank when the token is relayed.
	var escrowFields envelope.Fields
	if err := json.Unmarshal(escrowEnv.Payload, &escrowFields); err != nil {
		return nil, httpapi.NewError(httpapi.CodeInvalidPayload, "escrow_token payload must be a JSON object")
	}
	escrowAction, herr := escrowFields.String("action")
	if herr != nil || escrowAction != "escrow_lock" {
		return nil, httpapi.NewError(httpapi.CodeInvalidPayload, `escrow_token action must be "escrow_lock"`)
	}
	escrowTaskID, herr := escrowFields.String("task_id")
	if herr != nil {
		return nil, herr
	}
	escrowAmount, herr := escrowFields.Int("amount")
	if herr != nil {
		return nil, herr
	}
	if taskEnv.Header.Kid != escrowEnv.Header.Kid {
		return nil, httpapi.NewError(httpapi.CodeTokenMismatch, "task_token and escrow_token must be signed by the same agent")
	}
	if escrowTaskID != taskID {
		return nil, httpapi.NewError(httpapi.CodeTokenMismatch, "escrow_token task_id does not match the task")
	}
	if escrowAmount != reward {
		return nil, httpapi.NewError(httpapi.CodeTokenMismatch, "escrow_token amount does not match the reward")
	}

	if !validTaskID(taskID) {
		return nil, httpapi.NewError(httpapi.CodeInvalidTaskID, "task_id must be t-<uuid4>")
	}
	if reward <= 0 {
		return nil, httpapi.NewError(httpapi.CodeInvalidReward, "reward must be positive")
	}
	if title == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "title is required")
	}
	if len(title) > maxTitleLen {
		return nil, httpapi.Errorf(httpapi.CodeTitleTooLong, "title exceeds %d characters", maxTitleLen)
	}
	if taskSpec == "" || len(taskSpec) > maxSpecLen {
		return nil, httpapi.Errorf(httpapi.CodeInvalidPayload, "spec must be 1..%d characters", maxSpecLen)
	}
	if biddingSecs <= 0 || executionSecs <= 0 || reviewSecs <= 0 {
		return nil, httpapi.NewError(httpapi.CodeInvalidDeadline, "all three deadlines must be positive")
	}

	if _, err := s.store.GetTask(ctx, taskID); err == nil {
		return nil, httpapi.NewError(httpapi.CodeTaskAlreadyExists, "a task with this task_id already exists")
	} else if herr, ok := err.(*httpapi.Error); !ok || herr.Code != httpapi.CodeTaskNotFound {
		return nil, err
	}

	lock, err := s.bank.EscrowLock(ctx, escrowToken)
	if err != nil {
		var remote *bank.RemoteError
		if errors.As(err, &remote) {
			return nil, httpapi.NewError(remote.Code, remote.Message)
		}
		return nil, httpapi.NewError(httpapi.CodeBankUnavailable, "central bank is unavailable")
	}

	task := &Task{
		TaskID:                taskID,
		PosterID:              posterID,
		Title:                 title,
		Spec:                  taskSpec,
		Reward:                reward,
		BiddingDeadlineSecs:   biddingSecs,
		ExecutionDeadlineSecs: executionSecs,
		ReviewDeadlineSecs:    reviewSecs,
		EscrowID:              lock.Escrow.EscrowID,
		Status:                StatusOpen,
		CreatedAt:             store.NowISO(),
	}
	err = s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (task_id, poster_id, title, spec, reward,
			   bidding_deadline_secs, execution_deadline_secs, review_deadline_secs,
			   escrow_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.TaskID, task.PosterID, task.Title, task.Spec, task.Reward,
			task.BiddingDeadlineSecs, task.ExecutionDeadlineSecs, task.ReviewDeadlineSecs,
			task.EscrowID, task.Status, task.CreatedAt)
		if store.IsConstraint(err) {
			return httpapi.NewError(httpapi.CodeTaskAlreadyExists, "a task with this task_id already exists")
		}
		return err
	})
	if err != nil {
		// Compensate the lock we just took; the poster must not lose funds
		// to a task that was never recorded.
		if rerr := s.releaseEscrow(ctx, lock.Escrow.EscrowID, posterID); rerr != nil {
			s.logger.Error("compensating escrow release failed",
				"escrow_id", lock.Escrow.EscrowID, "task_id", taskID, "error", rerr)
		}
		return nil, err
	}

	task.computeDeadlines()
	s.metrics.Transitions.WithLabelValues("none", StatusOpen).Inc()
	s.hub.Publish("task.created", task)
	s.logger.Info("task created", "task_id", taskID, "poster", posterID, "reward", reward)
	return task, nil
}

// Refresh applies lazy deadline evaluation: if the task's governing
// deadline has passed, the transition and its escrow side-effect run
// inline and the updated task is returned. When the Central Bank is
// unreachable the stored task is returned unchanged; the next read
// retries.
func (s *Service) Refresh(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, pending := task.pendingExpiry(time.Now().UTC()); !pending {
		return task, nil
	}

	var refreshed *Task
	err = s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		current, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		target, pending := current.pendingExpiry(time.Now().UTC())
		if !pending {
			refreshed = current
			return nil
		}

		recipient := current.PosterID
		if target == StatusApproved {
			// Review window elapsed: the deliverable stands approved and the
			// escrow goes to the worker.
			recipient = *current.WorkerID
		}
		if err := s.releaseEscrow(ctx, current.EscrowID, recipient); err != nil {
			return err
		}

		closedAt := store.NowISO()
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, closed_at = ? WHERE task_id = ?`,
			target, closedAt, taskID); err != nil {
			return err
		}
		from := current.Status
		current.Status = target
		current.ClosedAt = &closedAt
		refreshed = current

		s.metrics.Transitions.WithLabelValues(from, target).Inc()
		return nil
	})
	if err != nil {
		if herr, ok := err.(*httpapi.Error); ok && herr.Code == httpapi.CodeBankUnavailable {
			s.logger.Warn("deadline transition deferred: central bank unavailable", "task_id", taskID)
			return task, nil
		}
		return nil, err
	}
	if refreshed.Status != task.Status {
		s.hub.Publish("task."+refreshed.Status, refreshed)
		s.logger.Info("deadline transition applied", "task_id", taskID, "status", refreshed.Status)
	}
	return refreshed, nil
}

// mutate runs fn inside a write transaction against the refreshed task.
// Tasks whose deadline has passed but whose transition could not yet be
// applied refuse mutation.
func (s *Service) mutate(ctx context.Context, taskID string, fn func(tx *sql.Tx, task *Task) error) (*Task, error) {
	if _, err := s.Refresh(ctx, taskID); err != nil {
		return nil, err
	}

	var out *Task
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, pending := task.pendingExpiry(time.Now().UTC()); pending {
			return httpapi.NewError(httpapi.CodeInvalidStatus, "task deadline has passed")
		}
		if err := fn(tx, task); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel withdraws an open task and refunds the escrow to the poster.
func (s *Service) Cancel(ctx context.Context, signerID, taskID string) (*Task, error) {
	task, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if signerID != task.PosterID {
			return httpapi.NewError(httpapi.CodeForbidden, "only the poster may cancel a task")
		}
		if task.Status != StatusOpen {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not open", task.Status)
		}
		if err := s.releaseEscrow(ctx, task.EscrowID, task.PosterID); err != nil {
			return err
		}
		closedAt := store.NowISO()
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, closed_at = ? WHERE task_id = ?`,
			StatusCancelled, closedAt, taskID); err != nil {
			return err
		}
		task.Status = StatusCancelled
		task.ClosedAt = &closedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(StatusOpen, StatusCancelled).Inc()
	s.hub.Publish("task.cancelled", task)
	return task, nil
}

// SubmitBid places a sealed bid during the open phase.
func (s *Service) SubmitBid(ctx context.Context, signerID, taskID string, amount int64) (*Bid, error) {
	if amount <= 0 {
		return nil, httpapi.NewError(httpapi.CodeInvalidAmount, "amount must be positive")
	}

	bid := &Bid{
		BidID:       "bid-" + uuid.NewString(),
		TaskID:      taskID,
		BidderID:    signerID,
		Amount:      amount,
		SubmittedAt: store.NowISO(),
	}
	_, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if signerID == task.PosterID {
			return httpapi.NewError(httpapi.CodeSelfBid, "the poster may not bid on their own task")
		}
		if task.Status != StatusOpen {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not open", task.Status)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bids (bid_id, task_id, bidder_id, amount, submitted_at) VALUES (?, ?, ?, ?, ?)`,
			bid.BidID, bid.TaskID, bid.BidderID, bid.Amount, bid.SubmittedAt)
		if store.IsConstraint(err) {
			return httpapi.NewError(httpapi.CodeBidAlreadyExists, "this agent has already bid on this task")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Bids.Inc()
	s.hub.Publish("bid.submitted", map[string]string{"task_id": taskID, "bid_id": bid.BidID})
	return bid, nil
}

// Bids lists a task's bids. Bidding is sealed while the task is open:
// only the poster (or the platform) may look.
func (s *Service) Bids(ctx context.Context, requesterID, taskID string) ([]*Bid, error) {
	task, err := s.Refresh(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == StatusOpen && requesterID != task.PosterID && !s.isPlatform(requesterID) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "bids are sealed while the task is open")
	}
	return s.store.ListBids(ctx, taskID)
}

// AcceptBid assigns the bidder as the task's worker.
func (s *Service) AcceptBid(ctx context.Context, signerID, taskID, bidID string) (*Task, error) {
	task, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if signerID != task.PosterID {
			return httpapi.NewError(httpapi.CodeForbidden, "only the poster may accept a bid")
		}
		if task.Status != StatusOpen {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not open", task.Status)
		}
		bid, err := s.store.GetBid(ctx, taskID, bidID)
		if err != nil {
			return err
		}
		acceptedAt := store.NowISO()
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, worker_id = ?, accepted_bid_id = ?, accepted_at = ? WHERE task_id = ?`,
			StatusAccepted, bid.BidderID, bid.BidID, acceptedAt, taskID); err != nil {
			return err
		}
		task.Status = StatusAccepted
		task.WorkerID = &bid.BidderID
		task.AcceptedBidID = &bid.BidID
		task.AcceptedAt = &acceptedAt
		task.computeDeadlines()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(StatusOpen, StatusAccepted).Inc()
	s.hub.Publish("task.accepted", task)
	return task, nil
}

// SubmitDeliverable moves an accepted task with at least one uploaded
// asset to submitted.
func (s *Service) SubmitDeliverable(ctx context.Context, signerID, taskID string) (*Task, error) {
	task, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if task.WorkerID == nil || signerID != *task.WorkerID {
			return httpapi.NewError(httpapi.CodeForbidden, "only the assigned worker may submit the deliverable")
		}
		if task.Status != StatusAccepted {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not accepted", task.Status)
		}
		n, err := countAssetsTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if n == 0 {
			return httpapi.NewError(httpapi.CodeNoAssets, "at least one asset must be uploaded before submitting")
		}
		submittedAt := store.NowISO()
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, submitted_at = ? WHERE task_id = ?`,
			StatusSubmitted, submittedAt, taskID); err != nil {
			return err
		}
		task.Status = StatusSubmitted
		task.SubmittedAt = &submittedAt
		task.computeDeadlines()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(StatusAccepted, StatusSubmitted).Inc()
	s.hub.Publish("task.submitted", task)
	return task, nil
}

// Approve accepts the deliverable and releases the escrow to the worker.
func (s *Service) Approve(ctx context.Context, signerID, taskID string) (*Task, error) {
	task, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if signerID != task.PosterID {
			return httpapi.NewError(httpapi.CodeForbidden, "only the poster may approve the deliverable")
		}
		if task.Status != StatusSubmitted {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not submitted", task.Status)
		}
		if err := s.releaseEscrow(ctx, task.EscrowID, *task.WorkerID); err != nil {
			return err
		}
		closedAt := store.NowISO()
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, closed_at = ? WHERE task_id = ?`,
			StatusApproved, closedAt, taskID); err != nil {
			return err
		}
		task.Status = StatusApproved
		task.ClosedAt = &closedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(StatusSubmitted, StatusApproved).Inc()
	s.hub.Publish("task.approved", task)
	return task, nil
}

// Dispute contests a submitted deliverable. The escrow stays locked until
// the Court rules.
func (s *Service) Dispute(ctx context.Context, signerID, taskID, reason string) (*Task, error) {
	if reason == "" || len(reason) > maxReasonLen {
		return nil, httpapi.Errorf(httpapi.CodeInvalidReason, "reason must be 1..%d characters", maxReasonLen)
	}
	task, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if signerID != task.PosterID {
			return httpapi.NewError(httpapi.CodeForbidden, "only the poster may dispute the deliverable")
		}
		if task.Status != StatusSubmitted {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not submitted", task.Status)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, dispute_reason = ? WHERE task_id = ?`,
			StatusDisputed, reason, taskID); err != nil {
			return err
		}
		task.Status = StatusDisputed
		task.DisputeReason = &reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(StatusSubmitted, StatusDisputed).Inc()
	s.hub.Publish("task.disputed", task)
	return task, nil
}

// RecordRuling stores the Court's binding ruling on a disputed task. The
// escrow has already been resolved by the Court's settlement; this
// transition only records the outcome.
func (s *Service) RecordRuling(ctx context.Context, signerID, taskID, rulingID string, workerPct int64, summary string) (*Task, error) {
	if !s.isPlatform(signerID) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the platform may record a ruling")
	}
	if workerPct < 0 || workerPct > 100 {
		return nil, httpapi.NewError(httpapi.CodeInvalidWorkerPct, "worker_pct must be between 0 and 100")
	}
	if rulingID == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "ruling_id is required")
	}

	task, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if task.Status != StatusDisputed {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not disputed", task.Status)
		}
		closedAt := store.NowISO()
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, ruling_id = ?, worker_pct = ?, ruling_summary = ?, closed_at = ?
			  WHERE task_id = ?`,
			StatusRuled, rulingID, workerPct, summary, closedAt, taskID); err != nil {
			return err
		}
		task.Status = StatusRuled
		task.RulingID = &rulingID
		task.WorkerPct = &workerPct
		task.RulingSummary = &summary
		task.ClosedAt = &closedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(StatusDisputed, StatusRuled).Inc()
	s.hub.Publish("task.ruled", task)
	return task, nil
}

// Tasks lists tasks after refreshing any whose deadline has passed. A
// task whose refresh moved it out of the requested status is dropped
// rather than returned under the wrong filter.
func (s *Service) Tasks(ctx context.Context, status string) ([]*Task, error) {
	tasks, err := s.store.ListTasks(ctx, status)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := tasks[:0]
	for _, t := range tasks {
		if _, pending := t.pendingExpiry(now); pending {
			if refreshed, err := s.Refresh(ctx, t.TaskID); err == nil {
				t = refreshed
			}
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
