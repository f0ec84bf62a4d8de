package court

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agoranet/backend/internal/bank"
	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/reputation"
	"github.com/agoranet/backend/internal/store"
	"github.com/agoranet/backend/internal/taskboard"
)

const maxClaimLen = 10_000

// Service orchestrates disputes.
type Service struct {
	store        *Store
	identity     *identity.Client
	bank         *bank.Client
	taskboard    *taskboard.Client
	reputation   *reputation.Client
	signer       *envelope.Signer // platform agent
	judges       []Judge
	rebuttalSecs int64
	logger       *slog.Logger
	metrics      *Metrics
}

/// New wires the service. The signer holds the platform key: every
// settlement effect (split, feedback, record_ruling) is platform-signed.
func New(st *Store, idc *identity.Client, bankClient *bank.Client, tbClient *taskboard.Client, repClient *reputation.Client, signer *envelope.Signer, judges []Judge, rebuttalSecs int64, logger *slog.Logger) *Service {
	if rebuttalSecs <= 0 {
		rebuttalSecs = 24 * 60 * 60
	}
	return &Service{
		store:        st,
		identity:     idc,
		bank:         bankClient,
		taskboard:    tbClient,
		reputation:   repClient,
		signer:       signer,
		judges:       judges,
		rebuttalSecs: rebuttalSecs,
		logger:       logger,
		metrics:      NewMetrics(),
	}
}

func (s *Service) isPlatform(agentID string) bool {
	return agentID == s.signer.AgentID
}

// FileDispute opens a dispute over a task the Task Board already marked
// disputed. The respondent is the task's assigned worker.
func (s *Service) FileDispute(ctx context.Context, signerID, taskID, claim string) (*Dispute, error) {
	if claim == "" || len(claim) > maxClaimLen {
		return nil, httpapi.Errorf(httpapi.CodeInvalidReason, "claim must be 1..%d characters", maxClaimLen)
	}

	task, err := s.taskboard.GetTask(ctx, taskID)
	if err != nil {
		if remote, ok := err.(*taskboard.RemoteError); ok && remote.Code == httpapi.CodeTaskNotFound {
			return nil, httpapi.NewError(httpapi.CodeTaskNotFound, "task not found")
		}
		return nil, httpapi.NewError(httpapi.CodeTaskBoardUnavailable, "task board is unavailable")
	}
	if signerID != task.PosterID && !s.isPlatform(signerID) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the task poster may file a dispute")
	}
	if task.Status != taskboard.StatusDisputed {
		return nil, httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not disputed", task.Status)
	}
	if task.WorkerID == nil {
		return nil, httpapi.NewError(httpapi.CodeInvalidStatus, "task has no assigned worker")
	}

	filedAt := time.Now().UTC()
	dispute := &Dispute{
		DisputeID:        "disp-" + uuid.NewString(),
		TaskID:           taskID,
		ClaimantID:       task.PosterID,
		RespondentID:     *task.WorkerID,
		Claim:            claim,
		Status:           StatusRebuttalPending,
		FiledAt:          filedAt.Format(time.RFC3339Nano),
		RebuttalDeadline: filedAt.Add(time.Duration(s.rebuttalSecs) * time.Second).Format(time.RFC3339Nano),
	}
	err = s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO disputes (dispute_id, task_id, claimant_id, respondent_id, claim, status, filed_at, rebuttal_deadline)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			dispute.DisputeID, dispute.TaskID, dispute.ClaimantID, dispute.RespondentID,
			dispute.Claim, dispute.Status, dispute.FiledAt, dispute.RebuttalDeadline)
		if store.IsConstraint(err) {
			return httpapi.NewError(httpapi.CodeDisputeAlreadyExists, "a dispute for this task already exists")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Disputes.Inc()
	s.logger.Info("dispute filed", "dispute_id", dispute.DisputeID, "task_id", taskID, "claimant", dispute.ClaimantID)
	return dispute, nil
}

// SubmitRebuttal records the respondent's one-shot answer to the claim.
func (s *Service) SubmitRebuttal(ctx context.Context, signerID, disputeID, rebuttal string) (*Dispute, error) {
	if rebuttal == "" || len(rebuttal) > maxClaimLen {
		return nil, httpapi.Errorf(httpapi.CodeInvalidReason, "rebuttal must be 1..%d characters", maxClaimLen)
	}

	var out *Dispute
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		dispute, err := getDisputeTx(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if signerID != dispute.RespondentID {
			return httpapi.NewError(httpapi.CodeForbidden, "only the respondent may submit a rebuttal")
		}
		if dispute.Status != StatusRebuttalPending {
			return httpapi.Errorf(httpapi.CodeInvalidDisputeStatus, "dispute is %s, not rebuttal_pending", dispute.Status)
		}
		if dispute.Rebuttal != nil {
			return httpapi.NewError(httpapi.CodeRebuttalAlreadySubmitted, "a rebuttal has already been submitted")
		}
		rebuttalAt := store.NowISO()
		if _, err := tx.ExecContext(ctx,
			`UPDATE disputes SET rebuttal = ?, rebuttal_at = ? WHERE dispute_id = ?`,
			rebuttal, rebuttalAt, disputeID); err != nil {
			return err
		}
		dispute.Rebuttal = &rebuttal
		dispute.RebuttalAt = &rebuttalAt
		out = dispute
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rebuttal submitted", "dispute_id", disputeID)
	return out, nil
}

// ExecuteRuling drives a dispute to its binding ruling: judge fan-out,
// median verdict, then the ordered settlement (Central Bank split,
// reputation feedback for both parties, Task Board record_ruling). Any
// failure reverts the dispute to rebuttal_pending; success commits the
// votes and the ruling in one transaction.
func (s *Service) ExecuteRuling(ctx context.Context, signerID, disputeID string) (*Dispute, error) {
	if !s.isPlatform(signerID) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the platform may execute a ruling")
	}

	// Claim the dispute by moving it to the transient judging status. A
	// dispute already in judging is a stranded earlier attempt (crash
	// before its commit or revert ran); nothing durable was written for
	// it, so the new attempt reclaims it.
	var dispute *Dispute
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		d, err := getDisputeTx(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == StatusRuled {
			return httpapi.NewError(httpapi.CodeDisputeAlreadyRuled, "dispute has already been ruled")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE disputes SET status = ? WHERE dispute_id = ?`, StatusJudging, disputeID); err != nil {
			return err
		}
		d.Status = StatusJudging
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	ruled, err := s.judgeAndSettle(ctx, dispute)
	if err != nil {
		s.revert(disputeID)
		s.metrics.Rulings.WithLabelValues("reverted").Inc()
		return nil, err
	}
	s.metrics.Rulings.WithLabelValues("ruled").Inc()
	return ruled, nil
}

func (s *Service) judgeAndSettle(ctx context.Context, dispute *Dispute) (*Dispute, error) {
	rc, err := s.buildContext(ctx, dispute)
	if err != nil {
		return nil, err
	}

	// Every configured judge must return a usable vote; a single failure
	// aborts the ruling.
	votes := make([]*Vote, 0, len(s.judges))
	for _, judge := range s.judges {
		vote, err := judge.Judge(ctx, rc)
		if err == nil {
			vote, err = normalizeVote(judge, vote)
		}
		if err != nil {
			s.logger.Warn("judge failed", "dispute_id", dispute.DisputeID, "judge", judge.ID(), "error", err)
			return nil, httpapi.Errorf(httpapi.CodeJudgeUnavailable, "judge %s did not return a vote", judge.ID())
		}
		vote.VoteID = "vote-" + uuid.NewString()
		vote.DisputeID = dispute.DisputeID
		votes = append(votes, vote)
	}
	if len(votes) == 0 {
		return nil, httpapi.NewError(httpapi.CodeJudgeUnavailable, "no judges are configured")
	}

	workerPct := medianWorkerPct(votes)
	reasonings := make([]string, len(votes))
	for i, v := range votes {
		reasonings[i] = v.Reasoning
	}
	summary := strings.Join(reasonings, "\n\n")

	if err := s.settle(ctx, dispute, rc, workerPct, summary); err != nil {
		return nil, err
	}

	// All downstream effects succeeded; commit votes and ruling in one
	// transaction. Nothing about this attempt is visible before here.
	var out *Dispute
	ruledAt := store.NowISO()
	err = s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		for _, v := range votes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO votes (vote_id, dispute_id, judge_id, worker_pct, reasoning, voted_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				v.VoteID, v.DisputeID, v.JudgeID, v.WorkerPct, v.Reasoning, v.VotedAt); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE disputes SET status = ?, worker_pct = ?, ruling_summary = ?, ruled_at = ? WHERE dispute_id = ?`,
			StatusRuled, workerPct, summary, ruledAt, dispute.DisputeID); err != nil {
			return err
		}
		dispute.Status = StatusRuled
		dispute.WorkerPct = &workerPct
		dispute.RulingSummary = &summary
		dispute.RuledAt = &ruledAt
		out = dispute
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispute ruled", "dispute_id", dispute.DisputeID, "task_id", dispute.TaskID, "worker_pct", workerPct)
	return out, nil
}

// buildContext assembles the case file from the Task Board.
func (s *Service) buildContext(ctx context.Context, dispute *Dispute) (*RulingContext, error) {
	task, err := s.taskboard.GetTask(ctx, dispute.TaskID)
	if err != nil {
		return nil, httpapi.NewError(httpapi.CodeTaskBoardUnavailable, "task board is unavailable")
	}

	bearer, err := s.signer.Sign(map[string]interface{}{"action": "list_assets", "task_id": dispute.TaskID})
	if err != nil {
		return nil, httpapi.NewError(httpapi.CodeInternal, "internal error")
	}
	assets, err := s.taskboard.ListAssets(ctx, dispute.TaskID, bearer)
	if err != nil {
		return nil, httpapi.NewError(httpapi.CodeTaskBoardUnavailable, "task board is unavailable")
	}

	deliverables := make([]Deliverable, len(assets))
	for i, a := range assets {
		deliverables[i] = Deliverable{
			AssetID:     a.AssetID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			SHA256:      a.SHA256,
		}
	}
	rebuttal := ""
	if dispute.Rebuttal != nil {
		rebuttal = *dispute.Rebuttal
	}
	return &RulingContext{
		TaskID:       dispute.TaskID,
		TaskSpec:     task.Spec,
		Deliverables: deliverables,
		Claim:        dispute.Claim,
		Rebuttal:     rebuttal,
	}, nil
}

// settle performs the three external effects in their fixed order. Any
// failure is mapped to the callee's downstream code and returned; the
// caller reverts.
func (s *Service) settle(ctx context.Context, dispute *Dispute, rc *RulingContext, workerPct int64, summary string) error {
	task, err := s.taskboard.GetTask(ctx, dispute.TaskID)
	if err != nil {
		return httpapi.NewError(httpapi.CodeTaskBoardUnavailable, "task board is unavailable")
	}

	splitToken, err := s.signer.Sign(map[string]interface{}{
		"action":            "escrow_split",
		"escrow_id":         task.EscrowID,
		"worker_account_id": dispute.RespondentID,
		"poster_account_id": dispute.ClaimantID,
		"worker_pct":        workerPct,
	})
	if err != nil {
		return httpapi.NewError(httpapi.CodeInternal, "internal error")
	}
	if _, err := s.bank.EscrowSplit(ctx, task.EscrowID, splitToken); err != nil {
		s.logger.Warn("escrow split failed", "dispute_id", dispute.DisputeID, "error", err)
		return httpapi.NewError(httpapi.CodeBankUnavailable, "central bank is unavailable")
	}

	workerRating, posterRating := ratingsFor(workerPct)
	feedback := []struct {
		to       string
		category string
		rating   string
	}{
		{dispute.RespondentID, reputation.CategoryDeliveryQuality, workerRating},
		{dispute.ClaimantID, reputation.CategorySpecQuality, posterRating},
	}
	for _, fb := range feedback {
		token, err := s.signer.Sign(map[string]interface{}{
			"action":        "submit_feedback",
			"task_id":       dispute.TaskID,
			"from_agent_id": s.signer.AgentID,
			"to_agent_id":   fb.to,
			"category":      fb.category,
			"rating":        fb.rating,
			"comment":       summary,
		})
		if err != nil {
			return httpapi.NewError(httpapi.CodeInternal, "internal error")
		}
		if _, err := s.reputation.Submit(ctx, token); err != nil {
			s.logger.Warn("feedback submission failed", "dispute_id", dispute.DisputeID, "category", fb.category, "error", err)
			return httpapi.NewError(httpapi.CodeReputationUnavailable, "reputation service is unavailable")
		}
	}

	rulingToken, err := s.signer.Sign(map[string]interface{}{
		"action":     "record_ruling",
		"task_id":    dispute.TaskID,
		"ruling_id":  dispute.DisputeID,
		"worker_pct": workerPct,
		"summary":    summary,
	})
	if err != nil {
		return httpapi.NewError(httpapi.CodeInternal, "internal error")
	}
	if _, err := s.taskboard.RecordRuling(ctx, dispute.TaskID, rulingToken); err != nil {
		s.logger.Warn("record_ruling failed", "dispute_id", dispute.DisputeID, "error", err)
		return httpapi.NewError(httpapi.CodeTaskBoardUnavailable, "task board is unavailable")
	}
	return nil
}

// ratingsFor maps the median worker_pct to the two categorical ratings:
// the worker's delivery_quality and the claimant's spec_quality.
func ratingsFor(workerPct int64) (worker, poster string) {
	switch {
	case workerPct >= 80:
		return reputation.RatingExtremelySatisfied, reputation.RatingDissatisfied
	case workerPct >= 40:
		return reputation.RatingSatisfied, reputation.RatingSatisfied
	default:
		return reputation.RatingDissatisfied, reputation.RatingExtremelySatisfied
	}
}

// revert undoes a failed ruling attempt by putting the dispute back to
// rebuttal_pending. Votes are only ever written with the ruling commit,
// so there is nothing else to undo. Runs on a background context so a
// caller timeout cannot strand the dispute in judging.
func (s *Service) revert(disputeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE disputes SET status = ? WHERE dispute_id = ? AND status = ?`,
			StatusRebuttalPending, disputeID, StatusJudging)
		return err
	})
	if err != nil {
		s.logger.Error("dispute revert failed", "dispute_id", disputeID, "error", err)
		return
	}
	s.logger.Info("dispute reverted", "dispute_id", disputeID)
}

// Dispute fetches one dispute by id.
func (s *Service) Dispute(ctx context.Context, disputeID string) (*Dispute, error) {
	return s.store.GetDispute(ctx, disputeID)
}

// DisputeByTask fetches the dispute filed for a task.
func (s *Service) DisputeByTask(ctx context.Context, taskID string) (*Dispute, error) {
	return s.store.GetDisputeByTask(ctx, taskID)
}

// Disputes lists disputes, optionally filtered by status.
func (s *Service) Disputes(ctx context.Context, status string) ([]*Dispute, error) {
	return s.store.ListDisputes(ctx, status)
}

// Votes lists a dispute's recorded votes.
func (s *Service) Votes(ctx context.Context, disputeID string) ([]*Vote, error) {
	if _, err := s.store.GetDispute(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, disputeID)
}
