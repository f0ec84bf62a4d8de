package reputation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/store"
)

const maxCommentLen = 10_000

// Service validates and records feedback.
type Service struct {
	store      *Store
	identity   *identity.Client
	platformID string
	logger     *slog.Logger
	metrics    *Metrics
}

// New wires the service.
func New(st *Store, idc *identity.Client, platformID string, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		identity:   idc,
		platformID: platformID,
		logger:     logger,
		metrics:    NewMetrics(),
	}
}

// Submit records one feedback row. The signer must be the rating party,
// or the platform recording on the system's behalf after a ruling.
func (s *Service) Submit(ctx context.Context, signerID, taskID, fromID, toID, category, rating, comment string) (*Feedback, error) {
	if signerID != fromID && signerID != s.platformID {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "signer must be the rating agent")
	}
	if taskID == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "task_id is required")
	}
	if fromID == toID {
		return nil, httpapi.NewError(httpapi.CodeSelfFeedback, "an agent may not rate itself")
	}
	if !ValidCategory(category) {
		return nil, httpapi.Errorf(httpapi.CodeInvalidCategory, "category must be %q or %q", CategoryDeliveryQuality, CategorySpecQuality)
	}
	if !ValidRating(rating) {
		return nil, httpapi.Errorf(httpapi.CodeInvalidRating, "rating must be one of %q, %q, %q", RatingExtremelySatisfied, RatingSatisfied, RatingDissatisfied)
	}
	if len(comment) > maxCommentLen {
		return nil, httpapi.Errorf(httpapi.CodeCommentTooLong, "comment exceeds %d characters", maxCommentLen)
	}

	fb := &Feedback{
		FeedbackID:  "fb-" + uuid.NewString(),
		TaskID:      taskID,
		FromAgentID: fromID,
		ToAgentID:   toID,
		Category:    category,
		Rating:      rating,
		Comment:     comment,
		CreatedAt:   store.NowISO(),
	}
	if err := s.store.Insert(ctx, fb); err != nil {
		return nil, err
	}

	s.metrics.Recorded.WithLabelValues(category, rating).Inc()
	s.logger.Info("feedback recorded", "feedback_id", fb.FeedbackID, "task_id", taskID, "category", category, "rating", rating)
	return fb, nil
}

// Feedback fetches one record by id.
func (s *Service) Feedback(ctx context.Context, feedbackID string) (*Feedback, error) {
	return s.store.Get(ctx, feedbackID)
}

// AgentFeedback lists an agent's received feedback.
func (s *Service) AgentFeedback(ctx context.Context, agentID string) ([]*Feedback, error) {
	return s.store.ListForAgent(ctx, agentID)
}

// AgentSummary aggregates an agent's received ratings.
func (s *Service) AgentSummary(ctx context.Context, agentID string) (*Summary, error) {
	return s.store.Summarize(ctx, agentID)
}
