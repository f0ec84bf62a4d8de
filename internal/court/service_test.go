package court

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/backend/internal/bank"
	"github.com/agoranet/backend/internal/config"
	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/events"
	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/reputation"
	"github.com/agoranet/backend/internal/store"
	"github.com/agoranet/backend/internal/taskboard"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func code(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	he, ok := err.(*httpapi.Error)
	require.True(t, ok, "expected categorical error, got %v", err)
	return he.Code
}

// failingJudge simulates an adjudicator that never answers.
type failingJudge struct{ id string }

func (j *failingJudge) ID() string { return j.id }
func (j *failingJudge) Judge(ctx context.Context, rc *RulingContext) (*Vote, error) {
	return nil, context.DeadlineExceeded
}

func staticPanel(t *testing.T, pcts ...int) []Judge {
	t.Helper()
	configs := make([]config.JudgeConfig, len(pcts))
	for i, pct := range pcts {
		configs[i] = config.JudgeConfig{
			ID: "judge-" + string(rune('a'+i)), Kind: "static", WorkerPct: pct, Reasoning: "deterministic verdict",
		}
	}
	judges, err := NewJudges(configs)
	require.NoError(t, err)
	return judges
}

type fixtureOpts struct {
	judges        []Judge
	reputationURL string // overrides the real server, for outage tests
}

// fixture runs the whole trust plane: a real Identity, Central Bank,
// Task Board and Reputation service behind httptest, with the Court
// service under test wired to them through its HTTP clients.
type fixture struct {
	svc        *Service
	db         *store.DB
	tb         *taskboard.Service
	bank       *bank.Service
	reputation *reputation.Service
	identity   *identity.Service
	platform   *envelope.Signer
	alice      *envelope.Signer // poster / claimant
	bob        *envelope.Signer // worker / respondent
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	idDB, err := store.Open(filepath.Join(dir, "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idDB.Close() })
	idStore, err := identity.NewStore(idDB)
	require.NoError(t, err)
	f := &fixture{identity: identity.New(idStore, discardLogger())}
	idServer := httptest.NewServer(f.identity.Routes(httpapi.DefaultMaxBodyBytes))
	t.Cleanup(idServer.Close)
	idClient := identity.NewClient(idServer.URL, 0)

	f.platform = f.register(t, "platform")
	f.alice = f.register(t, "alice")
	f.bob = f.register(t, "bob")

	bankDB, err := store.Open(filepath.Join(dir, "bank.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bankDB.Close() })
	bankStore, err := bank.NewStore(bankDB)
	require.NoError(t, err)
	f.bank = bank.New(bankStore, idClient, f.platform.AgentID, discardLogger())
	bankServer := httptest.NewServer(f.bank.Routes(httpapi.DefaultMaxBodyBytes))
	t.Cleanup(bankServer.Close)
	bankClient := bank.NewClient(bankServer.URL, 0)

	for _, agent := range []*envelope.Signer{f.alice, f.bob} {
		_, err := f.bank.CreateAccount(ctx, agent.AgentID, agent.AgentID, 0)
		require.NoError(t, err)
	}
	_, err = f.bank.Credit(ctx, f.platform.AgentID, f.alice.AgentID, 1000, "seed-alice")
	require.NoError(t, err)

	tbDB, err := store.Open(filepath.Join(dir, "taskboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tbDB.Close() })
	tbStore, err := taskboard.NewStore(tbDB)
	require.NoError(t, err)
	assets, err := taskboard.NewAssetStore(filepath.Join(dir, "assets"), 1<<20, 4)
	require.NoError(t, err)
	f.tb = taskboard.New(tbStore, idClient, bankClient, f.platform, assets, events.NewHub(discardLogger()), discardLogger())
	tbServer := httptest.NewServer(f.tb.Routes(httpapi.DefaultMaxBodyBytes))
	t.Cleanup(tbServer.Close)
	tbClient := taskboard.NewClient(tbServer.URL, 0)

	repDB, err := store.Open(filepath.Join(dir, "reputation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repDB.Close() })
	repStore, err := reputation.NewStore(repDB)
	require.NoError(t, err)
	f.reputation = reputation.New(repStore, idClient, f.platform.AgentID, discardLogger())
	repServer := httptest.NewServer(f.reputation.Routes(httpapi.DefaultMaxBodyBytes))
	t.Cleanup(repServer.Close)
	repURL := repServer.URL
	if opts.reputationURL != "" {
		repURL = opts.reputationURL
	}
	repClient := reputation.NewClient(repURL, 0)

	f.db, err = store.Open(filepath.Join(dir, "court.db"))
	require.NoError(t, err)
	t.Cleanup(func() { f.db.Close() })
	courtStore, err := NewStore(f.db)
	require.NoError(t, err)

	judges := opts.judges
	if judges == nil {
		judges = staticPanel(t, 40, 70, 60)
	}
	f.svc = New(courtStore, idClient, bankClient, tbClient, repClient, f.platform, judges, 3600, discardLogger())
	return f
}

func (f *fixture) register(t *testing.T, name string) *envelope.Signer {
	t.Helper()
	pub, priv, err := envelope.GenerateKey()
	require.NoError(t, err)
	agent, err := f.identity.Register(context.Background(), name, pub)
	require.NoError(t, err)
	return envelope.SignerFromKey(agent.AgentID, priv)
}

// disputedTask drives a task through the full lifecycle to disputed.
func (f *fixture) disputedTask(t *testing.T, reward int64) *taskboard.Task {
	t.Helper()
	ctx := context.Background()
	taskID := "t-" + uuid.NewString()

	taskToken, err := f.alice.Sign(map[string]interface{}{
		"action":                  "create_task",
		"task_id":                 taskID,
		"poster_id":               f.alice.AgentID,
		"title":                   "summarize the corpus",
		"spec":                    "produce a faithful summary",
		"reward":                  reward,
		"bidding_deadline_secs":   int64(3600),
		"execution_deadline_secs": int64(3600),
		"review_deadline_secs":    int64(3600),
	})
	require.NoError(t, err)
	escrowToken, err := f.alice.Sign(map[string]interface{}{
		"action": "escrow_lock", "task_id": taskID, "amount": reward,
	})
	require.NoError(t, err)
	_, err = f.tb.CreateTask(ctx, taskToken, escrowToken)
	require.NoError(t, err)

	bid, err := f.tb.SubmitBid(ctx, f.bob.AgentID, taskID, reward)
	require.NoError(t, err)
	_, err = f.tb.AcceptBid(ctx, f.alice.AgentID, taskID, bid.BidID)
	require.NoError(t, err)
	_, err = f.tb.UploadAsset(ctx, f.bob.AgentID, taskID, "summary.txt", "text/plain", strings.NewReader("a summary"))
	require.NoError(t, err)
	_, err = f.tb.SubmitDeliverable(ctx, f.bob.AgentID, taskID)
	require.NoError(t, err)
	task, err := f.tb.Dispute(ctx, f.alice.AgentID, taskID, "the summary omits half the corpus")
	require.NoError(t, err)
	return task
}

func (f *fixture) balance(t *testing.T, agent *envelope.Signer) int64 {
	t.Helper()
	account, err := f.bank.ReadAccount(context.Background(), agent.AgentID, agent.AgentID)
	require.NoError(t, err)
	return account.Balance
}

func TestMedianWorkerPct(t *testing.T) {
	votes := func(pcts ...int64) []*Vote {
		out := make([]*Vote, len(pcts))
		for i, p := range pcts {
			out[i] = &Vote{WorkerPct: p}
		}
		return out
	}

	assert.Equal(t, int64(60), medianWorkerPct(votes(40, 70, 60)))
	assert.Equal(t, int64(55), medianWorkerPct(votes(55)))
	// Even panels take the upper median.
	assert.Equal(t, int64(80), medianWorkerPct(votes(20, 80)))
	assert.Equal(t, int64(50), medianWorkerPct(votes(0, 100, 50, 25)))
}

func TestRatingsFor(t *testing.T) {
	cases := []struct {
		pct            int64
		worker, poster string
	}{
		{100, reputation.RatingExtremelySatisfied, reputation.RatingDissatisfied},
		{80, reputation.RatingExtremelySatisfied, reputation.RatingDissatisfied},
		{79, reputation.RatingSatisfied, reputation.RatingSatisfied},
		{40, reputation.RatingSatisfied, reputation.RatingSatisfied},
		{39, reputation.RatingDissatisfied, reputation.RatingExtremelySatisfied},
		{0, reputation.RatingDissatisfied, reputation.RatingExtremelySatisfied},
	}
	for _, tc := range cases {
		worker, poster := ratingsFor(tc.pct)
		assert.Equal(t, tc.worker, worker, "worker rating for %d", tc.pct)
		assert.Equal(t, tc.poster, poster, "poster rating for %d", tc.pct)
	}
}

func TestNormalizeVote(t *testing.T) {
	judge := &staticJudge{id: "judge-a"}

	_, err := normalizeVote(judge, nil)
	assert.Error(t, err)

	_, err = normalizeVote(judge, &Vote{WorkerPct: 101})
	assert.Error(t, err)
	_, err = normalizeVote(judge, &Vote{WorkerPct: -1})
	assert.Error(t, err)

	vote, err := normalizeVote(judge, &Vote{WorkerPct: 50})
	require.NoError(t, err)
	assert.Equal(t, "judge-a", vote.JudgeID)
	assert.Equal(t, "no reasoning provided", vote.Reasoning)
	assert.NotEmpty(t, vote.VotedAt)
}

func TestHTTPJudge(t *testing.T) {
	var received RulingContext
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(Vote{WorkerPct: 85, Reasoning: "deliverable matches the spec"})
	}))
	defer server.Close()

	judges, err := NewJudges([]config.JudgeConfig{{ID: "judge-http", Kind: "http", URL: server.URL}})
	require.NoError(t, err)

	rc := &RulingContext{TaskID: "t-1", TaskSpec: "spec", Claim: "claim"}
	vote, err := judges[0].Judge(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(85), vote.WorkerPct)
	assert.Equal(t, "t-1", received.TaskID)
}

func TestHTTPJudgeErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	judges, err := NewJudges([]config.JudgeConfig{{ID: "judge-http", Kind: "http", URL: server.URL}})
	require.NoError(t, err)

	_, err = judges[0].Judge(context.Background(), &RulingContext{})
	assert.Error(t, err)
}

func TestNewJudgesRejectsUnknownKind(t *testing.T) {
	_, err := NewJudges([]config.JudgeConfig{{ID: "judge-x", Kind: "oracle"}})
	assert.Error(t, err)
}

func TestFileDispute(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	task := f.disputedTask(t, 100)

	_, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "")
	assert.Equal(t, httpapi.CodeInvalidReason, code(t, err))

	_, err = f.svc.FileDispute(ctx, f.alice.AgentID, "t-"+uuid.NewString(), "claim")
	assert.Equal(t, httpapi.CodeTaskNotFound, code(t, err))

	_, err = f.svc.FileDispute(ctx, f.bob.AgentID, task.TaskID, "claim")
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))

	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "the summary omits half the corpus")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dispute.DisputeID, "disp-"))
	assert.Equal(t, StatusRebuttalPending, dispute.Status)
	assert.Equal(t, f.alice.AgentID, dispute.ClaimantID)
	assert.Equal(t, f.bob.AgentID, dispute.RespondentID)
	assert.NotEmpty(t, dispute.RebuttalDeadline)

	_, err = f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "again")
	assert.Equal(t, httpapi.CodeDisputeAlreadyExists, code(t, err))
}

func TestFileDisputeRequiresDisputedTask(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	// An open task is not ripe for court.
	taskID := "t-" + uuid.NewString()
	taskToken, err := f.alice.Sign(map[string]interface{}{
		"action": "create_task", "task_id": taskID, "poster_id": f.alice.AgentID,
		"title": "t", "spec": "s", "reward": int64(10),
		"bidding_deadline_secs": int64(3600), "execution_deadline_secs": int64(3600), "review_deadline_secs": int64(3600),
	})
	require.NoError(t, err)
	escrowToken, err := f.alice.Sign(map[string]interface{}{
		"action": "escrow_lock", "task_id": taskID, "amount": int64(10),
	})
	require.NoError(t, err)
	_, err = f.tb.CreateTask(ctx, taskToken, escrowToken)
	require.NoError(t, err)

	_, err = f.svc.FileDispute(ctx, f.alice.AgentID, taskID, "premature")
	assert.Equal(t, httpapi.CodeInvalidStatus, code(t, err))
}

func TestSubmitRebuttal(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)

	_, err = f.svc.SubmitRebuttal(ctx, f.alice.AgentID, dispute.DisputeID, "not yours to answer")
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))

	_, err = f.svc.SubmitRebuttal(ctx, f.bob.AgentID, dispute.DisputeID, "")
	assert.Equal(t, httpapi.CodeInvalidReason, code(t, err))

	updated, err := f.svc.SubmitRebuttal(ctx, f.bob.AgentID, dispute.DisputeID, "the corpus was covered in full")
	require.NoError(t, err)
	require.NotNil(t, updated.Rebuttal)
	assert.NotNil(t, updated.RebuttalAt)

	// One shot.
	_, err = f.svc.SubmitRebuttal(ctx, f.bob.AgentID, dispute.DisputeID, "another try")
	assert.Equal(t, httpapi.CodeRebuttalAlreadySubmitted, code(t, err))
}

func TestExecuteRulingSettles(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)
	_, err = f.svc.SubmitRebuttal(ctx, f.bob.AgentID, dispute.DisputeID, "rebuttal")
	require.NoError(t, err)

	ruled, err := f.svc.ExecuteRuling(ctx, f.platform.AgentID, dispute.DisputeID)
	require.NoError(t, err)

	// Panel 40/70/60 rules the median 60.
	assert.Equal(t, StatusRuled, ruled.Status)
	require.NotNil(t, ruled.WorkerPct)
	assert.Equal(t, int64(60), *ruled.WorkerPct)
	require.NotNil(t, ruled.RulingSummary)
	assert.Equal(t, 3, strings.Count(*ruled.RulingSummary, "deterministic verdict"))
	assert.NotNil(t, ruled.RuledAt)

	// Escrow split 60/40 of the 100 reward.
	assert.Equal(t, int64(60), f.balance(t, f.bob))
	assert.Equal(t, int64(940), f.balance(t, f.alice))

	// The Task Board recorded the binding outcome.
	refreshed, err := f.tb.Refresh(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, taskboard.StatusRuled, refreshed.Status)
	require.NotNil(t, refreshed.WorkerPct)
	assert.Equal(t, int64(60), *refreshed.WorkerPct)

	// Both parties got platform-recorded feedback.
	workerFeedback, err := f.reputation.AgentFeedback(ctx, f.bob.AgentID)
	require.NoError(t, err)
	require.Len(t, workerFeedback, 1)
	assert.Equal(t, reputation.CategoryDeliveryQuality, workerFeedback[0].Category)
	assert.Equal(t, reputation.RatingSatisfied, workerFeedback[0].Rating)

	posterFeedback, err := f.reputation.AgentFeedback(ctx, f.alice.AgentID)
	require.NoError(t, err)
	require.Len(t, posterFeedback, 1)
	assert.Equal(t, reputation.CategorySpecQuality, posterFeedback[0].Category)
	assert.Equal(t, reputation.RatingSatisfied, posterFeedback[0].Rating)

	votes, err := f.svc.Votes(ctx, dispute.DisputeID)
	require.NoError(t, err)
	assert.Len(t, votes, 3)

	// A second execution is refused outright.
	_, err = f.svc.ExecuteRuling(ctx, f.platform.AgentID, dispute.DisputeID)
	assert.Equal(t, httpapi.CodeDisputeAlreadyRuled, code(t, err))
}

func TestExecuteRulingPlatformOnly(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)

	_, err = f.svc.ExecuteRuling(ctx, f.alice.AgentID, dispute.DisputeID)
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))
}

func TestExecuteRulingRevertsOnJudgeFailure(t *testing.T) {
	panel := append(staticPanel(t, 40, 70), &failingJudge{id: "judge-dead"})
	f := newFixture(t, fixtureOpts{judges: panel})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)

	_, err = f.svc.ExecuteRuling(ctx, f.platform.AgentID, dispute.DisputeID)
	assert.Equal(t, httpapi.CodeJudgeUnavailable, code(t, err))

	// No partial state: votes removed, dispute back where it started,
	// escrow untouched.
	reverted, err := f.svc.Dispute(ctx, dispute.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuttalPending, reverted.Status)
	votes, err := f.svc.Votes(ctx, dispute.DisputeID)
	require.NoError(t, err)
	assert.Empty(t, votes)
	assert.Equal(t, int64(0), f.balance(t, f.bob))
}

func TestExecuteRulingRevertsWhenReputationDown(t *testing.T) {
	f := newFixture(t, fixtureOpts{reputationURL: "http://127.0.0.1:1"})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)

	_, err = f.svc.ExecuteRuling(ctx, f.platform.AgentID, dispute.DisputeID)
	assert.Equal(t, httpapi.CodeReputationUnavailable, code(t, err))

	reverted, err := f.svc.Dispute(ctx, dispute.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuttalPending, reverted.Status)
	votes, err := f.svc.Votes(ctx, dispute.DisputeID)
	require.NoError(t, err)
	assert.Empty(t, votes)

	// The split landed before the outage: funds moved, and the dispute is
	// parked for operator intervention rather than silently re-paid.
	assert.Equal(t, int64(60), f.balance(t, f.bob))
}

func TestVotesCommitOnlyWithRuling(t *testing.T) {
	observedVotes := -1
	observedStatus := ""
	var observe func()
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observe != nil {
			observe()
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer stub.Close()

	f := newFixture(t, fixtureOpts{reputationURL: stub.URL})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)
	observe = func() {
		if votes, err := f.svc.Votes(ctx, dispute.DisputeID); err == nil {
			observedVotes = len(votes)
		}
		if d, err := f.svc.Dispute(ctx, dispute.DisputeID); err == nil {
			observedStatus = d.Status
		}
	}

	_, err = f.svc.ExecuteRuling(ctx, f.platform.AgentID, dispute.DisputeID)
	assert.Equal(t, httpapi.CodeReputationUnavailable, code(t, err))

	// Mid-settlement readers see the transient judging status but no
	// durable votes; those only land with the ruling commit.
	assert.Equal(t, StatusJudging, observedStatus)
	assert.Equal(t, 0, observedVotes)

	reverted, err := f.svc.Dispute(ctx, dispute.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuttalPending, reverted.Status)
}

func TestExecuteRulingReclaimsStrandedJudging(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)

	// A crash between the judging claim and its commit or revert leaves
	// the status on disk with nothing else written.
	_, err = f.db.SQL().Exec(`UPDATE disputes SET status = ? WHERE dispute_id = ?`, StatusJudging, dispute.DisputeID)
	require.NoError(t, err)

	ruled, err := f.svc.ExecuteRuling(ctx, f.platform.AgentID, dispute.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, StatusRuled, ruled.Status)
	require.NotNil(t, ruled.WorkerPct)
	assert.Equal(t, int64(60), *ruled.WorkerPct)
	assert.Equal(t, int64(60), f.balance(t, f.bob))
}

func TestDisputeReads(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	task := f.disputedTask(t, 100)
	dispute, err := f.svc.FileDispute(ctx, f.alice.AgentID, task.TaskID, "claim")
	require.NoError(t, err)

	byID, err := f.svc.Dispute(ctx, dispute.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, dispute.DisputeID, byID.DisputeID)

	byTask, err := f.svc.DisputeByTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, dispute.DisputeID, byTask.DisputeID)

	_, err = f.svc.Dispute(ctx, "disp-missing")
	assert.Equal(t, httpapi.CodeDisputeNotFound, code(t, err))

	pending, err := f.svc.Disputes(ctx, StatusRebuttalPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
