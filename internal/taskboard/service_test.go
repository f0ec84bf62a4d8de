package taskboard

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/backend/internal/bank"
	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/events"
	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires a real Identity and Central Bank behind httptest so task
// lifecycle operations run against the full escrow pipeline.
type fixture struct {
	svc      *Service
	bank     *bank.Service
	identity *identity.Service
	db       *store.DB
	platform *envelope.Signer
	alice    *envelope.Signer // poster
	bob      *envelope.Signer // worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	idDB, err := store.Open(filepath.Join(dir, "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idDB.Close() })
	idStore, err := identity.NewStore(idDB)
	require.NoError(t, err)
	idSvc := identity.New(idStore, discardLogger())
	idServer := httptest.NewServer(idSvc.Routes(httpapi.DefaultMaxBodyBytes))
	t.Cleanup(idServer.Close)
	idClient := identity.NewClient(idServer.URL, 0)

	f := &fixture{identity: idSvc}
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

	f.db, err = store.Open(filepath.Join(dir, "taskboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { f.db.Close() })
	tbStore, err := NewStore(f.db)
	require.NoError(t, err)

	assets, err := NewAssetStore(filepath.Join(dir, "assets"), 1<<20, 4)
	require.NoError(t, err)

	f.svc = New(tbStore, idClient, bankClient, f.platform, assets, events.NewHub(discardLogger()), discardLogger())
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

func (f *fixture) signCreate(t *testing.T, taskID string, reward int64) (string, string) {
	t.Helper()
	taskToken, err := f.alice.Sign(map[string]interface{}{
		"action":                  "create_task",
		"task_id":                 taskID,
		"poster_id":               f.alice.AgentID,
		"title":                   "build a parser",
		"spec":                    "parse the thing",
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
	return taskToken, escrowToken
}

func (f *fixture) createTask(t *testing.T, reward int64) *Task {
	t.Helper()
	taskID := "t-" + uuid.NewString()
	taskToken, escrowToken := f.signCreate(t, taskID, reward)
	task, err := f.svc.CreateTask(context.Background(), taskToken, escrowToken)
	require.NoError(t, err)
	return task
}

func (f *fixture) balance(t *testing.T, agent *envelope.Signer) int64 {
	t.Helper()
	account, err := f.bank.ReadAccount(context.Background(), agent.AgentID, agent.AgentID)
	require.NoError(t, err)
	return account.Balance
}

// backdate rewrites a task timestamp so a deadline is already in the past.
func (f *fixture) backdate(t *testing.T, taskID, column string, age time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	_, err := f.db.SQL().Exec(`UPDATE tasks SET `+column+` = ? WHERE task_id = ?`, past, taskID)
	require.NoError(t, err)
}

func code(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	he, ok := err.(*httpapi.Error)
	require.True(t, ok, "expected categorical error, got %v", err)
	return he.Code
}

func TestCreateTaskLocksEscrow(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, 100)

	assert.Equal(t, StatusOpen, task.Status)
	assert.True(t, strings.HasPrefix(task.EscrowID, "esc-"))
	assert.NotEmpty(t, task.BiddingDeadline)
	assert.Equal(t, int64(900), f.balance(t, f.alice))
}

func TestCreateTaskCrossValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := "t-" + uuid.NewString()

	t.Run("different signers", func(t *testing.T) {
		taskToken, _ := f.signCreate(t, taskID, 100)
		escrowToken, err := f.bob.Sign(map[string]interface{}{
			"action": "escrow_lock", "task_id": taskID, "amount": int64(100),
		})
		require.NoError(t, err)
		_, err = f.svc.CreateTask(ctx, taskToken, escrowToken)
		assert.Equal(t, httpapi.CodeTokenMismatch, code(t, err))
	})

	t.Run("amount mismatch", func(t *testing.T) {
		taskToken, _ := f.signCreate(t, taskID, 100)
		escrowToken, err := f.alice.Sign(map[string]interface{}{
			"action": "escrow_lock", "task_id": taskID, "amount": int64(50),
		})
		require.NoError(t, err)
		_, err = f.svc.CreateTask(ctx, taskToken, escrowToken)
		assert.Equal(t, httpapi.CodeTokenMismatch, code(t, err))
	})

	t.Run("task id mismatch", func(t *testing.T) {
		taskToken, _ := f.signCreate(t, taskID, 100)
		escrowToken, err := f.alice.Sign(map[string]interface{}{
			"action": "escrow_lock", "task_id": "t-" + uuid.NewString(), "amount": int64(100),
		})
		require.NoError(t, err)
		_, err = f.svc.CreateTask(ctx, taskToken, escrowToken)
		assert.Equal(t, httpapi.CodeTokenMismatch, code(t, err))
	})

	t.Run("poster check precedes token cross-checks", func(t *testing.T) {
		// Signed by bob but naming alice as poster, with a kid mismatch
		// against the escrow token too. The signer check wins.
		taskToken, err := f.bob.Sign(map[string]interface{}{
			"action":                  "create_task",
			"task_id":                 taskID,
			"poster_id":               f.alice.AgentID,
			"title":                   "t",
			"spec":                    "s",
			"reward":                  int64(100),
			"bidding_deadline_secs":   int64(3600),
			"execution_deadline_secs": int64(3600),
			"review_deadline_secs":    int64(3600),
		})
		require.NoError(t, err)
		escrowToken, err := f.alice.Sign(map[string]interface{}{
			"action": "escrow_lock", "task_id": taskID, "amount": int64(100),
		})
		require.NoError(t, err)
		_, err = f.svc.CreateTask(ctx, taskToken, escrowToken)
		assert.Equal(t, httpapi.CodeForbidden, code(t, err))
	})

	t.Run("payload shape precedes token cross-checks", func(t *testing.T) {
		// Wrong escrow action and a different signer at once. The shape
		// failure is reported, not the mismatch.
		taskToken, _ := f.signCreate(t, taskID, 100)
		escrowToken, err := f.bob.Sign(map[string]interface{}{
			"action": "escrow_release", "task_id": taskID, "amount": int64(100),
		})
		require.NoError(t, err)
		_, err = f.svc.CreateTask(ctx, taskToken, escrowToken)
		assert.Equal(t, httpapi.CodeInvalidPayload, code(t, err))
	})

	// No funds moved for any of the rejected attempts.
	assert.Equal(t, int64(1000), f.balance(t, f.alice))
}

func TestCreateTaskTitleAtLimit(t *testing.T) {
	f := newFixture(t)
	taskID := "t-" + uuid.NewString()
	title := strings.Repeat("x", 200)

	taskToken, err := f.alice.Sign(map[string]interface{}{
		"action":                  "create_task",
		"task_id":                 taskID,
		"poster_id":               f.alice.AgentID,
		"title":                   title,
		"spec":                    "s",
		"reward":                  int64(10),
		"bidding_deadline_secs":   int64(3600),
		"execution_deadline_secs": int64(3600),
		"review_deadline_secs":    int64(3600),
	})
	require.NoError(t, err)
	escrowToken, err := f.alice.Sign(map[string]interface{}{
		"action": "escrow_lock", "task_id": taskID, "amount": int64(10),
	})
	require.NoError(t, err)

	task, err := f.svc.CreateTask(context.Background(), taskToken, escrowToken)
	require.NoError(t, err)
	assert.Equal(t, title, task.Title)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sign := func(overrides map[string]interface{}) (string, string) {
		payload := map[string]interface{}{
			"action":                  "create_task",
			"task_id":                 "t-" + uuid.NewString(),
			"poster_id":               f.alice.AgentID,
			"title":                   "t",
			"spec":                    "s",
			"reward":                  int64(10),
			"bidding_deadline_secs":   int64(60),
			"execution_deadline_secs": int64(60),
			"review_deadline_secs":    int64(60),
		}
		for k, v := range overrides {
			payload[k] = v
		}
		taskToken, err := f.alice.Sign(payload)
		require.NoError(t, err)
		escrowToken, err := f.alice.Sign(map[string]interface{}{
			"action": "escrow_lock", "task_id": payload["task_id"], "amount": payload["reward"],
		})
		require.NoError(t, err)
		return taskToken, escrowToken
	}

	cases := []struct {
		name      string
		overrides map[string]interface{}
		want      string
	}{
		{"bad task id", map[string]interface{}{"task_id": "task-123"}, httpapi.CodeInvalidTaskID},
		{"zero reward", map[string]interface{}{"reward": int64(0)}, httpapi.CodeInvalidReward},
		{"long title", map[string]interface{}{"title": strings.Repeat("x", 201)}, httpapi.CodeTitleTooLong},
		{"zero deadline", map[string]interface{}{"bidding_deadline_secs": int64(0)}, httpapi.CodeInvalidDeadline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			taskToken, escrowToken := sign(tc.overrides)
			_, err := f.svc.CreateTask(ctx, taskToken, escrowToken)
			assert.Equal(t, tc.want, code(t, err))
		})
	}
}

func TestCreateTaskInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	taskID := "t-" + uuid.NewString()
	taskToken, escrowToken := f.signCreate(t, taskID, 5000)

	_, err := f.svc.CreateTask(context.Background(), taskToken, escrowToken)
	assert.Equal(t, httpapi.CodeInsufficientFunds, code(t, err))
}

func TestCreateTaskDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 100)
	require.Equal(t, int64(900), f.balance(t, f.alice))

	// A second create for the same task id is refused before the bank is
	// touched; the original escrow stays locked and no second debit lands.
	taskToken, escrowToken := f.signCreate(t, task.TaskID, 100)
	_, err := f.svc.CreateTask(ctx, taskToken, escrowToken)
	assert.Equal(t, httpapi.CodeTaskAlreadyExists, code(t, err))
	assert.Equal(t, int64(900), f.balance(t, f.alice))
}

func TestBiddingRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 100)

	_, err := f.svc.SubmitBid(ctx, f.alice.AgentID, task.TaskID, 80)
	assert.Equal(t, httpapi.CodeSelfBid, code(t, err))

	_, err = f.svc.SubmitBid(ctx, f.bob.AgentID, task.TaskID, 0)
	assert.Equal(t, httpapi.CodeInvalidAmount, code(t, err))

	bid, err := f.svc.SubmitBid(ctx, f.bob.AgentID, task.TaskID, 80)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(bid.BidID, "bid-"))

	_, err = f.svc.SubmitBid(ctx, f.bob.AgentID, task.TaskID, 70)
	assert.Equal(t, httpapi.CodeBidAlreadyExists, code(t, err))
}

func TestConcurrentDuplicateBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 100)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitBid(ctx, f.bob.AgentID, task.TaskID, 50)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestSealedBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 100)
	_, err := f.svc.SubmitBid(ctx, f.bob.AgentID, task.TaskID, 80)
	require.NoError(t, err)

	// Anonymous and rival readers are refused while the task is open.
	_, err = f.svc.Bids(ctx, "", task.TaskID)
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))
	_, err = f.svc.Bids(ctx, f.bob.AgentID, task.TaskID)
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))

	bids, err := f.svc.Bids(ctx, f.alice.AgentID, task.TaskID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)

	// After acceptance the pool is public.
	_, err = f.svc.AcceptBid(ctx, f.alice.AgentID, task.TaskID, bids[0].BidID)
	require.NoError(t, err)
	bids, err = f.svc.Bids(ctx, "", task.TaskID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func (f *fixture) acceptedTask(t *testing.T) *Task {
	t.Helper()
	ctx := context.Background()
	task := f.createTask(t, 100)
	bid, err := f.svc.SubmitBid(ctx, f.bob.AgentID, task.TaskID, 80)
	require.NoError(t, err)
	accepted, err := f.svc.AcceptBid(ctx, f.alice.AgentID, task.TaskID, bid.BidID)
	require.NoError(t, err)
	return accepted
}

func TestAcceptBid(t *testing.T) {
	f := newFixture(t)
	task := f.acceptedTask(t)

	assert.Equal(t, StatusAccepted, task.Status)
	require.NotNil(t, task.WorkerID)
	assert.Equal(t, f.bob.AgentID, *task.WorkerID)
	require.NotNil(t, task.ExecutionDeadline)

	// Only the poster accepts; unknown bid is a 404.
	other := f.createTask(t, 50)
	_, err := f.svc.AcceptBid(context.Background(), f.bob.AgentID, other.TaskID, "bid-x")
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))
	_, err = f.svc.AcceptBid(context.Background(), f.alice.AgentID, other.TaskID, "bid-x")
	assert.Equal(t, httpapi.CodeBidNotFound, code(t, err))
}

func TestSubmitRequiresAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.acceptedTask(t)

	_, err := f.svc.SubmitDeliverable(ctx, f.bob.AgentID, task.TaskID)
	assert.Equal(t, httpapi.CodeNoAssets, code(t, err))

	asset, err := f.svc.UploadAsset(ctx, f.bob.AgentID, task.TaskID, "result.txt", "text/plain", strings.NewReader("done"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), asset.Size)
	assert.NotEmpty(t, asset.SHA256)

	submitted, err := f.svc.SubmitDeliverable(ctx, f.bob.AgentID, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, submitted.Status)
	require.NotNil(t, submitted.ReviewDeadline)
}

func TestUploadAssetAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.acceptedTask(t)

	_, err := f.svc.UploadAsset(ctx, f.alice.AgentID, task.TaskID, "sneaky.txt", "text/plain", strings.NewReader("x"))
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))

	// Per-task asset cap.
	for i := 0; i < 4; i++ {
		_, err := f.svc.UploadAsset(ctx, f.bob.AgentID, task.TaskID, "f"+string(rune('0'+i))+".txt", "text/plain", strings.NewReader("x"))
		require.NoError(t, err)
	}
	_, err = f.svc.UploadAsset(ctx, f.bob.AgentID, task.TaskID, "extra.txt", "text/plain", strings.NewReader("x"))
	assert.Equal(t, httpapi.CodeTooManyAssets, code(t, err))
}

func TestUploadAssetSizeLimit(t *testing.T) {
	f := newFixture(t)
	task := f.acceptedTask(t)

	huge := strings.NewReader(strings.Repeat("x", (1<<20)+1))
	_, err := f.svc.UploadAsset(context.Background(), f.bob.AgentID, task.TaskID, "huge.bin", "application/octet-stream", huge)
	assert.Equal(t, httpapi.CodeFileTooLarge, code(t, err))

	// A file of exactly the limit is fine.
	exact := strings.NewReader(strings.Repeat("x", 1<<20))
	asset, err := f.svc.UploadAsset(context.Background(), f.bob.AgentID, task.TaskID, "exact.bin", "application/octet-stream", exact)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), asset.Size)
}

func TestApproveReleasesEscrowToWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.acceptedTask(t)
	_, err := f.svc.UploadAsset(ctx, f.bob.AgentID, task.TaskID, "r.txt", "text/plain", strings.NewReader("done"))
	require.NoError(t, err)
	_, err = f.svc.SubmitDeliverable(ctx, f.bob.AgentID, task.TaskID)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, f.bob.AgentID, task.TaskID)
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))

	approved, err := f.svc.Approve(ctx, f.alice.AgentID, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ClosedAt)
	assert.Equal(t, int64(100), f.balance(t, f.bob))

	// Terminal states refuse further mutation.
	_, err = f.svc.Approve(ctx, f.alice.AgentID, task.TaskID)
	assert.Equal(t, httpapi.CodeInvalidStatus, code(t, err))
}

func TestCancelRefundsPoster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 100)
	require.Equal(t, int64(900), f.balance(t, f.alice))

	_, err := f.svc.Cancel(ctx, f.bob.AgentID, task.TaskID)
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))

	cancelled, err := f.svc.Cancel(ctx, f.alice.AgentID, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(1000), f.balance(t, f.alice))

	accepted := f.acceptedTask(t)
	_, err = f.svc.Cancel(ctx, f.alice.AgentID, accepted.TaskID)
	assert.Equal(t, httpapi.CodeInvalidStatus, code(t, err))
}

func TestDisputeAndRecordRuling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.acceptedTask(t)
	_, err := f.svc.UploadAsset(ctx, f.bob.AgentID, task.TaskID, "r.txt", "text/plain", strings.NewReader("done"))
	require.NoError(t, err)
	_, err = f.svc.SubmitDeliverable(ctx, f.bob.AgentID, task.TaskID)
	require.NoError(t, err)

	_, err = f.svc.Dispute(ctx, f.alice.AgentID, task.TaskID, "")
	assert.Equal(t, httpapi.CodeInvalidReason, code(t, err))

	disputed, err := f.svc.Dispute(ctx, f.alice.AgentID, task.TaskID, "spec not met")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)

	// Only the platform records the ruling; it does not move funds here.
	_, err = f.svc.RecordRuling(ctx, f.alice.AgentID, task.TaskID, "disp-1", 60, "because")
	assert.Equal(t, httpapi.CodeForbidden, code(t, err))

	ruled, err := f.svc.RecordRuling(ctx, f.platform.AgentID, task.TaskID, "disp-1", 60, "because")
	require.NoError(t, err)
	assert.Equal(t, StatusRuled, ruled.Status)
	require.NotNil(t, ruled.WorkerPct)
	assert.Equal(t, int64(60), *ruled.WorkerPct)

	_, err = f.svc.RecordRuling(ctx, f.platform.AgentID, task.TaskID, "disp-1", 60, "because")
	assert.Equal(t, httpapi.CodeInvalidStatus, code(t, err))
}

func TestBiddingDeadlineExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 100)
	require.Equal(t, int64(900), f.balance(t, f.alice))

	f.backdate(t, task.TaskID, "created_at", 2*time.Hour)

	refreshed, err := f.svc.Refresh(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, refreshed.Status)
	require.NotNil(t, refreshed.ClosedAt)
	assert.Equal(t, int64(1000), f.balance(t, f.alice))

	// Mutations against the expired task are refused.
	_, err = f.svc.SubmitBid(ctx, f.bob.AgentID, task.TaskID, 80)
	assert.Equal(t, httpapi.CodeInvalidStatus, code(t, err))
}

func TestExecutionDeadlineRefundsPoster(t *testing.T) {
	f := newFixture(t)
	task := f.acceptedTask(t)

	f.backdate(t, task.TaskID, "accepted_at", 2*time.Hour)

	refreshed, err := f.svc.Refresh(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, refreshed.Status)
	assert.Equal(t, int64(1000), f.balance(t, f.alice))
	assert.Equal(t, int64(0), f.balance(t, f.bob))
}

func TestReviewDeadlineAutoApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.acceptedTask(t)
	_, err := f.svc.UploadAsset(ctx, f.bob.AgentID, task.TaskID, "r.txt", "text/plain", strings.NewReader("done"))
	require.NoError(t, err)
	_, err = f.svc.SubmitDeliverable(ctx, f.bob.AgentID, task.TaskID)
	require.NoError(t, err)

	f.backdate(t, task.TaskID, "submitted_at", 2*time.Hour)

	refreshed, err := f.svc.Refresh(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, refreshed.Status)
	assert.Equal(t, int64(100), f.balance(t, f.bob))
}

func TestListTasksFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, 10)
	f.createTask(t, 20)
	accepted := f.acceptedTask(t)

	open, err := f.svc.Tasks(ctx, StatusOpen)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	acceptedList, err := f.svc.Tasks(ctx, StatusAccepted)
	require.NoError(t, err)
	require.Len(t, acceptedList, 1)
	assert.Equal(t, accepted.TaskID, acceptedList[0].TaskID)
}

func TestListTasksFilterDropsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 100)

	f.backdate(t, task.TaskID, "created_at", 2*time.Hour)

	// Listing open tasks expires the stale one and must not hand it back
	// under the open filter.
	open, err := f.svc.Tasks(ctx, StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	expired, err := f.svc.Tasks(ctx, StatusExpired)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, task.TaskID, expired[0].TaskID)
	assert.Equal(t, int64(1000), f.balance(t, f.alice))
}
