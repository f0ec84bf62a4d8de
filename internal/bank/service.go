package bank

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/identity"
	"github.com/agoranet/backend/internal/store"
)

// Service applies ledger operations after the handler layer has
// authenticated the signer. Authorization (platform vs. owner) happens
// here so it is enforced identically for every transport.
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

func (s *Service) isPlatform(agentID string) bool {
	return agentID == s.platformID
}

// CreateAccount opens an account. The platform may seed any recognized
// agent with a non-negative balance; an agent may self-serve an empty
// account. Re-creation fails with ACCOUNT_EXISTS.
func (s *Service) CreateAccount(ctx context.Context, signer, accountID string, initialBalance int64) (*Account, error) {
	if accountID == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "account_id is required")
	}
	if initialBalance < 0 {
		return nil, httpapi.NewError(httpapi.CodeInvalidAmount, "initial_balance must be non-negative")
	}

	switch {
	case s.isPlatform(signer):
		_, found, err := s.identity.GetAgent(ctx, accountID)
		if err != nil {
			return nil, httpapi.NewError(httpapi.CodeIdentityUnavailable, "identity service is unavailable")
		}
		if !found {
			return nil, httpapi.NewError(httpapi.CodeAgentNotFound, "no agent is registered under this account_id")
		}
	case signer == accountID:
		if initialBalance != 0 {
			return nil, httpapi.NewError(httpapi.CodeForbidden, "only the platform may seed a balance")
		}
	default:
		return nil, httpapi.NewError(httpapi.CodeForbidden, "signer may not create this account")
	}

	account := &Account{AccountID: accountID, Balance: initialBalance, CreatedAt: store.NowISO()}
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (account_id, balance, created_at) VALUES (?, ?, ?)`,
			account.AccountID, account.Balance, account.CreatedAt)
		if store.IsConstraint(err) {
			return httpapi.NewError(httpapi.CodeAccountExists, "account already exists")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account created", "account_id", accountID, "initial_balance", initialBalance)
	return account, nil
}

// Credit adds a positive amount under a caller-chosen reference. A replay
// with the same (account, reference) and amount returns the original
// transaction; a mismatched amount fails PAYLOAD_MISMATCH.
func (s *Service) Credit(ctx context.Context, signer, accountID string, amount int64, reference string) (*Transaction, error) {
	if !s.isPlatform(signer) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the platform may issue credits")
	}
	if amount <= 0 {
		return nil, httpapi.NewError(httpapi.CodeInvalidAmount, "amount must be positive")
	}
	if reference == "" {
		return nil, httpapi.NewError(httpapi.CodeInvalidPayload, "reference must be non-empty")
	}

	var result *Transaction
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		account, err := getAccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}

		// Idempotency by (account_id, reference) among credits.
		var prior Transaction
		err = tx.QueryRowContext(ctx,
			`SELECT tx_id, account_id, type, amount, balance_after, reference, created_at
			   FROM transactions WHERE account_id = ? AND reference = ? AND type = 'credit'`,
			accountID, reference,
		).Scan(&prior.TxID, &prior.AccountID, &prior.Type, &prior.Amount, &prior.BalanceAfter, &prior.Reference, &prior.CreatedAt)
		switch {
		case err == nil:
			if prior.Amount != amount {
				return httpapi.NewError(httpapi.CodePayloadMismatch, "a credit with this reference exists with a different amount")
			}
			result = &prior
			return nil
		case err != sql.ErrNoRows:
			return err
		}

		newBalance := account.Balance + amount
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = ? WHERE account_id = ?`, newBalance, accountID); err != nil {
			return err
		}
		result = &Transaction{
			TxID:         "tx-" + uuid.NewString(),
			AccountID:    accountID,
			Type:         TxCredit,
			Amount:       amount,
			BalanceAfter: newBalance,
			Reference:    reference,
			CreatedAt:    store.NowISO(),
		}
		return insertTransaction(ctx, tx, result)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transactions.WithLabelValues(TxCredit).Inc()
	return result, nil
}

// LockResult is the outcome of an escrow lock.
type LockResult struct {
	Escrow      *Escrow      `json:"escrow"`
	Transaction *Transaction `json:"transaction,omitempty"`
	// Replayed is true when an identical lock already existed.
	Replayed bool `json:"replayed,omitempty"`
}

// EscrowLock debits the signer and opens an escrow earmarked to a task.
// Idempotent on (payer, task_id) with an identical amount; a differing
// amount fails ESCROW_ALREADY_LOCKED; a short balance INSUFFICIENT_FUNDS.
func (s *Service) EscrowLock(ctx context.Context, signer, taskID string, amount int64) (*LockResult, error) {
	if taskID == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "task_id is required")
	}
	if amount <= 0 {
		return nil, httpapi.NewError(httpapi.CodeInvalidAmount, "amount must be positive")
	}

	var result LockResult
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		account, err := getAccountTx(ctx, tx, signer)
		if err != nil {
			return err
		}

		existing, err := getLockedEscrowByTaskTx(ctx, tx, signer, taskID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Amount != amount {
				return httpapi.NewError(httpapi.CodeEscrowAlreadyLocked, "an escrow with a different amount is already locked for this task")
			}
			result = LockResult{Escrow: existing, Replayed: true}
			return nil
		}

		// The debit is predicated on the balance so a concurrent writer can
		// never drive it negative.
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - ? WHERE account_id = ? AND balance >= ?`,
			amount, signer, amount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return httpapi.NewError(httpapi.CodeInsufficientFunds, "balance is insufficient for this lock")
		}

		escrow := &Escrow{
			EscrowID:       "esc-" + uuid.NewString(),
			PayerAccountID: signer,
			Amount:         amount,
			TaskID:         taskID,
			Status:         EscrowLocked,
			CreatedAt:      store.NowISO(),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO escrows (escrow_id, payer_account_id, amount, task_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			escrow.EscrowID, escrow.PayerAccountID, escrow.Amount, escrow.TaskID, escrow.Status, escrow.CreatedAt,
		); err != nil {
			if store.IsConstraint(err) {
				return httpapi.NewError(httpapi.CodeEscrowAlreadyLocked, "an escrow is already locked for this task")
			}
			return err
		}

		txRow := &Transaction{
			TxID:         "tx-" + uuid.NewString(),
			AccountID:    signer,
			Type:         TxEscrowLock,
			Amount:       amount,
			BalanceAfter: account.Balance - amount,
			Reference:    escrow.EscrowID,
			CreatedAt:    store.NowISO(),
		}
		if err := insertTransaction(ctx, tx, txRow); err != nil {
			return err
		}
		result = LockResult{Escrow: escrow, Transaction: txRow}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		s.metrics.Transactions.WithLabelValues(TxEscrowLock).Inc()
		s.logger.Info("escrow locked",
			"escrow_id", result.Escrow.EscrowID, "payer", signer, "task_id", taskID, "amount", amount)
	}
	return &result, nil
}

// ReleaseResult is the outcome of a release or split.
type ReleaseResult struct {
	Escrow  *Escrow        `json:"escrow"`
	Credits []*Transaction `json:"credits"`
}

// EscrowRelease credits the full escrow amount to the named recipient and
// marks the escrow released. Platform-only; resolves at most once.
func (s *Service) EscrowRelease(ctx context.Context, signer, escrowID, recipientID string) (*ReleaseResult, error) {
	if !s.isPlatform(signer) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the platform may release escrows")
	}
	if recipientID == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "recipient_account_id is required")
	}

	var result ReleaseResult
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		escrow, err := getEscrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if _, err := getAccountTx(ctx, tx, recipientID); err != nil {
			return err
		}

		if err := resolveEscrowTx(ctx, tx, escrow, EscrowReleased); err != nil {
			return err
		}
		credit, err := creditForEscrowTx(ctx, tx, recipientID, escrow.Amount, escrow.EscrowID)
		if err != nil {
			return err
		}
		result = ReleaseResult{Escrow: escrow, Credits: []*Transaction{credit}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Resolutions.WithLabelValues(EscrowReleased).Inc()
	s.logger.Info("escrow released", "escrow_id", escrowID, "recipient", recipientID)
	return &result, nil
}

// EscrowSplit divides a locked escrow between worker and poster by an
// integer percentage: the worker receives floor(amount*pct/100), the
// poster the remainder. Platform-only; the poster account must equal the
// original payer.
func (s *Service) EscrowSplit(ctx context.Context, signer, escrowID, workerID, posterID string, workerPct int64) (*ReleaseResult, error) {
	if !s.isPlatform(signer) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the platform may split escrows")
	}
	if workerPct < 0 || workerPct > 100 {
		return nil, httpapi.NewError(httpapi.CodeInvalidWorkerPct, "worker_pct must be between 0 and 100")
	}
	if workerID == "" || posterID == "" {
		return nil, httpapi.NewError(httpapi.CodeMissingField, "worker_account_id and poster_account_id are required")
	}

	var result ReleaseResult
	err := s.store.db.WriteTx(ctx, func(tx *sql.Tx) error {
		escrow, err := getEscrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if escrow.PayerAccountID != posterID {
			return httpapi.NewError(httpapi.CodePayloadMismatch, "poster_account_id does not match the escrow payer")
		}
		if _, err := getAccountTx(ctx, tx, workerID); err != nil {
			return err
		}

		if err := resolveEscrowTx(ctx, tx, escrow, EscrowSplit); err != nil {
			return err
		}

		workerShare := escrow.Amount * workerPct / 100
		posterShare := escrow.Amount - workerShare

		credits := make([]*Transaction, 0, 2)
		if workerShare > 0 {
			credit, err := creditForEscrowTx(ctx, tx, workerID, workerShare, escrow.EscrowID)
			if err != nil {
				return err
			}
			credits = append(credits, credit)
		}
		if posterShare > 0 {
			credit, err := creditForEscrowTx(ctx, tx, posterID, posterShare, escrow.EscrowID)
			if err != nil {
				return err
			}
			credits = append(credits, credit)
		}
		result = ReleaseResult{Escrow: escrow, Credits: credits}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Resolutions.WithLabelValues(EscrowSplit).Inc()
	s.logger.Info("escrow split",
		"escrow_id", escrowID, "worker", workerID, "poster", posterID, "worker_pct", workerPct)
	return &result, nil
}

// resolveEscrowTx flips a locked escrow to its terminal status. The guard
// on status='locked' is what makes every resolution exactly-once.
func resolveEscrowTx(ctx context.Context, tx *sql.Tx, escrow *Escrow, status string) error {
	resolvedAt := store.NowISO()
	res, err := tx.ExecContext(ctx,
		`UPDATE escrows SET status = ?, resolved_at = ? WHERE escrow_id = ? AND status = 'locked'`,
		status, resolvedAt, escrow.EscrowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return httpapi.NewError(httpapi.CodeEscrowAlreadyResolved, "escrow has already been resolved")
	}
	escrow.Status = status
	escrow.ResolvedAt = &resolvedAt
	return nil
}

// creditForEscrowTx credits an account as part of an escrow resolution.
func creditForEscrowTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64, escrowID string) (*Transaction, error) {
	account, err := getAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	newBalance := account.Balance + amount
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ? WHERE account_id = ?`, newBalance, accountID); err != nil {
		return nil, err
	}
	row := &Transaction{
		TxID:         "tx-" + uuid.NewString(),
		AccountID:    accountID,
		Type:         TxEscrowRelease,
		Amount:       amount,
		BalanceAfter: newBalance,
		Reference:    escrowID,
		CreatedAt:    store.NowISO(),
	}
	if err := insertTransaction(ctx, tx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (tx_id, account_id, type, amount, balance_after, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TxID, t.AccountID, t.Type, t.Amount, t.BalanceAfter, t.Reference, t.CreatedAt)
	return err
}

// ReadAccount returns an account to its owner or the platform.
func (s *Service) ReadAccount(ctx context.Context, signer, accountID string) (*Account, error) {
	if !s.isPlatform(signer) && signer != accountID {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the account owner or the platform may read this account")
	}
	return s.store.GetAccount(ctx, accountID)
}

// ReadTransactions returns an account's ledger to its owner or the platform.
func (s *Service) ReadTransactions(ctx context.Context, signer, accountID string) ([]*Transaction, error) {
	if !s.isPlatform(signer) && signer != accountID {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the account owner or the platform may read this ledger")
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountID)
}

// ReadEscrow returns an escrow to its payer or the platform.
func (s *Service) ReadEscrow(ctx context.Context, signer, escrowID string) (*Escrow, error) {
	escrow, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !s.isPlatform(signer) && signer != escrow.PayerAccountID {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "only the escrow payer or the platform may read this escrow")
	}
	return escrow, nil
}
