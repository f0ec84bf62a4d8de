// Package bank is the Central Bank: a double-entry ledger over agent
// accounts with atomic escrow lock/release/split primitives. Every
// mutation is one append-only transaction row inside one serialized
// database transaction.
package bank

import (
	"context"
	"database/sql"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

// Transaction kinds.
const (
	TxCredit        = "credit"
	TxEscrowLock    = "escrow_lock"
	TxEscrowRelease = "escrow_release"
)

// Escrow statuses.
const (
	EscrowLocked   = "locked"
	EscrowReleased = "released"
	EscrowSplit    = "split"
)

// Account is an agent's balance row; account_id equals the agent_id.
type Account struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

// Transaction is one ledger mutation.
type Transaction struct {
	TxID         string `json:"tx_id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Reference    string `json:"reference"`
	CreatedAt    string `json:"created_at"`
}

// Escrow is a reserved portion of a payer's funds earmarked to a task.
type Escrow struct {
	EscrowID       string  `json:"escrow_id"`
	PayerAccountID string  `json:"payer_account_id"`
	Amount         int64   `json:"amount"`
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	ResolvedAt     *string `json:"resolved_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL CHECK (balance >= 0),
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    tx_id         TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL REFERENCES accounts(account_id),
    type          TEXT NOT NULL CHECK (type IN ('credit','escrow_lock','escrow_release')),
    amount        INTEGER NOT NULL CHECK (amount > 0),
    balance_after INTEGER NOT NULL,
    reference     TEXT NOT NULL,
    created_at    TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_reference
    ON transactions(account_id, reference) WHERE type = 'credit';

CREATE TABLE IF NOT EXISTS escrows (
    escrow_id        TEXT PRIMARY KEY,
    payer_account_id TEXT NOT NULL REFERENCES accounts(account_id),
    amount           INTEGER NOT NULL CHECK (amount > 0),
    task_id          TEXT NOT NULL,
    status           TEXT NOT NULL CHECK (status IN ('locked','released','split')),
    created_at       TEXT NOT NULL,
    resolved_at      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_escrow_locked
    ON escrows(payer_account_id, task_id) WHERE status = 'locked';
`

// Store persists the ledger.
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

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.AccountID, &a.Balance, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeAccountNotFound, "account not found")
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount reads one account outside a write transaction.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return scanAccount(s.db.SQL().QueryRowContext(ctx,
		`SELECT account_id, balance, created_at FROM accounts WHERE account_id = ?`, accountID))
}

func getAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*Account, error) {
	return scanAccount(tx.QueryRowContext(ctx,
		`SELECT account_id, balance, created_at FROM accounts WHERE account_id = ?`, accountID))
}

// ListTransactions returns an account's ledger entries, newest last.
func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]*Transaction, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT tx_id, account_id, type, amount, balance_after, reference, created_at
		   FROM transactions WHERE account_id = ? ORDER BY created_at, tx_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]*Transaction, 0)
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.TxID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

func scanEscrow(scan func(dest ...interface{}) error) (*Escrow, error) {
	var e Escrow
	err := scan(&e.EscrowID, &e.PayerAccountID, &e.Amount, &e.TaskID, &e.Status, &e.CreatedAt, &e.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, httpapi.NewError(httpapi.CodeEscrowNotFound, "escrow not found")
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const escrowColumns = `escrow_id, payer_account_id, amount, task_id, status, created_at, resolved_at`

// GetEscrow reads one escrow row.
func (s *Store) GetEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE escrow_id = ?`, escrowID)
	return scanEscrow(row.Scan)
}

func getEscrowTx(ctx context.Context, tx *sql.Tx, escrowID string) (*Escrow, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE escrow_id = ?`, escrowID)
	return scanEscrow(row.Scan)
}

func getLockedEscrowByTaskTx(ctx context.Context, tx *sql.Tx, payerID, taskID string) (*Escrow, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows
		  WHERE payer_account_id = ? AND task_id = ? AND status = 'locked'`, payerID, taskID)
	e, err := scanEscrow(row.Scan)
	if herr, ok := err.(*httpapi.Error); ok && herr.Code == httpapi.CodeEscrowNotFound {
		return nil, nil
	}
	return e, err
}

// Counters feeds the health endpoint.
func (s *Store) Counters(ctx context.Context) map[string]interface{} {
	counters := map[string]interface{}{}
	var n int64
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err == nil {
		counters["accounts"] = n
	}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err == nil {
		counters["transactions"] = n
	}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows WHERE status = 'locked'`).Scan(&n); err == nil {
		counters["locked_escrows"] = n
	}
	return counters
}
