package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/ledger"
	"github.com/cuongbtq/swarm-market/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const accountColumns = `owner, available_balance, held_balance, updated_at`

const holdColumns = `job_id, payer, amount, status, created_at, settled_at`

const transactionColumns = `id, owner, job_id, kind, amount, available_after, held_after, created_at`

// LedgerStore persists balances, holds and the journal in PostgreSQL. Each
// update runs in one transaction holding row locks on the touched accounts
// and an advisory lock on the job.
type LedgerStore struct {
	db *sqlx.DB
}

// NewLedgerStore creates a ledger store over the client's pool
func NewLedgerStore(pg *postgresql.Client) *LedgerStore {
	return &LedgerStore{db: pg.GetDB()}
}

func (s *LedgerStore) GetAccount(ctx context.Context, owner string) (*domain.Account, error) {
	var acc domain.Account
	query := `SELECT ` + accountColumns + ` FROM ledger_accounts WHERE owner = $1`
	if err := s.db.GetContext(ctx, &acc, query, owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acc, nil
}

func (s *LedgerStore) GetHold(ctx context.Context, jobID string) (*domain.Hold, error) {
	return getHold(ctx, s.db, jobID)
}

func getHold(ctx context.Context, q sqlx.QueryerContext, jobID string) (*domain.Hold, error) {
	var h domain.Hold
	query := `SELECT ` + holdColumns + ` FROM escrow_holds WHERE job_id = $1`
	if err := sqlx.GetContext(ctx, q, &h, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}
	return &h, nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, owner string, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM ledger_transactions
		WHERE owner = $1
		ORDER BY seq DESC
		LIMIT $2
	`
	txs := []domain.Transaction{}
	if err := s.db.SelectContext(ctx, &txs, query, owner, limit); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

func (s *LedgerStore) Update(ctx context.Context, jobID string, owners []string, fn func(b *ledger.Batch) error) error {
	// Sorted lock order keeps concurrent updates from deadlocking
	owners = slices.Clone(owners)
	slices.Sort(owners)
	owners = slices.Compact(owners)

	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if jobID != "" {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('hold:' || $1))`, jobID); err != nil {
				return fmt.Errorf("failed to lock hold: %w", err)
			}
		}

		b := &ledger.Batch{Accounts: make(map[string]*domain.Account, len(owners))}
		for _, owner := range owners {
			acc, err := lockAccount(ctx, tx, owner)
			if err != nil {
				return err
			}
			b.Accounts[owner] = acc
		}

		if jobID != "" {
			h, err := getHold(ctx, tx, jobID)
			switch {
			case err == nil:
				b.Hold = h
			case !errors.Is(err, domain.ErrHoldNotFound):
				return err
			}
		}

		if err := fn(b); err != nil {
			return err
		}
		return writeBatch(ctx, tx, b)
	})
}

// lockAccount creates the account row when missing and locks it for the transaction
func lockAccount(ctx context.Context, tx *sqlx.Tx, owner string) (*domain.Account, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_accounts (owner) VALUES ($1) ON CONFLICT (owner) DO NOTHING`, owner); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	var acc domain.Account
	query := `SELECT ` + accountColumns + ` FROM ledger_accounts WHERE owner = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &acc, query, owner); err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &acc, nil
}

func writeBatch(ctx context.Context, tx *sqlx.Tx, b *ledger.Batch) error {
	for _, acc := range b.Accounts {
		query := `
			UPDATE ledger_accounts
			SET available_balance = :available_balance,
			    held_balance = :held_balance,
			    updated_at = :updated_at
			WHERE owner = :owner
		`
		if _, err := tx.NamedExecContext(ctx, query, acc); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
	}

	if b.Hold != nil {
		query := `
			INSERT INTO escrow_holds (` + holdColumns + `) VALUES (
				:job_id, :payer, :amount, :status, :created_at, :settled_at
			)
			ON CONFLICT (job_id) DO UPDATE
			SET payer = EXCLUDED.payer,
			    amount = EXCLUDED.amount,
			    status = EXCLUDED.status,
			    created_at = EXCLUDED.created_at,
			    settled_at = EXCLUDED.settled_at
		`
		if _, err := tx.NamedExecContext(ctx, query, b.Hold); err != nil {
			return fmt.Errorf("failed to save hold: %w", err)
		}
	}

	if len(b.Entries) > 0 {
		query := `
			INSERT INTO ledger_transactions (` + transactionColumns + `) VALUES (
				:id, :owner, :job_id, :kind, :amount, :available_after, :held_after, :created_at
			)
		`
		if _, err := tx.NamedExecContext(ctx, query, b.Entries); err != nil {
			return fmt.Errorf("failed to append transactions: %w", err)
		}
	}
	return nil
}
