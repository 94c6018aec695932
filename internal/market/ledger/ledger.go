// Package ledger keeps principal balances and the escrow holds placed for jobs.
//
// Every mutation goes through Store.Update, which loads the affected accounts
// and hold, applies the change in memory and persists it atomically. A
// mutation that returns an error leaves no trace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/google/uuid"
)

// Batch is the unit of work handed to a Store update.
// Accounts holds every requested owner; unknown owners start at zero.
// Hold is nil when the job has no hold yet.
type Batch struct {
	Accounts map[string]*domain.Account
	Hold     *domain.Hold
	Entries  []domain.Transaction
}

// Store persists accounts, holds and the transaction journal
type Store interface {
	GetAccount(ctx context.Context, owner string) (*domain.Account, error)
	GetHold(ctx context.Context, jobID string) (*domain.Hold, error)
	ListTransactions(ctx context.Context, owner string, limit int) ([]domain.Transaction, error)

	// Update serializes against every other update touching the same owners
	// or job, and commits the batch only when fn returns nil.
	Update(ctx context.Context, jobID string, owners []string, fn func(b *Batch) error) error
}

// Ledger performs atomic debits and credits
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over the given store
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Account returns the balance of owner; unknown owners have a zero balance
func (l *Ledger) Account(ctx context.Context, owner string) (*domain.Account, error) {
	acc, err := l.store.GetAccount(ctx, owner)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return &domain.Account{Owner: owner}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// HoldFor returns the escrow hold placed for a job
func (l *Ledger) HoldFor(ctx context.Context, jobID string) (*domain.Hold, error) {
	return l.store.GetHold(ctx, jobID)
}

// Transactions lists the newest journal entries of owner
func (l *Ledger) Transactions(ctx context.Context, owner string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListTransactions(ctx, owner, limit)
}

// Deposit credits external funds to owner
func (l *Ledger) Deposit(ctx context.Context, owner string, amount int64) (*domain.Account, error) {
	if owner == "" {
		return nil, domain.NewValidationError("owner is required")
	}
	if amount <= 0 {
		return nil, domain.NewValidationError("amount must be greater than 0")
	}

	var out domain.Account
	err := l.store.Update(ctx, "", []string{owner}, func(b *Batch) error {
		acc := b.Accounts[owner]
		acc.AvailableBalance += amount
		b.Entries = append(b.Entries, l.entry(acc, "", domain.TxDeposit, amount))
		out = *acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Funds deposited",
		slog.String("owner", owner),
		slog.Int64("amount", amount),
	)
	return &out, nil
}

// Hold moves amount from the payer's available to held balance for jobID.
// It fails with ErrInsufficientBalance leaving balances untouched. A HELD
// hold with the same payer and amount is returned as is, so a caller that
// failed after placing the hold can place it again.
func (l *Ledger) Hold(ctx context.Context, payer, jobID string, amount int64) (*domain.Hold, error) {
	if payer == "" || jobID == "" {
		return nil, domain.NewValidationError("payer and job_id are required")
	}
	if amount <= 0 {
		return nil, domain.NewValidationError("hold amount must be greater than 0")
	}

	var (
		out     domain.Hold
		adopted bool
	)
	err := l.store.Update(ctx, jobID, []string{payer}, func(b *Batch) error {
		if b.Hold != nil && b.Hold.Status == domain.HoldStatusHeld && b.Hold.Payer == payer && b.Hold.Amount == amount {
			out = *b.Hold
			adopted = true
			return nil
		}
		// A refunded hold no longer funds anything and may be replaced
		if b.Hold != nil && b.Hold.Status != domain.HoldStatusRefunded {
			return domain.ErrDuplicateHold
		}
		acc := b.Accounts[payer]
		if acc.AvailableBalance < amount {
			return domain.ErrInsufficientBalance
		}
		acc.AvailableBalance -= amount
		acc.HeldBalance += amount

		b.Hold = &domain.Hold{
			JobID:     jobID,
			Payer:     payer,
			Amount:    amount,
			Status:    domain.HoldStatusHeld,
			CreatedAt: l.now(),
		}
		b.Entries = append(b.Entries, l.entry(acc, jobID, domain.TxEscrowLock, amount))
		out = *b.Hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	if adopted {
		l.logger.Info("Escrow hold already placed",
			slog.String("job_id", jobID),
			slog.String("payer", payer),
		)
		return &out, nil
	}

	l.logger.Info("Escrow hold placed",
		slog.String("job_id", jobID),
		slog.String("payer", payer),
		slog.Int64("amount", amount),
	)
	return &out, nil
}

// Release pays the job's hold out to the payees. The shares must add up to
// exactly the held amount or ErrSplitMismatch is returned and nothing moves.
func (l *Ledger) Release(ctx context.Context, jobID string, payouts []domain.Payout) (*domain.Hold, error) {
	current, err := l.store.GetHold(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var sum int64
	owners := []string{current.Payer}
	for _, p := range payouts {
		if p.AccountID == "" || p.Amount < 0 {
			return nil, domain.NewValidationError("invalid payout %q: %d", p.AccountID, p.Amount)
		}
		sum += p.Amount
		owners = append(owners, p.AccountID)
	}

	var out domain.Hold
	err = l.store.Update(ctx, jobID, owners, func(b *Batch) error {
		h := b.Hold
		if h == nil {
			return domain.ErrHoldNotFound
		}
		if h.Status != domain.HoldStatusHeld {
			return domain.ErrHoldSettled
		}
		if sum != h.Amount {
			return fmt.Errorf("%w: shares sum to %d, held %d", domain.ErrSplitMismatch, sum, h.Amount)
		}

		payer := b.Accounts[h.Payer]
		if payer.HeldBalance < h.Amount {
			return fmt.Errorf("%w: held balance of %s below hold amount", domain.ErrInternal, h.Payer)
		}
		payer.HeldBalance -= h.Amount
		b.Entries = append(b.Entries, l.entry(payer, jobID, domain.TxEscrowRelease, h.Amount))

		for _, p := range payouts {
			if p.Amount == 0 {
				continue
			}
			payee := b.Accounts[p.AccountID]
			payee.AvailableBalance += p.Amount
			b.Entries = append(b.Entries, l.entry(payee, jobID, domain.TxTaskEarning, p.Amount))
		}

		settled := l.now()
		h.Status = domain.HoldStatusReleased
		h.SettledAt = &settled
		out = *h
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Escrow hold released",
		slog.String("job_id", jobID),
		slog.Int64("amount", out.Amount),
		slog.Int("payees", len(payouts)),
	)
	return &out, nil
}

// Refund returns the job's held funds to the payer
func (l *Ledger) Refund(ctx context.Context, jobID string) (*domain.Hold, error) {
	current, err := l.store.GetHold(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var out domain.Hold
	err = l.store.Update(ctx, jobID, []string{current.Payer}, func(b *Batch) error {
		h := b.Hold
		if h == nil {
			return domain.ErrHoldNotFound
		}
		if h.Status != domain.HoldStatusHeld {
			return domain.ErrHoldSettled
		}
		payer := b.Accounts[h.Payer]
		if payer.HeldBalance < h.Amount {
			return fmt.Errorf("%w: held balance of %s below hold amount", domain.ErrInternal, h.Payer)
		}
		payer.HeldBalance -= h.Amount
		payer.AvailableBalance += h.Amount
		b.Entries = append(b.Entries, l.entry(payer, jobID, domain.TxRefund, h.Amount))

		settled := l.now()
		h.Status = domain.HoldStatusRefunded
		h.SettledAt = &settled
		out = *h
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Escrow hold refunded",
		slog.String("job_id", jobID),
		slog.String("payer", out.Payer),
		slog.Int64("amount", out.Amount),
	)
	return &out, nil
}

func (l *Ledger) entry(acc *domain.Account, jobID string, kind domain.TransactionKind, amount int64) domain.Transaction {
	now := l.now()
	acc.UpdatedAt = now
	return domain.Transaction{
		ID:        uuid.NewString(),
		Owner:     acc.Owner,
		JobID:     jobID,
		Kind:      kind,
		Amount:    amount,
		Available: acc.AvailableBalance,
		Held:      acc.HeldBalance,
		CreatedAt: now,
	}
}
