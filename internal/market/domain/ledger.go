package domain

import "time"

// Account is a principal's ledger balance
type Account struct {
	Owner            string    `json:"owner" db:"owner"`
	AvailableBalance int64     `json:"available_balance" db:"available_balance"`
	HeldBalance      int64     `json:"held_balance" db:"held_balance"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Hold is the escrow reservation placed for a single job
type Hold struct {
	JobID     string     `json:"job_id" db:"job_id"`
	Payer     string     `json:"payer" db:"payer"`
	Amount    int64      `json:"amount" db:"amount"`
	Status    HoldStatus `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// Payout is one payee's share of a release
type Payout struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

// Transaction is an immutable ledger journal entry
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	Owner     string          `json:"owner" db:"owner"`
	JobID     string          `json:"job_id,omitempty" db:"job_id"`
	Kind      TransactionKind `json:"kind" db:"kind"`
	Amount    int64           `json:"amount" db:"amount"`
	Available int64           `json:"available_after" db:"available_after"`
	Held      int64           `json:"held_after" db:"held_after"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
