package memory

import (
	"context"
	"sync"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/keylock"
	"github.com/cuongbtq/swarm-market/internal/market/ledger"
)

// LedgerStore keeps balances in process memory. Updates are serialized per
// account and per job; the commit itself swaps all touched records under one
// write lock so readers never see half of a batch.
type LedgerStore struct {
	locks keylock.Locker

	mu       sync.RWMutex
	accounts map[string]domain.Account
	holds    map[string]domain.Hold
	journal  map[string][]domain.Transaction
}

// NewLedgerStore creates an empty in-memory ledger store
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		locks:    keylock.NewLocal(),
		accounts: make(map[string]domain.Account),
		holds:    make(map[string]domain.Hold),
		journal:  make(map[string][]domain.Transaction),
	}
}

func (s *LedgerStore) GetAccount(_ context.Context, owner string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[owner]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acc, nil
}

func (s *LedgerStore) GetHold(_ context.Context, jobID string) (*domain.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holds[jobID]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	return &h, nil
}

func (s *LedgerStore) ListTransactions(_ context.Context, owner string, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.journal[owner]
	out := make([]domain.Transaction, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (s *LedgerStore) Update(ctx context.Context, jobID string, owners []string, fn func(b *ledger.Batch) error) error {
	keys := make([]string, 0, len(owners)+1)
	for _, o := range owners {
		keys = append(keys, "account:"+o)
	}
	if jobID != "" {
		keys = append(keys, "hold:"+jobID)
	}
	unlock, err := keylock.LockAll(ctx, s.locks, keys...)
	if err != nil {
		return err
	}
	defer unlock()

	b := &ledger.Batch{Accounts: make(map[string]*domain.Account, len(owners))}
	s.mu.RLock()
	for _, o := range owners {
		acc, ok := s.accounts[o]
		if !ok {
			acc = domain.Account{Owner: o}
		}
		b.Accounts[o] = &acc
	}
	if h, ok := s.holds[jobID]; ok && jobID != "" {
		b.Hold = &h
	}
	s.mu.RUnlock()

	if err := fn(b); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for o, acc := range b.Accounts {
		s.accounts[o] = *acc
	}
	if b.Hold != nil {
		s.holds[b.Hold.JobID] = *b.Hold
	}
	for _, e := range b.Entries {
		s.journal[e.Owner] = append(s.journal[e.Owner], e)
	}
	return nil
}

// Snapshot returns a copy of every account, for invariant checks and tests
func (s *LedgerStore) Snapshot() map[string]domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Account, len(s.accounts))
	for k, v := range s.accounts {
		out[k] = v
	}
	return out
}
