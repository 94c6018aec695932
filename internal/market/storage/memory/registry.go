package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/registry"
)

// RegistryStore keeps jobs, bids and swarms in process memory. Every method
// copies records in and out so callers never share state with the store.
type RegistryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*domain.Job
	bids       map[string]*domain.Bid
	jobBids    map[string][]string
	swarmBids  map[string]string
	swarms     map[string]*domain.Swarm
	swarmOrder []string
}

// NewRegistryStore creates an empty in-memory registry store
func NewRegistryStore() *RegistryStore {
	return &RegistryStore{
		jobs:      make(map[string]*domain.Job),
		bids:      make(map[string]*domain.Bid),
		jobBids:   make(map[string][]string),
		swarmBids: make(map[string]string),
		swarms:    make(map[string]*domain.Swarm),
	}
}

func bidKey(jobID, swarmID string) string {
	return jobID + "|" + swarmID
}

func (s *RegistryStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *RegistryStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *RegistryStore) ListJobs(_ context.Context, filter registry.JobFilter) ([]*domain.Job, error) {
	s.mu.RLock()
	matched := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.ClientID != "" && j.ClientID != filter.ClientID {
			continue
		}
		if filter.SwarmID != "" && j.AssignedSwarmID != filter.SwarmID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.After(matched[k].CreatedAt)
		}
		return matched[i].ID > matched[k].ID
	})

	out := make([]*domain.Job, 0, filter.Limit+1)
	for _, j := range matched {
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.ID) {
				continue
			}
		}
		out = append(out, j)
		if len(out) > filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *RegistryStore) UpdateJob(_ context.Context, id string, fn func(job *domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *RegistryStore) CreateBid(_ context.Context, bid *domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bidKey(bid.JobID, bid.SwarmID)
	if _, dup := s.swarmBids[key]; dup {
		return domain.ErrDuplicateBid
	}
	b := *bid
	s.bids[b.ID] = &b
	s.jobBids[b.JobID] = append(s.jobBids[b.JobID], b.ID)
	s.swarmBids[key] = b.ID
	return nil
}

func (s *RegistryStore) GetBid(_ context.Context, id string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, domain.ErrBidNotFound
	}
	out := *b
	return &out, nil
}

func (s *RegistryStore) ListBids(_ context.Context, jobID string) ([]*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.jobBids[jobID]
	out := make([]*domain.Bid, 0, len(ids))
	for _, id := range ids {
		b := *s.bids[id]
		out = append(out, &b)
	}
	return out, nil
}

func (s *RegistryStore) AcceptBid(_ context.Context, jobID, bidID string) (*domain.Job, *domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusOpen {
		return nil, nil, domain.ErrJobNotOpen
	}
	bid, ok := s.bids[bidID]
	if !ok || bid.JobID != jobID {
		return nil, nil, domain.ErrBidNotFound
	}
	if bid.IsAccepted {
		return nil, nil, domain.ErrBidAlreadyDecided
	}

	bid.IsAccepted = true
	job.Status = domain.JobStatusAssigned
	job.AssignedSwarmID = bid.SwarmID

	outBid := *bid
	return job.Clone(), &outBid, nil
}

func (s *RegistryStore) CreateSwarm(_ context.Context, swarm *domain.Swarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.swarms[swarm.ID] = swarm.Clone()
	s.swarmOrder = append(s.swarmOrder, swarm.ID)
	return nil
}

func (s *RegistryStore) GetSwarm(_ context.Context, id string) (*domain.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sw, ok := s.swarms[id]
	if !ok {
		return nil, domain.ErrSwarmNotFound
	}
	return sw.Clone(), nil
}

func (s *RegistryStore) ListSwarms(_ context.Context, filter registry.SwarmFilter) ([]*domain.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Swarm, 0, min(filter.Limit, len(s.swarmOrder)))
	for i := len(s.swarmOrder) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		sw := s.swarms[s.swarmOrder[i]]
		if filter.OwnerID != "" && sw.OwnerID != filter.OwnerID {
			continue
		}
		if filter.ActiveOnly && !sw.IsActive {
			continue
		}
		out = append(out, sw.Clone())
	}
	return out, nil
}

func (s *RegistryStore) CreditAgents(_ context.Context, swarmID string, credits map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.swarms[swarmID]
	if !ok {
		return domain.ErrSwarmNotFound
	}
	for i := range sw.Agents {
		if amount, ok := credits[sw.Agents[i].Address]; ok {
			sw.Agents[i].Earnings += amount
			sw.Agents[i].TasksCompleted++
		}
	}
	return nil
}
