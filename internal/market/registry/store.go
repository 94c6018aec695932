package registry

import (
	"context"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// Cursor marks the last job of a page; listing continues strictly after it
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// JobFilter narrows a job listing. Results are ordered newest first and
// Limit+1 rows are returned so callers can detect another page.
type JobFilter struct {
	ClientID string
	SwarmID  string
	Status   domain.JobStatus
	Limit    int
	Cursor   *Cursor
}

// SwarmFilter narrows a swarm listing
type SwarmFilter struct {
	OwnerID    string
	ActiveOnly bool
	Limit      int
}

// Store persists jobs, bids, swarms and agents
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// UpdateJob reads the job under a row lock, applies fn and writes the
	// result back. When fn fails nothing is written.
	UpdateJob(ctx context.Context, id string, fn func(job *domain.Job) error) (*domain.Job, error)

	// CreateBid fails with ErrDuplicateBid when the swarm already bid on the job
	CreateBid(ctx context.Context, bid *domain.Bid) error
	GetBid(ctx context.Context, id string) (*domain.Bid, error)
	ListBids(ctx context.Context, jobID string) ([]*domain.Bid, error)

	// AcceptBid atomically moves the job from OPEN to ASSIGNED and marks the
	// bid accepted. It fails with ErrJobNotOpen, ErrBidNotFound or
	// ErrBidAlreadyDecided without writing anything.
	AcceptBid(ctx context.Context, jobID, bidID string) (*domain.Job, *domain.Bid, error)

	CreateSwarm(ctx context.Context, swarm *domain.Swarm) error
	GetSwarm(ctx context.Context, id string) (*domain.Swarm, error)
	ListSwarms(ctx context.Context, filter SwarmFilter) ([]*domain.Swarm, error)

	// CreditAgents adds earnings to the given agents and bumps their task counters
	CreditAgents(ctx context.Context, swarmID string, credits map[string]int64) error
}
