// Package registry is the authoritative state machine for jobs, bids and
// swarms. Every mutation of a job runs under that job's key lock, and the
// store re-checks the expected status when it writes, so concurrent callers
// see exactly one winner.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/fanout"
	"github.com/cuongbtq/swarm-market/internal/market/keylock"
	"github.com/cuongbtq/swarm-market/internal/market/ledger"
	"github.com/cuongbtq/swarm-market/internal/market/settlement"
	"github.com/google/uuid"
)

// Enqueuer schedules execution for an assigned job
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, swarmID string) (*domain.Task, error)
}

// Publisher fans events out to subscribers
type Publisher interface {
	Publish(evt fanout.Event, channels ...string) map[string]uint64
}

// Config holds registry policy
type Config struct {
	// AllowSelfBid lets a swarm owner bid on jobs they posted
	AllowSelfBid bool
	// PayoutWeights splits a released payment across agent roles
	PayoutWeights map[domain.AgentRole]int64
	// RefundOnAbandon returns held funds to the client when execution gives up
	RefundOnAbandon bool
}

// Dependencies holds the collaborators a registry needs
type Dependencies struct {
	Store     Store
	Ledger    *ledger.Ledger
	Chain     settlement.Chain
	Queue     Enqueuer
	Publisher Publisher
	Locker    keylock.Locker
	Logger    *slog.Logger
}

// Registry runs job, bid and swarm commands
type Registry struct {
	config    Config
	store     Store
	ledger    *ledger.Ledger
	chain     settlement.Chain
	queue     Enqueuer
	publisher Publisher
	locks     keylock.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a registry
func New(config Config, deps Dependencies) *Registry {
	if config.PayoutWeights == nil {
		config.PayoutWeights = DefaultPayoutWeights
	}
	return &Registry{
		config:    config,
		store:     deps.Store,
		ledger:    deps.Ledger,
		chain:     deps.Chain,
		queue:     deps.Queue,
		publisher: deps.Publisher,
		locks:     deps.Locker,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) lockJob(ctx context.Context, jobID string) (func(), error) {
	unlock, err := r.locks.Lock(ctx, "job:"+jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock job %s: %w", jobID, err)
	}
	return unlock, nil
}

// CreateJob registers the job on chain and stores it as OPEN. Nothing is
// stored when the chain registration fails.
func (r *Registry) CreateJob(ctx context.Context, in domain.Job) (*domain.Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(in.Title),
		Description:   strings.TrimSpace(in.Description),
		Requirements:  strings.TrimSpace(in.Requirements),
		PaymentAmount: in.PaymentAmount,
		Status:        domain.JobStatusOpen,
		ClientID:      in.ClientID,
		CreatedAt:     r.now(),
	}

	chainID, err := r.chain.RegisterJob(ctx, job)
	if err != nil {
		r.logger.Error("Failed to register job on chain",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	job.ChainID = chainID

	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	r.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("client_id", job.ClientID),
		slog.Int64("payment_amount", job.PaymentAmount),
	)

	r.publisher.Publish(fanout.JobLifecycle{JobID: job.ID, Status: job.Status, At: job.CreatedAt})
	r.publisher.Publish(fanout.JobPosted{
		JobID:         job.ID,
		Title:         job.Title,
		ClientID:      job.ClientID,
		PaymentAmount: job.PaymentAmount,
		At:            job.CreatedAt,
	})
	return job, nil
}

// GetJob returns a job by id
func (r *Registry) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return r.store.GetJob(ctx, id)
}

// ListJobs returns a page of jobs
func (r *Registry) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewValidationError("unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	return r.store.ListJobs(ctx, filter)
}

// SubmitBid records a swarm's offer on an OPEN job. No funds move.
func (r *Registry) SubmitBid(ctx context.Context, in domain.Bid) (*domain.Bid, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock, err := r.lockJob(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := r.store.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusOpen {
		return nil, domain.ErrJobNotOpen
	}

	swarm, err := r.store.GetSwarm(ctx, in.SwarmID)
	if err != nil {
		return nil, err
	}
	if !swarm.IsActive {
		return nil, domain.ErrSwarmInactive
	}
	if !r.config.AllowSelfBid && swarm.OwnerID == job.ClientID {
		return nil, domain.ErrSelfBidForbidden
	}

	bid := &domain.Bid{
		ID:                 uuid.NewString(),
		JobID:              job.ID,
		SwarmID:            swarm.ID,
		Price:              in.Price,
		EstimatedTimeHours: in.EstimatedTimeHours,
		Message:            strings.TrimSpace(in.Message),
		CreatedAt:          r.now(),
	}
	if err := r.store.CreateBid(ctx, bid); err != nil {
		if errors.Is(err, domain.ErrDuplicateBid) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create bid: %w", err)
	}

	r.logger.Info("Bid submitted",
		slog.String("job_id", bid.JobID),
		slog.String("bid_id", bid.ID),
		slog.String("swarm_id", bid.SwarmID),
		slog.Int64("price", bid.Price),
	)

	r.publisher.Publish(fanout.BidReceived{
		JobID:              bid.JobID,
		BidID:              bid.ID,
		SwarmID:            bid.SwarmID,
		Price:              bid.Price,
		EstimatedTimeHours: bid.EstimatedTimeHours,
		At:                 bid.CreatedAt,
	})
	return bid, nil
}

// ListBids returns every bid placed on a job, accepted or not
func (r *Registry) ListBids(ctx context.Context, jobID string) ([]*domain.Bid, error) {
	if _, err := r.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return r.store.ListBids(ctx, jobID)
}

// AcceptBid assigns the job to the bidding swarm, places the escrow hold on
// the client's account and schedules execution. An empty actor skips the
// client ownership check.
func (r *Registry) AcceptBid(ctx context.Context, actor, jobID, bidID string) (*domain.Job, error) {
	unlock, err := r.lockJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if actor != "" && actor != job.ClientID {
		return nil, domain.ErrNotJobClient
	}
	if job.Status != domain.JobStatusOpen {
		return nil, domain.ErrJobNotOpen
	}
	bid, err := r.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.JobID != job.ID {
		return nil, domain.ErrBidNotFound
	}
	if bid.IsAccepted {
		return nil, domain.ErrBidAlreadyDecided
	}

	if _, err := r.ledger.Hold(ctx, job.ClientID, job.ID, job.PaymentAmount); err != nil {
		return nil, err
	}

	assigned, bid, err := r.store.AcceptBid(ctx, jobID, bidID)
	if err != nil {
		// Lost the race against another process; give the funds back
		if _, refundErr := r.ledger.Refund(ctx, job.ID); refundErr != nil {
			r.logger.Error("Failed to refund hold after lost acceptance",
				slog.String("job_id", job.ID),
				slog.String("error", refundErr.Error()),
			)
		}
		return nil, err
	}

	r.logger.Info("Bid accepted",
		slog.String("job_id", assigned.ID),
		slog.String("bid_id", bid.ID),
		slog.String("swarm_id", assigned.AssignedSwarmID),
	)

	now := r.now()
	r.publisher.Publish(fanout.Payment{
		JobID:   assigned.ID,
		SwarmID: assigned.AssignedSwarmID,
		Type:    domain.TxEscrowLock,
		Payer:   assigned.ClientID,
		Amount:  assigned.PaymentAmount,
		At:      now,
	})
	r.publisher.Publish(fanout.JobLifecycle{
		JobID:    assigned.ID,
		Status:   assigned.Status,
		Previous: domain.JobStatusOpen,
		SwarmID:  assigned.AssignedSwarmID,
		At:       now,
	})

	if _, err := r.queue.Enqueue(ctx, assigned.ID, assigned.AssignedSwarmID); err != nil {
		// Execution errors surface as a state change, never to the caller
		r.logger.Error("Failed to enqueue execution",
			slog.String("job_id", assigned.ID),
			slog.String("error", err.Error()),
		)
		if disputed, derr := r.disputeLocked(ctx, assigned.ID, "execution could not be scheduled"); derr == nil {
			return disputed, nil
		}
	}
	return assigned, nil
}

// DisputeJob moves an ASSIGNED or IN_PROGRESS job to DISPUTED. The hold is
// left for manual settlement. The actor must be the client or the owner of
// the assigned swarm; an empty actor skips the check.
func (r *Registry) DisputeJob(ctx context.Context, actor, jobID, reason string) (*domain.Job, error) {
	unlock, err := r.lockJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if actor != "" && actor != job.ClientID {
		swarm, err := r.store.GetSwarm(ctx, job.AssignedSwarmID)
		if err != nil || swarm.OwnerID != actor {
			return nil, domain.ErrNotJobClient
		}
	}
	if strings.TrimSpace(reason) == "" {
		reason = "disputed"
	}
	return r.disputeLocked(ctx, jobID, reason)
}

func (r *Registry) disputeLocked(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	var previous domain.JobStatus
	job, err := r.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		if j.Status != domain.JobStatusAssigned && j.Status != domain.JobStatusInProgress {
			return domain.ErrInvalidTransition
		}
		previous = j.Status
		j.Status = domain.JobStatusDisputed
		j.DisputeReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Warn("Job disputed",
		slog.String("job_id", job.ID),
		slog.String("previous", string(previous)),
		slog.String("reason", reason),
	)
	r.publisher.Publish(fanout.JobLifecycle{
		JobID:    job.ID,
		Status:   job.Status,
		Previous: previous,
		SwarmID:  job.AssignedSwarmID,
		Reason:   reason,
		At:       r.now(),
	})
	return job, nil
}

// SettleDispute resolves the hold of a DISPUTED job by refunding the client
// or paying the swarm. The job stays DISPUTED with the resolution recorded.
func (r *Registry) SettleDispute(ctx context.Context, jobID string, resolution domain.DisputeResolution) (*domain.Job, error) {
	if resolution != domain.ResolutionRefund && resolution != domain.ResolutionRelease {
		return nil, domain.NewValidationError("resolution must be %s or %s", domain.ResolutionRefund, domain.ResolutionRelease)
	}

	unlock, err := r.lockJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusDisputed || job.Resolution != domain.ResolutionNone {
		return nil, domain.ErrInvalidTransition
	}

	switch resolution {
	case domain.ResolutionRefund:
		hold, err := r.ledger.Refund(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		r.publisher.Publish(fanout.Payment{
			JobID:   job.ID,
			SwarmID: job.AssignedSwarmID,
			Type:    domain.TxRefund,
			Payer:   hold.Payer,
			Amount:  hold.Amount,
			At:      r.now(),
		})
	case domain.ResolutionRelease:
		if err := r.payOut(ctx, job); err != nil {
			return nil, err
		}
	}

	return r.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		j.Resolution = resolution
		return nil
	})
}

// payOut releases the job's hold to the assigned swarm's agents and credits
// their earnings. An already released hold is treated as paid.
func (r *Registry) payOut(ctx context.Context, job *domain.Job) error {
	swarm, err := r.store.GetSwarm(ctx, job.AssignedSwarmID)
	if err != nil {
		return fmt.Errorf("failed to load assigned swarm: %w", err)
	}
	payouts := SplitPayout(job.PaymentAmount, swarm, r.config.PayoutWeights)

	hold, err := r.ledger.Release(ctx, job.ID, payouts)
	if errors.Is(err, domain.ErrHoldSettled) {
		current, herr := r.ledger.HoldFor(ctx, job.ID)
		if herr == nil && current.Status == domain.HoldStatusReleased {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	credits := make(map[string]int64, len(payouts))
	for _, p := range payouts {
		credits[p.AccountID] = p.Amount
	}
	if err := r.store.CreditAgents(ctx, swarm.ID, credits); err != nil {
		// Balances are already settled; earnings counters are informational
		r.logger.Error("Failed to credit agent earnings",
			slog.String("job_id", job.ID),
			slog.String("swarm_id", swarm.ID),
			slog.String("error", err.Error()),
		)
	}

	now := r.now()
	r.publisher.Publish(fanout.Payment{
		JobID:   job.ID,
		SwarmID: swarm.ID,
		Type:    domain.TxEscrowRelease,
		Payer:   hold.Payer,
		Amount:  hold.Amount,
		Payouts: payouts,
		At:      now,
	})
	for _, a := range swarm.Agents {
		earned, ok := credits[a.Address]
		if !ok {
			continue
		}
		r.publisher.Publish(fanout.AgentActivity{
			SwarmID: swarm.ID,
			AgentID: a.ID,
			Address: a.Address,
			Role:    a.Role,
			JobID:   job.ID,
			Action:  "paid",
			Earned:  earned,
			At:      now,
		})
	}
	return nil
}

// CreateSwarm registers the swarm on chain and stores it with its agents
func (r *Registry) CreateSwarm(ctx context.Context, in domain.Swarm) (*domain.Swarm, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	swarm := &domain.Swarm{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Name:      strings.TrimSpace(in.Name),
		Rating:    in.Rating,
		IsActive:  true,
		CreatedAt: r.now(),
		Agents:    make([]domain.Agent, len(in.Agents)),
	}
	for i, a := range in.Agents {
		swarm.Agents[i] = domain.Agent{
			ID:       uuid.NewString(),
			SwarmID:  swarm.ID,
			Position: i,
			Role:     a.Role,
			Address:  a.Address,
		}
	}

	chainID, err := r.chain.RegisterSwarm(ctx, swarm)
	if err != nil {
		r.logger.Error("Failed to register swarm on chain",
			slog.String("swarm_id", swarm.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	swarm.ChainID = chainID

	if err := r.store.CreateSwarm(ctx, swarm); err != nil {
		return nil, fmt.Errorf("failed to create swarm: %w", err)
	}

	r.logger.Info("Swarm registered",
		slog.String("swarm_id", swarm.ID),
		slog.String("owner_id", swarm.OwnerID),
		slog.Int("agents", len(swarm.Agents)),
	)
	r.publisher.Publish(fanout.SwarmRegistered{
		SwarmID:    swarm.ID,
		Name:       swarm.Name,
		OwnerID:    swarm.OwnerID,
		AgentCount: len(swarm.Agents),
		At:         swarm.CreatedAt,
	})
	return swarm, nil
}

// GetSwarm returns a swarm with its agents
func (r *Registry) GetSwarm(ctx context.Context, id string) (*domain.Swarm, error) {
	return r.store.GetSwarm(ctx, id)
}

// ListSwarms returns registered swarms
func (r *Registry) ListSwarms(ctx context.Context, filter SwarmFilter) ([]*domain.Swarm, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 100
	}
	return r.store.ListSwarms(ctx, filter)
}
