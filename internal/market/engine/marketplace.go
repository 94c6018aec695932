package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/fanout"
	"github.com/cuongbtq/swarm-market/internal/market/registry"
	"github.com/cuongbtq/swarm-market/internal/market/subscriber"
)

// ExecContext accompanies every command. Mode selects the backend and Actor
// is the address of the caller; an empty Actor skips ownership checks.
type ExecContext struct {
	Mode  domain.Mode
	Actor string
}

// Marketplace dispatches commands to the engine of their execution mode
type Marketplace struct {
	engines     map[domain.Mode]*Engine
	defaultMode domain.Mode
	logger      *slog.Logger
}

// NewMarketplace serves the given engines. defaultMode is used when a
// context carries no mode; it falls back to simulated when empty.
func NewMarketplace(defaultMode domain.Mode, logger *slog.Logger, engines ...*Engine) *Marketplace {
	if defaultMode == "" {
		defaultMode = domain.ModeSimulated
	}
	m := &Marketplace{
		engines:     make(map[domain.Mode]*Engine, len(engines)),
		defaultMode: defaultMode,
		logger:      logger,
	}
	for _, e := range engines {
		m.engines[e.Mode()] = e
	}
	return m
}

// Modes lists the served modes in a stable order
func (m *Marketplace) Modes() []domain.Mode {
	out := make([]domain.Mode, 0, len(m.engines))
	for mode := range m.engines {
		out = append(out, mode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultMode is the mode used when a request names none
func (m *Marketplace) DefaultMode() domain.Mode { return m.defaultMode }

// Engine returns the backend an execution context selects
func (m *Marketplace) Engine(ec ExecContext) (*Engine, error) {
	mode := ec.Mode
	if mode == "" {
		mode = m.defaultMode
	}
	e, ok := m.engines[mode]
	if !ok {
		return nil, domain.ErrModeUnavailable
	}
	return e, nil
}

// Start starts every engine; engines already started are stopped on failure
func (m *Marketplace) Start(ctx context.Context) error {
	started := make([]*Engine, 0, len(m.engines))
	for _, mode := range m.Modes() {
		e := m.engines[mode]
		if err := e.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return err
		}
		started = append(started, e)
	}
	return nil
}

// Stop stops every engine
func (m *Marketplace) Stop() {
	for _, e := range m.engines {
		e.Stop()
	}
}

// CreateJob posts a job. The actor becomes the client when none is given.
func (m *Marketplace) CreateJob(ctx context.Context, ec ExecContext, in domain.Job) (*domain.Job, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	if in.ClientID == "" {
		in.ClientID = ec.Actor
	}
	return e.registry.CreateJob(ctx, in)
}

func (m *Marketplace) GetJob(ctx context.Context, ec ExecContext, id string) (*domain.Job, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.GetJob(ctx, id)
}

func (m *Marketplace) ListJobs(ctx context.Context, ec ExecContext, filter registry.JobFilter) ([]*domain.Job, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.ListJobs(ctx, filter)
}

func (m *Marketplace) SubmitBid(ctx context.Context, ec ExecContext, in domain.Bid) (*domain.Bid, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.SubmitBid(ctx, in)
}

func (m *Marketplace) ListBids(ctx context.Context, ec ExecContext, jobID string) ([]*domain.Bid, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.ListBids(ctx, jobID)
}

func (m *Marketplace) AcceptBid(ctx context.Context, ec ExecContext, jobID, bidID string) (*domain.Job, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.AcceptBid(ctx, ec.Actor, jobID, bidID)
}

func (m *Marketplace) DisputeJob(ctx context.Context, ec ExecContext, jobID, reason string) (*domain.Job, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.DisputeJob(ctx, ec.Actor, jobID, reason)
}

func (m *Marketplace) SettleDispute(ctx context.Context, ec ExecContext, jobID string, resolution domain.DisputeResolution) (*domain.Job, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.SettleDispute(ctx, jobID, resolution)
}

// CreateSwarm registers a swarm. The actor becomes the owner when none is given.
func (m *Marketplace) CreateSwarm(ctx context.Context, ec ExecContext, in domain.Swarm) (*domain.Swarm, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	if in.OwnerID == "" {
		in.OwnerID = ec.Actor
	}
	return e.registry.CreateSwarm(ctx, in)
}

func (m *Marketplace) GetSwarm(ctx context.Context, ec ExecContext, id string) (*domain.Swarm, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.GetSwarm(ctx, id)
}

func (m *Marketplace) ListSwarms(ctx context.Context, ec ExecContext, filter registry.SwarmFilter) ([]*domain.Swarm, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.registry.ListSwarms(ctx, filter)
}

func (m *Marketplace) Account(ctx context.Context, ec ExecContext, owner string) (*domain.Account, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.ledger.Account(ctx, owner)
}

// Deposit credits external funds and tells the owner's channel about it
func (m *Marketplace) Deposit(ctx context.Context, ec ExecContext, owner string, amount int64) (*domain.Account, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	acc, err := e.ledger.Deposit(ctx, owner, amount)
	if err != nil {
		return nil, err
	}
	e.hub.Publish(fanout.Payment{
		Type:    domain.TxDeposit,
		Payer:   owner,
		Amount:  amount,
		Payouts: []domain.Payout{{AccountID: owner, Amount: amount}},
		At:      acc.UpdatedAt,
	})
	return acc, nil
}

func (m *Marketplace) Transactions(ctx context.Context, ec ExecContext, owner string, limit int) ([]domain.Transaction, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.ledger.Transactions(ctx, owner, limit)
}

// Task returns the execution task of a job
func (m *Marketplace) Task(ctx context.Context, ec ExecContext, jobID string) (*domain.Task, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	return e.queue.Task(ctx, jobID)
}

// ReportExecutionProgress accepts a stage update from an out-of-process runner
func (m *Marketplace) ReportExecutionProgress(ctx context.Context, ec ExecContext, jobID string, attempt int, p domain.Progress) error {
	e, err := m.Engine(ec)
	if err != nil {
		return err
	}
	return e.queue.ReportProgress(ctx, jobID, attempt, p)
}

// ReportExecutionResult accepts the outcome of an out-of-process attempt
func (m *Marketplace) ReportExecutionResult(ctx context.Context, ec ExecContext, jobID string, attempt int, res *domain.Result, execErr error) error {
	e, err := m.Engine(ec)
	if err != nil {
		return err
	}
	if err := e.queue.ReportResult(ctx, jobID, attempt, res, execErr); err != nil {
		var derr *domain.Error
		if !errors.As(err, &derr) {
			m.logger.Error("Failed to record execution result",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	return nil
}

// Subscribe opens a subscription on the given channels. Every name must be
// a valid channel.
func (m *Marketplace) Subscribe(ec ExecContext, channels ...string) (*fanout.Subscription, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, domain.NewValidationError("at least one channel is required")
	}
	for _, ch := range channels {
		if !fanout.ValidChannel(ch) {
			return nil, domain.NewValidationError("invalid channel %q", ch)
		}
	}
	return e.hub.Subscribe(channels...), nil
}

// Unsubscribe closes a subscription opened with Subscribe
func (m *Marketplace) Unsubscribe(ec ExecContext, sub *fanout.Subscription) error {
	e, err := m.Engine(ec)
	if err != nil {
		return err
	}
	e.hub.Unsubscribe(sub)
	return nil
}

// Activity returns the marketplace activity feed of a mode
func (m *Marketplace) Activity(ec ExecContext) (subscriber.Snapshot, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return subscriber.Snapshot{}, err
	}
	return e.view.Snapshot(), nil
}

// HubStats reports delivery counters of a mode's notification hub
func (m *Marketplace) HubStats(ec ExecContext) (fanout.Stats, error) {
	e, err := m.Engine(ec)
	if err != nil {
		return fanout.Stats{}, err
	}
	return e.hub.Stats(), nil
}
