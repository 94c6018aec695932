package registry_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/fanout"
	"github.com/cuongbtq/swarm-market/internal/market/keylock"
	"github.com/cuongbtq/swarm-market/internal/market/ledger"
	"github.com/cuongbtq/swarm-market/internal/market/registry"
	"github.com/cuongbtq/swarm-market/internal/market/settlement"
	"github.com/cuongbtq/swarm-market/internal/market/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, swarmID string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, jobID)
	if q.err != nil {
		return nil, q.err
	}
	return &domain.Task{JobID: jobID, SwarmID: swarmID, Attempt: 1, Status: domain.TaskStatusQueued}, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

type fixture struct {
	reg     *registry.Registry
	store   *memory.RegistryStore
	ledger  *ledger.Ledger
	ledgers *memory.LedgerStore
	chain   *settlement.Simulated
	queue   *fakeQueue
	hub     *fanout.Hub
}

func newFixture(t *testing.T, cfg registry.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		store:   memory.NewRegistryStore(),
		ledgers: memory.NewLedgerStore(),
		chain:   settlement.NewSimulated(),
		queue:   &fakeQueue{},
		hub:     fanout.NewHub(logger, fanout.WithBufferSize(256)),
	}
	f.ledger = ledger.New(f.ledgers, logger)
	f.reg = registry.New(cfg, registry.Dependencies{
		Store:     f.store,
		Ledger:    f.ledger,
		Chain:     f.chain,
		Queue:     f.queue,
		Publisher: f.hub,
		Locker:    keylock.NewLocal(),
		Logger:    logger,
	})
	t.Cleanup(f.hub.Close)
	return f
}

func (f *fixture) swarm(t *testing.T, owner string, agents ...domain.Agent) *domain.Swarm {
	t.Helper()
	sw, err := f.reg.CreateSwarm(context.Background(), domain.Swarm{Name: "crew of " + owner, OwnerID: owner, Agents: agents})
	require.NoError(t, err)
	return sw
}

func (f *fixture) job(t *testing.T, client string, amount int64) *domain.Job {
	t.Helper()
	job, err := f.reg.CreateJob(context.Background(), domain.Job{
		Title:         "Classify tickets",
		Description:   "Route support tickets",
		ClientID:      client,
		PaymentAmount: amount,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) bid(t *testing.T, jobID, swarmID string) *domain.Bid {
	t.Helper()
	bid, err := f.reg.SubmitBid(context.Background(), domain.Bid{JobID: jobID, SwarmID: swarmID, Price: 900, EstimatedTimeHours: 2})
	require.NoError(t, err)
	return bid
}

func (f *fixture) deposit(t *testing.T, owner string, amount int64) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), owner, amount)
	require.NoError(t, err)
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t, registry.Config{})
	sub := f.hub.Subscribe(fanout.Marketplace)

	job := f.job(t, "alice", 1000)
	assert.Equal(t, domain.JobStatusOpen, job.Status)
	assert.NotEmpty(t, job.ChainID)

	msg := <-sub.C()
	assert.Equal(t, fanout.KindJobPosted, msg.Kind)

	t.Run("validation", func(t *testing.T) {
		_, err := f.reg.CreateJob(context.Background(), domain.Job{Title: "x", Description: "y", ClientID: "alice"})
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("chain failure stores nothing", func(t *testing.T) {
		f.chain.FailWith(errors.New("rpc down"))
		defer f.chain.FailWith(nil)

		_, err := f.reg.CreateJob(context.Background(), domain.Job{Title: "x", Description: "y", ClientID: "bob", PaymentAmount: 5})
		require.ErrorIs(t, err, domain.ErrChainRegistrationFailed)

		jobs, err := f.reg.ListJobs(context.Background(), registry.JobFilter{ClientID: "bob"})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestSubmitBid(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"})
	own := f.swarm(t, "alice")
	job := f.job(t, "alice", 1000)

	sub := f.hub.Subscribe(fanout.JobChannel(job.ID))
	first := f.bid(t, job.ID, sw.ID)
	msg := <-sub.C()
	assert.Equal(t, fanout.KindBidReceived, msg.Kind)

	tests := []struct {
		name    string
		bid     domain.Bid
		wantErr error
	}{
		{
			name:    "second bid from same swarm",
			bid:     domain.Bid{JobID: job.ID, SwarmID: sw.ID, Price: 800, EstimatedTimeHours: 1},
			wantErr: domain.ErrDuplicateBid,
		},
		{
			name:    "owner bids on own job",
			bid:     domain.Bid{JobID: job.ID, SwarmID: own.ID, Price: 800, EstimatedTimeHours: 1},
			wantErr: domain.ErrSelfBidForbidden,
		},
		{
			name:    "unknown job",
			bid:     domain.Bid{JobID: "missing", SwarmID: sw.ID, Price: 800, EstimatedTimeHours: 1},
			wantErr: domain.ErrJobNotFound,
		},
		{
			name:    "unknown swarm",
			bid:     domain.Bid{JobID: job.ID, SwarmID: "missing", Price: 800, EstimatedTimeHours: 1},
			wantErr: domain.ErrSwarmNotFound,
		},
		{
			name:    "zero price",
			bid:     domain.Bid{JobID: job.ID, SwarmID: sw.ID, EstimatedTimeHours: 1},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "zero hours",
			bid:     domain.Bid{JobID: job.ID, SwarmID: sw.ID, Price: 1},
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reg.SubmitBid(ctx, tt.bid)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	bids, err := f.reg.ListBids(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, first.ID, bids[0].ID)
	assert.Equal(t, int64(900), bids[0].Price)
	assert.Zero(t, f.queue.count())
}

func TestSubmitBid_SelfBidAllowedByPolicy(t *testing.T) {
	f := newFixture(t, registry.Config{AllowSelfBid: true})
	own := f.swarm(t, "alice")
	job := f.job(t, "alice", 10)

	_, err := f.reg.SubmitBid(context.Background(), domain.Bid{JobID: job.ID, SwarmID: own.ID, Price: 10, EstimatedTimeHours: 1})
	require.NoError(t, err)
}

func TestSubmitBid_InactiveSwarm(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	require.NoError(t, f.store.CreateSwarm(ctx, &domain.Swarm{ID: "idle", OwnerID: "bob", Name: "idle"}))
	job := f.job(t, "alice", 10)

	_, err := f.reg.SubmitBid(ctx, domain.Bid{JobID: job.ID, SwarmID: "idle", Price: 10, EstimatedTimeHours: 1})
	require.ErrorIs(t, err, domain.ErrSwarmInactive)
}

func TestAcceptBid(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"})
	job := f.job(t, "alice", 1000)
	bid := f.bid(t, job.ID, sw.ID)

	t.Run("insufficient balance leaves job open", func(t *testing.T) {
		_, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
		require.ErrorIs(t, err, domain.ErrInsufficientBalance)

		got, err := f.reg.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusOpen, got.Status)
		assert.Zero(t, f.queue.count())
	})

	f.deposit(t, "alice", 1500)

	t.Run("only the client may accept", func(t *testing.T) {
		_, err := f.reg.AcceptBid(ctx, "mallory", job.ID, bid.ID)
		require.ErrorIs(t, err, domain.ErrNotJobClient)
	})

	t.Run("bid of another job", func(t *testing.T) {
		other := f.job(t, "alice", 5)
		otherBid := f.bid(t, other.ID, sw.ID)
		_, err := f.reg.AcceptBid(ctx, "alice", job.ID, otherBid.ID)
		require.ErrorIs(t, err, domain.ErrBidNotFound)
	})

	sub := f.hub.Subscribe(fanout.JobChannel(job.ID))
	assigned, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAssigned, assigned.Status)
	assert.Equal(t, sw.ID, assigned.AssignedSwarmID)
	assert.Equal(t, 1, f.queue.count())

	acc, err := f.ledger.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.AvailableBalance)
	assert.Equal(t, int64(1000), acc.HeldBalance)

	msg := <-sub.C()
	lifecycle, ok := msg.Event.(fanout.JobLifecycle)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusAssigned, lifecycle.Status)
}

func TestAcceptBid_NotOpenHasNoSideEffects(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	s1 := f.swarm(t, "o1", domain.Agent{Role: domain.AgentRoleWorker, Address: "0x1"})
	s2 := f.swarm(t, "o2", domain.Agent{Role: domain.AgentRoleWorker, Address: "0x2"})
	job := f.job(t, "alice", 1000)
	b1 := f.bid(t, job.ID, s1.ID)
	b2 := f.bid(t, job.ID, s2.ID)
	f.deposit(t, "alice", 5000)

	_, err := f.reg.AcceptBid(ctx, "alice", job.ID, b1.ID)
	require.NoError(t, err)

	balances := f.ledgers.Snapshot()
	bidsBefore, err := f.reg.ListBids(ctx, job.ID)
	require.NoError(t, err)

	for _, id := range []string{b1.ID, b2.ID} {
		_, err = f.reg.AcceptBid(ctx, "alice", job.ID, id)
		require.ErrorIs(t, err, domain.ErrJobNotOpen)
	}

	assert.Equal(t, balances, f.ledgers.Snapshot())
	bidsAfter, err := f.reg.ListBids(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, bidsBefore, bidsAfter)
	assert.Equal(t, 1, f.queue.count())
}

// failingLedgerStore fails the next Update once updateErr is set
type failingLedgerStore struct {
	*memory.LedgerStore
	mu        sync.Mutex
	updateErr error
}

func (s *failingLedgerStore) Update(ctx context.Context, jobID string, owners []string, fn func(b *ledger.Batch) error) error {
	s.mu.Lock()
	err := s.updateErr
	s.updateErr = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.LedgerStore.Update(ctx, jobID, owners, fn)
}

// failingRegistryStore runs onAccept before the next AcceptBid and fails it
// with the returned error
type failingRegistryStore struct {
	*memory.RegistryStore
	onAccept func() error
}

func (s *failingRegistryStore) AcceptBid(ctx context.Context, jobID, bidID string) (*domain.Job, *domain.Bid, error) {
	if hook := s.onAccept; hook != nil {
		s.onAccept = nil
		if err := hook(); err != nil {
			return nil, nil, err
		}
	}
	return s.RegistryStore.AcceptBid(ctx, jobID, bidID)
}

func TestAcceptBid_RetryAfterFailedRefund(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ledgers := &failingLedgerStore{LedgerStore: memory.NewLedgerStore()}
	store := &failingRegistryStore{RegistryStore: memory.NewRegistryStore()}
	f := &fixture{
		store:   store.RegistryStore,
		ledgers: ledgers.LedgerStore,
		chain:   settlement.NewSimulated(),
		queue:   &fakeQueue{},
		hub:     fanout.NewHub(logger, fanout.WithBufferSize(256)),
	}
	t.Cleanup(f.hub.Close)
	f.ledger = ledger.New(ledgers, logger)
	f.reg = registry.New(registry.Config{}, registry.Dependencies{
		Store:     store,
		Ledger:    f.ledger,
		Chain:     f.chain,
		Queue:     f.queue,
		Publisher: f.hub,
		Locker:    keylock.NewLocal(),
		Logger:    logger,
	})
	ctx := context.Background()

	sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"})
	job := f.job(t, "alice", 600)
	bid := f.bid(t, job.ID, sw.ID)
	f.deposit(t, "alice", 1000)

	// the store write fails and so does giving the funds back
	store.onAccept = func() error {
		ledgers.mu.Lock()
		ledgers.updateErr = errors.New("ledger unavailable")
		ledgers.mu.Unlock()
		return errors.New("registry unavailable")
	}
	_, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
	require.Error(t, err)

	hold, err := f.ledger.HoldFor(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusHeld, hold.Status)

	assigned, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAssigned, assigned.Status)
	assert.Equal(t, 1, f.queue.count())

	acc, err := f.ledger.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(400), acc.AvailableBalance)
	assert.Equal(t, int64(600), acc.HeldBalance)
}

func TestAcceptBid_ConcurrentExactlyOneWinner(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	job := f.job(t, "alice", 1000)
	f.deposit(t, "alice", 100000)

	const bidders = 16
	bidIDs := make([]string, bidders)
	for i := range bidders {
		sw := f.swarm(t, fmt.Sprintf("owner-%d", i), domain.Agent{Role: domain.AgentRoleWorker, Address: fmt.Sprintf("0x%d", i)})
		bidIDs[i] = f.bid(t, job.ID, sw.ID).ID
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notOpens int
	)
	for _, id := range bidIDs {
		wg.Add(1)
		go func(bidID string) {
			defer wg.Done()
			_, err := f.reg.AcceptBid(ctx, "alice", job.ID, bidID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrJobNotOpen):
				notOpens++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, bidders-1, notOpens)

	bids, err := f.reg.ListBids(ctx, job.ID)
	require.NoError(t, err)
	accepted := 0
	for _, b := range bids {
		if b.IsAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	acc, err := f.ledger.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acc.HeldBalance)
	assert.Equal(t, 1, f.queue.count())
}

func TestAcceptBid_EnqueueFailureDisputesJob(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"})
	job := f.job(t, "alice", 100)
	bid := f.bid(t, job.ID, sw.ID)
	f.deposit(t, "alice", 100)
	f.queue.err = errors.New("queue offline")

	got, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDisputed, got.Status)
}

func TestPaymentScenario(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xpayee"})
	job := f.job(t, "client", 1000)
	bid := f.bid(t, job.ID, sw.ID)
	f.deposit(t, "client", 1000)

	_, err := f.reg.AcceptBid(ctx, "client", job.ID, bid.ID)
	require.NoError(t, err)
	require.NoError(t, f.reg.ExecutionStarted(ctx, job.ID, 1))

	res := &domain.Result{JobID: job.ID, Success: true, ResultHash: "ipfs://abc"}
	require.NoError(t, f.reg.ExecutionSucceeded(ctx, job.ID, res))
	// duplicate success report
	require.NoError(t, f.reg.ExecutionSucceeded(ctx, job.ID, res))

	client, err := f.ledger.Account(ctx, "client")
	require.NoError(t, err)
	payee, err := f.ledger.Account(ctx, "0xpayee")
	require.NoError(t, err)
	assert.Equal(t, int64(0), client.AvailableBalance)
	assert.Equal(t, int64(0), client.HeldBalance)
	assert.Equal(t, int64(1000), payee.AvailableBalance)

	got, err := f.reg.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, "ipfs://abc", got.ResultHash)
	require.NotNil(t, got.CompletedAt)

	swarm, err := f.reg.GetSwarm(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), swarm.Agents[0].Earnings)
	assert.Equal(t, 1, swarm.Agents[0].TasksCompleted)
}

func TestExecutionSucceeded_SplitsAcrossRoles(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	sw := f.swarm(t, "owner",
		domain.Agent{Role: domain.AgentRoleRouter, Address: "0xr"},
		domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"},
		domain.Agent{Role: domain.AgentRoleQA, Address: "0xq"},
	)
	job := f.job(t, "client", 1001)
	bid := f.bid(t, job.ID, sw.ID)
	f.deposit(t, "client", 1001)
	_, err := f.reg.AcceptBid(ctx, "client", job.ID, bid.ID)
	require.NoError(t, err)

	sub := f.hub.Subscribe(fanout.UserChannel("0xw"))
	require.NoError(t, f.reg.ExecutionSucceeded(ctx, job.ID, nil))

	var total int64
	for _, addr := range []string{"0xr", "0xw", "0xq"} {
		acc, err := f.ledger.Account(ctx, addr)
		require.NoError(t, err)
		total += acc.AvailableBalance
	}
	assert.Equal(t, int64(1001), total)

	msg := <-sub.C()
	payment, ok := msg.Event.(fanout.Payment)
	require.True(t, ok)
	assert.Equal(t, domain.TxEscrowRelease, payment.Type)
	assert.Len(t, payment.Payouts, 3)
}

func TestPrepare_SkipsDisputedJob(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"})
	job := f.job(t, "alice", 10)
	bid := f.bid(t, job.ID, sw.ID)
	f.deposit(t, "alice", 10)
	_, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
	require.NoError(t, err)

	order, err := f.reg.Prepare(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, sw.ID, order.SwarmID)
	assert.Len(t, order.Agents, 1)

	_, err = f.reg.DisputeJob(ctx, "alice", job.ID, "changed my mind")
	require.NoError(t, err)

	_, err = f.reg.Prepare(ctx, job.ID, 1)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.ErrorIs(t, f.reg.ExecutionSucceeded(ctx, job.ID, nil), domain.ErrInvalidTransition)

	acc, err := f.ledger.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.HeldBalance)
}

func TestExecutionFailed(t *testing.T) {
	tests := []struct {
		name           string
		refund         bool
		wantHeld       int64
		wantResolution domain.DisputeResolution
	}{
		{name: "hold kept for manual settlement", wantHeld: 300},
		{name: "refund on abandon", refund: true, wantHeld: 0, wantResolution: domain.ResolutionRefund},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, registry.Config{RefundOnAbandon: tt.refund})
			ctx := context.Background()
			sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"})
			job := f.job(t, "alice", 300)
			bid := f.bid(t, job.ID, sw.ID)
			f.deposit(t, "alice", 300)
			_, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
			require.NoError(t, err)
			require.NoError(t, f.reg.ExecutionStarted(ctx, job.ID, 1))

			cause := fmt.Errorf("%w: timeout", domain.ErrJobExecutionAbandoned)
			require.NoError(t, f.reg.ExecutionFailed(ctx, job.ID, domain.TaskStatusAbandoned, cause))
			// reporting again is harmless
			require.NoError(t, f.reg.ExecutionFailed(ctx, job.ID, domain.TaskStatusAbandoned, cause))

			got, err := f.reg.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusDisputed, got.Status)
			assert.Equal(t, tt.wantResolution, got.Resolution)
			assert.Contains(t, got.DisputeReason, "ABANDONED")

			acc, err := f.ledger.Account(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.wantHeld, acc.HeldBalance)
			assert.Equal(t, 300-tt.wantHeld, acc.AvailableBalance)
		})
	}
}

func TestDisputeAndSettle(t *testing.T) {
	tests := []struct {
		name       string
		resolution domain.DisputeResolution
		wantClient int64
		wantPayee  int64
	}{
		{name: "refund", resolution: domain.ResolutionRefund, wantClient: 400, wantPayee: 0},
		{name: "release", resolution: domain.ResolutionRelease, wantClient: 0, wantPayee: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, registry.Config{})
			ctx := context.Background()
			sw := f.swarm(t, "owner", domain.Agent{Role: domain.AgentRoleWorker, Address: "0xw"})
			job := f.job(t, "alice", 400)
			bid := f.bid(t, job.ID, sw.ID)
			f.deposit(t, "alice", 400)
			_, err := f.reg.AcceptBid(ctx, "alice", job.ID, bid.ID)
			require.NoError(t, err)

			_, err = f.reg.SettleDispute(ctx, job.ID, tt.resolution)
			require.ErrorIs(t, err, domain.ErrInvalidTransition)

			_, err = f.reg.DisputeJob(ctx, "stranger", job.ID, "late")
			require.ErrorIs(t, err, domain.ErrNotJobClient)

			disputed, err := f.reg.DisputeJob(ctx, "owner", job.ID, "late")
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusDisputed, disputed.Status)

			settled, err := f.reg.SettleDispute(ctx, job.ID, tt.resolution)
			require.NoError(t, err)
			assert.Equal(t, tt.resolution, settled.Resolution)
			assert.Equal(t, domain.JobStatusDisputed, settled.Status)

			_, err = f.reg.SettleDispute(ctx, job.ID, tt.resolution)
			require.ErrorIs(t, err, domain.ErrInvalidTransition)

			client, err := f.ledger.Account(ctx, "alice")
			require.NoError(t, err)
			payee, err := f.ledger.Account(ctx, "0xw")
			require.NoError(t, err)
			assert.Equal(t, tt.wantClient, client.AvailableBalance)
			assert.Zero(t, client.HeldBalance)
			assert.Equal(t, tt.wantPayee, payee.AvailableBalance)
		})
	}
}

func TestListJobs_Pagination(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()
	for range 5 {
		f.job(t, "alice", 1)
	}

	page, err := f.reg.ListJobs(ctx, registry.JobFilter{ClientID: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)

	last := page[1]
	next, err := f.reg.ListJobs(ctx, registry.JobFilter{
		ClientID: "alice",
		Limit:    2,
		Cursor:   &registry.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.NotEqual(t, page[0].ID, next[0].ID)
	assert.NotEqual(t, page[1].ID, next[0].ID)

	_, err = f.reg.ListJobs(ctx, registry.JobFilter{Status: "DONE"})
	require.ErrorIs(t, err, domain.ErrValidation)
}
