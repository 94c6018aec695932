// Package engine assembles the marketplace components into one backend per
// execution mode and routes commands to the backend their context selects.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cuongbtq/swarm-market/internal/crew"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/execution"
	"github.com/cuongbtq/swarm-market/internal/market/fanout"
	"github.com/cuongbtq/swarm-market/internal/market/keylock"
	"github.com/cuongbtq/swarm-market/internal/market/ledger"
	"github.com/cuongbtq/swarm-market/internal/market/registry"
	"github.com/cuongbtq/swarm-market/internal/market/settlement"
	"github.com/cuongbtq/swarm-market/internal/market/storage/memory"
	"github.com/cuongbtq/swarm-market/internal/market/subscriber"
)

// Options tunes the components of an engine
type Options struct {
	Registry         registry.Config
	Queue            execution.Config
	SubscriberBuffer int
	ActivityHistory  int
	QueueOptions     []execution.Option
}

// Backends are the mode-specific collaborators of an engine
type Backends struct {
	RegistryStore registry.Store
	LedgerStore   ledger.Store
	TaskStore     execution.TaskStore
	Chain         settlement.Chain
	Locker        keylock.Locker
	Executor      execution.Executor
}

// Engine is one complete marketplace backend
type Engine struct {
	mode     domain.Mode
	registry *registry.Registry
	ledger   *ledger.Ledger
	queue    *execution.Queue
	hub      *fanout.Hub
	view     *subscriber.View
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires an engine over the given backends
func New(mode domain.Mode, opts Options, b Backends, logger *slog.Logger) *Engine {
	logger = logger.With(slog.String("mode", string(mode)))

	hubOpts := []fanout.Option{}
	if opts.SubscriberBuffer > 0 {
		hubOpts = append(hubOpts, fanout.WithBufferSize(opts.SubscriberBuffer))
	}
	hub := fanout.NewHub(logger, hubOpts...)
	led := ledger.New(b.LedgerStore, logger)
	queue := execution.NewQueue(opts.Queue, b.TaskStore, b.Executor, logger, opts.QueueOptions...)
	reg := registry.New(opts.Registry, registry.Dependencies{
		Store:     b.RegistryStore,
		Ledger:    led,
		Chain:     b.Chain,
		Queue:     queue,
		Publisher: hub,
		Locker:    b.Locker,
		Logger:    logger,
	})

	return &Engine{
		mode:     mode,
		registry: reg,
		ledger:   led,
		queue:    queue,
		hub:      hub,
		view:     subscriber.NewView(opts.ActivityHistory),
		logger:   logger,
	}
}

// NewSimulated builds an engine that keeps everything in memory and runs
// jobs through the in-process crew pipeline
func NewSimulated(opts Options, agent crew.Agent, logger *slog.Logger) *Engine {
	return New(domain.ModeSimulated, opts, Backends{
		RegistryStore: memory.NewRegistryStore(),
		LedgerStore:   memory.NewLedgerStore(),
		TaskStore:     memory.NewTaskStore(),
		Chain:         settlement.NewSimulated(),
		Locker:        keylock.NewLocal(),
		Executor:      crew.NewPipeline(agent, logger),
	}, logger)
}

// Mode returns the execution mode served by the engine
func (e *Engine) Mode() domain.Mode { return e.mode }

// Start runs the execution queue and the marketplace activity feed
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.queue.Start(runCtx, e.registry); err != nil {
		cancel()
		return err
	}

	sub := e.hub.Subscribe(fanout.Marketplace)
	swarms, err := e.registry.ListSwarms(runCtx, registry.SwarmFilter{Limit: 100})
	if err != nil {
		e.logger.Warn("Failed to load swarms for the activity feed", slog.String("error", err.Error()))
	}
	for _, sw := range swarms {
		e.hub.Join(sub, fanout.SwarmChannel(sw.ID))
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		defer e.hub.Unsubscribe(sub)
		e.follow(runCtx, sub)
	}()

	e.logger.Info("Marketplace engine started")
	return nil
}

// follow feeds the activity view. The subscription widens to a job's channel
// while the job is live and to every registered swarm's channel, so the view
// sees status changes and payments that never reach the marketplace channel.
func (e *Engine) follow(ctx context.Context, sub *fanout.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			switch evt := msg.Event.(type) {
			case fanout.JobPosted:
				e.hub.Join(sub, fanout.JobChannel(evt.JobID))
			case fanout.SwarmRegistered:
				e.hub.Join(sub, fanout.SwarmChannel(evt.SwarmID))
			case fanout.JobLifecycle:
				if evt.Status.IsTerminal() {
					e.hub.Leave(sub, fanout.JobChannel(evt.JobID))
				}
			}
			e.view.Apply(msg)
		}
	}
}

// Stop halts the queue, closes every subscription and waits for the feed to drain
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	e.queue.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
	e.hub.Close()
	e.logger.Info("Marketplace engine stopped")
}
