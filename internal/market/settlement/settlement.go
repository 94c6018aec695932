// Package settlement registers jobs and swarms with the chain settlement
// service. The marketplace only needs the opaque identifier it returns.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/shared/httpclient"
)

// Chain is the settlement collaborator
type Chain interface {
	RegisterJob(ctx context.Context, job *domain.Job) (string, error)
	RegisterSwarm(ctx context.Context, swarm *domain.Swarm) (string, error)
}

// Simulated hands out sequential identifiers without leaving the process
type Simulated struct {
	seq atomic.Uint64

	mu   sync.Mutex
	fail error
}

// NewSimulated creates an in-process chain
func NewSimulated() *Simulated {
	return &Simulated{}
}

// FailWith makes every following registration fail with err; nil restores success
func (s *Simulated) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Simulated) RegisterJob(ctx context.Context, job *domain.Job) (string, error) {
	return s.register(ctx, "job")
}

func (s *Simulated) RegisterSwarm(ctx context.Context, swarm *domain.Swarm) (string, error) {
	return s.register(ctx, "swarm")
}

func (s *Simulated) register(ctx context.Context, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrChainRegistrationFailed, err)
	}
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrChainRegistrationFailed, fail)
	}
	return fmt.Sprintf("sim-%s-%d", kind, s.seq.Add(1)), nil
}

// HTTP registers entities with a remote settlement gateway
type HTTP struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewHTTP creates a settlement client over the given JSON client
func NewHTTP(client *httpclient.Client, logger *slog.Logger) *HTTP {
	return &HTTP{client: client, logger: logger}
}

type registerJobRequest struct {
	JobID         string `json:"job_id"`
	ClientID      string `json:"client_id"`
	PaymentAmount int64  `json:"payment_amount"`
}

type registerSwarmRequest struct {
	SwarmID string   `json:"swarm_id"`
	OwnerID string   `json:"owner_id"`
	Agents  []string `json:"agents"`
}

type registerResponse struct {
	ID string `json:"id"`
}

func (h *HTTP) RegisterJob(ctx context.Context, job *domain.Job) (string, error) {
	req := registerJobRequest{JobID: job.ID, ClientID: job.ClientID, PaymentAmount: job.PaymentAmount}
	return h.register(ctx, "/jobs", job.ID, req)
}

func (h *HTTP) RegisterSwarm(ctx context.Context, swarm *domain.Swarm) (string, error) {
	agents := make([]string, len(swarm.Agents))
	for i, a := range swarm.Agents {
		agents[i] = a.Address
	}
	req := registerSwarmRequest{SwarmID: swarm.ID, OwnerID: swarm.OwnerID, Agents: agents}
	return h.register(ctx, "/swarms", swarm.ID, req)
}

func (h *HTTP) register(ctx context.Context, path, id string, req any) (string, error) {
	var resp registerResponse
	if err := h.client.PostJSON(ctx, path, req, &resp); err != nil {
		h.logger.Error("Chain registration failed",
			slog.String("path", path),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", domain.ErrChainRegistrationFailed, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: empty identifier", domain.ErrChainRegistrationFailed)
	}
	return resp.ID, nil
}
