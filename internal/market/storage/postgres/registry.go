package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/registry"
	"github.com/cuongbtq/swarm-market/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const jobColumns = `
	id, title, description, requirements, payment_amount, status, client_id,
	assigned_swarm_id, chain_id, dispute_reason, resolution, result_hash,
	created_at, completed_at
`

const bidColumns = `
	id, job_id, swarm_id, price, estimated_time_hours, message, is_accepted, created_at
`

const swarmColumns = `id, owner_id, name, rating, is_active, chain_id, created_at`

const agentColumns = `id, swarm_id, position, role, address, earnings, tasks_completed`

// RegistryStore persists jobs, bids, swarms and agents in PostgreSQL
type RegistryStore struct {
	db *sqlx.DB
}

// NewRegistryStore creates a registry store over the client's pool
func NewRegistryStore(pg *postgresql.Client) *RegistryStore {
	return &RegistryStore{db: pg.GetDB()}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *RegistryStore) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `) VALUES (
			:id, :title, :description, :requirements, :payment_amount, :status, :client_id,
			:assigned_swarm_id, :chain_id, :dispute_reason, :resolution, :result_hash,
			:created_at, :completed_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.db, id, false)
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var job domain.Job
	if err := sqlx.GetContext(ctx, q, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *RegistryStore) ListJobs(ctx context.Context, filter registry.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.ClientID != "" {
		query += fmt.Sprintf(" AND client_id = $%d", argIdx)
		args = append(args, filter.ClientID)
		argIdx++
	}

	if filter.SwarmID != "" {
		query += fmt.Sprintf(" AND assigned_swarm_id = $%d", argIdx)
		args = append(args, filter.SwarmID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// One extra row tells the caller whether another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.Limit+1)

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *RegistryStore) UpdateJob(ctx context.Context, id string, fn func(job *domain.Job) error) (*domain.Job, error) {
	var out *domain.Job
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateJob(ctx context.Context, tx *sqlx.Tx, job *domain.Job) error {
	query := `
		UPDATE jobs
		SET status = :status,
		    assigned_swarm_id = :assigned_swarm_id,
		    dispute_reason = :dispute_reason,
		    resolution = :resolution,
		    result_hash = :result_hash,
		    completed_at = :completed_at
		WHERE id = :id
	`
	if _, err := tx.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *RegistryStore) CreateBid(ctx context.Context, bid *domain.Bid) error {
	query := `
		INSERT INTO bids (` + bidColumns + `) VALUES (
			:id, :job_id, :swarm_id, :price, :estimated_time_hours, :message, :is_accepted, :created_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, bid); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateBid
		}
		return fmt.Errorf("failed to create bid: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetBid(ctx context.Context, id string) (*domain.Bid, error) {
	return getBid(ctx, s.db, id, false)
}

func getBid(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*domain.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var bid domain.Bid
	if err := sqlx.GetContext(ctx, q, &bid, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBidNotFound
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return &bid, nil
}

func (s *RegistryStore) ListBids(ctx context.Context, jobID string) ([]*domain.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE job_id = $1 ORDER BY created_at, id`

	bids := []*domain.Bid{}
	if err := s.db.SelectContext(ctx, &bids, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return bids, nil
}

func (s *RegistryStore) AcceptBid(ctx context.Context, jobID, bidID string) (*domain.Job, *domain.Bid, error) {
	var (
		job *domain.Job
		bid *domain.Bid
	)
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		job, err = getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusOpen {
			return domain.ErrJobNotOpen
		}
		bid, err = getBid(ctx, tx, bidID, true)
		if err != nil {
			return err
		}
		if bid.JobID != jobID {
			return domain.ErrBidNotFound
		}
		if bid.IsAccepted {
			return domain.ErrBidAlreadyDecided
		}

		if _, err := tx.ExecContext(ctx, `UPDATE bids SET is_accepted = TRUE WHERE id = $1`, bid.ID); err != nil {
			return fmt.Errorf("failed to accept bid: %w", err)
		}
		bid.IsAccepted = true

		job.Status = domain.JobStatusAssigned
		job.AssignedSwarmID = bid.SwarmID
		return updateJob(ctx, tx, job)
	})
	if err != nil {
		return nil, nil, err
	}
	return job, bid, nil
}

func (s *RegistryStore) CreateSwarm(ctx context.Context, swarm *domain.Swarm) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO swarms (` + swarmColumns + `) VALUES (
				:id, :owner_id, :name, :rating, :is_active, :chain_id, :created_at
			)
		`
		if _, err := tx.NamedExecContext(ctx, query, swarm); err != nil {
			return fmt.Errorf("failed to create swarm: %w", err)
		}
		if len(swarm.Agents) == 0 {
			return nil
		}

		query = `
			INSERT INTO agents (` + agentColumns + `) VALUES (
				:id, :swarm_id, :position, :role, :address, :earnings, :tasks_completed
			)
		`
		if _, err := tx.NamedExecContext(ctx, query, swarm.Agents); err != nil {
			return fmt.Errorf("failed to create agents: %w", err)
		}
		return nil
	})
}

func (s *RegistryStore) GetSwarm(ctx context.Context, id string) (*domain.Swarm, error) {
	var swarm domain.Swarm
	query := `SELECT ` + swarmColumns + ` FROM swarms WHERE id = $1`
	if err := s.db.GetContext(ctx, &swarm, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSwarmNotFound
		}
		return nil, fmt.Errorf("failed to get swarm: %w", err)
	}

	if err := s.attachAgents(ctx, []*domain.Swarm{&swarm}); err != nil {
		return nil, err
	}
	return &swarm, nil
}

func (s *RegistryStore) ListSwarms(ctx context.Context, filter registry.SwarmFilter) ([]*domain.Swarm, error) {
	query := `SELECT ` + swarmColumns + ` FROM swarms WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.ActiveOnly {
		query += " AND is_active"
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, filter.Limit)

	swarms := []*domain.Swarm{}
	if err := s.db.SelectContext(ctx, &swarms, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list swarms: %w", err)
	}
	if err := s.attachAgents(ctx, swarms); err != nil {
		return nil, err
	}
	return swarms, nil
}

// attachAgents loads the agents of every swarm in one query, in position order
func (s *RegistryStore) attachAgents(ctx context.Context, swarms []*domain.Swarm) error {
	if len(swarms) == 0 {
		return nil
	}

	ids := make([]string, len(swarms))
	byID := make(map[string]*domain.Swarm, len(swarms))
	for i, sw := range swarms {
		ids[i] = sw.ID
		byID[sw.ID] = sw
		sw.Agents = []domain.Agent{}
	}

	var agents []domain.Agent
	query := `SELECT ` + agentColumns + ` FROM agents WHERE swarm_id = ANY($1) ORDER BY swarm_id, position`
	if err := s.db.SelectContext(ctx, &agents, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	for _, a := range agents {
		sw := byID[a.SwarmID]
		sw.Agents = append(sw.Agents, a)
	}
	return nil
}

func (s *RegistryStore) CreditAgents(ctx context.Context, swarmID string, credits map[string]int64) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM swarms WHERE id = $1)`, swarmID); err != nil {
			return fmt.Errorf("failed to check swarm: %w", err)
		}
		if !exists {
			return domain.ErrSwarmNotFound
		}

		query := `
			UPDATE agents
			SET earnings = earnings + $1,
			    tasks_completed = tasks_completed + 1
			WHERE swarm_id = $2 AND address = $3
		`
		for address, amount := range credits {
			if _, err := tx.ExecContext(ctx, query, amount, swarmID, address); err != nil {
				return fmt.Errorf("failed to credit agent: %w", err)
			}
		}
		return nil
	})
}
