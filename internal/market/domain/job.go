package domain

import (
	"strings"
	"time"
)

// Job is a paid task posted by a client
type Job struct {
	ID              string            `json:"id" db:"id"`
	Title           string            `json:"title" db:"title"`
	Description     string            `json:"description" db:"description"`
	Requirements    string            `json:"requirements,omitempty" db:"requirements"`
	PaymentAmount   int64             `json:"payment_amount" db:"payment_amount"`
	Status          JobStatus         `json:"status" db:"status"`
	ClientID        string            `json:"client_id" db:"client_id"`
	AssignedSwarmID string            `json:"assigned_swarm_id,omitempty" db:"assigned_swarm_id"`
	ChainID         string            `json:"chain_id,omitempty" db:"chain_id"`
	DisputeReason   string            `json:"dispute_reason,omitempty" db:"dispute_reason"`
	Resolution      DisputeResolution `json:"resolution,omitempty" db:"resolution"`
	ResultHash      string            `json:"result_hash,omitempty" db:"result_hash"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// Validate checks the fields a client supplies when posting a job
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Title) == "" {
		return NewValidationError("title is required")
	}
	if strings.TrimSpace(j.Description) == "" {
		return NewValidationError("description is required")
	}
	if strings.TrimSpace(j.ClientID) == "" {
		return NewValidationError("client_id is required")
	}
	if j.PaymentAmount <= 0 {
		return NewValidationError("payment_amount must be greater than 0")
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a store
func (j *Job) Clone() *Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Bid is a swarm's offer to perform a job
type Bid struct {
	ID                 string    `json:"id" db:"id"`
	JobID              string    `json:"job_id" db:"job_id"`
	SwarmID            string    `json:"swarm_id" db:"swarm_id"`
	Price              int64     `json:"price" db:"price"`
	EstimatedTimeHours int       `json:"estimated_time_hours" db:"estimated_time_hours"`
	Message            string    `json:"message,omitempty" db:"message"`
	IsAccepted         bool      `json:"is_accepted" db:"is_accepted"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the fields a swarm supplies when bidding
func (b *Bid) Validate() error {
	if strings.TrimSpace(b.JobID) == "" {
		return NewValidationError("job_id is required")
	}
	if strings.TrimSpace(b.SwarmID) == "" {
		return NewValidationError("swarm_id is required")
	}
	if b.Price <= 0 {
		return NewValidationError("price must be greater than 0")
	}
	if b.EstimatedTimeHours <= 0 {
		return NewValidationError("estimated_time_hours must be greater than 0")
	}
	return nil
}

// Swarm is a group of agents that bids on and performs jobs
type Swarm struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	Rating    float64   `json:"rating" db:"rating"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	ChainID   string    `json:"chain_id,omitempty" db:"chain_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Agents    []Agent   `json:"agents" db:"-"`
}

// Validate checks a swarm registration
func (s *Swarm) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return NewValidationError("name is required")
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return NewValidationError("owner_id is required")
	}
	seen := make(map[string]struct{}, len(s.Agents))
	for i, a := range s.Agents {
		if !a.Role.Valid() {
			return NewValidationError("agents[%d]: unknown role %q", i, a.Role)
		}
		if strings.TrimSpace(a.Address) == "" {
			return NewValidationError("agents[%d]: address is required", i)
		}
		if _, dup := seen[a.Address]; dup {
			return NewValidationError("agents[%d]: duplicate address %q", i, a.Address)
		}
		seen[a.Address] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy including the agent list
func (s *Swarm) Clone() *Swarm {
	c := *s
	c.Agents = append([]Agent(nil), s.Agents...)
	return &c
}

// AccountID is the ledger identity backing the swarm budget
func (s *Swarm) AccountID() string {
	return SwarmAccountID(s.ID)
}

// SwarmAccountID returns the ledger identity of a swarm
func SwarmAccountID(swarmID string) string {
	return "swarm:" + swarmID
}

// Agent is a single worker identity inside a swarm
type Agent struct {
	ID             string    `json:"id" db:"id"`
	SwarmID        string    `json:"swarm_id" db:"swarm_id"`
	Position       int       `json:"-" db:"position"`
	Role           AgentRole `json:"role" db:"role"`
	Address        string    `json:"address" db:"address"`
	Earnings       int64     `json:"earnings" db:"earnings"`
	TasksCompleted int       `json:"tasks_completed" db:"tasks_completed"`
}
