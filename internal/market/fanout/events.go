package fanout

import (
	"strings"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// Marketplace is the single global channel
const Marketplace = "marketplace"

// JobChannel names the channel of a job
func JobChannel(jobID string) string { return "job:" + jobID }

// SwarmChannel names the channel of a swarm
func SwarmChannel(swarmID string) string { return "swarm:" + swarmID }

// UserChannel names the channel of a user or agent address
func UserChannel(address string) string { return "user:" + address }

// ValidChannel reports whether name is a well-formed channel name
func ValidChannel(name string) bool {
	if name == Marketplace {
		return true
	}
	for _, prefix := range []string{"job:", "swarm:", "user:"} {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

// Kind tags the concrete type of an event
type Kind string

// Event kinds
const (
	KindJobLifecycle    Kind = "job_lifecycle"
	KindJobProgress     Kind = "job_progress"
	KindPayment         Kind = "payment"
	KindAgentActivity   Kind = "agent_activity"
	KindBidReceived     Kind = "bid_received"
	KindJobPosted       Kind = "job_posted"
	KindSwarmRegistered Kind = "swarm_registered"
)

// Event is a notification that knows which channels it belongs on
type Event interface {
	Kind() Kind
	Channels() []string
}

// JobLifecycle reports a job status change
type JobLifecycle struct {
	JobID    string           `json:"job_id"`
	Status   domain.JobStatus `json:"status"`
	Previous domain.JobStatus `json:"previous,omitempty"`
	SwarmID  string           `json:"swarm_id,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	At       time.Time        `json:"at"`
}

func (JobLifecycle) Kind() Kind           { return KindJobLifecycle }
func (e JobLifecycle) Channels() []string { return []string{JobChannel(e.JobID)} }

// JobProgress reports a stage reached by a running attempt
type JobProgress struct {
	JobID    string    `json:"job_id"`
	Attempt  int       `json:"attempt"`
	Stage    string    `json:"stage"`
	AgentID  string    `json:"agent_id,omitempty"`
	Message  string    `json:"message"`
	Progress int       `json:"progress"`
	At       time.Time `json:"at"`
}

func (JobProgress) Kind() Kind           { return KindJobProgress }
func (e JobProgress) Channels() []string { return []string{JobChannel(e.JobID)} }

// Payment reports money moving for a job
type Payment struct {
	JobID   string                 `json:"job_id"`
	SwarmID string                 `json:"swarm_id"`
	Type    domain.TransactionKind `json:"type"`
	Payer   string                 `json:"payer"`
	Amount  int64                  `json:"amount"`
	Payouts []domain.Payout        `json:"payouts,omitempty"`
	At      time.Time              `json:"at"`
}

func (Payment) Kind() Kind { return KindPayment }

// Channels covers the swarm and every party whose balance changed
func (e Payment) Channels() []string {
	out := make([]string, 0, len(e.Payouts)+2)
	if e.SwarmID != "" {
		out = append(out, SwarmChannel(e.SwarmID))
	}
	seen := make(map[string]struct{}, len(e.Payouts)+1)
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, UserChannel(addr))
	}
	add(e.Payer)
	for _, p := range e.Payouts {
		add(p.AccountID)
	}
	return out
}

// AgentActivity reports work done by a single agent
type AgentActivity struct {
	SwarmID string           `json:"swarm_id"`
	AgentID string           `json:"agent_id,omitempty"`
	Address string           `json:"address"`
	Role    domain.AgentRole `json:"role,omitempty"`
	JobID   string           `json:"job_id,omitempty"`
	Action  string           `json:"action"`
	Earned  int64            `json:"earned,omitempty"`
	At      time.Time        `json:"at"`
}

func (AgentActivity) Kind() Kind { return KindAgentActivity }
func (e AgentActivity) Channels() []string {
	return []string{SwarmChannel(e.SwarmID), Marketplace}
}

// BidReceived summarizes a new bid
type BidReceived struct {
	JobID              string    `json:"job_id"`
	BidID              string    `json:"bid_id"`
	SwarmID            string    `json:"swarm_id"`
	Price              int64     `json:"price"`
	EstimatedTimeHours int       `json:"estimated_time_hours"`
	At                 time.Time `json:"at"`
}

func (BidReceived) Kind() Kind { return KindBidReceived }
func (e BidReceived) Channels() []string {
	return []string{JobChannel(e.JobID), Marketplace}
}

// JobPosted summarizes a new job
type JobPosted struct {
	JobID         string    `json:"job_id"`
	Title         string    `json:"title"`
	ClientID      string    `json:"client_id"`
	PaymentAmount int64     `json:"payment_amount"`
	At            time.Time `json:"at"`
}

func (JobPosted) Kind() Kind         { return KindJobPosted }
func (JobPosted) Channels() []string { return []string{Marketplace} }

// SwarmRegistered summarizes a new swarm
type SwarmRegistered struct {
	SwarmID    string    `json:"swarm_id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id"`
	AgentCount int       `json:"agent_count"`
	At         time.Time `json:"at"`
}

func (SwarmRegistered) Kind() Kind         { return KindSwarmRegistered }
func (SwarmRegistered) Channels() []string { return []string{Marketplace} }
