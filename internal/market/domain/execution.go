package domain

import "time"

// Task is the execution record for an assigned job; its identity is the job id
type Task struct {
	JobID       string     `json:"job_id" db:"job_id"`
	SwarmID     string     `json:"swarm_id" db:"swarm_id"`
	Attempt     int        `json:"attempt" db:"attempt"`
	Status      TaskStatus `json:"status" db:"status"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	NextRunAt   time.Time  `json:"next_run_at" db:"next_run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ResultHash  string     `json:"result_hash,omitempty" db:"result_hash"`
	// ReportedAt is set once the final outcome reached the job lifecycle
	ReportedAt *time.Time `json:"reported_at,omitempty" db:"reported_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that does not share time pointers
func (t *Task) Clone() *Task {
	c := *t
	c.StartedAt = cloneTime(t.StartedAt)
	c.HeartbeatAt = cloneTime(t.HeartbeatAt)
	c.FinishedAt = cloneTime(t.FinishedAt)
	c.ReportedAt = cloneTime(t.ReportedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WorkOrder is everything an executor needs to run one attempt
type WorkOrder struct {
	JobID        string  `json:"job_id"`
	SwarmID      string  `json:"swarm_id"`
	Attempt      int     `json:"attempt"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Requirements string  `json:"requirements,omitempty"`
	Agents       []Agent `json:"agents"`
}

// AgentFor returns the first agent with the given role
func (w *WorkOrder) AgentFor(role AgentRole) (Agent, bool) {
	for _, a := range w.Agents {
		if a.Role == role {
			return a, true
		}
	}
	return Agent{}, false
}

// Progress is a stage update emitted while an attempt runs
type Progress struct {
	JobID    string `json:"job_id"`
	Attempt  int    `json:"attempt"`
	Stage    string `json:"stage"`
	AgentID  string `json:"agent_id"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

// TaskResult is one agent's contribution to a job result
type TaskResult struct {
	AgentAddress    string `json:"agent_address"`
	TaskName        string `json:"task_name"`
	Output          string `json:"output"`
	TokensUsed      int    `json:"tokens_used"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Result is the outcome of a successful or failed attempt
type Result struct {
	JobID        string       `json:"job_id"`
	Success      bool         `json:"success"`
	FinalOutput  string       `json:"final_output"`
	TaskResults  []TaskResult `json:"task_results"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	ResultHash   string       `json:"result_hash"`
}
