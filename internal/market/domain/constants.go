package domain

// JobStatus is the lifecycle state of a Job
type JobStatus string

// Job status constants
const (
	JobStatusOpen       JobStatus = "OPEN"
	JobStatusAssigned   JobStatus = "ASSIGNED"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusDisputed   JobStatus = "DISPUTED"
)

// IsTerminal reports whether no transition leaves the status
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusDisputed
}

// HasAssignee reports whether a job in this status must carry an assigned swarm
func (s JobStatus) HasAssignee() bool {
	switch s {
	case JobStatusAssigned, JobStatusInProgress, JobStatusCompleted, JobStatusDisputed:
		return true
	}
	return false
}

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	return s == JobStatusOpen || s.HasAssignee()
}

// AgentRole is the function an agent performs inside its swarm
type AgentRole string

// Agent role constants
const (
	AgentRoleRouter AgentRole = "ROUTER"
	AgentRoleWorker AgentRole = "WORKER"
	AgentRoleQA     AgentRole = "QA"
)

// Valid reports whether r is a known agent role
func (r AgentRole) Valid() bool {
	return r == AgentRoleRouter || r == AgentRoleWorker || r == AgentRoleQA
}

// TaskStatus is the state of an ExecutionTask
type TaskStatus string

// Execution task status constants
const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusAbandoned TaskStatus = "ABANDONED"
)

// IsActive reports whether the task still owns the job's execution slot
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning
}

// IsFinal reports whether no further attempt will run
func (s TaskStatus) IsFinal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusAbandoned
}

// HoldStatus tracks an escrow hold placed for a job
type HoldStatus string

// Hold status constants
const (
	HoldStatusHeld     HoldStatus = "HELD"
	HoldStatusReleased HoldStatus = "RELEASED"
	HoldStatusRefunded HoldStatus = "REFUNDED"
)

// TransactionKind classifies a ledger journal entry
type TransactionKind string

// Ledger transaction kinds
const (
	TxDeposit       TransactionKind = "deposit"
	TxEscrowLock    TransactionKind = "escrow_lock"
	TxEscrowRelease TransactionKind = "escrow_release"
	TxTaskEarning   TransactionKind = "task_earning"
	TxRefund        TransactionKind = "refund"
)

// DisputeResolution records how the held funds of a disputed job were settled
type DisputeResolution string

// Dispute resolutions
const (
	ResolutionNone    DisputeResolution = ""
	ResolutionRefund  DisputeResolution = "REFUND"
	ResolutionRelease DisputeResolution = "RELEASE"
)

// Mode selects the backend set a command runs against
type Mode string

// Execution modes
const (
	ModeSimulated Mode = "simulated"
	ModeLive      Mode = "live"
)

// ParseMode maps user input to a Mode, defaulting to simulated
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "demo", string(ModeSimulated):
		return ModeSimulated, nil
	case string(ModeLive):
		return ModeLive, nil
	}
	return "", NewValidationError("unknown mode %q", s)
}
