package dto

import "github.com/cuongbtq/swarm-market/internal/market/domain"

// ProgressReport is posted by an out-of-process runner after each stage
type ProgressReport struct {
	Stage    string `json:"stage" binding:"required"`
	AgentID  string `json:"agent_id"`
	Message  string `json:"message"`
	Progress int    `json:"progress" binding:"gte=0,lte=100"`
}

// ResultReport is posted once per attempt. Error is set when the attempt
// failed; Retryable tells the queue whether another attempt may help.
type ResultReport struct {
	domain.Result
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
