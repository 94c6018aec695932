// Package crew runs a work order through the Router, Worker and QA agents
// of a swarm and produces the job result.
package crew

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// Stage is one step of the pipeline
type Stage struct {
	Name     string
	Role     domain.AgentRole
	Task     string
	Message  string
	Progress int
}

// Stages run in order; each agent sees the previous stage's output
var Stages = []Stage{
	{Name: "routing", Role: domain.AgentRoleRouter, Task: "ticket_classification", Message: "Analyzing and classifying the support ticket", Progress: 10},
	{Name: "processing", Role: domain.AgentRoleWorker, Task: "issue_resolution", Message: "Resolving the customer issue", Progress: 40},
	{Name: "qa", Role: domain.AgentRoleQA, Task: "quality_assurance", Message: "Validating response quality", Progress: 70},
}

// DefaultAddresses are used for roles the swarm has no agent for
var DefaultAddresses = map[domain.AgentRole]string{
	domain.AgentRoleRouter: "0x1111111111111111111111111111111111111111",
	domain.AgentRoleWorker: "0x2222222222222222222222222222222222222222",
	domain.AgentRoleQA:     "0x3333333333333333333333333333333333333333",
}

// costPerMs is the estimated spend per millisecond of agent time
const costPerMs = 0.00001

// Agent performs a single stage
type Agent interface {
	Perform(ctx context.Context, stage Stage, ticket, previous string) (output string, tokens int, err error)
}

// TicketContent renders the text every agent works on
func TicketContent(order *domain.WorkOrder) string {
	content := order.Title + "\n\n" + order.Description
	if strings.TrimSpace(order.Requirements) != "" {
		content += "\n\nRequirements: " + order.Requirements
	}
	return content
}

// HashResult returns the content address recorded for a result
func HashResult(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "ipfs://" + hex.EncodeToString(sum[:])[:46]
}

// Pipeline runs the stages in process
type Pipeline struct {
	agent  Agent
	logger *slog.Logger
	now    func() time.Time
}

// NewPipeline creates a pipeline over the given agent
func NewPipeline(agent Agent, logger *slog.Logger) *Pipeline {
	return &Pipeline{agent: agent, logger: logger, now: time.Now}
}

// Execute runs every stage and reports progress along the way. When a stage
// fails the returned result carries the failure and the error says whether
// another attempt may help.
func (p *Pipeline) Execute(ctx context.Context, order *domain.WorkOrder, progress func(domain.Progress)) (*domain.Result, error) {
	if progress == nil {
		progress = func(domain.Progress) {}
	}
	ticket := TicketContent(order)
	results := make([]domain.TaskResult, 0, len(Stages))

	var previous string
	for _, stage := range Stages {
		address := DefaultAddresses[stage.Role]
		if a, ok := order.AgentFor(stage.Role); ok {
			address = a.Address
		}

		progress(domain.Progress{
			JobID:    order.JobID,
			Attempt:  order.Attempt,
			Stage:    stage.Name,
			AgentID:  address,
			Message:  stage.Message,
			Progress: stage.Progress,
		})

		start := p.now()
		output, tokens, err := p.agent.Perform(ctx, stage, ticket, previous)
		if err != nil {
			p.logger.Error("Crew stage failed",
				slog.String("job_id", order.JobID),
				slog.String("stage", stage.Name),
				slog.String("error", err.Error()),
			)
			return &domain.Result{
				JobID:       order.JobID,
				Success:     false,
				FinalOutput: "Error: " + err.Error(),
				TaskResults: results,
				ResultHash:  HashResult("error:" + err.Error()),
			}, fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		results = append(results, domain.TaskResult{
			AgentAddress:    address,
			TaskName:        stage.Task,
			Output:          output,
			TokensUsed:      tokens,
			ExecutionTimeMs: p.now().Sub(start).Milliseconds(),
		})
		previous = output
	}

	progress(domain.Progress{
		JobID:    order.JobID,
		Attempt:  order.Attempt,
		Stage:    "complete",
		Message:  "Job completed successfully",
		Progress: 100,
	})

	var totalMs int64
	for _, r := range results {
		totalMs += r.ExecutionTimeMs
	}

	p.logger.Info("Crew completed job",
		slog.String("job_id", order.JobID),
		slog.Int64("total_ms", totalMs),
	)
	return &domain.Result{
		JobID:        order.JobID,
		Success:      true,
		FinalOutput:  previous,
		TaskResults:  results,
		TotalCostUSD: float64(totalMs) * costPerMs,
		ResultHash:   HashResult(previous),
	}, nil
}
