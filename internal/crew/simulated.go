package crew

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// SimulatedAgent answers every stage with deterministic text derived from
// the ticket. Delay makes each stage take some time.
type SimulatedAgent struct {
	Delay time.Duration
}

func (a SimulatedAgent) Perform(ctx context.Context, stage Stage, ticket, previous string) (string, int, error) {
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", 0, domain.NewRetryableError(ctx.Err())
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", 0, domain.NewRetryableError(err)
	}

	var out string
	switch stage.Role {
	case domain.AgentRoleRouter:
		out = fmt.Sprintf("Issue Type: %s\nUrgency: %s\nComplexity: %s\nRouting Recommendation: %s",
			classify(ticket), urgency(ticket), complexity(ticket), "resolution specialist")
	case domain.AgentRoleWorker:
		out = "Resolution:\n" + firstLine(ticket) + "\nBased on the classification (" + firstLine(previous) +
			"), here are the steps to resolve the issue and what to expect next."
	default:
		out = "QA Review: approved\n\n" + previous
	}
	return out, len(strings.Fields(out)), nil
}

func classify(ticket string) string {
	t := strings.ToLower(ticket)
	switch {
	case strings.Contains(t, "invoice"), strings.Contains(t, "billing"), strings.Contains(t, "refund"):
		return "billing"
	case strings.Contains(t, "error"), strings.Contains(t, "crash"), strings.Contains(t, "bug"):
		return "technical"
	case strings.Contains(t, "feature"):
		return "feature request"
	}
	return "general inquiry"
}

func urgency(ticket string) string {
	t := strings.ToLower(ticket)
	if strings.Contains(t, "urgent") || strings.Contains(t, "down") {
		return "high"
	}
	return "medium"
}

func complexity(ticket string) string {
	if len(ticket) > 400 {
		return "complex"
	}
	return "simple"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
