package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/shared/httpclient"
)

// JobInput is the request body of the agent service
type JobInput struct {
	JobID        string `json:"job_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Requirements string `json:"requirements"`
	SwarmID      string `json:"swarm_id"`
	CallbackURL  string `json:"callback_url,omitempty"`
	// CallbackToken goes in the X-Callback-Token header of every callback
	CallbackToken string `json:"callback_token,omitempty"`
}

// Callback tells the agent service where and how to post progress
type Callback struct {
	BaseURL string
	Token   string
}

// CallbackURL is where progress of an attempt is posted; the final result
// goes to the same URL with a /result suffix.
func CallbackURL(base, jobID string, attempt int) string {
	return fmt.Sprintf("%s/api/v1/executions/%s/attempts/%d", strings.TrimRight(base, "/"), url.PathEscape(jobID), attempt)
}

// Remote runs the crew on the external agent service
type Remote struct {
	client   *httpclient.Client
	callback Callback
	logger   *slog.Logger
}

// NewRemote creates a runner that calls the agent service. When the
// callback has a base URL the service streams progress back to the API.
func NewRemote(client *httpclient.Client, callback Callback, logger *slog.Logger) *Remote {
	return &Remote{client: client, callback: callback, logger: logger}
}

func (r *Remote) Execute(ctx context.Context, order *domain.WorkOrder, _ func(domain.Progress)) (*domain.Result, error) {
	in := JobInput{
		JobID:        order.JobID,
		Title:        order.Title,
		Description:  order.Description,
		Requirements: order.Requirements,
		SwarmID:      order.SwarmID,
	}
	if r.callback.BaseURL != "" {
		in.CallbackURL = CallbackURL(r.callback.BaseURL, order.JobID, order.Attempt)
		in.CallbackToken = r.callback.Token
	}

	var out domain.Result
	if err := r.client.PostJSON(ctx, "/execute", in, &out); err != nil {
		r.logger.Error("Agent service call failed",
			slog.String("job_id", order.JobID),
			slog.Int("attempt", order.Attempt),
			slog.String("error", err.Error()),
		)
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return nil, fmt.Errorf("agent service rejected job: %w", err)
		}
		return nil, domain.NewRetryableError(fmt.Errorf("agent service call failed: %w", err))
	}

	if !out.Success {
		return &out, domain.NewRetryableError(errors.New(out.FinalOutput))
	}
	return &out, nil
}
