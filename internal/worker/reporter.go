package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/swarm-market/internal/crew"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/shared/httpclient"
)

// progressBody and resultBody mirror the API's callback payloads
type progressBody struct {
	Stage    string `json:"stage"`
	AgentID  string `json:"agent_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress"`
}

type resultBody struct {
	domain.Result
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HTTPReporter posts attempt updates to the API's execution callbacks
type HTTPReporter struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewHTTPReporter creates a reporter over a client whose base URL is the API
func NewHTTPReporter(client *httpclient.Client, logger *slog.Logger) *HTTPReporter {
	return &HTTPReporter{client: client, logger: logger}
}

func (r *HTTPReporter) ReportProgress(ctx context.Context, jobID string, attempt int, p domain.Progress) error {
	body := progressBody{
		Stage:    p.Stage,
		AgentID:  p.AgentID,
		Message:  p.Message,
		Progress: p.Progress,
	}
	return r.post(ctx, crew.CallbackURL("", jobID, attempt), body)
}

func (r *HTTPReporter) ReportResult(ctx context.Context, jobID string, attempt int, res *domain.Result, execErr error) error {
	var body resultBody
	if res != nil {
		body.Result = *res
	}
	body.JobID = jobID
	if execErr != nil {
		body.Success = false
		body.Error = execErr.Error()
		body.Retryable = domain.IsRetryable(execErr)
	}
	return r.post(ctx, crew.CallbackURL("", jobID, attempt)+"/result", body)
}

// post maps the API's verdict that an attempt is over to ErrStaleAttempt
func (r *HTTPReporter) post(ctx context.Context, path string, body any) error {
	err := r.client.PostJSON(ctx, path, body, nil)
	if err == nil {
		return nil
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		r.logger.Debug("Callback rejected",
			slog.String("path", path),
			slog.Int("status", statusErr.StatusCode),
		)
		switch {
		case statusErr.StatusCode == http.StatusConflict && strings.Contains(statusErr.Body, domain.ErrStaleAttempt.Code):
			return domain.ErrStaleAttempt
		case statusErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrStaleAttempt, statusErr.Body)
		}
	}
	return fmt.Errorf("failed to post %s: %w", path, err)
}
