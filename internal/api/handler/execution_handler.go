package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/swarm-market/internal/api/dto"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/engine"
	"github.com/gin-gonic/gin"
)

// ExecutionHandler serves execution task reads and the callbacks of
// out-of-process runners
type ExecutionHandler struct {
	logger *slog.Logger
	market *engine.Marketplace
}

// NewExecutionHandler creates a new ExecutionHandler instance
func NewExecutionHandler(deps *Dependencies) *ExecutionHandler {
	return &ExecutionHandler{
		logger: deps.Logger,
		market: deps.Market,
	}
}

// GetTask handles GET /api/v1/jobs/:job_id/execution
func (h *ExecutionHandler) GetTask(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	task, err := h.market.Task(c.Request.Context(), ec, c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get execution task", err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// callbackContext resolves the attempt a callback targets. Remote runners
// only serve live mode, so that is the default when no mode is given.
func callbackContext(c *gin.Context) (engine.ExecContext, int, error) {
	ec, err := execContext(c)
	if err != nil {
		return ec, 0, err
	}
	if ec.Mode == "" {
		ec.Mode = domain.ModeLive
	}
	attempt, err := strconv.Atoi(c.Param("attempt"))
	if err != nil || attempt < 1 {
		return ec, 0, domain.NewValidationError("attempt must be a positive integer")
	}
	return ec, attempt, nil
}

// ReportProgress handles POST /api/v1/executions/:job_id/attempts/:attempt
func (h *ExecutionHandler) ReportProgress(c *gin.Context) {
	ec, attempt, err := callbackContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid progress callback", err)
		return
	}

	var req dto.ProgressReport
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	jobID := c.Param("job_id")
	err = h.market.ReportExecutionProgress(c.Request.Context(), ec, jobID, attempt, domain.Progress{
		Stage:    req.Stage,
		AgentID:  req.AgentID,
		Message:  req.Message,
		Progress: req.Progress,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to record progress", err)
		return
	}

	c.Status(http.StatusAccepted)
}

// ReportResult handles POST /api/v1/executions/:job_id/attempts/:attempt/result
func (h *ExecutionHandler) ReportResult(c *gin.Context) {
	ec, attempt, err := callbackContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid result callback", err)
		return
	}

	var req dto.ResultReport
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	jobID := c.Param("job_id")
	res := req.Result
	res.JobID = jobID

	var execErr error
	switch {
	case req.Error != "":
		execErr = errors.New(req.Error)
		if req.Retryable {
			execErr = domain.NewRetryableError(execErr)
		}
	case !res.Success:
		msg := res.FinalOutput
		if msg == "" {
			msg = "attempt reported failure"
		}
		execErr = domain.NewRetryableError(errors.New(msg))
	}

	h.logger.Info("Execution result received",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
		slog.Bool("success", execErr == nil),
	)

	if err := h.market.ReportExecutionResult(c.Request.Context(), ec, jobID, attempt, &res, execErr); err != nil {
		respondError(c, h.logger, "Failed to record result", err)
		return
	}

	c.Status(http.StatusAccepted)
}
