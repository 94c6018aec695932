package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/swarm-market/internal/api/dto"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/engine"
	"github.com/cuongbtq/swarm-market/internal/market/registry"
	"github.com/gin-gonic/gin"
)

// JobHandler handles job, bid and dispute requests
type JobHandler struct {
	logger *slog.Logger
	market *engine.Marketplace
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		market: deps.Market,
	}
}

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	job, err := h.market.CreateJob(c.Request.Context(), ec, domain.Job{
		Title:         req.Title,
		Description:   req.Description,
		Requirements:  req.Requirements,
		PaymentAmount: req.PaymentAmount,
		ClientID:      req.ClientID,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to create job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	job, err := h.market.GetJob(c.Request.Context(), ec, c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		respondError(c, h.logger, "Invalid cursor", domain.NewValidationError("invalid cursor"))
		return
	}

	jobs, err := h.market.ListJobs(c.Request.Context(), ec, registry.JobFilter{
		ClientID: req.ClientID,
		SwarmID:  req.SwarmID,
		Status:   domain.JobStatus(req.Status),
		Limit:    req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&registry.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// SubmitBid handles POST /api/v1/jobs/:job_id/bids
func (h *JobHandler) SubmitBid(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.SubmitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	bid, err := h.market.SubmitBid(c.Request.Context(), ec, domain.Bid{
		JobID:              c.Param("job_id"),
		SwarmID:            req.SwarmID,
		Price:              req.Price,
		EstimatedTimeHours: req.EstimatedTimeHours,
		Message:            req.Message,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to submit bid", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewBidDTO(bid))
}

// ListBids handles GET /api/v1/jobs/:job_id/bids
func (h *JobHandler) ListBids(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	bids, err := h.market.ListBids(c.Request.Context(), ec, c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to list bids", err)
		return
	}

	resp := dto.ListBidsResponse{Bids: make([]dto.BidDTO, len(bids))}
	for i, b := range bids {
		resp.Bids[i] = dto.NewBidDTO(b)
	}
	c.JSON(http.StatusOK, resp)
}

// AcceptBid handles POST /api/v1/jobs/:job_id/accept
func (h *JobHandler) AcceptBid(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.AcceptBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	job, err := h.market.AcceptBid(c.Request.Context(), ec, c.Param("job_id"), req.BidID)
	if err != nil {
		respondError(c, h.logger, "Failed to accept bid", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// DisputeJob handles POST /api/v1/jobs/:job_id/dispute
func (h *JobHandler) DisputeJob(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.DisputeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	job, err := h.market.DisputeJob(c.Request.Context(), ec, c.Param("job_id"), req.Reason)
	if err != nil {
		respondError(c, h.logger, "Failed to dispute job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// SettleDispute handles POST /api/v1/jobs/:job_id/settle
func (h *JobHandler) SettleDispute(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.SettleDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	job, err := h.market.SettleDispute(c.Request.Context(), ec, c.Param("job_id"), domain.DisputeResolution(req.Resolution))
	if err != nil {
		respondError(c, h.logger, "Failed to settle dispute", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}
