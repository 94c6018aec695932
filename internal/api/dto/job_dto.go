package dto

import (
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

type CreateJobRequest struct {
	Title         string `json:"title" binding:"required"`
	Description   string `json:"description" binding:"required"`
	Requirements  string `json:"requirements"`
	PaymentAmount int64  `json:"payment_amount" binding:"required,gt=0"`
	ClientID      string `json:"client_id"`
}

type ListJobsRequest struct {
	ClientID string `form:"client_id"`
	SwarmID  string `form:"swarm_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Requirements    string `json:"requirements,omitempty"`
	PaymentAmount   int64  `json:"payment_amount"`
	Status          string `json:"status"`
	ClientID        string `json:"client_id"`
	AssignedSwarmID string `json:"assigned_swarm_id,omitempty"`
	ChainID         string `json:"chain_id,omitempty"`
	DisputeReason   string `json:"dispute_reason,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	ResultHash      string `json:"result_hash,omitempty"`
	CreatedAt       string `json:"created_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

func NewJobDTO(j *domain.Job) JobDTO {
	out := JobDTO{
		ID:              j.ID,
		Title:           j.Title,
		Description:     j.Description,
		Requirements:    j.Requirements,
		PaymentAmount:   j.PaymentAmount,
		Status:          string(j.Status),
		ClientID:        j.ClientID,
		AssignedSwarmID: j.AssignedSwarmID,
		ChainID:         j.ChainID,
		DisputeReason:   j.DisputeReason,
		Resolution:      string(j.Resolution),
		ResultHash:      j.ResultHash,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339Nano),
	}
	if j.CompletedAt != nil {
		out.CompletedAt = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return out
}

type SubmitBidRequest struct {
	SwarmID            string `json:"swarm_id" binding:"required"`
	Price              int64  `json:"price" binding:"required,gt=0"`
	EstimatedTimeHours int    `json:"estimated_time_hours" binding:"required,gt=0"`
	Message            string `json:"message"`
}

type BidDTO struct {
	ID                 string `json:"id"`
	JobID              string `json:"job_id"`
	SwarmID            string `json:"swarm_id"`
	Price              int64  `json:"price"`
	EstimatedTimeHours int    `json:"estimated_time_hours"`
	Message            string `json:"message,omitempty"`
	IsAccepted         bool   `json:"is_accepted"`
	CreatedAt          string `json:"created_at"`
}

func NewBidDTO(b *domain.Bid) BidDTO {
	return BidDTO{
		ID:                 b.ID,
		JobID:              b.JobID,
		SwarmID:            b.SwarmID,
		Price:              b.Price,
		EstimatedTimeHours: b.EstimatedTimeHours,
		Message:            b.Message,
		IsAccepted:         b.IsAccepted,
		CreatedAt:          b.CreatedAt.Format(time.RFC3339Nano),
	}
}

type ListBidsResponse struct {
	Bids []BidDTO `json:"bids"`
}

type AcceptBidRequest struct {
	BidID string `json:"bid_id" binding:"required"`
}

type DisputeJobRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type SettleDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required,oneof=REFUND RELEASE"`
}
