package dto

import (
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

type AgentRequest struct {
	Role    string `json:"role" binding:"required,oneof=ROUTER WORKER QA"`
	Address string `json:"address" binding:"required"`
}

type CreateSwarmRequest struct {
	Name    string         `json:"name" binding:"required"`
	OwnerID string         `json:"owner_id"`
	Agents  []AgentRequest `json:"agents" binding:"dive"`
}

type ListSwarmsRequest struct {
	OwnerID    string `form:"owner_id"`
	ActiveOnly bool   `form:"active_only"`
	PageSize   int    `form:"page_size"`
}

type AgentDTO struct {
	ID             string `json:"id"`
	Role           string `json:"role"`
	Address        string `json:"address"`
	Earnings       int64  `json:"earnings"`
	TasksCompleted int    `json:"tasks_completed"`
}

type SwarmDTO struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Name      string     `json:"name"`
	Rating    float64    `json:"rating"`
	IsActive  bool       `json:"is_active"`
	ChainID   string     `json:"chain_id,omitempty"`
	AccountID string     `json:"account_id"`
	Agents    []AgentDTO `json:"agents"`
	CreatedAt string     `json:"created_at"`
}

func NewSwarmDTO(s *domain.Swarm) SwarmDTO {
	agents := make([]AgentDTO, len(s.Agents))
	for i, a := range s.Agents {
		agents[i] = AgentDTO{
			ID:             a.ID,
			Role:           string(a.Role),
			Address:        a.Address,
			Earnings:       a.Earnings,
			TasksCompleted: a.TasksCompleted,
		}
	}
	return SwarmDTO{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		Name:      s.Name,
		Rating:    s.Rating,
		IsActive:  s.IsActive,
		ChainID:   s.ChainID,
		AccountID: s.AccountID(),
		Agents:    agents,
		CreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
	}
}

type ListSwarmsResponse struct {
	Swarms []SwarmDTO `json:"swarms"`
}
