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

// SwarmHandler handles swarm registration and lookup
type SwarmHandler struct {
	logger *slog.Logger
	market *engine.Marketplace
}

// NewSwarmHandler creates a new SwarmHandler instance
func NewSwarmHandler(deps *Dependencies) *SwarmHandler {
	return &SwarmHandler{
		logger: deps.Logger,
		market: deps.Market,
	}
}

// CreateSwarm handles POST /api/v1/swarms
func (h *SwarmHandler) CreateSwarm(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.CreateSwarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	agents := make([]domain.Agent, len(req.Agents))
	for i, a := range req.Agents {
		agents[i] = domain.Agent{Role: domain.AgentRole(a.Role), Address: a.Address}
	}

	swarm, err := h.market.CreateSwarm(c.Request.Context(), ec, domain.Swarm{
		Name:    req.Name,
		OwnerID: req.OwnerID,
		Agents:  agents,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to create swarm", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewSwarmDTO(swarm))
}

// GetSwarm handles GET /api/v1/swarms/:swarm_id
func (h *SwarmHandler) GetSwarm(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	swarm, err := h.market.GetSwarm(c.Request.Context(), ec, c.Param("swarm_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get swarm", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewSwarmDTO(swarm))
}

// ListSwarms handles GET /api/v1/swarms
func (h *SwarmHandler) ListSwarms(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.ListSwarmsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	swarms, err := h.market.ListSwarms(c.Request.Context(), ec, registry.SwarmFilter{
		OwnerID:    req.OwnerID,
		ActiveOnly: req.ActiveOnly,
		Limit:      req.PageSize,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list swarms", err)
		return
	}

	resp := dto.ListSwarmsResponse{Swarms: make([]dto.SwarmDTO, len(swarms))}
	for i, s := range swarms {
		resp.Swarms[i] = dto.NewSwarmDTO(s)
	}
	c.JSON(http.StatusOK, resp)
}
