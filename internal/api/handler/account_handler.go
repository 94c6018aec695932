package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/swarm-market/internal/api/dto"
	"github.com/cuongbtq/swarm-market/internal/market/engine"
	"github.com/gin-gonic/gin"
)

// AccountHandler exposes ledger balances
type AccountHandler struct {
	logger *slog.Logger
	market *engine.Marketplace
}

// NewAccountHandler creates a new AccountHandler instance
func NewAccountHandler(deps *Dependencies) *AccountHandler {
	return &AccountHandler{
		logger: deps.Logger,
		market: deps.Market,
	}
}

// GetAccount handles GET /api/v1/accounts/:owner
func (h *AccountHandler) GetAccount(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	acc, err := h.market.Account(c.Request.Context(), ec, c.Param("owner"))
	if err != nil {
		respondError(c, h.logger, "Failed to get account", err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

// Deposit handles POST /api/v1/accounts/:owner/deposit
func (h *AccountHandler) Deposit(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	acc, err := h.market.Deposit(c.Request.Context(), ec, c.Param("owner"), req.Amount)
	if err != nil {
		respondError(c, h.logger, "Failed to deposit", err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

// ListTransactions handles GET /api/v1/accounts/:owner/transactions
func (h *AccountHandler) ListTransactions(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	var req dto.ListTransactionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBindError(c, h.logger, err)
		return
	}

	txs, err := h.market.Transactions(c.Request.Context(), ec, c.Param("owner"), req.Limit)
	if err != nil {
		respondError(c, h.logger, "Failed to list transactions", err)
		return
	}

	c.JSON(http.StatusOK, dto.ListTransactionsResponse{Transactions: txs})
}
