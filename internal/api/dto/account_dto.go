package dto

import "github.com/cuongbtq/swarm-market/internal/market/domain"

type DepositRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

type ListTransactionsRequest struct {
	Limit int `form:"limit"`
}

type ListTransactionsResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
