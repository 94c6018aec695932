package router

import (
	"github.com/cuongbtq/swarm-market/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))

	healthHandler := handler.NewHealthHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	swarmHandler := handler.NewSwarmHandler(deps)
	accountHandler := handler.NewAccountHandler(deps)
	executionHandler := handler.NewExecutionHandler(deps)
	eventHandler := handler.NewEventHandler(deps)

	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/bids", jobHandler.SubmitBid)
			jobs.GET("/:job_id/bids", jobHandler.ListBids)
			jobs.POST("/:job_id/accept", jobHandler.AcceptBid)
			jobs.POST("/:job_id/dispute", jobHandler.DisputeJob)
			jobs.POST("/:job_id/settle", jobHandler.SettleDispute)
			jobs.GET("/:job_id/execution", executionHandler.GetTask)
		}

		swarms := v1.Group("/swarms")
		{
			swarms.POST("", swarmHandler.CreateSwarm)
			swarms.GET("", swarmHandler.ListSwarms)
			swarms.GET("/:swarm_id", swarmHandler.GetSwarm)
		}

		accounts := v1.Group("/accounts")
		{
			accounts.GET("/:owner", accountHandler.GetAccount)
			accounts.POST("/:owner/deposit", accountHandler.Deposit)
			accounts.GET("/:owner/transactions", accountHandler.ListTransactions)
		}

		// Callbacks of out-of-process runners
		executions := v1.Group("/executions", CallbackAuthMiddleware(deps.CallbackToken, deps.Logger))
		{
			executions.POST("/:job_id/attempts/:attempt", executionHandler.ReportProgress)
			executions.POST("/:job_id/attempts/:attempt/result", executionHandler.ReportResult)
		}

		v1.GET("/events", eventHandler.Stream)
		v1.GET("/events/stats", eventHandler.Stats)
		v1.GET("/activity", eventHandler.Activity)
	}

	return r
}
