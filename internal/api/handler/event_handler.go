package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/engine"
	"github.com/gin-gonic/gin"
)

const defaultKeepAlive = 15 * time.Second

// EventHandler streams marketplace events and serves the activity feed
type EventHandler struct {
	logger    *slog.Logger
	market    *engine.Marketplace
	keepAlive time.Duration
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger:    deps.Logger,
		market:    deps.Market,
		keepAlive: defaultKeepAlive,
	}
}

// Stream handles GET /api/v1/events?channel=...
// Each delivered message becomes one server-sent event named after its kind.
func (h *EventHandler) Stream(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	sub, err := h.market.Subscribe(ec, c.QueryArray("channel")...)
	if err != nil {
		respondError(c, h.logger, "Failed to subscribe", err)
		return
	}
	defer func() { _ = h.market.Unsubscribe(ec, sub) }()

	h.logger.Info("Event stream opened",
		slog.String("subscription_id", sub.ID()),
		slog.Any("channels", sub.Channels()),
	)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("connected", gin.H{
		"subscription_id": sub.ID(),
		"channels":        sub.Channels(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(msg.Kind), msg)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"dropped": sub.Dropped()})
			return true
		}
	})

	h.logger.Info("Event stream closed",
		slog.String("subscription_id", sub.ID()),
		slog.Uint64("dropped", sub.Dropped()),
	)
}

// Activity handles GET /api/v1/activity
func (h *EventHandler) Activity(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	snap, err := h.market.Activity(ec)
	if err != nil {
		respondError(c, h.logger, "Failed to load activity", err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// Stats handles GET /api/v1/events/stats
func (h *EventHandler) Stats(c *gin.Context) {
	ec, err := execContext(c)
	if err != nil {
		respondError(c, h.logger, "Invalid execution context", err)
		return
	}

	stats, err := h.market.HubStats(ec)
	if err != nil {
		respondError(c, h.logger, "Failed to load stream stats", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
