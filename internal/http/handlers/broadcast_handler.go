// Broadcast HTTP handlers.
//
// The event server triggers executions here, provider webhooks deliver
// delivery statuses, and operators can resend failures. Log listing is
// paginated and read-only.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/repo"
	"github.com/convoops/go-callback-backend/internal/services"
	"github.com/convoops/go-callback-backend/internal/utils"
)

// maxLogPageSize caps one page of the log listing endpoints.
const maxLogPageSize = 200

// BroadcastRunner is the engine surface consumed by these handlers.
type BroadcastRunner interface {
	Execute(ctx context.Context, bot, eventID string) error
	Reconcile(ctx context.Context, bot string, statuses []services.WebhookStatus) error
	Resend(ctx context.Context, bot, eventID, referenceID string) error
}

// BroadcastHandlers groups the broadcast HTTP endpoints.
type BroadcastHandlers struct {
	engine BroadcastRunner
	db     *mongo.Database
}

// NewBroadcastHandlers constructs the broadcast endpoint group.
func NewBroadcastHandlers(engine BroadcastRunner, db *mongo.Database) *BroadcastHandlers {
	return &BroadcastHandlers{engine: engine, db: db}
}

// Execute runs the broadcast for an event id. The event server calls this
// when a schedule fires.
func (h *BroadcastHandlers) Execute(c *gin.Context) {
	bot, eventID := c.Param("bot"), c.Param("event_id")
	if err := h.engine.Execute(c.Request.Context(), bot, eventID); err != nil {
		if errors.Is(err, services.ErrBroadcastInFlight) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, services.ErrBroadcastNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "broadcast executed", nil)
}

// statusWebhookRequest is the normalized provider status payload.
type statusWebhookRequest struct {
	Statuses []services.WebhookStatus `json:"statuses" binding:"required"`
}

// Status ingests provider delivery-status webhooks and reconciles them
// against the send logs. Reconciliation is idempotent per message id.
func (h *BroadcastHandlers) Status(c *gin.Context) {
	var req statusWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "statuses are required")
		return
	}
	if err := h.engine.Reconcile(c.Request.Context(), c.Param("bot"), req.Statuses); err != nil {
		failErr(c, err)
		return
	}
	ok(c, "statuses reconciled", nil)
}

// resendRequest selects the execution whose failures should be resent.
type resendRequest struct {
	ReferenceID string `json:"reference_id" binding:"required"`
}

// Resend re-sends the failed sends of a prior execution.
func (h *BroadcastHandlers) Resend(c *gin.Context) {
	var req resendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "reference_id is required")
		return
	}
	bot, eventID := c.Param("bot"), c.Param("event_id")
	if err := h.engine.Resend(c.Request.Context(), bot, eventID, req.ReferenceID); err != nil {
		if errors.Is(err, services.ErrBroadcastNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "resend completed", nil)
}

// pagedLogs is the data payload of the log listing endpoints.
type pagedLogs struct {
	Items any   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"page_size"`
}

// CallbackLogs lists callback invocation logs for a bot, newest first.
func (h *BroadcastHandlers) CallbackLogs(c *gin.Context) {
	bot := c.Param("bot")
	page := utils.AtoiDefault(c.Query("page"), 1)
	size := utils.AtoiDefault(c.Query("page_size"), 20)
	offset, limit := utils.PageBounds(page, size, maxLogPageSize)

	items, total, err := repo.ListCallbackLogs(c.Request.Context(), h.db, bot, offset, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "callback logs", pagedLogs{Items: items, Total: total, Page: page, Size: int(limit)})
}

// BroadcastLogs lists broadcast logs for a bot, optionally filtered by
// log type, newest first.
func (h *BroadcastHandlers) BroadcastLogs(c *gin.Context) {
	bot := c.Param("bot")
	logType := domain.LogType(c.Query("log_type"))
	page := utils.AtoiDefault(c.Query("page"), 1)
	size := utils.AtoiDefault(c.Query("page_size"), 20)
	offset, limit := utils.PageBounds(page, size, maxLogPageSize)

	items, total, err := repo.ListBroadcastLogs(c.Request.Context(), h.db, bot, logType, offset, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "broadcast logs", pagedLogs{Items: items, Total: total, Page: page, Size: int(limit)})
}
