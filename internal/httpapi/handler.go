// Package httpapi exposes the request-response surface: the same ledger and
// store operations as the WebSocket commands, as plain JSON endpoints.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/store"
)

// Handler holds the REST handler dependencies.
type Handler struct {
	store  store.Store
	ledger *ledger.Ledger
	hub    *hub.Hub
	log    zerolog.Logger
}

// NewHandler creates a REST handler.
func NewHandler(st store.Store, led *ledger.Ledger, h *hub.Hub, log zerolog.Logger) *Handler {
	return &Handler{
		store:  st,
		ledger: led,
		hub:    h,
		log:    log.With().Str("component", "httpapi").Logger(),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/tool_runs", h.RequestToolRun)
	e.GET("/v1/tool_runs", h.ListToolRuns)
	e.GET("/v1/tool_runs/:run_id", h.GetToolRun)
	e.POST("/v1/tool_runs/:run_id/approve", h.ApproveToolRun)
	e.POST("/v1/tool_runs/:run_id/reject", h.RejectToolRun)
	e.POST("/v1/tool_runs/:run_id/execute", h.ExecuteToolRun)

	e.GET("/v1/tools", h.ListTools)
	e.GET("/v1/conversations", h.ListConversations)
	e.GET("/v1/conversations/:conversation_id/messages", h.GetConversationMessages)
	e.GET("/v1/conversations/:conversation_id/logs", h.GetWorkflowLogs)

	e.GET("/health", h.Health)
}

// principalFrom builds the caller's principal from the X-Role and X-Subject
// headers. Missing headers degrade to an anonymous user.
func principalFrom(c echo.Context) domain.Principal {
	role := c.Request().Header.Get("X-Role")
	if role == "" {
		role = string(domain.RoleUser)
	}
	subject := c.Request().Header.Get("X-Subject")
	if subject == "" {
		subject = "anonymous"
	}
	return domain.Principal{
		Role:         domain.Role(role),
		Subject:      subject,
		Capabilities: domain.DefaultCapabilities(domain.Role(role)),
	}
}

// httpError maps a domain error to its HTTP status and stable code.
func httpError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	return c.JSON(status, map[string]string{
		"code":  domain.ErrorCode(err),
		"error": err.Error(),
	})
}

// Health reports liveness plus live connection counts.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"connections":           h.hub.ConnectionCount(),
		"watched_conversations": h.hub.WatchedConversationCount(),
	})
}
