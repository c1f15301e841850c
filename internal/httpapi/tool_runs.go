package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/store"
)

// ToolRunRequest is the request body to submit a tool run.
type ToolRunRequest struct {
	ToolID         string          `json:"tool_id"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// RejectRequest is the request body to reject a tool run.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RequestToolRun submits a new tool run.
// POST /v1/tool_runs
func (h *Handler) RequestToolRun(c echo.Context) error {
	ctx := c.Request().Context()
	p := principalFrom(c)

	var req ToolRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.ledger.Request(ctx, p, ledger.RequestInput{
		ToolID:         req.ToolID,
		Parameters:     req.Parameters,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetToolRun returns a single tool run.
// GET /v1/tool_runs/:run_id
func (h *Handler) GetToolRun(c echo.Context) error {
	run, err := h.ledger.Get(c.Request().Context(), principalFrom(c), c.Param("run_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ApproveToolRun approves a pending tool run.
// POST /v1/tool_runs/:run_id/approve
func (h *Handler) ApproveToolRun(c echo.Context) error {
	run, err := h.ledger.Approve(c.Request().Context(), principalFrom(c), c.Param("run_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// RejectToolRun rejects a pending tool run.
// POST /v1/tool_runs/:run_id/reject
func (h *Handler) RejectToolRun(c echo.Context) error {
	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.ledger.Reject(c.Request().Context(), principalFrom(c), c.Param("run_id"), req.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ExecuteToolRun executes an approved tool run.
// POST /v1/tool_runs/:run_id/execute
func (h *Handler) ExecuteToolRun(c echo.Context) error {
	run, err := h.ledger.Execute(c.Request().Context(), principalFrom(c), c.Param("run_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListToolRuns returns a page of tool runs.
// GET /v1/tool_runs?status=&tool_id=&limit=&cursor=
func (h *Handler) ListToolRuns(c echo.Context) error {
	p := principalFrom(c)

	f := store.ToolRunFilter{
		Status: domain.ToolRunStatus(c.QueryParam("status")),
		ToolID: c.QueryParam("tool_id"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
		}
		f.Limit = n
	}
	if v := c.QueryParam("cursor"); v != "" {
		cur, err := store.DecodeCursor(v)
		if err != nil {
			return httpError(c, err)
		}
		f.Cursor = cur
	}

	runs, next, err := h.ledger.List(c.Request().Context(), p, f)
	if err != nil {
		return httpError(c, err)
	}
	if runs == nil {
		runs = []domain.ToolRun{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tool_runs":   runs,
		"next_cursor": next,
	})
}

// ListTools returns the tool catalog.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	p := principalFrom(c)
	if !p.Can(domain.CapToolList) {
		return httpError(c, domain.ErrForbidden)
	}

	list, err := h.store.ListTools(c.Request().Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list tools")
		return httpError(c, domain.ErrInternal)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tools": list})
}
