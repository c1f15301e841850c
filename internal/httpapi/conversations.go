package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/store"
)

// ListConversations returns a page of conversations, most recently updated
// first. Non-privileged callers see only their own.
// GET /v1/conversations?limit=&cursor=&domain_id=
func (h *Handler) ListConversations(c echo.Context) error {
	p := principalFrom(c)
	if !p.Can(domain.CapConversationRead) {
		return httpError(c, domain.ErrForbidden)
	}

	f := store.ConversationFilter{DomainID: c.QueryParam("domain_id")}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
		}
		f.Limit = n
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if !p.Role.Privileged() {
		f.Subject = p.Subject
	}
	if v := c.QueryParam("cursor"); v != "" {
		cur, err := store.DecodeCursor(v)
		if err != nil {
			return httpError(c, err)
		}
		f.Cursor = cur
	}

	convs, err := h.store.ListConversations(c.Request().Context(), f)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list conversations")
		return httpError(c, domain.ErrInternal)
	}

	next := ""
	if len(convs) == f.Limit {
		last := convs[len(convs)-1]
		next = store.EncodeCursor(store.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID})
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"next_cursor":   next,
	})
}

// GetConversationMessages returns a conversation's messages in order.
// GET /v1/conversations/:conversation_id/messages?limit=
func (h *Handler) GetConversationMessages(c echo.Context) error {
	p := principalFrom(c)
	if !p.Can(domain.CapConversationRead) {
		return httpError(c, domain.ErrForbidden)
	}

	ctx := c.Request().Context()
	conv, err := h.visibleConversation(ctx, p, c.Param("conversation_id"))
	if err != nil {
		return httpError(c, err)
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	msgs, err := h.store.GetMessages(ctx, conv.ID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to load messages")
		return httpError(c, domain.ErrInternal)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_id": conv.ID,
		"messages":        msgs,
	})
}

// GetWorkflowLogs returns a conversation's workflow log entries in order.
// GET /v1/conversations/:conversation_id/logs?limit=
func (h *Handler) GetWorkflowLogs(c echo.Context) error {
	p := principalFrom(c)
	if !p.Can(domain.CapConversationRead) {
		return httpError(c, domain.ErrForbidden)
	}

	ctx := c.Request().Context()
	conv, err := h.visibleConversation(ctx, p, c.Param("conversation_id"))
	if err != nil {
		return httpError(c, err)
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	logs, err := h.store.GetWorkflowLogs(ctx, conv.ID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to load workflow logs")
		return httpError(c, domain.ErrInternal)
	}
	if logs == nil {
		logs = []domain.WorkflowLogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_id": conv.ID,
		"logs":            logs,
	})
}

// visibleConversation resolves a conversation with ownership scoping. A
// foreign conversation reads as not found for non-privileged principals.
func (h *Handler) visibleConversation(ctx context.Context, p domain.Principal, id string) (*domain.Conversation, error) {
	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		return nil, domain.ErrInternal
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}
	if !p.Role.Privileged() && conv.CreatedBySubject != p.Subject {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}
