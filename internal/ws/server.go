// Package ws implements the session multiplexer: it owns every live
// WebSocket connection and every in-flight streaming task, routes inbound
// commands, and fans events out to conversation watchers.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/executor"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/store"
)

type commandHandler func(conn *hub.Connection, env protocol.Envelope, raw []byte)

// Server handles WebSocket connections and command dispatch.
type Server struct {
	cfg    *config.Config
	hub    *hub.Hub
	store  store.Store
	ledger *ledger.Ledger
	exec   executor.StepExecutor
	log    zerolog.Logger

	upgrader websocket.Upgrader
	handlers map[string]commandHandler

	// tasks maps "<connID>|<conversationID>" to the in-flight streaming task
	// for that pair.
	tasksMu sync.Mutex
	tasks   map[string]*streamTask
}

type streamTask struct {
	cancel context.CancelFunc
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, st store.Store, led *ledger.Ledger, exec executor.StepExecutor, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    h,
		store:  st,
		ledger: led,
		exec:   exec,
		log:    log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		tasks: make(map[string]*streamTask),
	}
	s.handlers = map[string]commandHandler{
		protocol.TypePing:              s.handlePing,
		protocol.TypeStartConversation: s.handleStartConversation,
		protocol.TypeSendMessage:       s.handleSendMessage,
		protocol.TypeCancelStream:      s.handleCancelStream,
		protocol.TypeApproveTool:       s.handleApproveTool,
		protocol.TypeToolRunRequest:    s.handleToolRunRequest,
		protocol.TypeToolRunApprove:    s.handleToolRunApprove,
		protocol.TypeToolRunReject:     s.handleToolRunReject,
		protocol.TypeToolRunExecute:    s.handleToolRunExecute,
		protocol.TypeToolRunList:       s.handleToolRunList,
		protocol.TypeConversationList:  s.handleConversationList,
		protocol.TypeConversationMsgs:  s.handleConversationMessages,
		protocol.TypeChatSend:          s.handleChatSend,
	}
	return s
}

// HandleWebSocket upgrades the request and runs the connection lifecycle.
// The principal is taken from the upgrade request: role and subject query
// parameters, falling back to X-Role / X-Subject headers.
func (s *Server) HandleWebSocket(c echo.Context) error {
	p := principalFromRequest(c.Request())

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return err
	}

	conn := s.hub.NewConnection(ws, p)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

func principalFromRequest(r *http.Request) domain.Principal {
	role := r.URL.Query().Get("role")
	if role == "" {
		role = r.Header.Get("X-Role")
	}
	if role == "" {
		role = string(domain.RoleUser)
	}
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		subject = r.Header.Get("X-Subject")
	}
	if subject == "" {
		subject = "anonymous"
	}
	return domain.Principal{
		Role:         domain.Role(role),
		Subject:      subject,
		Capabilities: domain.DefaultCapabilities(domain.Role(role)),
	}
}

// readPump reads messages from the WebSocket connection. On exit it cancels
// every in-flight task the connection owns and removes its watcher entries.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.cancelConnectionTasks(conn.ID)
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("websocket read error")
			}
			break
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages and keepalive pings to the connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-conn.Done():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches an inbound command. Unknown and malformed
// commands answer with a structured error event, never silence.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(conn, "bad_request", "invalid JSON message", "")
		return
	}

	h, ok := s.handlers[env.Type]
	if !ok {
		s.sendError(conn, "bad_request", "unknown message type: "+env.Type, "")
		return
	}
	h(conn, env, data)
}

func (s *Server) handlePing(conn *hub.Connection, _ protocol.Envelope, _ []byte) {
	s.hub.SendJSONToConnection(conn, protocol.Pong{Type: protocol.TypePong})
}

func (s *Server) handleStartConversation(conn *hub.Connection, env protocol.Envelope, _ []byte) {
	if !conn.Principal.Can(domain.CapConversationStart) {
		s.sendError(conn, "forbidden", "not allowed to start conversations", "")
		return
	}

	var payload protocol.StartConversationPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(conn, "bad_request", "invalid start_conversation payload", "")
			return
		}
	}
	if payload.DomainID == "" {
		s.sendError(conn, "bad_request", "payload.domainId is required", "")
		return
	}

	ctx := context.Background()
	dom, err := s.store.GetDomain(ctx, payload.DomainID)
	if err != nil {
		s.sendError(conn, "internal", "failed to load domain", "")
		return
	}
	if dom == nil {
		s.sendError(conn, "not_found", "domain "+payload.DomainID+" not found", "")
		return
	}

	conv, err := s.createConversation(ctx, conn.Principal, dom.ID)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), "failed to create conversation", "")
		return
	}
	s.hub.Watch(conn, conv.ID)

	agent, _ := s.store.GetAgent(ctx, dom.DefaultAgentID)
	ref := protocol.AgentRef{ID: dom.DefaultAgentID}
	if agent != nil {
		ref.Name = agent.Name
	}

	s.hub.SendJSONToConnection(conn, protocol.ConversationStarted{
		Type:           protocol.TypeConversationStarted,
		ConversationID: conv.ID,
		DomainID:       dom.ID,
		ActiveAgent:    ref,
	})
}

func (s *Server) handleSendMessage(conn *hub.Connection, env protocol.Envelope, _ []byte) {
	if !conn.Principal.Can(domain.CapMessageSend) {
		s.sendError(conn, "forbidden", "not allowed to send messages", env.ConversationID)
		return
	}
	if env.ConversationID == "" {
		s.sendError(conn, "bad_request", "conversationId is required", "")
		return
	}

	var payload protocol.SendMessagePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(conn, "bad_request", "invalid send_message payload", env.ConversationID)
			return
		}
	}
	if payload.Content == "" {
		s.sendError(conn, "bad_request", "payload.content is required", env.ConversationID)
		return
	}

	go s.runStream(conn, env.ConversationID, payload.Content, payload.EnableThinking)
}

func (s *Server) handleChatSend(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	if !conn.Principal.Can(domain.CapMessageSend) {
		s.sendError(conn, "forbidden", "not allowed to send messages", "")
		return
	}

	var cmd protocol.ChatSendCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid chat.send message", "")
		return
	}
	if cmd.Message == "" {
		s.sendError(conn, "bad_request", "message is required", cmd.ConversationID)
		return
	}

	ctx := context.Background()
	convID := cmd.ConversationID
	if convID == "" {
		if cmd.DomainID == "" {
			s.sendError(conn, "bad_request", "domain_id is required when no conversation_id is given", "")
			return
		}
		dom, err := s.store.GetDomain(ctx, cmd.DomainID)
		if err != nil || dom == nil {
			s.sendError(conn, "not_found", "domain "+cmd.DomainID+" not found", "")
			return
		}
		conv, err := s.createConversation(ctx, conn.Principal, dom.ID)
		if err != nil {
			s.sendError(conn, domain.ErrorCode(err), "failed to create conversation", "")
			return
		}
		convID = conv.ID
		s.hub.Watch(conn, convID)

		agent, _ := s.store.GetAgent(ctx, dom.DefaultAgentID)
		ref := protocol.AgentRef{ID: dom.DefaultAgentID}
		if agent != nil {
			ref.Name = agent.Name
		}
		s.hub.SendJSONToConnection(conn, protocol.ConversationStarted{
			Type:           protocol.TypeConversationStarted,
			ConversationID: convID,
			DomainID:       dom.ID,
			ActiveAgent:    ref,
		})
	}

	go s.runStream(conn, convID, cmd.Message, true)
}

func (s *Server) handleCancelStream(conn *hub.Connection, env protocol.Envelope, _ []byte) {
	if !conn.Principal.Can(domain.CapStreamCancel) {
		s.sendError(conn, "forbidden", "not allowed to cancel streams", env.ConversationID)
		return
	}
	if env.ConversationID == "" {
		s.sendError(conn, "bad_request", "conversationId is required", "")
		return
	}

	if !s.cancelTask(conn.ID, env.ConversationID) {
		s.sendError(conn, "not_found", "no in-flight stream for conversation", env.ConversationID)
	}
}

func (s *Server) handleApproveTool(conn *hub.Connection, env protocol.Envelope, _ []byte) {
	var payload protocol.ApproveToolPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(conn, "bad_request", "invalid approve_tool payload", env.ConversationID)
			return
		}
	}
	if env.RequestID == "" {
		s.sendError(conn, "bad_request", "requestId is required", env.ConversationID)
		return
	}

	ctx := context.Background()
	if payload.Approved {
		if _, err := s.ledger.Approve(ctx, conn.Principal, env.RequestID); err != nil {
			s.sendError(conn, domain.ErrorCode(err), err.Error(), env.ConversationID)
			return
		}
		run, err := s.ledger.Execute(ctx, conn.Principal, env.RequestID)
		if err != nil {
			s.sendError(conn, domain.ErrorCode(err), err.Error(), env.ConversationID)
			return
		}
		s.broadcastToolOutcome(conn, run)
		return
	}

	run, err := s.ledger.Reject(ctx, conn.Principal, env.RequestID, payload.Reason)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), env.ConversationID)
		return
	}
	s.broadcastToolOutcome(conn, run)
}

func (s *Server) handleToolRunRequest(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	var cmd protocol.ToolRunRequestCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid tool_run.request message", "")
		return
	}

	ctx := context.Background()
	run, err := s.ledger.Request(ctx, conn.Principal, ledger.RequestInput{
		ToolID:         cmd.ToolID,
		Parameters:     cmd.Parameters,
		ConversationID: cmd.ConversationID,
	})
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), cmd.ConversationID)
		return
	}

	if run.Status == domain.ToolRunStatusPendingApproval {
		s.emitApprovalRequired(conn, run)
		return
	}

	// No approval gate: execute immediately.
	executed, err := s.ledger.Execute(ctx, conn.Principal, run.ID)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), cmd.ConversationID)
		return
	}
	s.broadcastToolOutcome(conn, executed)
}

func (s *Server) handleToolRunApprove(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	var cmd protocol.ToolRunDecisionCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid tool_run.approve message", "")
		return
	}
	run, err := s.ledger.Approve(context.Background(), conn.Principal, cmd.RunID)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), "")
		return
	}
	s.sendRunState(conn, run)
}

func (s *Server) handleToolRunReject(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	var cmd protocol.ToolRunDecisionCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid tool_run.reject message", "")
		return
	}
	run, err := s.ledger.Reject(context.Background(), conn.Principal, cmd.RunID, cmd.Reason)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), "")
		return
	}
	s.broadcastToolOutcome(conn, run)
}

func (s *Server) handleToolRunExecute(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	var cmd protocol.ToolRunDecisionCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid tool_run.execute message", "")
		return
	}
	run, err := s.ledger.Execute(context.Background(), conn.Principal, cmd.RunID)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), "")
		return
	}
	s.broadcastToolOutcome(conn, run)
}

func (s *Server) handleToolRunList(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	var cmd protocol.ToolRunListCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid tool_run.list message", "")
		return
	}

	f := store.ToolRunFilter{
		Status: domain.ToolRunStatus(cmd.Status),
		ToolID: cmd.ToolID,
		Limit:  cmd.Limit,
	}
	if cmd.Cursor != "" {
		cur, err := store.DecodeCursor(cmd.Cursor)
		if err != nil {
			s.sendError(conn, domain.ErrorCode(err), "malformed cursor", "")
			return
		}
		f.Cursor = cur
	}

	runs, next, err := s.ledger.List(context.Background(), conn.Principal, f)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), "")
		return
	}
	if runs == nil {
		runs = []domain.ToolRun{}
	}
	data, _ := json.Marshal(runs)
	s.hub.SendJSONToConnection(conn, protocol.ToolRunListResult{
		Type:       protocol.TypeToolRunListResult,
		Runs:       data,
		NextCursor: next,
	})
}

func (s *Server) handleConversationList(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	if !conn.Principal.Can(domain.CapConversationRead) {
		s.sendError(conn, "forbidden", "not allowed to list conversations", "")
		return
	}

	var cmd protocol.ConversationListCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid conversation.list message", "")
		return
	}

	f := store.ConversationFilter{DomainID: cmd.DomainID, Limit: cmd.Limit}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if !conn.Principal.Role.Privileged() {
		f.Subject = conn.Principal.Subject
	}
	if cmd.Cursor != "" {
		cur, err := store.DecodeCursor(cmd.Cursor)
		if err != nil {
			s.sendError(conn, domain.ErrorCode(err), "malformed cursor", "")
			return
		}
		f.Cursor = cur
	}

	convs, err := s.store.ListConversations(context.Background(), f)
	if err != nil {
		s.sendError(conn, "internal", "failed to list conversations", "")
		return
	}
	next := ""
	if len(convs) == f.Limit {
		last := convs[len(convs)-1]
		next = store.EncodeCursor(store.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID})
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	data, _ := json.Marshal(convs)
	s.hub.SendJSONToConnection(conn, protocol.ConversationListResult{
		Type:          protocol.TypeConversationListRes,
		Conversations: data,
		NextCursor:    next,
	})
}

func (s *Server) handleConversationMessages(conn *hub.Connection, _ protocol.Envelope, raw []byte) {
	if !conn.Principal.Can(domain.CapConversationRead) {
		s.sendError(conn, "forbidden", "not allowed to read conversations", "")
		return
	}

	var cmd protocol.ConversationMessagesCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "bad_request", "invalid conversation.messages message", "")
		return
	}
	if cmd.ConversationID == "" {
		s.sendError(conn, "bad_request", "conversation_id is required", "")
		return
	}

	ctx := context.Background()
	conv, err := s.visibleConversation(ctx, conn.Principal, cmd.ConversationID)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), cmd.ConversationID)
		return
	}

	msgs, err := s.store.GetMessages(ctx, conv.ID, cmd.Limit)
	if err != nil {
		s.sendError(conn, "internal", "failed to load messages", cmd.ConversationID)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	data, _ := json.Marshal(msgs)
	s.hub.SendJSONToConnection(conn, protocol.ConversationMessagesResult{
		Type:           protocol.TypeConversationMsgsRes,
		ConversationID: conv.ID,
		Messages:       data,
	})
}

func (s *Server) sendRunState(conn *hub.Connection, run *domain.ToolRun) {
	data, _ := json.Marshal(run)
	s.hub.SendJSONToConnection(conn, protocol.ToolRunState{Type: protocol.TypeToolRunState, Run: data})
}

// emitApprovalRequired notifies the requester, and the conversation's
// watchers when the run belongs to one.
func (s *Server) emitApprovalRequired(conn *hub.Connection, run *domain.ToolRun) {
	ev := protocol.ToolApprovalRequired{
		Type:           protocol.TypeToolApprovalRequired,
		ConversationID: run.ConversationID,
		RequestID:      run.ID,
		ToolName:       run.ToolID,
		ToolArgs:       run.Parameters,
	}
	if tool, err := s.store.GetTool(context.Background(), run.ToolID); err == nil && tool != nil {
		ev.ToolName = tool.Name
		ev.Description = tool.Description
	}
	if run.ConversationID != "" {
		s.hub.BroadcastJSON(run.ConversationID, ev)
		if !s.hub.Watching(conn, run.ConversationID) {
			s.hub.SendJSONToConnection(conn, ev)
		}
		return
	}
	s.hub.SendJSONToConnection(conn, ev)
}

// broadcastToolOutcome reports a terminal run to the conversation's watchers,
// or just the caller for conversation-less runs.
func (s *Server) broadcastToolOutcome(conn *hub.Connection, run *domain.ToolRun) {
	ev := protocol.ToolExecuted{
		Type:      protocol.TypeToolExecuted,
		RequestID: run.ID,
		ToolName:  run.ToolID,
		Result:    run.Result,
		Success:   run.Status == domain.ToolRunStatusExecuted,
	}
	switch run.Status {
	case domain.ToolRunStatusFailed:
		ev.ErrorMessage = run.Error
	case domain.ToolRunStatusRejected:
		ev.ErrorMessage = "rejected: " + run.RejectionReason
	}
	ev.ConversationID = run.ConversationID

	if run.ConversationID != "" {
		s.hub.BroadcastJSON(run.ConversationID, ev)
		if !s.hub.Watching(conn, run.ConversationID) {
			s.hub.SendJSONToConnection(conn, ev)
		}
		return
	}
	s.hub.SendJSONToConnection(conn, ev)
}

func (s *Server) createConversation(ctx context.Context, p domain.Principal, domainID string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:               newConversationID(),
		DomainID:         domainID,
		CreatedByRole:    p.Role,
		CreatedBySubject: p.Subject,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// visibleConversation resolves a conversation with ownership scoping: a
// foreign conversation reads as not found for non-privileged principals.
func (s *Server) visibleConversation(ctx context.Context, p domain.Principal, id string) (*domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
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

func (s *Server) sendError(conn *hub.Connection, code, message, conversationID string) {
	s.hub.SendJSONToConnection(conn, protocol.NewError(code, message, conversationID))
}

func taskKey(connID, conversationID string) string {
	return connID + "|" + conversationID
}

// registerTask cancels any previous task for the same pair and installs the
// new one.
func (s *Server) registerTask(connID, conversationID string, cancel context.CancelFunc) *streamTask {
	key := taskKey(connID, conversationID)
	t := &streamTask{cancel: cancel}
	s.tasksMu.Lock()
	prev := s.tasks[key]
	s.tasks[key] = t
	s.tasksMu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return t
}

// releaseTask removes the registry entry if it still holds the given task.
// A newer task for the same pair is left untouched.
func (s *Server) releaseTask(connID, conversationID string, t *streamTask) {
	key := taskKey(connID, conversationID)
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.tasks[key] == t {
		delete(s.tasks, key)
	}
}

func (s *Server) cancelTask(connID, conversationID string) bool {
	key := taskKey(connID, conversationID)
	s.tasksMu.Lock()
	t, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.tasksMu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// cancelConnectionTasks cancels every in-flight task keyed by the connection.
func (s *Server) cancelConnectionTasks(connID string) {
	prefix := connID + "|"
	s.tasksMu.Lock()
	var cancelled []*streamTask
	for key, t := range s.tasks {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			cancelled = append(cancelled, t)
			delete(s.tasks, key)
		}
	}
	s.tasksMu.Unlock()
	for _, t := range cancelled {
		t.cancel()
	}
}
