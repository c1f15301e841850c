package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/executor"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/stream"
)

// inlineToolPrefix short-circuits a chat message into a direct tool run,
// e.g. "/tool weather.query {"location":"Lisbon"}".
const inlineToolPrefix = "/tool "

func newConversationID() string { return "conv_" + uuid.NewString()[:8] }
func newMessageID() string      { return "msg_" + uuid.NewString()[:8] }
func newLogID() string          { return "wl_" + uuid.NewString()[:8] }

// runStream is the in-flight streaming task for one send_message command. It
// validates ownership, persists the user message, drives the executor through
// the bridge, classifies output through the think-tag machine, fans wire
// events out to every watcher, and persists the results exactly once.
func (s *Server) runStream(conn *hub.Connection, conversationID, content string, enableThinking bool) {
	ctx := context.Background()

	conv, err := s.visibleConversation(ctx, conn.Principal, conversationID)
	if err != nil {
		msg := "conversation " + conversationID + " not found"
		if !errors.Is(err, domain.ErrNotFound) {
			msg = "failed to load conversation"
		}
		s.sendError(conn, domain.ErrorCode(err), msg, conversationID)
		return
	}
	s.hub.Watch(conn, conv.ID)

	if strings.HasPrefix(content, inlineToolPrefix) {
		s.runInlineTool(conn, conv.ID, content)
		return
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task := s.registerTask(conn.ID, conv.ID, cancel)
	defer s.releaseTask(conn.ID, conv.ID, task)

	now := time.Now().UTC()
	userMsg := &domain.Message{
		ID:             newMessageID(),
		ConversationID: conv.ID,
		Role:           "user",
		Content:        content,
		CreatedAt:      now,
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		s.sendError(conn, "internal", "failed to persist message", conv.ID)
		return
	}

	history, err := s.store.GetMessages(ctx, conv.ID, 0)
	if err != nil {
		s.sendError(conn, "internal", "failed to load history", conv.ID)
		return
	}

	st := &executor.State{
		ConversationID: conv.ID,
		Messages:       history,
	}

	machine := stream.NewThinkTagMachine()
	messageID := newMessageID()
	started := time.Now()
	tokenCount := 0
	var visible strings.Builder
	var logs []domain.WorkflowLogEntry

	// Attribute output to the domain's default agent until the executor
	// reports a handoff.
	agentID, agentName := s.resolveDefaultAgent(ctx, conv.DomainID)
	machine.SetAgent(agentID, agentName)
	s.hub.BroadcastJSON(conv.ID, protocol.AgentSelected{
		Type:           protocol.TypeAgentSelected,
		ConversationID: conv.ID,
		AgentID:        agentID,
		AgentName:      agentName,
	})
	s.hub.BroadcastJSON(conv.ID, protocol.WorkflowStepStart{
		Type:           protocol.TypeWorkflowStepStart,
		ConversationID: conv.ID,
		AgentID:        agentID,
		AgentName:      agentName,
		Timestamp:      started.UnixMilli(),
	})

	ch := stream.Run(streamCtx, s.exec, st)

	for {
		it, err := stream.Next(streamCtx, ch, s.cfg.StreamInactivity)
		if err != nil {
			code := domain.ErrorCode(err)
			if errors.Is(err, domain.ErrCancelled) {
				s.log.Debug().Str("conversation_id", conv.ID).Msg("stream cancelled")
			} else {
				s.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("stream failed")
			}
			s.hub.BroadcastJSON(conv.ID, protocol.NewError(code, err.Error(), conv.ID))
			return
		}
		if it.Done {
			break
		}

		if it.Token != "" {
			tokenCount++
			var events []stream.Event
			if enableThinking {
				events = machine.Feed(it.Token)
			} else {
				events = []stream.Event{{Type: stream.EventDelta, Text: it.Token, AgentID: agentID, AgentName: agentName}}
			}
			s.emitStreamEvents(conn, conv.ID, messageID, events, &visible, &logs)
		}

		if it.State != nil && it.State.ActiveAgentID != "" && it.State.ActiveAgentID != agentID {
			from := agentName
			agentID = it.State.ActiveAgentID
			agentName = it.State.ActiveAgent
			machine.SetAgent(agentID, agentName)

			s.hub.BroadcastJSON(conv.ID, protocol.WorkflowHandoff{
				Type:           protocol.TypeWorkflowHandoff,
				ConversationID: conv.ID,
				FromAgent:      from,
				ToAgent:        agentName,
				Reason:         "handoff",
				Timestamp:      time.Now().UnixMilli(),
			})
			s.hub.BroadcastJSON(conv.ID, protocol.AgentSelected{
				Type:           protocol.TypeAgentSelected,
				ConversationID: conv.ID,
				AgentID:        agentID,
				AgentName:      agentName,
			})
			logs = append(logs, domain.WorkflowLogEntry{
				ID:             newLogID(),
				ConversationID: conv.ID,
				AgentID:        agentID,
				AgentName:      agentName,
				EventType:      domain.WorkflowEventHandoff,
				Content:        "handoff from " + from,
				CreatedAt:      time.Now().UTC(),
			})
		}
	}

	if enableThinking {
		s.emitStreamEvents(conn, conv.ID, messageID, machine.Flush(), &visible, &logs)
	}

	reply := visible.String()
	durationMs := time.Since(started).Milliseconds()

	// Persist exactly once. A concurrent duplicate of the same assistant
	// content is dropped, along with its workflow logs.
	written, err := s.store.CreateAssistantMessageOnce(ctx, &domain.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        reply,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		s.sendError(conn, "internal", "failed to persist reply", conv.ID)
		return
	}
	if written {
		for _, entry := range machine.Thoughts() {
			logs = append(logs, domain.WorkflowLogEntry{
				ID:             newLogID(),
				ConversationID: conv.ID,
				AgentID:        entry.AgentID,
				AgentName:      entry.AgentName,
				EventType:      domain.WorkflowEventThought,
				Content:        entry.Text,
				CreatedAt:      entry.At.UTC(),
			})
		}
		for _, entry := range logs {
			if err := s.store.CreateWorkflowLog(ctx, &entry); err != nil {
				s.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to persist workflow log")
			}
		}
		if err := s.store.TouchConversation(ctx, conv.ID, time.Now().UTC()); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to touch conversation")
		}
	}

	s.hub.BroadcastJSON(conv.ID, protocol.MessageComplete{
		Type:           protocol.TypeMessageComplete,
		ConversationID: conv.ID,
		MessageID:      messageID,
		Content:        reply,
		AgentName:      agentName,
		AgentID:        agentID,
		Metadata: protocol.MessageCompleteMetadata{
			TokenCount: tokenCount,
			DurationMs: durationMs,
		},
	})
	s.hub.BroadcastJSON(conv.ID, protocol.WorkflowStepComplete{
		Type:           protocol.TypeWorkflowStepComplete,
		ConversationID: conv.ID,
		AgentID:        agentID,
		AgentName:      agentName,
		DurationMs:     durationMs,
		TokenCount:     tokenCount,
	})
}

// emitStreamEvents translates classifier events into wire events and collects
// the workflow log entries they imply.
func (s *Server) emitStreamEvents(conn *hub.Connection, conversationID, messageID string, events []stream.Event, visible *strings.Builder, logs *[]domain.WorkflowLogEntry) {
	for _, ev := range events {
		switch ev.Type {
		case stream.EventDelta:
			visible.WriteString(ev.Text)
			s.hub.BroadcastJSON(conversationID, protocol.MessageChunk{
				Type:           protocol.TypeMessageChunk,
				ConversationID: conversationID,
				MessageID:      messageID,
				Chunk:          ev.Text,
				AgentName:      ev.AgentName,
			})

		case stream.EventThought:
			s.hub.BroadcastJSON(conversationID, protocol.WorkflowThought{
				Type:           protocol.TypeWorkflowThought,
				ConversationID: conversationID,
				AgentID:        ev.AgentID,
				AgentName:      ev.AgentName,
				Reason:         ev.Text,
			})

		case stream.EventToolStart:
			toolID, _ := ev.Metadata["tool"].(string)
			if toolID == "" {
				continue
			}
			*logs = append(*logs, domain.WorkflowLogEntry{
				ID:             newLogID(),
				ConversationID: conversationID,
				AgentID:        ev.AgentID,
				AgentName:      ev.AgentName,
				EventType:      domain.WorkflowEventToolStart,
				Content:        toolID,
				CreatedAt:      time.Now().UTC(),
			})
			s.startDetectedTool(conn, conversationID, toolID, ev.AgentName)
		}
	}
}

// startDetectedTool routes a tool intent detected in reasoning text through
// the ledger, surfacing either an approval prompt or the execution outcome.
func (s *Server) startDetectedTool(conn *hub.Connection, conversationID, toolID, agentName string) {
	ctx := context.Background()
	run, err := s.ledger.Request(ctx, conn.Principal, ledger.RequestInput{
		ToolID:         toolID,
		ConversationID: conversationID,
	})
	if err != nil {
		s.hub.BroadcastJSON(conversationID, protocol.NewError(domain.ErrorCode(err), err.Error(), conversationID))
		return
	}

	if run.Status == domain.ToolRunStatusPendingApproval {
		ev := protocol.ToolApprovalRequired{
			Type:           protocol.TypeToolApprovalRequired,
			ConversationID: conversationID,
			RequestID:      run.ID,
			ToolName:       run.ToolID,
			ToolArgs:       run.Parameters,
			AgentName:      agentName,
		}
		if tool, err := s.store.GetTool(ctx, run.ToolID); err == nil && tool != nil {
			ev.ToolName = tool.Name
			ev.Description = tool.Description
		}
		s.hub.BroadcastJSON(conversationID, ev)
		return
	}

	executed, err := s.ledger.Execute(ctx, conn.Principal, run.ID)
	if err != nil {
		s.hub.BroadcastJSON(conversationID, protocol.NewError(domain.ErrorCode(err), err.Error(), conversationID))
		return
	}
	s.broadcastToolOutcome(conn, executed)
}

// runInlineTool parses "/tool <id> [json-params]" and delegates to the
// ledger, skipping the executor entirely.
func (s *Server) runInlineTool(conn *hub.Connection, conversationID, content string) {
	rest := strings.TrimSpace(strings.TrimPrefix(content, inlineToolPrefix))
	if rest == "" {
		s.sendError(conn, "bad_request", "tool name is required", conversationID)
		return
	}

	name := rest
	var params json.RawMessage
	if idx := strings.IndexAny(rest, " \t"); idx >= 0 {
		name = rest[:idx]
		if raw := strings.TrimSpace(rest[idx:]); raw != "" {
			if !json.Valid([]byte(raw)) {
				s.sendError(conn, "bad_request", "tool parameters must be JSON", conversationID)
				return
			}
			params = json.RawMessage(raw)
		}
	}

	ctx := context.Background()
	run, err := s.ledger.Request(ctx, conn.Principal, ledger.RequestInput{
		ToolID:         name,
		Parameters:     params,
		ConversationID: conversationID,
	})
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), conversationID)
		return
	}

	if run.Status == domain.ToolRunStatusPendingApproval {
		s.emitApprovalRequired(conn, run)
		return
	}

	executed, err := s.ledger.Execute(ctx, conn.Principal, run.ID)
	if err != nil {
		s.sendError(conn, domain.ErrorCode(err), err.Error(), conversationID)
		return
	}
	s.broadcastToolOutcome(conn, executed)
}

func (s *Server) resolveDefaultAgent(ctx context.Context, domainID string) (string, string) {
	dom, err := s.store.GetDomain(ctx, domainID)
	if err != nil || dom == nil {
		return "", ""
	}
	agent, err := s.store.GetAgent(ctx, dom.DefaultAgentID)
	if err != nil || agent == nil {
		return dom.DefaultAgentID, ""
	}
	return agent.ID, agent.Name
}
