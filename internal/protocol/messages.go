// Package protocol defines the WebSocket wire vocabulary between clients and
// the multiplexer.
package protocol

import "encoding/json"

// Inbound command types.
const (
	TypePing               = "PING"
	TypeStartConversation  = "start_conversation"
	TypeSendMessage        = "send_message"
	TypeCancelStream       = "cancel_stream"
	TypeApproveTool        = "approve_tool"
	TypeToolRunRequest     = "tool_run.request"
	TypeToolRunApprove     = "tool_run.approve"
	TypeToolRunReject      = "tool_run.reject"
	TypeToolRunExecute     = "tool_run.execute"
	TypeToolRunList        = "tool_run.list"
	TypeConversationList   = "conversation.list"
	TypeConversationMsgs   = "conversation.messages"
	TypeChatSend           = "chat.send"
)

// Outbound event types.
const (
	TypePong                 = "PONG"
	TypeConversationStarted  = "conversation_started"
	TypeAgentSelected        = "agent_selected"
	TypeWorkflowHandoff      = "workflow_handoff"
	TypeWorkflowStepStart    = "workflow_step_start"
	TypeWorkflowThought      = "workflow_thought"
	TypeMessageChunk         = "message_chunk"
	TypeMessageComplete      = "message_complete"
	TypeWorkflowStepComplete = "workflow_step_complete"
	TypeToolApprovalRequired = "tool_approval_required"
	TypeToolExecuted         = "tool_executed"
	TypeError                = "error"
)

// Envelope is the minimal shape parsed before type dispatch.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// StartConversationPayload carries start_conversation fields.
type StartConversationPayload struct {
	DomainID string `json:"domainId"`
}

// SendMessagePayload carries send_message fields.
type SendMessagePayload struct {
	Content        string `json:"content"`
	EnableThinking bool   `json:"enableThinking"`
}

// ApproveToolPayload carries approve_tool fields.
type ApproveToolPayload struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ToolRunRequestCommand is the flat tool_run.request message.
type ToolRunRequestCommand struct {
	ToolID         string          `json:"tool_id"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// ToolRunDecisionCommand covers tool_run.approve, tool_run.reject and
// tool_run.execute.
type ToolRunDecisionCommand struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// ToolRunListCommand is the flat tool_run.list message.
type ToolRunListCommand struct {
	Limit  int    `json:"limit,omitempty"`
	Status string `json:"status,omitempty"`
	ToolID string `json:"tool_id,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// ConversationListCommand is the flat conversation.list message.
type ConversationListCommand struct {
	Limit    int    `json:"limit,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	DomainID string `json:"domain_id,omitempty"`
}

// ConversationMessagesCommand is the flat conversation.messages message.
type ConversationMessagesCommand struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

// ChatSendCommand is the flat chat.send message, which auto-creates a
// conversation when none is given.
type ChatSendCommand struct {
	DomainID       string `json:"domain_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// AgentRef names an agent in outbound events.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConversationStarted acknowledges a new conversation.
type ConversationStarted struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversationId"`
	DomainID       string   `json:"domainId"`
	ActiveAgent    AgentRef `json:"activeAgent"`
}

// AgentSelected announces the agent answering a stream.
type AgentSelected struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName"`
}

// WorkflowHandoff announces control moving between agents.
type WorkflowHandoff struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	FromAgent      string `json:"fromAgent"`
	ToAgent        string `json:"toAgent"`
	Reason         string `json:"reason"`
	Timestamp      int64  `json:"timestamp"`
}

// WorkflowStepStart announces an agent step beginning.
type WorkflowStepStart struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversationId"`
	AgentID        string                 `json:"agentId"`
	AgentName      string                 `json:"agentName"`
	Timestamp      int64                  `json:"timestamp"`
	Content        string                 `json:"content,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// WorkflowThought surfaces reasoning captured between think delimiters.
type WorkflowThought struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName"`
	Reason         string `json:"reason"`
}

// MessageChunk carries one streamed token fragment.
type MessageChunk struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Chunk          string `json:"chunk"`
	AgentName      string `json:"agentName"`
}

// MessageCompleteMetadata summarizes a finished stream.
type MessageCompleteMetadata struct {
	TokenCount int   `json:"tokenCount"`
	DurationMs int64 `json:"durationMs"`
}

// MessageComplete carries the final accumulated assistant reply.
type MessageComplete struct {
	Type           string                  `json:"type"`
	ConversationID string                  `json:"conversationId"`
	MessageID      string                  `json:"messageId"`
	Content        string                  `json:"content"`
	AgentName      string                  `json:"agentName"`
	AgentID        string                  `json:"agentId"`
	Metadata       MessageCompleteMetadata `json:"metadata"`
}

// WorkflowStepComplete announces an agent step finishing.
type WorkflowStepComplete struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName"`
	DurationMs     int64  `json:"durationMs"`
	TokenCount     int    `json:"tokenCount"`
}

// ToolApprovalRequired asks watchers to approve or reject a pending run.
type ToolApprovalRequired struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId"`
	ToolName       string          `json:"toolName"`
	ToolArgs       json.RawMessage `json:"toolArgs,omitempty"`
	Description    string          `json:"description,omitempty"`
	AgentName      string          `json:"agentName,omitempty"`
}

// ToolExecuted reports a terminal tool run outcome.
type ToolExecuted struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId"`
	ToolName       string          `json:"toolName"`
	Result         json.RawMessage `json:"result,omitempty"`
	Success        bool            `json:"success"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
}

// ErrorPayload carries the stable code and human message of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent is the outbound error shape. The top-level error field repeats
// the message for older clients.
type ErrorEvent struct {
	Type           string       `json:"type"`
	Error          string       `json:"error"`
	Payload        ErrorPayload `json:"payload"`
	ConversationID string       `json:"conversationId,omitempty"`
}

// NewError builds an error event from a code and message.
func NewError(code, message, conversationID string) ErrorEvent {
	return ErrorEvent{
		Type:           TypeError,
		Error:          message,
		Payload:        ErrorPayload{Code: code, Message: message},
		ConversationID: conversationID,
	}
}

// Pong is the PING response.
type Pong struct {
	Type string `json:"type"`
}

// Result-envelope types for the request-response command surface. Each carries
// the full serialized state so the commands behave like their REST twins.
const (
	TypeToolRunState        = "tool_run.state"
	TypeToolRunListResult   = "tool_run.list.result"
	TypeConversationListRes = "conversation.list.result"
	TypeConversationMsgsRes = "conversation.messages.result"
)

// ToolRunState wraps a single serialized tool run.
type ToolRunState struct {
	Type string          `json:"type"`
	Run  json.RawMessage `json:"run"`
}

// ToolRunListResult wraps a page of serialized tool runs.
type ToolRunListResult struct {
	Type       string          `json:"type"`
	Runs       json.RawMessage `json:"runs"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ConversationListResult wraps a page of serialized conversations.
type ConversationListResult struct {
	Type          string          `json:"type"`
	Conversations json.RawMessage `json:"conversations"`
	NextCursor    string          `json:"next_cursor,omitempty"`
}

// ConversationMessagesResult wraps a conversation's messages.
type ConversationMessagesResult struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Messages       json.RawMessage `json:"messages"`
}
