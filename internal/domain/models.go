package domain

import (
	"encoding/json"
	"time"
)

// Conversation is a logical chat thread owned by the subject that created it.
type Conversation struct {
	ID               string    `json:"id"`
	DomainID         string    `json:"domain_id"`
	CreatedByRole    Role      `json:"created_by_role"`
	CreatedBySubject string    `json:"created_by_subject"`
	Title            string    `json:"title,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Message is one append-only conversation entry.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"` // "user" or "assistant"
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// WorkflowLogEntry is an append-only observability record, independent of Message.
type WorkflowLogEntry struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	AgentID        string            `json:"agent_id"`
	AgentName      string            `json:"agent_name"`
	EventType      WorkflowEventType `json:"event_type"`
	Content        string            `json:"content,omitempty"`
	Metadata       json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ToolRun is a persisted record of a requested, possibly-gated tool execution.
type ToolRun struct {
	ID                 string          `json:"id"`
	ToolID             string          `json:"tool_id"`
	Parameters         json.RawMessage `json:"parameters"`
	RequestedByRole    Role            `json:"requested_by_role"`
	RequestedBySubject string          `json:"requested_by_subject"`
	ConversationID     string          `json:"conversation_id,omitempty"`
	RequiresApproval   bool            `json:"requires_approval"`
	Status             ToolRunStatus   `json:"status"`
	ApprovedByRole     Role            `json:"approved_by_role,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	RejectedByRole     Role            `json:"rejected_by_role,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	ExecutedByRole     Role            `json:"executed_by_role,omitempty"`
	ExecutedAt         *time.Time      `json:"executed_at,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Tool is a registered tool definition. RequiresApproval is resolved from here
// (and the policy engine) when a run is requested, then fixed on the run.
type Tool struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// Agent is a specialized step-executor participant.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ChatDomain groups agents under a routing domain with a default entry agent.
type ChatDomain struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DefaultAgentID string `json:"default_agent_id"`
}
