// Package store provides durable persistence for conversations, messages,
// workflow logs, and tool runs.
package store

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/domain"
)

// ConversationFilter scopes a conversation listing. Subject, when set,
// restricts results to rows created by that subject.
type ConversationFilter struct {
	DomainID string
	Subject  string
	Limit    int
	Cursor   *Cursor
}

// ToolRunFilter scopes a tool run listing.
type ToolRunFilter struct {
	Status  domain.ToolRunStatus
	ToolID  string
	Subject string
	Limit   int
	Cursor  *Cursor
}

// Store is the narrow persistence interface the core consumes. Lookups
// return nil (not an error) when the row does not exist; conditional updates
// report false when the row was not in the expected source state.
type Store interface {
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListConversations(ctx context.Context, f ConversationFilter) ([]domain.Conversation, error)

	CreateMessage(ctx context.Context, m *domain.Message) error
	// CreateAssistantMessageOnce persists an assistant reply unless identical
	// content is already stored for the conversation. Reports whether a row
	// was written.
	CreateAssistantMessageOnce(ctx context.Context, m *domain.Message) (bool, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	CreateWorkflowLog(ctx context.Context, e *domain.WorkflowLogEntry) error
	GetWorkflowLogs(ctx context.Context, conversationID string, limit int) ([]domain.WorkflowLogEntry, error)

	CreateToolRun(ctx context.Context, r *domain.ToolRun) error
	GetToolRun(ctx context.Context, id string) (*domain.ToolRun, error)
	ApproveToolRun(ctx context.Context, id string, by domain.Role, at time.Time) (bool, error)
	RejectToolRun(ctx context.Context, id string, by domain.Role, reason string, at time.Time) (bool, error)
	CompleteToolRun(ctx context.Context, id string, status domain.ToolRunStatus, by domain.Role, result []byte, execErr string, at time.Time) (bool, error)
	ListToolRuns(ctx context.Context, f ToolRunFilter) ([]domain.ToolRun, error)

	GetTool(ctx context.Context, id string) (*domain.Tool, error)
	ListTools(ctx context.Context) ([]domain.Tool, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetDomain(ctx context.Context, id string) (*domain.ChatDomain, error)

	Close() error
}
