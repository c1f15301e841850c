// Package domain defines the core domain models for parley.
package domain

// ToolRunStatus represents the lifecycle status of a tool run.
type ToolRunStatus string

const (
	ToolRunStatusPendingApproval ToolRunStatus = "PENDING_APPROVAL"
	ToolRunStatusApproved        ToolRunStatus = "APPROVED"
	ToolRunStatusRejected        ToolRunStatus = "REJECTED"
	ToolRunStatusExecuted        ToolRunStatus = "EXECUTED"
	ToolRunStatusFailed          ToolRunStatus = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s ToolRunStatus) Terminal() bool {
	switch s {
	case ToolRunStatusRejected, ToolRunStatusExecuted, ToolRunStatusFailed:
		return true
	}
	return false
}

// Role identifies the coarse permission tier of a principal.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"

	// RoleSystem appears only as the approver of auto-approved tool runs.
	RoleSystem Role = "system"
)

// Privileged reports whether the role can see rows owned by other subjects.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleDeveloper
}

// WorkflowEventType classifies workflow log entries.
type WorkflowEventType string

const (
	WorkflowEventHandoff   WorkflowEventType = "handoff"
	WorkflowEventThought   WorkflowEventType = "thought"
	WorkflowEventToolStart WorkflowEventType = "tool_start"
)
