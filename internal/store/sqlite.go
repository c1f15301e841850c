package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parleyhq/parley/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.seedCatalog(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed catalog: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			domain_id TEXT NOT NULL,
			created_by_role TEXT NOT NULL,
			created_by_subject TEXT NOT NULL,
			title TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_subject ON conversations(created_by_subject)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			metadata TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_logs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			content TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_logs_conversation ON workflow_logs(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_runs (
			id TEXT PRIMARY KEY,
			tool_id TEXT NOT NULL,
			parameters TEXT,
			requested_by_role TEXT NOT NULL,
			requested_by_subject TEXT NOT NULL,
			conversation_id TEXT,
			requires_approval INTEGER NOT NULL,
			status TEXT NOT NULL,
			approved_by_role TEXT,
			approved_at DATETIME,
			rejected_by_role TEXT,
			rejected_at DATETIME,
			rejection_reason TEXT,
			executed_by_role TEXT,
			executed_at DATETIME,
			result TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_runs_updated ON tool_runs(updated_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_runs_status ON tool_runs(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			default_agent_id TEXT NOT NULL,
			FOREIGN KEY (default_agent_id) REFERENCES agents(id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) seedCatalog() error {
	ctx := context.Background()

	agents := []domain.Agent{
		{ID: "agent_concierge", Name: "Concierge", Description: "Front-line routing agent"},
		{ID: "agent_researcher", Name: "Researcher", Description: "Looks things up before answering"},
		{ID: "agent_operator", Name: "Operator", Description: "Executes side-effecting actions"},
	}
	for _, a := range agents {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO agents (id, name, description) VALUES (?, ?, ?)`,
			a.ID, a.Name, a.Description); err != nil {
			return err
		}
	}

	domains := []domain.ChatDomain{
		{ID: "dom_general", Name: "General", DefaultAgentID: "agent_concierge"},
		{ID: "dom_operations", Name: "Operations", DefaultAgentID: "agent_operator"},
	}
	for _, d := range domains {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO domains (id, name, default_agent_id) VALUES (?, ?, ?)`,
			d.ID, d.Name, d.DefaultAgentID); err != nil {
			return err
		}
	}

	tools := []domain.Tool{
		{ID: "weather.query", Name: "Weather Query", Description: "Read-only weather lookup"},
		{ID: "notes.append", Name: "Append Note", Description: "Appends a note to the conversation scratchpad"},
		{ID: "payments.transfer", Name: "Payments Transfer", Description: "Moves money between accounts", RequiresApproval: true},
		{ID: "dangerous.command", Name: "Dangerous Command", Description: "Disabled by policy", RequiresApproval: true},
	}
	for _, t := range tools {
		meta := "{}"
		if t.Metadata != nil {
			meta = string(t.Metadata)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO tools (id, name, description, requires_approval, metadata) VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Description, t.RequiresApproval, meta); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, domain_id, created_by_role, created_by_subject, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DomainID, c.CreatedByRole, c.CreatedBySubject, nullString(c.Title), c.CreatedAt, c.UpdatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, domain_id, created_by_role, created_by_subject, title, created_at, updated_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.DomainID, &c.CreatedByRole, &c.CreatedBySubject, &title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if title.Valid {
		c.Title = title.String
	}
	return &c, nil
}

// TouchConversation bumps updated_at.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, at, id)
	return err
}

// ListConversations returns a reverse-chronological page by (updated_at, id).
func (s *SQLiteStore) ListConversations(ctx context.Context, f ConversationFilter) ([]domain.Conversation, error) {
	query := `SELECT id, domain_id, created_by_role, created_by_subject, title, created_at, updated_at
	          FROM conversations WHERE 1=1`
	var args []interface{}

	if f.DomainID != "" {
		query += ` AND domain_id = ?`
		args = append(args, f.DomainID)
	}
	if f.Subject != "" {
		query += ` AND created_by_subject = ?`
		args = append(args, f.Subject)
	}
	if f.Cursor != nil {
		query += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, f.Cursor.UpdatedAt, f.Cursor.UpdatedAt, f.Cursor.ID)
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var title sql.NullString
		if err := rows.Scan(&c.ID, &c.DomainID, &c.CreatedByRole, &c.CreatedBySubject, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if title.Valid {
			c.Title = title.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateMessage inserts a message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt, nullStringBytes(m.Metadata))
	return err
}

// CreateAssistantMessageOnce inserts an assistant message unless identical
// content already exists for the conversation.
func (s *SQLiteStore) CreateAssistantMessageOnce(ctx context.Context, m *domain.Message) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, metadata)
		 SELECT ?, ?, 'assistant', ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM messages WHERE conversation_id = ? AND role = 'assistant' AND content = ?
		 )`,
		m.ID, m.ConversationID, m.Content, m.CreatedAt, nullStringBytes(m.Metadata),
		m.ConversationID, m.Content)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetMessages retrieves messages for a conversation in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at, metadata
	          FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &metadata); err != nil {
			return nil, err
		}
		if metadata.Valid {
			m.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateWorkflowLog appends a workflow log entry.
func (s *SQLiteStore) CreateWorkflowLog(ctx context.Context, e *domain.WorkflowLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_logs (id, conversation_id, agent_id, agent_name, event_type, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.AgentID, e.AgentName, e.EventType, nullString(e.Content), nullStringBytes(e.Metadata), e.CreatedAt)
	return err
}

// GetWorkflowLogs retrieves log entries for a conversation in chronological order.
func (s *SQLiteStore) GetWorkflowLogs(ctx context.Context, conversationID string, limit int) ([]domain.WorkflowLogEntry, error) {
	query := `SELECT id, conversation_id, agent_id, agent_name, event_type, content, metadata, created_at
	          FROM workflow_logs WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkflowLogEntry
	for rows.Next() {
		var e domain.WorkflowLogEntry
		var content, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.AgentID, &e.AgentName, &e.EventType, &content, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if content.Valid {
			e.Content = content.String
		}
		if metadata.Valid {
			e.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateToolRun inserts a new tool run.
func (s *SQLiteStore) CreateToolRun(ctx context.Context, r *domain.ToolRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_runs (id, tool_id, parameters, requested_by_role, requested_by_subject, conversation_id,
		 requires_approval, status, approved_by_role, approved_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ToolID, nullStringBytes(r.Parameters), r.RequestedByRole, r.RequestedBySubject,
		nullString(r.ConversationID), r.RequiresApproval, r.Status,
		nullString(string(r.ApprovedByRole)), r.ApprovedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

// GetToolRun retrieves a tool run by ID.
func (s *SQLiteStore) GetToolRun(ctx context.Context, id string) (*domain.ToolRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tool_id, parameters, requested_by_role, requested_by_subject, conversation_id,
		        requires_approval, status, approved_by_role, approved_at, rejected_by_role, rejected_at,
		        rejection_reason, executed_by_role, executed_at, result, error, created_at, updated_at
		 FROM tool_runs WHERE id = ?`, id)
	return scanToolRun(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToolRun(row rowScanner) (*domain.ToolRun, error) {
	var r domain.ToolRun
	var params, convID, approvedBy, rejectedBy, rejectionReason, executedBy, result, execErr sql.NullString
	var approvedAt, rejectedAt, executedAt sql.NullTime

	err := row.Scan(&r.ID, &r.ToolID, &params, &r.RequestedByRole, &r.RequestedBySubject, &convID,
		&r.RequiresApproval, &r.Status, &approvedBy, &approvedAt, &rejectedBy, &rejectedAt,
		&rejectionReason, &executedBy, &executedAt, &result, &execErr, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if params.Valid {
		r.Parameters = json.RawMessage(params.String)
	}
	if convID.Valid {
		r.ConversationID = convID.String
	}
	if approvedBy.Valid {
		r.ApprovedByRole = domain.Role(approvedBy.String)
	}
	if approvedAt.Valid {
		r.ApprovedAt = &approvedAt.Time
	}
	if rejectedBy.Valid {
		r.RejectedByRole = domain.Role(rejectedBy.String)
	}
	if rejectedAt.Valid {
		r.RejectedAt = &rejectedAt.Time
	}
	if rejectionReason.Valid {
		r.RejectionReason = rejectionReason.String
	}
	if executedBy.Valid {
		r.ExecutedByRole = domain.Role(executedBy.String)
	}
	if executedAt.Valid {
		r.ExecutedAt = &executedAt.Time
	}
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	if execErr.Valid {
		r.Error = execErr.String
	}
	return &r, nil
}

// ApproveToolRun conditionally transitions PENDING_APPROVAL -> APPROVED.
func (s *SQLiteStore) ApproveToolRun(ctx context.Context, id string, by domain.Role, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_runs SET status = ?, approved_by_role = ?, approved_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.ToolRunStatusApproved, by, at, at, id, domain.ToolRunStatusPendingApproval)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RejectToolRun conditionally transitions PENDING_APPROVAL -> REJECTED. Only
// approval-gated runs can be rejected.
func (s *SQLiteStore) RejectToolRun(ctx context.Context, id string, by domain.Role, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_runs SET status = ?, rejected_by_role = ?, rejected_at = ?, rejection_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND requires_approval = 1`,
		domain.ToolRunStatusRejected, by, at, reason, at, id, domain.ToolRunStatusPendingApproval)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CompleteToolRun conditionally transitions APPROVED -> EXECUTED or FAILED,
// recording the handler outcome. Fails closed if the run left APPROVED.
func (s *SQLiteStore) CompleteToolRun(ctx context.Context, id string, status domain.ToolRunStatus, by domain.Role, result []byte, execErr string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_runs SET status = ?, executed_by_role = ?, executed_at = ?, result = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status, by, at, nullStringBytes(result), nullString(execErr), at, id, domain.ToolRunStatusApproved)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListToolRuns returns a reverse-chronological page by (updated_at, id).
func (s *SQLiteStore) ListToolRuns(ctx context.Context, f ToolRunFilter) ([]domain.ToolRun, error) {
	query := `SELECT id, tool_id, parameters, requested_by_role, requested_by_subject, conversation_id,
	                 requires_approval, status, approved_by_role, approved_at, rejected_by_role, rejected_at,
	                 rejection_reason, executed_by_role, executed_at, result, error, created_at, updated_at
	          FROM tool_runs WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ToolID != "" {
		query += ` AND tool_id = ?`
		args = append(args, f.ToolID)
	}
	if f.Subject != "" {
		query += ` AND requested_by_subject = ?`
		args = append(args, f.Subject)
	}
	if f.Cursor != nil {
		query += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, f.Cursor.UpdatedAt, f.Cursor.UpdatedAt, f.Cursor.ID)
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolRun
	for rows.Next() {
		r, err := scanToolRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetTool retrieves a tool by ID.
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*domain.Tool, error) {
	var t domain.Tool
	var description, metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, requires_approval, metadata FROM tools WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &description, &t.RequiresApproval, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if metadata.Valid {
		t.Metadata = json.RawMessage(metadata.String)
	}
	return &t, nil
}

// ListTools lists all registered tools.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]domain.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, requires_approval, metadata FROM tools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Tool
	for rows.Next() {
		var t domain.Tool
		var description, metadata sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &description, &t.RequiresApproval, &metadata); err != nil {
			return nil, err
		}
		if description.Valid {
			t.Description = description.String
		}
		if metadata.Valid {
			t.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a domain.Agent
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if description.Valid {
		a.Description = description.String
	}
	return &a, nil
}

// GetDomain retrieves a chat domain by ID.
func (s *SQLiteStore) GetDomain(ctx context.Context, id string) (*domain.ChatDomain, error) {
	var d domain.ChatDomain
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, default_agent_id FROM domains WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.DefaultAgentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
