// Package ledger implements the tool run approval lifecycle.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/policy"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
)

// Ledger mediates every tool run state transition. Transitions are enforced
// twice: validated here for precise error codes, then again as conditional
// updates in the store so concurrent writers fail closed.
type Ledger struct {
	store    store.Store
	policy   *policy.Engine
	registry *tools.Registry
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a ledger over the given store, policy engine and handler registry.
func New(st store.Store, eng *policy.Engine, reg *tools.Registry, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:    st,
		policy:   eng,
		registry: reg,
		log:      log.With().Str("component", "ledger").Logger(),
		now:      time.Now,
	}
}

// RequestInput describes a new tool run request.
type RequestInput struct {
	ToolID         string
	Parameters     json.RawMessage
	ConversationID string
}

// Request records a new tool run. Runs for approval-gated tools start in
// PENDING_APPROVAL; everything else is auto-approved with a system approver.
// A policy block fails the request before any row is written.
func (l *Ledger) Request(ctx context.Context, p domain.Principal, in RequestInput) (*domain.ToolRun, error) {
	if !p.Can(domain.CapToolRequest) {
		return nil, fmt.Errorf("%w: role %s cannot request tool runs", domain.ErrForbidden, p.Role)
	}
	if in.ToolID == "" {
		return nil, fmt.Errorf("%w: toolId is required", domain.ErrBadRequest)
	}

	tool, err := l.store.GetTool(ctx, in.ToolID)
	if err != nil {
		return nil, fmt.Errorf("%w: get tool: %v", domain.ErrInternal, err)
	}
	if tool == nil {
		return nil, fmt.Errorf("%w: tool %s", domain.ErrNotFound, in.ToolID)
	}

	var args map[string]interface{}
	if len(in.Parameters) > 0 {
		if err := json.Unmarshal(in.Parameters, &args); err != nil {
			return nil, fmt.Errorf("%w: parameters must be a JSON object", domain.ErrBadRequest)
		}
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	decision, err := l.policy.Evaluate(ctx, policy.Input{
		ToolID:  in.ToolID,
		Args:    args,
		Role:    string(p.Role),
		Subject: p.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: policy evaluation: %v", domain.ErrInternal, err)
	}
	if decision == policy.DecisionBlock {
		l.log.Warn().Str("tool", in.ToolID).Str("subject", p.Subject).Msg("tool run blocked by policy")
		return nil, fmt.Errorf("%w: tool %s is blocked by policy", domain.ErrForbidden, in.ToolID)
	}

	requiresApproval := tool.RequiresApproval || decision == policy.DecisionRequireApproval

	now := l.now().UTC()
	run := &domain.ToolRun{
		ID:                 "tr_" + uuid.NewString()[:8],
		ToolID:             in.ToolID,
		Parameters:         in.Parameters,
		RequestedByRole:    p.Role,
		RequestedBySubject: p.Subject,
		ConversationID:     in.ConversationID,
		RequiresApproval:   requiresApproval,
		Status:             domain.ToolRunStatusPendingApproval,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if !requiresApproval {
		run.Status = domain.ToolRunStatusApproved
		run.ApprovedByRole = domain.RoleSystem
		approvedAt := now
		run.ApprovedAt = &approvedAt
	}

	if err := l.store.CreateToolRun(ctx, run); err != nil {
		return nil, fmt.Errorf("%w: create tool run: %v", domain.ErrInternal, err)
	}

	l.log.Info().
		Str("run_id", run.ID).
		Str("tool", run.ToolID).
		Str("status", string(run.Status)).
		Bool("requires_approval", requiresApproval).
		Msg("tool run requested")
	return run, nil
}

// Approve transitions a pending run to APPROVED. Only privileged roles carry
// the approval capability.
func (l *Ledger) Approve(ctx context.Context, p domain.Principal, runID string) (*domain.ToolRun, error) {
	if !p.Can(domain.CapToolApprove) {
		return nil, fmt.Errorf("%w: role %s cannot approve tool runs", domain.ErrForbidden, p.Role)
	}

	run, err := l.getVisible(ctx, p, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.ToolRunStatusPendingApproval {
		return nil, fmt.Errorf("%w: run %s is %s, expected PENDING_APPROVAL", domain.ErrInvalidState, runID, run.Status)
	}

	ok, err := l.store.ApproveToolRun(ctx, runID, p.Role, l.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: approve tool run: %v", domain.ErrInternal, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: run %s left PENDING_APPROVAL", domain.ErrInvalidState, runID)
	}

	l.log.Info().Str("run_id", runID).Str("by", string(p.Role)).Msg("tool run approved")
	return l.reload(ctx, runID)
}

// Reject transitions a pending approval-gated run to REJECTED. Auto-approved
// runs never pass through PENDING_APPROVAL, so rejecting one fails with
// invalid state.
func (l *Ledger) Reject(ctx context.Context, p domain.Principal, runID, reason string) (*domain.ToolRun, error) {
	if !p.Can(domain.CapToolApprove) {
		return nil, fmt.Errorf("%w: role %s cannot reject tool runs", domain.ErrForbidden, p.Role)
	}

	run, err := l.getVisible(ctx, p, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.ToolRunStatusPendingApproval || !run.RequiresApproval {
		return nil, fmt.Errorf("%w: run %s is not awaiting approval", domain.ErrInvalidState, runID)
	}

	ok, err := l.store.RejectToolRun(ctx, runID, p.Role, reason, l.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: reject tool run: %v", domain.ErrInternal, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: run %s left PENDING_APPROVAL", domain.ErrInvalidState, runID)
	}

	l.log.Info().Str("run_id", runID).Str("by", string(p.Role)).Str("reason", reason).Msg("tool run rejected")
	return l.reload(ctx, runID)
}

// Execute runs the handler for an APPROVED run. A handler error lands the run
// in FAILED with the message recorded; the call itself still succeeds so the
// caller sees the terminal run instead of a bare error.
func (l *Ledger) Execute(ctx context.Context, p domain.Principal, runID string) (*domain.ToolRun, error) {
	if !p.Can(domain.CapToolExecute) {
		return nil, fmt.Errorf("%w: role %s cannot execute tool runs", domain.ErrForbidden, p.Role)
	}

	run, err := l.getVisible(ctx, p, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.ToolRunStatusApproved {
		return nil, fmt.Errorf("%w: run %s is %s, expected APPROVED", domain.ErrInvalidState, runID, run.Status)
	}

	result, execErr := l.registry.Execute(ctx, run.ToolID, run.Parameters)

	status := domain.ToolRunStatusExecuted
	errMsg := ""
	if execErr != nil {
		status = domain.ToolRunStatusFailed
		errMsg = execErr.Error()
		result = nil
	}

	ok, err := l.store.CompleteToolRun(ctx, runID, status, p.Role, result, errMsg, l.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: complete tool run: %v", domain.ErrInternal, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: run %s left APPROVED before completion", domain.ErrInvalidState, runID)
	}

	l.log.Info().
		Str("run_id", runID).
		Str("tool", run.ToolID).
		Str("status", string(status)).
		Msg("tool run executed")
	return l.reload(ctx, runID)
}

// Get returns a single run. Non-privileged principals see only their own runs;
// a foreign run reads as not found rather than forbidden.
func (l *Ledger) Get(ctx context.Context, p domain.Principal, runID string) (*domain.ToolRun, error) {
	return l.getVisible(ctx, p, runID)
}

// List returns a page of runs matching the filter, most recently updated
// first. Non-privileged principals are pinned to their own subject.
func (l *Ledger) List(ctx context.Context, p domain.Principal, f store.ToolRunFilter) ([]domain.ToolRun, string, error) {
	if !p.Can(domain.CapToolList) {
		return nil, "", fmt.Errorf("%w: role %s cannot list tool runs", domain.ErrForbidden, p.Role)
	}
	if !p.Role.Privileged() {
		f.Subject = p.Subject
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	runs, err := l.store.ListToolRuns(ctx, f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: list tool runs: %v", domain.ErrInternal, err)
	}

	next := ""
	if len(runs) == f.Limit {
		last := runs[len(runs)-1]
		next = store.EncodeCursor(store.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID})
	}
	return runs, next, nil
}

func (l *Ledger) getVisible(ctx context.Context, p domain.Principal, runID string) (*domain.ToolRun, error) {
	run, err := l.store.GetToolRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: get tool run: %v", domain.ErrInternal, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: tool run %s", domain.ErrNotFound, runID)
	}
	if !p.Role.Privileged() && run.RequestedBySubject != p.Subject {
		return nil, fmt.Errorf("%w: tool run %s", domain.ErrNotFound, runID)
	}
	return run, nil
}

func (l *Ledger) reload(ctx context.Context, runID string) (*domain.ToolRun, error) {
	run, err := l.store.GetToolRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: reload tool run: %v", domain.ErrInternal, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: tool run %s", domain.ErrNotFound, runID)
	}
	return run, nil
}
