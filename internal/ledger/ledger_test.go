package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/policy"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
)

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return New(st, eng, tools.DefaultRegistry, zerolog.Nop()), st
}

func principal(role domain.Role, subject string) domain.Principal {
	return domain.Principal{
		Role:         role,
		Subject:      subject,
		Capabilities: domain.DefaultCapabilities(role),
	}
}

func TestRequestAutoApproved(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := principal(domain.RoleUser, "alice")

	run, err := l.Request(ctx, user, RequestInput{
		ToolID:     "weather.query",
		Parameters: json.RawMessage(`{"location":"Lisbon"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusApproved, run.Status)
	assert.False(t, run.RequiresApproval)
	assert.Equal(t, domain.RoleSystem, run.ApprovedByRole)
	require.NotNil(t, run.ApprovedAt)

	// Auto-approved runs never pass through PENDING_APPROVAL, so a reject
	// must fail with invalid state even for an admin.
	admin := principal(domain.RoleAdmin, "root")
	_, err = l.Reject(ctx, admin, run.ID, "no")
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	got, err := l.Execute(ctx, user, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusExecuted, got.Status)
	assert.Contains(t, string(got.Result), "Sunny")
	assert.Equal(t, user.Role, got.ExecutedByRole)
}

func TestRequestApprovalGated(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := principal(domain.RoleUser, "alice")
	admin := principal(domain.RoleAdmin, "root")

	run, err := l.Request(ctx, user, RequestInput{
		ToolID:     "payments.transfer",
		Parameters: json.RawMessage(`{"amount":50,"to":"bob"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusPendingApproval, run.Status)
	assert.True(t, run.RequiresApproval)

	// Execution before approval is an invalid state, not forbidden.
	_, err = l.Execute(ctx, admin, run.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	// Plain users lack the approve capability.
	_, err = l.Approve(ctx, user, run.ID)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	approved, err := l.Approve(ctx, admin, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusApproved, approved.Status)
	assert.Equal(t, domain.RoleAdmin, approved.ApprovedByRole)

	// A second approval finds the run already past pending.
	_, err = l.Approve(ctx, admin, run.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	executed, err := l.Execute(ctx, user, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusExecuted, executed.Status)
}

func TestRejectRecordsReason(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := principal(domain.RoleUser, "alice")
	admin := principal(domain.RoleAdmin, "root")

	run, err := l.Request(ctx, user, RequestInput{
		ToolID:     "payments.transfer",
		Parameters: json.RawMessage(`{"amount":500,"to":"bob"}`),
	})
	require.NoError(t, err)

	rejected, err := l.Reject(ctx, admin, run.ID, "amount too high")
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusRejected, rejected.Status)
	assert.Equal(t, "amount too high", rejected.RejectionReason)
	assert.Equal(t, domain.RoleAdmin, rejected.RejectedByRole)

	// Rejected is terminal.
	_, err = l.Approve(ctx, admin, run.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	_, err = l.Execute(ctx, admin, run.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestPolicyBlockFailsRequest(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := principal(domain.RoleUser, "alice")

	_, err := l.Request(ctx, user, RequestInput{ToolID: "dangerous.command"})
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	// Large transfers trip the policy even though the tool flag alone would
	// already gate them.
	run, err := l.Request(ctx, user, RequestInput{
		ToolID:     "payments.transfer",
		Parameters: json.RawMessage(`{"amount":5000}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusPendingApproval, run.Status)
}

func TestRequestUnknownTool(t *testing.T) {
	l, _ := newTestLedger(t)
	user := principal(domain.RoleUser, "alice")

	_, err := l.Request(context.Background(), user, RequestInput{ToolID: "no.such.tool"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestExecuteHandlerFailure(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := principal(domain.RoleUser, "alice")

	run, err := l.Request(ctx, user, RequestInput{
		ToolID:     "notes.append",
		Parameters: json.RawMessage(`{"text":""}`),
	})
	require.NoError(t, err)

	// The handler error lands in FAILED; the call itself succeeds.
	got, err := l.Execute(ctx, user, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolRunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "text is required")
	assert.Nil(t, got.Result)

	_, err = l.Execute(ctx, user, run.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestCrossSubjectVisibility(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	alice := principal(domain.RoleUser, "alice")
	bob := principal(domain.RoleUser, "bob")
	admin := principal(domain.RoleAdmin, "root")

	run, err := l.Request(ctx, alice, RequestInput{ToolID: "weather.query"})
	require.NoError(t, err)

	// Another subject reads it as missing, not forbidden.
	_, err = l.Get(ctx, bob, run.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	got, err := l.Get(ctx, admin, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestListSubjectPinningAndCursor(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	alice := principal(domain.RoleUser, "alice")
	bob := principal(domain.RoleUser, "bob")
	admin := principal(domain.RoleAdmin, "root")

	for i := 0; i < 3; i++ {
		_, err := l.Request(ctx, alice, RequestInput{ToolID: "weather.query"})
		require.NoError(t, err)
	}
	_, err := l.Request(ctx, bob, RequestInput{ToolID: "weather.query"})
	require.NoError(t, err)

	runs, _, err := l.List(ctx, alice, store.ToolRunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	for _, r := range runs {
		assert.Equal(t, "alice", r.RequestedBySubject)
	}

	// Page through everything as admin with a page size of 2; no run may
	// appear twice and all four must show up.
	seen := map[string]bool{}
	cursor := ""
	for {
		f := store.ToolRunFilter{Limit: 2}
		if cursor != "" {
			c, err := store.DecodeCursor(cursor)
			require.NoError(t, err)
			f.Cursor = c
		}
		page, next, err := l.List(ctx, admin, f)
		require.NoError(t, err)
		for _, r := range page {
			assert.False(t, seen[r.ID], "run %s returned twice", r.ID)
			seen[r.ID] = true
		}
		if next == "" || len(page) == 0 {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 4)
}

func TestListStatusFilter(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := principal(domain.RoleUser, "alice")

	_, err := l.Request(ctx, user, RequestInput{ToolID: "weather.query"})
	require.NoError(t, err)
	_, err = l.Request(ctx, user, RequestInput{ToolID: "payments.transfer", Parameters: json.RawMessage(`{"amount":10}`)})
	require.NoError(t, err)

	pending, _, err := l.List(ctx, user, store.ToolRunFilter{Status: domain.ToolRunStatusPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "payments.transfer", pending[0].ToolID)
}
