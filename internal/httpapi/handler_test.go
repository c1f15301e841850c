package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/policy"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
)

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	log := zerolog.Nop()
	led := ledger.New(st, eng, tools.DefaultRegistry, log)
	connectionHub := hub.NewHub(log)
	go connectionHub.Run()

	return NewHandler(st, led, connectionHub, log), st
}

func doRequest(t *testing.T, h func(echo.Context) error, method, path, body, role, subject string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Role", role)
	}
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for i := 0; i+1 < len(params); i += 2 {
		c.SetParamNames(params[i])
		c.SetParamValues(params[i+1])
	}

	if err := h(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestRequestToolRunAutoApproved(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"tool_id":"weather.query","parameters":{"location":"Oslo"}}`
	rec := doRequest(t, h.RequestToolRun, http.MethodPost, "/v1/tool_runs", body, "user", "alice")

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["status"] != "APPROVED" {
		t.Fatalf("expected APPROVED, got %v", out["status"])
	}
	if out["approved_by_role"] != "system" {
		t.Fatalf("expected system approver, got %v", out["approved_by_role"])
	}
}

func TestRequestToolRunUnknownTool(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.RequestToolRun, http.MethodPost, "/v1/tool_runs",
		`{"tool_id":"no.such.tool"}`, "user", "alice")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["code"] != "not_found" {
		t.Fatalf("expected not_found, got %v", out["code"])
	}
}

func TestApprovalLifecycleOverREST(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.RequestToolRun, http.MethodPost, "/v1/tool_runs",
		`{"tool_id":"payments.transfer","parameters":{"amount":25}}`, "user", "alice")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	runID := decodeBody(t, rec)["id"].(string)

	// The requester cannot approve their own run without the capability.
	rec = doRequest(t, h.ApproveToolRun, http.MethodPost, "/v1/tool_runs/"+runID+"/approve", "", "user", "alice", "run_id", runID)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = doRequest(t, h.ApproveToolRun, http.MethodPost, "/v1/tool_runs/"+runID+"/approve", "", "admin", "root", "run_id", runID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Approving twice conflicts.
	rec = doRequest(t, h.ApproveToolRun, http.MethodPost, "/v1/tool_runs/"+runID+"/approve", "", "admin", "root", "run_id", runID)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, h.ExecuteToolRun, http.MethodPost, "/v1/tool_runs/"+runID+"/execute", "", "user", "alice", "run_id", runID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["status"] != "EXECUTED" {
		t.Fatalf("expected EXECUTED, got %v", out["status"])
	}
}

func TestRejectToolRunOverREST(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.RequestToolRun, http.MethodPost, "/v1/tool_runs",
		`{"tool_id":"payments.transfer","parameters":{"amount":25}}`, "user", "alice")
	runID := decodeBody(t, rec)["id"].(string)

	rec = doRequest(t, h.RejectToolRun, http.MethodPost, "/v1/tool_runs/"+runID+"/reject",
		`{"reason":"too risky"}`, "admin", "root", "run_id", runID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["status"] != "REJECTED" {
		t.Fatalf("expected REJECTED, got %v", out["status"])
	}
	if out["rejection_reason"] != "too risky" {
		t.Fatalf("expected reason recorded, got %v", out["rejection_reason"])
	}

	// Terminal runs cannot be executed.
	rec = doRequest(t, h.ExecuteToolRun, http.MethodPost, "/v1/tool_runs/"+runID+"/execute", "", "admin", "root", "run_id", runID)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestGetToolRunCrossSubject(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.RequestToolRun, http.MethodPost, "/v1/tool_runs",
		`{"tool_id":"weather.query","parameters":{}}`, "user", "alice")
	runID := decodeBody(t, rec)["id"].(string)

	// Another subject reads NotFound, not Forbidden.
	rec = doRequest(t, h.GetToolRun, http.MethodGet, "/v1/tool_runs/"+runID, "", "user", "bob", "run_id", runID)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	// A privileged role sees it.
	rec = doRequest(t, h.GetToolRun, http.MethodGet, "/v1/tool_runs/"+runID, "", "admin", "root", "run_id", runID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListToolRunsPinsSubject(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, subject := range []string{"alice", "alice", "bob"} {
		rec := doRequest(t, h.RequestToolRun, http.MethodPost, "/v1/tool_runs",
			`{"tool_id":"weather.query","parameters":{}}`, "user", subject)
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed run failed: %d", rec.Code)
		}
	}

	rec := doRequest(t, h.ListToolRuns, http.MethodGet, "/v1/tool_runs", "", "user", "alice")
	out := decodeBody(t, rec)
	runs := out["tool_runs"].([]interface{})
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs for alice, got %d", len(runs))
	}

	rec = doRequest(t, h.ListToolRuns, http.MethodGet, "/v1/tool_runs", "", "admin", "root")
	out = decodeBody(t, rec)
	if len(out["tool_runs"].([]interface{})) != 3 {
		t.Fatalf("expected admin to see all 3 runs")
	}
}

func TestListToolRunsBadCursor(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.ListToolRuns, http.MethodGet, "/v1/tool_runs?cursor=garbage", "", "user", "alice")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListToolsCatalog(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.ListTools, http.MethodGet, "/v1/tools", "", "user", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decodeBody(t, rec)
	list := out["tools"].([]interface{})
	if len(list) < 4 {
		t.Fatalf("expected seeded catalog, got %d tools", len(list))
	}
}

func TestConversationEndpointsVisibility(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:               "conv_http1",
		DomainID:         "dom_general",
		CreatedByRole:    domain.RoleUser,
		CreatedBySubject: "alice",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := st.CreateMessage(ctx, &domain.Message{
		ID: "msg_http1", ConversationID: conv.ID, Role: "user", Content: "hi", CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	rec := doRequest(t, h.GetConversationMessages, http.MethodGet,
		"/v1/conversations/"+conv.ID+"/messages", "", "user", "alice", "conversation_id", conv.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if len(out["messages"].([]interface{})) != 1 {
		t.Fatalf("expected 1 message")
	}

	// Foreign subject reads NotFound.
	rec = doRequest(t, h.GetConversationMessages, http.MethodGet,
		"/v1/conversations/"+conv.ID+"/messages", "", "user", "bob", "conversation_id", conv.ID)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doRequest(t, h.ListConversations, http.MethodGet, "/v1/conversations", "", "user", "bob")
	out = decodeBody(t, rec)
	if len(out["conversations"].([]interface{})) != 0 {
		t.Fatalf("expected bob to see no conversations")
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.Health, http.MethodGet, "/health", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["status"] != "ok" {
		t.Fatalf("expected ok, got %v", out["status"])
	}
}
