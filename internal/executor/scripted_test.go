package executor

import (
	"errors"
	"testing"

	"github.com/parleyhq/parley/internal/domain"
)

func TestScriptedReplaysTokensInOrder(t *testing.T) {
	exec := NewScripted("agent_a", "Alpha", "one ", "two ", "three")

	var tokens []string
	final, err := exec.Execute(&State{ConversationID: "conv_1"}, func(tok string) {
		tokens = append(tokens, tok)
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := len(tokens); got != 3 {
		t.Fatalf("expected 3 tokens, got %d", got)
	}
	if final.Reply != "one two three" {
		t.Fatalf("reply = %q", final.Reply)
	}
	if final.ActiveAgentID != "agent_a" || final.ActiveAgent != "Alpha" {
		t.Fatalf("agent = %s/%s", final.ActiveAgentID, final.ActiveAgent)
	}
}

func TestScriptedMultiStepHandsOff(t *testing.T) {
	exec := &Scripted{Steps: []ScriptStep{
		{AgentID: "agent_a", AgentName: "Alpha", Tokens: []string{"first "}},
		{AgentID: "agent_b", AgentName: "Beta", Tokens: []string{"second"}},
	}}

	var agents []string
	final, err := exec.Execute(&State{}, nil, func(st *State) {
		agents = append(agents, st.ActiveAgentID)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(agents) != 2 || agents[0] != "agent_a" || agents[1] != "agent_b" {
		t.Fatalf("step agents = %v", agents)
	}
	if final.Reply != "first second" {
		t.Fatalf("reply = %q", final.Reply)
	}
}

func TestScriptedErrSurfacesAfterTokens(t *testing.T) {
	boom := errors.New("graph unavailable")
	exec := NewScripted("agent_a", "Alpha", "partial")
	exec.Err = boom

	count := 0
	_, err := exec.Execute(&State{}, func(string) { count++ }, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected script error, got %v", err)
	}
	if count != 1 {
		t.Fatalf("tokens should still be emitted before the error, got %d", count)
	}
}

func TestScriptedNilState(t *testing.T) {
	exec := NewScripted("agent_a", "Alpha", "x")
	if _, err := exec.Execute(nil, nil, nil); err == nil {
		t.Fatal("expected error for nil state")
	}
}

func TestStateCloneIsIndependent(t *testing.T) {
	orig := &State{
		ConversationID: "conv_1",
		Messages:       []domain.Message{{ID: "msg_1", Role: "user", Content: "hi"}},
		Metadata:       map[string]any{"k": "v"},
	}

	cp := orig.Clone()
	cp.Messages = append(cp.Messages, domain.Message{ID: "msg_2"})
	cp.Metadata["k"] = "changed"
	cp.Reply = "mutated"

	if len(orig.Messages) != 1 {
		t.Fatalf("original messages grew to %d", len(orig.Messages))
	}
	if orig.Metadata["k"] != "v" {
		t.Fatalf("original metadata mutated: %v", orig.Metadata["k"])
	}
	if orig.Reply != "" {
		t.Fatalf("original reply mutated: %q", orig.Reply)
	}
}
