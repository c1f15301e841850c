package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replay feeds the text in the given fragment sizes and returns the
// reassembled visible reply and thoughts.
func replay(t *testing.T, m *ThinkTagMachine, text string, chunk int) (string, []string) {
	t.Helper()
	var visible strings.Builder
	var thoughts []string

	collect := func(events []Event) {
		for _, ev := range events {
			switch ev.Type {
			case EventDelta:
				visible.WriteString(ev.Text)
			case EventThought:
				thoughts = append(thoughts, ev.Text)
			}
		}
	}

	for i := 0; i < len(text); i += chunk {
		end := i + chunk
		if end > len(text) {
			end = len(text)
		}
		collect(m.Feed(text[i:end]))
	}
	collect(m.Flush())
	return visible.String(), thoughts
}

func TestFeedSingleFragment(t *testing.T) {
	m := NewThinkTagMachine()
	visible, thoughts := replay(t, m, "Hello <think>is this safe?</think>world", len("Hello <think>is this safe?</think>world"))
	assert.Equal(t, "Hello world", visible)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "is this safe?", thoughts[0])
}

// The classification must not depend on where fragment boundaries fall, even
// when they land inside a delimiter.
func TestFeedSplitDelimiters(t *testing.T) {
	text := "before<think>hidden reasoning</think>after <think>more</think>tail"
	for chunk := 1; chunk <= len(text); chunk++ {
		m := NewThinkTagMachine()
		visible, thoughts := replay(t, m, text, chunk)
		assert.Equal(t, "beforeafter tail", visible, "chunk size %d", chunk)
		require.Len(t, thoughts, 2, "chunk size %d", chunk)
		assert.Equal(t, "hidden reasoning", thoughts[0])
		assert.Equal(t, "more", thoughts[1])
	}
}

func TestUnterminatedThinkFlushesAsThought(t *testing.T) {
	m := NewThinkTagMachine()
	visible, thoughts := replay(t, m, "reply <think>never closed", 3)
	assert.Equal(t, "reply ", visible)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "never closed", thoughts[0])
}

func TestNoTagsPassThrough(t *testing.T) {
	m := NewThinkTagMachine()
	visible, thoughts := replay(t, m, "plain text with < and > but no tags", 4)
	assert.Equal(t, "plain text with < and > but no tags", visible)
	assert.Empty(t, thoughts)
}

func TestAngleBracketFalseStart(t *testing.T) {
	// A held-back "<th" that never completes the delimiter must still be
	// emitted as visible text.
	m := NewThinkTagMachine()
	var visible strings.Builder
	for _, ev := range m.Feed("a<th") {
		if ev.Type == EventDelta {
			visible.WriteString(ev.Text)
		}
	}
	for _, ev := range m.Feed("ing happened") {
		if ev.Type == EventDelta {
			visible.WriteString(ev.Text)
		}
	}
	for _, ev := range m.Flush() {
		if ev.Type == EventDelta {
			visible.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "a<thing happened", visible.String())
}

func TestToolDirectiveEmitsToolStart(t *testing.T) {
	m := NewThinkTagMachine()
	m.SetAgent("agent_operator", "Operator")

	events := m.Feed("<think>I should check the forecast [tool: weather.query] first</think>")
	var thought, toolStart *Event
	for i := range events {
		switch events[i].Type {
		case EventThought:
			thought = &events[i]
		case EventToolStart:
			toolStart = &events[i]
		}
	}
	require.NotNil(t, thought)
	require.NotNil(t, toolStart)
	assert.Equal(t, "weather.query", toolStart.Metadata["tool"])
	assert.Equal(t, "agent_operator", toolStart.AgentID)

	// The directive also works with the skill prefix.
	events = m.Feed("<think>[skill: notes.append]</think>")
	found := false
	for _, ev := range events {
		if ev.Type == EventToolStart {
			found = true
			assert.Equal(t, "notes.append", ev.Metadata["tool"])
		}
	}
	assert.True(t, found)
}

func TestThoughtsAttributedToAgent(t *testing.T) {
	m := NewThinkTagMachine()
	m.SetAgent("agent_a", "Alpha")
	m.Feed("<think>first</think>")
	m.SetAgent("agent_b", "Beta")
	m.Feed("<think>second</think>")

	entries := m.Thoughts()
	require.Len(t, entries, 2)
	assert.Equal(t, "agent_a", entries[0].AgentID)
	assert.Equal(t, "first", entries[0].Text)
	assert.Equal(t, "agent_b", entries[1].AgentID)
	assert.Equal(t, "second", entries[1].Text)
}

func TestEmptyThinkSpanEmitsNothing(t *testing.T) {
	m := NewThinkTagMachine()
	visible, thoughts := replay(t, m, "a<think></think>b", 1)
	assert.Equal(t, "ab", visible)
	assert.Empty(t, thoughts)
}
