package stream

import (
	"regexp"
	"strings"
	"time"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// toolDirective matches a bracketed tool/skill invocation embedded in
// reasoning text, e.g. "[tool: payments.transfer]".
var toolDirective = regexp.MustCompile(`\[(?:tool|skill):\s*([A-Za-z0-9_.:-]+)\s*\]`)

type thinkMode int

const (
	modeNormal thinkMode = iota
	modeThinking
)

// ThinkTagMachine classifies an incremental text stream into visible-reply
// deltas and internal-reasoning thoughts, handling delimiters split across
// arbitrary fragment boundaries. One machine serves exactly one stream.
type ThinkTagMachine struct {
	mode      thinkMode
	carry     string // held-back tail that may be a partial delimiter
	thought   strings.Builder
	agentID   string
	agentName string
	thoughts  []ThoughtEntry
}

// NewThinkTagMachine returns a machine in the normal state.
func NewThinkTagMachine() *ThinkTagMachine {
	return &ThinkTagMachine{}
}

// SetAgent records the agent to attribute subsequent thoughts to.
func (m *ThinkTagMachine) SetAgent(id, name string) {
	m.agentID = id
	m.agentName = name
}

// Thoughts returns the accumulated reasoning entries in production order.
func (m *ThinkTagMachine) Thoughts() []ThoughtEntry {
	return m.thoughts
}

// Feed processes one fragment and returns the ordered events it produced.
// A fragment may contain zero, one, or both delimiters.
func (m *ThinkTagMachine) Feed(fragment string) []Event {
	text := m.carry + fragment
	m.carry = ""
	var events []Event

	for text != "" {
		switch m.mode {
		case modeNormal:
			if idx := strings.Index(text, thinkOpen); idx >= 0 {
				if idx > 0 {
					events = append(events, Event{Type: EventDelta, Text: text[:idx], AgentID: m.agentID, AgentName: m.agentName})
				}
				m.mode = modeThinking
				text = text[idx+len(thinkOpen):]
				continue
			}
			hold := partialSuffix(text, thinkOpen)
			if visible := text[:len(text)-hold]; visible != "" {
				events = append(events, Event{Type: EventDelta, Text: visible, AgentID: m.agentID, AgentName: m.agentName})
			}
			m.carry = text[len(text)-hold:]
			return events

		case modeThinking:
			if idx := strings.Index(text, thinkClose); idx >= 0 {
				m.thought.WriteString(text[:idx])
				events = append(events, m.flushThought()...)
				m.mode = modeNormal
				text = text[idx+len(thinkClose):]
				continue
			}
			hold := partialSuffix(text, thinkClose)
			m.thought.WriteString(text[:len(text)-hold])
			m.carry = text[len(text)-hold:]
			return events
		}
	}
	return events
}

// Flush drains any buffered tail at end of stream. An unterminated thinking
// span is emitted as a thought; leftover normal text as a delta.
func (m *ThinkTagMachine) Flush() []Event {
	var events []Event
	switch m.mode {
	case modeNormal:
		if m.carry != "" {
			events = append(events, Event{Type: EventDelta, Text: m.carry, AgentID: m.agentID, AgentName: m.agentName})
		}
	case modeThinking:
		m.thought.WriteString(m.carry)
		events = append(events, m.flushThought()...)
		m.mode = modeNormal
	}
	m.carry = ""
	return events
}

// flushThought emits the buffered reasoning span, records it, and appends a
// synthetic tool_start for every embedded tool directive.
func (m *ThinkTagMachine) flushThought() []Event {
	content := m.thought.String()
	m.thought.Reset()
	if content == "" {
		return nil
	}

	m.thoughts = append(m.thoughts, ThoughtEntry{
		AgentID:   m.agentID,
		AgentName: m.agentName,
		Text:      content,
		At:        time.Now(),
	})

	events := []Event{{Type: EventThought, Text: content, AgentID: m.agentID, AgentName: m.agentName}}
	for _, match := range toolDirective.FindAllStringSubmatch(content, -1) {
		events = append(events, Event{
			Type:      EventToolStart,
			AgentID:   m.agentID,
			AgentName: m.agentName,
			Metadata:  map[string]any{"tool": match[1]},
		})
	}
	return events
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of delim. Such a tail must be held back because the next
// fragment may complete the delimiter.
func partialSuffix(s, delim string) int {
	max := len(delim) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(delim, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
