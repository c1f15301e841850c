// Package stream implements the streaming core: the typed event sequence, the
// think-tag parser that splits reasoning from visible reply text, and the
// bridge that relays a blocking step executor into a consumable channel.
package stream

import "time"

// EventType identifies a protocol event within one stream.
type EventType string

const (
	EventDelta         EventType = "delta"
	EventThought       EventType = "thought"
	EventToolStart     EventType = "tool_start"
	EventAgentSelected EventType = "agent_selected"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Event is one entry of a stream's ordered event sequence. It lives only for
// the duration of the stream; the boundary layers serialize it to the wire.
type Event struct {
	Type      EventType
	Text      string
	AgentID   string
	AgentName string
	Metadata  map[string]any
	// Response carries the final accumulated reply on done events.
	Response string
	// Code and Err carry failure details on error events.
	Code string
	Err  error
}

// ThoughtEntry is one accumulated reasoning span, attributed to the agent
// active when it was produced.
type ThoughtEntry struct {
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name,omitempty"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}
