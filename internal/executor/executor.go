// Package executor defines the step-executor contract: an external,
// blocking conversation graph that advances a conversation one step at a
// time, selecting which agent acts and emitting raw tokens as it goes.
package executor

import "github.com/parleyhq/parley/internal/domain"

// State is one snapshot of the conversation graph. The executor yields a
// snapshot after every step; the final snapshot carries the full reply.
type State struct {
	ConversationID string
	Messages       []domain.Message
	ActiveAgentID  string
	ActiveAgent    string
	Reply          string
	Metadata       map[string]any
}

// Clone returns a shallow copy safe to hand across goroutines. Messages and
// Metadata are copied; their elements are treated as immutable.
func (s *State) Clone() *State {
	cp := *s
	cp.Messages = append([]domain.Message(nil), s.Messages...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// StepExecutor runs one invocation of the conversation graph to completion.
// Execute blocks its caller; it must only be driven through the bridge, never
// inline on a connection-serving goroutine. onToken receives every raw text
// token in production order; onStep receives every intermediate snapshot.
type StepExecutor interface {
	Execute(st *State, onToken func(string), onStep func(*State)) (*State, error)
}
