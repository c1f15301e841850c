package executor

import (
	"fmt"
	"strings"
	"time"
)

// ScriptStep is one scripted executor step: the agent that acts and the
// tokens it emits, in order.
type ScriptStep struct {
	AgentID   string
	AgentName string
	Tokens    []string
}

// Scripted is a deterministic StepExecutor used for development wiring and
// tests. It replays a fixed script, yielding a snapshot after each step.
type Scripted struct {
	Steps []ScriptStep
	// TokenDelay, when set, sleeps between tokens to mimic generation pace.
	TokenDelay time.Duration
	// Err, when set, is returned after all steps have been emitted.
	Err error
}

// NewScripted returns a single-step scripted executor that echoes the given
// tokens from the named agent.
func NewScripted(agentID, agentName string, tokens ...string) *Scripted {
	return &Scripted{Steps: []ScriptStep{{AgentID: agentID, AgentName: agentName, Tokens: tokens}}}
}

// Execute replays the script.
func (e *Scripted) Execute(st *State, onToken func(string), onStep func(*State)) (*State, error) {
	if st == nil {
		return nil, fmt.Errorf("executor: nil state")
	}
	cur := st.Clone()
	var reply strings.Builder
	reply.WriteString(cur.Reply)

	for _, step := range e.Steps {
		cur.ActiveAgentID = step.AgentID
		cur.ActiveAgent = step.AgentName
		for _, tok := range step.Tokens {
			if e.TokenDelay > 0 {
				time.Sleep(e.TokenDelay)
			}
			reply.WriteString(tok)
			if onToken != nil {
				onToken(tok)
			}
		}
		cur.Reply = reply.String()
		if onStep != nil {
			onStep(cur.Clone())
		}
	}

	if e.Err != nil {
		return nil, e.Err
	}
	return cur, nil
}
