// Package policy evaluates tool execution policy with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// Input carries the evaluation context for a tool run request.
type Input struct {
	ToolID  string                 `json:"tool_id"`
	Args    map[string]interface{} `json:"args"`
	Role    string                 `json:"role"`
	Subject string                 `json:"subject"`
}

// Engine wraps a prepared rego query over the tool policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given rego policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Evaluate returns the policy decision for a tool run request. An empty
// result set means the policy defines no opinion and the caller may allow.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"tool_id": in.ToolID,
		"args":    in.Args,
		"role":    in.Role,
		"subject": in.Subject,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		switch d := Decision(s); d {
		case DecisionAllow, DecisionRequireApproval, DecisionBlock:
			return d, nil
		}
	}
	return "", fmt.Errorf("policy returned unexpected decision: %v", results[0].Expressions[0].Value)
}

// DefaultPolicy blocks the disabled command outright and gates large
// transfers behind approval. Everything else falls through to allow.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool_id == "dangerous.command"
}

decision = "require_approval" {
	input.tool_id == "payments.transfer"
	input.args.amount > 100
}
`
