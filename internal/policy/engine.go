// Package policy gates command execution through OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine evaluates the command policy for every execution request.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given rego source into a prepared query.
func NewEngine(ctx context.Context, policySource string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.command_policy.decision"),
		rego.Module("command_policy.rego", policySource),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// Load builds an engine from a policy file, falling back to the default
// policy when no path is configured.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewEngine(ctx, string(src))
}

// Evaluate returns the policy decision for one command execution.
// Input keys: command, agent, args.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// Allowed is Evaluate collapsed to a yes/no; anything but an explicit
// allow counts as blocked.
func (e *Engine) Allowed(ctx context.Context, command, agent string, args map[string]any) (bool, error) {
	decision, err := e.Evaluate(ctx, map[string]any{
		"command": command,
		"agent":   agent,
		"args":    args,
	})
	if err != nil {
		return false, err
	}
	return decision == DecisionAllow, nil
}

// DefaultPolicy ships a conservative baseline: outbound requests must be
// plain http(s) and nothing may fetch link-local metadata endpoints.
const DefaultPolicy = `
package command_policy

default decision = "allow"

decision = "block" {
	input.command == "http_request"
	not valid_url
}

decision = "block" {
	input.command == "http_request"
	contains(input.args.url, "169.254.169.254")
}

valid_url {
	startswith(input.args.url, "http://")
}

valid_url {
	startswith(input.args.url, "https://")
}
`
