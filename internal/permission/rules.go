// Package permission evaluates CEL rules against incoming
// session/request_permission prompts so hosts can answer routine requests
// without a human in the loop. Rules only short-circuit the prompt; the
// wire behavior of the method is unchanged, and a prompt no rule matches
// falls through to the interactive prompter.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength caps rule expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// evalTimeout bounds a single rule evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked during evaluation.
const interruptCheckFreq = 100

// Action is what a matched rule does with the prompt.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Rule is one auto-decision rule. The expression sees the variables
// `method`, `tool_name`, `session_id` (strings) and `params` (map).
type Rule struct {
	Name       string
	Expression string
	Action     Action
}

// Input describes one permission prompt.
type Input struct {
	Method    string
	ToolName  string
	SessionID string
	Params    map[string]any
}

// Decision is the outcome of a matched rule.
type Decision struct {
	Rule   string
	Action Action
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Engine holds the compiled rule set. Rules are evaluated in declaration
// order; the first match wins.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles the rules. A rule that fails validation fails the
// whole constructor; silently skipping a deny rule would be worse than
// refusing to start.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	e := &Engine{}
	for _, r := range rules {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: compilation failed: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q: expression must evaluate to bool, got %s",
				r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.EvalOptions(cel.OptOptimize),
			cel.CostLimit(maxCostBudget),
			cel.InterruptCheckFrequency(interruptCheckFreq),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q: program creation failed: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{rule: r, prg: prg})
	}
	return e, nil
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func validate(r Rule) error {
	if r.Expression == "" {
		return errors.New("expression is empty")
	}
	if len(r.Expression) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)",
			len(r.Expression), maxExpressionLength)
	}
	switch r.Action {
	case Allow, Deny:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// Decide runs the rules against one prompt. The second return is false
// when no rule matched and the prompt should go to the interactive path.
// Evaluation errors skip the rule: a broken allow rule must not grant, and
// a broken deny rule falling through to a human is the safer failure.
func (e *Engine) Decide(in Input) (Decision, bool) {
	if e == nil || len(e.rules) == 0 {
		return Decision{}, false
	}

	activation := map[string]any{
		"method":     in.Method,
		"tool_name":  in.ToolName,
		"session_id": in.SessionID,
		"params":     nonNilParams(in.Params),
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	for _, cr := range e.rules {
		out, _, err := cr.prg.ContextEval(ctx, activation)
		if err != nil {
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		return Decision{Rule: cr.rule.Name, Action: cr.rule.Action}, true
	}
	return Decision{}, false
}

func nonNilParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}
