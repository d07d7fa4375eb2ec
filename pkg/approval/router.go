// Package approval implements the teleoperator-facing side of the outer
// loop: the prioritized approval queue and the escalation-to-channel router.
package approval

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// RouteRule is one configurable routing rule: a CEL expression over task
// attributes that, when true, sends the task's notifications to Channel.
// Rules are evaluated in order; the first match wins.
type RouteRule struct {
	Name    string `yaml:"name" json:"name"`
	Channel string `yaml:"channel" json:"channel"`
	Expr    string `yaml:"expr" json:"expr"`
}

type compiledRule struct {
	name    string
	channel string
	prg     cel.Program
}

// Router maps a task to a notification channel. Routing is configuration,
// not code: operators tune the rules without a deploy, and there is no
// hard-coded urgency cutoff.
type Router struct {
	mu             sync.RWMutex
	env            *cel.Env
	rules          []compiledRule
	defaultChannel string
	logger         *slog.Logger
}

// NewRouter initializes the CEL environment with the task attributes rules
// may reference.
func NewRouter(defaultChannel string, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("type", types.StringType),
			decls.NewVariable("priority", types.StringType),
			decls.NewVariable("escalation_reason", types.StringType),
			decls.NewVariable("effectful", types.BoolType),
			decls.NewVariable("converged", types.BoolType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Router{env: env, defaultChannel: defaultChannel, logger: logger}, nil
}

// Load compiles and installs a rule set, replacing the previous one.
func (r *Router) Load(rules []RouteRule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		ast, issues := r.env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %q: compilation failed: %w", rule.Name, issues.Err())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %q: program construction failed: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{name: rule.Name, channel: rule.Channel, prg: prg})
	}
	r.mu.Lock()
	r.rules = compiled
	r.mu.Unlock()
	return nil
}

// Route returns the channel for a task: the first rule that evaluates true,
// or the default channel. A rule that errors at evaluation is skipped, not
// fatal — routing must never block a queue insert.
func (r *Router) Route(t *contracts.Task) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	input := map[string]any{
		"type":              t.Type,
		"priority":          t.Priority.String(),
		"escalation_reason": string(t.EscalationReason),
		"effectful":         t.Effectful,
		"converged":         t.Converged,
	}
	for _, rule := range r.rules {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			r.logger.Warn("route rule evaluation failed", "rule", rule.name, "err", err)
			continue
		}
		if out == types.True {
			return rule.channel
		}
	}
	return r.defaultChannel
}

// DefaultChannel exposes the fallthrough channel.
func (r *Router) DefaultChannel() string {
	return r.defaultChannel
}
