package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds expression evaluation to prevent runaway expressions.
const celCostLimit = 1_000_000

// DefaultEnv builds the CEL environment used for expression condition leaves.
// The top-level objects an evaluation context may carry are declared as
// dynamic types; hosts with a richer schema can supply their own environment
// through NewEngineWithEnv.
func DefaultEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("user", cel.DynType),
		cel.Variable("leave", cel.DynType),
		cel.Variable("planning", cel.DynType),
		cel.Variable("resource", cel.DynType),
		cel.Variable("team", cel.DynType),
		cel.Variable("date", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
}

// compiledRule pairs a rule with the CEL programs compiled for its
// expression condition leaves, keyed by node pointer within the cloned tree.
type compiledRule struct {
	rule     *Rule
	programs map[*ConditionNode]cel.Program
}

// Snapshot is an immutable compiled view of the active rule set. Readers
// share snapshots freely; writers publish a replacement and atomically swap
// the pointer, so in-flight evaluations never see a half-updated set.
type Snapshot struct {
	rules   []*compiledRule
	builtAt time.Time
}

// Rules returns the snapshot's rules in evaluation order: priority
// descending, then ID ascending. The tie-break keeps equal-priority rules in
// a stable order independent of map iteration.
func (s *Snapshot) Rules() []*Rule {
	out := make([]*Rule, len(s.rules))
	for i, cr := range s.rules {
		out[i] = cr.rule
	}
	return out
}

// Len returns the number of compiled rules in the snapshot.
func (s *Snapshot) Len() int { return len(s.rules) }

// BuiltAt returns when the snapshot was compiled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// buildSnapshot compiles the given rules into an immutable snapshot. A rule
// whose expression fails to compile is excluded and reported in skipped;
// one malformed rule never fails the whole build.
func buildSnapshot(env *cel.Env, rules []*Rule) (*Snapshot, []error) {
	var skipped []error

	compiled := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		cp := r.Clone()
		cr := &compiledRule{rule: cp, programs: map[*ConditionNode]cel.Program{}}
		if err := compileExpressions(env, cp.Conditions, cr.programs); err != nil {
			skipped = append(skipped, fmt.Errorf("rule %s excluded from snapshot: %w", r.ID, err))
			continue
		}
		compiled = append(compiled, cr)
	}

	sort.Slice(compiled, func(i, j int) bool {
		a, b := compiled[i].rule, compiled[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	return &Snapshot{rules: compiled, builtAt: time.Now()}, skipped
}

// compileExpressions walks the condition tree and compiles every expression
// leaf into a CEL program.
func compileExpressions(env *cel.Env, node *ConditionNode, programs map[*ConditionNode]cel.Program) error {
	if node == nil {
		return nil
	}
	switch node.Kind() {
	case KindExpression:
		ast, issues := env.Compile(node.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("compile error: %w", issues.Err())
		}
		prog, err := env.Program(ast, cel.CostLimit(celCostLimit))
		if err != nil {
			return fmt.Errorf("program creation error: %w", err)
		}
		programs[node] = prog
	case KindGroup:
		for _, child := range node.Children {
			if err := compileExpressions(env, child, programs); err != nil {
				return err
			}
		}
	}
	return nil
}
