package rules

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/medplan/rules/internal/logger"
	"github.com/medplan/rules/internal/metrics"
)

// Engine evaluates contexts against the compiled active rule set. Evaluation
// is a pure function of (snapshot, context) and is safe to run concurrently;
// mutations publish a fresh snapshot through Invalidate.
type Engine struct {
	env     *cel.Env
	store   Store
	log     *slog.Logger
	metrics *metrics.Collector
	nowFn   func() time.Time

	snap    atomic.Pointer[Snapshot]
	buildMu sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(en *Engine) { en.log = log }
}

// WithMetrics sets the engine's metrics collector.
func WithMetrics(m *metrics.Collector) EngineOption {
	return func(en *Engine) { en.metrics = m }
}

// WithClock overrides the engine's time source. Used by tests and the
// simulator to evaluate date-validity at arbitrary instants.
func WithClock(now func() time.Time) EngineOption {
	return func(en *Engine) { en.nowFn = now }
}

// NewEngine creates an engine with the default CEL environment and compiles
// the current active rule set.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	env, err := DefaultEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return NewEngineWithEnv(env, store, opts...)
}

// NewEngineWithEnv creates an engine with a custom CEL environment. This
// lets hosts declare schema-specific context variables for expressions.
func NewEngineWithEnv(env *cel.Env, store Store, opts ...EngineOption) (*Engine, error) {
	en := &Engine{
		env:   env,
		store: store,
		log:   slog.Default(),
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(en)
	}

	if _, err := en.Snapshot(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return en, nil
}

// Snapshot returns the current compiled rule set, rebuilding it from the
// store when a mutation has invalidated the previous one.
func (en *Engine) Snapshot() (*Snapshot, error) {
	if s := en.snap.Load(); s != nil {
		return s, nil
	}

	en.buildMu.Lock()
	defer en.buildMu.Unlock()

	// Another evaluation may have rebuilt while we waited for the lock.
	if s := en.snap.Load(); s != nil {
		return s, nil
	}

	active, err := en.store.FindMany(Filter{Status: StatusActive})
	if err != nil {
		return nil, &PersistenceError{Op: "findMany", Err: err}
	}

	enabled := active[:0]
	for _, r := range active {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	snap, skipped := buildSnapshot(en.env, enabled)
	for _, serr := range skipped {
		logger.SkippedRules.Add(1)
		en.log.Warn("rule excluded from compiled set", "error", serr)
	}

	en.snap.Store(snap)
	return snap, nil
}

// Invalidate drops the compiled snapshot. The next evaluation recompiles
// from the store. Called by the versioning service after every mutation.
// Taking buildMu orders the drop after any in-flight rebuild: a rebuild that
// read the store before the mutation publishes first and is then dropped
// here, so the invalidation is never lost.
func (en *Engine) Invalidate() {
	en.buildMu.Lock()
	en.snap.Store(nil)
	en.buildMu.Unlock()
}

// SkippedRule records a rule that failed to evaluate and was passed over.
type SkippedRule struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

// EvaluationResult is the outcome of evaluating a context against the
// active rule set.
type EvaluationResult struct {
	TriggeredActions []Action      `json:"triggeredActions"`
	TriggeredRules   []RuleRef     `json:"triggeredRules"`
	ViolatedRules    []RuleRef     `json:"violatedRules"`
	Skipped          []SkippedRule `json:"skipped,omitempty"`
	EvaluatedAt      time.Time     `json:"evaluatedAt"`
}

// Evaluate runs every enabled, active, date-valid rule against the context
// in descending priority order (ties broken by rule ID). A rule whose
// condition tree fails at runtime is skipped and logged; partial results are
// always returned.
func (en *Engine) Evaluate(evalCtx map[string]any) (*EvaluationResult, error) {
	snap, err := en.Snapshot()
	if err != nil {
		return nil, err
	}
	return en.evaluateSnapshot(snap, evalCtx, en.nowFn())
}

// evaluateSnapshot is the pure core shared with the simulator.
func (en *Engine) evaluateSnapshot(snap *Snapshot, evalCtx map[string]any, now time.Time) (*EvaluationResult, error) {
	start := time.Now()
	result := &EvaluationResult{
		TriggeredActions: []Action{},
		TriggeredRules:   []RuleRef{},
		ViolatedRules:    []RuleRef{},
		EvaluatedAt:      now,
	}

	for _, cr := range snap.rules {
		rule := cr.rule
		if !rule.ActiveWindow(now) {
			continue
		}
		if !ruleAppliesToContext(rule, evalCtx) {
			continue
		}

		matched, err := en.evalNode(cr, rule.Conditions, evalCtx)
		if err != nil {
			eerr := &EvaluationError{RuleID: rule.ID, Err: err}
			logger.EvaluationErrors.Add(1)
			logger.SkippedRules.Add(1)
			en.log.Warn("rule skipped during evaluation", "ruleId", rule.ID, "error", err)
			result.Skipped = append(result.Skipped, SkippedRule{RuleID: rule.ID, Reason: eerr.Error()})
			continue
		}
		if !matched {
			continue
		}

		ref := RuleRef{ID: rule.ID, Name: rule.Name}
		result.TriggeredRules = append(result.TriggeredRules, ref)
		result.TriggeredActions = append(result.TriggeredActions, rule.Actions...)
		for _, a := range rule.Actions {
			if a.Type == ActionBlock {
				result.ViolatedRules = append(result.ViolatedRules, ref)
				break
			}
		}
	}

	en.metrics.RecordEvaluation(time.Since(start), len(result.TriggeredRules), len(result.Skipped))
	return result, nil
}

// ruleAppliesToContext checks the rule's context scoping against the
// evaluation context's "context" key, when both are present.
func ruleAppliesToContext(rule *Rule, evalCtx map[string]any) bool {
	if len(rule.Contexts) == 0 {
		return true
	}
	name, ok := evalCtx["context"].(string)
	if !ok {
		return false
	}
	for _, c := range rule.Contexts {
		if c == name {
			return true
		}
	}
	return false
}

// evalNode evaluates one node of the condition tree. A nil tree matches
// everything (the rule fires unconditionally within its window).
func (en *Engine) evalNode(cr *compiledRule, node *ConditionNode, evalCtx map[string]any) (bool, error) {
	if node == nil {
		return true, nil
	}

	switch node.Kind() {
	case KindComparison:
		return evalComparison(node, evalCtx)

	case KindExpression:
		prog, ok := cr.programs[node]
		if !ok {
			return false, fmt.Errorf("expression %q is not compiled", node.Expression)
		}
		out, _, err := prog.Eval(evalCtx)
		if err != nil {
			return false, fmt.Errorf("expression eval: %w", err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			// Non-boolean expressions are treated as not matched.
			return false, nil
		}
		return matched, nil

	case KindGroup:
		switch node.Op {
		case LogicAnd:
			for _, child := range node.Children {
				ok, err := en.evalNode(cr, child, evalCtx)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		case LogicOr:
			for _, child := range node.Children {
				ok, err := en.evalNode(cr, child, evalCtx)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("unknown logical operator %q", node.Op)

	default:
		return false, fmt.Errorf("malformed condition node")
	}
}

// evalComparison applies the leaf operator to the context value at the
// dotted field path.
func evalComparison(node *ConditionNode, evalCtx map[string]any) (bool, error) {
	fieldValue, found := lookupPath(evalCtx, node.Field)
	if !found {
		return false, fmt.Errorf("unknown field %q", node.Field)
	}

	switch node.Operator {
	case OpEquals:
		return looseEqual(fieldValue, node.Value), nil
	case OpNotEquals:
		return !looseEqual(fieldValue, node.Value), nil
	case OpGT, OpLT, OpGTE, OpLTE:
		cmp, err := compareOrdered(fieldValue, node.Value)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", node.Field, err)
		}
		switch node.Operator {
		case OpGT:
			return cmp > 0, nil
		case OpLT:
			return cmp < 0, nil
		case OpGTE:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		list, ok := asSlice(node.Value)
		if !ok {
			return false, fmt.Errorf("field %q: IN requires a list value", node.Field)
		}
		for _, item := range list {
			if looseEqual(fieldValue, item) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if s, ok := fieldValue.(string); ok {
			return strings.Contains(s, fmt.Sprint(node.Value)), nil
		}
		if list, ok := asSlice(fieldValue); ok {
			for _, item := range list {
				if looseEqual(item, node.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("field %q: CONTAINS requires a string or list", node.Field)
	default:
		return false, fmt.Errorf("unknown operator %q", node.Operator)
	}
}

// lookupPath resolves a dotted field path (e.g. user.profile.role) against
// nested map values.
func lookupPath(evalCtx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = evalCtx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares values with numeric coercion so that JSON-decoded
// float64 context values match integer rule values.
func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered returns -1, 0, or 1 for ordered values (numbers, strings,
// times), or an error on a type mismatch.
func compareOrdered(a, b any) (int, error) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare time with %T", b)
		}
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("values of type %T are not ordered", a)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}
