package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/medplan/rules/internal/metrics"
)

// ContextSource supplies an evaluation context for each simulated day.
type ContextSource interface {
	ContextFor(day time.Time) map[string]any
}

// ContextSourceFunc adapts a function to the ContextSource interface.
type ContextSourceFunc func(day time.Time) map[string]any

func (f ContextSourceFunc) ContextFor(day time.Time) map[string]any { return f(day) }

// SyntheticSource generates a deterministic context stream for offline
// simulation. The same day always yields the same context, so simulation
// results are reproducible across runs.
type SyntheticSource struct {
	// Context name attached to every generated day, e.g. "bloc-A".
	Context string
}

var syntheticRoles = []string{"MAR", "IADE", "CHIRURGIEN", "CADRE"}

// ContextFor derives users, leaves, and planning facts from the date alone.
func (s SyntheticSource) ContextFor(day time.Time) map[string]any {
	yd := day.YearDay()
	ctx := map[string]any{
		"date": day.Format(time.RFC3339),
		"user": map[string]any{
			"id":        fmt.Sprintf("user-%02d", yd%7),
			"role":      syntheticRoles[yd%len(syntheticRoles)],
			"seniority": float64(yd % 20),
		},
		"leave": map[string]any{
			"durationDays": float64(1 + yd%10),
			"type":         []string{"CP", "RTT", "FORMATION"}[yd%3],
		},
		"team": map[string]any{
			"absentCount": float64(yd % 4),
			"size":        float64(12),
		},
		"planning": map[string]any{
			"openRooms": float64(4 + yd%3),
		},
	}
	if s.Context != "" {
		ctx["context"] = s.Context
	}
	return ctx
}

// Report aggregates one rule's behavior across a simulated period.
type Report struct {
	RuleID  string        `json:"ruleId"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Score   float64       `json:"score"`
	Metrics ReportMetrics `json:"metrics"`

	// ViolatedRulesCount is the number of days the rule's BLOCK actions fired.
	ViolatedRulesCount int `json:"violatedRulesCount"`
}

// ReportMetrics are the per-day counters behind a report's score.
type ReportMetrics struct {
	DaysEvaluated  int            `json:"daysEvaluated"`
	TriggeredCount int            `json:"triggeredCount"`
	BlockedCount   int            `json:"blockedCount"`
	ActionCounts   map[string]int `json:"actionCounts"`
}

// Comparison is the outcome of running two candidate rules over the same
// period and context stream.
type Comparison struct {
	A *Report `json:"a"`
	B *Report `json:"b"`

	// DivergenceDates lists the days on which the two rules disagreed on
	// whether to trigger.
	DivergenceDates []time.Time `json:"divergenceDates"`
	ScoreDelta      float64     `json:"scoreDelta"`
}

// Simulator runs candidate rules against historical or synthetic context
// streams without touching live state. Each run compiles the candidate into
// a private snapshot; the live engine, the store, and the event bus are
// never written to.
type Simulator struct {
	env     *cel.Env
	log     *slog.Logger
	metrics *metrics.Collector
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSimulatorLogger sets the simulator logger.
func WithSimulatorLogger(log *slog.Logger) SimulatorOption {
	return func(s *Simulator) { s.log = log }
}

// WithSimulatorMetrics sets the simulator metrics collector.
func WithSimulatorMetrics(m *metrics.Collector) SimulatorOption {
	return func(s *Simulator) { s.metrics = m }
}

// NewSimulator creates a simulator with the default CEL environment.
func NewSimulator(opts ...SimulatorOption) (*Simulator, error) {
	env, err := DefaultEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	s := &Simulator{env: env, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SimulateRule evaluates the candidate once per day over [start, end],
// inclusive, against the contexts the source supplies. Cancellation is
// honored between days; a canceled run returns ctx.Err() and no report.
func (s *Simulator) SimulateRule(ctx context.Context, rule *Rule, start, end time.Time, source ContextSource) (*Report, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("simulation end %s precedes start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	if source == nil {
		source = SyntheticSource{}
	}

	snap, eng, err := s.compile(rule)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RuleID: rule.ID,
		Start:  start,
		End:    end,
		Metrics: ReportMetrics{
			ActionCounts: map[string]int{},
		},
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := eng.evaluateSnapshot(snap, source.ContextFor(day), day)
		if err != nil {
			return nil, err
		}
		report.Metrics.DaysEvaluated++

		if len(result.TriggeredRules) > 0 {
			report.Metrics.TriggeredCount++
		}
		if len(result.ViolatedRules) > 0 {
			report.Metrics.BlockedCount++
			report.ViolatedRulesCount++
		}
		for _, a := range result.TriggeredActions {
			report.Metrics.ActionCounts[string(a.Type)]++
		}
	}

	report.Score = score(report.Metrics)
	s.metrics.RecordSimulationDays(report.Metrics.DaysEvaluated)
	s.log.Debug("simulation complete",
		"ruleId", rule.ID,
		"days", report.Metrics.DaysEvaluated,
		"triggered", report.Metrics.TriggeredCount,
		"score", report.Score)
	return report, nil
}

// CompareRules simulates both candidates independently over the same period
// and source, and reports the days on which their trigger decisions diverged.
func (s *Simulator) CompareRules(ctx context.Context, a, b *Rule, start, end time.Time, source ContextSource) (*Comparison, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("simulation end %s precedes start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	if source == nil {
		source = SyntheticSource{}
	}

	snapA, engA, err := s.compile(a)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", a.ID, err)
	}
	snapB, engB, err := s.compile(b)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", b.ID, err)
	}

	cmp := &Comparison{
		A: &Report{RuleID: a.ID, Start: start, End: end, Metrics: ReportMetrics{ActionCounts: map[string]int{}}},
		B: &Report{RuleID: b.ID, Start: start, End: end, Metrics: ReportMetrics{ActionCounts: map[string]int{}}},
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		evalCtx := source.ContextFor(day)
		resA, err := engA.evaluateSnapshot(snapA, evalCtx, day)
		if err != nil {
			return nil, err
		}
		resB, err := engB.evaluateSnapshot(snapB, evalCtx, day)
		if err != nil {
			return nil, err
		}

		accumulate(&cmp.A.Metrics, cmp.A, resA)
		accumulate(&cmp.B.Metrics, cmp.B, resB)

		if (len(resA.TriggeredRules) > 0) != (len(resB.TriggeredRules) > 0) {
			cmp.DivergenceDates = append(cmp.DivergenceDates, day)
		}
	}

	cmp.A.Score = score(cmp.A.Metrics)
	cmp.B.Score = score(cmp.B.Metrics)
	cmp.ScoreDelta = cmp.B.Score - cmp.A.Score
	s.metrics.RecordSimulationDays(cmp.A.Metrics.DaysEvaluated + cmp.B.Metrics.DaysEvaluated)
	return cmp, nil
}

// compile builds a single-rule private snapshot and a throwaway engine shell
// around it. The engine carries no store: simulation is read-only.
func (s *Simulator) compile(rule *Rule) (*Snapshot, *Engine, error) {
	candidate := rule.Clone()
	candidate.Enabled = true

	snap, errs := buildSnapshot(s.env, []*Rule{candidate})
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("candidate rule failed to compile: %w", errs[0])
	}
	eng := &Engine{env: s.env, log: s.log, metrics: nil, nowFn: time.Now}
	return snap, eng, nil
}

func accumulate(m *ReportMetrics, r *Report, result *EvaluationResult) {
	m.DaysEvaluated++
	if len(result.TriggeredRules) > 0 {
		m.TriggeredCount++
	}
	if len(result.ViolatedRules) > 0 {
		m.BlockedCount++
		r.ViolatedRulesCount++
	}
	for _, a := range result.TriggeredActions {
		m.ActionCounts[string(a.Type)]++
	}
}

// score maps a report's counters to [0,1]: the trigger rate, penalized by
// the fraction of days the rule blocked.
func score(m ReportMetrics) float64 {
	if m.DaysEvaluated == 0 {
		return 0
	}
	triggerRate := float64(m.TriggeredCount) / float64(m.DaysEvaluated)
	blockRate := float64(m.BlockedCount) / float64(m.DaysEvaluated)
	return triggerRate * (1 - blockRate/2)
}
