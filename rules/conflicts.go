package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medplan/rules/internal/metrics"
)

// openEndedWindow stands in for a missing expiration date when a concrete
// end is required on the wire.
var openEndedWindow = time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC)

// Detector finds contradictions between a candidate rule and the active set,
// and applies resolution strategies. Detection reads the engine's compiled
// snapshot and never mutates state; resolutions go through the versioning
// service so every change is recorded.
type Detector struct {
	engine     *Engine
	versioning *VersioningService
	log        *slog.Logger
	metrics    *metrics.Collector
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorLogger sets the detector logger.
func WithDetectorLogger(log *slog.Logger) DetectorOption {
	return func(d *Detector) { d.log = log }
}

// WithDetectorMetrics sets the detector metrics collector.
func WithDetectorMetrics(m *metrics.Collector) DetectorOption {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector creates a conflict detector over the engine's active set.
func NewDetector(engine *Engine, versioning *VersioningService, opts ...DetectorOption) *Detector {
	d := &Detector{
		engine:     engine,
		versioning: versioning,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectConflicts checks the candidate pairwise against every active rule of
// the same type with overlapping contexts. Rules whose effective windows do
// not intersect are never compared further: disjoint windows cannot
// conflict. At most one conflict is reported per rule pair, the strongest
// applicable kind.
func (d *Detector) DetectConflicts(candidate *Rule) ([]Conflict, error) {
	snap, err := d.engine.Snapshot()
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for _, existing := range snap.Rules() {
		if existing.ID == candidate.ID {
			continue
		}
		if existing.Type != candidate.Type {
			continue
		}
		if !contextsOverlap(candidate.Contexts, existing.Contexts) {
			continue
		}
		if !OverlapsWindow(candidate.EffectiveDate, candidate.ExpirationDate,
			existing.EffectiveDate, existing.ExpirationDate) {
			continue
		}

		if c := d.comparePair(candidate, existing); c != nil {
			conflicts = append(conflicts, *c)
			d.metrics.RecordConflicts(string(c.Type), 1)
		}
	}

	// Stable output order regardless of snapshot composition.
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Severity.Rank() != conflicts[j].Severity.Rank() {
			return conflicts[i].Severity.Rank() > conflicts[j].Severity.Rank()
		}
		return conflicts[i].ID < conflicts[j].ID
	})
	return conflicts, nil
}

// comparePair returns the strongest conflict between two window-overlapping
// rules, or nil when they coexist.
func (d *Detector) comparePair(candidate, existing *Rule) *Conflict {
	start, end := windowIntersection(candidate, existing)

	if target, contradictory := contradictoryActions(candidate.Actions, existing.Actions); contradictory {
		return &Conflict{
			ID:      uuid.NewString(),
			RuleIDs: []string{candidate.ID, existing.ID},
			Type:    ConflictPriorityCollision,
			Severity: func() Severity {
				if candidate.Priority == existing.Priority {
					return SeverityBloquant
				}
				return SeverityAvertissement
			}(),
			Description: fmt.Sprintf("rules %q and %q take mutually exclusive actions on %q",
				candidate.Name, existing.Name, target),
			StartDate:   start,
			EndDate:     end,
			CanOverride: candidate.Priority != existing.Priority,
		}
	}

	if target, collision := priorityCollision(candidate, existing); collision {
		return &Conflict{
			ID:       uuid.NewString(),
			RuleIDs:  []string{candidate.ID, existing.ID},
			Type:     ConflictPriorityCollision,
			Severity: SeverityAvertissement,
			Description: fmt.Sprintf("rules %q and %q share priority %d but set different values on %q",
				candidate.Name, existing.Name, candidate.Priority, target),
			StartDate:   start,
			EndDate:     end,
			CanOverride: true,
		}
	}

	if conditionsOverlap(candidate.Conditions, existing.Conditions) {
		return &Conflict{
			ID:       uuid.NewString(),
			RuleIDs:  []string{candidate.ID, existing.ID},
			Type:     ConflictTemporalOverlap,
			Severity: SeverityInformation,
			Description: fmt.Sprintf("rules %q and %q can both fire over the same period",
				candidate.Name, existing.Name),
			StartDate:   start,
			EndDate:     end,
			CanOverride: true,
		}
	}

	return nil
}

func windowIntersection(a, b *Rule) (time.Time, time.Time) {
	start := a.EffectiveDate
	if b.EffectiveDate.After(start) {
		start = b.EffectiveDate
	}
	end := openEndedWindow
	if a.ExpirationDate != nil {
		end = *a.ExpirationDate
	}
	if b.ExpirationDate != nil && b.ExpirationDate.Before(end) {
		end = *b.ExpirationDate
	}
	return start, end
}

// contextsOverlap treats an empty context set as global scope.
func contextsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, ca := range a {
		for _, cb := range b {
			if ca == cb {
				return true
			}
		}
	}
	return false
}

// contradictoryActions reports whether the two action sets take mutually
// exclusive actions on the same target.
func contradictoryActions(a, b []Action) (string, bool) {
	for _, aa := range a {
		for _, ba := range b {
			if aa.Target != ba.Target || aa.Target == "" {
				continue
			}
			if mutuallyExclusive(aa.Type, ba.Type) {
				return aa.Target, true
			}
		}
	}
	return "", false
}

func mutuallyExclusive(a, b ActionType) bool {
	switch {
	case a == ActionAutoApprove && b == ActionAutoReject,
		a == ActionAutoReject && b == ActionAutoApprove,
		a == ActionAutoApprove && b == ActionBlock,
		a == ActionBlock && b == ActionAutoApprove:
		return true
	}
	return false
}

// priorityCollision reports same numeric priority targeting the same action
// target with different values.
func priorityCollision(a, b *Rule) (string, bool) {
	if a.Priority != b.Priority {
		return "", false
	}
	for _, aa := range a.Actions {
		for _, ba := range b.Actions {
			if aa.Target != ba.Target || aa.Target == "" {
				continue
			}
			if aa.Type == ba.Type && !looseEqual(aa.Value, ba.Value) {
				return aa.Target, true
			}
		}
	}
	return "", false
}

// conditionsOverlap is a conservative leaf-level overlap check: it collects
// the comparison leaves of both trees and looks for field pairs whose value
// ranges can intersect. Unknown combinations are assumed to overlap.
func conditionsOverlap(a, b *ConditionNode) bool {
	if a == nil || b == nil {
		// A rule without conditions fires unconditionally within its window.
		return true
	}
	leavesA := collectLeaves(a)
	leavesB := collectLeaves(b)
	if len(leavesA) == 0 || len(leavesB) == 0 {
		return true
	}

	sharedField := false
	for _, la := range leavesA {
		for _, lb := range leavesB {
			if la.Field != lb.Field {
				continue
			}
			sharedField = true
			if leavesCanOverlap(la, lb) {
				return true
			}
		}
	}
	// No shared fields means the trees constrain different dimensions and
	// can both hold at once.
	return !sharedField
}

func collectLeaves(node *ConditionNode) []*ConditionNode {
	if node == nil {
		return nil
	}
	switch node.Kind() {
	case KindComparison:
		return []*ConditionNode{node}
	case KindGroup:
		var out []*ConditionNode
		for _, child := range node.Children {
			out = append(out, collectLeaves(child)...)
		}
		return out
	}
	return nil
}

func leavesCanOverlap(a, b *ConditionNode) bool {
	if a.Operator == OpEquals && b.Operator == OpEquals {
		return looseEqual(a.Value, b.Value)
	}
	if a.Operator == OpEquals && b.Operator == OpNotEquals {
		return !looseEqual(a.Value, b.Value)
	}
	if a.Operator == OpNotEquals && b.Operator == OpEquals {
		return !looseEqual(a.Value, b.Value)
	}
	if a.Operator == OpIn && b.Operator == OpEquals {
		if list, ok := asSlice(a.Value); ok {
			for _, item := range list {
				if looseEqual(item, b.Value) {
					return true
				}
			}
			return false
		}
	}
	if a.Operator == OpEquals && b.Operator == OpIn {
		return leavesCanOverlap(b, a)
	}
	// Range operators and everything else: assume the ranges can intersect.
	return true
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	ID         string    `json:"id"`
	ConflictID string    `json:"conflictId"`
	Strategy   string    `json:"strategy"`
	Resolved   []RuleRef `json:"resolvedRules"`
	Pending    bool      `json:"pending"`
	Notes      string    `json:"notes,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Resolution strategies accepted by ResolveConflict.
const (
	StrategyPriority = "priority"
	StrategyMerge    = "merge"
	StrategyOverride = "override"
	StrategyManual   = "manual"
)

// ResolveConflict applies the chosen strategy to a rule-vs-rule conflict.
// priority disables the lower-priority rule; merge replaces both rules with
// one whose actions are de-duplicated by type and target; override replaces
// both with the caller-supplied rule; manual performs no change and returns
// a pending record for a human to act on.
func (d *Detector) ResolveConflict(conflict *Conflict, strategy string, input *Rule, actorID string) (*Resolution, error) {
	res := &Resolution{
		ID:         uuid.NewString(),
		ConflictID: conflict.ID,
		Strategy:   strategy,
		ResolvedAt: time.Now(),
	}

	switch strategy {
	case StrategyManual:
		res.Pending = true
		res.Notes = "flagged for manual resolution"
		return res, nil

	case StrategyPriority:
		winner, loser, err := d.loadPair(conflict)
		if err != nil {
			return nil, err
		}
		disabled := loser.Clone()
		disabled.Enabled = false
		if _, err := d.versioning.UpdateRule(disabled, loser.Version, actorID,
			fmt.Sprintf("disabled by priority resolution of conflict %s", conflict.ID)); err != nil {
			return nil, err
		}
		res.Resolved = []RuleRef{{ID: winner.ID, Name: winner.Name}}
		res.Notes = fmt.Sprintf("rule %q (priority %d) wins; %q disabled", winner.Name, winner.Priority, loser.Name)
		return res, nil

	case StrategyMerge:
		winner, loser, err := d.loadPair(conflict)
		if err != nil {
			return nil, err
		}
		merged := winner.Clone()
		merged.ID = uuid.NewString()
		merged.Name = winner.Name + " + " + loser.Name
		merged.Description = fmt.Sprintf("merged from %q and %q", winner.Name, loser.Name)
		merged.Actions = mergeActions(winner.Actions, loser.Actions)
		merged.Version = 0
		if _, err := d.versioning.CreateRule(merged, actorID,
			fmt.Sprintf("merged resolution of conflict %s", conflict.ID)); err != nil {
			return nil, err
		}
		for _, old := range []*Rule{winner, loser} {
			if _, err := d.versioning.ArchiveRule(old.ID, actorID); err != nil {
				return nil, err
			}
		}
		res.Resolved = []RuleRef{{ID: merged.ID, Name: merged.Name}}
		return res, nil

	case StrategyOverride:
		if input == nil {
			return nil, fmt.Errorf("override resolution requires a replacement rule")
		}
		winner, loser, err := d.loadPair(conflict)
		if err != nil {
			return nil, err
		}
		replacement := input.Clone()
		if replacement.ID == "" {
			replacement.ID = uuid.NewString()
		}
		replacement.Version = 0
		if _, err := d.versioning.CreateRule(replacement, actorID,
			fmt.Sprintf("override resolution of conflict %s", conflict.ID)); err != nil {
			return nil, err
		}
		for _, old := range []*Rule{winner, loser} {
			if _, err := d.versioning.ArchiveRule(old.ID, actorID); err != nil {
				return nil, err
			}
		}
		res.Resolved = []RuleRef{{ID: replacement.ID, Name: replacement.Name}}
		return res, nil

	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// loadPair returns the conflict's two rules ordered winner (higher priority)
// first. Equal priorities fall back to rule ID order for determinism.
func (d *Detector) loadPair(conflict *Conflict) (winner, loser *Rule, err error) {
	if len(conflict.RuleIDs) < 2 {
		return nil, nil, fmt.Errorf("conflict %s does not reference two rules", conflict.ID)
	}
	a, err := d.versioning.store.FindByID(conflict.RuleIDs[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := d.versioning.store.FindByID(conflict.RuleIDs[1])
	if err != nil {
		return nil, nil, err
	}
	if a.Priority > b.Priority || (a.Priority == b.Priority && a.ID < b.ID) {
		return a, b, nil
	}
	return b, a, nil
}

// mergeActions concatenates both action lists, de-duplicating by type and
// target. On duplicate MODIFY-style values the first occurrence wins.
func mergeActions(a, b []Action) []Action {
	merged := append([]Action(nil), a...)
	for _, action := range b {
		exists := false
		for _, have := range merged {
			if have.Type == action.Type && have.Target == action.Target {
				exists = true
				break
			}
		}
		if !exists {
			merged = append(merged, action)
		}
	}
	return merged
}
