package rules

import (
	"testing"
	"time"

	"github.com/medplan/rules/internal/eventbus"
)

func newTestDetector(t *testing.T) (*Detector, *VersioningService, Store) {
	t.Helper()
	store := NewMemoryStore()
	en, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	svc := NewVersioningService(store, eventbus.Discard{}, WithInvalidation(en.Invalidate))
	return NewDetector(en, svc), svc, store
}

func window(startDay, endDay int) (time.Time, *time.Time) {
	start := time.Date(2026, 1, startDay, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.Month(1+endDay/31), 1+endDay%31, 0, 0, 0, 0, time.UTC)
	return start, &end
}

func approveRule(id string, priority int, startDay, endDay int) *Rule {
	start, end := window(startDay, endDay)
	return &Rule{
		ID: id, Name: id, Type: TypeLeave, Priority: priority,
		Enabled: true, Status: StatusActive,
		Conditions:     &ConditionNode{Field: "leave.type", Operator: OpEquals, Value: "CP"},
		Actions:        []Action{{Type: ActionAutoApprove, Target: "X", Value: "APPROVE"}},
		EffectiveDate:  start,
		ExpirationDate: end,
		Version:        1,
	}
}

func rejectRule(id string, priority int, startDay, endDay int) *Rule {
	r := approveRule(id, priority, startDay, endDay)
	r.Actions = []Action{{Type: ActionAutoReject, Target: "X", Value: "REJECT"}}
	return r
}

func TestDetectConflictsContradictoryActions(t *testing.T) {
	det, svc, _ := newTestDetector(t)

	// R1 approves on X over Jan 1-31; R2 rejects on X over Jan 15-Feb 15.
	r1 := approveRule("R1", 10, 1, 30)
	if _, err := svc.CreateRule(r1, "tester", ""); err != nil {
		t.Fatalf("CreateRule(R1) failed: %v", err)
	}
	r2 := rejectRule("R2", 20, 15, 45)

	conflicts, err := det.DetectConflicts(r2)
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %d: %+v", len(conflicts), conflicts)
	}
	c := conflicts[0]
	if c.Type != ConflictPriorityCollision {
		t.Errorf("conflict type = %s, want PRIORITY_COLLISION", c.Type)
	}
	if !c.CanOverride {
		t.Error("different-priority contradiction should be overridable")
	}

	// Priority resolution keeps the higher-priority rule's action on X.
	if _, err := svc.CreateRule(r2, "tester", ""); err != nil {
		t.Fatalf("CreateRule(R2) failed: %v", err)
	}
	res, err := det.ResolveConflict(&c, StrategyPriority, nil, "tester")
	if err != nil {
		t.Fatalf("ResolveConflict(priority) failed: %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].ID != "R2" {
		t.Errorf("priority resolution winner = %v, want R2", res.Resolved)
	}
	loser, err := svc.GetRule("R1")
	if err != nil {
		t.Fatalf("GetRule(R1) failed: %v", err)
	}
	if loser.Enabled {
		t.Error("losing rule should be disabled")
	}
}

func TestDetectConflictsDisjointWindows(t *testing.T) {
	det, svc, _ := newTestDetector(t)

	r1 := approveRule("R1", 10, 1, 14) // Jan 1-15
	if _, err := svc.CreateRule(r1, "tester", ""); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	r2 := rejectRule("R2", 10, 40, 55) // Feb 10-25

	conflicts, err := det.DetectConflicts(r2)
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("disjoint windows produced %d conflicts: %+v", len(conflicts), conflicts)
	}
}

func TestDetectConflictsEqualPriorityContradictionIsBlocking(t *testing.T) {
	det, svc, _ := newTestDetector(t)

	if _, err := svc.CreateRule(approveRule("R1", 30, 1, 30), "tester", ""); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	conflicts, err := det.DetectConflicts(rejectRule("R2", 30, 1, 30))
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(conflicts))
	}
	if conflicts[0].Severity != SeverityBloquant || conflicts[0].CanOverride {
		t.Errorf("equal-priority contradiction should be BLOQUANT non-overridable, got %s/%v",
			conflicts[0].Severity, conflicts[0].CanOverride)
	}
}

func TestDetectConflictsDifferentTypesIgnored(t *testing.T) {
	det, svc, _ := newTestDetector(t)

	r1 := approveRule("R1", 10, 1, 30)
	r1.Type = TypePlanning
	if _, err := svc.CreateRule(r1, "tester", ""); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	conflicts, err := det.DetectConflicts(rejectRule("R2", 20, 1, 30))
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("rules of different types should not conflict, got %+v", conflicts)
	}
}

func TestDetectConflictsConditionOverlapOnly(t *testing.T) {
	det, svc, _ := newTestDetector(t)

	r1 := approveRule("R1", 10, 1, 30)
	r1.Actions = []Action{{Type: ActionNotify, Target: "cadre"}}
	if _, err := svc.CreateRule(r1, "tester", ""); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	r2 := approveRule("R2", 20, 15, 45)
	r2.Actions = []Action{{Type: ActionLog, Target: "audit"}}

	conflicts, err := det.DetectConflicts(r2)
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Type != ConflictTemporalOverlap {
		t.Fatalf("expected one TEMPORAL_OVERLAP, got %+v", conflicts)
	}
	if conflicts[0].Severity != SeverityInformation {
		t.Errorf("temporal overlap severity = %s, want INFORMATION", conflicts[0].Severity)
	}
}

func TestDetectConflictsDisjointConditionValues(t *testing.T) {
	det, svc, _ := newTestDetector(t)

	r1 := approveRule("R1", 10, 1, 30)
	r1.Actions = []Action{{Type: ActionNotify, Target: "cadre"}}
	if _, err := svc.CreateRule(r1, "tester", ""); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	// Same field, mutually exclusive EQUALS values: both can never fire on
	// the same context.
	r2 := approveRule("R2", 20, 1, 30)
	r2.Conditions = &ConditionNode{Field: "leave.type", Operator: OpEquals, Value: "RTT"}
	r2.Actions = []Action{{Type: ActionLog, Target: "audit"}}

	conflicts, err := det.DetectConflicts(r2)
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("mutually exclusive conditions produced conflicts: %+v", conflicts)
	}
}

func TestResolveConflictMergeDedupsActions(t *testing.T) {
	det, svc, _ := newTestDetector(t)

	r1 := approveRule("R1", 10, 1, 30)
	r1.Actions = append(r1.Actions, Action{Type: ActionNotify, Target: "cadre"})
	if _, err := svc.CreateRule(r1, "tester", ""); err != nil {
		t.Fatalf("CreateRule(R1) failed: %v", err)
	}
	r2 := approveRule("R2", 20, 15, 45)
	r2.Actions = append(r2.Actions, Action{Type: ActionNotify, Target: "cadre"})
	if _, err := svc.CreateRule(r2, "tester", ""); err != nil {
		t.Fatalf("CreateRule(R2) failed: %v", err)
	}

	conflict := &Conflict{
		ID:      "c-merge",
		RuleIDs: []string{"R1", "R2"},
		Type:    ConflictTemporalOverlap,
	}
	res, err := det.ResolveConflict(conflict, StrategyMerge, nil, "tester")
	if err != nil {
		t.Fatalf("ResolveConflict(merge) failed: %v", err)
	}
	if len(res.Resolved) != 1 {
		t.Fatalf("merge should produce one rule, got %v", res.Resolved)
	}

	merged, err := svc.GetRule(res.Resolved[0].ID)
	if err != nil {
		t.Fatalf("GetRule(merged) failed: %v", err)
	}
	// AUTO_APPROVE on X and NOTIFY cadre appear in both rules: dedup to 2.
	if len(merged.Actions) != 2 {
		t.Errorf("merged actions = %d, want 2: %+v", len(merged.Actions), merged.Actions)
	}

	for _, id := range []string{"R1", "R2"} {
		old, err := svc.GetRule(id)
		if err != nil {
			t.Fatalf("GetRule(%s) failed: %v", id, err)
		}
		if old.Status != StatusArchived {
			t.Errorf("%s should be archived after merge, is %s", id, old.Status)
		}
	}
}

func TestResolveConflictManualIsPending(t *testing.T) {
	det, svc, _ := newTestDetector(t)
	if _, err := svc.CreateRule(approveRule("R1", 10, 1, 30), "tester", ""); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	conflict := &Conflict{ID: "c-manual", RuleIDs: []string{"R1", "R2"}}
	res, err := det.ResolveConflict(conflict, StrategyManual, nil, "tester")
	if err != nil {
		t.Fatalf("ResolveConflict(manual) failed: %v", err)
	}
	if !res.Pending {
		t.Error("manual resolution should be pending")
	}

	// No mutation happened.
	r1, err := svc.GetRule("R1")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if r1.Version != 1 || !r1.Enabled {
		t.Errorf("manual resolution mutated R1: version=%d enabled=%v", r1.Version, r1.Enabled)
	}
}

func TestResolveConflictOverrideReplacesBoth(t *testing.T) {
	det, svc, _ := newTestDetector(t)
	if _, err := svc.CreateRule(approveRule("R1", 10, 1, 30), "tester", ""); err != nil {
		t.Fatalf("CreateRule(R1) failed: %v", err)
	}
	if _, err := svc.CreateRule(rejectRule("R2", 20, 1, 30), "tester", ""); err != nil {
		t.Fatalf("CreateRule(R2) failed: %v", err)
	}

	replacement := approveRule("R3", 50, 1, 30)
	conflict := &Conflict{ID: "c-override", RuleIDs: []string{"R1", "R2"}}

	res, err := det.ResolveConflict(conflict, StrategyOverride, replacement, "tester")
	if err != nil {
		t.Fatalf("ResolveConflict(override) failed: %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].ID != "R3" {
		t.Errorf("override result = %v, want R3", res.Resolved)
	}
	for _, id := range []string{"R1", "R2"} {
		old, _ := svc.GetRule(id)
		if old.Status != StatusArchived {
			t.Errorf("%s should be archived after override", id)
		}
	}
}

func TestResolveConflictUnknownStrategy(t *testing.T) {
	det, _, _ := newTestDetector(t)
	_, err := det.ResolveConflict(&Conflict{ID: "c"}, "coin-flip", nil, "tester")
	if err == nil {
		t.Fatal("unknown strategy accepted")
	}
}
