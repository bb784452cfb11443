package rules

import (
	"testing"
	"time"
)

func validRule() *Rule {
	return &Rule{
		ID:       "rule-1",
		Name:     "MAR minimum coverage",
		Type:     TypePlanning,
		Priority: 50,
		Enabled:  true,
		Status:   StatusActive,
		Conditions: &ConditionNode{
			Field:    "team.absentCount",
			Operator: OpGT,
			Value:    2,
		},
		Actions: []Action{
			{Type: ActionBlock, Target: "leave-approval", Message: "too many absences"},
		},
		EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRuleValidate(t *testing.T) {
	if err := validRule().Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
}

func TestRuleValidateCollectsFieldErrors(t *testing.T) {
	r := validRule()
	r.Name = ""
	r.Type = "BOGUS"
	r.Priority = 200

	err := r.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Fields) != 3 {
		t.Errorf("expected 3 field errors, got %d: %v", len(ve.Fields), ve.Fields)
	}
}

func TestRuleValidateDraftMayBeIncomplete(t *testing.T) {
	r := validRule()
	r.Status = StatusDraft
	r.Conditions = nil
	r.Actions = nil

	if err := r.Validate(); err != nil {
		t.Fatalf("draft without conditions/actions rejected: %v", err)
	}

	r.Status = StatusActive
	if err := r.Validate(); err == nil {
		t.Fatal("active rule without conditions/actions accepted")
	}
}

func TestRuleValidateExpirationBeforeEffective(t *testing.T) {
	r := validRule()
	exp := r.EffectiveDate.AddDate(0, 0, -1)
	r.ExpirationDate = &exp

	if err := r.Validate(); err == nil {
		t.Fatal("expiration before effective date accepted")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RuleStatus
		want     bool
	}{
		{StatusDraft, StatusPendingApproval, true},
		{StatusDraft, StatusActive, false},
		{StatusPendingApproval, StatusActive, true},
		{StatusPendingApproval, StatusDraft, true},
		{StatusActive, StatusArchived, true},
		{StatusActive, StatusDraft, false},
		{StatusArchived, StatusDraft, true},
		{StatusArchived, StatusActive, false},
		{StatusActive, StatusActive, true},
	}

	for _, tt := range tests {
		r := &Rule{Status: tt.from}
		if got := r.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestConditionNodeKind(t *testing.T) {
	tests := []struct {
		name string
		node *ConditionNode
		want ConditionKind
	}{
		{"comparison", &ConditionNode{Field: "user.role", Operator: OpEquals, Value: "MAR"}, KindComparison},
		{"expression", &ConditionNode{Expression: "user.seniority > 5"}, KindExpression},
		{"group", &ConditionNode{Op: LogicAnd, Children: []*ConditionNode{{Field: "a", Operator: OpEquals}}}, KindGroup},
		{"mixed field and expression", &ConditionNode{Field: "a", Expression: "true"}, KindInvalid},
		{"mixed group and field", &ConditionNode{Op: LogicOr, Field: "a", Children: []*ConditionNode{{Field: "b", Operator: OpEquals}}}, KindInvalid},
		{"empty", &ConditionNode{}, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.node.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionValidateDepthLimit(t *testing.T) {
	leaf := &ConditionNode{Field: "x", Operator: OpEquals, Value: 1}
	node := leaf
	for i := 0; i < maxConditionDepth+1; i++ {
		node = &ConditionNode{Op: LogicAnd, Children: []*ConditionNode{node}}
	}
	if err := node.Validate(); err == nil {
		t.Fatal("over-deep condition tree accepted")
	}
}

func TestOverlapsWindow(t *testing.T) {
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jan31 := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	feb15 := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	mar1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if !OverlapsWindow(jan1, &jan31, jan31.AddDate(0, 0, -16), &feb15) {
		t.Error("overlapping windows reported disjoint")
	}
	if OverlapsWindow(jan1, &jan31, feb15, &mar1) {
		t.Error("disjoint windows reported overlapping")
	}
	if !OverlapsWindow(jan1, nil, feb15, &mar1) {
		t.Error("open-ended window should overlap any later window")
	}
	if OverlapsWindow(feb15, &mar1, mar1.AddDate(0, 0, 1), nil) {
		t.Error("open-ended window starting after the other ends should not overlap")
	}
}

func TestRuleCloneIsDeep(t *testing.T) {
	r := validRule()
	r.Tags = []string{"coverage"}
	r.Actions[0].Metadata = map[string]string{"k": "v"}

	cp := r.Clone()
	cp.Conditions.Field = "changed"
	cp.Actions[0].Metadata["k"] = "changed"
	cp.Tags[0] = "changed"

	if r.Conditions.Field == "changed" {
		t.Error("clone shares condition tree")
	}
	if r.Actions[0].Metadata["k"] == "changed" {
		t.Error("clone shares action metadata")
	}
	if r.Tags[0] == "changed" {
		t.Error("clone shares tags slice")
	}
}
