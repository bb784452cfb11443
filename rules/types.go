package rules

import (
	"fmt"
	"strings"
	"time"
)

// RuleType classifies the scheduling policy a rule expresses.
type RuleType string

const (
	TypePlanning    RuleType = "PLANNING"
	TypeLeave       RuleType = "LEAVE"
	TypeConstraint  RuleType = "CONSTRAINT"
	TypeAllocation  RuleType = "ALLOCATION"
	TypeSupervision RuleType = "SUPERVISION"
)

// RuleStatus is the lifecycle state of a rule.
// Transitions are linear: draft -> pending_approval -> active -> archived.
type RuleStatus string

const (
	StatusDraft           RuleStatus = "draft"
	StatusPendingApproval RuleStatus = "pending_approval"
	StatusActive          RuleStatus = "active"
	StatusArchived        RuleStatus = "archived"
)

// Operator is a comparison applied by a condition leaf.
type Operator string

const (
	OpEquals    Operator = "EQUALS"
	OpNotEquals Operator = "NOT_EQUALS"
	OpGT        Operator = "GT"
	OpLT        Operator = "LT"
	OpGTE       Operator = "GTE"
	OpLTE       Operator = "LTE"
	OpIn        Operator = "IN"
	OpContains  Operator = "CONTAINS"
)

// LogicalOp combines the children of a condition group.
type LogicalOp string

const (
	LogicAnd LogicalOp = "AND"
	LogicOr  LogicalOp = "OR"
)

// ActionType is the effect a triggered rule produces.
type ActionType string

const (
	ActionLog         ActionType = "LOG"
	ActionAutoApprove ActionType = "AUTO_APPROVE"
	ActionAutoReject  ActionType = "AUTO_REJECT"
	ActionNotify      ActionType = "NOTIFY"
	ActionBlock       ActionType = "BLOCK"
)

// ConditionKind discriminates the condition tree union.
type ConditionKind int

const (
	KindInvalid ConditionKind = iota
	KindComparison
	KindExpression
	KindGroup
)

// maxConditionDepth bounds recursion when validating and evaluating trees.
const maxConditionDepth = 32

// ConditionNode is one node of a rule's condition tree. A node is exactly one
// of: a comparison leaf (Field/Operator/Value), a CEL expression leaf
// (Expression), or a group (Op/Children). Validate rejects mixed nodes.
type ConditionNode struct {
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`

	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	Op       LogicalOp        `json:"op,omitempty" yaml:"op,omitempty"`
	Children []*ConditionNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// Kind reports which variant of the union the node holds.
func (n *ConditionNode) Kind() ConditionKind {
	switch {
	case n == nil:
		return KindInvalid
	case len(n.Children) > 0 || n.Op != "":
		if n.Field != "" || n.Expression != "" {
			return KindInvalid
		}
		return KindGroup
	case n.Expression != "":
		if n.Field != "" || n.Operator != "" {
			return KindInvalid
		}
		return KindExpression
	case n.Field != "":
		return KindComparison
	default:
		return KindInvalid
	}
}

// Validate checks the node and its subtree for structural errors.
func (n *ConditionNode) Validate() error {
	return n.validate(0)
}

func (n *ConditionNode) validate(depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree exceeds maximum depth of %d", maxConditionDepth)
	}

	switch n.Kind() {
	case KindComparison:
		if !validOperator(n.Operator) {
			return fmt.Errorf("unknown operator %q on field %q", n.Operator, n.Field)
		}
		return nil
	case KindExpression:
		if strings.TrimSpace(n.Expression) == "" {
			return fmt.Errorf("expression condition is empty")
		}
		return nil
	case KindGroup:
		if n.Op != LogicAnd && n.Op != LogicOr {
			return fmt.Errorf("unknown logical operator %q", n.Op)
		}
		if len(n.Children) == 0 {
			return fmt.Errorf("condition group %s has no children", n.Op)
		}
		for i, child := range n.Children {
			if err := child.validate(depth + 1); err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("condition node is neither a comparison, an expression, nor a group")
	}
}

func validOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGT, OpLT, OpGTE, OpLTE, OpIn, OpContains:
		return true
	}
	return false
}

// Action is an effect appended to the evaluation result when a rule fires.
type Action struct {
	Type     ActionType        `json:"type" yaml:"type"`
	Target   string            `json:"target,omitempty" yaml:"target,omitempty"`
	Value    any               `json:"value,omitempty" yaml:"value,omitempty"`
	Message  string            `json:"message,omitempty" yaml:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func validActionType(t ActionType) bool {
	switch t {
	case ActionLog, ActionAutoApprove, ActionAutoReject, ActionNotify, ActionBlock:
		return true
	}
	return false
}

// Rule is a versioned, conditionally triggered unit of scheduling policy.
type Rule struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type           RuleType       `json:"type" yaml:"type"`
	Priority       int            `json:"priority" yaml:"priority"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	Status         RuleStatus     `json:"status" yaml:"status"`
	Conditions     *ConditionNode `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions        []Action       `json:"actions" yaml:"actions"`
	EffectiveDate  time.Time      `json:"effectiveDate" yaml:"effectiveDate"`
	ExpirationDate *time.Time     `json:"expirationDate,omitempty" yaml:"expirationDate,omitempty"`
	Tags           []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Contexts       []string       `json:"contexts,omitempty" yaml:"contexts,omitempty"`
	Version        int            `json:"version" yaml:"version"`
	CreatedAt      time.Time      `json:"createdAt" yaml:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt" yaml:"updatedAt"`
}

const maxNameLength = 200

// Validate checks the rule payload at the boundary. Field-level problems are
// reported through a ValidationError so callers can surface them individually.
func (r *Rule) Validate() error {
	ve := &ValidationError{}

	if strings.TrimSpace(r.Name) == "" {
		ve.Add("name", "name is required")
	} else if len(r.Name) > maxNameLength {
		ve.Add("name", fmt.Sprintf("name length %d exceeds maximum of %d characters", len(r.Name), maxNameLength))
	}

	switch r.Type {
	case TypePlanning, TypeLeave, TypeConstraint, TypeAllocation, TypeSupervision:
	default:
		ve.Add("type", fmt.Sprintf("unknown rule type %q", r.Type))
	}

	if r.Priority < 0 || r.Priority > 100 {
		ve.Add("priority", fmt.Sprintf("priority %d outside range 0-100", r.Priority))
	}

	switch r.Status {
	case StatusDraft, StatusPendingApproval, StatusActive, StatusArchived:
	default:
		ve.Add("status", fmt.Sprintf("unknown status %q", r.Status))
	}

	// Drafts may be saved half-built; everything else needs conditions and actions.
	if r.Status != StatusDraft {
		if r.Conditions == nil {
			ve.Add("conditions", "conditions are required")
		}
		if len(r.Actions) == 0 {
			ve.Add("actions", "at least one action is required")
		}
	}

	if r.Conditions != nil {
		if err := r.Conditions.Validate(); err != nil {
			ve.Add("conditions", err.Error())
		}
	}

	for i, a := range r.Actions {
		if !validActionType(a.Type) {
			ve.Add(fmt.Sprintf("actions[%d].type", i), fmt.Sprintf("unknown action type %q", a.Type))
		}
	}

	if r.ExpirationDate != nil && r.ExpirationDate.Before(r.EffectiveDate) {
		ve.Add("expirationDate", "expiration date precedes effective date")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// CanTransition reports whether the status change is allowed by the rule
// lifecycle. Archived rules are terminal except for the explicit un-archive
// back to draft, which the versioning layer records as a new version.
func (r *Rule) CanTransition(to RuleStatus) bool {
	if r.Status == to {
		return true
	}
	switch r.Status {
	case StatusDraft:
		return to == StatusPendingApproval || to == StatusArchived
	case StatusPendingApproval:
		return to == StatusActive || to == StatusDraft
	case StatusActive:
		return to == StatusArchived
	case StatusArchived:
		return to == StatusDraft
	}
	return false
}

// ActiveWindow reports whether the rule applies at the given instant.
func (r *Rule) ActiveWindow(at time.Time) bool {
	if at.Before(r.EffectiveDate) {
		return false
	}
	if r.ExpirationDate != nil && at.After(*r.ExpirationDate) {
		return false
	}
	return true
}

// OverlapsWindow reports whether two effective windows intersect. A nil
// expiration is treated as open-ended.
func OverlapsWindow(aStart time.Time, aEnd *time.Time, bStart time.Time, bEnd *time.Time) bool {
	if aEnd != nil && aEnd.Before(bStart) {
		return false
	}
	if bEnd != nil && bEnd.Before(aStart) {
		return false
	}
	return true
}

// Clone returns a deep copy of the rule so stored state cannot be mutated
// through returned pointers.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Conditions = r.Conditions.clone()
	cp.Actions = append([]Action(nil), r.Actions...)
	for i := range cp.Actions {
		if r.Actions[i].Metadata != nil {
			md := make(map[string]string, len(r.Actions[i].Metadata))
			for k, v := range r.Actions[i].Metadata {
				md[k] = v
			}
			cp.Actions[i].Metadata = md
		}
	}
	cp.Tags = append([]string(nil), r.Tags...)
	cp.Contexts = append([]string(nil), r.Contexts...)
	if r.ExpirationDate != nil {
		exp := *r.ExpirationDate
		cp.ExpirationDate = &exp
	}
	return &cp
}

func (n *ConditionNode) clone() *ConditionNode {
	if n == nil {
		return nil
	}
	cp := *n
	if len(n.Children) > 0 {
		cp.Children = make([]*ConditionNode, len(n.Children))
		for i, c := range n.Children {
			cp.Children[i] = c.clone()
		}
	}
	return &cp
}

// RuleRef identifies a rule in evaluation results without carrying its payload.
type RuleRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Version is an immutable snapshot of a rule's content at a point in time.
// Versions are created on every create, update, and revert, and are never
// rewritten while the parent rule exists.
type Version struct {
	RuleID     string    `json:"ruleId"`
	Version    int       `json:"version"`
	Content    Rule      `json:"content"`
	ChangedBy  string    `json:"changedBy"`
	ChangeNote string    `json:"changeNote,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Severity ranks how serious a conflict is. The values come from the
// scheduling domain's French vocabulary and are part of the wire contract.
type Severity string

const (
	SeverityBloquant      Severity = "BLOQUANT"
	SeverityAvertissement Severity = "AVERTISSEMENT"
	SeverityInformation   Severity = "INFORMATION"
)

// Rank orders severities for threshold comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityInformation:
		return 1
	case SeverityAvertissement:
		return 2
	case SeverityBloquant:
		return 3
	}
	return 0
}

// ConflictType classifies a detected contradiction.
type ConflictType string

const (
	ConflictTemporalOverlap   ConflictType = "TEMPORAL_OVERLAP"
	ConflictPriorityCollision ConflictType = "PRIORITY_COLLISION"
	ConflictUserLeaveOverlap  ConflictType = "USER_LEAVE_OVERLAP"
	ConflictTeamAbsence       ConflictType = "TEAM_ABSENCE"
	ConflictCriticalRole      ConflictType = "CRITICAL_ROLE"
	ConflictDutyConflict      ConflictType = "DUTY_CONFLICT"
	ConflictDeadlineProximity ConflictType = "DEADLINE_PROXIMITY"
	ConflictHolidayProximity  ConflictType = "HOLIDAY_PROXIMITY"
)

// Conflict is a detected contradiction between rules, or between a leave
// request and existing rules. CanOverride=false conflicts can never be
// auto-resolved regardless of strategy confidence.
type Conflict struct {
	ID          string       `json:"id"`
	RuleIDs     []string     `json:"ruleIds,omitempty"`
	LeaveID     string       `json:"leaveId,omitempty"`
	Type        ConflictType `json:"type"`
	Severity    Severity     `json:"severity"`
	Description string       `json:"description"`
	StartDate   time.Time    `json:"startDate"`
	EndDate     time.Time    `json:"endDate"`
	CanOverride bool         `json:"canOverride"`
}
