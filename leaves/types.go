// Package leaves layers leave-request conflict analysis on the rule core:
// it scores conflict priority relative to a requesting user, generates
// ranked resolution strategies with confidence, and optionally auto-resolves
// conflicts that can safely be handled without a human.
package leaves

import (
	"time"

	"github.com/medplan/rules/rules"
)

// LeaveRequest is the leave under analysis.
type LeaveRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"` // CP, RTT, FORMATION, ...
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Comment   string    `json:"comment,omitempty"`
}

// DurationDays is the inclusive length of the request in days.
func (r *LeaveRequest) DurationDays() int {
	if r.EndDate.Before(r.StartDate) {
		return 0
	}
	return int(r.EndDate.Sub(r.StartDate).Hours()/24) + 1
}

// User is the requester the analysis is scored against.
type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Role  string   `json:"role"` // MAR, IADE, CHIRURGIEN, CADRE, ADMIN
	Sites []string `json:"sites,omitempty"`
}

// Priority ranks how urgently a conflict needs attention.
type Priority string

const (
	PriorityVeryHigh Priority = "VERY_HIGH"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Rank orders priorities for sorting, highest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityVeryHigh:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Strategy names a way of resolving a conflict.
type Strategy string

const (
	StrategyAutoApprove  Strategy = "AUTO_APPROVE"
	StrategyAutoReject   Strategy = "AUTO_REJECT"
	StrategyShiftDates   Strategy = "SHIFT_DATES"
	StrategySplitRequest Strategy = "SPLIT_REQUEST"
	StrategyManualReview Strategy = "MANUAL_REVIEW"
)

// AutoApplicable reports whether the strategy can be executed without a
// human decision.
func (s Strategy) AutoApplicable() bool {
	switch s {
	case StrategyAutoApprove, StrategyAutoReject, StrategyShiftDates:
		return true
	}
	return false
}

// StrategyOption is one ranked resolution proposal.
type StrategyOption struct {
	Strategy    Strategy `json:"strategy"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"` // in [0,1]
}

// Recommendation is the analysis outcome for one conflict.
type Recommendation struct {
	ConflictID          string           `json:"conflictId"`
	Priority            Priority         `json:"priority"`
	Strategies          []StrategyOption `json:"strategies"`
	Explanation         string           `json:"explanation"`
	AutomaticResolution bool             `json:"automaticResolution"`
}

// AnalysisFailure isolates one conflict whose analysis failed; the rest of
// the batch is unaffected.
type AnalysisFailure struct {
	ConflictID string `json:"conflictId"`
	Error      string `json:"error"`
}

// AnalysisResult is the batch outcome of AnalyzeConflicts. An empty conflict
// list yields a well-formed result with empty collections, never nil maps.
type AnalysisResult struct {
	Recommendations           []Recommendation  `json:"recommendations"`
	AutomatedResolutionsCount int               `json:"automatedResolutionsCount"`
	ManualResolutionsCount    int               `json:"manualResolutionsCount"`
	PriorityDistribution      map[Priority]int  `json:"priorityDistribution"`
	HighestPriorityConflicts  []rules.Conflict  `json:"highestPriorityConflicts"`
	Failures                  []AnalysisFailure `json:"failures,omitempty"`
}

// Capability answers whether a user may override a given conflict. Hosts
// plug their role and permission model in here; the service never re-derives
// permissions inline.
type Capability interface {
	CanOverride(user *User, conflict *rules.Conflict) bool
}

// RoleCapability grants override to a fixed set of roles.
type RoleCapability struct {
	Roles []string
}

// CanOverride reports whether the user's role is in the granted set. The
// conflict's own CanOverride flag still gates everything upstream.
func (c RoleCapability) CanOverride(user *User, _ *rules.Conflict) bool {
	if user == nil {
		return false
	}
	for _, role := range c.Roles {
		if user.Role == role {
			return true
		}
	}
	return false
}

// NoCapability denies override for everyone.
type NoCapability struct{}

func (NoCapability) CanOverride(*User, *rules.Conflict) bool { return false }
