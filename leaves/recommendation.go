package leaves

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/medplan/rules/internal/eventbus"
	"github.com/medplan/rules/internal/logger"
	"github.com/medplan/rules/internal/metrics"
	"github.com/medplan/rules/rules"
)

// serviceIdentity is the resolvedBy value on auto-resolution events.
const serviceIdentity = "conflict-recommendation-service"

// minSplitDurationDays is the shortest request SPLIT_REQUEST applies to.
const minSplitDurationDays = 5

// PriorityFunc scores a conflict's priority for a user. The default is
// DeterminePriority; hosts may substitute their own pure function.
type PriorityFunc func(conflict *rules.Conflict, user *User, canOverride bool) Priority

// Options configures a RecommendationService.
type Options struct {
	// EnableAutoResolution allows the service to resolve eligible conflicts
	// without human intervention.
	EnableAutoResolution bool

	// MaxRecommendationsPerConflict truncates each conflict's ranked
	// strategy list. Zero means the default of 3.
	MaxRecommendationsPerConflict int

	// TopN bounds HighestPriorityConflicts. Zero means the default of 5.
	TopN int

	// Priority overrides the default priority mapping.
	Priority PriorityFunc
}

// RecommendationService analyzes leave-request conflicts. It is stateless:
// every dependency is injected at construction and AnalyzeConflicts is safe
// for concurrent use.
type RecommendationService struct {
	opts       Options
	capability Capability
	bus        eventbus.Publisher
	log        *slog.Logger
	metrics    *metrics.Collector
}

// ServiceOption configures a RecommendationService.
type ServiceOption func(*RecommendationService)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *RecommendationService) { s.log = log }
}

// WithMetrics sets the service metrics collector.
func WithMetrics(m *metrics.Collector) ServiceOption {
	return func(s *RecommendationService) { s.metrics = m }
}

// NewRecommendationService creates the service. A nil capability denies
// override capability to every user; pass eventbus.Discard{} to silence
// resolution events.
func NewRecommendationService(opts Options, capability Capability, bus eventbus.Publisher, o ...ServiceOption) *RecommendationService {
	if opts.MaxRecommendationsPerConflict <= 0 {
		opts.MaxRecommendationsPerConflict = 3
	}
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	if opts.Priority == nil {
		opts.Priority = DeterminePriority
	}
	if capability == nil {
		capability = NoCapability{}
	}
	s := &RecommendationService{
		opts:       opts,
		capability: capability,
		bus:        bus,
		log:        slog.Default(),
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// AnalyzeConflicts produces one recommendation per conflict. A failure on
// one conflict is isolated into Failures; the rest of the batch is analyzed
// normally. Output order is deterministic regardless of input order.
func (s *RecommendationService) AnalyzeConflicts(conflicts []rules.Conflict, request *LeaveRequest, user *User) *AnalysisResult {
	result := &AnalysisResult{
		Recommendations:          []Recommendation{},
		PriorityDistribution:     map[Priority]int{},
		HighestPriorityConflicts: []rules.Conflict{},
	}
	if len(conflicts) == 0 {
		return result
	}

	type scored struct {
		conflict rules.Conflict
		rec      Recommendation
	}
	var analyzed []scored

	for i := range conflicts {
		conflict := conflicts[i]
		rec, err := s.analyzeOne(&conflict, request, user)
		if err != nil {
			result.Failures = append(result.Failures, AnalysisFailure{
				ConflictID: conflict.ID,
				Error:      err.Error(),
			})
			s.log.Warn("conflict analysis failed", "conflictId", conflict.ID, "error", err)
			continue
		}
		analyzed = append(analyzed, scored{conflict: conflict, rec: *rec})
	}

	// Deterministic order: priority desc, then conflict ID asc.
	sort.Slice(analyzed, func(i, j int) bool {
		if analyzed[i].rec.Priority.Rank() != analyzed[j].rec.Priority.Rank() {
			return analyzed[i].rec.Priority.Rank() > analyzed[j].rec.Priority.Rank()
		}
		return analyzed[i].conflict.ID < analyzed[j].conflict.ID
	})

	for _, a := range analyzed {
		result.Recommendations = append(result.Recommendations, a.rec)
		result.PriorityDistribution[a.rec.Priority]++
		if a.rec.AutomaticResolution {
			result.AutomatedResolutionsCount++
		} else {
			result.ManualResolutionsCount++
		}
	}

	top := len(analyzed)
	if top > s.opts.TopN {
		top = s.opts.TopN
	}
	for _, a := range analyzed[:top] {
		result.HighestPriorityConflicts = append(result.HighestPriorityConflicts, a.conflict)
	}

	return result
}

func (s *RecommendationService) analyzeOne(conflict *rules.Conflict, request *LeaveRequest, user *User) (*Recommendation, error) {
	if conflict.ID == "" {
		return nil, fmt.Errorf("conflict has no ID")
	}
	switch conflict.Severity {
	case rules.SeverityBloquant, rules.SeverityAvertissement, rules.SeverityInformation:
	default:
		return nil, fmt.Errorf("unknown severity %q", conflict.Severity)
	}

	userCanOverride := conflict.CanOverride && s.capability.CanOverride(user, conflict)
	priority := s.opts.Priority(conflict, user, userCanOverride)

	strategies := s.generateStrategies(conflict, request)
	if len(strategies) == 0 {
		return nil, fmt.Errorf("no resolution strategy for conflict type %q", conflict.Type)
	}

	rec := &Recommendation{
		ConflictID: conflict.ID,
		Priority:   priority,
		Strategies: strategies,
	}

	top := strategies[0]
	if s.opts.EnableAutoResolution && conflict.CanOverride && top.Strategy.AutoApplicable() && top.Confidence == 1.0 {
		s.resolveAutomatically(conflict, top)
		rec.AutomaticResolution = true
	}

	rec.Explanation = generateExplanation(conflict, top, rec.AutomaticResolution, priority)
	return rec, nil
}

// DeterminePriority is the default priority mapping. It is a pure function
// of severity and override capability:
//
//	BLOQUANT,     no override  -> VERY_HIGH
//	BLOQUANT,     overridable  -> HIGH
//	AVERTISSEMENT              -> HIGH, or MEDIUM when the user can override
//	INFORMATION                -> LOW
func DeterminePriority(conflict *rules.Conflict, _ *User, userCanOverride bool) Priority {
	switch conflict.Severity {
	case rules.SeverityBloquant:
		if !conflict.CanOverride {
			return PriorityVeryHigh
		}
		return PriorityHigh
	case rules.SeverityAvertissement:
		if userCanOverride {
			return PriorityMedium
		}
		return PriorityHigh
	case rules.SeverityInformation:
		return PriorityLow
	}
	return PriorityHigh
}

// generateStrategies builds the ranked strategy list for one conflict.
// Sorted confidence desc then strategy name asc, truncated to
// MaxRecommendationsPerConflict. Non-overridable conflicts always include
// MANUAL_REVIEW and never carry an AUTO_* strategy at confidence 1.0.
func (s *RecommendationService) generateStrategies(conflict *rules.Conflict, request *LeaveRequest) []StrategyOption {
	var out []StrategyOption

	if conflict.CanOverride {
		switch conflict.Severity {
		case rules.SeverityInformation:
			out = append(out, StrategyOption{
				Strategy:    StrategyAutoApprove,
				Description: "approve automatically, the conflict is informational only",
				Confidence:  1.0,
			})
		case rules.SeverityAvertissement:
			out = append(out, StrategyOption{
				Strategy:    StrategyAutoApprove,
				Description: "approve despite the warning",
				Confidence:  0.6,
			})
		}
	}

	if conflict.Severity == rules.SeverityBloquant {
		out = append(out, StrategyOption{
			Strategy:    StrategyAutoReject,
			Description: "reject the request, a blocking constraint applies",
			Confidence:  0.85,
		})
	}

	switch conflict.Type {
	case rules.ConflictTemporalOverlap, rules.ConflictUserLeaveOverlap,
		rules.ConflictDeadlineProximity, rules.ConflictHolidayProximity:
		out = append(out, StrategyOption{
			Strategy:    StrategyShiftDates,
			Description: "shift the requested dates outside the conflicting window",
			Confidence:  0.75,
		})
	}

	if request != nil && request.DurationDays() >= minSplitDurationDays {
		out = append(out, StrategyOption{
			Strategy:    StrategySplitRequest,
			Description: "split the request into shorter periods around the conflict",
			Confidence:  0.65,
		})
	}

	if !conflict.CanOverride || len(out) == 0 {
		out = append(out, StrategyOption{
			Strategy:    StrategyManualReview,
			Description: "escalate to a planner for manual review",
			Confidence:  0.5,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Strategy < out[j].Strategy
	})

	if len(out) > s.opts.MaxRecommendationsPerConflict {
		out = out[:s.opts.MaxRecommendationsPerConflict]
	}

	// MANUAL_REVIEW carries the lowest confidence, so truncation would drop
	// it first. Non-overridable conflicts must keep a manual path: reclaim
	// the last slot when truncation cut it.
	if !conflict.CanOverride && !hasStrategy(out, StrategyManualReview) {
		out[len(out)-1] = manualReviewOption()
	}
	return out
}

func hasStrategy(options []StrategyOption, want Strategy) bool {
	for _, o := range options {
		if o.Strategy == want {
			return true
		}
	}
	return false
}

func manualReviewOption() StrategyOption {
	return StrategyOption{
		Strategy:    StrategyManualReview,
		Description: "escalate to a planner for manual review",
		Confidence:  0.5,
	}
}

// ResolvedEvent is the payload published on conflict.resolved.
type ResolvedEvent struct {
	ConflictID string `json:"conflictId"`
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolvedBy"`
	Strategy   string `json:"strategy"`
}

func (s *RecommendationService) resolveAutomatically(conflict *rules.Conflict, top StrategyOption) {
	s.bus.Publish(eventbus.TopicConflictResolved, ResolvedEvent{
		ConflictID: conflict.ID,
		Resolution: "AUTO",
		ResolvedBy: serviceIdentity,
		Strategy:   string(top.Strategy),
	})
	s.metrics.RecordAutoResolution()
	logger.AutoResolutions.Add(1)
	s.log.Info("conflict auto-resolved",
		"conflictId", conflict.ID,
		"strategy", top.Strategy,
		"severity", conflict.Severity)
}

// generateExplanation formats the recommendation for humans. Pure.
func generateExplanation(conflict *rules.Conflict, top StrategyOption, automatic bool, priority Priority) string {
	if automatic {
		return fmt.Sprintf("%s Resolved automatically via %s (priority %s).",
			conflict.Description, top.Strategy, priority)
	}
	return fmt.Sprintf("%s Suggested resolution: %s (confidence %.0f%%, priority %s).",
		conflict.Description, top.Strategy, top.Confidence*100, priority)
}
