package rules

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/medplan/rules/internal/eventbus"
)

// VersioningService owns every rule mutation. Each successful create, update,
// archive, or revert increments the rule's version by exactly one and stores
// an immutable snapshot with the new version number. History is never
// rewritten: a revert copies old content into a new version.
type VersioningService struct {
	store      Store
	bus        eventbus.Publisher
	invalidate func()
	log        *slog.Logger
}

// VersioningOption configures a VersioningService.
type VersioningOption func(*VersioningService)

// WithInvalidation registers the cache invalidation hook called after every
// successful mutation (normally Engine.Invalidate).
func WithInvalidation(fn func()) VersioningOption {
	return func(s *VersioningService) { s.invalidate = fn }
}

// WithVersioningLogger sets the service logger.
func WithVersioningLogger(log *slog.Logger) VersioningOption {
	return func(s *VersioningService) { s.log = log }
}

// NewVersioningService creates a versioning service around the given store.
// Events are published on the rule.changed topic; pass eventbus.Discard{} to
// silence them.
func NewVersioningService(store Store, bus eventbus.Publisher, opts ...VersioningOption) *VersioningService {
	s := &VersioningService{
		store:      store,
		bus:        bus,
		invalidate: func() {},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RuleChangedEvent is the payload published on rule.changed.
type RuleChangedEvent struct {
	RuleID    string `json:"ruleId"`
	Version   int    `json:"version"`
	Change    string `json:"change"` // create | update | archive | revert
	ChangedBy string `json:"changedBy"`
}

// CreateRule validates and persists a new rule at version 1 with its first
// snapshot.
func (s *VersioningService) CreateRule(rule *Rule, actorID, note string) (*Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = StatusDraft
	}
	rule.Version = 1

	if err := rule.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Create(rule); err != nil {
		return nil, err
	}
	_, verr := s.CreateVersion(rule, actorID, note)
	s.afterMutation(rule, "create", actorID)
	if verr != nil {
		return nil, verr
	}
	return rule.Clone(), nil
}

// UpdateRule applies a full-rule update under optimistic concurrency: the
// update is rejected with a VersionConflictError when expectedVersion no
// longer matches the stored version. On success the rule carries
// expectedVersion+1 and a snapshot of the new content is stored.
func (s *VersioningService) UpdateRule(rule *Rule, expectedVersion int, actorID, note string) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	current, err := s.store.FindByID(rule.ID)
	if err != nil {
		return nil, err
	}
	if !current.CanTransition(rule.Status) {
		ve := &ValidationError{}
		ve.Add("status", fmt.Sprintf("cannot transition from %s to %s", current.Status, rule.Status))
		return nil, ve
	}

	rule.Version = expectedVersion + 1
	if err := s.store.Update(rule, expectedVersion); err != nil {
		return nil, err
	}
	_, verr := s.CreateVersion(rule, actorID, note)
	s.afterMutation(rule, "update", actorID)
	if verr != nil {
		return nil, verr
	}
	return rule.Clone(), nil
}

// ArchiveRule moves a rule into the terminal archived state, as a new
// version like any other mutation.
func (s *VersioningService) ArchiveRule(id, actorID string) (*Rule, error) {
	current, err := s.store.FindByID(id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusArchived {
		return current, nil
	}

	archived := current.Clone()
	archived.Status = StatusArchived
	archived.Enabled = false
	archived.Version = current.Version + 1

	if err := s.store.Update(archived, current.Version); err != nil {
		return nil, err
	}
	_, verr := s.CreateVersion(archived, actorID, "archived")
	s.afterMutation(archived, "archive", actorID)
	if verr != nil {
		return nil, verr
	}
	return archived, nil
}

// CreateVersion stores an immutable snapshot of the rule at its current
// version number.
func (s *VersioningService) CreateVersion(rule *Rule, actorID, note string) (*Version, error) {
	v := &Version{
		RuleID:     rule.ID,
		Version:    rule.Version,
		Content:    *rule.Clone(),
		ChangedBy:  actorID,
		ChangeNote: note,
		CreatedAt:  time.Now(),
	}
	if err := s.store.SaveVersion(v); err != nil {
		return nil, &PersistenceError{Op: "saveVersion", Err: err}
	}
	return v, nil
}

// GetRule fetches a rule by ID.
func (s *VersioningService) GetRule(id string) (*Rule, error) {
	return s.store.FindByID(id)
}

// ListRules returns rules matching the filter.
func (s *VersioningService) ListRules(f Filter) ([]*Rule, error) {
	return s.store.FindMany(f)
}

// GetVersionHistory returns a rule's versions, most recent first.
func (s *VersioningService) GetVersionHistory(ruleID string, limit int) ([]*Version, error) {
	return s.store.ListVersions(ruleID, limit)
}

// RevertToVersion copies the content of targetVersion into a new version
// (current max + 1). Old version numbers are never reused or rewritten.
func (s *VersioningService) RevertToVersion(ruleID string, targetVersion int, actorID string) (*Rule, error) {
	current, err := s.store.FindByID(ruleID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListVersions(ruleID, 0)
	if err != nil {
		return nil, err
	}
	var target *Version
	for _, v := range history {
		if v.Version == targetVersion {
			target = v
			break
		}
	}
	if target == nil {
		return nil, &NotFoundError{RuleID: ruleID, Version: targetVersion}
	}

	reverted := target.Content.Clone()
	reverted.ID = ruleID
	reverted.Version = current.Version + 1

	if err := s.store.Update(reverted, current.Version); err != nil {
		return nil, err
	}
	note := fmt.Sprintf("reverted to version %d", targetVersion)
	_, verr := s.CreateVersion(reverted, actorID, note)
	s.afterMutation(reverted, "revert", actorID)
	if verr != nil {
		return nil, verr
	}
	return reverted, nil
}

// BulkItemError reports one failed item of a bulk operation.
type BulkItemError struct {
	RuleID string `json:"ruleId"`
	Error  string `json:"error"`
}

// BulkResult summarizes a bulk mutation. Bulk operations are not atomic
// across the set: each rule is updated independently.
type BulkResult struct {
	Succeeded int             `json:"succeeded"`
	Errors    []BulkItemError `json:"errors,omitempty"`
}

// BulkUpdate applies mutate to each rule independently, reporting a success
// count and per-item errors instead of rolling back on partial failure.
func (s *VersioningService) BulkUpdate(ids []string, mutate func(*Rule) error, actorID, note string) *BulkResult {
	result := &BulkResult{}
	for _, id := range ids {
		current, err := s.store.FindByID(id)
		if err != nil {
			result.Errors = append(result.Errors, BulkItemError{RuleID: id, Error: err.Error()})
			continue
		}
		updated := current.Clone()
		if err := mutate(updated); err != nil {
			result.Errors = append(result.Errors, BulkItemError{RuleID: id, Error: err.Error()})
			continue
		}
		if _, err := s.UpdateRule(updated, current.Version, actorID, note); err != nil {
			result.Errors = append(result.Errors, BulkItemError{RuleID: id, Error: err.Error()})
			continue
		}
		result.Succeeded++
	}
	return result
}

// afterMutation runs after every successful store write, even when the
// version snapshot failed to persist: the store has changed, so the cache
// must drop its stale set and subscribers must hear about the new state.
func (s *VersioningService) afterMutation(rule *Rule, change, actorID string) {
	s.invalidate()
	s.bus.Publish(eventbus.TopicRuleChanged, RuleChangedEvent{
		RuleID:    rule.ID,
		Version:   rule.Version,
		Change:    change,
		ChangedBy: actorID,
	})
	s.log.Info("rule mutated", "ruleId", rule.ID, "version", rule.Version, "change", change)
}
