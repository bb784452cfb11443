package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Filter narrows FindMany results. Zero-value fields are ignored.
type Filter struct {
	Status RuleStatus
	Type   RuleType
	Tags   []string
	Search string
}

// Store manages rule and version persistence.
//
// Update enforces optimistic concurrency: the write only succeeds when the
// stored version equals expectedVersion, otherwise a VersionConflictError is
// returned and the caller must re-fetch. Versions saved through SaveVersion
// are immutable for as long as the parent rule exists.
type Store interface {
	Create(rule *Rule) error
	Update(rule *Rule, expectedVersion int) error
	Archive(id string) error
	FindByID(id string) (*Rule, error)
	FindMany(f Filter) ([]*Rule, error)
	SaveVersion(v *Version) error
	ListVersions(ruleID string, limit int) ([]*Version, error)
}

// MemoryStore implements Store with mutex-guarded maps. Rules are deep-copied
// on the way in and out so callers can never mutate stored state directly.
type MemoryStore struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	versions map[string][]*Version // ruleID -> versions ascending
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:    make(map[string]*Rule),
		versions: make(map[string][]*Version),
	}
}

// Create adds a new rule to the store.
func (s *MemoryStore) Create(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	cp := rule.Clone()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.rules[rule.ID] = cp

	rule.CreatedAt = cp.CreatedAt
	rule.UpdatedAt = cp.UpdatedAt
	return nil
}

// Update replaces the stored rule when expectedVersion matches.
func (s *MemoryStore) Update(rule *Rule, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return &NotFoundError{RuleID: rule.ID}
	}
	if existing.Version != expectedVersion {
		return &VersionConflictError{
			RuleID:          rule.ID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  existing.Version,
		}
	}

	cp := rule.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.rules[rule.ID] = cp

	rule.UpdatedAt = cp.UpdatedAt
	return nil
}

// Archive flips the rule status to archived without touching its version.
// Versioned archival (the normal path) goes through the versioning service,
// which snapshots before calling Update.
func (s *MemoryStore) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return &NotFoundError{RuleID: id}
	}
	existing.Status = StatusArchived
	existing.Enabled = false
	existing.UpdatedAt = time.Now()
	return nil
}

// FindByID retrieves a rule by ID.
func (s *MemoryStore) FindByID(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, &NotFoundError{RuleID: id}
	}
	return rule.Clone(), nil
}

// FindMany returns rules matching the filter, ordered by ID ascending so
// results are reproducible regardless of map iteration order.
func (s *MemoryStore) FindMany(f Filter) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if !matchesFilter(rule, f) {
			continue
		}
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesFilter(rule *Rule, f Filter) bool {
	if f.Status != "" && rule.Status != f.Status {
		return false
	}
	if f.Type != "" && rule.Type != f.Type {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range rule.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(rule.Name), needle) &&
			!strings.Contains(strings.ToLower(rule.Description), needle) {
			return false
		}
	}
	return true
}

// SaveVersion stores an immutable rule snapshot.
func (s *MemoryStore) SaveVersion(v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *v
	cp.Content = *v.Content.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.versions[v.RuleID] = append(s.versions[v.RuleID], &cp)
	return nil
}

// ListVersions returns a rule's version history, most recent first. A limit
// of zero or less returns the full history.
func (s *MemoryStore) ListVersions(ruleID string, limit int) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.versions[ruleID]
	out := make([]*Version, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cp := *history[i]
		cp.Content = *history[i].Content.Clone()
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
