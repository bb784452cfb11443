package rules

import (
	"errors"
	"fmt"
	"testing"

	"github.com/medplan/rules/internal/eventbus"
)

func newTestVersioning(t *testing.T) (*VersioningService, Store, *eventbus.Bus) {
	t.Helper()
	store := NewMemoryStore()
	bus := eventbus.New(nil)
	return NewVersioningService(store, bus), store, bus
}

func TestCreateRuleStartsAtVersionOne(t *testing.T) {
	svc, store, _ := newTestVersioning(t)

	created, err := svc.CreateRule(validRule(), "user-1", "initial")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("new rule version = %d, want 1", created.Version)
	}

	history, err := store.ListVersions(created.ID, 0)
	if err != nil {
		t.Fatalf("ListVersions() failed: %v", err)
	}
	if len(history) != 1 || history[0].Version != 1 {
		t.Errorf("expected one version snapshot at 1, got %v", versions(history))
	}
}

func TestCreateRuleGeneratesIDAndDefaultsStatus(t *testing.T) {
	svc, _, _ := newTestVersioning(t)

	r := validRule()
	r.ID = ""
	r.Status = ""
	r.Conditions = nil
	r.Actions = nil

	created, err := svc.CreateRule(r, "user-1", "")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	if created.ID == "" {
		t.Error("CreateRule() should assign an ID")
	}
	if created.Status != StatusDraft {
		t.Errorf("default status = %s, want draft", created.Status)
	}
}

func TestUpdateRuleIncrementsVersionByOne(t *testing.T) {
	svc, _, _ := newTestVersioning(t)
	created, err := svc.CreateRule(validRule(), "user-1", "initial")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	up := created.Clone()
	up.Description = "tightened"
	updated, err := svc.UpdateRule(up, created.Version, "user-1", "tighten")
	if err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	if updated.Version != created.Version+1 {
		t.Errorf("version after update = %d, want %d", updated.Version, created.Version+1)
	}

	// Stale writer loses.
	stale := created.Clone()
	stale.Description = "stale"
	_, err = svc.UpdateRule(stale, created.Version, "user-2", "stale write")
	if !IsVersionConflict(err) {
		t.Fatalf("expected VersionConflictError for stale update, got %v", err)
	}
}

func TestUpdateRuleRejectsIllegalTransition(t *testing.T) {
	svc, _, _ := newTestVersioning(t)
	r := validRule()
	r.Status = StatusDraft
	created, err := svc.CreateRule(r, "user-1", "")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	up := created.Clone()
	up.Status = StatusActive // draft cannot jump straight to active
	_, err = svc.UpdateRule(up, created.Version, "user-1", "")
	if !IsValidationError(err) {
		t.Fatalf("expected ValidationError for illegal transition, got %v", err)
	}
}

func TestArchiveRuleIsVersionedAndIdempotent(t *testing.T) {
	svc, _, _ := newTestVersioning(t)
	created, err := svc.CreateRule(validRule(), "user-1", "")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	archived, err := svc.ArchiveRule(created.ID, "user-1")
	if err != nil {
		t.Fatalf("ArchiveRule() failed: %v", err)
	}
	if archived.Status != StatusArchived || archived.Enabled {
		t.Errorf("archive left rule in %s/enabled=%v", archived.Status, archived.Enabled)
	}
	if archived.Version != created.Version+1 {
		t.Errorf("archive version = %d, want %d", archived.Version, created.Version+1)
	}

	again, err := svc.ArchiveRule(created.ID, "user-1")
	if err != nil {
		t.Fatalf("second ArchiveRule() failed: %v", err)
	}
	if again.Version != archived.Version {
		t.Error("archiving an archived rule should not create another version")
	}
}

func TestRevertCreatesNewHigherVersion(t *testing.T) {
	svc, _, _ := newTestVersioning(t)
	created, err := svc.CreateRule(validRule(), "user-1", "v1")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	up := created.Clone()
	up.Description = "v2 content"
	if _, err := svc.UpdateRule(up, 1, "user-1", "v2"); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	reverted, err := svc.RevertToVersion(created.ID, 1, "user-2")
	if err != nil {
		t.Fatalf("RevertToVersion() failed: %v", err)
	}
	if reverted.Version != 3 {
		t.Errorf("revert version = %d, want 3", reverted.Version)
	}
	if reverted.Description != created.Description {
		t.Errorf("revert content = %q, want version 1 content %q", reverted.Description, created.Description)
	}

	latest, err := svc.GetVersionHistory(created.ID, 1)
	if err != nil {
		t.Fatalf("GetVersionHistory() failed: %v", err)
	}
	if len(latest) != 1 || latest[0].Version != 3 {
		t.Fatalf("latest version = %v, want [3]", versions(latest))
	}
	if latest[0].Content.Description != created.Description {
		t.Error("latest snapshot should hold the reverted (version 1) content")
	}
}

func TestRevertToUnknownVersion(t *testing.T) {
	svc, _, _ := newTestVersioning(t)
	created, err := svc.CreateRule(validRule(), "user-1", "")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	_, err = svc.RevertToVersion(created.ID, 42, "user-1")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMutationsPublishRuleChanged(t *testing.T) {
	svc, _, bus := newTestVersioning(t)

	var events []RuleChangedEvent
	bus.Subscribe(eventbus.TopicRuleChanged, func(_ string, payload any) {
		if ev, ok := payload.(RuleChangedEvent); ok {
			events = append(events, ev)
		}
	})

	created, err := svc.CreateRule(validRule(), "user-1", "")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	if _, err := svc.ArchiveRule(created.ID, "user-1"); err != nil {
		t.Fatalf("ArchiveRule() failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 rule.changed events, got %d", len(events))
	}
	if events[0].Change != "create" || events[1].Change != "archive" {
		t.Errorf("event changes = %s, %s", events[0].Change, events[1].Change)
	}
}

func TestMutationsInvalidateEngine(t *testing.T) {
	store := NewMemoryStore()
	invalidations := 0
	svc := NewVersioningService(store, eventbus.Discard{},
		WithInvalidation(func() { invalidations++ }))

	created, err := svc.CreateRule(validRule(), "user-1", "")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	up := created.Clone()
	up.Priority = 60
	if _, err := svc.UpdateRule(up, created.Version, "user-1", ""); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	if invalidations != 2 {
		t.Errorf("expected 2 invalidations, got %d", invalidations)
	}
}

// versionFailStore fails version snapshots on demand while passing every
// other operation through.
type versionFailStore struct {
	Store
	failSaves bool
}

func (s *versionFailStore) SaveVersion(v *Version) error {
	if s.failSaves {
		return errors.New("version store unavailable")
	}
	return s.Store.SaveVersion(v)
}

func TestUpdateInvalidatesEvenWhenVersionSnapshotFails(t *testing.T) {
	store := &versionFailStore{Store: NewMemoryStore()}
	bus := eventbus.New(nil)
	invalidations := 0
	svc := NewVersioningService(store, bus, WithInvalidation(func() { invalidations++ }))

	var events []RuleChangedEvent
	bus.Subscribe(eventbus.TopicRuleChanged, func(_ string, payload any) {
		if ev, ok := payload.(RuleChangedEvent); ok {
			events = append(events, ev)
		}
	})

	created, err := svc.CreateRule(validRule(), "user-1", "")
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	invalidations, events = 0, nil

	store.failSaves = true
	up := created.Clone()
	up.Priority = 60
	if _, err := svc.UpdateRule(up, created.Version, "user-1", ""); err == nil {
		t.Fatal("expected the failed version snapshot to surface as an error")
	}

	// The store write landed, so the stale cache must still be dropped and
	// subscribers must still hear about the change.
	got, err := svc.GetRule(created.ID)
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if got.Version != created.Version+1 {
		t.Fatalf("stored version = %d, want %d", got.Version, created.Version+1)
	}
	if invalidations != 1 {
		t.Errorf("invalidations = %d, want 1", invalidations)
	}
	if len(events) != 1 || events[0].Change != "update" {
		t.Errorf("expected one update event, got %v", events)
	}
}

func TestBulkUpdatePartialFailure(t *testing.T) {
	svc, _, _ := newTestVersioning(t)

	var ids []string
	for i := 0; i < 3; i++ {
		r := validRule()
		r.ID = fmt.Sprintf("bulk-%d", i)
		if _, err := svc.CreateRule(r, "user-1", ""); err != nil {
			t.Fatalf("CreateRule() failed: %v", err)
		}
		ids = append(ids, r.ID)
	}
	ids = append(ids, "missing-rule")

	result := svc.BulkUpdate(ids, func(r *Rule) error {
		if r.ID == "bulk-1" {
			r.Priority = 999 // fails validation
		} else {
			r.Priority = 75
		}
		return nil
	}, "user-1", "bulk priority change")

	if result.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", result.Succeeded)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("errors = %d, want 2: %v", len(result.Errors), result.Errors)
	}

	// Successful items actually landed.
	got, err := svc.GetRule("bulk-0")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if got.Priority != 75 || got.Version != 2 {
		t.Errorf("bulk-0 priority=%d version=%d, want 75/2", got.Priority, got.Version)
	}
}
