package rules

import (
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreCreateAndFind(t *testing.T) {
	store := NewMemoryStore()
	r := validRule()

	if err := store.Create(r); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		t.Error("Create() should set timestamps")
	}

	got, err := store.FindByID(r.ID)
	if err != nil {
		t.Fatalf("FindByID() failed: %v", err)
	}
	if got.Name != r.Name {
		t.Errorf("got name %q, want %q", got.Name, r.Name)
	}

	// Mutating the returned copy must not touch stored state.
	got.Name = "mutated"
	again, _ := store.FindByID(r.ID)
	if again.Name == "mutated" {
		t.Error("FindByID() returned a shared pointer")
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Create(validRule()); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := store.Create(validRule()); err == nil {
		t.Fatal("duplicate ID accepted")
	}
}

func TestMemoryStoreUpdateVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	r := validRule()
	r.Version = 1
	if err := store.Create(r); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	updated := r.Clone()
	updated.Version = 2
	if err := store.Update(updated, 1); err != nil {
		t.Fatalf("Update() with matching version failed: %v", err)
	}

	stale := r.Clone()
	stale.Version = 2
	err := store.Update(stale, 1)
	if !IsVersionConflict(err) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
}

func TestMemoryStoreUpdateNotFound(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(validRule(), 1)
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryStoreFindManyFilters(t *testing.T) {
	store := NewMemoryStore()
	mk := func(id string, typ RuleType, status RuleStatus, tags []string, name string) {
		r := validRule()
		r.ID = id
		r.Type = typ
		r.Status = status
		r.Tags = tags
		r.Name = name
		if err := store.Create(r); err != nil {
			t.Fatalf("Create(%s) failed: %v", id, err)
		}
	}
	mk("a", TypePlanning, StatusActive, []string{"coverage"}, "planning coverage")
	mk("b", TypeLeave, StatusActive, []string{"coverage", "leave"}, "leave quota")
	mk("c", TypeLeave, StatusDraft, nil, "leave draft")

	actives, err := store.FindMany(Filter{Status: StatusActive})
	if err != nil {
		t.Fatalf("FindMany() failed: %v", err)
	}
	if len(actives) != 2 {
		t.Errorf("status filter: got %d rules, want 2", len(actives))
	}
	if actives[0].ID != "a" || actives[1].ID != "b" {
		t.Errorf("FindMany() should order by ID, got %s, %s", actives[0].ID, actives[1].ID)
	}

	leaves, _ := store.FindMany(Filter{Type: TypeLeave, Tags: []string{"coverage"}})
	if len(leaves) != 1 || leaves[0].ID != "b" {
		t.Errorf("type+tag filter: got %v", leaves)
	}

	search, _ := store.FindMany(Filter{Search: "quota"})
	if len(search) != 1 || search[0].ID != "b" {
		t.Errorf("search filter: got %v", search)
	}
}

func TestMemoryStoreVersionsMostRecentFirst(t *testing.T) {
	store := NewMemoryStore()
	for v := 1; v <= 3; v++ {
		r := validRule()
		r.Version = v
		if err := store.SaveVersion(&Version{
			RuleID:    r.ID,
			Version:   v,
			Content:   *r,
			CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("SaveVersion(%d) failed: %v", v, err)
		}
	}

	all, err := store.ListVersions("rule-1", 0)
	if err != nil {
		t.Fatalf("ListVersions() failed: %v", err)
	}
	if len(all) != 3 || all[0].Version != 3 || all[2].Version != 1 {
		t.Errorf("expected versions [3 2 1], got %v", versions(all))
	}

	limited, _ := store.ListVersions("rule-1", 1)
	if len(limited) != 1 || limited[0].Version != 3 {
		t.Errorf("limit 1 should return only the latest, got %v", versions(limited))
	}
}

func versions(vs []*Version) []int {
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = v.Version
	}
	return out
}

func TestMemoryStoreConcurrentUpdateSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	r := validRule()
	r.Version = 1
	if err := store.Create(r); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			up := r.Clone()
			up.Version = 2
			results <- store.Update(up, 1)
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case IsVersionConflict(err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning writer, got %d", wins)
	}
	if conflicts != writers-1 {
		t.Errorf("expected %d version conflicts, got %d", writers-1, conflicts)
	}
}
