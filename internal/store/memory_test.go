package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"intelgraph/internal/entity"
	pkgerrors "intelgraph/pkg/errors"
)

func newTestEntity(id, name string, variant entity.Variant) *entity.Entity {
	now := time.Now()
	return &entity.Entity{
		ID:            id,
		Variant:       variant,
		CanonicalName: name,
		Confidence:    0.8,
		MentionCount:  1,
		Origin:        entity.OriginSystemDiscovered,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

func TestMemoryStoreEntityCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e := newTestEntity("e1", "Project Phoenix", entity.VariantTopic)
	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if err := s.PutEntity(ctx, e); err != ErrDuplicateEntity {
		t.Errorf("duplicate insert: got %v, want ErrDuplicateEntity", err)
	}

	got, err := s.GetEntity(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.CanonicalName != "Project Phoenix" {
		t.Errorf("got name %q", got.CanonicalName)
	}

	// Returned values are copies; mutating them must not touch the store
	got.CanonicalName = "mutated"
	again, _ := s.GetEntity(ctx, "e1")
	if again.CanonicalName != "Project Phoenix" {
		t.Error("GetEntity leaked internal state")
	}

	if _, err := s.GetEntity(ctx, "missing"); err != ErrEntityNotFound {
		t.Errorf("missing entity: got %v", err)
	}
}

func TestMemoryStoreGetByNameAndAliases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e := newTestEntity("e1", "Project Phoenix", entity.VariantTopic)
	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEntityByName(ctx, entity.VariantTopic, "  PROJECT   phoenix ")
	if err != nil {
		t.Fatalf("lookup by normalized name: %v", err)
	}
	if got.ID != "e1" {
		t.Errorf("got id %s", got.ID)
	}

	// A different variant with the same name is a different entity
	if _, err := s.GetEntityByName(ctx, entity.VariantPerson, "Project Phoenix"); err != ErrEntityNotFound {
		t.Errorf("cross-variant lookup: got %v", err)
	}

	// Aliases added through UpdateEntity become findable
	_, err = s.UpdateEntity(ctx, "e1", func(e *entity.Entity) error {
		e.AddAlias("Phoenix")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err = s.GetEntityByName(ctx, entity.VariantTopic, "phoenix")
	if err != nil {
		t.Fatalf("lookup by alias: %v", err)
	}
	if got.ID != "e1" {
		t.Errorf("alias lookup got id %s", got.ID)
	}
}

func TestMemoryStoreUpdateEntityAtomicity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.PutEntity(ctx, newTestEntity("e1", "A", entity.VariantTopic)); err != nil {
		t.Fatal(err)
	}

	// Concurrent increments through UpdateEntity must not lose any
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateEntity(ctx, "e1", func(e *entity.Entity) error {
				e.MentionCount++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetEntity(ctx, "e1")
	if got.MentionCount != 51 {
		t.Errorf("mention count = %d, want 51", got.MentionCount)
	}

	// A failing fn leaves the entity untouched
	_, err := s.UpdateEntity(ctx, "e1", func(e *entity.Entity) error {
		e.MentionCount = 0
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("expected error from fn")
	}
	got, _ = s.GetEntity(ctx, "e1")
	if got.MentionCount != 51 {
		t.Error("failed update must not persist")
	}
}

func TestMemoryStoreUpdateEntityPair(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.PutEntity(ctx, newTestEntity("a", "A", entity.VariantTopic)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEntity(ctx, newTestEntity("b", "B", entity.VariantTopic)); err != nil {
		t.Fatal(err)
	}

	// Hammer the pair from both orderings; ascending lock order must hold
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.UpdateEntityPair(ctx, "a", "b", func(a, b *entity.Entity) error {
				a.MentionCount++
				b.MentionCount++
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = s.UpdateEntityPair(ctx, "b", "a", func(b, a *entity.Entity) error {
				a.MentionCount++
				b.MentionCount++
				return nil
			})
		}()
	}
	wg.Wait()

	a, _ := s.GetEntity(ctx, "a")
	b, _ := s.GetEntity(ctx, "b")
	if a.MentionCount != 41 || b.MentionCount != 41 {
		t.Errorf("counts = %d/%d, want 41/41", a.MentionCount, b.MentionCount)
	}
}

func TestMemoryStoreResolveID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	live := newTestEntity("live", "Live", entity.VariantTopic)
	if err := s.PutEntity(ctx, live); err != nil {
		t.Fatal(err)
	}

	dead := newTestEntity("dead", "Dead", entity.VariantTopic)
	dead.Tombstone = &entity.Tombstone{RedirectTo: "live", MergedAt: time.Now()}
	if err := s.PutEntity(ctx, dead); err != nil {
		t.Fatal(err)
	}

	resolved, err := s.ResolveID(ctx, "dead")
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	if resolved != "live" {
		t.Errorf("resolved to %s", resolved)
	}

	// Broken chain surfaces as a dangling reference
	broken := newTestEntity("broken", "Broken", entity.VariantTopic)
	broken.Tombstone = &entity.Tombstone{RedirectTo: "gone", MergedAt: time.Now()}
	if err := s.PutEntity(ctx, broken); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveID(ctx, "broken"); !pkgerrors.IsErrorType(err, pkgerrors.ErrorTypeGraph) {
		t.Errorf("broken chain: got %v", err)
	}

	// Circular chain terminates with an error instead of spinning
	c1 := newTestEntity("c1", "C1", entity.VariantTopic)
	c1.Tombstone = &entity.Tombstone{RedirectTo: "c2", MergedAt: time.Now()}
	c2 := newTestEntity("c2", "C2", entity.VariantTopic)
	c2.Tombstone = &entity.Tombstone{RedirectTo: "c1", MergedAt: time.Now()}
	if err := s.PutEntity(ctx, c1); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEntity(ctx, c2); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveID(ctx, "c1"); err == nil {
		t.Error("circular chain should error")
	}
}

func TestMemoryStoreEdges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.PutEntity(ctx, newTestEntity("a", "A", entity.VariantTopic)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEntity(ctx, newTestEntity("b", "B", entity.VariantPerson)); err != nil {
		t.Fatal(err)
	}

	key := entity.NewEdgeKey("b", "a", entity.KindCoOccurrence)
	rel, err := s.UpsertEdge(ctx, key, func(r *entity.Relationship) error {
		r.Affinity = 0.3
		r.EvidenceCount = 1
		r.LastReinforcedAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}
	if rel.Key.A != "a" || rel.Key.B != "b" {
		t.Errorf("undirected key not normalized: %v", rel.Key)
	}

	// Edges to unknown entities are rejected
	missing := entity.NewEdgeKey("a", "nope", entity.KindCoOccurrence)
	if _, err := s.UpsertEdge(ctx, missing, func(r *entity.Relationship) error { return nil }); err != ErrEntityNotFound {
		t.Errorf("edge to missing entity: got %v", err)
	}

	edges, err := s.ListEdgesFor(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}

	// Deleting an entity cascades to its edges
	if err := s.DeleteEntity(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	edges, _ = s.ListEdgesFor(ctx, "a")
	if len(edges) != 0 {
		t.Errorf("expected edge cascade on delete, still have %d", len(edges))
	}
}

func TestMemoryStoreInsights(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	active := &entity.Insight{
		ID: "i1", Kind: entity.InsightTopicMomentum,
		EvidenceRefs: []string{"e1"},
		CreatedAt:    now, ExpiresAt: now.Add(time.Hour),
	}
	expired := &entity.Insight{
		ID: "i2", Kind: entity.InsightTopicMomentum,
		EvidenceRefs: []string{"e2"},
		CreatedAt:    now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	if err := s.PutInsight(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := s.PutInsight(ctx, expired); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListInsights(ctx, "", "", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "i1" {
		t.Errorf("expected only the active insight, got %d items", len(list))
	}

	byEntity, _ := s.ListInsights(ctx, "", "e1", now)
	if len(byEntity) != 1 {
		t.Errorf("filter by entity ref: got %d", len(byEntity))
	}

	found, err := s.FindInsightBySignature(ctx, active.Signature())
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.ID != "i1" {
		t.Error("FindInsightBySignature should locate the insight")
	}
	if found, _ := s.FindInsightBySignature(ctx, expired.Signature()); found == nil {
		t.Error("expired insights stay findable by signature for superseding")
	}
	if found, _ := s.FindInsightBySignature(ctx, "no|such"); found != nil {
		t.Error("unknown signature should return nil")
	}
}

func TestMemoryStoreEventJournal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &EventRecord{
		ID: "ev1", Key: "src\nhash", SourceID: "src", ContentHash: "hash",
		Tier: "primary-doc", Status: EventQueued, CreatedAt: time.Now(),
	}
	if err := s.PutEvent(ctx, rec); err != nil {
		t.Fatal(err)
	}

	byKey, err := s.GetEventByKey(ctx, "src\nhash")
	if err != nil {
		t.Fatalf("GetEventByKey: %v", err)
	}
	if byKey.ID != "ev1" {
		t.Errorf("got id %s", byKey.ID)
	}

	rec.Status = EventCompleted
	if err := s.PutEvent(ctx, rec); err != nil {
		t.Fatal(err)
	}
	queued, _ := s.ListEventsByStatus(ctx, EventQueued)
	if len(queued) != 0 {
		t.Errorf("expected no queued events, got %d", len(queued))
	}
	done, _ := s.ListEventsByStatus(ctx, EventCompleted)
	if len(done) != 1 {
		t.Errorf("expected 1 completed event, got %d", len(done))
	}
}

func TestMemoryStoreEventKeyIndexNewestWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t0 := time.Now()
	old := &EventRecord{
		ID: "ev1", Key: "src\nhash", SourceID: "src", ContentHash: "hash",
		Tier: "primary-doc", Status: EventFailedRetryable, CreatedAt: t0,
	}
	if err := s.PutEvent(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh := &EventRecord{
		ID: "ev2", Key: "src\nhash", SourceID: "src", ContentHash: "hash",
		Tier: "primary-doc", Status: EventQueued, CreatedAt: t0.Add(time.Second),
	}
	if err := s.PutEvent(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	// A late journal write for the superseded event must not re-point the
	// key index away from the newest submission
	old.Status = EventCancelled
	if err := s.PutEvent(ctx, old); err != nil {
		t.Fatal(err)
	}

	byKey, err := s.GetEventByKey(ctx, "src\nhash")
	if err != nil {
		t.Fatalf("GetEventByKey: %v", err)
	}
	if byKey.ID != "ev2" {
		t.Errorf("key index points at %s, want the newest event ev2", byKey.ID)
	}
}

func TestMemoryStoreReviewItems(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	item := &ReviewItem{
		ID:   "r1",
		Kind: ReviewAmbiguous,
		Candidate: &entity.Candidate{
			Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.7,
		},
		MatchIDs:  []string{"e1", "e2"},
		CreatedAt: time.Now(),
	}
	if err := s.PutReviewItem(ctx, item); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListReviewItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 review item, got %d", len(list))
	}

	if err := s.DeleteReviewItem(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteReviewItem(ctx, "r1"); err != ErrReviewNotFound {
		t.Errorf("double delete: got %v", err)
	}
}
