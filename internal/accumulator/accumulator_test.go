package accumulator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"intelgraph/internal/entity"
	"intelgraph/internal/store"
	pkgerrors "intelgraph/pkg/errors"
)

func testConfig() Config {
	return Config{
		ProvenanceRetention: 3,
		ConfidenceGain:      0.5,
		ImportanceHalfLife:  30 * 24 * time.Hour,
		UserCreatedBonus:    0.2,
		OfficialBonus:       0.1,
		RiseThreshold:       0.7,
	}
}

func seed(t *testing.T, s store.Store, id, name string, origin entity.Origin) {
	t.Helper()
	now := time.Now()
	err := s.PutEntity(context.Background(), &entity.Entity{
		ID:            id,
		Variant:       entity.VariantTopic,
		CanonicalName: name,
		Confidence:    0.5,
		MentionCount:  1,
		Origin:        origin,
		CreatedAt:     now,
		LastUpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAccumulateGrowsEvidence(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "e1", "Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	cand := entity.Candidate{
		Name: "Phoenix Project", Variant: entity.VariantTopic, Confidence: 0.8,
		Keywords: []string{"launch"},
	}
	src := entity.SourceContext{SourceID: "doc1", Excerpt: "about phoenix", ObservedAt: time.Now()}

	updated, err := a.Accumulate(ctx, "e1", cand, src)
	if err != nil {
		t.Fatal(err)
	}
	if updated.MentionCount != 2 {
		t.Errorf("mention count = %d, want 2", updated.MentionCount)
	}
	if !updated.HasAlias("phoenix project") {
		t.Error("candidate name should become an alias")
	}
	if len(updated.Provenance) != 1 {
		t.Errorf("provenance length = %d", len(updated.Provenance))
	}
	if len(updated.Keywords) != 1 {
		t.Errorf("keywords = %v", updated.Keywords)
	}
	// Corroboration moves confidence up: 0.5 + 0.5*0.8*0.5 = 0.7
	if updated.Confidence < 0.69 || updated.Confidence > 0.71 {
		t.Errorf("confidence = %f, want 0.7", updated.Confidence)
	}
}

func TestAccumulateProvenanceCapPreservesCount(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "e1", "Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	for i := 0; i < 10; i++ {
		_, err := a.Accumulate(ctx, "e1",
			entity.Candidate{Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.5},
			entity.SourceContext{SourceID: fmt.Sprintf("doc%d", i), ObservedAt: time.Now()})
		if err != nil {
			t.Fatal(err)
		}
	}

	e, _ := s.GetEntity(ctx, "e1")
	if len(e.Provenance) != 3 {
		t.Errorf("provenance should be capped at 3, got %d", len(e.Provenance))
	}
	if e.MentionCount != 11 {
		t.Errorf("mention count must survive the cap, got %d", e.MentionCount)
	}
	// Newest excerpts are the ones kept
	if e.Provenance[len(e.Provenance)-1].SourceID != "doc9" {
		t.Errorf("newest ref should be kept, got %s", e.Provenance[len(e.Provenance)-1].SourceID)
	}
}

func TestAccumulateConfidenceMonotone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "e1", "Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	prev := 0.5
	for i := 0; i < 5; i++ {
		updated, err := a.Accumulate(ctx, "e1",
			entity.Candidate{Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.6},
			entity.SourceContext{})
		if err != nil {
			t.Fatal(err)
		}
		if updated.Confidence < prev {
			t.Fatalf("confidence decreased without contradiction: %f -> %f", prev, updated.Confidence)
		}
		if updated.Confidence >= 1.0 {
			t.Fatalf("confidence reached 1.0")
		}
		prev = updated.Confidence
	}

	// Only an explicit contradiction moves it down
	updated, err := a.Accumulate(ctx, "e1",
		entity.Candidate{Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.8, Contradiction: true},
		entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Confidence >= prev {
		t.Errorf("contradiction should lower confidence: %f -> %f", prev, updated.Confidence)
	}
}

func TestAccumulateImportanceRiseNotifies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "e1", "Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	var deltas []entity.GraphDelta
	a.SetNotifier(func(d entity.GraphDelta) { deltas = append(deltas, d) })

	// Repeated fresh mentions push importance past the rise threshold
	for i := 0; i < 30; i++ {
		_, err := a.Accumulate(ctx, "e1",
			entity.Candidate{Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.5},
			entity.SourceContext{SourceID: "doc", ObservedAt: time.Now()})
		if err != nil {
			t.Fatal(err)
		}
	}

	var rises int
	for _, d := range deltas {
		if d.Kind == entity.DeltaImportanceRise {
			rises++
		}
	}
	if rises != 1 {
		t.Errorf("expected exactly one importance-rise delta, got %d", rises)
	}
}

func TestMergePreservesEvidence(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "Phoenix", entity.OriginSystemDiscovered)
	seed(t, s, "b", "Project Phoenix", entity.OriginSystemDiscovered)
	seed(t, s, "c", "Jane", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	// Give the source some weight and an edge to a third entity
	_, err := a.Accumulate(ctx, "a",
		entity.Candidate{Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.9},
		entity.SourceContext{SourceID: "doc1", ObservedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.UpsertEdge(ctx, entity.NewEdgeKey("a", "c", entity.KindCoOccurrence), func(r *entity.Relationship) error {
		r.Affinity = 0.4
		r.EvidenceCount = 3
		r.LastReinforcedAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	before, _ := s.GetEntity(ctx, "a")
	target, _ := s.GetEntity(ctx, "b")
	wantMentions := before.MentionCount + target.MentionCount

	survivor, err := a.Merge(ctx, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if survivor.ID != "b" {
		t.Fatalf("survivor = %s", survivor.ID)
	}
	if survivor.MentionCount != wantMentions {
		t.Errorf("mention counts should sum: got %d, want %d", survivor.MentionCount, wantMentions)
	}
	if !survivor.HasAlias("phoenix") {
		t.Error("source canonical name should survive as alias")
	}

	// Source is tombstoned and reads redirect to the survivor
	dead, _ := s.GetEntity(ctx, "a")
	if !dead.IsTombstoned() || dead.Tombstone.RedirectTo != "b" {
		t.Error("source should be tombstoned with a redirect")
	}
	resolved, err := s.ResolveID(ctx, "a")
	if err != nil || resolved != "b" {
		t.Errorf("ResolveID(a) = %s, %v", resolved, err)
	}

	// The edge moved to the survivor
	edges, _ := s.ListEdgesFor(ctx, "b")
	if len(edges) != 1 || edges[0].EvidenceCount != 3 {
		t.Errorf("edge should be re-pointed onto the survivor: %+v", edges)
	}
	if edges, _ := s.ListEdgesFor(ctx, "a"); len(edges) != 0 {
		t.Error("no edges may remain on the merged-away entity")
	}
}

func TestMergeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "Phoenix", entity.OriginSystemDiscovered)
	seed(t, s, "b", "Project Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	first, err := a.Merge(ctx, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Merge(ctx, "a", "b")
	if err != nil {
		t.Fatalf("repeated merge must succeed as a no-op: %v", err)
	}
	if second.MentionCount != first.MentionCount {
		t.Errorf("repeated merge changed state: %d -> %d", first.MentionCount, second.MentionCount)
	}
}

func TestMergeRejectsTwoUserCreated(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "Phoenix", entity.OriginUserCreated)
	seed(t, s, "b", "Project Phoenix", entity.OriginUserCreated)
	a := NewAccumulator(s, testConfig())

	_, err := a.Merge(ctx, "a", "b")
	if !pkgerrors.IsErrorType(err, pkgerrors.ErrorTypeMerge) {
		t.Fatalf("expected merge conflict, got %v", err)
	}

	// Nothing changed
	src, _ := s.GetEntity(ctx, "a")
	if src.IsTombstoned() {
		t.Error("rejected merge must not tombstone the source")
	}
}

func TestMergeKeepsUserOrigin(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "Phoenix", entity.OriginUserCreated)
	seed(t, s, "b", "Project Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	survivor, err := a.Merge(ctx, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if survivor.Origin != entity.OriginUserCreated {
		t.Error("user-created origin must survive the merge")
	}
}

func TestMergeEmitsDelta(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "Phoenix", entity.OriginSystemDiscovered)
	seed(t, s, "b", "Project Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	var got *entity.GraphDelta
	a.SetNotifier(func(d entity.GraphDelta) {
		if d.Kind == entity.DeltaEntityMerged {
			got = &d
		}
	})

	if _, err := a.Merge(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	if got == nil || got.EntityID != "b" || got.MergedFrom != "a" {
		t.Errorf("merge delta = %+v", got)
	}
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "e1", "Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	promoted, err := a.Promote(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if promoted.Origin != entity.OriginUserCreated || !promoted.Official {
		t.Errorf("promote should set user origin and official flag: %+v", promoted)
	}
}

func TestCorrect(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "e1", "Phoenix", entity.OriginSystemDiscovered)
	a := NewAccumulator(s, testConfig())

	_, err := a.Accumulate(ctx, "e1",
		entity.Candidate{Name: "Fenix", Variant: entity.VariantTopic, Confidence: 0.5},
		entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}

	before, _ := s.GetEntity(ctx, "e1")
	corrected, err := a.Correct(ctx, "e1", Correction{
		RemoveAliases: []string{"fenix"},
		Contradict:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if corrected.HasAlias("fenix") {
		t.Error("explicit correction should remove the alias")
	}
	if corrected.Confidence >= before.Confidence {
		t.Errorf("contradiction should lower confidence: %f -> %f", before.Confidence, corrected.Confidence)
	}
}
