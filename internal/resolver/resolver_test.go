package resolver

import (
	"context"
	"testing"
	"time"

	"intelgraph/internal/entity"
	"intelgraph/internal/store"
)

func testConfig() Config {
	return Config{Threshold: 0.6, Epsilon: 0.05, NameWeight: 0.7, KeywordWeight: 0.3}
}

func seedEntity(t *testing.T, s store.Store, id, name string, variant entity.Variant, origin entity.Origin, keywords ...string) {
	t.Helper()
	now := time.Now()
	err := s.PutEntity(context.Background(), &entity.Entity{
		ID:            id,
		Variant:       variant,
		CanonicalName: name,
		Confidence:    0.8,
		MentionCount:  1,
		Origin:        origin,
		Keywords:      keywords,
		CreatedAt:     now,
		LastUpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestResolveExactMatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedEntity(t, s, "e1", "Project Phoenix", entity.VariantTopic, entity.OriginSystemDiscovered)
	r := NewResolver(s, testConfig())

	res, err := r.Resolve(ctx, entity.Candidate{
		Name: "  project   PHOENIX ", Variant: entity.VariantTopic, Confidence: 0.9,
	}, entity.SourceContext{SourceID: "doc1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeMatched || res.Entity.ID != "e1" {
		t.Errorf("got outcome %s entity %+v", res.Outcome, res.Entity)
	}
}

func TestResolveAliasMatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedEntity(t, s, "e1", "Project Phoenix", entity.VariantTopic, entity.OriginSystemDiscovered)
	_, err := s.UpdateEntity(ctx, "e1", func(e *entity.Entity) error {
		e.AddAlias("Phoenix Initiative")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(s, testConfig())

	res, err := r.Resolve(ctx, entity.Candidate{
		Name: "phoenix initiative", Variant: entity.VariantTopic, Confidence: 0.9,
	}, entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeMatched || res.Entity.ID != "e1" {
		t.Errorf("alias should match exactly, got %s", res.Outcome)
	}
}

func TestResolveFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedEntity(t, s, "e1", "Phoenix Launch Plan", entity.VariantTopic, entity.OriginSystemDiscovered)
	r := NewResolver(s, testConfig())

	// token jaccard {phoenix,launch} vs {phoenix,launch,plan} = 2/3
	res, err := r.Resolve(ctx, entity.Candidate{
		Name: "Phoenix Launch", Variant: entity.VariantTopic, Confidence: 0.9,
	}, entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeMatched || res.Entity.ID != "e1" {
		t.Errorf("got outcome %s", res.Outcome)
	}
}

func TestResolveCreatesWhenNothingMatches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedEntity(t, s, "e1", "Phoenix Launch Plan", entity.VariantTopic, entity.OriginSystemDiscovered)
	r := NewResolver(s, testConfig())

	res, err := r.Resolve(ctx, entity.Candidate{
		Name: "Quarterly Budget", Variant: entity.VariantTopic, Confidence: 0.75,
	}, entity.SourceContext{SourceID: "doc1", Excerpt: "the quarterly budget", ObservedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("got outcome %s", res.Outcome)
	}
	if res.Entity.Origin != entity.OriginSystemDiscovered {
		t.Errorf("origin = %s", res.Entity.Origin)
	}
	if res.Entity.Confidence != 0.75 {
		t.Errorf("creation should carry oracle confidence, got %f", res.Entity.Confidence)
	}
	if res.Entity.MentionCount != 1 {
		t.Errorf("mention count = %d", res.Entity.MentionCount)
	}
	if len(res.Entity.Provenance) != 1 {
		t.Errorf("creation should record provenance")
	}

	// The created entity is durable and found on the next resolve
	again, err := r.Resolve(ctx, entity.Candidate{
		Name: "Quarterly Budget", Variant: entity.VariantTopic, Confidence: 0.9,
	}, entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Outcome != OutcomeMatched || again.Entity.ID != res.Entity.ID {
		t.Error("second resolve should match the created entity")
	}
}

func TestResolveUserActionCreatesUserOrigin(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s, testConfig())

	res, err := r.Resolve(ctx, entity.Candidate{
		Name: "My Pet Project", Variant: entity.VariantTopic, Confidence: 1.0,
	}, entity.SourceContext{SourceID: "user", UserAction: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entity.Origin != entity.OriginUserCreated {
		t.Errorf("user action should create user-created origin, got %s", res.Entity.Origin)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedEntity(t, s, "e1", "Phoenix Launch Plan", entity.VariantTopic, entity.OriginSystemDiscovered)
	seedEntity(t, s, "e2", "Phoenix Launch Team", entity.VariantTopic, entity.OriginSystemDiscovered)
	r := NewResolver(s, testConfig())

	res, err := r.Resolve(ctx, entity.Candidate{
		Name: "Phoenix Launch", Variant: entity.VariantTopic, Confidence: 0.9,
	}, entity.SourceContext{SourceID: "doc1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAmbiguous {
		t.Fatalf("got outcome %s", res.Outcome)
	}
	if len(res.MatchIDs) != 2 {
		t.Errorf("expected 2 match ids, got %v", res.MatchIDs)
	}

	// The triggering evidence must be parked, not dropped
	items, err := s.ListReviewItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 review item, got %d", len(items))
	}
	if items[0].Kind != store.ReviewAmbiguous {
		t.Errorf("review kind = %s", items[0].Kind)
	}
	if items[0].Candidate == nil || items[0].Candidate.Name != "Phoenix Launch" {
		t.Error("review item should carry the candidate")
	}
	if items[0].ID != res.ReviewID {
		t.Error("resolution should reference the parked review item")
	}
}

func TestResolveTieBreakUserCreated(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedEntity(t, s, "e1", "Phoenix Launch Plan", entity.VariantTopic, entity.OriginSystemDiscovered)
	seedEntity(t, s, "e2", "Phoenix Launch Team", entity.VariantTopic, entity.OriginUserCreated)
	r := NewResolver(s, testConfig())

	res, err := r.Resolve(ctx, entity.Candidate{
		Name: "Phoenix Launch", Variant: entity.VariantTopic, Confidence: 0.9,
	}, entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeMatched || res.Entity.ID != "e2" {
		t.Errorf("single user-created entity should break the tie, got %s %v", res.Outcome, res.Entity)
	}
}

func TestResolveKeywordsLiftScore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedEntity(t, s, "e1", "Phoenix Plan", entity.VariantTopic, entity.OriginSystemDiscovered,
		"launch", "migration")
	r := NewResolver(s, testConfig())

	// Name alone scores 1/2, below threshold; full keyword overlap lifts
	// the blend to (0.7*0.5 + 0.3*1.0) = 0.65
	withKeywords, err := r.Resolve(ctx, entity.Candidate{
		Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.9,
		Keywords: []string{"launch", "migration"},
	}, entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}
	if withKeywords.Outcome != OutcomeMatched || withKeywords.Entity.ID != "e1" {
		t.Errorf("keyword overlap should lift the match, got %s", withKeywords.Outcome)
	}

	s2 := store.NewMemoryStore()
	seedEntity(t, s2, "e1", "Phoenix Plan", entity.VariantTopic, entity.OriginSystemDiscovered,
		"launch", "migration")
	r2 := NewResolver(s2, testConfig())
	withoutKeywords, err := r2.Resolve(ctx, entity.Candidate{
		Name: "Phoenix", Variant: entity.VariantTopic, Confidence: 0.9,
	}, entity.SourceContext{})
	if err != nil {
		t.Fatal(err)
	}
	if withoutKeywords.Outcome != OutcomeCreated {
		t.Errorf("name alone is below threshold, expected creation, got %s", withoutKeywords.Outcome)
	}
}

func TestResolveRejectsInvalidCandidate(t *testing.T) {
	r := NewResolver(store.NewMemoryStore(), testConfig())
	_, err := r.Resolve(context.Background(), entity.Candidate{
		Name: "", Variant: entity.VariantTopic, Confidence: 0.5,
	}, entity.SourceContext{})
	if err == nil {
		t.Error("invalid candidate should be rejected")
	}
}
