package store

import (
	"context"
	"os"
	"testing"
	"time"

	"intelgraph/internal/entity"
)

// These tests require a running Neo4j instance.
// Set NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD environment variables.
func newIntegrationStore(t *testing.T) *Neo4jStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		uri = "bolt://localhost:7687"
	}
	user := os.Getenv("NEO4J_USER")
	if user == "" {
		user = "neo4j"
	}
	password := os.Getenv("NEO4J_PASSWORD")
	if password == "" {
		password = "password"
	}

	s, err := NewNeo4jStore(context.Background(), uri, user, password)
	if err != nil {
		t.Fatalf("Failed to connect to Neo4j: %v", err)
	}
	return s
}

func integrationEntity(id string) *entity.Entity {
	now := time.Now()
	return &entity.Entity{
		ID:            id,
		Variant:       entity.VariantTopic,
		CanonicalName: "Integration Topic " + id,
		Confidence:    0.8,
		MentionCount:  1,
		Origin:        entity.OriginSystemDiscovered,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

func TestNeo4jStore_EntityRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	defer s.Close(ctx)

	id := "it-entity-" + time.Now().Format("20060102150405")
	defer func() { _ = s.DeleteEntity(ctx, id) }()

	if err := s.PutEntity(ctx, integrationEntity(id)); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}
	if err := s.PutEntity(ctx, integrationEntity(id)); err != ErrDuplicateEntity {
		t.Errorf("second insert should report a duplicate, got %v", err)
	}

	got, err := s.GetEntity(ctx, id)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.CanonicalName != "Integration Topic "+id {
		t.Errorf("round trip lost the name: %q", got.CanonicalName)
	}

	byName, err := s.GetEntityByName(ctx, entity.VariantTopic, "integration topic "+id)
	if err != nil {
		t.Fatalf("GetEntityByName failed: %v", err)
	}
	if byName.ID != id {
		t.Errorf("name lookup returned %s", byName.ID)
	}
}

func TestNeo4jStore_UpdateEntity(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	defer s.Close(ctx)

	id := "it-update-" + time.Now().Format("20060102150405")
	defer func() { _ = s.DeleteEntity(ctx, id) }()

	if err := s.PutEntity(ctx, integrationEntity(id)); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}

	updated, err := s.UpdateEntity(ctx, id, func(e *entity.Entity) error {
		e.MentionCount++
		e.AddAlias("IT Alias")
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	if updated.MentionCount != 2 {
		t.Errorf("MentionCount = %d, want 2", updated.MentionCount)
	}
	if !updated.HasAlias("IT Alias") {
		t.Error("alias not persisted")
	}
}

func TestNeo4jStore_EdgeRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	defer s.Close(ctx)

	stamp := time.Now().Format("20060102150405")
	a, b := "it-edge-a-"+stamp, "it-edge-b-"+stamp
	defer func() {
		_ = s.DeleteEntity(ctx, a)
		_ = s.DeleteEntity(ctx, b)
	}()

	for _, id := range []string{a, b} {
		if err := s.PutEntity(ctx, integrationEntity(id)); err != nil {
			t.Fatalf("PutEntity failed: %v", err)
		}
	}

	key := entity.NewEdgeKey(a, b, entity.KindCoOccurrence)
	_, err := s.UpsertEdge(ctx, key, func(r *entity.Relationship) error {
		r.Affinity = 0.3
		r.EvidenceCount = 1
		r.LastReinforcedAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("UpsertEdge failed: %v", err)
	}

	edges, err := s.ListEdgesFor(ctx, a)
	if err != nil {
		t.Fatalf("ListEdgesFor failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].Affinity != 0.3 {
		t.Errorf("Affinity = %f", edges[0].Affinity)
	}
}
