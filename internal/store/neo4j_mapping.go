package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"intelgraph/internal/entity"
)

// entityProps flattens an entity into node properties. Provenance is kept as
// a JSON blob; the store never queries inside it.
func entityProps(e *entity.Entity) map[string]interface{} {
	provenanceJSON, _ := json.Marshal(e.Provenance)

	normalizedAliases := make([]string, 0, len(e.Aliases))
	for _, a := range e.Aliases {
		normalizedAliases = append(normalizedAliases, entity.NormalizeName(a))
	}

	props := map[string]interface{}{
		"variant":            string(e.Variant),
		"canonical_name":     e.CanonicalName,
		"normalized_name":    entity.NormalizeName(e.CanonicalName),
		"aliases":            e.Aliases,
		"normalized_aliases": normalizedAliases,
		"confidence":         e.Confidence,
		"importance":         e.Importance,
		"mention_count":      e.MentionCount,
		"provenance_json":    string(provenanceJSON),
		"origin":             string(e.Origin),
		"official":           e.Official,
		"description":        e.Description,
		"keywords":           e.Keywords,
		"email":              e.Email,
		"status":             e.Status,
		"created_at":         e.CreatedAt,
		"last_updated_at":    e.LastUpdatedAt,
		"tombstone_redirect": "",
	}
	if e.DueDate != nil {
		props["due_date"] = *e.DueDate
	}
	if e.Tombstone != nil {
		props["tombstone_redirect"] = e.Tombstone.RedirectTo
		props["tombstone_merged_at"] = e.Tombstone.MergedAt
	}
	return props
}

func entityFromProps(id string, props map[string]interface{}) *entity.Entity {
	e := &entity.Entity{
		ID:            id,
		Variant:       entity.Variant(propString(props, "variant")),
		CanonicalName: propString(props, "canonical_name"),
		Aliases:       propStrings(props, "aliases"),
		Confidence:    propFloat(props, "confidence"),
		Importance:    propFloat(props, "importance"),
		MentionCount:  propInt(props, "mention_count"),
		Origin:        entity.Origin(propString(props, "origin")),
		Official:      propBool(props, "official"),
		Description:   propString(props, "description"),
		Keywords:      propStrings(props, "keywords"),
		Email:         propString(props, "email"),
		Status:        propString(props, "status"),
		CreatedAt:     propTime(props, "created_at"),
		LastUpdatedAt: propTime(props, "last_updated_at"),
	}
	if raw := propString(props, "provenance_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &e.Provenance)
	}
	if due, ok := props["due_date"]; ok {
		if t := anyToTime(due); !t.IsZero() {
			e.DueDate = &t
		}
	}
	if redirect := propString(props, "tombstone_redirect"); redirect != "" {
		e.Tombstone = &entity.Tombstone{
			RedirectTo: redirect,
			MergedAt:   propTime(props, "tombstone_merged_at"),
		}
	}
	return e
}

func entityFromRecord(record *db.Record, key string) (*entity.Entity, error) {
	node, ok := nodeFromRecord(record, key)
	if !ok {
		return nil, fmt.Errorf("record is missing entity node %q", key)
	}
	return entityFromProps(propString(node.Props, "id"), node.Props), nil
}

func entityInTx(ctx context.Context, tx neo4j.ManagedTransaction, id string) (*entity.Entity, error) {
	result, err := tx.Run(ctx, `MATCH (e:Entity {id: $id}) RETURN e`, map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, ErrEntityNotFound
	}
	return entityFromRecord(record, "e")
}

func writeEntityInTx(ctx context.Context, tx neo4j.ManagedTransaction, e *entity.Entity) error {
	_, err := tx.Run(ctx, `
		MATCH (e:Entity {id: $id})
		SET e += $props
	`, map[string]interface{}{
		"id":    e.ID,
		"props": entityProps(e),
	})
	if err != nil {
		return fmt.Errorf("failed to write entity: %w", err)
	}
	return nil
}

func entitiesExistInTx(ctx context.Context, tx neo4j.ManagedTransaction, idA, idB string) error {
	result, err := tx.Run(ctx, `
		MATCH (a:Entity {id: $a}), (b:Entity {id: $b})
		RETURN count(*) as found
	`, map[string]interface{}{"a": idA, "b": idB})
	if err != nil {
		return fmt.Errorf("failed to check entities: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return ErrEntityNotFound
	}
	if n, _ := record.Get("found"); n == int64(0) {
		return ErrEntityNotFound
	}
	return nil
}

func edgeInTx(ctx context.Context, tx neo4j.ManagedTransaction, key entity.EdgeKey) (*entity.Relationship, error) {
	result, err := tx.Run(ctx, `
		MATCH (a:Entity {id: $a})-[r:RELATES {kind: $kind}]->(b:Entity {id: $b})
		RETURN r
	`, map[string]interface{}{"a": key.A, "b": key.B, "kind": string(key.Kind)})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relationship: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, ErrEdgeNotFound
	}
	return relationshipFromRecord(record, key)
}

func relationshipFromRecord(record *db.Record, key entity.EdgeKey) (*entity.Relationship, error) {
	raw, ok := record.Get("r")
	if !ok {
		return nil, fmt.Errorf("record is missing relationship")
	}
	rel, ok := raw.(neo4j.Relationship)
	if !ok {
		return nil, fmt.Errorf("unexpected relationship record type %T", raw)
	}
	return &entity.Relationship{
		Key:              key,
		Affinity:         propFloat(rel.Props, "affinity"),
		EvidenceCount:    propInt(rel.Props, "evidence_count"),
		CreatedAt:        propTime(rel.Props, "created_at"),
		LastReinforcedAt: propTime(rel.Props, "last_reinforced_at"),
		DecayedAt:        propTime(rel.Props, "decayed_at"),
	}, nil
}

func collectEdges(ctx context.Context, result neo4j.ResultWithContext) ([]*entity.Relationship, error) {
	var out []*entity.Relationship
	for result.Next(ctx) {
		record := result.Record()
		aid, _ := record.Get("aid")
		bid, _ := record.Get("bid")
		raw, ok := record.Get("r")
		if !ok {
			continue
		}
		rel, ok := raw.(neo4j.Relationship)
		if !ok {
			continue
		}
		key := entity.EdgeKey{
			A:    fmt.Sprintf("%v", aid),
			B:    fmt.Sprintf("%v", bid),
			Kind: entity.RelationshipKind(propString(rel.Props, "kind")),
		}
		out = append(out, &entity.Relationship{
			Key:              key,
			Affinity:         propFloat(rel.Props, "affinity"),
			EvidenceCount:    propInt(rel.Props, "evidence_count"),
			CreatedAt:        propTime(rel.Props, "created_at"),
			LastReinforcedAt: propTime(rel.Props, "last_reinforced_at"),
			DecayedAt:        propTime(rel.Props, "decayed_at"),
		})
	}
	return out, result.Err()
}

func insightFromProps(props map[string]interface{}) *entity.Insight {
	return &entity.Insight{
		ID:           propString(props, "id"),
		Kind:         entity.InsightKind(propString(props, "kind")),
		Title:        propString(props, "title"),
		Description:  propString(props, "description"),
		Confidence:   propFloat(props, "confidence"),
		EvidenceRefs: propStrings(props, "evidence_refs"),
		Supersedes:   propString(props, "supersedes"),
		CreatedAt:    propTime(props, "created_at"),
		ExpiresAt:    propTime(props, "expires_at"),
	}
}

func eventFromProps(props map[string]interface{}) *EventRecord {
	return &EventRecord{
		ID:          propString(props, "id"),
		Key:         propString(props, "key"),
		SourceID:    propString(props, "source_id"),
		ContentHash: propString(props, "content_hash"),
		Tier:        propString(props, "tier"),
		Status:      EventStatus(propString(props, "status")),
		Attempts:    propInt(props, "attempts"),
		LastError:   propString(props, "last_error"),
		Payload:     propString(props, "payload"),
		CreatedAt:   propTime(props, "created_at"),
		UpdatedAt:   propTime(props, "updated_at"),
	}
}

func reviewFromProps(props map[string]interface{}) (*ReviewItem, error) {
	item := &ReviewItem{
		ID:        propString(props, "id"),
		Kind:      ReviewKind(propString(props, "kind")),
		MatchIDs:  propStrings(props, "match_ids"),
		EventID:   propString(props, "event_id"),
		Reason:    propString(props, "reason"),
		CreatedAt: propTime(props, "created_at"),
	}
	if raw := propString(props, "candidate_json"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &item.Candidate); err != nil {
			return nil, fmt.Errorf("failed to parse review candidate: %w", err)
		}
	}
	if raw := propString(props, "source_json"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &item.Source); err != nil {
			return nil, fmt.Errorf("failed to parse review source: %w", err)
		}
	}
	if raw := propString(props, "pending_relations_json"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &item.PendingRelations); err != nil {
			return nil, fmt.Errorf("failed to parse review relations: %w", err)
		}
	}
	return item, nil
}

func nodeFromRecord(record *db.Record, key string) (neo4j.Node, bool) {
	raw, ok := record.Get(key)
	if !ok {
		return neo4j.Node{}, false
	}
	node, ok := raw.(neo4j.Node)
	return node, ok
}

func propString(props map[string]interface{}, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propFloat(props map[string]interface{}, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func propInt(props map[string]interface{}, key string) int {
	switch v := props[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func propBool(props map[string]interface{}, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

func propTime(props map[string]interface{}, key string) time.Time {
	return anyToTime(props[key])
}

func anyToTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func propStrings(props map[string]interface{}, key string) []string {
	raw, ok := props[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
