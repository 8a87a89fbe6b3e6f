package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"intelgraph/internal/entity"
	pkgerrors "intelgraph/pkg/errors"
	"intelgraph/pkg/logger"
)

// Neo4jStore implements Store on top of a Neo4j database. Per-entity update
// serialization comes from transaction functions instead of in-process locks.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jStore connects to Neo4j and verifies connectivity
func NewNeo4jStore(ctx context.Context, uri, user, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	return &Neo4jStore{
		driver: driver,
		logger: logger.Named("store.neo4j"),
	}, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
}

func (s *Neo4jStore) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
}

func (s *Neo4jStore) PutEntity(ctx context.Context, e *entity.Entity) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	query := `
		MERGE (e:Entity {id: $id})
		ON CREATE SET e += $props, e.created = true
		ON MATCH SET e.created = false
		RETURN e.created as created
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":    e.ID,
		"props": entityProps(e),
	})
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}
	if result.Next(ctx) {
		if created, _ := result.Record().Get("created"); created == false {
			return ErrDuplicateEntity
		}
	}
	return result.Err()
}

func (s *Neo4jStore) GetEntity(ctx context.Context, id string) (*entity.Entity, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (e:Entity {id: $id}) RETURN e`, map[string]interface{}{
		"id": id,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch entity record: %w", err)
		}
		return nil, ErrEntityNotFound
	}
	return entityFromRecord(result.Record(), "e")
}

func (s *Neo4jStore) GetEntityByName(ctx context.Context, variant entity.Variant, name string) (*entity.Entity, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {variant: $variant})
		WHERE e.normalized_name = $name OR $name IN e.normalized_aliases
		RETURN e
		LIMIT 1
	`
	result, err := session.Run(ctx, query, map[string]interface{}{
		"variant": string(variant),
		"name":    entity.NormalizeName(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity by name: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch entity record: %w", err)
		}
		return nil, ErrEntityNotFound
	}
	e, err := entityFromRecord(result.Record(), "e")
	if err != nil {
		return nil, err
	}
	if e.IsTombstoned() {
		resolved, err := s.ResolveID(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		return s.GetEntity(ctx, resolved)
	}
	return e, nil
}

func (s *Neo4jStore) ListEntities(ctx context.Context, variant entity.Variant, offset, limit int) ([]*entity.Entity, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity)
		WHERE e.tombstone_redirect = '' AND ($variant = '' OR e.variant = $variant)
		RETURN e
		ORDER BY e.created_at, e.id
		SKIP $offset LIMIT $limit
	`
	if limit <= 0 {
		limit = 1000
	}
	result, err := session.Run(ctx, query, map[string]interface{}{
		"variant": string(variant),
		"offset":  offset,
		"limit":   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	var out []*entity.Entity
	for result.Next(ctx) {
		e, err := entityFromRecord(result.Record(), "e")
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, result.Err()
}

func (s *Neo4jStore) UpdateEntity(ctx context.Context, id string, fn func(*entity.Entity) error) (*entity.Entity, error) {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	updated, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		e, err := entityInTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(e); err != nil {
			return nil, err
		}
		e.LastUpdatedAt = time.Now()
		if err := writeEntityInTx(ctx, tx, e); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.(*entity.Entity), nil
}

func (s *Neo4jStore) UpdateEntityPair(ctx context.Context, idA, idB string, fn func(a, b *entity.Entity) error) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		a, err := entityInTx(ctx, tx, idA)
		if err != nil {
			return nil, err
		}
		b, err := entityInTx(ctx, tx, idB)
		if err != nil {
			return nil, err
		}
		if err := fn(a, b); err != nil {
			return nil, err
		}
		now := time.Now()
		a.LastUpdatedAt = now
		b.LastUpdatedAt = now
		if err := writeEntityInTx(ctx, tx, a); err != nil {
			return nil, err
		}
		return nil, writeEntityInTx(ctx, tx, b)
	})
	return err
}

func (s *Neo4jStore) DeleteEntity(ctx context.Context, id string) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (e:Entity {id: $id})
		DETACH DELETE e
		RETURN count(e) as deleted
	`, map[string]interface{}{"id": id})
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if result.Next(ctx) {
		if n, _ := result.Record().Get("deleted"); n == int64(0) {
			return ErrEntityNotFound
		}
	}
	return result.Err()
}

func (s *Neo4jStore) ResolveID(ctx context.Context, id string) (string, error) {
	current := id
	for depth := 0; depth < maxRedirectDepth; depth++ {
		e, err := s.GetEntity(ctx, current)
		if err != nil {
			return "", pkgerrors.NewDanglingReference(current, err)
		}
		if !e.IsTombstoned() {
			return current, nil
		}
		current = e.Tombstone.RedirectTo
	}
	return "", pkgerrors.NewDanglingReference(id, nil)
}

func (s *Neo4jStore) UpsertEdge(ctx context.Context, key entity.EdgeKey, fn func(*entity.Relationship) error) (*entity.Relationship, error) {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	updated, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		rel, err := edgeInTx(ctx, tx, key)
		if err == ErrEdgeNotFound {
			if err := entitiesExistInTx(ctx, tx, key.A, key.B); err != nil {
				return nil, err
			}
			rel = &entity.Relationship{Key: key, CreatedAt: time.Now()}
		} else if err != nil {
			return nil, err
		}
		if err := fn(rel); err != nil {
			return nil, err
		}
		query := `
			MATCH (a:Entity {id: $a}), (b:Entity {id: $b})
			MERGE (a)-[r:RELATES {kind: $kind}]->(b)
			SET r.affinity = $affinity,
			    r.evidence_count = $evidenceCount,
			    r.created_at = $createdAt,
			    r.last_reinforced_at = $lastReinforcedAt,
			    r.decayed_at = $decayedAt
		`
		_, err = tx.Run(ctx, query, map[string]interface{}{
			"a":                key.A,
			"b":                key.B,
			"kind":             string(key.Kind),
			"affinity":         rel.Affinity,
			"evidenceCount":    rel.EvidenceCount,
			"createdAt":        rel.CreatedAt,
			"lastReinforcedAt": rel.LastReinforcedAt,
			"decayedAt":        rel.DecayedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upsert relationship: %w", err)
		}
		return rel, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.(*entity.Relationship), nil
}

func (s *Neo4jStore) GetEdge(ctx context.Context, key entity.EdgeKey) (*entity.Relationship, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:Entity {id: $a})-[r:RELATES {kind: $kind}]->(b:Entity {id: $b})
		RETURN r
	`, map[string]interface{}{
		"a": key.A, "b": key.B, "kind": string(key.Kind),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relationship: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch relationship record: %w", err)
		}
		return nil, ErrEdgeNotFound
	}
	return relationshipFromRecord(result.Record(), key)
}

func (s *Neo4jStore) ListEdgesFor(ctx context.Context, id string) ([]*entity.Relationship, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:Entity)-[r:RELATES]->(b:Entity)
		WHERE a.id = $id OR b.id = $id
		RETURN a.id as aid, b.id as bid, r
		ORDER BY r.affinity DESC
	`, map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	return collectEdges(ctx, result)
}

func (s *Neo4jStore) AllEdges(ctx context.Context) ([]*entity.Relationship, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:Entity)-[r:RELATES]->(b:Entity)
		RETURN a.id as aid, b.id as bid, r
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	return collectEdges(ctx, result)
}

func (s *Neo4jStore) DeleteEdge(ctx context.Context, key entity.EdgeKey) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:Entity {id: $a})-[r:RELATES {kind: $kind}]->(b:Entity {id: $b})
		DELETE r
		RETURN count(r) as deleted
	`, map[string]interface{}{"a": key.A, "b": key.B, "kind": string(key.Kind)})
	if err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	if result.Next(ctx) {
		if n, _ := result.Record().Get("deleted"); n == int64(0) {
			return ErrEdgeNotFound
		}
	}
	return result.Err()
}

func (s *Neo4jStore) PutDormantEdge(ctx context.Context, d *entity.DormantEdge) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		CREATE (:DormantEdge {
			a: $a, b: $b, kind: $kind,
			evidence_count: $evidenceCount,
			last_active_at: $lastActiveAt,
			pruned_at: $prunedAt
		})
	`, map[string]interface{}{
		"a": d.Key.A, "b": d.Key.B, "kind": string(d.Key.Kind),
		"evidenceCount": d.EvidenceCount,
		"lastActiveAt":  d.LastActiveAt,
		"prunedAt":      d.PrunedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record dormant edge: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ListDormantEdges(ctx context.Context) ([]*entity.DormantEdge, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (d:DormantEdge) RETURN d`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list dormant edges: %w", err)
	}

	var out []*entity.DormantEdge
	for result.Next(ctx) {
		node, ok := nodeFromRecord(result.Record(), "d")
		if !ok {
			continue
		}
		out = append(out, &entity.DormantEdge{
			Key: entity.EdgeKey{
				A:    propString(node.Props, "a"),
				B:    propString(node.Props, "b"),
				Kind: entity.RelationshipKind(propString(node.Props, "kind")),
			},
			EvidenceCount: propInt(node.Props, "evidence_count"),
			LastActiveAt:  propTime(node.Props, "last_active_at"),
			PrunedAt:      propTime(node.Props, "pruned_at"),
		})
	}
	return out, result.Err()
}

func (s *Neo4jStore) PutInsight(ctx context.Context, i *entity.Insight) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	query := `
		MERGE (n:Insight {id: $id})
		ON CREATE SET n += $props, n.created = true
		ON MATCH SET n.created = false
		RETURN n.created as created
	`
	result, err := session.Run(ctx, query, map[string]interface{}{
		"id": i.ID,
		"props": map[string]interface{}{
			"kind":          string(i.Kind),
			"title":         i.Title,
			"description":   i.Description,
			"confidence":    i.Confidence,
			"evidence_refs": i.EvidenceRefs,
			"supersedes":    i.Supersedes,
			"signature":     i.Signature(),
			"created_at":    i.CreatedAt,
			"expires_at":    i.ExpiresAt,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store insight: %w", err)
	}
	if result.Next(ctx) {
		if created, _ := result.Record().Get("created"); created == false {
			return ErrDuplicateInsight
		}
	}
	return result.Err()
}

func (s *Neo4jStore) ListInsights(ctx context.Context, kind entity.InsightKind, entityID string, now time.Time) ([]*entity.Insight, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (n:Insight)
		WHERE n.expires_at > $now
		  AND ($kind = '' OR n.kind = $kind)
		  AND ($entityID = '' OR $entityID IN n.evidence_refs)
		RETURN n
		ORDER BY n.created_at DESC
	`, map[string]interface{}{
		"now": now, "kind": string(kind), "entityID": entityID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}

	var out []*entity.Insight
	for result.Next(ctx) {
		node, ok := nodeFromRecord(result.Record(), "n")
		if !ok {
			continue
		}
		out = append(out, insightFromProps(node.Props))
	}
	return out, result.Err()
}

func (s *Neo4jStore) FindInsightBySignature(ctx context.Context, signature string) (*entity.Insight, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (n:Insight {signature: $signature})
		RETURN n
		ORDER BY n.created_at DESC
		LIMIT 1
	`, map[string]interface{}{"signature": signature})
	if err != nil {
		return nil, fmt.Errorf("failed to look up insight: %w", err)
	}
	if !result.Next(ctx) {
		return nil, result.Err()
	}
	node, ok := nodeFromRecord(result.Record(), "n")
	if !ok {
		return nil, nil
	}
	return insightFromProps(node.Props), nil
}

func (s *Neo4jStore) PutEvent(ctx context.Context, rec *EventRecord) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MERGE (ev:Event {id: $id})
		SET ev.key = $key,
		    ev.source_id = $sourceID,
		    ev.content_hash = $contentHash,
		    ev.tier = $tier,
		    ev.status = $status,
		    ev.attempts = $attempts,
		    ev.last_error = $lastError,
		    ev.payload = $payload,
		    ev.created_at = $createdAt,
		    ev.updated_at = $updatedAt
	`, map[string]interface{}{
		"id":          rec.ID,
		"key":         rec.Key,
		"sourceID":    rec.SourceID,
		"contentHash": rec.ContentHash,
		"tier":        rec.Tier,
		"status":      string(rec.Status),
		"attempts":    rec.Attempts,
		"lastError":   rec.LastError,
		"payload":     rec.Payload,
		"createdAt":   rec.CreatedAt,
		"updatedAt":   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to journal event: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	return s.eventByProp(ctx, "id", id)
}

func (s *Neo4jStore) GetEventByKey(ctx context.Context, key string) (*EventRecord, error) {
	return s.eventByProp(ctx, "key", key)
}

func (s *Neo4jStore) eventByProp(ctx context.Context, prop, value string) (*EventRecord, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		fmt.Sprintf(`MATCH (ev:Event {%s: $value}) RETURN ev ORDER BY ev.created_at DESC LIMIT 1`, prop),
		map[string]interface{}{"value": value})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch event record: %w", err)
		}
		return nil, ErrEventNotFound
	}
	node, ok := nodeFromRecord(result.Record(), "ev")
	if !ok {
		return nil, ErrEventNotFound
	}
	return eventFromProps(node.Props), nil
}

func (s *Neo4jStore) ListEventsByStatus(ctx context.Context, status EventStatus) ([]*EventRecord, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (ev:Event {status: $status})
		RETURN ev
		ORDER BY ev.created_at
	`, map[string]interface{}{"status": string(status)})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	var out []*EventRecord
	for result.Next(ctx) {
		node, ok := nodeFromRecord(result.Record(), "ev")
		if !ok {
			continue
		}
		out = append(out, eventFromProps(node.Props))
	}
	return out, result.Err()
}

func (s *Neo4jStore) PutReviewItem(ctx context.Context, item *ReviewItem) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	candidateJSON, err := json.Marshal(item.Candidate)
	if err != nil {
		return fmt.Errorf("failed to serialize review candidate: %w", err)
	}
	sourceJSON, err := json.Marshal(item.Source)
	if err != nil {
		return fmt.Errorf("failed to serialize review source: %w", err)
	}
	relationsJSON, err := json.Marshal(item.PendingRelations)
	if err != nil {
		return fmt.Errorf("failed to serialize review relations: %w", err)
	}

	_, err = session.Run(ctx, `
		MERGE (ri:Review {id: $id})
		SET ri.kind = $kind,
		    ri.candidate_json = $candidateJSON,
		    ri.source_json = $sourceJSON,
		    ri.match_ids = $matchIDs,
		    ri.pending_relations_json = $relationsJSON,
		    ri.event_id = $eventID,
		    ri.reason = $reason,
		    ri.created_at = $createdAt
	`, map[string]interface{}{
		"id":            item.ID,
		"kind":          string(item.Kind),
		"candidateJSON": string(candidateJSON),
		"sourceJSON":    string(sourceJSON),
		"matchIDs":      item.MatchIDs,
		"relationsJSON": string(relationsJSON),
		"eventID":       item.EventID,
		"reason":        item.Reason,
		"createdAt":     item.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to store review item: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetReviewItem(ctx context.Context, id string) (*ReviewItem, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (ri:Review {id: $id}) RETURN ri`, map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch review item: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch review record: %w", err)
		}
		return nil, ErrReviewNotFound
	}
	node, ok := nodeFromRecord(result.Record(), "ri")
	if !ok {
		return nil, ErrReviewNotFound
	}
	return reviewFromProps(node.Props)
}

func (s *Neo4jStore) ListReviewItems(ctx context.Context) ([]*ReviewItem, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (ri:Review) RETURN ri ORDER BY ri.created_at`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}

	var out []*ReviewItem
	for result.Next(ctx) {
		node, ok := nodeFromRecord(result.Record(), "ri")
		if !ok {
			continue
		}
		item, err := reviewFromProps(node.Props)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, result.Err()
}

func (s *Neo4jStore) DeleteReviewItem(ctx context.Context, id string) error {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (ri:Review {id: $id})
		DELETE ri
		RETURN count(ri) as deleted
	`, map[string]interface{}{"id": id})
	if err != nil {
		return fmt.Errorf("failed to delete review item: %w", err)
	}
	if result.Next(ctx) {
		if n, _ := result.Record().Get("deleted"); n == int64(0) {
			return ErrReviewNotFound
		}
	}
	return result.Err()
}
