package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"intelgraph/internal/entity"
	pkgerrors "intelgraph/pkg/errors"
	"intelgraph/pkg/logger"
)

// maxRedirectDepth bounds the tombstone chase in ResolveID. Chains longer
// than this indicate a corrupted graph, not a legitimate merge history.
const maxRedirectDepth = 8

type nameKey struct {
	variant entity.Variant
	name    string
}

// entityEntry pairs an entity with its own mutex so updates serialize per
// entity instead of behind one global lock
type entityEntry struct {
	mu sync.Mutex
	e  *entity.Entity
}

// MemoryStore is the in-memory Store implementation. It is the reference
// backend and the one the tests run against.
//
// Lock ordering: the map mutex is never held while waiting on an entry
// mutex. Accessors copy the entry pointer under the map lock, release it,
// then lock the entry.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[string]*entityEntry
	nameIndex map[nameKey]string

	edgeMu  sync.RWMutex
	edges   map[entity.EdgeKey]*entity.Relationship
	dormant []*entity.DormantEdge

	insightMu sync.RWMutex
	insights  []*entity.Insight
	bySig     map[string]*entity.Insight

	eventMu     sync.RWMutex
	events      map[string]*EventRecord
	eventsByKey map[string]string

	reviewMu sync.RWMutex
	reviews  map[string]*ReviewItem

	log *zap.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:    make(map[string]*entityEntry),
		nameIndex:   make(map[nameKey]string),
		edges:       make(map[entity.EdgeKey]*entity.Relationship),
		bySig:       make(map[string]*entity.Insight),
		events:      make(map[string]*EventRecord),
		eventsByKey: make(map[string]string),
		reviews:     make(map[string]*ReviewItem),
		log:         logger.Named("store"),
	}
}

func (s *MemoryStore) PutEntity(ctx context.Context, e *entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[e.ID]; exists {
		return ErrDuplicateEntity
	}
	s.entities[e.ID] = &entityEntry{e: cloneEntity(e)}
	s.indexNamesLocked(e)
	return nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*entity.Entity, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneEntity(entry.e), nil
}

func (s *MemoryStore) GetEntityByName(ctx context.Context, variant entity.Variant, name string) (*entity.Entity, error) {
	s.mu.RLock()
	id, ok := s.nameIndex[nameKey{variant: variant, name: entity.NormalizeName(name)}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrEntityNotFound
	}
	// The indexed entity may have been merged away since it was indexed
	resolved, err := s.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.GetEntity(ctx, resolved)
}

func (s *MemoryStore) ListEntities(ctx context.Context, variant entity.Variant, offset, limit int) ([]*entity.Entity, error) {
	s.mu.RLock()
	entries := make([]*entityEntry, 0, len(s.entities))
	for _, entry := range s.entities {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	out := make([]*entity.Entity, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		e := entry.e
		if !e.IsTombstoned() && (variant == "" || e.Variant == variant) {
			out = append(out, cloneEntity(e))
		}
		entry.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if offset >= len(out) {
		return []*entity.Entity{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateEntity(ctx context.Context, id string, fn func(*entity.Entity) error) (*entity.Entity, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	updated := cloneEntity(entry.e)
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.LastUpdatedAt = time.Now()
	entry.e = updated

	s.mu.Lock()
	s.indexNamesLocked(updated)
	s.mu.Unlock()

	return cloneEntity(updated), nil
}

func (s *MemoryStore) UpdateEntityPair(ctx context.Context, idA, idB string, fn func(a, b *entity.Entity) error) error {
	entryA, err := s.entry(idA)
	if err != nil {
		return err
	}
	entryB, err := s.entry(idB)
	if err != nil {
		return err
	}

	// Ascending id order prevents deadlock between concurrent pair updates
	first, second := entryA, entryB
	if idB < idA {
		first, second = entryB, entryA
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	a := cloneEntity(entryA.e)
	b := cloneEntity(entryB.e)
	if err := fn(a, b); err != nil {
		return err
	}
	now := time.Now()
	a.LastUpdatedAt = now
	b.LastUpdatedAt = now
	entryA.e = a
	entryB.e = b

	s.mu.Lock()
	s.indexNamesLocked(a)
	s.indexNamesLocked(b)
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) DeleteEntity(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.entities[id]; !ok {
		s.mu.Unlock()
		return ErrEntityNotFound
	}
	delete(s.entities, id)
	for k, v := range s.nameIndex {
		if v == id {
			delete(s.nameIndex, k)
		}
	}
	s.mu.Unlock()

	// Cascade: remove every edge touching the deleted entity
	s.edgeMu.Lock()
	for key := range s.edges {
		if key.Touches(id) {
			delete(s.edges, key)
		}
	}
	s.edgeMu.Unlock()

	s.log.Debug("entity deleted", zap.String("id", id))
	return nil
}

func (s *MemoryStore) ResolveID(ctx context.Context, id string) (string, error) {
	current := id
	for depth := 0; depth < maxRedirectDepth; depth++ {
		entry, err := s.entry(current)
		if err != nil {
			return "", pkgerrors.NewDanglingReference(current, err)
		}
		entry.mu.Lock()
		ts := entry.e.Tombstone
		entry.mu.Unlock()
		if ts == nil {
			return current, nil
		}
		current = ts.RedirectTo
	}
	return "", pkgerrors.NewDanglingReference(id, nil)
}

func (s *MemoryStore) UpsertEdge(ctx context.Context, key entity.EdgeKey, fn func(*entity.Relationship) error) (*entity.Relationship, error) {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()

	rel, exists := s.edges[key]
	if exists {
		rel = cloneRelationship(rel)
	} else {
		// New edges may only reference entities that exist right now
		if err := s.checkEntityExists(key.A); err != nil {
			return nil, err
		}
		if err := s.checkEntityExists(key.B); err != nil {
			return nil, err
		}
		rel = &entity.Relationship{Key: key, CreatedAt: time.Now()}
	}

	if err := fn(rel); err != nil {
		return nil, err
	}
	s.edges[key] = rel
	return cloneRelationship(rel), nil
}

func (s *MemoryStore) GetEdge(ctx context.Context, key entity.EdgeKey) (*entity.Relationship, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	rel, ok := s.edges[key]
	if !ok {
		return nil, ErrEdgeNotFound
	}
	return cloneRelationship(rel), nil
}

func (s *MemoryStore) ListEdgesFor(ctx context.Context, id string) ([]*entity.Relationship, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	var out []*entity.Relationship
	for key, rel := range s.edges {
		if key.Touches(id) {
			out = append(out, cloneRelationship(rel))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Affinity > out[j].Affinity })
	return out, nil
}

func (s *MemoryStore) AllEdges(ctx context.Context) ([]*entity.Relationship, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	out := make([]*entity.Relationship, 0, len(s.edges))
	for _, rel := range s.edges {
		out = append(out, cloneRelationship(rel))
	}
	return out, nil
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, key entity.EdgeKey) error {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	if _, ok := s.edges[key]; !ok {
		return ErrEdgeNotFound
	}
	delete(s.edges, key)
	return nil
}

func (s *MemoryStore) PutDormantEdge(ctx context.Context, d *entity.DormantEdge) error {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	cp := *d
	s.dormant = append(s.dormant, &cp)
	return nil
}

func (s *MemoryStore) ListDormantEdges(ctx context.Context) ([]*entity.DormantEdge, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	out := make([]*entity.DormantEdge, 0, len(s.dormant))
	for _, d := range s.dormant {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutInsight(ctx context.Context, i *entity.Insight) error {
	s.insightMu.Lock()
	defer s.insightMu.Unlock()
	for _, existing := range s.insights {
		if existing.ID == i.ID {
			return ErrDuplicateInsight
		}
	}
	cp := cloneInsight(i)
	s.insights = append(s.insights, cp)
	s.bySig[cp.Signature()] = cp
	return nil
}

func (s *MemoryStore) ListInsights(ctx context.Context, kind entity.InsightKind, entityID string, now time.Time) ([]*entity.Insight, error) {
	s.insightMu.RLock()
	defer s.insightMu.RUnlock()

	var out []*entity.Insight
	for _, i := range s.insights {
		if !i.Active(now) {
			continue
		}
		if kind != "" && i.Kind != kind {
			continue
		}
		if entityID != "" && !refersTo(i, entityID) {
			continue
		}
		out = append(out, cloneInsight(i))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindInsightBySignature(ctx context.Context, signature string) (*entity.Insight, error) {
	s.insightMu.RLock()
	defer s.insightMu.RUnlock()
	i, ok := s.bySig[signature]
	if !ok {
		return nil, nil
	}
	return cloneInsight(i), nil
}

func (s *MemoryStore) PutEvent(ctx context.Context, rec *EventRecord) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now()
	s.events[cp.ID] = &cp
	// The key index always points at the newest submission for the key, so
	// a late journal write for a superseded event cannot re-point it back
	if cur, ok := s.events[s.eventsByKey[cp.Key]]; !ok || !cur.CreatedAt.After(cp.CreatedAt) {
		s.eventsByKey[cp.Key] = cp.ID
	}
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	rec, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetEventByKey(ctx context.Context, key string) (*EventRecord, error) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	id, ok := s.eventsByKey[key]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *s.events[id]
	return &cp, nil
}

func (s *MemoryStore) ListEventsByStatus(ctx context.Context, status EventStatus) ([]*EventRecord, error) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	var out []*EventRecord
	for _, rec := range s.events {
		if rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PutReviewItem(ctx context.Context, item *ReviewItem) error {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	cp := *item
	s.reviews[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetReviewItem(ctx context.Context, id string) (*ReviewItem, error) {
	s.reviewMu.RLock()
	defer s.reviewMu.RUnlock()
	item, ok := s.reviews[id]
	if !ok {
		return nil, ErrReviewNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) ListReviewItems(ctx context.Context) ([]*ReviewItem, error) {
	s.reviewMu.RLock()
	defer s.reviewMu.RUnlock()
	out := make([]*ReviewItem, 0, len(s.reviews))
	for _, item := range s.reviews {
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteReviewItem(ctx context.Context, id string) error {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	if _, ok := s.reviews[id]; !ok {
		return ErrReviewNotFound
	}
	delete(s.reviews, id)
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) entry(id string) (*entityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return entry, nil
}

func (s *MemoryStore) checkEntityExists(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entities[id]; !ok {
		return ErrEntityNotFound
	}
	return nil
}

// indexNamesLocked registers the canonical name and all aliases. First
// writer wins on collisions; the resolver handles near-duplicates upstream.
// Tombstoned entities keep their stale index entries so old names still
// resolve through the redirect.
func (s *MemoryStore) indexNamesLocked(e *entity.Entity) {
	if e.IsTombstoned() {
		return
	}
	for k, v := range s.nameIndex {
		if v == e.ID {
			delete(s.nameIndex, k)
		}
	}
	names := append([]string{e.CanonicalName}, e.Aliases...)
	for _, n := range names {
		key := nameKey{variant: e.Variant, name: entity.NormalizeName(n)}
		if key.name == "" {
			continue
		}
		if _, taken := s.nameIndex[key]; !taken {
			s.nameIndex[key] = e.ID
		}
	}
}

func refersTo(i *entity.Insight, id string) bool {
	for _, ref := range i.EvidenceRefs {
		if ref == id {
			return true
		}
	}
	return false
}

func cloneEntity(e *entity.Entity) *entity.Entity {
	cp := *e
	cp.Aliases = append([]string(nil), e.Aliases...)
	cp.Keywords = append([]string(nil), e.Keywords...)
	cp.Provenance = append([]entity.ProvenanceRef(nil), e.Provenance...)
	if e.Tombstone != nil {
		ts := *e.Tombstone
		cp.Tombstone = &ts
	}
	if e.DueDate != nil {
		d := *e.DueDate
		cp.DueDate = &d
	}
	return &cp
}

func cloneRelationship(r *entity.Relationship) *entity.Relationship {
	cp := *r
	return &cp
}

func cloneInsight(i *entity.Insight) *entity.Insight {
	cp := *i
	cp.EvidenceRefs = append([]string(nil), i.EvidenceRefs...)
	return &cp
}
