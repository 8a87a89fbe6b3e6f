package accumulator

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"intelgraph/internal/entity"
	"intelgraph/internal/store"
	pkgerrors "intelgraph/pkg/errors"
	"intelgraph/pkg/logger"
)

// Config holds the scoring tunables
type Config struct {
	ProvenanceRetention int           // newest excerpts kept per entity
	ConfidenceGain      float64       // corroboration step toward 1.0
	ImportanceHalfLife  time.Duration // recency decay half-life
	UserCreatedBonus    float64
	OfficialBonus       float64
	RiseThreshold       float64 // importance level that triggers a graph delta
}

// Accumulator folds new evidence into existing entities and performs the
// explicit graph mutations: merge, promote, correct.
type Accumulator struct {
	store  store.Store
	config Config
	logger *zap.Logger
	notify func(entity.GraphDelta)
}

// NewAccumulator creates an accumulator over the given store
func NewAccumulator(s store.Store, cfg Config) *Accumulator {
	return &Accumulator{
		store:  s,
		config: cfg,
		logger: logger.Named("accumulator"),
		notify: func(entity.GraphDelta) {},
	}
}

// SetNotifier registers the sink for graph change notifications. The sink
// must not block.
func (a *Accumulator) SetNotifier(fn func(entity.GraphDelta)) {
	if fn != nil {
		a.notify = fn
	}
}

// Accumulate folds one piece of evidence into the entity. Mention count and
// provenance only grow; confidence moves up on corroboration and down only
// when the evidence is an explicit contradiction.
func (a *Accumulator) Accumulate(ctx context.Context, id string, cand entity.Candidate, src entity.SourceContext) (*entity.Entity, error) {
	resolved, err := a.store.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	var rose bool
	updated, err := a.store.UpdateEntity(ctx, resolved, func(e *entity.Entity) error {
		e.AddAlias(cand.Name)
		for _, alias := range cand.Aliases {
			e.AddAlias(alias)
		}
		e.Keywords = unionKeywords(e.Keywords, cand.Keywords)
		if e.Description == "" {
			e.Description = cand.Description
		}
		if e.Email == "" {
			e.Email = cand.Email
		}
		if cand.Status != "" {
			e.Status = cand.Status
		}
		if cand.DueDate != nil {
			e.DueDate = cand.DueDate
		}

		e.MentionCount++
		if src.SourceID != "" {
			e.Provenance = appendProvenance(e.Provenance, entity.ProvenanceRef{
				SourceID:  src.SourceID,
				Excerpt:   src.Excerpt,
				Timestamp: src.ObservedAt,
			}, a.config.ProvenanceRetention)
		}

		if cand.Contradiction {
			e.Confidence = clamp01(e.Confidence * (1 - cand.Confidence*a.config.ConfidenceGain))
		} else {
			e.Confidence = clamp01(e.Confidence + (1-e.Confidence)*cand.Confidence*a.config.ConfidenceGain)
		}

		before := e.Importance
		a.recomputeImportance(e, time.Now())
		rose = before < a.config.RiseThreshold && e.Importance >= a.config.RiseThreshold
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rose {
		a.notify(entity.GraphDelta{
			Kind:       entity.DeltaImportanceRise,
			EntityID:   updated.ID,
			Importance: updated.Importance,
			At:         time.Now(),
		})
	}
	return updated, nil
}

// Merge folds the source entity into the target. Idempotent: a source that
// was already merged into the target reports success without changes. Two
// user-created entities are never merged.
func (a *Accumulator) Merge(ctx context.Context, sourceID, targetID string) (*entity.Entity, error) {
	src, err := a.store.ResolveID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	dst, err := a.store.ResolveID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if src == dst {
		// Already merged, or a self-merge request
		return a.store.GetEntity(ctx, dst)
	}

	err = a.store.UpdateEntityPair(ctx, src, dst, func(source, target *entity.Entity) error {
		if source.Origin == entity.OriginUserCreated && target.Origin == entity.OriginUserCreated {
			return pkgerrors.NewMergeConflict(source.ID, target.ID)
		}
		if source.Variant != target.Variant {
			return fmt.Errorf("cannot merge %s entity into %s entity", source.Variant, target.Variant)
		}

		target.AddAlias(source.CanonicalName)
		for _, alias := range source.Aliases {
			target.AddAlias(alias)
		}
		target.Keywords = unionKeywords(target.Keywords, source.Keywords)
		if target.Description == "" {
			target.Description = source.Description
		}
		if target.Email == "" {
			target.Email = source.Email
		}

		target.MentionCount += source.MentionCount
		target.Provenance = mergeProvenance(target.Provenance, source.Provenance, a.config.ProvenanceRetention)
		if source.Confidence > target.Confidence {
			target.Confidence = source.Confidence
		}
		if source.Origin == entity.OriginUserCreated {
			target.Origin = entity.OriginUserCreated
		}
		target.Official = target.Official || source.Official
		a.recomputeImportance(target, time.Now())

		source.Tombstone = &entity.Tombstone{RedirectTo: target.ID, MergedAt: time.Now()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := a.repointEdges(ctx, src, dst); err != nil {
		return nil, err
	}

	a.logger.Info("entities merged",
		zap.String("source", src),
		zap.String("target", dst))
	a.notify(entity.GraphDelta{
		Kind:       entity.DeltaEntityMerged,
		EntityID:   dst,
		MergedFrom: src,
		At:         time.Now(),
	})

	return a.store.GetEntity(ctx, dst)
}

// repointEdges moves every edge touching the merged-away entity onto the
// survivor, combining with any edge that already exists there
func (a *Accumulator) repointEdges(ctx context.Context, src, dst string) error {
	edges, err := a.store.ListEdgesFor(ctx, src)
	if err != nil {
		return err
	}
	for _, old := range edges {
		other := old.Key.Other(src)
		if err := a.store.DeleteEdge(ctx, old.Key); err != nil && err != store.ErrEdgeNotFound {
			return err
		}
		if other == dst {
			// An edge between the two merge operands collapses away
			continue
		}

		var newKey entity.EdgeKey
		if old.Key.Kind.IsDirected() {
			from, to := old.Key.A, old.Key.B
			if from == src {
				from = dst
			}
			if to == src {
				to = dst
			}
			newKey = entity.NewEdgeKey(from, to, old.Key.Kind)
		} else {
			newKey = entity.NewEdgeKey(dst, other, old.Key.Kind)
		}

		_, err := a.store.UpsertEdge(ctx, newKey, func(r *entity.Relationship) error {
			if old.Affinity > r.Affinity {
				r.Affinity = old.Affinity
			}
			r.EvidenceCount += old.EvidenceCount
			if old.LastReinforcedAt.After(r.LastReinforcedAt) {
				r.LastReinforcedAt = old.LastReinforcedAt
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Promote marks an entity as user-endorsed: user-created origin plus the
// official flag
func (a *Accumulator) Promote(ctx context.Context, id string) (*entity.Entity, error) {
	resolved, err := a.store.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.store.UpdateEntity(ctx, resolved, func(e *entity.Entity) error {
		e.Origin = entity.OriginUserCreated
		e.Official = true
		a.recomputeImportance(e, time.Now())
		return nil
	})
}

// Correction is an explicit user fix-up. Alias removal is the one exception
// to the grow-only alias set; Contradict lowers confidence.
type Correction struct {
	RemoveAliases []string `json:"remove_aliases,omitempty"`
	Contradict    bool     `json:"contradict,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// Correct applies a user correction to an entity
func (a *Accumulator) Correct(ctx context.Context, id string, fix Correction) (*entity.Entity, error) {
	resolved, err := a.store.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.store.UpdateEntity(ctx, resolved, func(e *entity.Entity) error {
		for _, alias := range fix.RemoveAliases {
			e.Aliases = removeAlias(e.Aliases, alias)
		}
		if fix.Description != "" {
			e.Description = fix.Description
		}
		if fix.Contradict {
			e.Confidence = clamp01(e.Confidence * (1 - a.config.ConfidenceGain))
		}
		return nil
	})
}

// recomputeImportance blends mention frequency with recency of the latest
// evidence, then applies the origin bonuses. Bounded to [0,1].
func (a *Accumulator) recomputeImportance(e *entity.Entity, now time.Time) {
	mentionTerm := math.Log1p(float64(e.MentionCount)) / math.Log1p(100)
	if mentionTerm > 1 {
		mentionTerm = 1
	}

	recency := 1.0
	if last := lastEvidenceAt(e); !last.IsZero() && now.After(last) {
		halfLives := now.Sub(last).Hours() / a.config.ImportanceHalfLife.Hours()
		recency = math.Exp2(-halfLives)
	}

	importance := 0.6*mentionTerm + 0.4*recency
	if e.Origin == entity.OriginUserCreated {
		importance += a.config.UserCreatedBonus
	}
	if e.Official {
		importance += a.config.OfficialBonus
	}
	e.Importance = clamp01(importance)
}

func lastEvidenceAt(e *entity.Entity) time.Time {
	var last time.Time
	for _, p := range e.Provenance {
		if p.Timestamp.After(last) {
			last = p.Timestamp
		}
	}
	return last
}

// appendProvenance keeps the newest refs up to the retention cap. The total
// evidence count survives in MentionCount even when old excerpts drop off.
func appendProvenance(refs []entity.ProvenanceRef, ref entity.ProvenanceRef, retain int) []entity.ProvenanceRef {
	refs = append(refs, ref)
	if retain > 0 && len(refs) > retain {
		refs = refs[len(refs)-retain:]
	}
	return refs
}

func mergeProvenance(target, source []entity.ProvenanceRef, retain int) []entity.ProvenanceRef {
	merged := append(append([]entity.ProvenanceRef(nil), target...), source...)
	if retain > 0 && len(merged) > retain {
		merged = merged[len(merged)-retain:]
	}
	return merged
}

func unionKeywords(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, k := range existing {
		seen[entity.NormalizeName(k)] = true
	}
	for _, k := range incoming {
		n := entity.NormalizeName(k)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		existing = append(existing, k)
	}
	return existing
}

func removeAlias(aliases []string, alias string) []string {
	n := entity.NormalizeName(alias)
	out := aliases[:0]
	for _, a := range aliases {
		if entity.NormalizeName(a) != n {
			out = append(out, a)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
