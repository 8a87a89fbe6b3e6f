package tracker

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"intelgraph/internal/entity"
	"intelgraph/internal/store"
	"intelgraph/pkg/logger"
)

// Config holds the affinity tunables
type Config struct {
	Base       float64       // affinity for a brand new edge
	Gain       float64       // saturating reinforcement step
	HalfLife   time.Duration // decay half-life for stale edges
	PruneFloor float64       // below this the edge is pruned
	StaleAfter time.Duration // edges untouched this long start decaying
}

// Tracker maintains relationship edges: reinforcement on fresh evidence and
// periodic decay of stale ones
type Tracker struct {
	store  store.Store
	config Config
	logger *zap.Logger
	notify func(entity.GraphDelta)
}

// NewTracker creates a tracker over the given store
func NewTracker(s store.Store, cfg Config) *Tracker {
	return &Tracker{
		store:  s,
		config: cfg,
		logger: logger.Named("tracker"),
		notify: func(entity.GraphDelta) {},
	}
}

// SetNotifier registers the sink for pruned-edge notifications. The sink
// must not block.
func (t *Tracker) SetNotifier(fn func(entity.GraphDelta)) {
	if fn != nil {
		t.notify = fn
	}
}

// Reinforce records one piece of evidence connecting two entities. A new
// edge starts at the base affinity; an existing one strengthens with a
// saturating step that approaches but never reaches 1.
func (t *Tracker) Reinforce(ctx context.Context, a, b string, kind entity.RelationshipKind, src entity.SourceContext) (*entity.Relationship, error) {
	resolvedA, err := t.store.ResolveID(ctx, a)
	if err != nil {
		return nil, err
	}
	resolvedB, err := t.store.ResolveID(ctx, b)
	if err != nil {
		return nil, err
	}
	if resolvedA == resolvedB {
		// Both sides merged into the same entity; there is no edge to keep
		return nil, nil
	}

	key := entity.NewEdgeKey(resolvedA, resolvedB, kind)
	now := time.Now()
	return t.store.UpsertEdge(ctx, key, func(r *entity.Relationship) error {
		if r.EvidenceCount == 0 {
			r.Affinity = t.config.Base
		} else {
			r.Affinity += (1 - r.Affinity) * t.config.Gain
		}
		r.EvidenceCount++
		r.LastReinforcedAt = now
		return nil
	})
}

// DecayPass halves the affinity of stale edges per elapsed half-life and
// prunes the ones that fall below the floor. Pruned edges leave a compact
// dormant record behind. Returns (decayed, pruned) counts.
func (t *Tracker) DecayPass(ctx context.Context, now time.Time) (int, int, error) {
	edges, err := t.store.AllEdges(ctx)
	if err != nil {
		return 0, 0, err
	}

	var decayed, pruned int
	for _, edge := range edges {
		if now.Sub(edge.LastReinforcedAt) < t.config.StaleAfter {
			continue
		}

		// Decay from the later of last reinforcement and last decay, so
		// repeated passes never double-apply
		from := edge.LastReinforcedAt
		if edge.DecayedAt.After(from) {
			from = edge.DecayedAt
		}
		halfLives := now.Sub(from).Hours() / t.config.HalfLife.Hours()
		if halfLives <= 0 {
			continue
		}
		newAffinity := edge.Affinity * math.Exp2(-halfLives)

		if newAffinity < t.config.PruneFloor {
			if err := t.prune(ctx, edge, now); err != nil {
				return decayed, pruned, err
			}
			pruned++
			continue
		}

		_, err := t.store.UpsertEdge(ctx, edge.Key, func(r *entity.Relationship) error {
			r.Affinity = newAffinity
			r.DecayedAt = now
			return nil
		})
		if err != nil {
			return decayed, pruned, err
		}
		decayed++
	}

	if decayed > 0 || pruned > 0 {
		t.logger.Info("decay pass complete",
			zap.Int("decayed", decayed),
			zap.Int("pruned", pruned))
	}
	return decayed, pruned, nil
}

func (t *Tracker) prune(ctx context.Context, edge *entity.Relationship, now time.Time) error {
	dormant := &entity.DormantEdge{
		Key:           edge.Key,
		EvidenceCount: edge.EvidenceCount,
		LastActiveAt:  edge.LastReinforcedAt,
		PrunedAt:      now,
	}
	if err := t.store.PutDormantEdge(ctx, dormant); err != nil {
		return err
	}
	if err := t.store.DeleteEdge(ctx, edge.Key); err != nil && err != store.ErrEdgeNotFound {
		return err
	}
	t.notify(entity.GraphDelta{
		Kind: entity.DeltaEdgePruned,
		Edge: dormant,
		At:   now,
	})
	return nil
}

// Run executes decay passes on a fixed interval until the context ends
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, _, err := t.DecayPass(ctx, now); err != nil {
				t.logger.Error("decay pass failed", zap.Error(err))
			}
		}
	}
}
