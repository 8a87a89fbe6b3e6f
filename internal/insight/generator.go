package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intelgraph/internal/entity"
	"intelgraph/internal/store"
	"intelgraph/pkg/logger"
)

// Config holds the generation tunables
type Config struct {
	Floor              float64       // minimum confidence to emit
	TTL                time.Duration // insight lifetime
	ScanEvery          time.Duration // periodic scan interval
	MomentumImportance float64       // importance bar for topic momentum
	MomentumWindow     time.Duration // how recent mentions must be
}

// Generator derives insights from graph deltas and periodic scans. Insights
// are immutable; a repeat observation is deduplicated against the active
// predecessor and otherwise supersedes the expired one.
type Generator struct {
	store  store.Store
	config Config
	deltas chan entity.GraphDelta
	logger *zap.Logger
}

// NewGenerator creates a generator over the given store
func NewGenerator(s store.Store, cfg Config) *Generator {
	return &Generator{
		store:  s,
		config: cfg,
		deltas: make(chan entity.GraphDelta, 256),
		logger: logger.Named("insight"),
	}
}

// Notify hands a graph delta to the generator without blocking the caller.
// A full buffer drops the delta; the periodic scan catches up later.
func (g *Generator) Notify(d entity.GraphDelta) {
	select {
	case g.deltas <- d:
	default:
		g.logger.Warn("delta buffer full, dropping", zap.String("kind", string(d.Kind)))
	}
}

// Run consumes deltas and scans periodically until the context ends
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.ScanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-g.deltas:
			g.handleDelta(ctx, d)
		case now := <-ticker.C:
			g.Scan(ctx, now)
		}
	}
}

func (g *Generator) handleDelta(ctx context.Context, d entity.GraphDelta) {
	switch d.Kind {
	case entity.DeltaEntityMerged:
		g.onMerge(ctx, d)
	case entity.DeltaEdgePruned:
		g.onPrunedEdge(ctx, d)
	case entity.DeltaImportanceRise:
		g.onImportanceRise(ctx, d)
	}
}

func (g *Generator) onMerge(ctx context.Context, d entity.GraphDelta) {
	survivor, err := g.store.GetEntity(ctx, d.EntityID)
	if err != nil {
		g.logger.Warn("merge insight skipped", zap.Error(err))
		return
	}
	g.emit(ctx, &entity.Insight{
		Kind:  entity.InsightEntityMerged,
		Title: fmt.Sprintf("%q absorbed a duplicate", survivor.CanonicalName),
		Description: fmt.Sprintf("Two records of %q turned out to be the same thing and were combined; history from both is preserved.",
			survivor.CanonicalName),
		Confidence:   0.9,
		EvidenceRefs: []string{d.EntityID, d.MergedFrom},
	}, d.At)
}

func (g *Generator) onPrunedEdge(ctx context.Context, d entity.GraphDelta) {
	if d.Edge == nil {
		return
	}
	nameA := g.entityName(ctx, d.Edge.Key.A)
	nameB := g.entityName(ctx, d.Edge.Key.B)
	confidence := 0.4 + 0.05*float64(min(d.Edge.EvidenceCount, 10))
	g.emit(ctx, &entity.Insight{
		Kind:  entity.InsightDormantRelationship,
		Title: fmt.Sprintf("%s and %s have gone quiet", nameA, nameB),
		Description: fmt.Sprintf("%s and %s used to appear together (%d times, last on %s) but the connection has faded.",
			nameA, nameB, d.Edge.EvidenceCount, d.Edge.LastActiveAt.Format("2006-01-02")),
		Confidence:   confidence,
		EvidenceRefs: []string{d.Edge.Key.A, d.Edge.Key.B},
	}, d.At)
}

func (g *Generator) onImportanceRise(ctx context.Context, d entity.GraphDelta) {
	e, err := g.store.GetEntity(ctx, d.EntityID)
	if err != nil {
		g.logger.Warn("importance insight skipped", zap.Error(err))
		return
	}
	g.emit(ctx, &entity.Insight{
		Kind:         entity.InsightRisingImportance,
		Title:        fmt.Sprintf("%q is gaining importance", e.CanonicalName),
		Description:  fmt.Sprintf("%q crossed the importance bar on accumulating evidence.", e.CanonicalName),
		Confidence:   e.Confidence,
		EvidenceRefs: []string{e.ID},
	}, d.At)
}

// Scan walks the graph for conditions no single delta announces: topics
// with momentum right now
func (g *Generator) Scan(ctx context.Context, now time.Time) {
	topics, err := g.store.ListEntities(ctx, entity.VariantTopic, 0, 0)
	if err != nil {
		g.logger.Error("momentum scan failed", zap.Error(err))
		return
	}
	for _, topic := range topics {
		if topic.Importance < g.config.MomentumImportance {
			continue
		}
		if now.Sub(topic.LastUpdatedAt) > g.config.MomentumWindow {
			continue
		}
		g.emit(ctx, &entity.Insight{
			Kind:  entity.InsightTopicMomentum,
			Title: fmt.Sprintf("%q has momentum", topic.CanonicalName),
			Description: fmt.Sprintf("%q is both important (%.2f) and freshly mentioned (%d mentions).",
				topic.CanonicalName, topic.Importance, topic.MentionCount),
			Confidence:   topic.Importance * topic.Confidence,
			EvidenceRefs: []string{topic.ID},
		}, now)
	}
}

// emit applies the confidence floor and the signature dedup rule, then
// stores the insight. A predecessor that already expired is superseded.
func (g *Generator) emit(ctx context.Context, i *entity.Insight, now time.Time) {
	if i.Confidence < g.config.Floor {
		return
	}
	i.ID = uuid.NewString()
	i.CreatedAt = now
	i.ExpiresAt = now.Add(g.config.TTL)

	prev, err := g.store.FindInsightBySignature(ctx, i.Signature())
	if err != nil {
		g.logger.Error("signature lookup failed", zap.Error(err))
		return
	}
	if prev != nil {
		if prev.Active(now) {
			// Same observation, predecessor still live
			return
		}
		i.Supersedes = prev.ID
	}

	if err := g.store.PutInsight(ctx, i); err != nil {
		g.logger.Error("failed to store insight", zap.Error(err))
		return
	}
	g.logger.Info("insight emitted",
		zap.String("kind", string(i.Kind)),
		zap.String("title", i.Title))
}

func (g *Generator) entityName(ctx context.Context, id string) string {
	e, err := g.store.GetEntity(ctx, id)
	if err != nil {
		return id
	}
	return e.CanonicalName
}
