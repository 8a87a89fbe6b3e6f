package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"intelgraph/internal/accumulator"
	"intelgraph/internal/entity"
	"intelgraph/internal/oracle"
	"intelgraph/internal/resolver"
	"intelgraph/internal/store"
	"intelgraph/internal/tracker"
	pkgerrors "intelgraph/pkg/errors"
	"intelgraph/pkg/logger"
)

// Config holds the pipeline tunables
type Config struct {
	Workers       int
	MaxAttempts   int
	RetryBackoff  time.Duration // base backoff, doubled per attempt
	OracleTimeout time.Duration
	QueueCaps     [tierCount]int
}

// Pipeline turns submitted evidence into graph updates: extraction, candidate
// validation, resolution, accumulation and relationship reinforcement, run by
// a bounded worker pool over one shared tiered queue.
type Pipeline struct {
	store       store.Store
	resolver    *resolver.Resolver
	accumulator *accumulator.Accumulator
	tracker     *tracker.Tracker
	extractor   oracle.Extractor
	config      Config
	queue       *tieredQueue
	logger      *zap.Logger

	mu      sync.Mutex
	stopped bool
}

// New wires a pipeline over the graph components
func New(s store.Store, r *resolver.Resolver, a *accumulator.Accumulator, t *tracker.Tracker, ex oracle.Extractor, cfg Config) *Pipeline {
	return &Pipeline{
		store:       s,
		resolver:    r,
		accumulator: a,
		tracker:     t,
		extractor:   ex,
		config:      cfg,
		queue:       newTieredQueue(cfg.QueueCaps),
		logger:      logger.Named("pipeline"),
	}
}

// Submit enqueues one event. Idempotent on (source id, content hash): a key
// that already completed is a no-op success, a key still pending is
// superseded by the new submission. A full tier rejects with QueueSaturated.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*store.EventRecord, error) {
	key := sub.Key()

	if existing, err := p.store.GetEventByKey(ctx, key); err == nil {
		switch existing.Status {
		case store.EventCompleted:
			return existing, nil
		case store.EventQueued, store.EventFailedRetryable, store.EventInProgress:
			// Supersede: newer content for the same source wins. An
			// in-flight oracle result will be discarded at apply time.
			p.queue.markCancelled(existing.ID)
			existing.Status = store.EventCancelled
			existing.LastError = "superseded by a newer submission"
			if err := p.store.PutEvent(ctx, existing); err != nil {
				p.logger.Warn("failed to journal superseded event", zap.Error(err))
			}
		case store.EventCancelled:
			// A cancelled record never blocks a fresh submission
		}
	} else if err != store.ErrEventNotFound {
		return nil, err
	}

	ev := &event{
		id:       uuid.NewString(),
		sub:      sub,
		enqueued: time.Now(),
	}

	rec := p.record(ev, store.EventQueued, "")
	if err := p.store.PutEvent(ctx, rec); err != nil {
		return nil, err
	}
	if err := p.queue.enqueue(ev); err != nil {
		rec.Status = store.EventCancelled
		rec.LastError = err.Error()
		if jerr := p.store.PutEvent(ctx, rec); jerr != nil {
			p.logger.Warn("failed to journal rejected event", zap.Error(jerr))
		}
		return nil, err
	}
	p.gauge(sub.Tier)

	p.logger.Debug("event queued",
		zap.String("event_id", ev.id),
		zap.String("source_id", sub.SourceID),
		zap.String("tier", sub.Tier.String()))
	return rec, nil
}

// Run recovers journaled work and processes events with a bounded worker
// pool until the context ends
func (p *Pipeline) Run(ctx context.Context) error {
	p.recover(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			for {
				ev, wasCancelled, err := p.queue.dequeue(ctx)
				if err != nil {
					return nil // context ended
				}
				p.gauge(ev.sub.Tier)
				p.process(ctx, ev, wasCancelled)
			}
		})
	}
	err := g.Wait()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return err
}

// recover re-enqueues journaled events that never reached a terminal state
func (p *Pipeline) recover(ctx context.Context) {
	for _, status := range []store.EventStatus{store.EventQueued, store.EventInProgress, store.EventFailedRetryable} {
		recs, err := p.store.ListEventsByStatus(ctx, status)
		if err != nil {
			p.logger.Warn("event recovery scan failed", zap.Error(err))
			continue
		}
		for _, rec := range recs {
			if rec.Payload == "" {
				continue
			}
			var sub Submission
			if err := json.Unmarshal([]byte(rec.Payload), &sub); err != nil {
				p.logger.Warn("unreadable journaled event", zap.String("event_id", rec.ID), zap.Error(err))
				continue
			}
			tier, err := ParseTier(rec.Tier)
			if err != nil {
				continue
			}
			sub.Tier = tier
			ev := &event{id: rec.ID, sub: sub, attempts: rec.Attempts, enqueued: time.Now()}
			if err := p.queue.enqueue(ev); err != nil {
				p.logger.Warn("recovered event rejected", zap.String("event_id", rec.ID), zap.Error(err))
				continue
			}
			p.logger.Info("recovered journaled event",
				zap.String("event_id", rec.ID),
				zap.String("status", string(status)))
		}
	}
}

func (p *Pipeline) process(ctx context.Context, ev *event, wasCancelled bool) {
	tierLabel := ev.sub.Tier.String()
	if wasCancelled {
		p.journal(ctx, ev, store.EventCancelled, "superseded by a newer submission")
		eventsTotal.WithLabelValues(tierLabel, "cancelled").Inc()
		return
	}

	start := time.Now()
	ev.attempts++
	p.journal(ctx, ev, store.EventInProgress, "")

	candidates, relations, err := p.extract(ctx, ev)
	if err != nil {
		p.handleOracleFailure(ctx, ev, err)
		return
	}

	// A submission that superseded this event while the oracle was running
	// means these results are stale; drop them on the floor.
	if p.queue.consumeCancelled(ev.id) {
		p.journal(ctx, ev, store.EventCancelled, "superseded while in flight")
		eventsTotal.WithLabelValues(tierLabel, "cancelled").Inc()
		return
	}

	p.apply(ctx, ev, candidates, relations)

	p.journal(ctx, ev, store.EventCompleted, "")
	eventsTotal.WithLabelValues(tierLabel, "completed").Inc()
	processingSeconds.WithLabelValues(tierLabel).Observe(time.Since(start).Seconds())
}

// extract produces candidates for the event: pre-extracted ones pass
// through, otherwise the oracle runs under a hard timeout
func (p *Pipeline) extract(ctx context.Context, ev *event) ([]entity.Candidate, []entity.RelationHint, error) {
	if len(ev.sub.Candidates) > 0 {
		return ev.sub.Candidates, ev.sub.Relations, nil
	}
	if ev.sub.Document == "" {
		return nil, nil, nil
	}

	oracleCtx, cancel := context.WithTimeout(ctx, p.config.OracleTimeout)
	defer cancel()
	extraction, err := p.extractor.Extract(oracleCtx, oracle.Document{
		SourceID: ev.sub.SourceID,
		Text:     ev.sub.Document,
	})
	if err != nil {
		return nil, nil, err
	}
	return extraction.Candidates, extraction.Relations, nil
}

func (p *Pipeline) handleOracleFailure(ctx context.Context, ev *event, cause error) {
	tierLabel := ev.sub.Tier.String()

	if ev.attempts < p.config.MaxAttempts {
		transient := pkgerrors.NewOracleTransient(ev.attempts, cause)
		p.journal(ctx, ev, store.EventFailedRetryable, transient.Error())
		eventsTotal.WithLabelValues(tierLabel, "failed-retryable").Inc()
		oracleRetries.Inc()

		backoff := p.config.RetryBackoff << (ev.attempts - 1)
		p.logger.Warn("oracle failure, retrying",
			zap.String("event_id", ev.id),
			zap.Int("attempt", ev.attempts),
			zap.Duration("backoff", backoff),
			zap.Error(cause))
		time.AfterFunc(backoff, func() { p.requeue(ev) })
		return
	}

	exhausted := pkgerrors.NewOracleExhausted(ev.attempts, cause)
	p.journal(ctx, ev, store.EventFailedPermanent, exhausted.Error())
	eventsTotal.WithLabelValues(tierLabel, "failed-permanent").Inc()
	p.logger.Error("event failed permanently",
		zap.String("event_id", ev.id),
		zap.Int("attempts", ev.attempts),
		zap.Error(cause))

	// Spent events land on the review surface, never in the void
	item := &store.ReviewItem{
		ID:        uuid.NewString(),
		Kind:      store.ReviewFailedEvent,
		EventID:   ev.id,
		Reason:    exhausted.Error(),
		CreatedAt: time.Now(),
	}
	if err := p.store.PutReviewItem(ctx, item); err != nil {
		p.logger.Error("failed to park spent event for review", zap.Error(err))
	}
}

func (p *Pipeline) requeue(ev *event) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	// A fresh submission may have superseded this event during its backoff
	// window; re-enqueueing it would supersede the newer event right back.
	// Submit already journaled it cancelled.
	if p.queue.consumeCancelled(ev.id) {
		p.logger.Debug("superseded event dropped at retry", zap.String("event_id", ev.id))
		return
	}
	if err := p.queue.enqueue(ev); err != nil {
		// Stays failed-retryable in the journal; recovery picks it up
		p.logger.Warn("retry rejected by full queue", zap.String("event_id", ev.id), zap.Error(err))
	}
}

// apply resolves each candidate and reinforces the hinted relationships.
// One bad candidate never blocks the rest of the event.
func (p *Pipeline) apply(ctx context.Context, ev *event, candidates []entity.Candidate, relations []entity.RelationHint) {
	src := entity.SourceContext{
		SourceID:   ev.sub.SourceID,
		Excerpt:    excerpt(ev.sub.Document),
		ObservedAt: observedAt(ev.sub),
		UserAction: ev.sub.UserAction,
	}

	resolvedIDs := make(map[string]string, len(candidates))
	parked := make(map[string]string)
	for _, cand := range candidates {
		if err := cand.Validate(); err != nil {
			candidatesDropped.Inc()
			p.logger.Warn("candidate rejected",
				zap.String("event_id", ev.id),
				zap.Error(err))
			continue
		}

		res, err := p.resolver.Resolve(ctx, cand, src)
		if err != nil {
			p.logger.Error("resolution failed",
				zap.String("event_id", ev.id),
				zap.String("candidate", cand.Name),
				zap.Error(err))
			continue
		}

		switch res.Outcome {
		case resolver.OutcomeMatched:
			updated, err := p.accumulator.Accumulate(ctx, res.Entity.ID, cand, src)
			if err != nil {
				p.logger.Error("accumulation failed",
					zap.String("entity_id", res.Entity.ID),
					zap.Error(err))
				continue
			}
			resolvedIDs[entity.NormalizeName(cand.Name)] = updated.ID
		case resolver.OutcomeCreated:
			resolvedIDs[entity.NormalizeName(cand.Name)] = res.Entity.ID
		case resolver.OutcomeAmbiguous:
			// Parked for review; hints touching it are attached below
			parked[entity.NormalizeName(cand.Name)] = res.ReviewID
		}
	}

	for _, hint := range relations {
		kind := hint.Kind
		switch kind {
		case entity.KindCoOccurrence, entity.KindAssignment, entity.KindAttendance:
		default:
			kind = entity.KindCoOccurrence
		}

		fromName := entity.NormalizeName(hint.From)
		toName := entity.NormalizeName(hint.To)
		from, okFrom := resolvedIDs[fromName]
		to, okTo := resolvedIDs[toName]
		switch {
		case okFrom && okTo:
			if from == to {
				continue
			}
			if _, err := p.tracker.Reinforce(ctx, from, to, kind, src); err != nil {
				p.logger.Error("reinforcement failed",
					zap.String("from", from),
					zap.String("to", to),
					zap.Error(err))
			}
		case okFrom:
			// The to side is parked; the edge is reinforced when the
			// review item is resolved
			if reviewID, ok := parked[toName]; ok {
				p.attachPendingRelation(ctx, reviewID, store.PendingRelation{OtherID: from, Kind: kind})
			}
		case okTo:
			if reviewID, ok := parked[fromName]; ok {
				p.attachPendingRelation(ctx, reviewID, store.PendingRelation{OtherID: to, Kind: kind, Outbound: true})
			}
		}
	}
}

func (p *Pipeline) attachPendingRelation(ctx context.Context, reviewID string, rel store.PendingRelation) {
	item, err := p.store.GetReviewItem(ctx, reviewID)
	if err != nil {
		p.logger.Warn("pending relation not attached", zap.String("review_id", reviewID), zap.Error(err))
		return
	}
	item.PendingRelations = append(item.PendingRelations, rel)
	if err := p.store.PutReviewItem(ctx, item); err != nil {
		p.logger.Warn("pending relation not attached", zap.String("review_id", reviewID), zap.Error(err))
	}
}

func (p *Pipeline) journal(ctx context.Context, ev *event, status store.EventStatus, lastError string) {
	if err := p.store.PutEvent(ctx, p.record(ev, status, lastError)); err != nil {
		p.logger.Warn("event journal write failed",
			zap.String("event_id", ev.id),
			zap.Error(err))
	}
}

func (p *Pipeline) record(ev *event, status store.EventStatus, lastError string) *store.EventRecord {
	payload, _ := json.Marshal(ev.sub)
	return &store.EventRecord{
		ID:          ev.id,
		Key:         ev.sub.Key(),
		SourceID:    ev.sub.SourceID,
		ContentHash: ev.sub.Hash(),
		Tier:        ev.sub.Tier.String(),
		Status:      status,
		Attempts:    ev.attempts,
		LastError:   lastError,
		Payload:     string(payload),
		CreatedAt:   ev.enqueued,
	}
}

func (p *Pipeline) gauge(tier Tier) {
	queueDepth.WithLabelValues(tier.String()).Set(float64(p.queue.depth(tier)))
}

// Stats summarizes queue depths and journal status counts
type Stats struct {
	QueueDepths  map[string]int `json:"queue_depths"`
	StatusCounts map[string]int `json:"status_counts"`
}

func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		QueueDepths:  make(map[string]int, tierCount),
		StatusCounts: make(map[string]int),
	}
	for t := Tier(0); t < tierCount; t++ {
		stats.QueueDepths[t.String()] = p.queue.depth(t)
	}
	for _, status := range []store.EventStatus{
		store.EventQueued, store.EventInProgress, store.EventCompleted,
		store.EventFailedRetryable, store.EventFailedPermanent, store.EventCancelled,
	} {
		recs, err := p.store.ListEventsByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		stats.StatusCounts[string(status)] = len(recs)
	}
	return stats, nil
}

// excerpt truncates on a rune boundary so provenance never stores a torn
// multi-byte character
func excerpt(doc string) string {
	const max = 140
	if len(doc) <= max {
		return doc
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(doc[cut]) {
		cut--
	}
	return doc[:cut]
}

func observedAt(sub Submission) time.Time {
	if !sub.ObservedAt.IsZero() {
		return sub.ObservedAt
	}
	return time.Now()
}
