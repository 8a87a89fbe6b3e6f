package pipeline

import (
	"context"
	"sync"

	pkgerrors "intelgraph/pkg/errors"
)

// tieredQueue is the single shared priority structure all workers pull
// from. Each tier is bounded; a full tier pushes back on the submitter
// instead of silently dropping work.
type tieredQueue struct {
	mu        sync.Mutex
	tiers     [tierCount][]*event
	caps      [tierCount]int
	byKey     map[string]*event
	cancelled map[string]bool
	notify    chan struct{}
}

func newTieredQueue(caps [tierCount]int) *tieredQueue {
	return &tieredQueue{
		caps:      caps,
		byKey:     make(map[string]*event),
		cancelled: make(map[string]bool),
		notify:    make(chan struct{}, 1),
	}
}

// enqueue adds an event, superseding any still-queued event with the same
// idempotency key. Returns QueueSaturated when the tier is full.
func (q *tieredQueue) enqueue(ev *event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tier := ev.sub.Tier
	if q.caps[tier] > 0 && q.pendingLocked(tier) >= q.caps[tier] {
		return pkgerrors.NewQueueSaturated(tier.String())
	}

	key := ev.sub.Key()
	if old, ok := q.byKey[key]; ok {
		q.cancelled[old.id] = true
	}
	q.byKey[key] = ev
	q.tiers[tier] = append(q.tiers[tier], ev)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pendingLocked counts queued events in a tier that are not already
// cancelled; superseded entries do not hold capacity
func (q *tieredQueue) pendingLocked(tier Tier) int {
	n := 0
	for _, ev := range q.tiers[tier] {
		if !q.cancelled[ev.id] {
			n++
		}
	}
	return n
}

// dequeue blocks for the next event in tier order. The second return is
// true when the popped event was cancelled while queued; the caller
// journals it and moves on.
func (q *tieredQueue) dequeue(ctx context.Context) (*event, bool, error) {
	for {
		q.mu.Lock()
		for t := Tier(0); t < tierCount; t++ {
			if len(q.tiers[t]) == 0 {
				continue
			}
			ev := q.tiers[t][0]
			q.tiers[t] = q.tiers[t][1:]
			wasCancelled := q.cancelled[ev.id]
			delete(q.cancelled, ev.id)
			if q.byKey[ev.sub.Key()] == ev {
				delete(q.byKey, ev.sub.Key())
			}
			q.mu.Unlock()
			return ev, wasCancelled, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-q.notify:
		}
	}
}

// markCancelled flags an already-dequeued event so its in-flight result is
// discarded
func (q *tieredQueue) markCancelled(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[id] = true
}

// consumeCancelled reports and clears the cancelled flag for an in-flight
// event
func (q *tieredQueue) consumeCancelled(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled[id] {
		delete(q.cancelled, id)
		return true
	}
	return false
}

func (q *tieredQueue) depth(tier Tier) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked(tier)
}
