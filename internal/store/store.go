package store

import (
	"context"
	"errors"
	"time"

	"intelgraph/internal/entity"
)

var (
	ErrEntityNotFound   = errors.New("entity not found")
	ErrDuplicateEntity  = errors.New("entity id already exists")
	ErrEdgeNotFound     = errors.New("relationship not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrReviewNotFound   = errors.New("review item not found")
	ErrDuplicateInsight = errors.New("insight id already exists")
	ErrEntityTombstoned = errors.New("entity was merged away")
)

// EventStatus is the lifecycle state of a journaled pipeline event
type EventStatus string

const (
	EventQueued          EventStatus = "queued"
	EventInProgress      EventStatus = "in-progress"
	EventCompleted       EventStatus = "completed"
	EventFailedRetryable EventStatus = "failed-retryable"
	EventFailedPermanent EventStatus = "failed-permanent"
	EventCancelled       EventStatus = "cancelled"
)

// EventRecord is the durable journal entry for a pipeline event. Events that
// were queued but not completed survive a process crash through this record.
type EventRecord struct {
	ID          string      `json:"id"`
	Key         string      `json:"key"` // idempotency key: source id + content hash
	SourceID    string      `json:"source_id"`
	ContentHash string      `json:"content_hash"`
	Tier        string      `json:"tier"`
	Status      EventStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	// Payload is the serialized submission, kept so non-terminal events can
	// be re-enqueued after a restart
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReviewKind distinguishes the two classes of items on the review surface
type ReviewKind string

const (
	ReviewAmbiguous   ReviewKind = "ambiguous-resolution"
	ReviewFailedEvent ReviewKind = "failed-event"
)

// PendingRelation is a relationship hint from the originating event whose
// other endpoint already resolved. It is reinforced once the parked
// candidate is settled.
type PendingRelation struct {
	OtherID string                  `json:"other_id"`
	Kind    entity.RelationshipKind `json:"kind"`
	// Outbound marks the parked candidate as the from side of the edge
	Outbound bool `json:"outbound,omitempty"`
}

// ReviewItem parks evidence that needs a human decision: an ambiguous
// resolution, or an event whose retry budget ran out
type ReviewItem struct {
	ID               string                `json:"id"`
	Kind             ReviewKind            `json:"kind"`
	Candidate        *entity.Candidate     `json:"candidate,omitempty"`
	Source           *entity.SourceContext `json:"source,omitempty"`
	MatchIDs         []string              `json:"match_ids,omitempty"`
	PendingRelations []PendingRelation     `json:"pending_relations,omitempty"`
	EventID          string                `json:"event_id,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
}

// Store is the persistence boundary for the intelligence graph. Callers
// never mutate fetched values directly; all read-modify-write goes through
// the Update* methods, which serialize per entity.
type Store interface {
	// Entities. PutEntity is insert-only; UpdateEntity runs fn under the
	// entity's lock and persists the result if fn returns nil.
	PutEntity(ctx context.Context, e *entity.Entity) error
	GetEntity(ctx context.Context, id string) (*entity.Entity, error)
	GetEntityByName(ctx context.Context, variant entity.Variant, name string) (*entity.Entity, error)
	ListEntities(ctx context.Context, variant entity.Variant, offset, limit int) ([]*entity.Entity, error)
	UpdateEntity(ctx context.Context, id string, fn func(*entity.Entity) error) (*entity.Entity, error)
	// UpdateEntityPair locks both entities in ascending id order, so
	// concurrent pair updates cannot deadlock.
	UpdateEntityPair(ctx context.Context, idA, idB string, fn func(a, b *entity.Entity) error) error
	DeleteEntity(ctx context.Context, id string) error
	// ResolveID follows tombstone redirects to the surviving id. The chase
	// is bounded; a broken or circular chain is a DanglingReference.
	ResolveID(ctx context.Context, id string) (string, error)

	// Relationships
	UpsertEdge(ctx context.Context, key entity.EdgeKey, fn func(*entity.Relationship) error) (*entity.Relationship, error)
	GetEdge(ctx context.Context, key entity.EdgeKey) (*entity.Relationship, error)
	ListEdgesFor(ctx context.Context, id string) ([]*entity.Relationship, error)
	AllEdges(ctx context.Context) ([]*entity.Relationship, error)
	DeleteEdge(ctx context.Context, key entity.EdgeKey) error
	PutDormantEdge(ctx context.Context, d *entity.DormantEdge) error
	ListDormantEdges(ctx context.Context) ([]*entity.DormantEdge, error)

	// Insights (append-only). FindInsightBySignature returns the newest
	// insight with that signature whether or not it has expired; nil when
	// none exists.
	PutInsight(ctx context.Context, i *entity.Insight) error
	ListInsights(ctx context.Context, kind entity.InsightKind, entityID string, now time.Time) ([]*entity.Insight, error)
	FindInsightBySignature(ctx context.Context, signature string) (*entity.Insight, error)

	// Event journal
	PutEvent(ctx context.Context, rec *EventRecord) error
	GetEvent(ctx context.Context, id string) (*EventRecord, error)
	GetEventByKey(ctx context.Context, key string) (*EventRecord, error)
	ListEventsByStatus(ctx context.Context, status EventStatus) ([]*EventRecord, error)

	// Review surface
	PutReviewItem(ctx context.Context, item *ReviewItem) error
	GetReviewItem(ctx context.Context, id string) (*ReviewItem, error)
	ListReviewItems(ctx context.Context) ([]*ReviewItem, error)
	DeleteReviewItem(ctx context.Context, id string) error

	Close(ctx context.Context) error
}
