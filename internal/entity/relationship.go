package entity

import "time"

// RelationshipKind describes how two entities relate
type RelationshipKind string

const (
	// KindCoOccurrence is undirected: the pair appeared in the same evidence
	KindCoOccurrence RelationshipKind = "co-occurrence"
	// KindAssignment is directed: A is assigned to B (person -> task)
	KindAssignment RelationshipKind = "assignment"
	// KindAttendance is directed: A attends B (person -> topic/meeting)
	KindAttendance RelationshipKind = "attendance"
)

// IsDirected reports whether edge direction carries meaning for this kind
func (k RelationshipKind) IsDirected() bool {
	return k != KindCoOccurrence
}

// EdgeKey identifies a relationship. Undirected kinds are normalized so that
// A < B; the same pair always maps to the same key.
type EdgeKey struct {
	A    string           `json:"a"`
	B    string           `json:"b"`
	Kind RelationshipKind `json:"kind"`
}

// NewEdgeKey builds a key, normalizing endpoint order for undirected kinds
func NewEdgeKey(a, b string, kind RelationshipKind) EdgeKey {
	if !kind.IsDirected() && b < a {
		a, b = b, a
	}
	return EdgeKey{A: a, B: b, Kind: kind}
}

// Touches reports whether the edge references the given entity id
func (k EdgeKey) Touches(id string) bool {
	return k.A == id || k.B == id
}

// Other returns the endpoint opposite to id
func (k EdgeKey) Other(id string) string {
	if k.A == id {
		return k.B
	}
	return k.A
}

// Relationship is a weighted edge between two entities
type Relationship struct {
	Key              EdgeKey   `json:"key"`
	Affinity         float64   `json:"affinity"`
	EvidenceCount    int       `json:"evidence_count"`
	CreatedAt        time.Time `json:"created_at"`
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
	// DecayedAt records the last decay pass applied to this edge so decay
	// is computed from the later of reinforcement and previous decay
	DecayedAt time.Time `json:"decayed_at,omitempty"`
}

// DormantEdge is the compact record kept when a pruned edge falls below the
// affinity floor. It preserves that the pair used to be connected.
type DormantEdge struct {
	Key           EdgeKey   `json:"key"`
	EvidenceCount int       `json:"evidence_count"`
	LastActiveAt  time.Time `json:"last_active_at"`
	PrunedAt      time.Time `json:"pruned_at"`
}
