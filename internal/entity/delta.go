package entity

import "time"

// DeltaKind names a structural change to the graph
type DeltaKind string

const (
	DeltaEntityMerged   DeltaKind = "entity-merged"
	DeltaEdgePruned     DeltaKind = "edge-pruned"
	DeltaImportanceRise DeltaKind = "importance-rise"
)

// GraphDelta is a notification that the graph changed in a way the insight
// generator may care about
type GraphDelta struct {
	Kind       DeltaKind
	EntityID   string
	MergedFrom string
	Edge       *DormantEdge
	Importance float64
	At         time.Time
}
