package entity

import (
	"sort"
	"strings"
	"time"
)

// InsightKind categorizes generated insights
type InsightKind string

const (
	InsightTopicMomentum       InsightKind = "topic-momentum"
	InsightDormantRelationship InsightKind = "dormant-relationship"
	InsightEntityMerged        InsightKind = "entity-merged"
	InsightRisingImportance    InsightKind = "rising-importance"
)

// Insight is an immutable derived observation about the graph. A newer
// insight that replaces an older one references it via Supersedes rather
// than mutating it.
type Insight struct {
	ID           string      `json:"id"`
	Kind         InsightKind `json:"kind"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Confidence   float64     `json:"confidence"`
	EvidenceRefs []string    `json:"evidence_refs"`
	Supersedes   string      `json:"supersedes,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
}

// Active reports whether the insight has not yet expired at now
func (i *Insight) Active(now time.Time) bool {
	return now.Before(i.ExpiresAt)
}

// Signature is the dedup key: kind plus sorted evidence refs. Two insights
// with the same signature describe the same observation.
func (i *Insight) Signature() string {
	refs := make([]string, len(i.EvidenceRefs))
	copy(refs, i.EvidenceRefs)
	sort.Strings(refs)
	return string(i.Kind) + "|" + strings.Join(refs, ",")
}
