package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"intelgraph/internal/entity"
)

// Tier orders events by urgency. Lower values dequeue first.
type Tier int

const (
	TierUserAction Tier = iota
	TierPrimaryDoc
	TierSecondaryDoc
	TierBackfill

	tierCount = 4
)

func (t Tier) String() string {
	switch t {
	case TierUserAction:
		return "user-action"
	case TierPrimaryDoc:
		return "primary-doc"
	case TierSecondaryDoc:
		return "secondary-doc"
	case TierBackfill:
		return "backfill"
	}
	return "unknown"
}

// ParseTier maps the wire name to a tier
func ParseTier(s string) (Tier, error) {
	switch s {
	case "user-action":
		return TierUserAction, nil
	case "primary-doc":
		return TierPrimaryDoc, nil
	case "secondary-doc":
		return TierSecondaryDoc, nil
	case "backfill":
		return TierBackfill, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Submission is an event handed to the pipeline. Either Document text for
// oracle extraction, or pre-extracted candidates, or both (candidates win).
type Submission struct {
	SourceID    string                `json:"source_id"`
	ContentHash string                `json:"content_hash,omitempty"`
	Tier        Tier                  `json:"-"`
	Document    string                `json:"document,omitempty"`
	Candidates  []entity.Candidate    `json:"candidates,omitempty"`
	Relations   []entity.RelationHint `json:"relations,omitempty"`
	UserAction  bool                  `json:"user_action,omitempty"`
	ObservedAt  time.Time             `json:"observed_at,omitempty"`
}

// Key is the idempotency key: two submissions with the same source and
// content are the same event
func (s *Submission) Key() string {
	return s.SourceID + "\n" + s.Hash()
}

// Hash returns the content hash, computing it from the payload when the
// submitter did not provide one
func (s *Submission) Hash() string {
	if s.ContentHash != "" {
		return s.ContentHash
	}
	h := sha256.New()
	h.Write([]byte(s.Document))
	if len(s.Candidates) > 0 {
		raw, _ := json.Marshal(s.Candidates)
		h.Write([]byte{0})
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// event is the queued unit of work
type event struct {
	id       string
	sub      Submission
	attempts int
	enqueued time.Time
}
