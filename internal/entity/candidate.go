package entity

import (
	"fmt"
	"time"
)

// SourceContext describes where a piece of evidence came from
type SourceContext struct {
	SourceID   string    `json:"source_id"`
	Excerpt    string    `json:"excerpt,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	// UserAction marks evidence originating from an explicit user action
	UserAction bool `json:"user_action,omitempty"`
}

// Candidate is an extracted mention that has not yet been resolved against
// the graph
type Candidate struct {
	Name        string   `json:"name"`
	Variant     Variant  `json:"variant"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`

	// Person fields
	Email string `json:"email,omitempty"`

	// Task fields
	Status  string     `json:"status,omitempty"`
	DueDate *time.Time `json:"due_date,omitempty"`

	// Contradiction marks evidence that disputes prior knowledge; it is the
	// only path by which confidence may decrease
	Contradiction bool `json:"contradiction,omitempty"`
}

// Validate rejects structurally broken candidates before they reach the
// resolver. Oracle output is untrusted.
func (c *Candidate) Validate() error {
	if NormalizeName(c.Name) == "" {
		return fmt.Errorf("candidate has empty name")
	}
	if !c.Variant.IsValid() {
		return fmt.Errorf("candidate %q has unknown variant %q", c.Name, c.Variant)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("candidate %q confidence %f out of [0,1]", c.Name, c.Confidence)
	}
	if c.Email != "" && c.Variant != VariantPerson {
		return fmt.Errorf("candidate %q carries an email but is not a person", c.Name)
	}
	if (c.Status != "" || c.DueDate != nil) && c.Variant != VariantTask {
		return fmt.Errorf("candidate %q carries task fields but is not a task", c.Name)
	}
	return nil
}

// RelationHint is an oracle-suggested relationship between two candidates,
// referenced by their names within the same extraction
type RelationHint struct {
	From string           `json:"from"`
	To   string           `json:"to"`
	Kind RelationshipKind `json:"kind"`
}

// Extraction is the oracle's answer for one document
type Extraction struct {
	Candidates []Candidate    `json:"candidates"`
	Relations  []RelationHint `json:"relations,omitempty"`
}
