package entity

import (
	"strings"
	"time"
	"unicode"
)

// Variant is the coarse type of an entity
type Variant string

const (
	VariantTopic  Variant = "topic"
	VariantPerson Variant = "person"
	VariantTask   Variant = "task"
)

// IsValid reports whether v is one of the known variants
func (v Variant) IsValid() bool {
	switch v {
	case VariantTopic, VariantPerson, VariantTask:
		return true
	}
	return false
}

// Origin records who brought an entity into existence
type Origin string

const (
	OriginUserCreated      Origin = "user-created"
	OriginSystemDiscovered Origin = "system-discovered"
)

// ProvenanceRef points back at the evidence that mentioned an entity
type ProvenanceRef struct {
	SourceID  string    `json:"source_id"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tombstone marks an entity that was merged away. Reads of the dead id
// follow RedirectTo; the id itself is never reused.
type Tombstone struct {
	RedirectTo string    `json:"redirect_to"`
	MergedAt   time.Time `json:"merged_at"`
}

// Entity is a node in the intelligence graph
type Entity struct {
	ID            string          `json:"id"`
	Variant       Variant         `json:"variant"`
	CanonicalName string          `json:"canonical_name"`
	Aliases       []string        `json:"aliases,omitempty"`
	Confidence    float64         `json:"confidence"`
	Importance    float64         `json:"importance"`
	MentionCount  int             `json:"mention_count"`
	Provenance    []ProvenanceRef `json:"provenance,omitempty"`
	Origin        Origin          `json:"origin"`
	Official      bool            `json:"official"`
	Description   string          `json:"description,omitempty"`
	Keywords      []string        `json:"keywords,omitempty"`

	// Person fields
	Email string `json:"email,omitempty"`

	// Task fields
	Status  string     `json:"status,omitempty"`
	DueDate *time.Time `json:"due_date,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	Tombstone     *Tombstone `json:"tombstone,omitempty"`
}

// IsTombstoned reports whether the entity was merged away
func (e *Entity) IsTombstoned() bool {
	return e.Tombstone != nil
}

// HasAlias reports whether name matches the canonical name or any alias,
// after normalization
func (e *Entity) HasAlias(name string) bool {
	n := NormalizeName(name)
	if NormalizeName(e.CanonicalName) == n {
		return true
	}
	for _, a := range e.Aliases {
		if NormalizeName(a) == n {
			return true
		}
	}
	return false
}

// AddAlias appends an alias if it is not already present. The alias set
// only grows.
func (e *Entity) AddAlias(name string) {
	if name == "" || e.HasAlias(name) {
		return
	}
	e.Aliases = append(e.Aliases, name)
}

// NormalizeName lowercases, collapses whitespace and strips surrounding
// punctuation so that "Project  Phoenix!" and "project phoenix" compare equal
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimFunc(name, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.Join(strings.Fields(name), " ")
}

// NameTokens splits a normalized name into comparison tokens
func NameTokens(name string) []string {
	return strings.Fields(NormalizeName(name))
}
