package oracle

import (
	"testing"

	"intelgraph/internal/entity"
)

func TestParseExtraction(t *testing.T) {
	raw := `{
		"candidates": [
			{"name": "Project Phoenix", "variant": "topic", "confidence": 0.9, "keywords": ["launch"]},
			{"name": "Jane Doe", "variant": "person", "confidence": 0.8, "email": "jane@example.com"}
		],
		"relations": [
			{"from": "Jane Doe", "to": "Project Phoenix", "kind": "co-occurrence"}
		]
	}`

	extraction, err := parseExtraction(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(extraction.Candidates) != 2 {
		t.Fatalf("candidates = %d", len(extraction.Candidates))
	}
	if extraction.Candidates[1].Email != "jane@example.com" {
		t.Errorf("email = %q", extraction.Candidates[1].Email)
	}
	if len(extraction.Relations) != 1 || extraction.Relations[0].Kind != entity.KindCoOccurrence {
		t.Errorf("relations = %+v", extraction.Relations)
	}
}

func TestParseExtractionCodeFence(t *testing.T) {
	raw := "```json\n{\"candidates\": [{\"name\": \"X\", \"variant\": \"topic\", \"confidence\": 0.5}]}\n```"
	extraction, err := parseExtraction(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(extraction.Candidates) != 1 {
		t.Errorf("candidates = %d", len(extraction.Candidates))
	}
}

func TestParseExtractionEmptyAndMissingFields(t *testing.T) {
	extraction, err := parseExtraction(`{}`)
	if err != nil {
		t.Fatal(err)
	}
	if extraction.Candidates == nil || len(extraction.Candidates) != 0 {
		t.Error("missing candidate list should parse as empty")
	}

	if _, err := parseExtraction("this is not json"); err == nil {
		t.Error("garbage must not parse")
	}
}
