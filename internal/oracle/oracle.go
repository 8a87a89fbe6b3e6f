package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"intelgraph/internal/entity"
	"intelgraph/pkg/logger"
)

// Document is the unit of text handed to the extraction oracle
type Document struct {
	SourceID string
	Text     string
}

// Extractor is the boundary to the extraction oracle. Implementations are
// collaborators, not authorities: slow, occasionally wrong and rate-limited.
// The caller owns timeout and retry.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (*entity.Extraction, error)
}

// OpenAIExtractor talks to an OpenAI-compatible endpoint (LiteLLM and
// similar gateways work via the base URL override)
type OpenAIExtractor struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIExtractor creates an extractor against the given endpoint
func NewOpenAIExtractor(baseURL, apiKey, model string) *OpenAIExtractor {
	// Local gateways accept a dummy API key
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"

	return &OpenAIExtractor{
		client: openai.NewClientWithConfig(config),
		model:  model,
		logger: logger.Named("oracle"),
	}
}

const systemPrompt = `You extract entities and relationships from workplace documents.
Respond with a single JSON object, no prose, in this shape:
{
  "candidates": [
    {
      "name": "string",
      "variant": "topic|person|task",
      "confidence": 0.0,
      "description": "string",
      "keywords": ["string"],
      "aliases": ["string"],
      "email": "person only",
      "status": "task only",
      "contradiction": false
    }
  ],
  "relations": [
    {"from": "candidate name", "to": "candidate name", "kind": "co-occurrence|assignment|attendance"}
  ]
}
Only include entities actually mentioned. Confidence reflects how certain the mention is.`

// Extract runs one extraction attempt. No internal retry: transient
// failures bubble up so the pipeline can apply its backoff budget.
func (o *OpenAIExtractor) Extract(ctx context.Context, doc Document) (*entity.Extraction, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: doc.Text},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in extraction response")
	}

	extraction, err := parseExtraction(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extraction: %w", err)
	}

	o.logger.Debug("extraction complete",
		zap.String("source_id", doc.SourceID),
		zap.Int("candidates", len(extraction.Candidates)),
		zap.Int("relations", len(extraction.Relations)))
	return extraction, nil
}

// parseExtraction is tolerant of the usual model quirks: code fences around
// the JSON, missing optional fields, an empty candidate list
func parseExtraction(content string) (*entity.Extraction, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var extraction entity.Extraction
	if err := json.Unmarshal([]byte(content), &extraction); err != nil {
		return nil, err
	}
	if extraction.Candidates == nil {
		extraction.Candidates = []entity.Candidate{}
	}
	return &extraction, nil
}
