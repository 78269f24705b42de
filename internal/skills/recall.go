package skills

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

// RecallFunc performs a memory search for a query.
type RecallFunc func(ctx context.Context, query string) ([]memory.SearchHit, error)

// RecallMemory surfaces historical conversation material matching a query.
type RecallMemory struct {
	recall RecallFunc
}

var _ Skill = (*RecallMemory)(nil)

func NewRecallMemory(recall RecallFunc) *RecallMemory {
	return &RecallMemory{recall: recall}
}

func (*RecallMemory) Name() string { return "recall_memory" }

func (*RecallMemory) Description() string {
	return "Search past conversations and session summaries for material relevant to a query."
}

func (*RecallMemory) ParameterSchema() string {
	return `{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"minLength": 1,
				"description": "What to look for in past conversations."
			}
		},
		"required": ["query"],
		"additionalProperties": false
	}`
}

type recallArgs struct {
	Query string `json:"query"`
}

type recallResult struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func (s *RecallMemory) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in recallArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("recall_memory: %w", err)
	}

	hits, err := s.recall(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("recall_memory: %w", err)
	}

	out := make([]recallResult, len(hits))
	for i, h := range hits {
		out[i] = recallResult{Kind: string(h.Kind), Text: h.Text}
	}
	return out, nil
}
