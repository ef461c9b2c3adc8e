package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/ai/rag"
)

// Retriever is the slice of the retrieval service this tool needs.
type Retriever interface {
	Search(ctx context.Context, query, username string, personaID int32, topK int) ([]rag.Passage, error)
}

// RagQuery retrieves passages from the current persona's background corpus.
// The (user, persona) scope comes exclusively from the turn context; the
// model cannot point the query at another tenant's collection.
type RagQuery struct {
	retriever Retriever
}

// NewRagQuery builds the tool.
func NewRagQuery(retriever Retriever) *RagQuery {
	return &RagQuery{retriever: retriever}
}

func (r *RagQuery) Name() string { return "rag_query" }

func (r *RagQuery) Description() string {
	return "查询当前角色的背景资料库。Retrieve passages from this persona's background corpus."
}

func (r *RagQuery) Parameters() string {
	return `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to look up"},
			"top_k": {"type": "integer", "description": "Number of passages, default 4"}
		},
		"required": ["query"]
	}`
}

type ragQueryArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type ragQueryResult struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

func (r *RagQuery) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var args ragQueryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", errors.Wrap(err, "invalid rag_query arguments")
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", errors.New("query is required")
	}
	if args.TopK <= 0 {
		args.TopK = 4
	}

	scope, ok := rag.TurnContextFrom(ctx)
	if !ok {
		return "", errors.New("no retrieval scope on context")
	}

	passages, err := r.retriever.Search(ctx, args.Query, scope.Username, scope.PersonaID, args.TopK)
	if err != nil {
		return "", errors.Wrap(err, "retrieval failed")
	}

	results := make([]ragQueryResult, 0, len(passages))
	for _, p := range passages {
		results = append(results, ragQueryResult{Text: p.Text, Source: p.Source})
	}
	out, err := json.Marshal(results)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode passages")
	}
	return string(out), nil
}
