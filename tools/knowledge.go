package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/becomeliminal/nim-knowledge/knowledge"
	"github.com/becomeliminal/nim-knowledge/storage"
)

// KnowledgeService is the part of knowledge.Service the tools call.
type KnowledgeService interface {
	IndexKnowledge(ctx context.Context, content string, metadata map[string]any, id string) (string, error)
	IndexKnowledgeBatch(ctx context.Context, items []knowledge.KnowledgeItem, batchSize int) ([]string, error)
	RetrieveKnowledge(ctx context.Context, query string, opts knowledge.RetrieveOptions) ([]knowledge.SearchResult, error)
	FindSimilar(ctx context.Context, content string, opts knowledge.RetrieveOptions) ([]knowledge.SearchResult, error)
	DeleteKnowledge(ctx context.Context, ids ...string) error
}

// LexicalSearcher backs semantic_search and find_similar when retrieval fails.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]storage.SearchHit, error)
}

type indexInput struct {
	BaseInput
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	ID       string         `json:"id"`
}

type indexBatchInput struct {
	BaseInput
	Items     []knowledge.KnowledgeItem `json:"items"`
	BatchSize int                       `json:"batch_size"`
}

type searchInput struct {
	BaseInput
	Query               string         `json:"query"`
	Content             string         `json:"content"`
	NResults            int            `json:"n_results"`
	Filters             map[string]any `json:"filters"`
	SimilarityThreshold *float64       `json:"similarity_threshold"`
}

func (in searchInput) options() knowledge.RetrieveOptions {
	return knowledge.RetrieveOptions{
		NResults:  in.NResults,
		Filters:   in.Filters,
		Threshold: in.SimilarityThreshold,
	}
}

type deleteInput struct {
	BaseInput
	IDs []string `json:"ids"`
}

// searchOutput is the payload of semantic_search and find_similar.
type searchOutput struct {
	Results  []knowledge.SearchResult `json:"results"`
	Count    int                      `json:"count"`
	Fallback string                   `json:"fallback,omitempty"`
	Note     string                   `json:"note,omitempty"`
}

func searchProperties(queryField, queryDescription string) Schema {
	return Schema{
		queryField:             StringProperty(queryDescription),
		"n_results":            IntegerProperty("Maximum number of results (default 5)", 1),
		"filters":              MetadataProperty("Only return items whose metadata equals every given key/value"),
		"similarity_threshold": NumberRangeProperty("Minimum similarity score between 0 and 1", 0, 1),
	}
}

// RegisterKnowledgeTools registers index_knowledge, index_knowledge_batch,
// semantic_search, find_similar and delete_knowledge. lexical may be nil.
func RegisterKnowledgeTools(r *Registry, svc KnowledgeService, lexical LexicalSearcher) error {
	tools := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        "index_knowledge",
				Description: "Store a piece of knowledge so it can be found by meaning later. Re-indexing an existing id replaces it.",
				InputSchema: BuildSchemaWithThought(Schema{
					"content":  StringProperty("Text to index"),
					"metadata": MetadataProperty("Optional scalar metadata used for filtering"),
					"id":       StringProperty("Optional stable id; a new one is generated when empty"),
				}, true, "content"),
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[indexInput](raw)
				if err != nil {
					return nil, err
				}
				id, err := svc.IndexKnowledge(ctx, in.Content, in.Metadata, in.ID)
				if err != nil {
					return nil, err
				}
				return success(map[string]any{"id": id}), nil
			},
		},
		{
			def: Definition{
				Name:        "index_knowledge_batch",
				Description: "Index many pieces of knowledge at once with batched embedding calls.",
				InputSchema: BuildSchemaWithThought(Schema{
					"items": ArrayProperty("Items to index", ObjectSchema(Schema{
						"content":  StringProperty("Text to index"),
						"metadata": MetadataProperty("Optional scalar metadata"),
						"id":       StringProperty("Optional stable id"),
					}, "content")),
					"batch_size": IntegerProperty("Texts per embedding call (default 32)", 1),
				}, true, "items"),
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[indexBatchInput](raw)
				if err != nil {
					return nil, err
				}
				if len(in.Items) == 0 {
					return nil, fmt.Errorf("%w: items is required", errInvalidInput)
				}
				ids, err := svc.IndexKnowledgeBatch(ctx, in.Items, in.BatchSize)
				if err != nil {
					return nil, err
				}
				return success(map[string]any{"ids": ids, "count": len(ids)}), nil
			},
		},
		{
			def: Definition{
				Name:        "semantic_search",
				Description: "Find stored knowledge by meaning. Falls back to keyword search, labelled as such, when semantic search is unavailable.",
				InputSchema: BuildSchemaWithThought(searchProperties("query", "What to search for"), false, "query"),
				ReadOnly:    true,
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[searchInput](raw)
				if err != nil {
					return nil, err
				}
				if err := required("query", in.Query); err != nil {
					return nil, err
				}
				results, err := svc.RetrieveKnowledge(ctx, in.Query, in.options())
				if err == nil {
					return success(searchOutput{Results: nonNil(results), Count: len(results)}), nil
				}
				if errors.Is(err, knowledge.ErrInvalidArgument) || ctx.Err() != nil {
					return nil, err
				}
				return success(lexicalFallback(ctx, lexical, in.Query, in.NResults, err)), nil
			},
		},
		{
			def: Definition{
				Name:        "find_similar",
				Description: "Find knowledge similar to a piece of content. Uses a lower default threshold than semantic_search and the same keyword fallback.",
				InputSchema: BuildSchemaWithThought(searchProperties("content", "Content to compare against"), false, "content"),
				ReadOnly:    true,
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[searchInput](raw)
				if err != nil {
					return nil, err
				}
				if err := required("content", in.Content); err != nil {
					return nil, err
				}
				results, err := svc.FindSimilar(ctx, in.Content, in.options())
				if err == nil {
					return success(searchOutput{Results: nonNil(results), Count: len(results)}), nil
				}
				if errors.Is(err, knowledge.ErrInvalidArgument) || ctx.Err() != nil {
					return nil, err
				}
				return success(lexicalFallback(ctx, lexical, in.Content, in.NResults, err)), nil
			},
		},
		{
			def: Definition{
				Name:        "delete_knowledge",
				Description: "Remove knowledge items by id.",
				InputSchema: BuildSchemaWithThought(Schema{
					"ids": ArrayProperty("Ids to delete", StringProperty("Knowledge id")),
				}, true, "ids"),
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[deleteInput](raw)
				if err != nil {
					return nil, err
				}
				if len(in.IDs) == 0 {
					return nil, fmt.Errorf("%w: ids is required", errInvalidInput)
				}
				if err := svc.DeleteKnowledge(ctx, in.IDs...); err != nil {
					return nil, err
				}
				return success(map[string]any{"deleted": len(in.IDs)}), nil
			},
		},
	}

	for _, t := range tools {
		if err := r.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

// lexicalFallback answers a failed semantic search from the full-text index.
func lexicalFallback(ctx context.Context, lexical LexicalSearcher, query string, limit int, cause error) searchOutput {
	out := searchOutput{
		Results:  []knowledge.SearchResult{},
		Fallback: "none",
		Note:     "semantic search unavailable: " + cause.Error(),
	}
	if lexical == nil {
		return out
	}
	if limit <= 0 {
		limit = knowledge.DefaultConfig.NResults
	}
	hits, err := lexical.Search(ctx, query, limit)
	if err != nil {
		out.Note += "; keyword search failed: " + err.Error()
		return out
	}
	now := time.Now().UTC()
	for _, h := range hits {
		out.Results = append(out.Results, knowledge.SearchResult{
			ID:              h.ID,
			Content:         h.Snippet,
			Metadata:        map[string]any{"title": h.Title},
			SimilarityScore: h.Score,
			RetrievedAt:     now,
		})
	}
	out.Count = len(out.Results)
	out.Fallback = "lexical"
	return out
}

func nonNil(results []knowledge.SearchResult) []knowledge.SearchResult {
	if results == nil {
		return []knowledge.SearchResult{}
	}
	return results
}
