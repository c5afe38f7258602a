package knowledge_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/becomeliminal/nim-knowledge/cache"
	"github.com/becomeliminal/nim-knowledge/knowledge"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder/mock"
	"github.com/becomeliminal/nim-knowledge/knowledge/store/chromem"
)

type fixture struct {
	svc      *knowledge.Service
	embedder *mock.MockEmbedder
	index    *chromem.Index
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	embedder := mock.New()
	index, err := chromem.New().Index(knowledge.SpaceOf(embedder))
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}

	opts := knowledge.Options{Embedder: embedder, Index: index}
	if withCache {
		backend, err := cache.NewMemoryBackend(1 << 20)
		if err != nil {
			t.Fatalf("Failed to create cache backend: %v", err)
		}
		c := cache.New(backend, cache.Options{DefaultTTL: time.Minute})
		t.Cleanup(func() { c.Close() })
		opts.Cache = c
	}

	svc, err := knowledge.New(opts)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return &fixture{svc: svc, embedder: embedder, index: index}
}

func contents(results []knowledge.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Content
	}
	return out
}

func containsContent(results []knowledge.SearchResult, content string) bool {
	for _, r := range results {
		if r.Content == content {
			return true
		}
	}
	return false
}

var corpus = []string{
	"The quick brown fox jumps over the lazy dog",
	"Quarterly revenue report for the finance team",
	"Rocket launch schedule for next week",
	"A brown dog sleeps in the sun",
	"Fox news coverage of the launch",
}

func TestService_IngestThenSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.IndexKnowledge(ctx, "The quick brown fox", map[string]any{"context_id": "1"}, "")
	if err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}

	results, err := f.svc.RetrieveKnowledge(ctx, "a fast fox", knowledge.RetrieveOptions{
		NResults:  5,
		Threshold: knowledge.Threshold(0.3),
	})
	if err != nil {
		t.Fatalf("RetrieveKnowledge failed: %v", err)
	}
	if len(results) != 1 || results[0].Content != "The quick brown fox" {
		t.Fatalf("Expected the fox item, got %v", contents(results))
	}
	if results[0].SimilarityScore < 0.3 || results[0].SimilarityScore > 1 {
		t.Errorf("Score %f outside [0.3, 1]", results[0].SimilarityScore)
	}
	if results[0].Metadata["context_id"] != "1" {
		t.Errorf("Metadata = %v", results[0].Metadata)
	}
	if results[0].RetrievedAt.IsZero() {
		t.Error("RetrievedAt not set")
	}
}

func TestService_IdempotentReindex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	for i := 0; i < 2; i++ {
		id, err := f.svc.IndexKnowledge(ctx, "same content", map[string]any{"v": 1}, "fixed-id")
		if err != nil {
			t.Fatalf("IndexKnowledge failed: %v", err)
		}
		if id != "fixed-id" {
			t.Errorf("id = %q, want fixed-id", id)
		}
	}
	if n := f.svc.Count(); n != 1 {
		t.Errorf("Expected exactly one item, got %d", n)
	}

	results, err := f.svc.RetrieveKnowledge(ctx, "same content", knowledge.RetrieveOptions{Threshold: knowledge.Threshold(0)})
	if err != nil {
		t.Fatalf("RetrieveKnowledge failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected one result, got %d", len(results))
	}
}

func TestService_ThresholdMonotonicity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	for _, c := range corpus {
		if _, err := f.svc.IndexKnowledge(ctx, c, nil, ""); err != nil {
			t.Fatalf("IndexKnowledge failed: %v", err)
		}
	}

	prev := math.MaxInt
	for i := 0; i <= 10; i++ {
		threshold := float64(i) / 10
		results, err := f.svc.RetrieveKnowledge(ctx, "brown fox launch", knowledge.RetrieveOptions{
			NResults:  len(corpus),
			Threshold: knowledge.Threshold(threshold),
		})
		if err != nil {
			t.Fatalf("RetrieveKnowledge failed: %v", err)
		}
		if len(results) > prev {
			t.Errorf("Threshold %.1f returned %d results, more than %d at a lower threshold", threshold, len(results), prev)
		}
		prev = len(results)

		for j := 1; j < len(results); j++ {
			if results[j].SimilarityScore > results[j-1].SimilarityScore {
				t.Errorf("Results not in descending score order at %d", j)
			}
		}
	}
	if prev != 0 {
		t.Errorf("Threshold 1.0 should only match identical text, got %d results", prev)
	}
}

func TestService_CacheTransparency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	for _, c := range corpus {
		if _, err := f.svc.IndexKnowledge(ctx, c, map[string]any{"len": len(c)}, ""); err != nil {
			t.Fatalf("IndexKnowledge failed: %v", err)
		}
	}

	opts := knowledge.RetrieveOptions{NResults: 3, Threshold: knowledge.Threshold(0.3)}
	uncachedOpts := opts
	uncachedOpts.NoCache = true

	uncached, err := f.svc.RetrieveKnowledge(ctx, "brown dog", uncachedOpts)
	if err != nil {
		t.Fatalf("Uncached retrieve failed: %v", err)
	}
	miss, err := f.svc.RetrieveKnowledge(ctx, "brown dog", opts)
	if err != nil {
		t.Fatalf("Cached retrieve failed: %v", err)
	}
	calls := f.embedder.Calls()
	hit, err := f.svc.RetrieveKnowledge(ctx, "brown dog", opts)
	if err != nil {
		t.Fatalf("Cached retrieve failed: %v", err)
	}
	if f.embedder.Calls() != calls {
		t.Error("Cache hit should not embed the query")
	}

	for name, got := range map[string][]knowledge.SearchResult{"miss": miss, "hit": hit} {
		if len(got) != len(uncached) {
			t.Fatalf("%s: %d results, uncached %d", name, len(got), len(uncached))
		}
		for i := range got {
			if got[i].ID != uncached[i].ID || got[i].SimilarityScore != uncached[i].SimilarityScore {
				t.Errorf("%s result %d = %s/%f, uncached %s/%f", name, i,
					got[i].ID, got[i].SimilarityScore, uncached[i].ID, uncached[i].SimilarityScore)
			}
		}
	}

	stats := f.svc.Stats(ctx)
	if stats.Items != len(corpus) || stats.Queries != 2 || stats.CacheHits != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestService_DeleteThenSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	id, err := f.svc.IndexKnowledge(ctx, "The quick brown fox", map[string]any{"context_id": "1"}, "")
	if err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}
	opts := knowledge.RetrieveOptions{Threshold: knowledge.Threshold(0.3)}
	for _, filters := range []map[string]any{nil, {"context_id": "1"}} {
		opts.Filters = filters
		results, err := f.svc.RetrieveKnowledge(ctx, "a fast fox", opts)
		if err != nil || !containsContent(results, "The quick brown fox") {
			t.Fatalf("Item should be retrievable before delete: %v, %v", contents(results), err)
		}
	}
	if _, err := f.svc.GetKnowledge(ctx, id); err != nil {
		t.Fatalf("GetKnowledge failed: %v", err)
	}

	if err := f.svc.DeleteKnowledge(ctx, id); err != nil {
		t.Fatalf("DeleteKnowledge failed: %v", err)
	}

	for _, filters := range []map[string]any{nil, {"context_id": "1"}} {
		opts.Filters = filters
		results, err := f.svc.RetrieveKnowledge(ctx, "a fast fox", opts)
		if err != nil {
			t.Fatalf("RetrieveKnowledge failed: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("Deleted item still returned with filters %v: %v", filters, contents(results))
		}
	}
	if _, err := f.svc.GetKnowledge(ctx, id); !errors.Is(err, knowledge.ErrNotFound) {
		t.Errorf("GetKnowledge after delete = %v, want ErrNotFound", err)
	}
}

func TestService_IndexInvalidatesCachedSearches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	if _, err := f.svc.IndexKnowledge(ctx, "A brown dog sleeps", map[string]any{"context_id": "1"}, ""); err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}

	opts := knowledge.RetrieveOptions{Threshold: knowledge.Threshold(0.3)}
	filtered := opts
	filtered.Filters = map[string]any{"context_id": "2"}
	other := opts
	other.Filters = map[string]any{"context_id": "1"}

	// Warm the cache: unfiltered, matching filter, non-matching filter.
	for _, o := range []knowledge.RetrieveOptions{opts, filtered, other} {
		if _, err := f.svc.RetrieveKnowledge(ctx, "quick fox", o); err != nil {
			t.Fatalf("RetrieveKnowledge failed: %v", err)
		}
	}

	if _, err := f.svc.IndexKnowledge(ctx, "The quick brown fox", map[string]any{"context_id": "2"}, ""); err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}

	for name, o := range map[string]knowledge.RetrieveOptions{"unfiltered": opts, "context_id=2": filtered} {
		results, err := f.svc.RetrieveKnowledge(ctx, "quick fox", o)
		if err != nil {
			t.Fatalf("RetrieveKnowledge failed: %v", err)
		}
		if !containsContent(results, "The quick brown fox") {
			t.Errorf("%s search served stale results: %v", name, contents(results))
		}
	}
	results, _ := f.svc.RetrieveKnowledge(ctx, "quick fox", other)
	if containsContent(results, "The quick brown fox") {
		t.Error("context_id=1 search must not return a context_id=2 item")
	}
}

func TestService_BatchMatchesSingle(t *testing.T) {
	ctx := context.Background()
	single := newFixture(t, false)
	batch := newFixture(t, false)

	var items []knowledge.KnowledgeItem
	for i := 0; i < 10; i++ {
		items = append(items, knowledge.KnowledgeItem{
			ID:       fmt.Sprintf("item-%d", i),
			Content:  fmt.Sprintf("%s number %d", corpus[i%len(corpus)], i),
			Metadata: map[string]any{"context_id": fmt.Sprint(i % 3)},
		})
	}
	for _, item := range items {
		if _, err := single.svc.IndexKnowledge(ctx, item.Content, item.Metadata, item.ID); err != nil {
			t.Fatalf("IndexKnowledge failed: %v", err)
		}
	}
	ids, err := batch.svc.IndexKnowledgeBatch(ctx, items, 3)
	if err != nil {
		t.Fatalf("IndexKnowledgeBatch failed: %v", err)
	}
	for i, id := range ids {
		if id != items[i].ID {
			t.Errorf("Batch id %d = %s, want %s", i, id, items[i].ID)
		}
	}
	if single.svc.Count() != batch.svc.Count() {
		t.Fatalf("Counts differ: %d vs %d", single.svc.Count(), batch.svc.Count())
	}

	queries := []string{"brown fox", "revenue report", "launch", "number 7"}
	filters := []map[string]any{nil, {"context_id": "1"}}
	for _, q := range queries {
		for _, flt := range filters {
			opts := knowledge.RetrieveOptions{NResults: 10, Filters: flt, Threshold: knowledge.Threshold(0)}
			a, err := single.svc.RetrieveKnowledge(ctx, q, opts)
			if err != nil {
				t.Fatalf("Single retrieve failed: %v", err)
			}
			b, err := batch.svc.RetrieveKnowledge(ctx, q, opts)
			if err != nil {
				t.Fatalf("Batch retrieve failed: %v", err)
			}
			if len(a) != len(b) {
				t.Fatalf("%q: %d vs %d results", q, len(a), len(b))
			}
			for i := range a {
				if a[i].ID != b[i].ID || a[i].SimilarityScore != b[i].SimilarityScore {
					t.Errorf("%q result %d: %s/%f vs %s/%f", q, i, a[i].ID, a[i].SimilarityScore, b[i].ID, b[i].SimilarityScore)
				}
			}
		}
	}
}

func TestService_BatchDuplicateIDsLastWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	ids, err := f.svc.IndexKnowledgeBatch(ctx, []knowledge.KnowledgeItem{
		{ID: "dup", Content: "first version"},
		{Content: "no id"},
		{ID: "dup", Content: "second version"},
	}, 1)
	if err != nil {
		t.Fatalf("IndexKnowledgeBatch failed: %v", err)
	}
	if ids[0] != "dup" || ids[2] != "dup" || ids[1] == "" {
		t.Errorf("ids = %v", ids)
	}
	if f.svc.Count() != 2 {
		t.Errorf("Count = %d, want 2", f.svc.Count())
	}
	item, err := f.svc.GetKnowledge(ctx, "dup")
	if err != nil || item.Content != "second version" {
		t.Errorf("GetKnowledge(dup) = %+v, %v", item, err)
	}
}

func TestService_UpdateReembeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	id, err := f.svc.IndexKnowledge(ctx, "apples and oranges", map[string]any{"kind": "fruit"}, "x")
	if err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}
	opts := knowledge.RetrieveOptions{Threshold: knowledge.Threshold(0.5)}
	if results, _ := f.svc.RetrieveKnowledge(ctx, "rocket launch", opts); len(results) != 0 {
		t.Fatalf("Unexpected match before update: %v", contents(results))
	}

	content := "rocket launch schedule"
	if err := f.svc.UpdateKnowledge(ctx, id, knowledge.Update{Content: &content, Metadata: map[string]any{"kind": "space"}}); err != nil {
		t.Fatalf("UpdateKnowledge failed: %v", err)
	}
	if f.svc.Count() != 1 {
		t.Errorf("Update must not duplicate, count = %d", f.svc.Count())
	}

	results, err := f.svc.RetrieveKnowledge(ctx, "rocket launch", opts)
	if err != nil {
		t.Fatalf("RetrieveKnowledge failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "x" || results[0].Metadata["kind"] != "space" {
		t.Errorf("Updated item not found by new content: %+v", results)
	}

	if err := f.svc.UpdateKnowledge(ctx, "missing", knowledge.Update{Content: &content}); !errors.Is(err, knowledge.ErrNotFound) {
		t.Errorf("Update of missing id = %v, want ErrNotFound", err)
	}
}

func TestService_ZeroVectorSafety(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	if _, err := f.svc.IndexKnowledge(ctx, "   ", nil, "blank"); err != nil {
		t.Fatalf("Indexing blank content must not fail: %v", err)
	}
	if _, err := f.svc.IndexKnowledge(ctx, "a real sentence", nil, "real"); err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}
	calls := f.embedder.Calls()

	results, err := f.svc.RetrieveKnowledge(ctx, "", knowledge.RetrieveOptions{Threshold: knowledge.Threshold(0)})
	if err != nil || len(results) != 0 {
		t.Errorf("Blank query should return no results, got %v, %v", contents(results), err)
	}
	if f.embedder.Calls() != calls {
		t.Error("Blank text should not reach the provider")
	}

	results, err = f.svc.RetrieveKnowledge(ctx, "a real sentence", knowledge.RetrieveOptions{Threshold: knowledge.Threshold(0)})
	if err != nil {
		t.Fatalf("RetrieveKnowledge failed: %v", err)
	}
	for _, r := range results {
		if math.IsNaN(r.SimilarityScore) {
			t.Errorf("NaN score for %s", r.ID)
		}
		if r.ID == "blank" {
			t.Error("Zero-vector item returned by similarity search")
		}
	}

	item, err := f.svc.GetKnowledge(ctx, "blank")
	if err != nil || item.Content != "   " {
		t.Errorf("Blank item should still be stored: %+v, %v", item, err)
	}
}

func TestService_FindSimilarUsesLowerThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	if _, err := f.svc.IndexKnowledge(ctx, "The quick brown fox jumps over the lazy dog", nil, ""); err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}

	retrieved, err := f.svc.RetrieveKnowledge(ctx, "a fast fox", knowledge.RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveKnowledge failed: %v", err)
	}
	similar, err := f.svc.FindSimilar(ctx, "a fast fox", knowledge.RetrieveOptions{})
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(retrieved) != 0 || len(similar) != 1 {
		t.Errorf("Expected 0 results at 0.5 and 1 at 0.4, got %d and %d", len(retrieved), len(similar))
	}
}

func TestService_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	if _, err := f.svc.RetrieveKnowledge(ctx, "q", knowledge.RetrieveOptions{Threshold: knowledge.Threshold(1.5)}); !errors.Is(err, knowledge.ErrInvalidArgument) {
		t.Errorf("Threshold 1.5 = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.svc.IndexKnowledge(ctx, "x", map[string]any{"_model": "m"}, ""); !errors.Is(err, knowledge.ErrInvalidArgument) {
		t.Errorf("Reserved key = %v, want ErrInvalidArgument", err)
	}
	_, err := f.svc.GetKnowledge(ctx, "nope")
	if !errors.Is(err, knowledge.ErrNotFound) || !knowledge.IsDataError(err) {
		t.Errorf("GetKnowledge(nope) = %v, want data error ErrNotFound", err)
	}
}

func TestService_CancelledQuery(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.svc.IndexKnowledge(context.Background(), "hello world", nil, ""); err != nil {
		t.Fatalf("IndexKnowledge failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.svc.RetrieveKnowledge(ctx, "hello", knowledge.RetrieveOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	calls := f.embedder.Calls()
	if _, err := f.svc.RetrieveKnowledge(context.Background(), "hello", knowledge.RetrieveOptions{}); err != nil {
		t.Fatalf("RetrieveKnowledge failed: %v", err)
	}
	if f.embedder.Calls() != calls+1 {
		t.Error("A cancelled query must not leave a cached result behind")
	}
}

func TestService_IncompatibleSpace(t *testing.T) {
	index, err := chromem.New().Index(knowledge.Space{Model: mock.Model, Dimensions: mock.DefaultDimensions})
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}

	for name, e := range map[string]knowledge.Embedder{
		"model":      mock.New(mock.WithModel("another-model")),
		"dimensions": mock.New(mock.WithDimensions(128)),
	} {
		_, err := knowledge.New(knowledge.Options{Embedder: e, Index: index})
		if !errors.Is(err, knowledge.ErrIncompatibleSpace) {
			t.Errorf("%s: expected ErrIncompatibleSpace, got %v", name, err)
		}
	}

	_, err = knowledge.New(knowledge.Options{
		Embedder:      mock.New(),
		BatchEmbedder: mock.New(mock.WithModel("another-model")),
		Index:         index,
	})
	if !errors.Is(err, knowledge.ErrIncompatibleSpace) {
		t.Errorf("Batch embedder from another space: %v", err)
	}
}

func TestService_Reindex(t *testing.T) {
	ctx := context.Background()
	store := chromem.New()

	oldEmbedder := mock.New(mock.WithModel("old-model"), mock.WithDimensions(32))
	oldIndex, err := store.Index(knowledge.SpaceOf(oldEmbedder))
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	oldSvc, err := knowledge.New(knowledge.Options{Embedder: oldEmbedder, Index: oldIndex})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	for i, c := range corpus {
		if _, err := oldSvc.IndexKnowledge(ctx, c, map[string]any{"n": i}, fmt.Sprintf("doc-%d", i)); err != nil {
			t.Fatalf("IndexKnowledge failed: %v", err)
		}
	}

	newEmbedder := mock.New()
	newIndex, err := store.Index(knowledge.SpaceOf(newEmbedder))
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	svc, err := knowledge.New(knowledge.Options{
		Embedder: newEmbedder,
		Index:    newIndex,
		Config:   &knowledge.Config{BatchSize: 2, BatchConcurrency: 1, SimilarityThreshold: 0.5},
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	n, err := svc.Reindex(ctx, oldIndex)
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if n != len(corpus) || svc.Count() != len(corpus) {
		t.Errorf("Reindexed %d, count %d, want %d", n, svc.Count(), len(corpus))
	}
	item, err := svc.GetKnowledge(ctx, "doc-2")
	if err != nil {
		t.Fatalf("GetKnowledge failed: %v", err)
	}
	if item.Content != corpus[2] || item.Metadata["n"] != float64(2) {
		t.Errorf("Reindexed item = %+v", item)
	}
	if len(store.Spaces()) != 2 {
		t.Errorf("Expected both spaces listed, got %v", store.Spaces())
	}

	if _, err := svc.Reindex(ctx, newIndex); !errors.Is(err, knowledge.ErrInvalidArgument) {
		t.Errorf("Reindex from the same space = %v, want ErrInvalidArgument", err)
	}
}
